package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"fleet-orchestrator/core/models"
)

// ListJobEvents retrieves events for a job, oldest first
func (s *PostgresStore) ListJobEvents(ctx context.Context, jobID string, limit int) ([]*models.JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, job_id, run_id, at, from_status, to_status, reason, meta_json
		FROM job_events
		WHERE job_id = $1
		ORDER BY at, id
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, jobID, limit)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var events []*models.JobEvent
	for rows.Next() {
		var event models.JobEvent
		var fromStatus sql.NullString
		var metaJSON string

		err := rows.Scan(
			&event.ID,
			&event.JobID,
			&event.RunID,
			&event.At,
			&fromStatus,
			&event.ToStatus,
			&event.Reason,
			&metaJSON,
		)
		if err != nil {
			return nil, errors.WithStack(err)
		}

		if fromStatus.Valid {
			status := models.JobStatus(fromStatus.String)
			event.FromStatus = &status
		}

		// Parse meta JSON
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &event.MetaJSON); err != nil {
				return nil, errors.Wrapf(err, "event %d meta", event.ID)
			}
		}

		events = append(events, &event)
	}

	return events, errors.WithStack(rows.Err())
}

func insertJobEventTx(ctx context.Context, tx *sql.Tx, event *models.JobEvent) error {
	query := `
		INSERT INTO job_events (job_id, run_id, at, from_status, to_status, reason, meta_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	var fromStatus *string
	if event.FromStatus != nil {
		s := string(*event.FromStatus)
		fromStatus = &s
	}

	metaJSON := "{}"
	if event.MetaJSON != nil {
		b, err := json.Marshal(event.MetaJSON)
		if err != nil {
			return errors.WithStack(err)
		}
		metaJSON = string(b)
	}

	_, err := tx.ExecContext(ctx, query, event.JobID, event.RunID, event.At, fromStatus, event.ToStatus, event.Reason, metaJSON)
	return translateError(err)
}
