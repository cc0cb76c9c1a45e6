package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"fleet-orchestrator/core/models"
)

const runColumns = `id, project_name, run_name, spec_json, status, desired_replica_count, deployment_num,
	priority, termination_reason, stop_requested, deleted, submitted_at, last_processed_at`

// CreateRun inserts a run together with its initial jobs
func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run, jobs []*models.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	defer tx.Rollback()

	specJSON, err := toJSON(run.Spec)
	if err != nil {
		return err
	}

	query := `INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = tx.ExecContext(ctx, query,
		run.ID,
		run.ProjectName,
		run.RunName,
		specJSON,
		run.Status,
		run.DesiredReplicaCount,
		run.DeploymentNum,
		run.Priority,
		run.TerminationReason,
		run.StopRequested,
		run.Deleted,
		run.SubmittedAt,
		run.LastProcessedAt,
	)
	if err != nil {
		return translateError(err)
	}

	for _, job := range jobs {
		if err := insertJobTx(ctx, tx, job); err != nil {
			return err
		}
		if err := insertJobEventTx(ctx, tx, models.NewJobEvent(job, "", "job_created")); err != nil {
			return err
		}
	}

	return errors.WithStack(tx.Commit())
}

// GetRun retrieves a run by ID
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, translateError(err)
	}
	return run, nil
}

// ListRuns lists runs matching the filter, oldest first
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	var where []string
	var args []interface{}

	if filter.ProjectName != "" {
		args = append(args, filter.ProjectName)
		where = append(where, fmt.Sprintf("project_name = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filter.IncludeDeleted {
		where = append(where, "NOT deleted")
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		runs = append(runs, run)
	}
	return runs, errors.WithStack(rows.Err())
}

// UpdateRun updates the mutable fields of a run
func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.Run) error {
	specJSON, err := toJSON(run.Spec)
	if err != nil {
		return err
	}
	query := `
		UPDATE runs SET spec_json = $1, status = $2, desired_replica_count = $3, deployment_num = $4,
			priority = $5, termination_reason = $6, stop_requested = $7, deleted = $8, last_processed_at = $9
		WHERE id = $10
	`
	res, err := s.db.ExecContext(ctx, query,
		specJSON,
		run.Status,
		run.DesiredReplicaCount,
		run.DeploymentNum,
		run.Priority,
		run.TerminationReason,
		run.StopRequested,
		run.Deleted,
		run.LastProcessedAt,
		run.ID,
	)
	if err != nil {
		return translateError(err)
	}
	return checkAffected(res)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var specJSON string
	err := row.Scan(
		&run.ID,
		&run.ProjectName,
		&run.RunName,
		&specJSON,
		&run.Status,
		&run.DesiredReplicaCount,
		&run.DeploymentNum,
		&run.Priority,
		&run.TerminationReason,
		&run.StopRequested,
		&run.Deleted,
		&run.SubmittedAt,
		&run.LastProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := fromJSON(specJSON, &run.Spec); err != nil {
		return nil, err
	}
	return &run, nil
}
