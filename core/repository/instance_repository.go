package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"fleet-orchestrator/core/models"
)

const instanceColumns = `id, name, project_name, run_id, backend, region, instance_type, resources_json, price,
	status, total_blocks, busy_blocks, job_blocks_json, provisioning_json, termination_policy, idle_duration_seconds,
	created_at, last_job_processed_at, termination_reason, finished_at`

// CreateInstance creates a pool instance record
func (s *PostgresStore) CreateInstance(ctx context.Context, inst *models.Instance) error {
	resJSON, err := toJSON(inst.Resources)
	if err != nil {
		return err
	}
	provJSON, err := toJSON(inst.ProvisioningData)
	if err != nil {
		return err
	}
	blocksJSON, err := toJSON(inst.JobBlocks)
	if err != nil {
		return err
	}

	query := `INSERT INTO instances (` + instanceColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
	)`
	_, err = s.db.ExecContext(ctx, query,
		inst.ID,
		inst.Name,
		inst.ProjectName,
		inst.RunID,
		inst.Backend,
		inst.Region,
		inst.InstanceType,
		resJSON,
		inst.Price,
		inst.Status,
		inst.TotalBlocks,
		inst.BusyBlocks,
		blocksJSON,
		provJSON,
		inst.TerminationPolicy,
		idleSeconds(inst.IdleDuration),
		inst.CreatedAt,
		inst.LastJobProcessedAt,
		inst.TerminationReason,
		nullTime(inst.FinishedAt),
	)
	return translateError(err)
}

// GetInstance retrieves an instance by ID
func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if err != nil {
		return nil, translateError(err)
	}
	return inst, nil
}

// ListInstances lists instances matching the filter
func (s *PostgresStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*models.Instance, error) {
	var where []string
	var args []interface{}

	if filter.ProjectName != "" {
		args = append(args, filter.ProjectName)
		where = append(where, fmt.Sprintf("project_name = $%d", len(args)))
	}
	if filter.Backend != "" {
		args = append(args, filter.Backend)
		where = append(where, fmt.Sprintf("backend = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + instanceColumns + ` FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var out []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, inst)
	}
	return out, errors.WithStack(rows.Err())
}

// UpdateInstance updates the mutable fields of an instance
func (s *PostgresStore) UpdateInstance(ctx context.Context, inst *models.Instance) error {
	provJSON, err := toJSON(inst.ProvisioningData)
	if err != nil {
		return err
	}
	blocksJSON, err := toJSON(inst.JobBlocks)
	if err != nil {
		return err
	}
	query := `
		UPDATE instances SET status = $1, busy_blocks = $2, provisioning_json = $3, last_job_processed_at = $4,
			termination_reason = $5, finished_at = $6, job_blocks_json = $8
		WHERE id = $7
	`
	res, err := s.db.ExecContext(ctx, query,
		inst.Status,
		inst.BusyBlocks,
		provJSON,
		inst.LastJobProcessedAt,
		inst.TerminationReason,
		nullTime(inst.FinishedAt),
		inst.ID,
		blocksJSON,
	)
	if err != nil {
		return translateError(err)
	}
	return checkAffected(res)
}

func scanInstance(row scanner) (*models.Instance, error) {
	var inst models.Instance
	var resJSON, provJSON, blocksJSON string
	var idleSeconds int64
	var finishedAt sql.NullTime

	err := row.Scan(
		&inst.ID,
		&inst.Name,
		&inst.ProjectName,
		&inst.RunID,
		&inst.Backend,
		&inst.Region,
		&inst.InstanceType,
		&resJSON,
		&inst.Price,
		&inst.Status,
		&inst.TotalBlocks,
		&inst.BusyBlocks,
		&blocksJSON,
		&provJSON,
		&inst.TerminationPolicy,
		&idleSeconds,
		&inst.CreatedAt,
		&inst.LastJobProcessedAt,
		&inst.TerminationReason,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if idleSeconds < 0 {
		inst.IdleDuration = models.NeverTerminate
	} else {
		inst.IdleDuration = time.Duration(idleSeconds) * time.Second
	}
	if finishedAt.Valid {
		inst.FinishedAt = &finishedAt.Time
	}
	if err := fromJSON(resJSON, &inst.Resources); err != nil {
		return nil, err
	}
	if blocksJSON != "" && blocksJSON != "null" {
		if err := fromJSON(blocksJSON, &inst.JobBlocks); err != nil {
			return nil, err
		}
	}
	if provJSON != "" && provJSON != "null" {
		inst.ProvisioningData = &models.JobProvisioningData{}
		if err := fromJSON(provJSON, inst.ProvisioningData); err != nil {
			return nil, err
		}
	}
	return &inst, nil
}

func idleSeconds(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return int64(d / time.Second)
}
