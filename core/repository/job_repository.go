package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"fleet-orchestrator/core/models"
)

const jobColumns = `id, run_id, project_name, run_name, replica_num, job_num, deployment_num, submission_num,
	priority, spec_json, status, provisioning_json, instance_id, instance_blocks, placement_group,
	submitted_at, first_submitted_at, last_processed_at, provisioned_at, running_started_at, finished_at,
	signal_json, termination_reason, termination_message`

// CreateJob inserts a job and its creation event
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job, event *models.JobEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	defer tx.Rollback()

	if err := insertJobTx(ctx, tx, job); err != nil {
		return err
	}
	if event != nil {
		if err := insertJobEventTx(ctx, tx, event); err != nil {
			return err
		}
	}
	return errors.WithStack(tx.Commit())
}

func insertJobTx(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	specJSON, err := toJSON(job.Spec)
	if err != nil {
		return err
	}
	provJSON, err := toJSON(job.ProvisioningData)
	if err != nil {
		return err
	}
	signalJSON, err := toJSON(job.Signal)
	if err != nil {
		return err
	}

	query := `INSERT INTO jobs (` + jobColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		$17, $18, $19, $20, $21, $22, $23, $24
	)`
	_, err = tx.ExecContext(ctx, query,
		job.ID,
		job.RunID,
		job.ProjectName,
		job.RunName,
		job.ReplicaNum,
		job.JobNum,
		job.DeploymentNum,
		job.SubmissionNum,
		job.Priority,
		specJSON,
		job.Status,
		provJSON,
		job.InstanceID,
		job.InstanceBlocks,
		job.PlacementGroup,
		job.SubmittedAt,
		job.FirstSubmittedAt,
		job.LastProcessedAt,
		nullTime(job.ProvisionedAt),
		nullTime(job.RunningStartedAt),
		nullTime(job.FinishedAt),
		signalJSON,
		job.TerminationReason,
		job.TerminationMessage,
	)
	return translateError(err)
}

// GetJob retrieves a job by ID
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, translateError(err)
	}
	return job, nil
}

// ListJobs lists jobs matching the filter
func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	var where []string
	var args []interface{}

	if filter.RunID != "" {
		args = append(args, filter.RunID)
		where = append(where, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.ReplicaNum != nil {
		args = append(args, *filter.ReplicaNum)
		where = append(where, fmt.Sprintf("replica_num = $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_processed_at, replica_num, job_num, submission_num"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.WithStack(rows.Err())
}

// UpdateJob updates job state atomically with event logging
func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job, event *models.JobEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	defer tx.Rollback()

	specJSON, err := toJSON(job.Spec)
	if err != nil {
		return err
	}
	provJSON, err := toJSON(job.ProvisioningData)
	if err != nil {
		return err
	}
	signalJSON, err := toJSON(job.Signal)
	if err != nil {
		return err
	}

	// spec changes only when cluster env is added at provisioning
	query := `
		UPDATE jobs SET status = $1, provisioning_json = $2, instance_id = $3, instance_blocks = $4,
			placement_group = $5, last_processed_at = $6, provisioned_at = $7, running_started_at = $8,
			finished_at = $9, signal_json = $10, termination_reason = $11, termination_message = $12,
			spec_json = $14
		WHERE id = $13
	`
	res, err := tx.ExecContext(ctx, query,
		job.Status,
		provJSON,
		job.InstanceID,
		job.InstanceBlocks,
		job.PlacementGroup,
		job.LastProcessedAt,
		nullTime(job.ProvisionedAt),
		nullTime(job.RunningStartedAt),
		nullTime(job.FinishedAt),
		signalJSON,
		job.TerminationReason,
		job.TerminationMessage,
		job.ID,
		specJSON,
	)
	if err != nil {
		return translateError(err)
	}
	if err := checkAffected(res); err != nil {
		return err
	}

	if event != nil {
		if err := insertJobEventTx(ctx, tx, event); err != nil {
			return err
		}
	}

	return errors.WithStack(tx.Commit())
}

func scanJob(row scanner) (*models.Job, error) {
	var job models.Job
	var specJSON, provJSON, signalJSON string
	var provisionedAt, runningStartedAt, finishedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.RunID,
		&job.ProjectName,
		&job.RunName,
		&job.ReplicaNum,
		&job.JobNum,
		&job.DeploymentNum,
		&job.SubmissionNum,
		&job.Priority,
		&specJSON,
		&job.Status,
		&provJSON,
		&job.InstanceID,
		&job.InstanceBlocks,
		&job.PlacementGroup,
		&job.SubmittedAt,
		&job.FirstSubmittedAt,
		&job.LastProcessedAt,
		&provisionedAt,
		&runningStartedAt,
		&finishedAt,
		&signalJSON,
		&job.TerminationReason,
		&job.TerminationMessage,
	)
	if err != nil {
		return nil, err
	}

	if provisionedAt.Valid {
		job.ProvisionedAt = &provisionedAt.Time
	}
	if runningStartedAt.Valid {
		job.RunningStartedAt = &runningStartedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	if err := fromJSON(specJSON, &job.Spec); err != nil {
		return nil, err
	}
	if provJSON != "" && provJSON != "null" {
		job.ProvisioningData = &models.JobProvisioningData{}
		if err := fromJSON(provJSON, job.ProvisioningData); err != nil {
			return nil, err
		}
	}
	if signalJSON != "" && signalJSON != "null" {
		job.Signal = &models.RunnerSignal{}
		if err := fromJSON(signalJSON, job.Signal); err != nil {
			return nil, err
		}
	}
	return &job, nil
}
