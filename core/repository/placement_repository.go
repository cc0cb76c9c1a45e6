package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"fleet-orchestrator/core/models"
)

const placementGroupColumns = `id, name, project_name, run_id, backend, region, strategy, provisioning_json,
	created_at, fleet_deleted, deleted, deleted_at`

// CreatePlacementGroup persists a placement group. The name is unique.
func (s *PostgresStore) CreatePlacementGroup(ctx context.Context, group *models.PlacementGroup) error {
	provJSON, err := toJSON(group.ProvisioningData)
	if err != nil {
		return err
	}
	query := `INSERT INTO placement_groups (` + placementGroupColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = s.db.ExecContext(ctx, query,
		group.ID,
		group.Name,
		group.ProjectName,
		group.RunID,
		group.Configuration.Backend,
		group.Configuration.Region,
		group.Configuration.Strategy,
		provJSON,
		group.CreatedAt,
		group.FleetDeleted,
		group.Deleted,
		nullTime(group.DeletedAt),
	)
	return translateError(err)
}

// ListPlacementGroups lists placement groups matching the filter
func (s *PostgresStore) ListPlacementGroups(ctx context.Context, filter PlacementGroupFilter) ([]*models.PlacementGroup, error) {
	var where []string
	var args []interface{}

	if filter.RunID != "" {
		args = append(args, filter.RunID)
		where = append(where, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if filter.Backend != "" {
		args = append(args, filter.Backend)
		where = append(where, fmt.Sprintf("backend = $%d", len(args)))
	}
	if filter.Region != "" {
		args = append(args, filter.Region)
		where = append(where, fmt.Sprintf("region = $%d", len(args)))
	}
	if filter.FleetDeleted != nil {
		args = append(args, *filter.FleetDeleted)
		where = append(where, fmt.Sprintf("fleet_deleted = $%d", len(args)))
	}
	if !filter.IncludeDeleted {
		where = append(where, "NOT deleted")
	}

	query := `SELECT ` + placementGroupColumns + ` FROM placement_groups`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var out []*models.PlacementGroup
	for rows.Next() {
		var pg models.PlacementGroup
		var provJSON string
		var deletedAt sql.NullTime
		err := rows.Scan(
			&pg.ID,
			&pg.Name,
			&pg.ProjectName,
			&pg.RunID,
			&pg.Configuration.Backend,
			&pg.Configuration.Region,
			&pg.Configuration.Strategy,
			&provJSON,
			&pg.CreatedAt,
			&pg.FleetDeleted,
			&pg.Deleted,
			&deletedAt,
		)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if deletedAt.Valid {
			pg.DeletedAt = &deletedAt.Time
		}
		if provJSON != "" && provJSON != "null" {
			pg.ProvisioningData = &models.PlacementGroupProvisioningData{}
			if err := fromJSON(provJSON, pg.ProvisioningData); err != nil {
				return nil, err
			}
		}
		out = append(out, &pg)
	}
	return out, errors.WithStack(rows.Err())
}

// UpdatePlacementGroup updates deletion state and provisioning data
func (s *PostgresStore) UpdatePlacementGroup(ctx context.Context, group *models.PlacementGroup) error {
	provJSON, err := toJSON(group.ProvisioningData)
	if err != nil {
		return err
	}
	query := `
		UPDATE placement_groups SET provisioning_json = $1, fleet_deleted = $2, deleted = $3, deleted_at = $4
		WHERE id = $5
	`
	res, err := s.db.ExecContext(ctx, query,
		provJSON,
		group.FleetDeleted,
		group.Deleted,
		nullTime(group.DeletedAt),
		group.ID,
	)
	if err != nil {
		return translateError(err)
	}
	return checkAffected(res)
}
