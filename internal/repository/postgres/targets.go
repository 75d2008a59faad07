package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/hawkbit/rollout-engine/internal/models"
	"github.com/hawkbit/rollout-engine/internal/pgerror"
)

const targetsTable = "targets"

func (r *Repository) CreateTargets(ctx context.Context, targets []models.Target) (uint, error) {
	if len(targets) == 0 {
		return 0, nil
	}

	sql := `
	insert into targets (controller_id, tenant, name)
	values ($1, $2, $3);
	`

	tx, err := beginRepeatableRead(ctx, r.db)
	if err != nil {
		return 0, fmt.Errorf("failed to start creation transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	batch := &pgx.Batch{}
	for _, target := range targets {
		batch.Queue(
			sql,
			target.ControllerID,
			target.Tenant,
			target.Name,
		)
	}

	bResult := tx.SendBatch(ctx, batch)
	defer bResult.Close()

	created := uint(0)
	for _, target := range targets {
		_, err := bResult.Exec()
		if err != nil {
			constraint, ok := pgerror.ConstraintName(err)
			if !ok {
				return 0, fmt.Errorf("failed to create target: %w", err)
			}
			switch constraint {
			case "targets_pkey":
				log.Warn().Msgf("target %s already exists for tenant %s", target.ControllerID, target.Tenant)
				created++
				continue
			}
			return 0, fmt.Errorf("failed to create targets: %w", err)
		}
		created++
	}
	err = bResult.Close()
	if err != nil {
		constraint, _ := pgerror.ConstraintName(err)
		if constraint != "targets_pkey" {
			return 0, fmt.Errorf("failed to close tx batch: %w", err)
		}
	}
	err = tx.Commit(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to commit targets creation batch tx: %w", err)
	}
	return created, nil
}

// ResolveTargets returns the controller ids of the tenant's targets matching
// the predicate, ordered ascending so group partitioning is reproducible.
func (r *Repository) ResolveTargets(
	ctx context.Context,
	tenant string,
	predicate squirrel.Sqlizer,
) ([]string, error) {
	sql, args, err := squirrel.Select("controller_id").
		From(targetsTable).
		Where(squirrel.Eq{"tenant": tenant}).
		Where(predicate).
		OrderBy("controller_id asc").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := make([]string, 0, 100)
	for rows.Next() {
		var controllerID string
		if err := rows.Scan(&controllerID); err != nil {
			return nil, fmt.Errorf("failed to scan target value: %w", err)
		}
		result = append(result, controllerID)
	}
	return result, rows.Err()
}
