package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/hawkbit/rollout-engine/internal/models"
	"github.com/hawkbit/rollout-engine/internal/pgerror"
)

const rolloutsTable = "rollouts"

var ErrRolloutNotFound = errors.New("rollout not found")
var ErrDuplicateRolloutName = errors.New("rollout with this name already exists")

var rolloutColumns = []string{
	"id", "tenant", "name", "description", "target_filter",
	"distribution_set_id", "action_type", "forced_time", "start_at",
	"mw_schedule", "mw_duration", "mw_timezone",
	"total_targets", "status", "error_cause", "created_at", "updated_at",
}

func (r *Repository) CreateRollout(ctx context.Context, rollout *models.Rollout) error {
	sql := `
	insert into rollouts (tenant, name, description, target_filter,
	distribution_set_id, action_type, forced_time, start_at,
	mw_schedule, mw_duration, mw_timezone, total_targets, status, error_cause)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	returning id, created_at, updated_at;
	`
	err := r.db.QueryRow(ctx, sql,
		rollout.Tenant,
		rollout.Name,
		rollout.Description,
		rollout.TargetFilter,
		rollout.DistributionSetID,
		int16(rollout.ActionType),
		nullableTime(rollout.ForcedTime),
		nullableTime(rollout.StartAt),
		rollout.MaintenanceWindow.Schedule,
		rollout.MaintenanceWindow.Duration,
		rollout.MaintenanceWindow.Timezone,
		rollout.TotalTargets,
		int16(rollout.Status),
		rollout.ErrorCause,
	).Scan(&rollout.ID, &rollout.CreatedAt, &rollout.UpdatedAt)
	if err != nil {
		constraint, ok := pgerror.ConstraintName(err)
		if ok && constraint == "rollouts_tenant_name_key" {
			return ErrDuplicateRolloutName
		}
		return fmt.Errorf("failed to create rollout: %w", err)
	}
	return nil
}

// CompareAndSetRolloutStatus flips the rollout to next only if it is still
// in expected status. Returns false without error when another writer got
// there first.
func (r *Repository) CompareAndSetRolloutStatus(
	ctx context.Context,
	rolloutID int64,
	expected, next models.RolloutStatus,
	cause string,
) (bool, error) {
	sql := `
	update rollouts
	set status = $3, error_cause = $4, updated_at = now()
	where id = $1 and status = $2;
	`
	tag, err := r.db.Exec(ctx, sql, rolloutID, int16(expected), int16(next), cause)
	if err != nil {
		return false, fmt.Errorf("failed to update rollout %d status: %w", rolloutID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinishRolloutCreation moves a rollout out of CREATING into READY and
// records the total-target snapshot in the same conditional update.
func (r *Repository) FinishRolloutCreation(
	ctx context.Context,
	rolloutID int64,
	totalTargets int64,
) (bool, error) {
	sql := `
	update rollouts
	set status = $3, total_targets = $4, updated_at = now()
	where id = $1 and status = $2;
	`
	tag, err := r.db.Exec(ctx, sql,
		rolloutID,
		int16(models.RolloutStatusCreating),
		int16(models.RolloutStatusReady),
		totalTargets,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finish rollout %d creation: %w", rolloutID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) GetRollout(ctx context.Context, rolloutID int64) (*models.Rollout, error) {
	sql, args, err := squirrel.Select(rolloutColumns...).
		From(rolloutsTable).
		Where(squirrel.Eq{"id": rolloutID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}
	return r.queryOneRollout(ctx, sql, args)
}

func (r *Repository) GetRolloutByName(ctx context.Context, tenant, name string) (*models.Rollout, error) {
	sql, args, err := squirrel.Select(rolloutColumns...).
		From(rolloutsTable).
		Where(squirrel.Eq{"tenant": tenant, "name": name}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}
	return r.queryOneRollout(ctx, sql, args)
}

// FindRolloutsByStatus returns at most limit rollouts in any of the given
// statuses, ordered by id so repeated bounded ticks walk the set stably.
func (r *Repository) FindRolloutsByStatus(
	ctx context.Context,
	statuses []models.RolloutStatus,
	limit uint64,
) ([]models.Rollout, error) {
	raw := make([]int16, 0, len(statuses))
	for _, s := range statuses {
		raw = append(raw, int16(s))
	}
	sql, args, err := squirrel.Select(rolloutColumns...).
		From(rolloutsTable).
		Where(squirrel.Eq{"status": raw}).
		OrderBy("id asc").
		Limit(limit).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}
	return r.queryRollouts(ctx, sql, args)
}

func (r *Repository) ListRollouts(
	ctx context.Context,
	tenant, nameFilter string,
	limit, offset uint64,
) ([]models.Rollout, error) {
	q := squirrel.Select(rolloutColumns...).
		From(rolloutsTable).
		Where(squirrel.Eq{"tenant": tenant}).
		OrderBy("name asc").
		Limit(limit).
		Offset(offset).
		PlaceholderFormat(squirrel.Dollar)
	if nameFilter != "" {
		q = q.Where(squirrel.Like{"name": nameFilter})
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}
	return r.queryRollouts(ctx, sql, args)
}

func (r *Repository) CountRollouts(ctx context.Context, tenant, nameFilter string) (int64, error) {
	q := squirrel.Select("count(*)").
		From(rolloutsTable).
		Where(squirrel.Eq{"tenant": tenant}).
		PlaceholderFormat(squirrel.Dollar)
	if nameFilter != "" {
		q = q.Where(squirrel.Like{"name": nameFilter})
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to create db request: %w", err)
	}
	var count int64
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rollouts: %w", err)
	}
	return count, nil
}

func (r *Repository) queryOneRollout(ctx context.Context, sql string, args []any) (*models.Rollout, error) {
	rollouts, err := r.queryRollouts(ctx, sql, args)
	if err != nil {
		return nil, err
	}
	if len(rollouts) == 0 {
		return nil, ErrRolloutNotFound
	}
	return &rollouts[0], nil
}

func (r *Repository) queryRollouts(ctx context.Context, sql string, args []any) ([]models.Rollout, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := make([]models.Rollout, 0, 16)
	for rows.Next() {
		rollout, err := scanRollout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rollout)
	}
	return result, rows.Err()
}

func scanRollout(row pgx.Row) (models.Rollout, error) {
	var (
		rollout             models.Rollout
		actionType, status  int16
		forcedTime, startAt *time.Time
	)
	err := row.Scan(
		&rollout.ID,
		&rollout.Tenant,
		&rollout.Name,
		&rollout.Description,
		&rollout.TargetFilter,
		&rollout.DistributionSetID,
		&actionType,
		&forcedTime,
		&startAt,
		&rollout.MaintenanceWindow.Schedule,
		&rollout.MaintenanceWindow.Duration,
		&rollout.MaintenanceWindow.Timezone,
		&rollout.TotalTargets,
		&status,
		&rollout.ErrorCause,
		&rollout.CreatedAt,
		&rollout.UpdatedAt,
	)
	if err != nil {
		return models.Rollout{}, fmt.Errorf("failed to scan rollout value: %w", err)
	}
	rollout.ActionType = models.ActionType(actionType)
	rollout.Status = models.RolloutStatus(status)
	if forcedTime != nil {
		rollout.ForcedTime = *forcedTime
	}
	if startAt != nil {
		rollout.StartAt = *startAt
	}
	return rollout, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
