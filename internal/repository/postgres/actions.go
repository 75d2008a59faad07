package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hawkbit/rollout-engine/internal/models"
)

var ErrActionNotFound = errors.New("action not found")

// CreateAssignment inserts a new action for the target and, in the same
// transaction, flips any still-active action of that target straight to
// CANCELED. The new assignment always wins: a target runs at most one
// active action fleet-wide. Returns the ids of the actions it displaced.
func (r *Repository) CreateAssignment(ctx context.Context, action *models.Action) ([]int64, error) {
	tx, err := beginRepeatableRead(ctx, r.db)
	if err != nil {
		return nil, fmt.Errorf("failed to start assignment transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	cancelSQL := `
	with displaced as (
		update actions
		set status = $3, updated_at = now()
		where tenant = $1 and target_id = $2 and status = any($4)
		returning id
	)
	insert into action_statuses (action_id, status, message)
	select id, $3, 'canceled by newer assignment' from displaced
	returning action_id;
	`
	rows, err := tx.Query(ctx, cancelSQL,
		action.Tenant,
		action.TargetID,
		int16(models.ActionStatusCanceled),
		activeActionStatuses(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel displaced actions: %w", err)
	}
	canceled := make([]int64, 0, 1)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan displaced action id: %w", err)
		}
		canceled = append(canceled, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read displaced actions: %w", err)
	}

	insertSQL := `
	insert into actions (tenant, target_id, distribution_set_id, rollout_id,
	rollout_group_id, action_type, forced_time, mw_schedule, mw_duration,
	mw_timezone, status)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	returning id, created_at, updated_at;
	`
	err = tx.QueryRow(ctx, insertSQL,
		action.Tenant,
		action.TargetID,
		action.DistributionSetID,
		action.RolloutID,
		action.RolloutGroupID,
		int16(action.Type),
		nullableTime(action.ForcedTime),
		action.MaintenanceWindow.Schedule,
		action.MaintenanceWindow.Duration,
		action.MaintenanceWindow.Timezone,
		int16(action.Status),
	).Scan(&action.ID, &action.CreatedAt, &action.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create action: %w", err)
	}

	historySQL := `insert into action_statuses (action_id, status, message) values ($1, $2, $3)`
	if _, err := tx.Exec(ctx, historySQL, action.ID, int16(action.Status), "assigned"); err != nil {
		return nil, fmt.Errorf("failed to record action status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit assignment tx: %w", err)
	}
	return canceled, nil
}

// CreateFailedAction records a per-target assignment failure as an ERROR
// action so the group evaluation sees it like any other error. Unlike
// CreateAssignment it leaves existing actions of the target untouched.
func (r *Repository) CreateFailedAction(ctx context.Context, action *models.Action, message string) error {
	tx, err := beginRepeatableRead(ctx, r.db)
	if err != nil {
		return fmt.Errorf("failed to start failed-action transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	insertSQL := `
	insert into actions (tenant, target_id, distribution_set_id, rollout_id,
	rollout_group_id, action_type, forced_time, mw_schedule, mw_duration,
	mw_timezone, status)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	returning id, created_at, updated_at;
	`
	err = tx.QueryRow(ctx, insertSQL,
		action.Tenant,
		action.TargetID,
		action.DistributionSetID,
		action.RolloutID,
		action.RolloutGroupID,
		int16(action.Type),
		nullableTime(action.ForcedTime),
		action.MaintenanceWindow.Schedule,
		action.MaintenanceWindow.Duration,
		action.MaintenanceWindow.Timezone,
		int16(models.ActionStatusError),
	).Scan(&action.ID, &action.CreatedAt, &action.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create failed action: %w", err)
	}
	action.Status = models.ActionStatusError

	historySQL := `insert into action_statuses (action_id, status, message) values ($1, $2, $3)`
	if _, err := tx.Exec(ctx, historySQL, action.ID, int16(models.ActionStatusError), message); err != nil {
		return fmt.Errorf("failed to record action status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit failed-action tx: %w", err)
	}
	return nil
}

// CancelAction requests cancellation of a single still-active action. The
// action goes to CANCELING and stays there until the device confirms or
// rejects. Returns false when the action was already terminal.
func (r *Repository) CancelAction(ctx context.Context, actionID int64) (bool, error) {
	sql := `
	with requested as (
		update actions
		set status = $2, updated_at = now()
		where id = $1 and status = any($3)
		returning id
	)
	insert into action_statuses (action_id, status, message)
	select id, $2, 'cancel requested' from requested;
	`
	tag, err := r.db.Exec(ctx, sql, actionID, int16(models.ActionStatusCanceling), activeActionStatuses())
	if err != nil {
		return false, fmt.Errorf("failed to cancel action %d: %w", actionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CancelRolloutActions cancels every still-active action belonging to the
// rollout in one statement, used when a rollout is stopped.
func (r *Repository) CancelRolloutActions(ctx context.Context, rolloutID int64) (int64, error) {
	sql := `
	with requested as (
		update actions
		set status = $2, updated_at = now()
		where rollout_id = $1 and status = any($3)
		returning id
	)
	insert into action_statuses (action_id, status, message)
	select id, $2, 'rollout stopped' from requested;
	`
	tag, err := r.db.Exec(ctx, sql, rolloutID, int16(models.ActionStatusCanceling), activeActionStatuses())
	if err != nil {
		return 0, fmt.Errorf("failed to cancel rollout %d actions: %w", rolloutID, err)
	}
	return tag.RowsAffected(), nil
}

// AppendActionStatus applies a device-reported status transition: appends a
// history entry and moves the action's current status, but only while the
// action is still active. Reports arriving after the action went terminal
// are dropped and logged, the history stays append-only.
func (r *Repository) AppendActionStatus(
	ctx context.Context,
	actionID int64,
	status models.ActionStatus,
	message string,
	occurredAt time.Time,
) (bool, error) {
	sql := `
	with moved as (
		update actions
		set status = $2, updated_at = now()
		where id = $1 and status = any($4)
		returning id
	)
	insert into action_statuses (action_id, status, message, occurred_at)
	select id, $2, $3, $5 from moved;
	`
	tag, err := r.db.Exec(ctx, sql,
		actionID,
		int16(status),
		message,
		activeActionStatuses(),
		occurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append action %d status: %w", actionID, err)
	}
	if tag.RowsAffected() == 0 {
		log.Warn().Msgf("dropped status %s for action %d: action is terminal or unknown", status, actionID)
		return false, nil
	}
	return true, nil
}

func (r *Repository) GetAction(ctx context.Context, actionID int64) (*models.Action, error) {
	sql := `
	select id, tenant, target_id, distribution_set_id, rollout_id,
	rollout_group_id, action_type, forced_time, mw_schedule, mw_duration,
	mw_timezone, status, created_at, updated_at
	from actions
	where id = $1;
	`
	rows, err := r.db.Query(ctx, sql, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read action: %w", err)
		}
		return nil, ErrActionNotFound
	}

	var (
		action             models.Action
		actionType, status int16
		forcedTime         *time.Time
	)
	err = rows.Scan(
		&action.ID,
		&action.Tenant,
		&action.TargetID,
		&action.DistributionSetID,
		&action.RolloutID,
		&action.RolloutGroupID,
		&actionType,
		&forcedTime,
		&action.MaintenanceWindow.Schedule,
		&action.MaintenanceWindow.Duration,
		&action.MaintenanceWindow.Timezone,
		&status,
		&action.CreatedAt,
		&action.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan action value: %w", err)
	}
	action.Type = models.ActionType(actionType)
	action.Status = models.ActionStatus(status)
	if forcedTime != nil {
		action.ForcedTime = *forcedTime
	}
	return &action, nil
}

// GroupTargetsWithAction returns the controller ids in the group that
// already have an action from the group's rollout, used by the idempotent
// materialization pass to skip them.
func (r *Repository) GroupTargetsWithAction(ctx context.Context, groupID int64) (map[string]struct{}, error) {
	sql := `select target_id from actions where rollout_group_id = $1;`
	rows, err := r.db.Query(ctx, sql, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := make(map[string]struct{}, 64)
	for rows.Next() {
		var targetID string
		if err := rows.Scan(&targetID); err != nil {
			return nil, fmt.Errorf("failed to scan target value: %w", err)
		}
		result[targetID] = struct{}{}
	}
	return result, rows.Err()
}

// GroupActionCounts recomputes the aggregate status counts for one group
// from current persisted state. Targets without any action yet land in the
// not-started bucket.
func (r *Repository) GroupActionCounts(
	ctx context.Context,
	group *models.RolloutGroup,
) (models.TotalTargetCountStatus, error) {
	sql := `select status, count(*) from actions where rollout_group_id = $1 group by status;`
	return r.actionCounts(ctx, sql, group.ID, group.TotalTargets)
}

// RolloutActionCounts is GroupActionCounts over the whole rollout.
func (r *Repository) RolloutActionCounts(
	ctx context.Context,
	rollout *models.Rollout,
) (models.TotalTargetCountStatus, error) {
	sql := `select status, count(*) from actions where rollout_id = $1 group by status;`
	return r.actionCounts(ctx, sql, rollout.ID, rollout.TotalTargets)
}

func (r *Repository) actionCounts(
	ctx context.Context,
	sql string,
	id int64,
	totalTargets int64,
) (models.TotalTargetCountStatus, error) {
	rows, err := r.db.Query(ctx, sql, id)
	if err != nil {
		return models.TotalTargetCountStatus{}, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	counts := models.TotalTargetCountStatus{}
	counted := int64(0)
	for rows.Next() {
		var (
			status int16
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return models.TotalTargetCountStatus{}, fmt.Errorf("failed to scan count value: %w", err)
		}
		counts.Add(models.ActionStatus(status).Bucket(), n)
		counted += n
	}
	if err := rows.Err(); err != nil {
		return models.TotalTargetCountStatus{}, fmt.Errorf("failed to read counts: %w", err)
	}
	if counted < totalTargets {
		counts.NotStarted += totalTargets - counted
	}
	return counts, nil
}
