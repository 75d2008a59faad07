package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hawkbit/rollout-engine/internal/models"
)

var ErrGroupNotFound = errors.New("rollout group not found")

// CreateGroups persists the partitioning result: the group rows plus the
// fixed target membership of every group, in one transaction. Group IDs are
// filled in on the passed slice. assignments[i] holds the controller ids of
// groups[i] and must be index-aligned.
func (r *Repository) CreateGroups(
	ctx context.Context,
	groups []models.RolloutGroup,
	assignments [][]string,
) error {
	if len(groups) == 0 {
		return nil
	}
	if len(groups) != len(assignments) {
		return fmt.Errorf("count of groups is not equal to assignments count")
	}

	tx, err := beginRepeatableRead(ctx, r.db)
	if err != nil {
		return fmt.Errorf("failed to start group creation transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	sql := `
	insert into rollout_groups (rollout_id, ordinal, name, target_percentage,
	total_targets, success_kind, success_threshold, error_kind, error_threshold,
	error_action, status)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	returning id, created_at, updated_at;
	`
	for i := range groups {
		group := &groups[i]
		err = tx.QueryRow(ctx, sql,
			group.RolloutID,
			group.Ordinal,
			group.Name,
			group.TargetPercentage,
			group.TotalTargets,
			int16(group.SuccessCondition.Kind),
			group.SuccessCondition.Threshold,
			int16(group.ErrorCondition.Kind),
			group.ErrorCondition.Threshold,
			int16(group.ErrorAction),
			int16(group.Status),
		).Scan(&group.ID, &group.CreatedAt, &group.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create rollout group %q: %w", group.Name, err)
		}
	}

	batch := &pgx.Batch{}
	queued := 0
	for i, group := range groups {
		for _, controllerID := range assignments[i] {
			batch.Queue(
				`insert into rollout_group_targets (rollout_group_id, controller_id) values ($1, $2)`,
				group.ID,
				controllerID,
			)
			queued++
		}
	}
	bResult := tx.SendBatch(ctx, batch)
	for i := 0; i < queued; i++ {
		if _, err := bResult.Exec(); err != nil {
			_ = bResult.Close()
			return fmt.Errorf("failed to assign target to group: %w", err)
		}
	}
	if err := bResult.Close(); err != nil {
		return fmt.Errorf("failed to close tx batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit group creation tx: %w", err)
	}
	return nil
}

func (r *Repository) ListGroups(ctx context.Context, rolloutID int64) ([]models.RolloutGroup, error) {
	sql := `
	select id, rollout_id, ordinal, name, target_percentage, total_targets,
	success_kind, success_threshold, error_kind, error_threshold,
	error_action, status, created_at, updated_at
	from rollout_groups
	where rollout_id = $1
	order by ordinal asc;
	`
	rows, err := r.db.Query(ctx, sql, rolloutID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := make([]models.RolloutGroup, 0, 8)
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, group)
	}
	return result, rows.Err()
}

func (r *Repository) GetGroup(ctx context.Context, groupID int64) (*models.RolloutGroup, error) {
	sql := `
	select id, rollout_id, ordinal, name, target_percentage, total_targets,
	success_kind, success_threshold, error_kind, error_threshold,
	error_action, status, created_at, updated_at
	from rollout_groups
	where id = $1;
	`
	rows, err := r.db.Query(ctx, sql, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read rollout group: %w", err)
		}
		return nil, ErrGroupNotFound
	}
	group, err := scanGroup(rows)
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// CompareAndSetGroupStatus flips the group to next only if it is still in
// expected status, same contract as CompareAndSetRolloutStatus.
func (r *Repository) CompareAndSetGroupStatus(
	ctx context.Context,
	groupID int64,
	expected, next models.RolloutGroupStatus,
) (bool, error) {
	sql := `
	update rollout_groups
	set status = $3, updated_at = now()
	where id = $1 and status = $2;
	`
	tag, err := r.db.Exec(ctx, sql, groupID, int16(expected), int16(next))
	if err != nil {
		return false, fmt.Errorf("failed to update group %d status: %w", groupID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) GroupTargets(
	ctx context.Context,
	groupID int64,
	limit, offset uint64,
) ([]string, error) {
	sql := `
	select controller_id
	from rollout_group_targets
	where rollout_group_id = $1
	order by controller_id asc
	limit $2 offset $3;
	`
	rows, err := r.db.Query(ctx, sql, groupID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := make([]string, 0, limit)
	for rows.Next() {
		var controllerID string
		if err := rows.Scan(&controllerID); err != nil {
			return nil, fmt.Errorf("failed to scan target value: %w", err)
		}
		result = append(result, controllerID)
	}
	return result, rows.Err()
}

func scanGroup(row pgx.Row) (models.RolloutGroup, error) {
	var (
		group                  models.RolloutGroup
		successKind, errorKind int16
		errorAction, status    int16
	)
	err := row.Scan(
		&group.ID,
		&group.RolloutID,
		&group.Ordinal,
		&group.Name,
		&group.TargetPercentage,
		&group.TotalTargets,
		&successKind,
		&group.SuccessCondition.Threshold,
		&errorKind,
		&group.ErrorCondition.Threshold,
		&errorAction,
		&status,
		&group.CreatedAt,
		&group.UpdatedAt,
	)
	if err != nil {
		return models.RolloutGroup{}, fmt.Errorf("failed to scan rollout group value: %w", err)
	}
	group.SuccessCondition.Kind = models.ConditionKind(successKind)
	group.ErrorCondition.Kind = models.ConditionKind(errorKind)
	group.ErrorAction = models.ErrorAction(errorAction)
	group.Status = models.RolloutGroupStatus(status)
	return group, nil
}
