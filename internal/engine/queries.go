package engine

import (
	"context"

	"github.com/hawkbit/rollout-engine/internal/models"
)

// RolloutDetails pairs a rollout with its recomputed aggregate counts.
type RolloutDetails struct {
	Rollout models.Rollout
	Counts  models.TotalTargetCountStatus
}

// GroupDetails pairs a group with its recomputed aggregate counts.
type GroupDetails struct {
	Group  models.RolloutGroup
	Counts models.TotalTargetCountStatus
}

func (e *Engine) GetRollout(ctx context.Context, rolloutID int64) (*RolloutDetails, error) {
	rollout, err := e.repo.GetRollout(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	return e.rolloutDetails(ctx, rollout)
}

func (e *Engine) GetRolloutByName(ctx context.Context, tenant, name string) (*RolloutDetails, error) {
	rollout, err := e.repo.GetRolloutByName(ctx, tenant, name)
	if err != nil {
		return nil, err
	}
	return e.rolloutDetails(ctx, rollout)
}

func (e *Engine) rolloutDetails(ctx context.Context, rollout *models.Rollout) (*RolloutDetails, error) {
	counts, err := e.repo.RolloutActionCounts(ctx, rollout)
	if err != nil {
		return nil, err
	}
	return &RolloutDetails{Rollout: *rollout, Counts: counts}, nil
}

// ListRollouts returns a page of the tenant's rollouts with detailed
// status, ordered by name. nameFilter is a SQL LIKE pattern; empty matches
// everything.
func (e *Engine) ListRollouts(
	ctx context.Context,
	tenant, nameFilter string,
	limit, offset uint64,
) ([]RolloutDetails, error) {
	rollouts, err := e.repo.ListRollouts(ctx, tenant, nameFilter, limit, offset)
	if err != nil {
		return nil, err
	}
	result := make([]RolloutDetails, 0, len(rollouts))
	for i := range rollouts {
		details, err := e.rolloutDetails(ctx, &rollouts[i])
		if err != nil {
			return nil, err
		}
		result = append(result, *details)
	}
	return result, nil
}

func (e *Engine) CountRollouts(ctx context.Context, tenant, nameFilter string) (int64, error) {
	return e.repo.CountRollouts(ctx, tenant, nameFilter)
}

// ListGroups returns the rollout's groups in advancement order with their
// detailed status.
func (e *Engine) ListGroups(ctx context.Context, rolloutID int64) ([]GroupDetails, error) {
	groups, err := e.repo.ListGroups(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	result := make([]GroupDetails, 0, len(groups))
	for i := range groups {
		counts, err := e.eval.Counts(ctx, &groups[i])
		if err != nil {
			return nil, err
		}
		result = append(result, GroupDetails{Group: groups[i], Counts: counts})
	}
	return result, nil
}

// GetAction returns one action with its current status, the device-level
// view behind the aggregate counts.
func (e *Engine) GetAction(ctx context.Context, actionID int64) (*models.Action, error) {
	return e.repo.GetAction(ctx, actionID)
}

// GroupTargets pages through the fixed target membership of a group.
func (e *Engine) GroupTargets(
	ctx context.Context,
	groupID int64,
	limit, offset uint64,
) ([]string, error) {
	if _, err := e.repo.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return e.repo.GroupTargets(ctx, groupID, limit, offset)
}
