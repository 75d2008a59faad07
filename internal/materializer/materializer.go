// Package materializer creates the deployment actions of a group becoming
// active. Materialization is idempotent: targets that already have an
// action from the group are skipped, so a crashed or repeated pass only
// fills the gaps.
package materializer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hawkbit/rollout-engine/internal/deployment"
	"github.com/hawkbit/rollout-engine/internal/models"
)

const targetPageSize = 500

type Deployment interface {
	AssignDistributionSet(ctx context.Context, assignment deployment.Assignment) (*models.Action, error)
}

type Repository interface {
	GroupTargets(ctx context.Context, groupID int64, limit, offset uint64) ([]string, error)
	GroupTargetsWithAction(ctx context.Context, groupID int64) (map[string]struct{}, error)
	CreateFailedAction(ctx context.Context, action *models.Action, message string) error
}

type Materializer struct {
	deploy Deployment
	repo   Repository
}

func New(deploy Deployment, repo Repository) *Materializer {
	return &Materializer{
		deploy: deploy,
		repo:   repo,
	}
}

// StartGroup assigns the rollout's distribution set to every target of the
// group that has no action from this rollout yet. A failed assignment is
// recorded as an ERROR action for that one target and the pass keeps going;
// the group evaluation then counts it like any other error. Work is bounded
// by the group's fixed target list.
func (m *Materializer) StartGroup(
	ctx context.Context,
	rollout *models.Rollout,
	group *models.RolloutGroup,
) error {
	done, err := m.repo.GroupTargetsWithAction(ctx, group.ID)
	if err != nil {
		return fmt.Errorf("failed to load materialized targets of group %d: %w", group.ID, err)
	}

	assigned, skipped := 0, 0
	for offset := uint64(0); ; offset += targetPageSize {
		targetIDs, err := m.repo.GroupTargets(ctx, group.ID, targetPageSize, offset)
		if err != nil {
			return fmt.Errorf("failed to load targets of group %d: %w", group.ID, err)
		}
		for _, targetID := range targetIDs {
			if _, exists := done[targetID]; exists {
				skipped++
				continue
			}
			if err := m.assignTarget(ctx, rollout, group, targetID); err != nil {
				return err
			}
			assigned++
		}
		if len(targetIDs) < targetPageSize {
			break
		}
	}

	log.Info().Msgf("materialized group %d of rollout %d: %d assigned, %d already done",
		group.ID, rollout.ID, assigned, skipped)
	return nil
}

func (m *Materializer) assignTarget(
	ctx context.Context,
	rollout *models.Rollout,
	group *models.RolloutGroup,
	targetID string,
) error {
	assignment := deployment.Assignment{
		Tenant:            rollout.Tenant,
		TargetID:          targetID,
		DistributionSetID: rollout.DistributionSetID,
		RolloutID:         rollout.ID,
		RolloutGroupID:    group.ID,
		Type:              rollout.ActionType,
		ForcedTime:        rollout.ForcedTime,
		MaintenanceWindow: rollout.MaintenanceWindow,
	}
	_, err := m.deploy.AssignDistributionSet(ctx, assignment)
	if err == nil {
		return nil
	}

	log.Error().Err(err).Msgf("failed to assign ds to target %s in group %d", targetID, group.ID)
	failed := &models.Action{
		Tenant:            rollout.Tenant,
		TargetID:          targetID,
		DistributionSetID: rollout.DistributionSetID,
		RolloutID:         rollout.ID,
		RolloutGroupID:    group.ID,
		Type:              rollout.ActionType,
		ForcedTime:        rollout.ForcedTime,
		MaintenanceWindow: rollout.MaintenanceWindow,
	}
	if recordErr := m.repo.CreateFailedAction(ctx, failed, err.Error()); recordErr != nil {
		// Without the error row the target stays in the not-started
		// bucket and the next tick re-runs the assignment.
		return fmt.Errorf("failed to record failed assignment for target %s: %w", targetID, recordErr)
	}
	return nil
}
