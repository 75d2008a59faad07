// Package deployment is the assignment side of the engine: it turns "this
// target should run this distribution set" into a persisted action,
// enforcing the one-active-action-per-target invariant.
package deployment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hawkbit/rollout-engine/internal/models"
)

type ActionStore interface {
	CreateAssignment(ctx context.Context, action *models.Action) ([]int64, error)
	CancelAction(ctx context.Context, actionID int64) (bool, error)
}

// Assignment carries everything needed to assign one distribution set to
// one target. RolloutID/RolloutGroupID are zero for manual assignments.
type Assignment struct {
	Tenant            string
	TargetID          string
	DistributionSetID int64
	RolloutID         int64
	RolloutGroupID    int64
	Type              models.ActionType
	ForcedTime        time.Time
	MaintenanceWindow models.MaintenanceWindow
}

type Deployer struct {
	actions ActionStore
}

func New(actions ActionStore) *Deployer {
	return &Deployer{actions: actions}
}

// AssignDistributionSet creates a running action for the assignment. Any
// active action the target had before, from this rollout or anywhere else,
// is canceled in the same transaction: the newest assignment wins.
func (d *Deployer) AssignDistributionSet(ctx context.Context, assignment Assignment) (*models.Action, error) {
	action := &models.Action{
		Tenant:            assignment.Tenant,
		TargetID:          assignment.TargetID,
		DistributionSetID: assignment.DistributionSetID,
		RolloutID:         assignment.RolloutID,
		RolloutGroupID:    assignment.RolloutGroupID,
		Type:              assignment.Type,
		ForcedTime:        assignment.ForcedTime,
		MaintenanceWindow: assignment.MaintenanceWindow,
		Status:            models.ActionStatusRunning,
	}
	canceled, err := d.actions.CreateAssignment(ctx, action)
	if err != nil {
		return nil, fmt.Errorf("failed to assign ds %d to target %s: %w",
			assignment.DistributionSetID, assignment.TargetID, err)
	}
	for _, displaced := range canceled {
		log.Info().Msgf("canceled action %d of target %s: displaced by action %d",
			displaced, assignment.TargetID, action.ID)
	}
	return action, nil
}

// CancelAction requests cancellation of an action. Canceling an already
// terminal action is not an error, just a no-op worth a log line.
func (d *Deployer) CancelAction(ctx context.Context, actionID int64) error {
	requested, err := d.actions.CancelAction(ctx, actionID)
	if err != nil {
		return fmt.Errorf("failed to cancel action %d: %w", actionID, err)
	}
	if !requested {
		log.Warn().Msgf("cancel of action %d skipped: already terminal", actionID)
	}
	return nil
}
