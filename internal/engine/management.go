package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hawkbit/rollout-engine/internal/events"
	"github.com/hawkbit/rollout-engine/internal/models"
	"github.com/hawkbit/rollout-engine/internal/partitioner"
)

type CreateRolloutRequest struct {
	Tenant            string
	Name              string
	Description       string
	TargetFilter      string
	DistributionSetID int64
	ActionType        models.ActionType
	ForcedTime        time.Time
	StartAt           time.Time
	MaintenanceWindow models.MaintenanceWindow
	Grouping          partitioner.Spec
}

func (r CreateRolloutRequest) validate() error {
	if r.Name == "" {
		return ErrMissingName
	}
	if r.TargetFilter == "" {
		return ErrMissingFilter
	}
	if r.DistributionSetID == 0 {
		return ErrMissingDistSet
	}
	if r.ActionType == models.ActionTypeUnknown {
		return fmt.Errorf("unknown action type")
	}
	if r.Grouping.GroupCount <= 0 && len(r.Grouping.Groups) == 0 {
		return ErrMissingGroupSpec
	}
	return nil
}

// CreateRollout persists the rollout in CREATING, resolves the target
// filter, partitions the result into groups and moves the rollout to READY.
// Validation failures and an empty filter result end in ERROR_CREATING with
// a human-readable cause and are returned to the caller; they are never
// retried.
func (e *Engine) CreateRollout(ctx context.Context, req CreateRolloutRequest) (*models.Rollout, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	rollout := &models.Rollout{
		Tenant:            req.Tenant,
		Name:              req.Name,
		Description:       req.Description,
		TargetFilter:      req.TargetFilter,
		DistributionSetID: req.DistributionSetID,
		ActionType:        req.ActionType,
		ForcedTime:        req.ForcedTime,
		StartAt:           req.StartAt,
		MaintenanceWindow: req.MaintenanceWindow,
		Status:            models.RolloutStatusCreating,
	}
	if err := e.repo.CreateRollout(ctx, rollout); err != nil {
		return nil, err
	}
	e.sink.Publish(events.Event{
		Type:       events.TypeRolloutCreated,
		Tenant:     rollout.Tenant,
		RolloutID:  rollout.ID,
		Status:     rollout.Status.String(),
		OccurredAt: time.Now(),
	})

	targetIDs, err := e.resolve.Resolve(ctx, req.Tenant, req.TargetFilter)
	if err != nil {
		return nil, e.failCreation(ctx, rollout, err)
	}
	if len(targetIDs) == 0 {
		return nil, e.failCreation(ctx, rollout, partitioner.ErrNoTargets)
	}

	groups, err := e.split.Partition(ctx, rollout, req.Grouping, targetIDs)
	if err != nil {
		return nil, e.failCreation(ctx, rollout, err)
	}

	total := int64(0)
	for _, group := range groups {
		total += group.TotalTargets
		e.sink.Publish(events.Event{
			Type:       events.TypeGroupCreated,
			Tenant:     rollout.Tenant,
			RolloutID:  rollout.ID,
			GroupID:    group.ID,
			Status:     group.Status.String(),
			OccurredAt: time.Now(),
		})
	}

	moved, err := e.repo.FinishRolloutCreation(ctx, rollout.ID, total)
	if err != nil {
		return nil, err
	}
	if !moved {
		// Someone canceled the rollout while it was being built.
		return e.repo.GetRollout(ctx, rollout.ID)
	}
	rollout.TotalTargets = total
	rollout.Status = models.RolloutStatusReady
	e.publishRolloutStatus(rollout, rollout.Status)
	e.metrics.Increment("rollout.created")
	return rollout, nil
}

func (e *Engine) failCreation(ctx context.Context, rollout *models.Rollout, cause error) error {
	moved, err := e.repo.CompareAndSetRolloutStatus(ctx,
		rollout.ID,
		models.RolloutStatusCreating,
		models.RolloutStatusErrorCreating,
		cause.Error(),
	)
	if err != nil {
		log.Error().Err(err).Msgf("failed to mark rollout %d creation as failed", rollout.ID)
	}
	if moved {
		rollout.Status = models.RolloutStatusErrorCreating
		e.publishRolloutStatus(rollout, rollout.Status)
	}
	return cause
}

// StartRollout moves a READY rollout through STARTING into RUNNING,
// materializing the first group's actions in between. If the process dies
// or hits a transient failure after the STARTING flip, the rollout stays
// in STARTING and the next evaluation tick completes the start.
func (e *Engine) StartRollout(ctx context.Context, rolloutID int64) error {
	moved, err := e.repo.CompareAndSetRolloutStatus(ctx,
		rolloutID, models.RolloutStatusReady, models.RolloutStatusStarting, "")
	if err != nil {
		return err
	}
	if !moved {
		return e.transitionConflict(ctx, rolloutID, "start")
	}
	rollout, err := e.repo.GetRollout(ctx, rolloutID)
	if err != nil {
		return err
	}
	e.publishRolloutStatus(rollout, models.RolloutStatusStarting)
	return e.completeStart(ctx, rollout)
}

// completeStart materializes the first group and flips the rollout to
// RUNNING. Safe to repeat: the group flip and the materialization are both
// idempotent. A failed materialization leaves the rollout in STARTING and
// surfaces the error; the next tick retries from where it stopped.
// ERROR_STARTING is reserved for starts that can never succeed.
func (e *Engine) completeStart(ctx context.Context, rollout *models.Rollout) error {
	groups, err := e.repo.ListGroups(ctx, rollout.ID)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return e.failStart(ctx, rollout, fmt.Errorf("rollout %d has no groups", rollout.ID))
	}
	first := &groups[0]

	moved, err := e.repo.CompareAndSetGroupStatus(ctx,
		first.ID, models.GroupStatusScheduled, models.GroupStatusRunning)
	if err != nil {
		return err
	}
	if moved {
		e.publishGroupStatus(rollout, first.ID, models.GroupStatusRunning)
	}

	if err := e.mat.StartGroup(ctx, rollout, first); err != nil {
		return err
	}

	moved, err = e.repo.CompareAndSetRolloutStatus(ctx,
		rollout.ID, models.RolloutStatusStarting, models.RolloutStatusRunning, "")
	if err != nil {
		return err
	}
	if moved {
		e.publishRolloutStatus(rollout, models.RolloutStatusRunning)
		e.metrics.Increment("rollout.started")
	}
	return nil
}

func (e *Engine) failStart(ctx context.Context, rollout *models.Rollout, cause error) error {
	moved, err := e.repo.CompareAndSetRolloutStatus(ctx,
		rollout.ID,
		models.RolloutStatusStarting,
		models.RolloutStatusErrorStarting,
		cause.Error(),
	)
	if err != nil {
		log.Error().Err(err).Msgf("failed to mark rollout %d start as failed", rollout.ID)
	}
	if moved {
		e.publishRolloutStatus(rollout, models.RolloutStatusErrorStarting)
	}
	return cause
}

// PauseRollout stops group advancement. Device-level actions of the
// already running group keep going on their own.
func (e *Engine) PauseRollout(ctx context.Context, rolloutID int64) error {
	moved, err := e.repo.CompareAndSetRolloutStatus(ctx,
		rolloutID, models.RolloutStatusRunning, models.RolloutStatusPaused, "")
	if err != nil {
		return err
	}
	if !moved {
		return e.transitionConflict(ctx, rolloutID, "pause")
	}
	rollout, err := e.repo.GetRollout(ctx, rolloutID)
	if err != nil {
		return err
	}
	e.publishRolloutStatus(rollout, models.RolloutStatusPaused)
	e.metrics.Increment("rollout.paused")
	return nil
}

// ResumeRollout puts a paused rollout back under periodic evaluation; the
// in-flight group is re-checked on the next tick.
func (e *Engine) ResumeRollout(ctx context.Context, rolloutID int64) error {
	moved, err := e.repo.CompareAndSetRolloutStatus(ctx,
		rolloutID, models.RolloutStatusPaused, models.RolloutStatusRunning, "")
	if err != nil {
		return err
	}
	if !moved {
		return e.transitionConflict(ctx, rolloutID, "resume")
	}
	rollout, err := e.repo.GetRollout(ctx, rolloutID)
	if err != nil {
		return err
	}
	e.publishRolloutStatus(rollout, models.RolloutStatusRunning)
	e.metrics.Increment("rollout.resumed")
	return nil
}

// cancellable lists the statuses CancelRollout may leave from.
// ERROR_STARTING is included because a failed start may have materialized
// part of the first group, leaving live actions that need cancelling.
var cancellable = []models.RolloutStatus{
	models.RolloutStatusCreating,
	models.RolloutStatusReady,
	models.RolloutStatusStarting,
	models.RolloutStatusRunning,
	models.RolloutStatusPaused,
	models.RolloutStatusErrorStarting,
}

// CancelRollout cancels all still-active actions of the rollout and flips
// it to STOPPED. Actions are canceled before the flip; if a concurrent
// writer changes the rollout status in between, the whole attempt is
// retried against the fresh status.
func (e *Engine) CancelRollout(ctx context.Context, rolloutID int64) error {
	for attempt := 0; attempt < 3; attempt++ {
		rollout, err := e.repo.GetRollout(ctx, rolloutID)
		if err != nil {
			return err
		}
		from := rollout.Status
		if !statusIn(from, cancellable) {
			return fmt.Errorf("%w: cannot cancel rollout %d in status %s",
				ErrInvalidTransition, rolloutID, from)
		}

		canceled, err := e.repo.CancelRolloutActions(ctx, rolloutID)
		if err != nil {
			return err
		}
		if canceled > 0 {
			log.Info().Msgf("requested cancel of %d actions of rollout %d", canceled, rolloutID)
		}

		moved, err := e.repo.CompareAndSetRolloutStatus(ctx,
			rolloutID, from, models.RolloutStatusStopped, "")
		if err != nil {
			return err
		}
		if moved {
			e.publishRolloutStatus(rollout, models.RolloutStatusStopped)
			e.metrics.Increment("rollout.stopped")
			return nil
		}
	}
	return fmt.Errorf("%w: rollout %d status kept changing during cancel",
		ErrInvalidTransition, rolloutID)
}

func (e *Engine) transitionConflict(ctx context.Context, rolloutID int64, op string) error {
	rollout, err := e.repo.GetRollout(ctx, rolloutID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot %s rollout %d in status %s",
		ErrInvalidTransition, op, rolloutID, rollout.Status)
}

func statusIn(status models.RolloutStatus, set []models.RolloutStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
