package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hawkbit/rollout-engine/internal/models"
)

// EvaluateRunningRollouts is the scheduler entrypoint. One invocation
// evaluates at most maxBatch rollouts, deferring the rest to the next tick
// so tick latency stays bounded as the fleet grows. It also completes
// STARTING rollouts whose start was interrupted.
//
// The pass is idempotent and safe to run concurrently with itself: every
// advancement is a conditional update, so of two concurrent ticks exactly
// one wins each transition. Per-rollout failures are logged and skipped,
// never allowed to abort the whole batch.
func (e *Engine) EvaluateRunningRollouts(ctx context.Context, maxBatch uint64) error {
	started := time.Now()
	defer func() {
		e.metrics.Duration("tick.duration", time.Since(started))
	}()
	e.metrics.Increment("tick.runs")

	rollouts, err := e.repo.FindRolloutsByStatus(ctx,
		[]models.RolloutStatus{models.RolloutStatusRunning, models.RolloutStatusStarting},
		maxBatch,
	)
	if err != nil {
		return fmt.Errorf("failed to find running rollouts: %w", err)
	}
	e.metrics.Gauge("rollouts.running", len(rollouts))
	if len(rollouts) == 0 {
		return nil
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(e.evalConcurrency)
	for i := range rollouts {
		rollout := rollouts[i]
		grp.Go(func() error {
			if err := e.evaluateRollout(grpCtx, &rollout); err != nil {
				// Deferred to the next tick; state is consistent because
				// every transition so far was conditional.
				log.Error().Err(err).Msgf("failed to evaluate rollout %d, deferring to next tick", rollout.ID)
			}
			return nil
		})
	}
	return grp.Wait()
}

func (e *Engine) evaluateRollout(ctx context.Context, rollout *models.Rollout) error {
	if rollout.Status == models.RolloutStatusStarting {
		return e.completeStart(ctx, rollout)
	}

	groups, err := e.repo.ListGroups(ctx, rollout.ID)
	if err != nil {
		return err
	}

	running := runningGroup(groups)
	if running == nil {
		return e.handleNoRunningGroup(ctx, rollout, groups)
	}

	counts, err := e.eval.Counts(ctx, running)
	if err != nil {
		return err
	}
	if counts.NotStarted > 0 {
		// A previous materialization pass did not finish; fill the gaps
		// before judging the group.
		if err := e.mat.StartGroup(ctx, rollout, running); err != nil {
			return err
		}
		counts, err = e.eval.Counts(ctx, running)
		if err != nil {
			return err
		}
	}

	// Error takes precedence over success: a group that breached its error
	// budget must fire the configured error action even if it also crossed
	// the success threshold in the same tick.
	if e.eval.ExceedsError(running, counts) {
		return e.handleGroupError(ctx, rollout, running)
	}
	if e.eval.MeetsSuccess(running, counts) {
		return e.advance(ctx, rollout, groups, running)
	}
	// Neither condition met: purely observational tick, nothing to write.
	return nil
}

// handleNoRunningGroup deals with a RUNNING rollout without a RUNNING
// group. This is either a resumed rollout whose last group was judged
// before the pause, or a missed final transition. The first still-scheduled
// group in order is started; with no scheduled group left the rollout is
// closed out. An errored group does not block its successors: resuming
// after an error-pause deliberately moves on to the next group.
func (e *Engine) handleNoRunningGroup(
	ctx context.Context,
	rollout *models.Rollout,
	groups []models.RolloutGroup,
) error {
	for i := range groups {
		group := &groups[i]
		switch group.Status {
		case models.GroupStatusFinished, models.GroupStatusError:
			continue
		case models.GroupStatusScheduled:
			moved, err := e.repo.CompareAndSetGroupStatus(ctx,
				group.ID, models.GroupStatusScheduled, models.GroupStatusRunning)
			if err != nil {
				return err
			}
			if moved {
				e.publishGroupStatus(rollout, group.ID, models.GroupStatusRunning)
			}
			return e.mat.StartGroup(ctx, rollout, group)
		default:
			log.Warn().Msgf(
				"rollout %d is running but group %d is %s and none is running, skip",
				rollout.ID, group.ID, group.Status,
			)
			return nil
		}
	}
	return e.finishRollout(ctx, rollout)
}

func (e *Engine) handleGroupError(
	ctx context.Context,
	rollout *models.Rollout,
	group *models.RolloutGroup,
) error {
	moved, err := e.repo.CompareAndSetGroupStatus(ctx,
		group.ID, models.GroupStatusRunning, models.GroupStatusError)
	if err != nil {
		return err
	}
	if !moved {
		// A concurrent tick already judged this group.
		return nil
	}
	e.publishGroupStatus(rollout, group.ID, models.GroupStatusError)
	e.metrics.Increment("group.errored")
	log.Warn().Msgf("group %d of rollout %d exceeded its error condition", group.ID, rollout.ID)

	switch group.ErrorAction {
	case models.ErrorActionPause:
		moved, err := e.repo.CompareAndSetRolloutStatus(ctx,
			rollout.ID, models.RolloutStatusRunning, models.RolloutStatusPaused, "")
		if err != nil {
			return err
		}
		if moved {
			e.publishRolloutStatus(rollout, models.RolloutStatusPaused)
			e.metrics.Increment("rollout.paused")
		}
	default:
		log.Error().Msgf("group %d has unknown error action %d, rollout %d left running",
			group.ID, group.ErrorAction, rollout.ID)
	}
	return nil
}

// advance finishes the met group and starts the next one in order, or
// finishes the rollout when the met group was the last.
func (e *Engine) advance(
	ctx context.Context,
	rollout *models.Rollout,
	groups []models.RolloutGroup,
	current *models.RolloutGroup,
) error {
	moved, err := e.repo.CompareAndSetGroupStatus(ctx,
		current.ID, models.GroupStatusRunning, models.GroupStatusFinished)
	if err != nil {
		return err
	}
	if !moved {
		// Lost the race against a concurrent tick; it owns the advance.
		return nil
	}
	e.publishGroupStatus(rollout, current.ID, models.GroupStatusFinished)
	e.metrics.Increment("group.finished")

	next := nextGroup(groups, current.Ordinal)
	if next == nil {
		return e.finishRollout(ctx, rollout)
	}

	moved, err = e.repo.CompareAndSetGroupStatus(ctx,
		next.ID, models.GroupStatusScheduled, models.GroupStatusRunning)
	if err != nil {
		return err
	}
	if moved {
		e.publishGroupStatus(rollout, next.ID, models.GroupStatusRunning)
	}
	// Materialization failures surface here but heal on the next tick:
	// the group is RUNNING with not-started targets.
	return e.mat.StartGroup(ctx, rollout, next)
}

func (e *Engine) finishRollout(ctx context.Context, rollout *models.Rollout) error {
	moved, err := e.repo.CompareAndSetRolloutStatus(ctx,
		rollout.ID, models.RolloutStatusRunning, models.RolloutStatusFinished, "")
	if err != nil {
		return err
	}
	if moved {
		e.publishRolloutStatus(rollout, models.RolloutStatusFinished)
		e.metrics.Increment("rollout.finished")
		log.Info().Msgf("rollout %d finished", rollout.ID)
	}
	return nil
}

// runningGroup returns the unique group in RUNNING status, or nil.
// Advancement is sequential so there is at most one at any committed point.
func runningGroup(groups []models.RolloutGroup) *models.RolloutGroup {
	for i := range groups {
		if groups[i].Status == models.GroupStatusRunning {
			return &groups[i]
		}
	}
	return nil
}

func nextGroup(groups []models.RolloutGroup, currentOrdinal int) *models.RolloutGroup {
	for i := range groups {
		if groups[i].Ordinal == currentOrdinal+1 {
			return &groups[i]
		}
	}
	return nil
}
