// Package evaluator computes a rollout group's aggregate action counts and
// tests them against the group's success and error conditions. Counts are
// always recomputed from persisted state: device status reports land on the
// action rows independently of the evaluation tick, so any cached counter
// would drift.
package evaluator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hawkbit/rollout-engine/internal/models"
)

type CountsSource interface {
	GroupActionCounts(ctx context.Context, group *models.RolloutGroup) (models.TotalTargetCountStatus, error)
}

type Evaluator struct {
	counts CountsSource
}

func New(counts CountsSource) *Evaluator {
	return &Evaluator{counts: counts}
}

func (e *Evaluator) Counts(ctx context.Context, group *models.RolloutGroup) (models.TotalTargetCountStatus, error) {
	counts, err := e.counts.GroupActionCounts(ctx, group)
	if err != nil {
		return models.TotalTargetCountStatus{}, fmt.Errorf("failed to count group %d actions: %w", group.ID, err)
	}
	return counts, nil
}

// conditionFunc decides whether numerator out of total breaches threshold.
// New condition kinds register here without touching the state machine.
type conditionFunc func(numerator, total int64, threshold uint) bool

var conditionFuncs = map[models.ConditionKind]conditionFunc{
	models.ConditionKindThreshold: thresholdReached,
}

// thresholdReached tests numerator/total*100 >= threshold in integer
// arithmetic, so exactly meeting the percentage counts as reached.
func thresholdReached(numerator, total int64, threshold uint) bool {
	return numerator*100 >= int64(threshold)*total
}

// MeetsSuccess evaluates the group's success condition over its own target
// count. A group with zero targets trivially succeeds. Cancelled actions
// never count toward the numerator: external interference can stall a group,
// not finish it.
func (e *Evaluator) MeetsSuccess(group *models.RolloutGroup, counts models.TotalTargetCountStatus) bool {
	if group.TotalTargets == 0 {
		return true
	}
	eval, ok := conditionFuncs[group.SuccessCondition.Kind]
	if !ok {
		log.Error().Msgf("group %d has unknown success condition kind %d", group.ID, group.SuccessCondition.Kind)
		return false
	}
	return eval(counts.Finished, group.TotalTargets, group.SuccessCondition.Threshold)
}

// ExceedsError evaluates the group's error condition over its own target
// count. A group with zero targets never errors.
func (e *Evaluator) ExceedsError(group *models.RolloutGroup, counts models.TotalTargetCountStatus) bool {
	if group.TotalTargets == 0 {
		return false
	}
	eval, ok := conditionFuncs[group.ErrorCondition.Kind]
	if !ok {
		log.Error().Msgf("group %d has unknown error condition kind %d", group.ID, group.ErrorCondition.Kind)
		return false
	}
	return eval(counts.Error, group.TotalTargets, group.ErrorCondition.Threshold)
}
