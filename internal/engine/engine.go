// Package engine implements the rollout state machine: the lifecycle of a
// rollout, the manual pause/resume/cancel operations and the periodic
// evaluation that drives groups through the fleet.
//
// Nothing here takes a lock. Every status write is a compare-and-set on the
// expected prior status, so a concurrent tick or a racing manual operation
// simply finds its precondition false and no-ops. The "current running
// group" is never stored, it is derived as the unique group in RUNNING
// status each time it is needed.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/hawkbit/rollout-engine/internal/events"
	"github.com/hawkbit/rollout-engine/internal/metrics"
	"github.com/hawkbit/rollout-engine/internal/models"
	"github.com/hawkbit/rollout-engine/internal/partitioner"
)

var (
	ErrInvalidTransition = errors.New("rollout is not in a status allowing this operation")
	ErrMissingGroupSpec  = errors.New("grouping spec must define a group count or explicit groups")
	ErrMissingName       = errors.New("rollout name is required")
	ErrMissingFilter     = errors.New("target filter query is required")
	ErrMissingDistSet    = errors.New("distribution set reference is required")
)

type Repository interface {
	CreateRollout(ctx context.Context, rollout *models.Rollout) error
	FinishRolloutCreation(ctx context.Context, rolloutID, totalTargets int64) (bool, error)
	CompareAndSetRolloutStatus(ctx context.Context, rolloutID int64, expected, next models.RolloutStatus, cause string) (bool, error)
	GetRollout(ctx context.Context, rolloutID int64) (*models.Rollout, error)
	GetRolloutByName(ctx context.Context, tenant, name string) (*models.Rollout, error)
	FindRolloutsByStatus(ctx context.Context, statuses []models.RolloutStatus, limit uint64) ([]models.Rollout, error)
	ListRollouts(ctx context.Context, tenant, nameFilter string, limit, offset uint64) ([]models.Rollout, error)
	CountRollouts(ctx context.Context, tenant, nameFilter string) (int64, error)

	ListGroups(ctx context.Context, rolloutID int64) ([]models.RolloutGroup, error)
	GetGroup(ctx context.Context, groupID int64) (*models.RolloutGroup, error)
	CompareAndSetGroupStatus(ctx context.Context, groupID int64, expected, next models.RolloutGroupStatus) (bool, error)
	GroupTargets(ctx context.Context, groupID int64, limit, offset uint64) ([]string, error)

	RolloutActionCounts(ctx context.Context, rollout *models.Rollout) (models.TotalTargetCountStatus, error)
	CancelRolloutActions(ctx context.Context, rolloutID int64) (int64, error)
	GetAction(ctx context.Context, actionID int64) (*models.Action, error)
}

type Resolver interface {
	Resolve(ctx context.Context, tenant, query string) ([]string, error)
}

type Partitioner interface {
	Partition(ctx context.Context, rollout *models.Rollout, spec partitioner.Spec, targetIDs []string) ([]models.RolloutGroup, error)
}

type Materializer interface {
	StartGroup(ctx context.Context, rollout *models.Rollout, group *models.RolloutGroup) error
}

type Evaluator interface {
	Counts(ctx context.Context, group *models.RolloutGroup) (models.TotalTargetCountStatus, error)
	MeetsSuccess(group *models.RolloutGroup, counts models.TotalTargetCountStatus) bool
	ExceedsError(group *models.RolloutGroup, counts models.TotalTargetCountStatus) bool
}

type EventSink interface {
	Publish(event events.Event)
}

type Engine struct {
	repo    Repository
	resolve Resolver
	split   Partitioner
	mat     Materializer
	eval    Evaluator
	sink    EventSink
	metrics metrics.Metrics

	// evalConcurrency bounds how many rollouts one tick evaluates in
	// parallel; independent rollouts share no mutable state.
	evalConcurrency int
}

func New(
	repo Repository,
	resolve Resolver,
	split Partitioner,
	mat Materializer,
	eval Evaluator,
	sink EventSink,
	m metrics.Metrics,
	evalConcurrency int,
) *Engine {
	if evalConcurrency <= 0 {
		evalConcurrency = 4
	}
	return &Engine{
		repo:            repo,
		resolve:         resolve,
		split:           split,
		mat:             mat,
		eval:            eval,
		sink:            sink,
		metrics:         m,
		evalConcurrency: evalConcurrency,
	}
}

func (e *Engine) publishRolloutStatus(rollout *models.Rollout, status models.RolloutStatus) {
	e.sink.Publish(events.Event{
		Type:       events.TypeRolloutStatusChanged,
		Tenant:     rollout.Tenant,
		RolloutID:  rollout.ID,
		Status:     status.String(),
		OccurredAt: time.Now(),
	})
}

func (e *Engine) publishGroupStatus(rollout *models.Rollout, groupID int64, status models.RolloutGroupStatus) {
	e.sink.Publish(events.Event{
		Type:       events.TypeGroupStatusChanged,
		Tenant:     rollout.Tenant,
		RolloutID:  rollout.ID,
		GroupID:    groupID,
		Status:     status.String(),
		OccurredAt: time.Now(),
	})
}
