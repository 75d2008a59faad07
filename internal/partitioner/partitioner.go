// Package partitioner splits a resolved target set into the ordered rollout
// groups and persists the fixed group membership. Actions are not created
// here, that happens when a group becomes active.
package partitioner

import (
	"context"
	"errors"
	"fmt"

	"github.com/hawkbit/rollout-engine/internal/models"
)

var (
	ErrNoTargets         = errors.New("target filter resolved to zero targets")
	ErrInvalidGroupCount = errors.New("group count must be positive")
	ErrInvalidPercentage = errors.New("group target percentage must be in (0,100]")
	ErrUnassignedTargets = errors.New("group percentages leave targets unassigned")
	ErrNoGroups          = errors.New("grouping spec defines no groups")
)

// GroupSpec describes one explicitly defined group.
type GroupSpec struct {
	Name             string
	TargetPercentage uint
	SuccessCondition models.Condition
	ErrorCondition   models.Condition
	ErrorAction      models.ErrorAction
}

// Spec is either a plain group count with shared conditions, or an explicit
// per-group list. Exactly one of GroupCount/Groups is set.
type Spec struct {
	GroupCount       int
	SuccessCondition models.Condition
	ErrorCondition   models.Condition
	ErrorAction      models.ErrorAction

	Groups []GroupSpec
}

type GroupStore interface {
	CreateGroups(ctx context.Context, groups []models.RolloutGroup, assignments [][]string) error
}

type Partitioner struct {
	store GroupStore
}

func New(store GroupStore) *Partitioner {
	return &Partitioner{store: store}
}

// Partition validates the spec, slices targetIDs into ordered disjoint
// groups and persists the result. The returned groups carry their persisted
// ids and target counts; their order is the advancement order.
func (p *Partitioner) Partition(
	ctx context.Context,
	rollout *models.Rollout,
	spec Spec,
	targetIDs []string,
) ([]models.RolloutGroup, error) {
	if len(targetIDs) == 0 {
		return nil, ErrNoTargets
	}

	var (
		groups      []models.RolloutGroup
		assignments [][]string
		err         error
	)
	if len(spec.Groups) > 0 {
		groups, assignments, err = splitByPercentage(rollout, spec.Groups, targetIDs)
	} else {
		groups, assignments, err = splitEvenly(rollout, spec, targetIDs)
	}
	if err != nil {
		return nil, err
	}

	if err := p.store.CreateGroups(ctx, groups, assignments); err != nil {
		return nil, fmt.Errorf("failed to persist rollout groups: %w", err)
	}
	return groups, nil
}

// splitEvenly distributes the whole target set over GroupCount groups as
// evenly as possible, remainder targets going to the earliest groups.
func splitEvenly(
	rollout *models.Rollout,
	spec Spec,
	targetIDs []string,
) ([]models.RolloutGroup, [][]string, error) {
	if spec.GroupCount <= 0 {
		return nil, nil, ErrInvalidGroupCount
	}

	n := spec.GroupCount
	base := len(targetIDs) / n
	remainder := len(targetIDs) % n

	groups := make([]models.RolloutGroup, 0, n)
	assignments := make([][]string, 0, n)
	offset := 0
	for i := 0; i < n; i++ {
		size := base
		if i < remainder {
			size++
		}
		slice := targetIDs[offset : offset+size]
		offset += size

		groups = append(groups, models.RolloutGroup{
			RolloutID:        rollout.ID,
			Ordinal:          i,
			Name:             fmt.Sprintf("group-%d", i+1),
			TotalTargets:     int64(size),
			SuccessCondition: spec.SuccessCondition,
			ErrorCondition:   spec.ErrorCondition,
			ErrorAction:      spec.ErrorAction,
			Status:           models.GroupStatusScheduled,
		})
		assignments = append(assignments, slice)
	}
	return groups, assignments, nil
}

// splitByPercentage takes percentage-sized slices from the remaining
// unassigned pool in group order. Slice sizes round up so a non-empty pool
// never produces an empty leading group. The groups together must drain the
// pool, which in practice means the last group is defined as 100%.
func splitByPercentage(
	rollout *models.Rollout,
	specs []GroupSpec,
	targetIDs []string,
) ([]models.RolloutGroup, [][]string, error) {
	if len(specs) == 0 {
		return nil, nil, ErrNoGroups
	}
	for _, spec := range specs {
		if spec.TargetPercentage == 0 || spec.TargetPercentage > 100 {
			return nil, nil, ErrInvalidPercentage
		}
	}

	groups := make([]models.RolloutGroup, 0, len(specs))
	assignments := make([][]string, 0, len(specs))
	remaining := targetIDs
	for i, spec := range specs {
		size := (len(remaining)*int(spec.TargetPercentage) + 99) / 100
		if size > len(remaining) {
			size = len(remaining)
		}
		slice := remaining[:size]
		remaining = remaining[size:]

		groups = append(groups, models.RolloutGroup{
			RolloutID:        rollout.ID,
			Ordinal:          i,
			Name:             spec.Name,
			TargetPercentage: spec.TargetPercentage,
			TotalTargets:     int64(size),
			SuccessCondition: spec.SuccessCondition,
			ErrorCondition:   spec.ErrorCondition,
			ErrorAction:      spec.ErrorAction,
			Status:           models.GroupStatusScheduled,
		})
		assignments = append(assignments, slice)
	}
	if len(remaining) > 0 {
		return nil, nil, ErrUnassignedTargets
	}
	return groups, assignments, nil
}
