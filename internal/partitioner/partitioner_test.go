package partitioner

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hawkbit/rollout-engine/internal/models"
)

type recordingStore struct {
	groups      []models.RolloutGroup
	assignments [][]string
	err         error
}

func (s *recordingStore) CreateGroups(_ context.Context, groups []models.RolloutGroup, assignments [][]string) error {
	s.groups = groups
	s.assignments = assignments
	return s.err
}

func targetIDs(n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, fmt.Sprintf("device-%03d", i))
	}
	return ids
}

func countSpec(n int) Spec {
	return Spec{
		GroupCount:       n,
		SuccessCondition: models.Condition{Kind: models.ConditionKindThreshold, Threshold: 50},
		ErrorCondition:   models.Condition{Kind: models.ConditionKindThreshold, Threshold: 80},
		ErrorAction:      models.ErrorActionPause,
	}
}

func TestPartitionEvenSplit(t *testing.T) {
	store := &recordingStore{}
	p := New(store)
	rollout := &models.Rollout{ID: 7}

	groups, err := p.Partition(context.Background(), rollout, countSpec(5), targetIDs(10))
	require.NoError(t, err)
	require.Len(t, groups, 5)

	for i, g := range groups {
		assert.Equal(t, int64(7), g.RolloutID)
		assert.Equal(t, i, g.Ordinal)
		assert.Equal(t, fmt.Sprintf("group-%d", i+1), g.Name)
		assert.Equal(t, int64(2), g.TotalTargets)
		assert.Equal(t, models.GroupStatusScheduled, g.Status)
		assert.Equal(t, uint(50), g.SuccessCondition.Threshold)
		assert.Equal(t, uint(80), g.ErrorCondition.Threshold)
	}
	require.Len(t, store.assignments, 5)
	assert.Equal(t, []string{"device-000", "device-001"}, store.assignments[0])
	assert.Equal(t, []string{"device-008", "device-009"}, store.assignments[4])
}

func TestPartitionRemainderGoesToEarliestGroups(t *testing.T) {
	store := &recordingStore{}
	p := New(store)

	groups, err := p.Partition(context.Background(), &models.Rollout{ID: 1}, countSpec(3), targetIDs(11))
	require.NoError(t, err)
	require.Len(t, groups, 3)

	assert.Equal(t, int64(4), groups[0].TotalTargets)
	assert.Equal(t, int64(4), groups[1].TotalTargets)
	assert.Equal(t, int64(3), groups[2].TotalTargets)
}

func TestPartitionMoreGroupsThanTargets(t *testing.T) {
	store := &recordingStore{}
	p := New(store)

	groups, err := p.Partition(context.Background(), &models.Rollout{ID: 1}, countSpec(5), targetIDs(3))
	require.NoError(t, err)
	require.Len(t, groups, 5)

	var total int64
	for _, g := range groups {
		total += g.TotalTargets
	}
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(0), groups[4].TotalTargets)
}

func TestPartitionByPercentage(t *testing.T) {
	store := &recordingStore{}
	p := New(store)
	spec := Spec{Groups: []GroupSpec{
		{Name: "canary", TargetPercentage: 10, SuccessCondition: models.Condition{Kind: models.ConditionKindThreshold, Threshold: 100}},
		{Name: "wave-1", TargetPercentage: 50, SuccessCondition: models.Condition{Kind: models.ConditionKindThreshold, Threshold: 80}},
		{Name: "wave-2", TargetPercentage: 100, SuccessCondition: models.Condition{Kind: models.ConditionKindThreshold, Threshold: 80}},
	}}

	groups, err := p.Partition(context.Background(), &models.Rollout{ID: 2}, spec, targetIDs(100))
	require.NoError(t, err)
	require.Len(t, groups, 3)

	assert.Equal(t, "canary", groups[0].Name)
	assert.Equal(t, int64(10), groups[0].TotalTargets)
	assert.Equal(t, int64(45), groups[1].TotalTargets)
	assert.Equal(t, int64(45), groups[2].TotalTargets)

	seen := map[string]struct{}{}
	var total int
	for _, slice := range store.assignments {
		for _, id := range slice {
			_, dup := seen[id]
			require.False(t, dup, "target %s assigned twice", id)
			seen[id] = struct{}{}
		}
		total += len(slice)
	}
	assert.Equal(t, 100, total)
}

func TestPartitionPercentageRoundsUp(t *testing.T) {
	store := &recordingStore{}
	p := New(store)
	spec := Spec{Groups: []GroupSpec{
		{Name: "canary", TargetPercentage: 1},
		{Name: "rest", TargetPercentage: 100},
	}}

	groups, err := p.Partition(context.Background(), &models.Rollout{ID: 2}, spec, targetIDs(3))
	require.NoError(t, err)
	assert.Equal(t, int64(1), groups[0].TotalTargets)
	assert.Equal(t, int64(2), groups[1].TotalTargets)
}

func TestPartitionValidation(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		targets []string
		wantErr error
	}{
		{
			name:    "no targets",
			spec:    countSpec(2),
			targets: nil,
			wantErr: ErrNoTargets,
		},
		{
			name:    "zero group count",
			spec:    Spec{GroupCount: 0},
			targets: targetIDs(4),
			wantErr: ErrInvalidGroupCount,
		},
		{
			name:    "negative group count",
			spec:    Spec{GroupCount: -1},
			targets: targetIDs(4),
			wantErr: ErrInvalidGroupCount,
		},
		{
			name:    "zero percentage",
			spec:    Spec{Groups: []GroupSpec{{Name: "a", TargetPercentage: 0}}},
			targets: targetIDs(4),
			wantErr: ErrInvalidPercentage,
		},
		{
			name:    "percentage above hundred",
			spec:    Spec{Groups: []GroupSpec{{Name: "a", TargetPercentage: 101}}},
			targets: targetIDs(4),
			wantErr: ErrInvalidPercentage,
		},
		{
			name:    "percentages leave targets unassigned",
			spec:    Spec{Groups: []GroupSpec{{Name: "a", TargetPercentage: 50}}},
			targets: targetIDs(4),
			wantErr: ErrUnassignedTargets,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&recordingStore{}).Partition(context.Background(), &models.Rollout{ID: 1}, tt.spec, tt.targets)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPartitionStoreError(t *testing.T) {
	store := &recordingStore{err: fmt.Errorf("connection reset")}
	_, err := New(store).Partition(context.Background(), &models.Rollout{ID: 1}, countSpec(2), targetIDs(4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to persist rollout groups")
}
