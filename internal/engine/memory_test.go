package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hawkbit/rollout-engine/internal/deployment"
	"github.com/hawkbit/rollout-engine/internal/evaluator"
	"github.com/hawkbit/rollout-engine/internal/events"
	"github.com/hawkbit/rollout-engine/internal/materializer"
	"github.com/hawkbit/rollout-engine/internal/metrics"
	"github.com/hawkbit/rollout-engine/internal/models"
	"github.com/hawkbit/rollout-engine/internal/partitioner"
)

var (
	errMemRolloutNotFound = errors.New("rollout not found")
	errMemGroupNotFound   = errors.New("group not found")
)

// memoryRepo backs every storage-facing collaborator of the engine with
// plain maps, mimicking the conditional-update semantics of the SQL layer:
// every compare-and-set checks the expected prior state under one lock.
type memoryRepo struct {
	mu sync.Mutex

	nextRolloutID int64
	nextGroupID   int64
	nextActionID  int64

	rollouts map[int64]*models.Rollout
	groups   map[int64]*models.RolloutGroup
	members  map[int64][]string
	actions  map[int64]*models.Action

	// pool is what the resolver fake hands out for any filter.
	pool []string

	// failAssign makes CreateAssignment fail for specific targets.
	failAssign map[string]error
}

func newMemoryRepo(pool ...string) *memoryRepo {
	return &memoryRepo{
		rollouts:   map[int64]*models.Rollout{},
		groups:     map[int64]*models.RolloutGroup{},
		members:    map[int64][]string{},
		actions:    map[int64]*models.Action{},
		pool:       pool,
		failAssign: map[string]error{},
	}
}

func (m *memoryRepo) CreateRollout(_ context.Context, rollout *models.Rollout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rollouts {
		if existing.Tenant == rollout.Tenant && existing.Name == rollout.Name {
			return fmt.Errorf("rollout named %q already exists", rollout.Name)
		}
	}
	m.nextRolloutID++
	rollout.ID = m.nextRolloutID
	stored := *rollout
	m.rollouts[rollout.ID] = &stored
	return nil
}

func (m *memoryRepo) FinishRolloutCreation(_ context.Context, rolloutID, totalTargets int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rollout, ok := m.rollouts[rolloutID]
	if !ok || rollout.Status != models.RolloutStatusCreating {
		return false, nil
	}
	rollout.Status = models.RolloutStatusReady
	rollout.TotalTargets = totalTargets
	return true, nil
}

func (m *memoryRepo) CompareAndSetRolloutStatus(
	_ context.Context,
	rolloutID int64,
	expected, next models.RolloutStatus,
	cause string,
) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rollout, ok := m.rollouts[rolloutID]
	if !ok || rollout.Status != expected {
		return false, nil
	}
	rollout.Status = next
	if cause != "" {
		rollout.ErrorCause = cause
	}
	return true, nil
}

func (m *memoryRepo) GetRollout(_ context.Context, rolloutID int64) (*models.Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rollout, ok := m.rollouts[rolloutID]
	if !ok {
		return nil, errMemRolloutNotFound
	}
	copied := *rollout
	return &copied, nil
}

func (m *memoryRepo) GetRolloutByName(_ context.Context, tenant, name string) (*models.Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rollout := range m.rollouts {
		if rollout.Tenant == tenant && rollout.Name == name {
			copied := *rollout
			return &copied, nil
		}
	}
	return nil, errMemRolloutNotFound
}

func (m *memoryRepo) FindRolloutsByStatus(
	_ context.Context,
	statuses []models.RolloutStatus,
	limit uint64,
) ([]models.Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []models.Rollout
	for _, rollout := range m.rollouts {
		for _, status := range statuses {
			if rollout.Status == status {
				result = append(result, *rollout)
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if uint64(len(result)) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *memoryRepo) ListRollouts(
	_ context.Context,
	tenant, nameFilter string,
	limit, offset uint64,
) ([]models.Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []models.Rollout
	for _, rollout := range m.rollouts {
		if rollout.Tenant == tenant && likeMatch(rollout.Name, nameFilter) {
			result = append(result, *rollout)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	if offset >= uint64(len(result)) {
		return nil, nil
	}
	result = result[offset:]
	if uint64(len(result)) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *memoryRepo) CountRollouts(_ context.Context, tenant, nameFilter string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rollout := range m.rollouts {
		if rollout.Tenant == tenant && likeMatch(rollout.Name, nameFilter) {
			n++
		}
	}
	return n, nil
}

// likeMatch evaluates a SQL LIKE pattern with "%" wildcards; an empty
// pattern matches everything, like the repository's omitted WHERE clause.
func likeMatch(s, pattern string) bool {
	if pattern == "" {
		return true
	}
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

func (m *memoryRepo) CreateGroups(
	_ context.Context,
	groups []models.RolloutGroup,
	assignments [][]string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range groups {
		m.nextGroupID++
		groups[i].ID = m.nextGroupID
		stored := groups[i]
		m.groups[stored.ID] = &stored

		memberIDs := append([]string(nil), assignments[i]...)
		sort.Strings(memberIDs)
		m.members[stored.ID] = memberIDs
	}
	return nil
}

func (m *memoryRepo) ListGroups(_ context.Context, rolloutID int64) ([]models.RolloutGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []models.RolloutGroup
	for _, group := range m.groups {
		if group.RolloutID == rolloutID {
			result = append(result, *group)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Ordinal < result[j].Ordinal })
	return result, nil
}

func (m *memoryRepo) GetGroup(_ context.Context, groupID int64) (*models.RolloutGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[groupID]
	if !ok {
		return nil, errMemGroupNotFound
	}
	copied := *group
	return &copied, nil
}

func (m *memoryRepo) CompareAndSetGroupStatus(
	_ context.Context,
	groupID int64,
	expected, next models.RolloutGroupStatus,
) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[groupID]
	if !ok || group.Status != expected {
		return false, nil
	}
	group.Status = next
	return true, nil
}

func (m *memoryRepo) GroupTargets(_ context.Context, groupID int64, limit, offset uint64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	memberIDs := m.members[groupID]
	if offset >= uint64(len(memberIDs)) {
		return nil, nil
	}
	memberIDs = memberIDs[offset:]
	if uint64(len(memberIDs)) > limit {
		memberIDs = memberIDs[:limit]
	}
	return append([]string(nil), memberIDs...), nil
}

func (m *memoryRepo) GroupTargetsWithAction(_ context.Context, groupID int64) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	done := map[string]struct{}{}
	for _, action := range m.actions {
		if action.RolloutGroupID == groupID {
			done[action.TargetID] = struct{}{}
		}
	}
	return done, nil
}

func (m *memoryRepo) GroupActionCounts(
	_ context.Context,
	group *models.RolloutGroup,
) (models.TotalTargetCountStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts models.TotalTargetCountStatus
	var counted int64
	for _, action := range m.actions {
		if action.RolloutGroupID == group.ID {
			counts.Add(action.Status.Bucket(), 1)
			counted++
		}
	}
	counts.NotStarted = group.TotalTargets - counted
	return counts, nil
}

func (m *memoryRepo) RolloutActionCounts(
	_ context.Context,
	rollout *models.Rollout,
) (models.TotalTargetCountStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts models.TotalTargetCountStatus
	var counted int64
	for _, action := range m.actions {
		if action.RolloutID == rollout.ID {
			counts.Add(action.Status.Bucket(), 1)
			counted++
		}
	}
	counts.NotStarted = rollout.TotalTargets - counted
	return counts, nil
}

func (m *memoryRepo) GetAction(_ context.Context, actionID int64) (*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	action, ok := m.actions[actionID]
	if !ok {
		return nil, errors.New("action not found")
	}
	copied := *action
	return &copied, nil
}

func (m *memoryRepo) CancelRolloutActions(_ context.Context, rolloutID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, action := range m.actions {
		if action.RolloutID == rolloutID && action.Status.Active() {
			action.Status = models.ActionStatusCanceling
			n++
		}
	}
	return n, nil
}

func (m *memoryRepo) CreateAssignment(_ context.Context, action *models.Action) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failAssign[action.TargetID]; err != nil {
		return nil, err
	}
	var displaced []int64
	for _, existing := range m.actions {
		if existing.Tenant == action.Tenant &&
			existing.TargetID == action.TargetID &&
			existing.Status.Active() {
			existing.Status = models.ActionStatusCanceled
			displaced = append(displaced, existing.ID)
		}
	}
	m.nextActionID++
	action.ID = m.nextActionID
	stored := *action
	m.actions[action.ID] = &stored
	return displaced, nil
}

func (m *memoryRepo) CancelAction(_ context.Context, actionID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	action, ok := m.actions[actionID]
	if !ok || !action.Status.Active() {
		return false, nil
	}
	action.Status = models.ActionStatusCanceling
	return true, nil
}

func (m *memoryRepo) CreateFailedAction(_ context.Context, action *models.Action, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextActionID++
	action.ID = m.nextActionID
	action.Status = models.ActionStatusError
	stored := *action
	m.actions[action.ID] = &stored
	return nil
}

// groupActions returns the group's actions ordered by id.
func (m *memoryRepo) groupActions(groupID int64) []*models.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Action
	for _, action := range m.actions {
		if action.RolloutGroupID == groupID {
			result = append(result, action)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// setGroupActionStatuses flips the status of the first n actions of the
// group, standing in for device-side status reports.
func (m *memoryRepo) setGroupActionStatuses(t *testing.T, groupID int64, status models.ActionStatus, n int) {
	t.Helper()
	actions := m.groupActions(groupID)
	require.GreaterOrEqual(t, len(actions), n)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.actions[actions[i].ID].Status = status
	}
}

func (m *memoryRepo) setActionStatus(actionID int64, status models.ActionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[actionID].Status = status
}

func (m *memoryRepo) dropAction(actionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actions, actionID)
}

type poolResolver struct {
	repo *memoryRepo
	err  error
}

func (r poolResolver) Resolve(context.Context, string, string) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	return append([]string(nil), r.repo.pool...), nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// statusesOf returns the recorded status values of all events of one type,
// in publication order.
func (r *eventRecorder) statusesOf(eventType events.Type) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var statuses []string
	for _, event := range r.events {
		if event.Type == eventType {
			statuses = append(statuses, event.Status)
		}
	}
	return statuses
}

func (r *eventRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	repo   *memoryRepo
	sink   *eventRecorder
	deploy *deployment.Deployer
	engine *Engine
}

func newFixture(pool ...string) *fixture {
	repo := newMemoryRepo(pool...)
	sink := &eventRecorder{}
	deploy := deployment.New(repo)
	eng := New(
		repo,
		poolResolver{repo: repo},
		partitioner.New(repo),
		materializer.New(deploy, repo),
		evaluator.New(repo),
		sink,
		metrics.Noop{},
		1,
	)
	return &fixture{repo: repo, sink: sink, deploy: deploy, engine: eng}
}

func devicePool(n int) []string {
	pool := make([]string, 0, n)
	for i := 0; i < n; i++ {
		pool = append(pool, fmt.Sprintf("device-%03d", i))
	}
	return pool
}

func countRequest(name string, groupCount int, success, failure uint) CreateRolloutRequest {
	return CreateRolloutRequest{
		Tenant:            "default",
		Name:              name,
		TargetFilter:      "controllerId==device-*",
		DistributionSetID: 42,
		ActionType:        models.ActionTypeForced,
		Grouping: partitioner.Spec{
			GroupCount:       groupCount,
			SuccessCondition: models.Condition{Kind: models.ConditionKindThreshold, Threshold: success},
			ErrorCondition:   models.Condition{Kind: models.ConditionKindThreshold, Threshold: failure},
			ErrorAction:      models.ErrorActionPause,
		},
	}
}

func (f *fixture) mustCreate(t *testing.T, req CreateRolloutRequest) *models.Rollout {
	t.Helper()
	rollout, err := f.engine.CreateRollout(context.Background(), req)
	require.NoError(t, err)
	return rollout
}

func (f *fixture) mustStart(t *testing.T, rolloutID int64) {
	t.Helper()
	require.NoError(t, f.engine.StartRollout(context.Background(), rolloutID))
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.EvaluateRunningRollouts(context.Background(), 100))
}

func (f *fixture) rolloutStatus(t *testing.T, rolloutID int64) models.RolloutStatus {
	t.Helper()
	rollout, err := f.repo.GetRollout(context.Background(), rolloutID)
	require.NoError(t, err)
	return rollout.Status
}

func (f *fixture) groupStatuses(t *testing.T, rolloutID int64) []models.RolloutGroupStatus {
	t.Helper()
	groups, err := f.repo.ListGroups(context.Background(), rolloutID)
	require.NoError(t, err)
	statuses := make([]models.RolloutGroupStatus, 0, len(groups))
	for _, group := range groups {
		statuses = append(statuses, group.Status)
	}
	return statuses
}

func (f *fixture) groupByOrdinal(t *testing.T, rolloutID int64, ordinal int) models.RolloutGroup {
	t.Helper()
	groups, err := f.repo.ListGroups(context.Background(), rolloutID)
	require.NoError(t, err)
	for _, group := range groups {
		if group.Ordinal == ordinal {
			return group
		}
	}
	t.Fatalf("rollout %d has no group with ordinal %d", rolloutID, ordinal)
	return models.RolloutGroup{}
}
