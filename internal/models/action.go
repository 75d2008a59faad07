package models

import "time"

type ActionStatus int8

const (
	ActionStatusUnknown ActionStatus = iota
	ActionStatusScheduled
	ActionStatusRunning
	ActionStatusDownload
	ActionStatusRetrieved
	ActionStatusWarning
	ActionStatusFinished
	ActionStatusError
	ActionStatusCanceling
	ActionStatusCanceled
	ActionStatusCancelRejected
)

func (s ActionStatus) String() string {
	switch s {
	case ActionStatusScheduled:
		return "scheduled"
	case ActionStatusRunning:
		return "running"
	case ActionStatusDownload:
		return "download"
	case ActionStatusRetrieved:
		return "retrieved"
	case ActionStatusWarning:
		return "warning"
	case ActionStatusFinished:
		return "finished"
	case ActionStatusError:
		return "error"
	case ActionStatusCanceling:
		return "canceling"
	case ActionStatusCanceled:
		return "canceled"
	case ActionStatusCancelRejected:
		return "cancel_rejected"
	}
	return "unknown"
}

// Active reports whether the action still occupies its target. At most one
// active action exists per target fleet-wide; assigning a new distribution
// set cancels the previous active one.
func (s ActionStatus) Active() bool {
	switch s {
	case ActionStatusFinished, ActionStatusError, ActionStatusCanceled:
		return false
	}
	return s != ActionStatusUnknown
}

// Action assigns one distribution set to one target. RolloutID and
// RolloutGroupID are zero for assignments made outside any rollout.
type Action struct {
	ID                int64
	Tenant            string
	TargetID          string
	DistributionSetID int64
	RolloutID         int64
	RolloutGroupID    int64
	Type              ActionType
	ForcedTime        time.Time
	MaintenanceWindow MaintenanceWindow
	Status            ActionStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ActionStatusEntry is one row of an action's append-only status history.
type ActionStatusEntry struct {
	ID         int64
	ActionID   int64
	Status     ActionStatus
	Message    string
	OccurredAt time.Time
}

type Target struct {
	ControllerID string
	Tenant       string
	Name         string
	CreatedAt    time.Time
}
