package models

import "time"

type RolloutStatus int8

const (
	RolloutStatusUnknown RolloutStatus = iota
	RolloutStatusCreating
	RolloutStatusReady
	RolloutStatusStarting
	RolloutStatusRunning
	RolloutStatusPaused
	RolloutStatusFinished
	RolloutStatusStopped
	RolloutStatusErrorCreating
	RolloutStatusErrorStarting
)

func (s RolloutStatus) String() string {
	switch s {
	case RolloutStatusCreating:
		return "creating"
	case RolloutStatusReady:
		return "ready"
	case RolloutStatusStarting:
		return "starting"
	case RolloutStatusRunning:
		return "running"
	case RolloutStatusPaused:
		return "paused"
	case RolloutStatusFinished:
		return "finished"
	case RolloutStatusStopped:
		return "stopped"
	case RolloutStatusErrorCreating:
		return "error_creating"
	case RolloutStatusErrorStarting:
		return "error_starting"
	}
	return "unknown"
}

// Terminal reports whether no further transition can leave the status.
func (s RolloutStatus) Terminal() bool {
	return s == RolloutStatusFinished || s == RolloutStatusStopped
}

type ActionType int8

const (
	ActionTypeUnknown ActionType = iota
	ActionTypeSoft
	ActionTypeForced
	ActionTypeTimeForced
)

func (t ActionType) String() string {
	switch t {
	case ActionTypeSoft:
		return "soft"
	case ActionTypeForced:
		return "forced"
	case ActionTypeTimeForced:
		return "timeforced"
	}
	return "unknown"
}

// MaintenanceWindow constrains when a target may apply an update. The
// engine only carries it through to actions, the device channel owns the
// interpretation.
type MaintenanceWindow struct {
	Schedule string
	Duration string
	Timezone string
}

func (w MaintenanceWindow) IsZero() bool {
	return w.Schedule == "" && w.Duration == "" && w.Timezone == ""
}

type Rollout struct {
	ID                int64
	Tenant            string
	Name              string
	Description       string
	TargetFilter      string
	DistributionSetID int64
	ActionType        ActionType
	ForcedTime        time.Time
	StartAt           time.Time
	MaintenanceWindow MaintenanceWindow
	// TotalTargets is the filter resolution snapshot taken at creation time.
	TotalTargets int64
	Status       RolloutStatus
	ErrorCause   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
