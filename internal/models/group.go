package models

import "time"

type RolloutGroupStatus int8

const (
	GroupStatusUnknown RolloutGroupStatus = iota
	GroupStatusScheduled
	GroupStatusRunning
	GroupStatusFinished
	GroupStatusError
)

func (s RolloutGroupStatus) String() string {
	switch s {
	case GroupStatusScheduled:
		return "scheduled"
	case GroupStatusRunning:
		return "running"
	case GroupStatusFinished:
		return "finished"
	case GroupStatusError:
		return "error"
	}
	return "unknown"
}

// ConditionKind selects the formula a group condition is evaluated with.
// Only the percentage threshold over the group total exists today; the
// evaluator dispatches on the kind so new formulas slot in without touching
// the state machine.
type ConditionKind int8

const (
	ConditionKindUnknown ConditionKind = iota
	ConditionKindThreshold
)

func (k ConditionKind) String() string {
	if k == ConditionKindThreshold {
		return "threshold"
	}
	return "unknown"
}

// Condition is a threshold rule over a group's aggregate action counts.
// Threshold is a percentage of the group's own target count.
type Condition struct {
	Kind      ConditionKind
	Threshold uint
}

type ErrorAction int8

const (
	ErrorActionUnknown ErrorAction = iota
	ErrorActionPause
)

func (a ErrorAction) String() string {
	if a == ErrorActionPause {
		return "pause"
	}
	return "unknown"
}

type RolloutGroup struct {
	ID        int64
	RolloutID int64
	// Ordinal defines the strict advancement order, starting at 0.
	Ordinal          int
	Name             string
	TargetPercentage uint
	TotalTargets     int64
	SuccessCondition Condition
	ErrorCondition   Condition
	ErrorAction      ErrorAction
	Status           RolloutGroupStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
