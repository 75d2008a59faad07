package events

import "time"

type Type string

const (
	TypeRolloutCreated       Type = "rollout.created"
	TypeRolloutStatusChanged Type = "rollout.status_changed"
	TypeGroupCreated         Type = "rollout_group.created"
	TypeGroupStatusChanged   Type = "rollout_group.status_changed"
)

// Event is the wire form of a domain event, delivered at-least-once to
// observers outside the engine.
type Event struct {
	Type       Type      `json:"type"`
	Tenant     string    `json:"tenant"`
	RolloutID  int64     `json:"rollout_id"`
	GroupID    int64     `json:"group_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	OccurredAt time.Time `json:"ts"`
}
