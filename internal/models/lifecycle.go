package models

import "time"

// EventType names a session lifecycle notification.
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventStateChanged    EventType = "state_changed"
	EventSessionTerminal EventType = "session_terminal"
)

// LifecycleEvent is delivered to observers when a session changes.
type LifecycleEvent struct {
	Type    EventType       `json:"type"`
	From    State           `json:"from,omitempty"`
	To      State           `json:"to,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	At      time.Time       `json:"at"`
	Session SessionSnapshot `json:"session"`
}
