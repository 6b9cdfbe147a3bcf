package models

// SessionQuery looks a session up by fingerprint or id; id wins when both are set.
type SessionQuery struct {
	Fingerprint Fingerprint `json:"fingerprint,omitempty"`
	SessionID   string      `json:"session_id,omitempty"`
}

// StatsQuery carries the wire form of a StatsFilter; times are RFC3339.
type StatsQuery struct {
	Source   string   `json:"source,omitempty"`
	Category Category `json:"category,omitempty"`
	Target   string   `json:"target,omitempty"`
	Since    string   `json:"since,omitempty"`
	Until    string   `json:"until,omitempty"`
}

// ApprovalDecision approves or denies a parked session.
type ApprovalDecision struct {
	SessionID string `json:"session_id"`
	Approver  string `json:"approver"`
	Reason    string `json:"reason,omitempty"`
}

// CancelRequest asks for cooperative cancellation of a session.
type CancelRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// HandleFailureResponse acknowledges an ingested failure event.
type HandleFailureResponse struct {
	SessionID   string      `json:"session_id"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Joined      bool        `json:"joined"`
	State       State       `json:"state"`
}

// SessionAck reports the state of a session after a command.
type SessionAck struct {
	SessionID string `json:"session_id"`
	State     State  `json:"state,omitempty"`
}
