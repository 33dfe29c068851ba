package workflow

import "election-workflow/event"

// Event types published on the bus for observers of workflow progress.
const (
	TypeVoterState  event.Type = "voter.state"
	TypeAdminState  event.Type = "admin.state"
	TypeAdminAction event.Type = "admin.action"
	TypeSessionGone event.Type = "session.reset"
)

// StateChange is the payload for state transition events.
type StateChange struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// AdminActionEvent is the payload for completed admin actions.
type AdminActionEvent struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	Result    string `json:"result"`
}
