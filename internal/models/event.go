package models

import "time"

// Event types written to the journal.
const (
	EventTransition         = "TRANSITION"
	EventArmed              = "ARMED"
	EventCancelled          = "CANCELLED"
	EventFired              = "FIRED"
	EventRestored           = "RESTORED"
	EventHostShutdown       = "HOST_SHUTDOWN"
	EventHostShutdownFailed = "HOST_SHUTDOWN_FAILED"
	EventPollError          = "POLL_ERROR"
)

// PowerEvent is a single journal entry.
type PowerEvent struct {
	EventID     string    `json:"event_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Type        string    `json:"type"`        // TRANSITION | ARMED | CANCELLED | FIRED | ...
	Description string    `json:"description"` // human-readable
	Metadata    any       `json:"metadata,omitempty"`
}
