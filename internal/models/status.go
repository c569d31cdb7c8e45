package models

import "time"

// Supervisor phases.
const (
	PhaseIdle     = "idle"
	PhaseArmed    = "armed"
	PhaseShutdown = "shutdown"
)

// SupervisorStatus is a point-in-time snapshot of the supervisor.
type SupervisorStatus struct {
	Seq            uint64     `json:"seq"`   // increases with every published snapshot
	Phase          string     `json:"phase"` // idle | armed | shutdown
	LastStatus     string     `json:"last_status,omitempty"`
	LastStatusCode int        `json:"last_status_code,omitempty"`
	BatteryPercent int        `json:"battery_percent"`
	Armed          bool       `json:"armed"`
	FireAt         *time.Time `json:"fire_at,omitempty"`
	LastPollAt     time.Time  `json:"last_poll_at"`
	LastPollError  string     `json:"last_poll_error,omitempty"`
	Hosts          int        `json:"hosts"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
