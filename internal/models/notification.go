package models

import "time"

// Severity drives the color of a rendered notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// NotificationField is a single name/value row.
type NotificationField struct {
	Name   string
	Value  string
	Inline bool
}

// Notification is the sink-agnostic payload of a status message.
type Notification struct {
	Title       string
	Description string
	Severity    Severity
	Fields      []NotificationField
	Timestamp   time.Time
}
