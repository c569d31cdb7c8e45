package failsafe

import (
	"context"
	"errors"

	"ups_failsafe/internal/models"
)

// ErrTransport wraps failures of the sample source and the notification sink.
var ErrTransport = errors.New("transport error")

// SampleSource produces the current power reading. Implemented by internal/snmp.
type SampleSource interface {
	Sample(ctx context.Context) (models.PowerSample, error)
}

// Sink delivers notifications. Send returns the id of the created message.
type Sink interface {
	Send(ctx context.Context, n models.Notification) (string, error)
	Edit(ctx context.Context, messageID string, n models.Notification) error
}

// Notifier is the coalescing front of a Sink.
type Notifier interface {
	Publish(channel string, content models.Notification)
	PublishOneShot(channel string, content models.Notification)
	ResetChannel(channel string)
}

// Executor opens remote sessions on hosts. Implemented by internal/remote.
type Executor interface {
	Connect(ctx context.Context, host models.Host) (Session, error)
}

// Session runs commands on a connected host.
type Session interface {
	Exec(ctx context.Context, command string) ([]byte, error)
	Close() error
}

// Shutdowner powers off a host list.
type Shutdowner interface {
	ExecuteEmergencyShutdown(ctx context.Context, hosts []models.Host) ShutdownReport
}

// Journal records events without blocking the caller.
type Journal interface {
	Record(e models.PowerEvent)
}

// StatusObserver receives a snapshot whenever the supervisor phase or power status changes.
type StatusObserver interface {
	PublishStatus(st models.SupervisorStatus)
}

type nopJournal struct{}

func (nopJournal) Record(models.PowerEvent) {}
