package notify

import (
	"context"

	"github.com/google/uuid"

	"ups_failsafe/internal/failsafe"
	"ups_failsafe/internal/logger"
	"ups_failsafe/internal/models"
)

// LogSink writes notifications to the log. Used when no webhook is configured.
type LogSink struct {
	log *logger.Logger
}

var _ failsafe.Sink = (*LogSink)(nil)

func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.Nop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Send(_ context.Context, n models.Notification) (string, error) {
	id := uuid.NewString()
	s.log.Infow("notification", "message_id", id, "severity", n.Severity, "title", n.Title, "text", n.Description)
	return id, nil
}

func (s *LogSink) Edit(_ context.Context, messageID string, n models.Notification) error {
	s.log.Infow("notification_updated", "message_id", messageID, "severity", n.Severity, "title", n.Title, "text", n.Description)
	return nil
}
