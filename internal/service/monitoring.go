package service

import (
	"context"
	"errors"
	"time"

	"ups_failsafe/internal/models"
)

var ErrNoSupervisor = errors.New("supervisor not running")

type MonitoringService struct {
	source StatusSource
}

func NewMonitoringService(source StatusSource) *MonitoringService {
	return &MonitoringService{source: source}
}

// GetStatus returns the supervisor's current snapshot with times in UTC.
func (s *MonitoringService) GetStatus(ctx context.Context) (models.SupervisorStatus, error) {
	if s.source == nil {
		return models.SupervisorStatus{}, ErrNoSupervisor
	}
	if err := ctx.Err(); err != nil {
		return models.SupervisorStatus{}, err
	}
	st := s.source.Status()
	st.LastPollAt = toUTC(st.LastPollAt)
	st.UpdatedAt = toUTC(st.UpdatedAt)
	return st, nil
}

// toUTC normalizes non-zero time to UTC, preserving zero values.
func toUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
