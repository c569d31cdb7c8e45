package service

import (
	"context"

	"ups_failsafe/internal/models"
	"ups_failsafe/internal/repository"
)

type Authorization interface {
	EnsureOperator(username, passwordHash string) error
	GenerateToken(username, password string) (string, error)
	ParseToken(accessToken string) (int, error)
}

// Monitoring exposes the live supervisor snapshot.
type Monitoring interface {
	GetStatus(ctx context.Context) (models.SupervisorStatus, error)
}

// EventLog exposes the append-only journal with filtering access.
type EventLog interface {
	List(ctx context.Context, f LogFilter) ([]models.PowerEvent, error)
}

// StatusSource is satisfied by *failsafe.Supervisor.
type StatusSource interface {
	Status() models.SupervisorStatus
}

type Service struct {
	Monitoring
	EventLog
	Authorization
}

// NewService wires the repository layer and the running supervisor into the
// services the HTTP layer consumes.
func NewService(repos *repository.Repository, status StatusSource, jwtSecret string) *Service {
	return &Service{
		Monitoring:    NewMonitoringService(status),
		EventLog:      NewEventLogService(repos.EventRepo),
		Authorization: NewAuthService(repos.Operators, jwtSecret),
	}
}
