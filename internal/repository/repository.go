package repository

import (
	"context"
	"database/sql"
	"time"

	"ups_failsafe/internal/models"
)

type Operators interface {
	Upsert(username, hash string) error
	GetByUsername(username string) (*models.Operator, error)
}

type EventRepo interface {
	Append(ctx context.Context, e models.PowerEvent) error
	List(ctx context.Context, from, to time.Time, typ string, limit int) ([]models.PowerEvent, error)
}

type Repository struct {
	EventRepo EventRepo
	Operators Operators
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		EventRepo: NewEventSQLite(db),
		Operators: NewOperatorRepository(db),
	}
}
