package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"ups_failsafe/internal/models"
)

func TestJournalService_WritesInOrderAndFlushesOnStop(t *testing.T) {
	repo := &fakeEventRepo{}
	j := NewJournalService(repo, nil, 16)

	ctx, cancel := context.WithCancel(context.Background())
	go j.Run(ctx)

	for _, typ := range []string{models.EventTransition, models.EventArmed, models.EventCancelled} {
		j.Record(models.PowerEvent{EventID: typ, Type: typ})
	}
	cancel()

	select {
	case <-j.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("journal did not stop")
	}

	if repo.appendedCount() != 3 {
		t.Fatalf("appended %d events, want 3", repo.appendedCount())
	}
	if repo.appended[0].Type != models.EventTransition || repo.appended[2].Type != models.EventCancelled {
		t.Fatalf("events out of order: %+v", repo.appended)
	}
}

func TestJournalService_DropsWhenFull(t *testing.T) {
	j := NewJournalService(&fakeEventRepo{}, nil, 1)

	j.Record(models.PowerEvent{Type: models.EventArmed})
	j.Record(models.PowerEvent{Type: models.EventFired})

	if j.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", j.Dropped())
	}
}

func TestJournalService_AppendErrorIsSwallowed(t *testing.T) {
	repo := &fakeEventRepo{appendErr: errors.New("disk full")}
	j := NewJournalService(repo, nil, 4)

	ctx, cancel := context.WithCancel(context.Background())
	j.Record(models.PowerEvent{Type: models.EventPollError})
	cancel()
	j.Run(ctx)

	if repo.appendedCount() != 0 {
		t.Fatalf("nothing should be stored")
	}
}
