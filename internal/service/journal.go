package service

import (
	"context"
	"sync/atomic"
	"time"

	"ups_failsafe/internal/logger"
	"ups_failsafe/internal/models"
	"ups_failsafe/internal/repository"
)

const (
	defaultJournalBuffer = 256
	journalWriteTimeout  = 5 * time.Second
)

// JournalService persists supervisor events from a single writer goroutine.
// Record never blocks; events are dropped when the buffer is full.
type JournalService struct {
	repo    repository.EventRepo
	log     *logger.Logger
	ch      chan models.PowerEvent
	done    chan struct{}
	dropped atomic.Int64
}

func NewJournalService(repo repository.EventRepo, log *logger.Logger, buffer int) *JournalService {
	if buffer <= 0 {
		buffer = defaultJournalBuffer
	}
	if log == nil {
		log = logger.Nop()
	}
	return &JournalService{
		repo: repo,
		log:  log,
		ch:   make(chan models.PowerEvent, buffer),
		done: make(chan struct{}),
	}
}

// Record queues e for writing.
func (j *JournalService) Record(e models.PowerEvent) {
	select {
	case j.ch <- e:
	default:
		n := j.dropped.Add(1)
		j.log.Warnw("journal_event_dropped", "type", e.Type, "dropped_total", n)
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (j *JournalService) Dropped() int64 { return j.dropped.Load() }

// Done is closed once Run has returned and the buffer has been flushed.
func (j *JournalService) Done() <-chan struct{} { return j.done }

// Run writes queued events until ctx is canceled, then flushes what is left.
func (j *JournalService) Run(ctx context.Context) {
	defer close(j.done)
	for {
		select {
		case <-ctx.Done():
			j.flush()
			return
		case e := <-j.ch:
			j.write(e)
		}
	}
}

func (j *JournalService) flush() {
	for {
		select {
		case e := <-j.ch:
			j.write(e)
		default:
			return
		}
	}
}

func (j *JournalService) write(e models.PowerEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := j.repo.Append(ctx, e); err != nil {
		j.log.Errorw("journal_append_failed", "type", e.Type, "event_id", e.EventID, "err", err)
	}
}
