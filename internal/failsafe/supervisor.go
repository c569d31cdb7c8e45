// Package failsafe watches the UPS output source and powers hosts off when
// mains power does not return within the grace period.
package failsafe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"ups_failsafe/internal/logger"
	"ups_failsafe/internal/metrics"
	"ups_failsafe/internal/models"
)

const (
	DefaultPollInterval  = 160 * time.Millisecond
	DefaultPollTimeout   = 2 * time.Second
	DefaultStatusChannel = "power"
)

// Supervisor FSM events.
const (
	eventArm     = "arm"
	eventRecover = "recover"
	eventFire    = "fire"
	eventRestore = "restore"
)

var ErrNoGracePeriod = errors.New("failsafe grace period must be configured")

// Config holds the supervisor's externally supplied values.
type Config struct {
	GracePeriod   time.Duration
	PollInterval  time.Duration
	PollTimeout   time.Duration
	StatusChannel string
	Hosts         []models.Host
}

// Supervisor ties the poller, tracker, timer and notifications together.
// tracker, machine, lastSample and the poll bookkeeping are only touched
// while holding mu; the timer callback takes mu as well.
type Supervisor struct {
	cfg       Config
	source    SampleSource
	notes     Notifier
	shutdown  Shutdowner
	journal   Journal
	log       *logger.Logger
	timer     FailsafeTimer
	observers []StatusObserver

	mu          sync.Mutex
	tracker     StateTracker
	machine     *fsm.FSM
	lastSample  models.PowerSample
	lastPollAt  time.Time
	lastPollErr error
	updatedAt   time.Time
	seq         uint64

	// one count per unresolved arm cycle; a fired cycle resolves when the fan-out returns
	cycles sync.WaitGroup
}

// NewSupervisor validates cfg and fills defaults. journal may be nil.
func NewSupervisor(cfg Config, source SampleSource, notes Notifier, shutdown Shutdowner, journal Journal, log *logger.Logger) (*Supervisor, error) {
	if cfg.GracePeriod <= 0 {
		return nil, ErrNoGracePeriod
	}
	if source == nil || notes == nil || shutdown == nil {
		return nil, errors.New("supervisor requires a sample source, a notifier and a shutdowner")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.StatusChannel == "" {
		cfg.StatusChannel = DefaultStatusChannel
	}
	if journal == nil {
		journal = nopJournal{}
	}
	if log == nil {
		log = logger.Nop()
	}

	s := &Supervisor{
		cfg:        cfg,
		source:     source,
		notes:      notes,
		shutdown:   shutdown,
		journal:    journal,
		log:        log,
		lastSample: models.PowerSample{BatteryPercent: models.BatteryUnknown},
	}
	s.machine = fsm.NewFSM(
		models.PhaseIdle,
		fsm.Events{
			{Name: eventArm, Src: []string{models.PhaseIdle, models.PhaseShutdown}, Dst: models.PhaseArmed},
			{Name: eventRecover, Src: []string{models.PhaseArmed}, Dst: models.PhaseIdle},
			{Name: eventFire, Src: []string{models.PhaseArmed}, Dst: models.PhaseShutdown},
			{Name: eventRestore, Src: []string{models.PhaseShutdown}, Dst: models.PhaseIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Infow("failsafe_phase_changed", "event", e.Event, "from", e.Src, "to", e.Dst)
				metrics.SetArmed(e.Dst == models.PhaseArmed)
			},
		},
	)
	return s, nil
}

// AddObserver registers o for status snapshots. Call before Run.
func (s *Supervisor) AddObserver(o StatusObserver) {
	s.observers = append(s.observers, o)
}

// Run polls every PollInterval until ctx is done. A pending timer is
// cancelled on exit since state does not survive the process. A shutdown
// fan-out that already started keeps running; see Wait.
func (s *Supervisor) Run(ctx context.Context) {
	s.log.Infow("supervisor_started",
		"poll_interval", s.cfg.PollInterval, "grace_period", s.cfg.GracePeriod, "hosts", len(s.cfg.Hosts))

	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stop()
			return
		case <-t.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}

func (s *Supervisor) stop() {
	s.mu.Lock()
	dropped := s.timer.Cancel()
	var st models.SupervisorStatus
	if dropped {
		s.cycles.Done()
		if err := s.machine.Event(context.Background(), eventRecover); err != nil {
			s.log.Errorw("failsafe_stop_transition_failed", "err", err)
		}
		s.updatedAt = time.Now().UTC()
		s.log.Warnw("supervisor_stopped_while_armed", "msg", "pending emergency shutdown dropped")
		st = s.snapshotLocked()
	}
	s.mu.Unlock()

	if dropped {
		s.publishStatus(st)
	}
	s.log.Infow("supervisor_stopped")
}

// Wait blocks until the current arm cycle is resolved, which includes a
// running emergency shutdown. Call it after Run has returned.
func (s *Supervisor) Wait() {
	s.cycles.Wait()
}

// RunOnce fetches one sample and evaluates it. A failed poll leaves all
// state untouched.
func (s *Supervisor) RunOnce(ctx context.Context) (TransitionEvent, error) {
	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	sample, err := s.source.Sample(pollCtx)
	cancel()
	if err != nil {
		s.pollFailed(err)
		return TransitionEvent{}, err
	}
	metrics.ObservePoll(metrics.PollOK)
	metrics.ObserveSample(int(sample.Status), sample.BatteryPercent)

	s.mu.Lock()
	if s.lastPollErr != nil {
		s.log.Infow("poll_recovered", "after", s.lastPollErr)
	}
	now := time.Now().UTC()
	s.lastPollAt = now
	s.lastPollErr = nil
	s.lastSample = sample

	ev := s.tracker.Observe(sample)
	notify := false
	switch {
	case ev.Kind == TransitionInitial:
		s.log.Infow("power_state_initial", "status", sample.Status, "battery", sample.BatteryLabel())
		s.updatedAt = now
		notify = true
	case ev.Kind == TransitionUnchanged:
	case ev.Is(models.StatusNormal, models.StatusBattery):
		s.recordTransition(ev, sample)
		s.powerLost(ctx, sample)
		notify = true
	case ev.Is(models.StatusBattery, models.StatusNormal):
		s.recordTransition(ev, sample)
		s.powerRestored(ctx, sample)
		notify = true
	default:
		s.recordTransition(ev, sample)
		notify = true
	}
	var st models.SupervisorStatus
	if notify {
		st = s.snapshotLocked()
	}
	s.mu.Unlock()

	if notify {
		s.publishStatus(st)
	}
	return ev, nil
}

func (s *Supervisor) pollFailed(err error) {
	metrics.ObservePoll(metrics.PollError)
	s.mu.Lock()
	first := s.lastPollErr == nil
	s.lastPollErr = err
	s.lastPollAt = time.Now().UTC()
	s.mu.Unlock()

	if !first {
		s.log.Debugw("poll_failed", "err", err)
		return
	}
	s.log.Warnw("poll_failed", "err", err)
	s.journal.Record(models.PowerEvent{
		EventID:     uuid.NewString(),
		OccurredAt:  time.Now().UTC(),
		Type:        models.EventPollError,
		Description: "Device poll failed",
		Metadata:    map[string]any{"error": err.Error()},
	})
}

func (s *Supervisor) recordTransition(ev TransitionEvent, sample models.PowerSample) {
	s.updatedAt = time.Now().UTC()
	metrics.ObserveTransition(ev.From.String(), ev.To.String())
	s.log.Warnw("power_state_changed", "from", ev.From, "to", ev.To, "battery", sample.BatteryLabel())
	s.record(models.EventTransition, fmt.Sprintf("Power state changed %s -> %s", ev.From, ev.To), map[string]any{
		"from":    int(ev.From),
		"to":      int(ev.To),
		"battery": sample.BatteryPercent,
	})
}

// powerLost arms the failsafe. Must hold mu.
func (s *Supervisor) powerLost(ctx context.Context, sample models.PowerSample) {
	if !s.machine.Can(eventArm) {
		s.log.Errorw("failsafe_double_arm", "phase", s.machine.Current(), "err", ErrAlreadyArmed)
		return
	}
	afterShutdown := s.machine.Current() == models.PhaseShutdown
	s.cycles.Add(1)
	if err := s.timer.Arm(s.cfg.GracePeriod, s.fire); err != nil {
		s.cycles.Done()
		s.log.Errorw("failsafe_arm_failed", "err", err)
		return
	}
	if afterShutdown {
		// the fired cycle never saw Battery -> Normal, so its message is still live
		s.notes.ResetChannel(s.cfg.StatusChannel)
	}
	if err := s.machine.Event(ctx, eventArm); err != nil {
		s.log.Errorw("failsafe_arm_transition_failed", "err", err)
	}
	fireAt, _ := s.timer.FireAt()
	metrics.ObserveCycleEvent("armed")
	s.log.Warnw("failsafe_armed", "grace_period", s.cfg.GracePeriod, "fire_at", fireAt)
	s.record(models.EventArmed, "Emergency shutdown armed", map[string]any{
		"grace_seconds": s.cfg.GracePeriod.Seconds(),
		"fire_at":       fireAt.UTC(),
	})
	s.notes.Publish(s.cfg.StatusChannel, powerLostNotice(sample, s.cfg.GracePeriod, fireAt, len(s.cfg.Hosts)))
}

// powerRestored resolves the cycle by recovery. Must hold mu.
func (s *Supervisor) powerRestored(ctx context.Context, sample models.PowerSample) {
	switch s.machine.Current() {
	case models.PhaseArmed:
		if !s.timer.Cancel() {
			s.log.Warnw("failsafe_cancel_lost", "msg", "timer already fired, shutdown proceeds")
			return
		}
		s.cycles.Done()
		if err := s.machine.Event(ctx, eventRecover); err != nil {
			s.log.Errorw("failsafe_recover_transition_failed", "err", err)
		}
		metrics.ObserveCycleEvent("cancelled")
		s.log.Warnw("failsafe_cancelled", "msg", "hosts poweroff cancelled due to power recovery")
		s.record(models.EventCancelled, "Emergency shutdown cancelled, mains restored", nil)
		s.notes.Publish(s.cfg.StatusChannel, powerRecoveredNotice(sample))
		s.notes.ResetChannel(s.cfg.StatusChannel)
	case models.PhaseShutdown:
		if err := s.machine.Event(ctx, eventRestore); err != nil {
			s.log.Errorw("failsafe_restore_transition_failed", "err", err)
		}
		metrics.ObserveCycleEvent("restored")
		s.log.Infow("mains_restored_after_shutdown")
		s.record(models.EventRestored, "Mains restored after emergency shutdown", nil)
		s.notes.Publish(s.cfg.StatusChannel, restoredAfterShutdownNotice(sample))
		s.notes.ResetChannel(s.cfg.StatusChannel)
	default:
		s.log.Infow("mains_restored_while_idle")
	}
}

// fire is the timer callback; it runs on the timer goroutine.
func (s *Supervisor) fire() {
	defer s.cycles.Done()

	s.mu.Lock()
	if err := s.machine.Event(context.Background(), eventFire); err != nil {
		s.mu.Unlock()
		s.log.Errorw("failsafe_fire_transition_failed", "err", err)
		return
	}
	sample := s.lastSample
	s.updatedAt = time.Now().UTC()
	metrics.ObserveCycleEvent("fired")
	s.log.Errorw("failsafe_fired", "hosts", len(s.cfg.Hosts), "battery", sample.BatteryLabel())
	s.record(models.EventFired, "Grace period elapsed, emergency shutdown started", map[string]any{
		"hosts":   len(s.cfg.Hosts),
		"battery": sample.BatteryPercent,
	})
	s.notes.Publish(s.cfg.StatusChannel, shutdownStatusNotice(sample, len(s.cfg.Hosts)))
	s.notes.PublishOneShot(s.cfg.StatusChannel, shuttingDownNotice(len(s.cfg.Hosts)))
	st := s.snapshotLocked()
	s.mu.Unlock()

	s.publishStatus(st)
	s.shutdown.ExecuteEmergencyShutdown(context.Background(), s.cfg.Hosts)
}

func (s *Supervisor) record(typ, desc string, meta map[string]any) {
	ev := models.PowerEvent{
		EventID:     uuid.NewString(),
		OccurredAt:  time.Now().UTC(),
		Type:        typ,
		Description: desc,
	}
	if meta != nil {
		ev.Metadata = meta
	}
	s.journal.Record(ev)
}

// Status returns a snapshot for the API and observers.
func (s *Supervisor) Status() models.SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Phase returns the current FSM state.
func (s *Supervisor) Phase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// snapshotLocked numbers the snapshot so observers can drop ones that
// arrive out of order.
func (s *Supervisor) snapshotLocked() models.SupervisorStatus {
	s.seq++
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() models.SupervisorStatus {
	st := models.SupervisorStatus{
		Seq:            s.seq,
		Phase:          s.machine.Current(),
		BatteryPercent: s.lastSample.BatteryPercent,
		LastPollAt:     s.lastPollAt,
		Hosts:          len(s.cfg.Hosts),
		UpdatedAt:      s.updatedAt,
	}
	if last, ok := s.tracker.Last(); ok {
		st.LastStatus = last.String()
		st.LastStatusCode = int(last)
	}
	if fireAt, armed := s.timer.FireAt(); armed {
		st.Armed = true
		t := fireAt.UTC()
		st.FireAt = &t
	}
	if s.lastPollErr != nil {
		st.LastPollError = s.lastPollErr.Error()
	}
	return st
}

func (s *Supervisor) publishStatus(st models.SupervisorStatus) {
	for _, o := range s.observers {
		o.PublishStatus(st)
	}
}
