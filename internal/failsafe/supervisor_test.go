package failsafe

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"ups_failsafe/internal/logger"
	"ups_failsafe/internal/models"
)

type supervisorFixture struct {
	src     *scriptedSource
	sink    *fakeSink
	notes   *NotificationCoalescer
	sh      *fakeShutdowner
	journal *fakeJournal
	sup     *Supervisor
}

func newFixture(t *testing.T, src *scriptedSource, grace time.Duration) *supervisorFixture {
	t.Helper()
	f := &supervisorFixture{
		src:     src,
		sink:    &fakeSink{},
		sh:      newFakeShutdowner(),
		journal: &fakeJournal{},
	}
	f.notes = NewCoalescer(f.sink, logger.Nop())
	sup, err := NewSupervisor(Config{GracePeriod: grace, Hosts: testHosts()}, src, f.notes, f.sh, f.journal, logger.Nop())
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	f.sup = sup
	t.Cleanup(func() { sup.timer.Cancel() })
	return f
}

func (f *supervisorFixture) tick(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := f.sup.RunOnce(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
}

func TestNewSupervisor_RequiresGracePeriod(t *testing.T) {
	_, err := NewSupervisor(Config{}, statuses(models.StatusNormal), NewCoalescer(nil, nil), newFakeShutdowner(), nil, nil)
	if !errors.Is(err, ErrNoGracePeriod) {
		t.Fatalf("got %v, want ErrNoGracePeriod", err)
	}
}

// Mains drops and returns before the grace period: one arm, one cancel,
// one status message edited in place and then forgotten.
func TestSupervisor_RecoveryCancelsShutdown(t *testing.T) {
	f := newFixture(t, statuses(models.StatusNormal, models.StatusNormal, models.StatusBattery, models.StatusNormal), 30*time.Second)

	f.tick(t, 2)
	if f.sup.Phase() != models.PhaseIdle {
		t.Fatalf("phase = %s, want idle", f.sup.Phase())
	}

	f.tick(t, 1)
	st := f.sup.Status()
	if st.Phase != models.PhaseArmed || !st.Armed || st.FireAt == nil {
		t.Fatalf("after battery: %+v", st)
	}
	if d := time.Until(*st.FireAt); d < 29*time.Second || d > 31*time.Second {
		t.Fatalf("fire_at is %v away, want ~30s", d)
	}

	f.tick(t, 1)
	st = f.sup.Status()
	if st.Phase != models.PhaseIdle || st.Armed || st.LastStatus != "Normal" {
		t.Fatalf("after recovery: %+v", st)
	}

	f.notes.Wait()
	if f.sh.count() != 0 {
		t.Fatalf("shutdown must not run")
	}
	if f.journal.count(models.EventArmed) != 1 || f.journal.count(models.EventCancelled) != 1 {
		t.Fatalf("journal = %v", f.journal.types())
	}
	calls := f.sink.snapshot()
	if len(calls) != 2 || calls[0].op != "send" || calls[1].op != "edit" || calls[1].id != calls[0].id {
		t.Fatalf("sink calls = %+v", calls)
	}
	if calls[0].title != "Power failure" || calls[1].title != "Power restored" {
		t.Fatalf("titles = %q, %q", calls[0].title, calls[1].title)
	}
	if _, ok := f.notes.Handle(DefaultStatusChannel); ok {
		t.Fatalf("handle must be reset after recovery")
	}
}

// Mains never returns: the shutdown fires exactly once with every host in order.
func TestSupervisor_GraceElapsedFiresShutdown(t *testing.T) {
	f := newFixture(t, statuses(models.StatusNormal, models.StatusBattery, models.StatusNormal), 50*time.Millisecond)

	f.tick(t, 2)
	select {
	case <-f.sh.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("shutdown did not fire")
	}
	time.Sleep(100 * time.Millisecond)

	if f.sh.count() != 1 {
		t.Fatalf("shutdown ran %d times, want 1", f.sh.count())
	}
	var names []string
	for _, h := range f.sh.calls[0] {
		names = append(names, h.Name)
	}
	if got := strings.Join(names, ","); got != "alpha,bravo,charlie" {
		t.Fatalf("hosts = %s", got)
	}
	if f.sup.Phase() != models.PhaseShutdown {
		t.Fatalf("phase = %s, want shutdown", f.sup.Phase())
	}
	if f.journal.count(models.EventFired) != 1 {
		t.Fatalf("journal = %v", f.journal.types())
	}

	// mains comes back after the fact
	f.tick(t, 1)
	f.notes.Wait()
	if f.sup.Phase() != models.PhaseIdle {
		t.Fatalf("phase = %s, want idle", f.sup.Phase())
	}
	if f.journal.count(models.EventRestored) != 1 || f.journal.count(models.EventCancelled) != 0 {
		t.Fatalf("journal = %v", f.journal.types())
	}
	if _, ok := f.notes.Handle(DefaultStatusChannel); ok {
		t.Fatalf("handle must be reset after restore")
	}

	calls := f.sink.snapshot()
	var titles []string
	for _, c := range calls {
		titles = append(titles, c.op+":"+c.title)
	}
	want := "send:Power failure,edit:Emergency shutdown,send:Shutting down,edit:Power restored"
	if got := strings.Join(titles, ","); got != want {
		t.Fatalf("sink calls = %s\nwant %s", got, want)
	}
}

func TestSupervisor_PollErrorLeavesStateUnchanged(t *testing.T) {
	boom := errors.New("timeout")
	src := statuses(models.StatusNormal, models.StatusBattery, models.StatusBattery, models.StatusBattery)
	src.errs = []error{nil, boom, boom, nil}
	f := newFixture(t, src, time.Hour)

	f.tick(t, 1)
	for i := 0; i < 2; i++ {
		if _, err := f.sup.RunOnce(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("poll %d: got %v, want %v", i, err, boom)
		}
	}
	st := f.sup.Status()
	if st.Phase != models.PhaseIdle || st.LastStatus != "Normal" || st.LastPollError == "" {
		t.Fatalf("after errors: %+v", st)
	}
	if f.journal.count(models.EventPollError) != 1 {
		t.Fatalf("poll errors should be journaled once per streak: %v", f.journal.types())
	}

	ev, err := f.sup.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !ev.Is(models.StatusNormal, models.StatusBattery) {
		t.Fatalf("got %v, want Normal->Battery", ev)
	}
	if st := f.sup.Status(); st.Phase != models.PhaseArmed || st.LastPollError != "" {
		t.Fatalf("after recovery poll: %+v", st)
	}
}

func TestSupervisor_NoDoubleArm(t *testing.T) {
	// Bypass->Normal is not a recovery, so the second Normal->Battery
	// arrives while the first cycle is still pending.
	f := newFixture(t, statuses(
		models.StatusNormal, models.StatusBattery, models.StatusBypass,
		models.StatusNormal, models.StatusBattery,
	), time.Hour)

	f.tick(t, 2)
	first := *f.sup.Status().FireAt
	f.tick(t, 3)

	st := f.sup.Status()
	if st.Phase != models.PhaseArmed || st.FireAt == nil || !st.FireAt.Equal(first) {
		t.Fatalf("pending deadline changed: %+v (was %v)", st, first)
	}
	if f.journal.count(models.EventArmed) != 1 {
		t.Fatalf("armed %d times: %v", f.journal.count(models.EventArmed), f.journal.types())
	}
	if f.journal.count(models.EventTransition) != 4 {
		t.Fatalf("transitions = %v", f.journal.types())
	}
}

func TestSupervisor_ArmCancelPairing(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for run := 0; run < 50; run++ {
		seq := make([]models.PowerStatus, 30)
		losses, recoveries := 0, 0
		sawNormal := false
		for i := range seq {
			seq[i] = models.StatusNormal
			if rng.Intn(2) == 1 {
				seq[i] = models.StatusBattery
			}
			if seq[i] == models.StatusNormal {
				sawNormal = true
			}
			if i > 0 && seq[i-1] == models.StatusNormal && seq[i] == models.StatusBattery {
				losses++
			}
			if i > 0 && seq[i-1] == models.StatusBattery && seq[i] == models.StatusNormal {
				recoveries++
			}
		}
		f := newFixture(t, statuses(seq...), time.Hour)
		f.tick(t, len(seq))

		if got := f.journal.count(models.EventArmed); got != losses {
			t.Fatalf("run %d: armed %d, want %d", run, got, losses)
		}
		if got := f.journal.count(models.EventCancelled); got != recoveries {
			t.Fatalf("run %d: cancelled %d, want %d", run, got, recoveries)
		}
		wantArmed := seq[len(seq)-1] == models.StatusBattery && sawNormal
		if f.sup.Status().Armed != wantArmed {
			t.Fatalf("run %d: armed=%v, want %v (seq %v)", run, f.sup.Status().Armed, wantArmed, seq)
		}
		f.sup.timer.Cancel()
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	phases []string
	seqs   []uint64
}

func (r *recordingObserver) PublishStatus(st models.SupervisorStatus) {
	r.mu.Lock()
	r.phases = append(r.phases, st.Phase)
	r.seqs = append(r.seqs, st.Seq)
	r.mu.Unlock()
}

func TestSupervisor_RunStopsAndDropsPendingTimer(t *testing.T) {
	src := statuses(models.StatusNormal, models.StatusBattery)
	sup, err := NewSupervisor(Config{GracePeriod: time.Hour, PollInterval: 5 * time.Millisecond, Hosts: testHosts()},
		src, NewCoalescer(nil, nil), newFakeShutdowner(), nil, logger.Nop())
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	obs := &recordingObserver{}
	sup.AddObserver(obs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool { return sup.Phase() == models.PhaseArmed })
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return")
	}
	if sup.timer.IsArmed() {
		t.Fatalf("pending timer must be cancelled on stop")
	}
	if st := sup.Status(); st.Phase != models.PhaseIdle || st.Armed || st.FireAt != nil {
		t.Fatalf("status after stop: %+v", st)
	}

	waited := make(chan struct{})
	go func() {
		sup.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatalf("Wait blocked on a dropped cycle")
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if got := strings.Join(obs.phases, ","); got != "idle,armed,idle" {
		t.Fatalf("observed phases = %s", got)
	}
	for i := 1; i < len(obs.seqs); i++ {
		if obs.seqs[i] <= obs.seqs[i-1] {
			t.Fatalf("snapshot seqs not increasing: %v", obs.seqs)
		}
	}
}

type gatedShutdowner struct {
	started  chan struct{}
	release  chan struct{}
	finished chan struct{}
}

func newGatedShutdowner() *gatedShutdowner {
	return &gatedShutdowner{
		started:  make(chan struct{}),
		release:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (g *gatedShutdowner) ExecuteEmergencyShutdown(ctx context.Context, hosts []models.Host) ShutdownReport {
	close(g.started)
	<-g.release
	close(g.finished)
	return ShutdownReport{Attempted: len(hosts), Succeeded: len(hosts)}
}

// Stopping the loop while hosts are being powered off must not cut the fan-out short.
func TestSupervisor_WaitOutlivesRunDuringShutdown(t *testing.T) {
	sh := newGatedShutdowner()
	sup, err := NewSupervisor(Config{GracePeriod: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond, Hosts: testHosts()},
		statuses(models.StatusNormal, models.StatusBattery), NewCoalescer(nil, nil), sh, nil, logger.Nop())
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	select {
	case <-sh.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("shutdown did not start")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return")
	}

	waited := make(chan struct{})
	go func() {
		sup.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatalf("Wait returned while the fan-out was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(sh.release)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after the fan-out finished")
	}
	select {
	case <-sh.finished:
	default:
		t.Fatalf("fan-out did not complete")
	}
	if sup.Phase() != models.PhaseShutdown {
		t.Fatalf("phase = %s, want shutdown", sup.Phase())
	}
}

// Mains returns after the timer has committed but before the fire callback
// gets the lock: the shutdown proceeds and nothing is cancelled.
func TestSupervisor_RecoveryAfterTimerCommitted(t *testing.T) {
	f := newFixture(t, statuses(models.StatusNormal), 20*time.Millisecond)
	f.tick(t, 1)

	// arm and recover under one hold of mu so the fire callback is parked on it
	f.sup.mu.Lock()
	f.sup.powerLost(context.Background(), models.PowerSample{Status: models.StatusBattery, BatteryPercent: 90})
	waitFor(t, time.Second, func() bool { return !f.sup.timer.IsArmed() })
	f.sup.powerRestored(context.Background(), models.PowerSample{Status: models.StatusNormal, BatteryPercent: 90})
	phase := f.sup.machine.Current()
	f.sup.mu.Unlock()

	if phase != models.PhaseArmed {
		t.Fatalf("phase after lost cancel = %s, want armed", phase)
	}
	select {
	case <-f.sh.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("shutdown did not fire")
	}
	f.sup.Wait()
	f.notes.Wait()

	if f.sh.count() != 1 {
		t.Fatalf("shutdown ran %d times, want 1", f.sh.count())
	}
	if f.sup.Phase() != models.PhaseShutdown {
		t.Fatalf("phase = %s, want shutdown", f.sup.Phase())
	}
	if f.journal.count(models.EventCancelled) != 0 || f.journal.count(models.EventFired) != 1 {
		t.Fatalf("journal = %v", f.journal.types())
	}
	if _, ok := f.notes.Handle(DefaultStatusChannel); !ok {
		t.Fatalf("handle must survive a lost cancel")
	}
	for _, c := range f.sink.snapshot() {
		if c.title == "Power restored" {
			t.Fatalf("recovery notice sent after the timer committed: %+v", f.sink.snapshot())
		}
	}
}

// A fired cycle that ends through Bypass never resets its message, so the
// next power loss must start a new one.
func TestSupervisor_ArmAfterShutdownStartsNewMessage(t *testing.T) {
	f := newFixture(t, statuses(
		models.StatusNormal, models.StatusBattery,
		models.StatusBypass, models.StatusNormal, models.StatusBattery,
	), 20*time.Millisecond)

	f.tick(t, 2)
	select {
	case <-f.sh.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("shutdown did not fire")
	}
	f.sup.mu.Lock()
	f.sup.cfg.GracePeriod = time.Hour
	f.sup.mu.Unlock()

	f.tick(t, 3)
	if f.sup.Phase() != models.PhaseArmed {
		t.Fatalf("phase = %s, want armed", f.sup.Phase())
	}
	f.notes.Wait()

	calls := f.sink.snapshot()
	if len(calls) != 4 {
		t.Fatalf("sink calls = %+v", calls)
	}
	var got []string
	for _, c := range calls {
		got = append(got, c.op+":"+c.id+":"+c.title)
	}
	want := "send:msg-1:Power failure,edit:msg-1:Emergency shutdown,send:msg-2:Shutting down,send:msg-3:Power failure"
	if strings.Join(got, ",") != want {
		t.Fatalf("sink calls = %s\nwant %s", strings.Join(got, ","), want)
	}
}
