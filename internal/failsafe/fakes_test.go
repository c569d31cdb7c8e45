package failsafe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ups_failsafe/internal/models"
)

// ---- sample source ----

type scriptedSource struct {
	mu      sync.Mutex
	samples []models.PowerSample
	errs    []error
	i       int
}

func statuses(ss ...models.PowerStatus) *scriptedSource {
	src := &scriptedSource{}
	for _, s := range ss {
		src.samples = append(src.samples, models.PowerSample{Status: s, BatteryPercent: 90})
	}
	return src
}

func (f *scriptedSource) Sample(ctx context.Context) (models.PowerSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.samples) == 0 {
		return models.PowerSample{}, errors.New("no samples")
	}
	i := f.i
	if i >= len(f.samples) {
		i = len(f.samples) - 1
	}
	f.i++
	if i < len(f.errs) && f.errs[i] != nil {
		return models.PowerSample{}, f.errs[i]
	}
	return f.samples[i], nil
}

// ---- notification sink ----

type sinkCall struct {
	op    string // send | edit
	id    string
	title string
}

type fakeSink struct {
	mu        sync.Mutex
	calls     []sinkCall
	next      int
	failSends int
	sendDelay time.Duration
}

func (f *fakeSink) Send(ctx context.Context, n models.Notification) (string, error) {
	if f.sendDelay > 0 {
		time.Sleep(f.sendDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		return "", fmt.Errorf("webhook down: %w", ErrTransport)
	}
	f.next++
	id := fmt.Sprintf("msg-%d", f.next)
	f.calls = append(f.calls, sinkCall{op: "send", id: id, title: n.Title})
	return id, nil
}

func (f *fakeSink) Edit(ctx context.Context, id string, n models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sinkCall{op: "edit", id: id, title: n.Title})
	return nil
}

func (f *fakeSink) snapshot() []sinkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sinkCall(nil), f.calls...)
}

func countOps(calls []sinkCall, op string) int {
	n := 0
	for _, c := range calls {
		if c.op == op {
			n++
		}
	}
	return n
}

// ---- recording notifier ----

type noteCall struct {
	kind    string // publish | oneshot | reset
	channel string
	title   string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []noteCall
}

func (r *recordingNotifier) Publish(channel string, n models.Notification) {
	r.add(noteCall{kind: "publish", channel: channel, title: n.Title})
}

func (r *recordingNotifier) PublishOneShot(channel string, n models.Notification) {
	r.add(noteCall{kind: "oneshot", channel: channel, title: n.Title})
}

func (r *recordingNotifier) ResetChannel(channel string) {
	r.add(noteCall{kind: "reset", channel: channel})
}

func (r *recordingNotifier) add(c noteCall) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *recordingNotifier) snapshot() []noteCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]noteCall(nil), r.calls...)
}

// ---- remote execution ----

type fakeExecutor struct {
	mu         sync.Mutex
	connected  []string
	executed   []string
	connectErr map[string]error
	execErr    map[string]error
	output     []byte
}

func (f *fakeExecutor) Connect(ctx context.Context, h models.Host) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, h.Name)
	if err := f.connectErr[h.Name]; err != nil {
		return nil, err
	}
	return &fakeSession{exec: f, host: h.Name}, nil
}

type fakeSession struct {
	exec   *fakeExecutor
	host   string
	closed bool
}

func (s *fakeSession) Exec(ctx context.Context, command string) ([]byte, error) {
	s.exec.mu.Lock()
	defer s.exec.mu.Unlock()
	s.exec.executed = append(s.exec.executed, s.host+": "+command)
	return s.exec.output, s.exec.execErr[s.host]
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// ---- shutdowner ----

type fakeShutdowner struct {
	mu    sync.Mutex
	calls [][]models.Host
	done  chan struct{}
}

func newFakeShutdowner() *fakeShutdowner {
	return &fakeShutdowner{done: make(chan struct{}, 8)}
}

func (f *fakeShutdowner) ExecuteEmergencyShutdown(ctx context.Context, hosts []models.Host) ShutdownReport {
	f.mu.Lock()
	f.calls = append(f.calls, hosts)
	f.mu.Unlock()
	f.done <- struct{}{}
	return ShutdownReport{Attempted: len(hosts), Succeeded: len(hosts)}
}

func (f *fakeShutdowner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// ---- journal ----

type fakeJournal struct {
	mu     sync.Mutex
	events []models.PowerEvent
}

func (f *fakeJournal) Record(e models.PowerEvent) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

func (f *fakeJournal) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func (f *fakeJournal) count(typ string) int {
	n := 0
	for _, t := range f.types() {
		if t == typ {
			n++
		}
	}
	return n
}

// ---- helpers ----

func testHosts() []models.Host {
	return []models.Host{
		{Name: "alpha", IPAddress: "10.0.0.11", Username: "root", Password: "pw"},
		{Name: "bravo", IPAddress: "10.0.0.12", Username: "root", PrivateKey: "KEY"},
		{Name: "charlie", IPAddress: "10.0.0.13", Username: "root", Password: "pw"},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
