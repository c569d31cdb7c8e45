package failsafe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/remeh/sizedwaitgroup"

	"ups_failsafe/internal/logger"
	"ups_failsafe/internal/metrics"
	"ups_failsafe/internal/models"
)

// DefaultShutdownCommand stops services and powers the host off.
const DefaultShutdownCommand = "/sbin/shutdown.sh && /sbin/poweroff"

const defaultCommandTimeout = 30 * time.Second

// OrchestratorConfig tunes the fan-out.
type OrchestratorConfig struct {
	Command        string
	Concurrency    int // 1 runs hosts strictly in list order
	CommandTimeout time.Duration
	Channel        string
}

// HostResult is the outcome of one host attempt.
type HostResult struct {
	Host    string `json:"host"`
	Address string `json:"address"`
	OK      bool   `json:"ok"`
	Stage   string `json:"stage,omitempty"` // connect | exec
	Error   string `json:"error,omitempty"`
}

// ShutdownReport summarizes a fan-out. Failed hosts do not fail the report.
type ShutdownReport struct {
	Attempted  int          `json:"attempted"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	Results    []HostResult `json:"results"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// ShutdownOrchestrator issues the shutdown command to every host independently.
type ShutdownOrchestrator struct {
	exec    Executor
	notes   Notifier
	journal Journal
	cfg     OrchestratorConfig
	log     *logger.Logger
}

// NewShutdownOrchestrator fills config defaults. notes and journal may be nil.
func NewShutdownOrchestrator(exec Executor, notes Notifier, journal Journal, cfg OrchestratorConfig, log *logger.Logger) *ShutdownOrchestrator {
	if cfg.Command == "" {
		cfg.Command = DefaultShutdownCommand
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if journal == nil {
		journal = nopJournal{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ShutdownOrchestrator{exec: exec, notes: notes, journal: journal, cfg: cfg, log: log}
}

// ExecuteEmergencyShutdown attempts every host and waits for all attempts.
// Attempts start in list order; there is no retry and no abort.
func (o *ShutdownOrchestrator) ExecuteEmergencyShutdown(ctx context.Context, hosts []models.Host) ShutdownReport {
	report := ShutdownReport{
		Attempted: len(hosts),
		Results:   make([]HostResult, len(hosts)),
		StartedAt: time.Now().UTC(),
	}
	o.log.Warnw("emergency_shutdown_started", "hosts", len(hosts), "concurrency", o.cfg.Concurrency)

	swg := sizedwaitgroup.New(o.cfg.Concurrency)
	for i, h := range hosts {
		swg.Add()
		go func(i int, h models.Host) {
			defer swg.Done()
			report.Results[i] = o.shutdownHost(ctx, h)
		}(i, h)
	}
	swg.Wait()

	for _, r := range report.Results {
		if r.OK {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	report.FinishedAt = time.Now().UTC()
	o.log.Warnw("emergency_shutdown_attempted",
		"attempted", report.Attempted, "succeeded", report.Succeeded, "failed", report.Failed,
		"took", report.FinishedAt.Sub(report.StartedAt))
	return report
}

func (o *ShutdownOrchestrator) shutdownHost(ctx context.Context, h models.Host) HostResult {
	res := HostResult{Host: h.Name, Address: h.IPAddress}
	o.log.Infow("host_powering_off", "host", h.Name, "address", h.IPAddress, "key_auth", h.UsesKey())
	if o.notes != nil {
		o.notes.PublishOneShot(o.cfg.Channel, poweringOffNotice(h))
	}

	sess, err := o.exec.Connect(ctx, h)
	if err != nil {
		return o.failed(res, "connect", metrics.HostConnectFailed, err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			o.log.Debugw("host_session_close_failed", "host", h.Name, "err", cerr)
		}
	}()

	execCtx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	defer cancel()
	out, err := sess.Exec(execCtx, o.cfg.Command)
	o.logOutput(h, out)
	if err != nil {
		return o.failed(res, "exec", metrics.HostExecFailed, err)
	}

	res.OK = true
	metrics.ObserveHostShutdown(h.Name, metrics.HostOK)
	o.log.Warnw("host_going_down", "host", h.Name, "address", h.IPAddress)
	o.journal.Record(models.PowerEvent{
		EventID:     uuid.NewString(),
		OccurredAt:  time.Now().UTC(),
		Type:        models.EventHostShutdown,
		Description: fmt.Sprintf("Host %s (%s) going down", h.Name, h.IPAddress),
		Metadata:    map[string]any{"host": h.Name, "address": h.IPAddress},
	})
	return res
}

func (o *ShutdownOrchestrator) failed(res HostResult, stage, metric string, err error) HostResult {
	res.Stage = stage
	res.Error = err.Error()
	metrics.ObserveHostShutdown(res.Host, metric)
	o.log.Errorw("host_shutdown_failed", "host", res.Host, "address", res.Address, "stage", stage, "err", err)
	o.journal.Record(models.PowerEvent{
		EventID:     uuid.NewString(),
		OccurredAt:  time.Now().UTC(),
		Type:        models.EventHostShutdownFailed,
		Description: fmt.Sprintf("Host %s (%s) shutdown failed at %s", res.Host, res.Address, stage),
		Metadata:    map[string]any{"host": res.Host, "address": res.Address, "stage": stage, "error": res.Error},
	})
	return res
}

func (o *ShutdownOrchestrator) logOutput(h models.Host, out []byte) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			o.log.Infow("host_output", "host", h.Name, "line", line)
		}
	}
}
