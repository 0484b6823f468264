// Package daemon contains the filesentry orchestrator. It wires together one
// file monitor per configured target, the local change journal, and the
// in-process notification hub, managing their lifecycle through a shared
// context.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filesentry/agent/internal/config"
	"github.com/filesentry/agent/internal/monitor"
)

// ChangeEvent describes one confirmed, debounced file change.
type ChangeEvent struct {
	// EventID is a UUIDv4 assigned when the change is confirmed. It is the
	// idempotency key for journal handoff and archive replay.
	EventID string `json:"event_id"`
	// Target is the configured name of the watched file.
	Target string `json:"target"`
	// Path is the watched file path.
	Path string `json:"path"`
	// ModTime is the modification timestamp accepted as settled.
	ModTime time.Time `json:"mod_time"`
	// DetectedAt is when the monitor confirmed the change.
	DetectedAt time.Time `json:"detected_at"`
}

// Journal is the interface for the local SQLite-backed change journal.
type Journal interface {
	// Record persists a confirmed change event.
	Record(ctx context.Context, evt ChangeEvent) error
	// Depth returns the number of events not yet archived.
	Depth() int
	// Close releases resources held by the journal.
	Close() error
}

// Hub is the interface for the in-process change notification fan-out.
type Hub interface {
	// Publish delivers evt to all current subscribers without blocking.
	Publish(evt ChangeEvent)
}

// TargetStatus is a point-in-time snapshot of one monitored target.
type TargetStatus struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	State      string    `json:"state"`
	StableTime time.Time `json:"stable_time,omitempty"`
}

// Daemon is the central orchestrator of filesentry. It owns one
// monitor.Monitor per configured target; each monitor still watches exactly
// one file, the daemon merely composes independent instances.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	journal  Journal
	hub      Hub
	monitors map[string]*monitor.Monitor

	events chan ChangeEvent

	startTime time.Time
	cancel    context.CancelFunc

	mu           sync.RWMutex
	lastChangeAt time.Time
	running      bool
	wg           sync.WaitGroup
}

// Option is a functional option for Daemon construction.
type Option func(*Daemon)

// WithJournal registers the local change journal. Without one, confirmed
// changes are only logged and published.
func WithJournal(j Journal) Option {
	return func(d *Daemon) { d.journal = j }
}

// WithHub registers the in-process notification hub.
func WithHub(h Hub) Option {
	return func(d *Daemon) { d.hub = h }
}

// New creates a Daemon from the provided configuration and logger. Journal
// and hub are optional; the daemon runs without them, which is useful in
// tests.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		monitors: make(map[string]*monitor.Monitor, len(cfg.Targets)),
		events:   make(chan ChangeEvent, 64),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches one monitor per configured target plus the event-processing
// goroutine. Targets whose file does not exist yet are retried on their poll
// interval until they appear. Start returns an error only when the daemon is
// already running.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon: already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.logger.Info("starting filesentry",
		slog.Int("num_targets", len(d.cfg.Targets)),
		slog.String("log_level", d.cfg.LogLevel),
		slog.String("api_addr", d.cfg.APIAddr),
	)

	for _, tgt := range d.cfg.Targets {
		m := monitor.New(d.logger.With(slog.String("target", tgt.Name)))
		m.SetPollingInterval(tgt.PollInterval.Std())
		m.SetCallback(d.changeCallback(m, tgt))
		d.mu.Lock()
		d.monitors[tgt.Name] = m
		d.mu.Unlock()

		if st := m.Start(tgt.Path, nil); st == monitor.StateFileNotFound {
			d.logger.Warn("target missing at startup, will retry",
				slog.String("target", tgt.Name),
				slog.String("path", tgt.Path),
			)
			d.wg.Add(1)
			go d.retryStart(ctx, m, tgt)
		}
	}

	d.wg.Add(1)
	go d.processEvents(ctx)

	d.logger.Info("filesentry started")
	return nil
}

// Stop shuts down all monitors and the event-processing goroutine, then
// closes the journal. It is safe to call Stop multiple times.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}

	// Stop joins each polling goroutine, so no callback is mid-flight once
	// this loop completes. The event channel is deliberately left open; the
	// processing goroutine exits via context cancellation.
	d.mu.RLock()
	monitors := make([]*monitor.Monitor, 0, len(d.monitors))
	for _, m := range d.monitors {
		monitors = append(monitors, m)
	}
	d.mu.RUnlock()
	for _, m := range monitors {
		m.Stop()
	}

	d.wg.Wait()

	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warn("error closing change journal", slog.Any("error", err))
		}
	}

	d.logger.Info("filesentry stopped")
}

// changeCallback builds the zero-argument callback registered with a
// monitor. On each confirmed change it assembles a ChangeEvent and enqueues
// it for processing; if the event buffer is full the event is dropped with a
// warning rather than stalling the polling goroutine.
func (d *Daemon) changeCallback(m *monitor.Monitor, tgt config.WatchTarget) func() {
	return func() {
		modTime, _ := m.StableTime()
		evt := ChangeEvent{
			EventID:    uuid.NewString(),
			Target:     tgt.Name,
			Path:       tgt.Path,
			ModTime:    modTime,
			DetectedAt: time.Now().UTC(),
		}

		select {
		case d.events <- evt:
		default:
			d.logger.Warn("event buffer full, dropping change event",
				slog.String("target", tgt.Name),
				slog.String("event_id", evt.EventID),
			)
		}
	}
}

// retryStart re-attempts Start for a target that was absent at startup,
// once per poll interval, until the file appears or ctx is cancelled.
func (d *Daemon) retryStart(ctx context.Context, m *monitor.Monitor, tgt config.WatchTarget) {
	defer d.wg.Done()

	ticker := time.NewTicker(tgt.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Re-check after waking: the select may pick the tick even when
			// cancellation is also ready, and starting a monitor during
			// shutdown would leak its polling goroutine.
			if ctx.Err() != nil {
				return
			}
			if m.Start(tgt.Path, nil) == monitor.StateMonitoring {
				d.logger.Info("target appeared, monitoring started",
					slog.String("target", tgt.Name),
					slog.String("path", tgt.Path),
				)
				return
			}
		}
	}
}

// processEvents drains the event channel, recording each confirmed change in
// the journal and publishing it on the hub. It exits when ctx is cancelled.
func (d *Daemon) processEvents(ctx context.Context) {
	defer d.wg.Done()

	for {
		var evt ChangeEvent
		select {
		case <-ctx.Done():
			return
		case evt = <-d.events:
		}

		d.mu.Lock()
		d.lastChangeAt = evt.DetectedAt
		d.mu.Unlock()

		d.logger.Info("change event",
			slog.String("event_id", evt.EventID),
			slog.String("target", evt.Target),
			slog.String("path", evt.Path),
			slog.Time("mod_time", evt.ModTime),
		)

		if d.journal != nil {
			if err := d.journal.Record(ctx, evt); err != nil {
				d.logger.Warn("failed to record change event",
					slog.String("event_id", evt.EventID),
					slog.Any("error", err),
				)
			}
		}

		if d.hub != nil {
			d.hub.Publish(evt)
		}
	}
}

// Targets returns a snapshot of every monitored target's state, ordered as
// configured.
func (d *Daemon) Targets() []TargetStatus {
	out := make([]TargetStatus, 0, len(d.cfg.Targets))
	for _, tgt := range d.cfg.Targets {
		d.mu.RLock()
		m := d.monitors[tgt.Name]
		d.mu.RUnlock()
		ts := TargetStatus{Name: tgt.Name, Path: tgt.Path, State: monitor.StateNotMonitoring.String()}
		if m != nil {
			ts.State = m.State().String()
			if stable, ok := m.StableTime(); ok {
				ts.StableTime = stable
			}
		}
		out = append(out, ts)
	}
	return out
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status       string         `json:"status"`
	UptimeS      float64        `json:"uptime_s"`
	JournalDepth int            `json:"journal_depth"`
	Targets      []TargetStatus `json:"targets"`
	LastChangeAt string         `json:"last_change_at,omitempty"`
}

// Health returns a snapshot of the current daemon health state.
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	lastChange := d.lastChangeAt
	started := d.startTime
	d.mu.RUnlock()

	h := HealthStatus{
		Status:  "ok",
		UptimeS: time.Since(started).Seconds(),
		Targets: d.Targets(),
	}

	if d.journal != nil {
		h.JournalDepth = d.journal.Depth()
	}

	if !lastChange.IsZero() {
		h.LastChangeAt = lastChange.UTC().Format(time.RFC3339)
	}

	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the daemon's
// health status as a JSON object and HTTP 200.
func (d *Daemon) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := d.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		d.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
