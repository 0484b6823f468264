// Package monitor implements the debounced single-file change monitor at the
// core of filesentry. A Monitor polls the modification timestamp of one file
// in a background goroutine, filters out transient/partial writes by waiting
// for the timestamp to hold still across several consecutive samples, and
// reports exactly one change once the file has settled.
//
// Editors and write syscalls commonly bump mtime several times for what a
// human would call "one save" (truncate + write, multiple flushes). A single
// newer timestamp is therefore never trusted immediately: a change is
// reported only after debounceThreshold consecutive samples observe no
// further write, bounding worst-case detection latency to roughly
// debounceThreshold × polling interval.
package monitor

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultPollInterval is the cadence between debounce samples when the
	// caller does not configure one.
	DefaultPollInterval = time.Second

	// settleDelay is the fixed pause inserted before each timestamp read.
	// It gives the filesystem's metadata clock time to catch up with a write
	// that completed just before the sample. Fixed (not configurable) so
	// detection timing stays reproducible.
	settleDelay = 100 * time.Millisecond

	// debounceThreshold is the number of consecutive unchanged samples
	// required after the last observed write before a change is confirmed.
	// Fixed for the same reason as settleDelay.
	debounceThreshold = 3
)

// State describes the externally observable lifecycle of a Monitor.
type State int

const (
	// StateNotMonitoring means monitoring is stopped or never started.
	StateNotMonitoring State = iota
	// StateMonitoring means the watched file exists and has not changed
	// since the last report (or since monitoring began).
	StateMonitoring
	// StateFileNotFound means the watched file does not currently exist.
	StateFileNotFound
	// StateFileChanged means a modification was confirmed stable. The state
	// is visible only briefly: the background goroutine resets it to
	// StateMonitoring after the change callback returns.
	StateFileChanged
)

// String returns the lowercase wire/log representation of s.
func (s State) String() string {
	switch s {
	case StateNotMonitoring:
		return "not_monitoring"
	case StateMonitoring:
		return "monitoring"
	case StateFileNotFound:
		return "file_not_found"
	case StateFileChanged:
		return "file_changed"
	default:
		return "unknown"
	}
}

// session holds the per-Start lifecycle primitives of one background polling
// goroutine. A fresh session is created by every successful Start so that a
// late Stop on an old session can never interfere with a new one.
type session struct {
	// stopRequested tells the polling goroutine its session is over. Set
	// exactly once, before stopCh is closed; the goroutine re-checks it
	// after blocking calls so it never writes state past its own stop.
	stopRequested atomic.Bool
	// stopCh is closed to interrupt a pending wait promptly.
	stopCh chan struct{}
	// done is closed when the polling goroutine has fully exited.
	done chan struct{}
	// tid is the OS thread ID of the polling goroutine, when the platform
	// exposes one. Used only by SetPriority.
	tid atomic.Int64
}

// Monitor watches a single file for debounced modification-time changes.
// It is safe for concurrent use: any goroutine may call Start, Stop, State,
// SetCallback, or SetPollingInterval while a session is active; racing
// Start and Stop calls serialize. The zero value is not usable; construct
// with New.
//
// A Monitor may be started and stopped any number of times. Each Start
// supersedes the previous session, so at most one background goroutine is
// polling at any moment.
type Monitor struct {
	logger *slog.Logger

	// lifecycle serializes Start and Stop so that stop-join-relaunch is one
	// atomic step: two racing Starts can otherwise both observe no active
	// session and leave an unreachable polling goroutine behind. Never held
	// by the polling goroutine, so a slow cycle cannot block it.
	lifecycle sync.Mutex

	mu           sync.RWMutex
	path         string
	stableTime   time.Time
	stableKnown  bool
	stableChecks int
	pending      bool
	state        State
	pollInterval time.Duration
	callback     func()
	sess         *session
}

// New creates a stopped Monitor with the default 1-second polling interval.
// A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:       logger,
		state:        StateNotMonitoring,
		pollInterval: DefaultPollInterval,
	}
}

// Start begins monitoring path. Any previous session is stopped and joined
// first. If path does not exist at call time Start returns StateFileNotFound
// without launching a goroutine; the Monitor can be started again later.
// Otherwise the current modification time is recorded as the settled
// baseline, debounce state is reset, the background polling goroutine is
// launched, and Start returns StateMonitoring.
//
// A non-nil callback replaces any previously registered one; pass nil to
// keep the existing callback.
func (m *Monitor) Start(path string, callback func()) State {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.stopSession()

	info, err := os.Stat(path)
	if err != nil {
		m.mu.Lock()
		m.state = StateFileNotFound
		m.mu.Unlock()
		m.logger.Warn("monitor: start failed, file not found", slog.String("path", path))
		return StateFileNotFound
	}

	s := &session{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.path = path
	m.stableTime = info.ModTime()
	m.stableKnown = true
	m.stableChecks = 0
	m.pending = false
	m.state = StateMonitoring
	if callback != nil {
		m.callback = callback
	}
	m.sess = s
	m.mu.Unlock()

	go m.run(s)

	m.logger.Info("monitor: started",
		slog.String("path", path),
		slog.Time("baseline_mtime", info.ModTime()),
	)
	return StateMonitoring
}

// Stop terminates the active session, if any, and blocks until the
// background goroutine has fully exited. It is idempotent and safe to call
// from multiple goroutines concurrently: callers serialize on the lifecycle
// mutex, and none returns before the goroutine is gone. Stopping a Monitor
// that is not running is a no-op.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stopSession()
}

// stopSession signals the active session and joins its goroutine. The
// session pointer and the NotMonitoring state are written only after the
// join, so a partial final cycle can never leave another state behind.
// Callers must hold lifecycle.
func (m *Monitor) stopSession() {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return
	}

	s.stopRequested.Store(true)
	close(s.stopCh)
	m.logger.Info("monitor: stop requested")
	<-s.done

	m.mu.Lock()
	m.sess = nil
	m.state = StateNotMonitoring
	m.mu.Unlock()
}

// SetCallback replaces the change callback. Safe to call while a session is
// active; the next confirmed change invokes the new callback.
func (m *Monitor) SetCallback(fn func()) {
	m.mu.Lock()
	m.callback = fn
	m.mu.Unlock()
}

// SetPollingInterval updates the cadence between debounce samples. The new
// interval takes effect on the background goroutine's next wait cycle and
// does not reset in-progress debounce state. Non-positive values restore
// DefaultPollInterval.
func (m *Monitor) SetPollingInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPollInterval
	}
	m.mu.Lock()
	m.pollInterval = d
	m.mu.Unlock()
}

// State returns the current lifecycle state. It takes the read lock only and
// never touches the filesystem.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// StableTime returns the last modification time accepted as settled — the
// baseline recorded at Start, or the timestamp of the most recently reported
// change. ok is false before the first successful Start.
func (m *Monitor) StableTime() (t time.Time, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stableTime, m.stableKnown
}

// SetPriority asks the platform to change the scheduling class and priority
// of the background polling thread, for latency-sensitive deployments. It
// returns false when no session is active, when the platform does not
// support thread scheduling control, or when the kernel refuses the request
// (real-time classes typically need CAP_SYS_NICE). A refusal never affects
// detection correctness, only timeliness.
func (m *Monitor) SetPriority(class PriorityClass, level int) bool {
	m.mu.RLock()
	s := m.sess
	m.mu.RUnlock()
	if s == nil || applyThreadPriority == nil {
		return false
	}

	tid := s.tid.Load()
	if tid == 0 {
		return false
	}

	if err := applyThreadPriority(int(tid), class, level); err != nil {
		m.logger.Warn("monitor: set priority refused",
			slog.Int64("tid", tid),
			slog.Int("level", level),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// run is the background polling goroutine. It is the sole writer of the
// debounce fields while active. One cycle is: wait out the polling interval
// (or a stop), check existence, pause for the settle delay, sample mtime,
// advance the debounce machine. The lock is never held across a wait, the
// settle sleep, or the callback, so Stop, SetCallback, and
// SetPollingInterval are never blocked behind a slow cycle.
func (m *Monitor) run(s *session) {
	defer close(s.done)

	lockToThread(s)

	m.mu.RLock()
	path := m.path
	// Seed the reported marker from the baseline so the starting timestamp
	// is never itself reported as a change.
	lastReported := m.stableTime
	m.mu.RUnlock()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		m.mu.RLock()
		interval := m.pollInterval
		m.mu.RUnlock()

		timer.Reset(interval)
		select {
		case <-s.stopCh:
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}

		if _, err := os.Stat(path); err != nil {
			m.setState(StateFileNotFound)
			continue
		}

		// Settle delay: let the filesystem clock catch up with a write that
		// finished just before this sample. Interruptible so Stop stays
		// prompt.
		timer.Reset(settleDelay)
		select {
		case <-s.stopCh:
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			// Deleted between the existence check and the sample.
			m.setState(StateFileNotFound)
			continue
		}
		observed := info.ModTime()

		confirmed, cb := m.advance(observed, lastReported)
		if !confirmed {
			continue
		}
		lastReported = observed

		m.logger.Info("monitor: change confirmed",
			slog.String("path", path),
			slog.Time("mtime", observed),
		)

		// The callback runs outside the lock; a slow callback delays the
		// next cycle but cannot corrupt state or block other operations.
		if cb != nil {
			cb()
		}

		// A Stop issued while the callback ran is already waiting to join;
		// exit instead of starting another cycle.
		if s.stopRequested.Load() {
			return
		}

		m.mu.Lock()
		m.state = StateMonitoring
		m.stableChecks = 0
		m.pending = false
		m.mu.Unlock()
	}
}

// advance feeds one observed timestamp into the debounce machine. It returns
// confirmed=true when the change has held stable for debounceThreshold
// samples and differs from the last reported timestamp; in that case the
// state has been set to StateFileChanged, the stable baseline updated, and
// the registered callback (possibly nil) returned for invocation outside
// the lock.
func (m *Monitor) advance(observed, lastReported time.Time) (confirmed bool, cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pending {
		if observed.After(m.stableTime) {
			// First write newer than the baseline: start confirming.
			m.pending = true
			m.stableTime = observed
			m.stableChecks = 0
		}
		return false, nil
	}

	if observed.After(m.stableTime) {
		// Rewritten again before stabilizing; restart the count.
		m.stableTime = observed
		m.stableChecks = 0
		return false, nil
	}

	m.stableChecks++
	if m.stableChecks < debounceThreshold || observed.Equal(lastReported) {
		return false, nil
	}

	m.state = StateFileChanged
	return true, m.callback
}

// setState stores st under the write lock.
func (m *Monitor) setState(st State) {
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
}
