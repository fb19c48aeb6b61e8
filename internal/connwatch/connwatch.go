// Package connwatch tracks the reachability of the services the bridge
// depends on: the Direct4.me API, Home Assistant, and the MQTT broker.
//
// This is distinct from httpkit's transport-level retry, which covers
// sub-second dial errors. connwatch covers outages that last minutes:
// a restarting Home Assistant, a broker upgrade, an ISP hiccup. Sinks
// consult IsReady to skip work that cannot succeed, the serve command
// uses WaitReady to hold the first login until the vendor API answers,
// and the poller logs Manager.Status with every cycle.
//
// Each Watcher probes one service in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling with state-transition callbacks
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrNotReady is returned by WaitReady when the service did not come up
// before the context ended.
var ErrNotReady = errors.New("connwatch: service not ready")

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped), with
// 10 startup retries and 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// next returns the delay following d.
func (b BackoffConfig) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	if d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status, e.g. "direct4me".
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls retry timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady runs in its own goroutine when the service becomes
	// reachable. Optional.
	OnReady func()

	// OnDown runs in its own goroutine when a reachable service stops
	// answering. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health of one watched service.
type ServiceStatus struct {
	Name                string    `json:"name"`
	Ready               bool      `json:"ready"`
	Since               time.Time `json:"since,omitzero"`
	LastCheck           time.Time `json:"last_check,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	config WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	readyCh   chan struct{} // closed while ready; replaced on going down
	since     time.Time
	lastErr   error
	lastCheck time.Time
	failures  int
}

func newWatcher(cfg WatcherConfig, cancel context.CancelFunc) *Watcher {
	return &Watcher{
		config:  cfg,
		cancel:  cancel,
		done:    make(chan struct{}),
		readyCh: make(chan struct{}),
	}
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:                w.config.Name,
		Ready:               w.ready,
		Since:               w.since,
		LastCheck:           w.lastCheck,
		ConsecutiveFailures: w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// WaitReady blocks until the service is reachable or ctx ends. The
// error on timeout wraps ErrNotReady and the last probe error.
func (w *Watcher) WaitReady(ctx context.Context) error {
	w.mu.Lock()
	ch := w.readyCh
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		if err := w.LastError(); err != nil {
			return errors.Join(ErrNotReady, err)
		}
		return ErrNotReady
	}
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// record stores a probe result and applies any state transition. It
// returns the transition that happened, if any.
func (w *Watcher) record(err error) (becameReady, becameDown bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastErr = err
	w.lastCheck = time.Now()

	if err != nil {
		w.failures++
		if w.ready {
			w.ready = false
			w.since = w.lastCheck
			w.readyCh = make(chan struct{})
			return false, true
		}
		return false, false
	}

	w.failures = 0
	if !w.ready {
		w.ready = true
		w.since = w.lastCheck
		close(w.readyCh)
		return true, false
	}
	return false, false
}

// check probes once, records the result and fires callbacks. It
// returns the probe error.
func (w *Watcher) check(ctx context.Context) error {
	err := w.probe(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	up, down := w.record(err)
	logger := w.config.Logger
	switch {
	case up:
		logger.Info("service reachable", "service", w.config.Name)
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case down:
		logger.Warn("service became unreachable", "service", w.config.Name, "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	case err != nil:
		logger.Debug("service still unreachable", "service", w.config.Name, "error", err)
	}
	return err
}

// run is the watcher goroutine.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	if !w.startup(ctx) {
		return
	}
	w.poll(ctx)
}

// startup probes with exponential backoff until the service answers or
// retries run out. It returns false if ctx was cancelled.
func (w *Watcher) startup(ctx context.Context) bool {
	cfg := w.config.Backoff
	delay := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return false
		}
		if err == nil {
			w.config.Logger.Debug("startup probe succeeded",
				"service", w.config.Name, "attempts", attempt)
			return true
		}
		if attempt >= cfg.MaxRetries {
			w.config.Logger.Info("startup probes exhausted, entering background polling",
				"service", w.config.Name, "attempts", attempt, "error", err)
			return true
		}

		w.config.Logger.Debug("startup probe failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return false
		}
		delay = cfg.next(delay)
	}
}

// poll probes at PollInterval until ctx is cancelled.
func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.config.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the watchers of all services.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. It runs until ctx is cancelled
// or Stop is called. Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := newWatcher(cfg, cancel)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns every watcher's status, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
