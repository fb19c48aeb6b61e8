// Package poller drives the periodic refresh: make sure the session is
// valid, fetch deliveries, update the sensor board, and hand the result
// to every configured sink. Cycles run on a single goroutine and never
// overlap.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/direct4me-bridge/internal/connwatch"
	"github.com/nugget/direct4me-bridge/internal/direct4me"
	"github.com/nugget/direct4me-bridge/internal/opstate"
	"github.com/nugget/direct4me-bridge/internal/sensors"
)

// State keys in the operational state store.
const (
	stateNamespace = "poller"
	lastSuccessKey = "last_success"
)

// Source is the delivery API as the poller sees it.
type Source interface {
	EnsureLoggedIn(ctx context.Context) error
	GetDeliveries(ctx context.Context) (*direct4me.DeliveryCollection, error)
}

// tokenExpirer is implemented by sources that can report when their
// session token expires.
type tokenExpirer interface {
	TokenExpiry() (time.Time, bool)
}

// Report is what sinks receive after each cycle.
type Report struct {
	Snapshots []sensors.Snapshot
	Status    Status
}

// Sink receives a Report after every cycle once the board holds data.
type Sink interface {
	Name() string
	Publish(ctx context.Context, r Report) error
}

// Status summarizes recent cycle outcomes.
type Status struct {
	LastAttempt         time.Time
	LastSuccess         time.Time
	LastError           string
	ConsecutiveFailures int
	Cycles              int
	TokenExpiry         time.Time
}

// Healthy reports whether the most recent cycle succeeded.
func (s Status) Healthy() bool {
	return s.Cycles > 0 && s.ConsecutiveFailures == 0
}

// Option configures a Poller.
type Option func(*Poller)

// WithState persists the last successful poll time so it survives a
// restart.
func WithState(s *opstate.Store) Option {
	return func(p *Poller) { p.state = s }
}

// WithHealth reports the reachability of the services around the poll
// (vendor API, sinks) on every cycle log line. Typically
// [connwatch.Manager.Status].
func WithHealth(health func() []connwatch.ServiceStatus) Option {
	return func(p *Poller) { p.health = health }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// Poller runs refresh cycles.
type Poller struct {
	source   Source
	board    *sensors.Board
	sinks    []Sink
	interval time.Duration
	logger   *slog.Logger
	state    *opstate.Store
	health   func() []connwatch.ServiceStatus
	now      func() time.Time

	mu     sync.Mutex
	status Status
}

// New creates a poller. It does not start polling; call [Poller.Run].
func New(source Source, board *sensors.Board, sinks []Sink, interval time.Duration, logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		source:   source,
		board:    board,
		sinks:    sinks,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.loadLastSuccess()
	return p
}

func (p *Poller) loadLastSuccess() {
	if p.state == nil {
		return
	}
	v, err := p.state.Get(stateNamespace, lastSuccessKey)
	if err != nil {
		p.logger.Warn("failed to load last poll time", "error", err)
		return
	}
	if v == "" {
		return
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		p.logger.Warn("ignoring unparseable last poll time", "value", v)
		return
	}
	p.status.LastSuccess = t
}

// Run performs one cycle immediately and then one per interval until
// ctx is cancelled. A slow cycle delays the next tick rather than
// overlapping it.
func (p *Poller) Run(ctx context.Context) error {
	if p.interval <= 0 {
		return fmt.Errorf("invalid poll interval %s", p.interval)
	}

	p.logger.Info("poller started", "interval", p.interval)

	p.Cycle(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return nil
		case <-ticker.C:
			p.Cycle(ctx)
		}
	}
}

// Cycle runs one refresh. On failure the board keeps its previous lists
// and sinks still receive them along with the failure status. The
// returned error is the login or fetch failure, if any.
func (p *Poller) Cycle(ctx context.Context) error {
	start := p.now()
	err := p.refresh(ctx, start)

	status := p.record(start, err)
	var attrs []any
	if down := p.unreachable(); down != "" {
		attrs = append(attrs, "unreachable", down)
	}
	if err != nil {
		p.logger.Warn("poll cycle failed", append([]any{
			"error", err,
			"consecutive_failures", status.ConsecutiveFailures,
		}, attrs...)...)
	} else {
		p.logger.Info("poll cycle complete", append([]any{
			"upcoming", p.board.Count(sensors.Upcoming),
			"received", p.board.Count(sensors.Received),
			"today", p.board.Count(sensors.Today),
			"elapsed", p.now().Sub(start).Round(time.Millisecond),
		}, attrs...)...)
	}

	if p.board.Ready() && ctx.Err() == nil {
		p.publish(ctx, Report{Snapshots: p.board.Snapshots(), Status: status})
	}
	return err
}

// unreachable returns the comma-separated names of watched services
// that are currently down, or "" when all are up.
func (p *Poller) unreachable() string {
	if p.health == nil {
		return ""
	}
	var down []string
	for _, s := range p.health() {
		if !s.Ready {
			down = append(down, s.Name)
		}
	}
	return strings.Join(down, ",")
}

func (p *Poller) refresh(ctx context.Context, now time.Time) error {
	if err := p.source.EnsureLoggedIn(ctx); err != nil {
		return fmt.Errorf("ensure logged in: %w", err)
	}

	coll, err := p.source.GetDeliveries(ctx)
	if err != nil {
		return fmt.Errorf("get deliveries: %w", err)
	}
	if coll == nil {
		return errors.New("get deliveries: empty response")
	}

	p.board.Update(coll, now)
	return nil
}

func (p *Poller) record(start time.Time, err error) Status {
	p.mu.Lock()
	p.status.LastAttempt = start
	p.status.Cycles++
	if err != nil {
		p.status.LastError = err.Error()
		p.status.ConsecutiveFailures++
	} else {
		p.status.LastError = ""
		p.status.ConsecutiveFailures = 0
		p.status.LastSuccess = start
	}
	if te, ok := p.source.(tokenExpirer); ok {
		if exp, ok := te.TokenExpiry(); ok {
			p.status.TokenExpiry = exp
		}
	}
	status := p.status
	p.mu.Unlock()

	if err == nil && p.state != nil {
		if serr := p.state.Set(stateNamespace, lastSuccessKey, start.UTC().Format(time.RFC3339)); serr != nil {
			p.logger.Warn("failed to persist last poll time", "error", serr)
		}
	}
	return status
}

// publish hands the report to every sink. One sink failing does not
// keep the others from receiving it.
func (p *Poller) publish(ctx context.Context, r Report) {
	for _, s := range p.sinks {
		if err := s.Publish(ctx, r); err != nil {
			p.logger.Warn("sink publish failed", "sink", s.Name(), "error", err)
			continue
		}
		p.logger.Debug("sink published", "sink", s.Name())
	}
}

// Status returns a copy of the current cycle statistics.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
