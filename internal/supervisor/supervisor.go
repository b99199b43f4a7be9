package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"cryptotrader/internal/fault"
	"cryptotrader/internal/metrics"
	"cryptotrader/logger"
)

// Unit is one supervised long-running task. Run must return once ctx is
// cancelled.
type Unit interface {
	Name() string
	Run(ctx context.Context) error
}

type unitFunc struct {
	name string
	run  func(context.Context) error
}

func (u unitFunc) Name() string                  { return u.name }
func (u unitFunc) Run(ctx context.Context) error { return u.run(ctx) }

// UnitFunc adapts a function to a Unit.
func UnitFunc(name string, run func(context.Context) error) Unit {
	return unitFunc{name: name, run: run}
}

type Policy int

const (
	// FailFast ends the session when any unit stops.
	FailFast Policy = iota
	// Restart reruns a unit that stopped with a retryable error, with
	// jittered exponential backoff. Non-retryable errors stay fatal.
	Restart
)

func (p Policy) String() string {
	if p == Restart {
		return "restart"
	}
	return "fail_fast"
}

// Error names the unit whose termination ended the session.
type Error struct {
	Unit string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("unit %s: %v", e.Unit, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ErrRestartLimit is wrapped when a unit keeps failing under Restart.
var ErrRestartLimit = errors.New("restart limit reached")

var errUnitDone = errors.New("unit done")

type Options struct {
	Policy        Policy
	MaxRestarts   int
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	BackoffFactor float64
	// ShutdownGrace bounds the wait for the remaining units once the
	// session is ending.
	ShutdownGrace time.Duration
	Readiness     *Readiness
	Metrics       *metrics.Metrics
}

type Supervisor struct {
	opts Options
	log  *logger.Entry

	mu     sync.RWMutex
	status map[string]*UnitStatus
	order  []string
	// drained is set once every unit of the last Run has returned.
	drained bool
}

// Drained reports whether every unit returned before the last Run ended.
func (s *Supervisor) Drained() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.drained
}

// UnitStatus is the last known lifecycle state of one unit.
type UnitStatus struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Starts    int       `json:"starts"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	LastKind  string    `json:"last_kind,omitempty"`
	Since     time.Time `json:"since"`
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	Policy string       `json:"policy"`
	Ready  bool         `json:"ready"`
	Down   []string     `json:"down,omitempty"`
	Units  []UnitStatus `json:"units"`
}

func New(opts Options) *Supervisor {
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = opts.BackoffMin
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = 2
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	if opts.MaxRestarts < 0 {
		opts.MaxRestarts = 0
	}
	return &Supervisor{
		opts:   opts,
		log:    logger.GetLogger().WithComponent("supervisor").WithField("policy", opts.Policy.String()),
		status: make(map[string]*UnitStatus),
	}
}

// Snapshot reports unit states in start order together with the readiness
// gate.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Policy: s.opts.Policy.String(),
		Ready:  s.opts.Readiness.Ready(),
		Down:   s.opts.Readiness.Down(),
		Units:  make([]UnitStatus, 0, len(s.order)),
	}
	for _, name := range s.order {
		snap.Units = append(snap.Units, *s.status[name])
	}
	return snap
}

func (s *Supervisor) track(name string, update func(*UnitStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[name]
	if !ok {
		st = &UnitStatus{Name: name}
		s.status[name] = st
		s.order = append(s.order, name)
	}
	update(st)
	st.Since = time.Now()
}

type outcome struct {
	unit string
	err  error
}

// Run starts every unit and blocks until the first one terminates for good
// or ctx is cancelled. The remaining units are then cancelled and given at
// most ShutdownGrace to return. The terminating unit's error is returned as
// an *Error; a unit that stops cleanly yields nil and parent cancellation
// yields ctx.Err().
func (s *Supervisor) Run(ctx context.Context, units ...Unit) error {
	if len(units) == 0 {
		return nil
	}

	s.mu.Lock()
	s.drained = false
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	results := make(chan outcome, len(units))
	for _, u := range units {
		u := u
		g.Go(func() error {
			err := s.supervise(gctx, u)
			results <- outcome{unit: u.Name(), err: err}
			return errUnitDone
		})
	}

	var first outcome
	select {
	case first = <-results:
	case <-ctx.Done():
		first = outcome{err: ctx.Err()}
	}

	stopped := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(stopped)
	}()
	timer := time.NewTimer(s.opts.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-stopped:
		s.mu.Lock()
		s.drained = true
		s.mu.Unlock()
	case <-timer.C:
		s.log.WithField("grace", s.opts.ShutdownGrace.String()).Warn("units did not stop within shutdown grace")
	}

	if ctx.Err() != nil && (first.unit == "" || errors.Is(first.err, ctx.Err())) {
		s.log.Info("session cancelled")
		return ctx.Err()
	}
	if first.err == nil {
		s.log.WithField("unit", first.unit).Info("session ended by clean unit stop")
		return nil
	}
	err := &Error{Unit: first.unit, Err: first.err}
	s.log.WithError(first.err).WithFields(logger.Fields{
		"unit": first.unit,
		"kind": fault.KindOf(first.err).String(),
	}).Error("session terminated")
	return err
}

// supervise runs u until it terminates under the policy. It returns
// ctx.Err() when cancelled from outside.
func (s *Supervisor) supervise(ctx context.Context, u Unit) error {
	name := u.Name()
	entry := s.log.WithField("unit", name)
	b := &backoff.Backoff{
		Min:    s.opts.BackoffMin,
		Max:    s.opts.BackoffMax,
		Factor: s.opts.BackoffFactor,
		Jitter: true,
	}
	restarts := 0

	for {
		started := time.Now()
		logger.LogUnitEvent(entry, name, "start", nil, logger.Fields{"restarts": restarts})
		s.opts.Metrics.UnitStarted(name)
		s.track(name, func(st *UnitStatus) {
			st.Running = true
			st.Starts++
			st.Restarts = restarts
		})

		err := u.Run(ctx)
		s.opts.Readiness.Set(name, false)
		uptime := time.Since(started)
		s.track(name, func(st *UnitStatus) {
			st.Running = false
			if err != nil && ctx.Err() == nil {
				st.LastError = err.Error()
				st.LastKind = fault.KindOf(err).String()
			}
		})

		if ctx.Err() != nil {
			logger.LogUnitEvent(entry, name, "stop", nil, logger.Fields{"uptime": uptime.String()})
			return ctx.Err()
		}

		fields := logger.Fields{"uptime": uptime.String()}
		if err != nil {
			kind := fault.KindOf(err)
			fields["kind"] = kind.String()
			fields["retryable"] = fault.IsRetryable(err)
			s.opts.Metrics.UnitFailed(name, kind.String())
			logger.LogUnitEvent(entry, name, "failure", err, fields)
		} else {
			logger.LogUnitEvent(entry, name, "stop", nil, fields)
		}

		if s.opts.Policy != Restart {
			return err
		}
		if err != nil && !fault.IsRetryable(err) {
			return err
		}
		if restarts >= s.opts.MaxRestarts {
			if err == nil {
				return fmt.Errorf("%w after %d restarts: unit stopped", ErrRestartLimit, restarts)
			}
			return fmt.Errorf("%w after %d restarts: %w", ErrRestartLimit, restarts, err)
		}

		if uptime > b.Max {
			b.Reset()
		}
		delay := b.Duration()
		restarts++
		s.opts.Metrics.UnitRestarted(name)
		logger.LogUnitEvent(entry, name, "restart", nil, logger.Fields{
			"attempt": restarts,
			"delay":   delay.String(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
