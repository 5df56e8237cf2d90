package p1status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpalmerr/p1status/internal/poller"
)

const (
	defaultInterval = 30 * time.Second
	defaultName     = "ADA-P1 Meter"
)

// Handle identifies an observer registered with [Coordinator.Subscribe].
// The zero Handle is never issued.
type Handle uint64

type observer struct {
	handle  Handle
	fn      func(State)
	removed atomic.Bool
}

// Coordinator polls one device on a fixed interval and fans the outcome out
// to observers.
//
// The Coordinator keeps the last successful [Reading] plus an availability
// flag. Failed fetches never stop the schedule and never discard the last
// good Reading; they only mark the device unavailable until the next
// success. Fetches never overlap: ticks, the first refresh and
// [Coordinator.Refresh] are serialized, and ticks that fire while a fetch
// is still in flight are dropped.
//
// The typical lifecycle is:
//
//	c, err := p1status.New(p1status.NewHTTPFetcher(ep),
//	    p1status.WithInterval(30 * time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	h := c.Subscribe(func(s p1status.State) {
//	    slog.Info("update", "available", s.Available(), "keys", s.Reading.Len())
//	})
//	defer c.Unsubscribe(h)
//
//	if err := c.Start(ctx); err != nil {
//	    return err // device unreachable at setup, abort
//	}
//	defer c.Stop()
//
// Observers are called synchronously on the polling goroutine after the
// state is fully committed. They may call Subscribe, Unsubscribe and
// Snapshot, but must not call Refresh or Stop, which wait for the cycle that
// is notifying them.
type Coordinator struct {
	name     string
	fetcher  Fetcher
	interval time.Duration
	logger   *slog.Logger

	lifeMu    sync.Mutex
	phase     Phase
	starting  bool
	scheduler *poller.Scheduler
	stopAfter func() bool

	// cycleMu serializes fetch cycles: commit and fan-out happen under it.
	cycleMu sync.Mutex

	// cycles is cancelled by Stop and aborts every in-flight fetch.
	cycles       context.Context
	cancelCycles context.CancelFunc

	stateMu    sync.RWMutex
	state      State
	generation uint64

	obsMu      sync.Mutex
	observers  []*observer
	nextHandle Handle
}

// New creates a [Coordinator] that polls with fetcher.
//
// Options have sensible defaults:
//   - Interval: 30 seconds
//   - Name: "ADA-P1 Meter (<host>)" for an [HTTPFetcher], "ADA-P1 Meter" otherwise
//   - Logger: [slog.Default]
//
// The coordinator does nothing until [Coordinator.Start] is called.
func New(fetcher Fetcher, opts ...Option) (*Coordinator, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}

	cfg := &coordinatorConfig{
		interval: defaultInterval,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	name := cfg.name
	if name == "" {
		name = defaultName
		if hf, ok := fetcher.(*HTTPFetcher); ok {
			name = DefaultName(hf.Endpoint().Host())
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		name:     name,
		fetcher:  fetcher,
		interval: cfg.interval,
		logger:   logger,
		state:    State{Name: name},
	}
	c.cycles, c.cancelCycles = context.WithCancel(context.Background())
	for _, fn := range cfg.observers {
		c.Subscribe(fn)
	}

	return c, nil
}

// DefaultName returns the display label used when none is configured.
func DefaultName(host string) string {
	return fmt.Sprintf("%s (%s)", defaultName, host)
}

// Name returns the coordinator's display label.
func (c *Coordinator) Name() string {
	return c.name
}

// Interval returns the polling interval.
func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// Phase returns the current lifecycle phase.
func (c *Coordinator) Phase() Phase {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.phase
}

// Start performs the first refresh synchronously and then begins polling
// at the configured interval.
//
// If the first refresh fails, Start returns its error (matchable with
// errors.As against [*NetworkError], [*TimeoutError], [*ProtocolError] and
// [*DecodeError]) and the coordinator stays not-started, so the caller can
// abort setup or retry Start later. Observers are still notified of the
// failed attempt.
//
// Cancelling ctx stops the coordinator as if [Coordinator.Stop] was called.
//
// Returns [ErrAlreadyStarted] if the coordinator is running or a Start is in
// progress, and [ErrStopped] if it was stopped.
func (c *Coordinator) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.lifeMu.Lock()
	switch {
	case c.phase == PhaseStopped:
		c.lifeMu.Unlock()
		return ErrStopped
	case c.phase == PhaseRunning || c.starting:
		c.lifeMu.Unlock()
		return ErrAlreadyStarted
	}
	c.starting = true
	gen := c.currentGeneration()
	c.lifeMu.Unlock()

	err := c.runCycle(ctx, gen)

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	c.starting = false

	if c.phase == PhaseStopped {
		return ErrStopped
	}
	if err != nil {
		return fmt.Errorf("first refresh of %s: %w", c.name, err)
	}

	c.phase = PhaseRunning
	c.scheduler = poller.NewScheduler(c.interval, func(ctx context.Context) {
		_ = c.runCycle(ctx, gen)
	}, c.logger)
	c.scheduler.Start(context.WithoutCancel(ctx))
	c.stopAfter = context.AfterFunc(ctx, c.Stop)

	c.logger.Info("coordinator started",
		"device", c.name,
		"interval", c.interval.String(),
	)
	return nil
}

// Stop cancels the repeating schedule.
//
// A fetch that is in flight, whether scheduled or started by Start or
// Refresh, is cancelled and its result discarded. Stop waits for that cycle,
// including its observer calls, to finish; once Stop returns, the state no
// longer changes and no observer runs again. Observers must therefore not
// call Stop themselves; use go c.Stop() from an observer instead.
//
// Stop is idempotent. Before Start it is a no-op and Start may still be
// called; a Stop that arrives while Start is in progress cancels it.
// Stopped is terminal: create a new Coordinator to poll again.
func (c *Coordinator) Stop() {
	c.lifeMu.Lock()
	if c.phase == PhaseStopped || (c.phase == PhaseNotStarted && !c.starting) {
		c.lifeMu.Unlock()
		return
	}
	wasRunning := c.phase == PhaseRunning
	c.phase = PhaseStopped
	sched := c.scheduler

	// results of cycles started before this point are discarded; bump
	// before cancelling so a cancelled fetch cannot commit
	c.stateMu.Lock()
	c.generation++
	c.stateMu.Unlock()

	c.cancelCycles()
	if c.stopAfter != nil {
		c.stopAfter()
	}
	c.lifeMu.Unlock()

	if sched != nil {
		sched.Stop()
	}

	// wait out a Start or Refresh cycle running on a caller's goroutine
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if wasRunning {
		c.logger.Info("coordinator stopped", "device", c.name)
	}
}

// Refresh runs one fetch cycle now, outside the regular schedule.
//
// Refresh waits for an in-flight cycle to finish rather than overlapping it.
// It returns the fetch error, if any; the outcome is committed and observers
// are notified exactly as for a scheduled tick.
//
// Returns [ErrNotRunning] before a successful Start and [ErrStopped] after Stop.
func (c *Coordinator) Refresh(ctx context.Context) error {
	switch c.Phase() {
	case PhaseNotStarted:
		return ErrNotRunning
	case PhaseStopped:
		return ErrStopped
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return c.runCycle(ctx, c.currentGeneration())
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Subscribe registers fn to be called after every fetch cycle, successful
// or not, with the committed [State].
//
// Subscribe is safe to call from inside an observer. An observer added
// during a fan-out is first called on the next cycle. Nil observers are
// ignored and yield the zero Handle.
func (c *Coordinator) Subscribe(fn func(State)) Handle {
	if fn == nil {
		return 0
	}

	c.obsMu.Lock()
	defer c.obsMu.Unlock()

	c.nextHandle++
	o := &observer{handle: c.nextHandle, fn: fn}
	c.observers = append(c.observers, o)
	return o.handle
}

// Unsubscribe removes the observer registered under h.
//
// Unsubscribe is safe to call from inside an observer, including for
// itself. An observer removed during a fan-out that has not been called yet
// is skipped. Unknown handles are ignored.
func (c *Coordinator) Unsubscribe(h Handle) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()

	for i, o := range c.observers {
		if o.handle == h {
			o.removed.Store(true)
			c.observers = slices.Delete(c.observers, i, i+1)
			return
		}
	}
}

// ObserverCount returns the number of registered observers.
func (c *Coordinator) ObserverCount() int {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	return len(c.observers)
}

func (c *Coordinator) currentGeneration() uint64 {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.generation
}

// runCycle fetches once, commits the outcome and notifies observers.
// It returns the fetch error, or ErrStopped if the result was discarded.
func (c *Coordinator) runCycle(ctx context.Context, gen uint64) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if c.currentGeneration() != gen {
		return ErrStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(c.cycles, cancel)()

	start := time.Now()
	reading, err := c.fetch(ctx)
	latency := time.Since(start)

	snapshot, committed, changed := c.commit(gen, reading, err)
	if !committed {
		c.logger.Debug("discarding result from stopped coordinator", "device", c.name)
		return ErrStopped
	}

	c.logCycle(snapshot, changed, latency)
	c.notify(gen, snapshot)
	return err
}

// fetch calls the fetcher with panic recovery.
func (c *Coordinator) fetch(ctx context.Context) (reading Reading, err error) {
	if perr := poller.Guard(c.logger, "fetcher", func() {
		reading, err = c.fetcher.Fetch(ctx)
	}); perr != nil {
		return Reading{}, perr
	}
	return reading, err
}

// commit applies one fetch outcome to the state. It reports whether the
// outcome was applied and whether availability flipped.
func (c *Coordinator) commit(gen uint64, reading Reading, err error) (State, bool, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.generation != gen {
		return State{}, false, false
	}

	hadAttempt := !c.state.AttemptedAt.IsZero()
	wasAvailable := c.state.Success

	now := time.Now()
	c.state.AttemptedAt = now
	if err != nil {
		c.state.Success = false
		c.state.Err = err
		c.state.ConsecutiveFailures++
	} else {
		c.state.Reading = reading
		c.state.HasReading = true
		c.state.Success = true
		c.state.Err = nil
		c.state.UpdatedAt = now
		c.state.ConsecutiveFailures = 0
	}

	return c.state, true, hadAttempt && wasAvailable != c.state.Success
}

func (c *Coordinator) logCycle(s State, changed bool, latency time.Duration) {
	if s.Err != nil {
		c.logger.Warn("refresh failed",
			"device", c.name,
			"error", s.Err.Error(),
			"error_kind", ErrorKind(s.Err),
			"latency_ms", latency.Milliseconds(),
			"consecutive_failures", s.ConsecutiveFailures,
		)
	} else {
		c.logger.Debug("refresh completed",
			"device", c.name,
			"keys", s.Reading.Len(),
			"latency_ms", latency.Milliseconds(),
		)
	}

	if changed {
		if s.Success {
			c.logger.Info("device available again", "device", c.name)
		} else {
			c.logger.Info("device unavailable", "device", c.name)
		}
	}
}

// notify calls every observer registered before the fan-out started.
// Observers removed mid fan-out are skipped, and the fan-out ends early if
// the coordinator is stopped.
func (c *Coordinator) notify(gen uint64, s State) {
	c.obsMu.Lock()
	targets := slices.Clone(c.observers)
	c.obsMu.Unlock()

	for _, o := range targets {
		if o.removed.Load() {
			continue
		}
		if c.currentGeneration() != gen {
			return
		}
		_ = poller.Guard(c.logger, "observer", func() { o.fn(s) })
	}
}
