package poller

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is the work run on every tick. It receives the scheduler context,
// which is cancelled when the scheduler stops.
type Job func(ctx context.Context)

// Scheduler runs a [Job] at a fixed interval on a single goroutine.
//
// Jobs never overlap: the next tick is only observed after the current job
// returns, and ticks that fire while a job is still running are dropped
// rather than queued (time.Ticker semantics). A panicking job is recovered
// and logged; it never stops future ticks.
//
// Start does not run the job immediately. Callers that need a synchronous
// first run do it themselves before calling Start.
//
// All lifecycle methods (Start, Stop) are safe for concurrent use.
type Scheduler struct {
	interval time.Duration
	job      Job
	logger   *slog.Logger
	wg       sync.WaitGroup

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// NewScheduler creates a new [Scheduler].
//
// Parameters:
//   - interval: Time between job runs, must be positive
//   - job: Work to run on each tick
//   - logger: Logger for scheduler events (panic recovery, etc.)
//
// The scheduler must be started with [Scheduler.Start] and stopped with
// [Scheduler.Stop].
func NewScheduler(interval time.Duration, job Job, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		job:      job,
		logger:   logger,
	}
}

// Interval returns the configured tick interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start begins the tick loop in a background goroutine.
//
// Start is non-blocking and returns immediately. The loop runs until
// [Scheduler.Stop] is called or ctx is cancelled.
//
// If ctx is nil, context.Background() is used as the parent context.
// Start is idempotent; subsequent calls after the first are no-ops.
// If Stop was called before Start, Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				// a tick can race with cancellation; prefer stopping
				if loopCtx.Err() != nil {
					return
				}
				if err := Guard(s.logger, "scheduled job", func() { s.job(loopCtx) }); err != nil {
					s.logger.Warn("scheduled job aborted", "error", err)
				}
			}
		}
	}()
}

// Stop halts the scheduler and waits for the loop goroutine to exit.
//
// Stop cancels the scheduler context, which aborts an in-flight job that
// honours it, and blocks until the loop returns. Stop is idempotent and
// safe to call multiple times. Calling Stop before Start is a safe no-op
// that also prevents any later Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Guard calls fn with panic recovery.
//
// If fn panics, Guard logs the panic value and full stack trace with a
// correlation ID and returns an error carrying that ID, so the user-facing
// message can be matched to the server-side log.
func Guard(logger *slog.Logger, what string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()

			logger.Error(what+" panic",
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)

			err = fmt.Errorf("%s panic (correlation_id: %s)", what, correlationID)
		}
	}()
	fn()
	return nil
}
