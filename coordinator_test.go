package p1status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fetchResult struct {
	reading Reading
	err     error
}

// scriptedFetcher returns the scripted results in order and repeats the
// last one once the script runs out.
type scriptedFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

func (f *scriptedFetcher) Fetch(ctx context.Context) (Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i].reading, f.results[i].err
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func power(v float64) Reading {
	return NewReading(map[string]Value{"power": Number(v)})
}

func newTestCoordinator(t *testing.T, f Fetcher, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger()), WithInterval(time.Hour)}, opts...)
	c, err := New(f, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCoordinator_Lifecycle(t *testing.T) {
	netErr := &NetworkError{URL: "http://meter:8989/status", Err: errors.New("connection refused")}
	f := &scriptedFetcher{results: []fetchResult{
		{reading: power(1150)},
		{err: netErr},
		{reading: power(1200)},
	}}
	c := newTestCoordinator(t, f)

	// first refresh
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if c.Phase() != PhaseRunning {
		t.Fatalf("Phase() = %v, want running", c.Phase())
	}

	s := c.Snapshot()
	if !s.Success || !s.HasReading {
		t.Fatalf("after Start: Success=%v HasReading=%v, want both true", s.Success, s.HasReading)
	}
	if v, _ := s.Reading.Float("power"); v != 1150 {
		t.Errorf("after Start: power = %v, want 1150", v)
	}
	firstUpdate := s.UpdatedAt

	// failure keeps the last good reading
	err := c.Refresh(context.Background())
	var gotNetErr *NetworkError
	if !errors.As(err, &gotNetErr) {
		t.Fatalf("Refresh() error = %v, want *NetworkError", err)
	}

	s = c.Snapshot()
	if s.Success || s.Available() {
		t.Error("after failure: device should be unavailable")
	}
	if v, _ := s.Reading.Float("power"); v != 1150 {
		t.Errorf("after failure: power = %v, want 1150 retained", v)
	}
	if !s.UpdatedAt.Equal(firstUpdate) {
		t.Errorf("after failure: UpdatedAt changed from %v to %v", firstUpdate, s.UpdatedAt)
	}
	if s.ConsecutiveFailures != 1 {
		t.Errorf("after failure: ConsecutiveFailures = %d, want 1", s.ConsecutiveFailures)
	}
	if !errors.Is(s.Err, netErr) {
		t.Errorf("after failure: Err = %v, want %v", s.Err, netErr)
	}

	// recovery
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	s = c.Snapshot()
	if !s.Success || s.Err != nil {
		t.Errorf("after recovery: Success=%v Err=%v", s.Success, s.Err)
	}
	if v, _ := s.Reading.Float("power"); v != 1200 {
		t.Errorf("after recovery: power = %v, want 1200", v)
	}
	if s.ConsecutiveFailures != 0 {
		t.Errorf("after recovery: ConsecutiveFailures = %d, want 0", s.ConsecutiveFailures)
	}

	c.Stop()
	if c.Phase() != PhaseStopped {
		t.Errorf("Phase() = %v, want stopped", c.Phase())
	}
	if err := c.Refresh(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Refresh() after Stop error = %v, want ErrStopped", err)
	}
}

func TestCoordinator_StartFailure(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{
		{err: &ProtocolError{URL: "http://meter/status", StatusCode: 503}},
		{reading: power(10)},
	}}

	var seen []State
	c := newTestCoordinator(t, f, WithObserver(func(s State) { seen = append(seen, s) }))

	err := c.Start(context.Background())
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("Start() error = %v, want *ProtocolError", err)
	}
	if protoErr.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", protoErr.StatusCode)
	}
	if c.Phase() != PhaseNotStarted {
		t.Errorf("Phase() = %v, want not-started", c.Phase())
	}
	if len(seen) != 1 || seen[0].Success {
		t.Errorf("observers saw %d states, want one failed state", len(seen))
	}
	if c.Snapshot().HasReading {
		t.Error("HasReading = true after failed first refresh")
	}

	// a failed Start can be retried
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if c.Phase() != PhaseRunning {
		t.Errorf("Phase() = %v, want running", c.Phase())
	}
}

func TestCoordinator_StartTwice(t *testing.T) {
	c := newTestCoordinator(t, staticFetcher(power(1)))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestCoordinator_RefreshBeforeStart(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{{reading: power(1)}}}
	c := newTestCoordinator(t, f)

	if err := c.Refresh(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Refresh() error = %v, want ErrNotRunning", err)
	}
	if f.Calls() != 0 {
		t.Errorf("fetcher called %d times, want 0", f.Calls())
	}
}

func TestCoordinator_StopBeforeStart(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{{reading: power(1)}}}
	c := newTestCoordinator(t, f)

	c.Stop()
	c.Stop()

	if c.Phase() != PhaseNotStarted {
		t.Errorf("Phase() = %v, want not-started", c.Phase())
	}
	if f.Calls() != 0 {
		t.Errorf("fetcher called %d times by Stop, want 0", f.Calls())
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() after early Stop error = %v", err)
	}
	if c.Phase() != PhaseRunning {
		t.Errorf("Phase() = %v, want running", c.Phase())
	}
	if f.Calls() != 1 {
		t.Errorf("fetcher called %d times, want 1", f.Calls())
	}
}

func TestCoordinator_StopTwiceWhileRunning(t *testing.T) {
	c := newTestCoordinator(t, staticFetcher(power(1)))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Stop()
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return")
	}
}

func TestCoordinator_StopDuringStart(t *testing.T) {
	entered := make(chan struct{})
	f := FetcherFunc(func(ctx context.Context) (Reading, error) {
		close(entered)
		<-ctx.Done()
		return Reading{}, ctx.Err()
	})
	c := newTestCoordinator(t, f)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	<-entered
	c.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Start() error = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after Stop")
	}

	if s := c.Snapshot(); !s.AttemptedAt.IsZero() {
		t.Error("result of cancelled first refresh was committed")
	}
}

func TestCoordinator_LateResultDiscarded(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	f := FetcherFunc(func(ctx context.Context) (Reading, error) {
		if calls.Add(1) == 1 {
			return power(1), nil
		}
		close(entered)
		<-release // ignores ctx, like a fetch that is already past the read
		return power(999), nil
	})
	c := newTestCoordinator(t, f)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var notified atomic.Int32
	c.Subscribe(func(State) { notified.Add(1) })

	errCh := make(chan error, 1)
	go func() { errCh <- c.Refresh(context.Background()) }()

	<-entered
	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	waitFor(t, "stop", func() bool { return c.Phase() == PhaseStopped })
	close(release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after the fetch finished")
	}
	if err := <-errCh; !errors.Is(err, ErrStopped) {
		t.Errorf("Refresh() error = %v, want ErrStopped", err)
	}
	if v, _ := c.Snapshot().Reading.Float("power"); v != 1 {
		t.Errorf("power = %v, want 1: late result must be discarded", v)
	}
	if notified.Load() != 0 {
		t.Errorf("observers notified %d times after Stop, want 0", notified.Load())
	}
}

func TestCoordinator_ScheduledTicks(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{{reading: power(1)}}}
	c := newTestCoordinator(t, f, WithInterval(20*time.Millisecond))

	var ticks atomic.Int32
	c.Subscribe(func(State) { ticks.Add(1) })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "three scheduled refreshes", func() bool { return ticks.Load() >= 4 })

	c.Stop()
	after := f.Calls()
	time.Sleep(60 * time.Millisecond)
	if f.Calls() != after {
		t.Errorf("fetcher called %d more times after Stop", f.Calls()-after)
	}
}

func TestCoordinator_FailedTickKeepsSchedule(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{
		{reading: power(1150)},
		{err: &TimeoutError{URL: "http://meter/status", Err: context.DeadlineExceeded}},
		{err: &TimeoutError{URL: "http://meter/status", Err: context.DeadlineExceeded}},
		{reading: power(1300)},
	}}
	c := newTestCoordinator(t, f, WithInterval(10*time.Millisecond))

	var mu sync.Mutex
	var states []State
	c.Subscribe(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "recovery tick", func() bool {
		v, _ := c.Snapshot().Reading.Float("power")
		return v == 1300
	})
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 4 {
		t.Fatalf("observed %d states, want at least 4", len(states))
	}
	for i, s := range states[1:3] {
		if s.Success {
			t.Errorf("state %d: Success = true, want false", i+1)
		}
		if v, _ := s.Reading.Float("power"); v != 1150 {
			t.Errorf("state %d: power = %v, want last good 1150", i+1, v)
		}
	}
	if states[2].ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", states[2].ConsecutiveFailures)
	}
}

func TestCoordinator_NoOverlappingFetches(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	f := FetcherFunc(func(ctx context.Context) (Reading, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return power(1), nil
	})
	c := newTestCoordinator(t, f, WithInterval(time.Millisecond))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Refresh(context.Background())
		}()
	}
	wg.Wait()
	c.Stop()

	if maxInFlight.Load() != 1 {
		t.Errorf("max concurrent fetches = %d, want 1", maxInFlight.Load())
	}
}

func TestCoordinator_SubscribeDuringFanOut(t *testing.T) {
	c := newTestCoordinator(t, staticFetcher(power(1)))

	var lateCalls atomic.Int32
	var once sync.Once
	c.Subscribe(func(State) {
		once.Do(func() {
			c.Subscribe(func(State) { lateCalls.Add(1) })
		})
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if lateCalls.Load() != 0 {
		t.Errorf("observer added mid fan-out called %d times in that fan-out", lateCalls.Load())
	}

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if lateCalls.Load() != 1 {
		t.Errorf("late observer called %d times, want 1 on the next cycle", lateCalls.Load())
	}
}

func TestCoordinator_UnsubscribeDuringFanOut(t *testing.T) {
	c := newTestCoordinator(t, staticFetcher(power(1)))

	var second Handle
	var secondCalls atomic.Int32
	c.Subscribe(func(State) { c.Unsubscribe(second) })
	second = c.Subscribe(func(State) { secondCalls.Add(1) })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if secondCalls.Load() != 0 {
		t.Errorf("removed observer called %d times, want 0", secondCalls.Load())
	}
	if c.ObserverCount() != 1 {
		t.Errorf("ObserverCount() = %d, want 1", c.ObserverCount())
	}
}

func TestCoordinator_UnsubscribeSelf(t *testing.T) {
	c := newTestCoordinator(t, staticFetcher(power(1)))

	var calls atomic.Int32
	var h Handle
	h = c.Subscribe(func(State) {
		calls.Add(1)
		c.Unsubscribe(h)
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("self-removing observer called %d times, want 1", calls.Load())
	}

	// unknown and zero handles are ignored
	c.Unsubscribe(h)
	c.Unsubscribe(0)
	if c.Subscribe(nil) != 0 {
		t.Error("Subscribe(nil) should return the zero Handle")
	}
}

func TestCoordinator_ObserverPanic(t *testing.T) {
	c := newTestCoordinator(t, staticFetcher(power(1)))

	var after atomic.Int32
	c.Subscribe(func(State) { panic("observer bug") })
	c.Subscribe(func(State) { after.Add(1) })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if after.Load() != 2 {
		t.Errorf("observer after panicking one called %d times, want 2", after.Load())
	}
	if c.Phase() != PhaseRunning {
		t.Errorf("Phase() = %v, want running", c.Phase())
	}
}

func TestCoordinator_FetcherPanic(t *testing.T) {
	var calls atomic.Int32
	f := FetcherFunc(func(ctx context.Context) (Reading, error) {
		if calls.Add(1) == 2 {
			panic("decoder bug")
		}
		return power(1), nil
	})
	c := newTestCoordinator(t, f)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err := c.Refresh(context.Background())
	if err == nil || !strings.Contains(err.Error(), "correlation_id") {
		t.Fatalf("Refresh() error = %v, want panic error with correlation id", err)
	}
	if c.Snapshot().Success {
		t.Error("Success = true after fetcher panic")
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Errorf("Refresh() after panic error = %v", err)
	}
}

func TestCoordinator_StopFromObserverGoroutine(t *testing.T) {
	c := newTestCoordinator(t, staticFetcher(power(1)), WithInterval(10*time.Millisecond))

	var calls atomic.Int32
	c.Subscribe(func(State) {
		if calls.Add(1) == 2 {
			go c.Stop()
		}
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "stop from observer", func() bool { return c.Phase() == PhaseStopped })
	c.Stop()

	stoppedAt := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != stoppedAt {
		t.Errorf("observer called %d times after Stop returned", calls.Load()-stoppedAt)
	}
}

// blockSecondCall returns an observer that blocks on its second call until
// release is closed, and reports entry and exit of that call.
func blockSecondCall(release <-chan struct{}, entered chan<- struct{}, finished *atomic.Bool) func(State) {
	var calls atomic.Int32
	return func(State) {
		if calls.Add(1) != 2 {
			return
		}
		close(entered)
		<-release
		finished.Store(true)
	}
}

// assertStopWaits calls Stop from a separate goroutine and checks that it
// only returns after the blocked observer has finished.
func assertStopWaits(t *testing.T, c *Coordinator, release chan struct{}, finished *atomic.Bool) {
	t.Helper()

	stopped := make(chan bool, 1)
	go func() {
		c.Stop()
		stopped <- finished.Load()
	}()

	select {
	case <-stopped:
		t.Fatal("Stop() returned while an observer was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case observerDone := <-stopped:
		if !observerDone {
			t.Error("Stop() returned before the observer finished")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after the observer finished")
	}
}

func TestCoordinator_StopWaitsForScheduledObserver(t *testing.T) {
	c := newTestCoordinator(t, staticFetcher(power(1)), WithInterval(10*time.Millisecond))

	release := make(chan struct{})
	entered := make(chan struct{})
	var finished atomic.Bool
	c.Subscribe(blockSecondCall(release, entered, &finished))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled tick did not reach the observer")
	}

	assertStopWaits(t, c, release, &finished)
}

func TestCoordinator_StopWaitsForRefreshObserver(t *testing.T) {
	c := newTestCoordinator(t, staticFetcher(power(1)))

	release := make(chan struct{})
	entered := make(chan struct{})
	var finished atomic.Bool
	c.Subscribe(blockSecondCall(release, entered, &finished))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	go func() { _ = c.Refresh(context.Background()) }()
	<-entered

	assertStopWaits(t, c, release, &finished)
}

func TestCoordinator_StopCancelsRefreshFetch(t *testing.T) {
	var calls atomic.Int32
	f := FetcherFunc(func(ctx context.Context) (Reading, error) {
		if calls.Add(1) == 1 {
			return power(1), nil
		}
		<-ctx.Done()
		return Reading{}, ctx.Err()
	})
	c := newTestCoordinator(t, f)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Refresh(context.Background()) }()
	waitFor(t, "refresh fetch", func() bool { return calls.Load() == 2 })

	c.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Refresh() error = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Refresh() did not return after Stop")
	}
	if s := c.Snapshot(); !s.Success {
		t.Error("cancelled refresh was committed")
	}
}

func TestCoordinator_ContextCancelStops(t *testing.T) {
	c := newTestCoordinator(t, staticFetcher(power(1)), WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	cancel()
	waitFor(t, "stop after context cancel", func() bool { return c.Phase() == PhaseStopped })
}

func TestCoordinator_SnapshotIsCopy(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{{reading: power(1)}, {reading: power(2)}}}
	c := newTestCoordinator(t, f)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	before := c.Snapshot()

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if v, _ := before.Reading.Float("power"); v != 1 {
		t.Errorf("earlier snapshot changed: power = %v, want 1", v)
	}
}
