package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

type fakeChecker struct {
	symbols []string
	events  []domain.Event
	panics  bool
	calls   atomic.Int64
	prices  chan map[string]float64
}

func (c *fakeChecker) UserID() string             { return "user-1" }
func (c *fakeChecker) MonitoredSymbols() []string { return c.symbols }

func (c *fakeChecker) Check(_ context.Context, prices map[string]float64) []domain.Event {
	c.calls.Add(1)
	if c.panics {
		panic("boom")
	}
	if c.prices != nil {
		c.prices <- prices
	}
	return c.events
}

type fakeFeed struct {
	block   chan struct{}
	entered chan struct{}
	err     error
}

func (f *fakeFeed) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		out[s] = 100
	}
	return out, nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	kinds []domain.EventKind
	ids   []string
	gate  chan struct{} // when set, every Notify waits for a receive
}

func (d *recordingDispatcher) Notify(_ context.Context, kind domain.EventKind, o domain.Order) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kinds = append(d.kinds, kind)
	d.ids = append(d.ids, o.ID)
}

func (d *recordingDispatcher) sent() ([]domain.EventKind, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.EventKind(nil), d.kinds...), append([]string(nil), d.ids...)
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type countingLock struct {
	acquired atomic.Int64
	released atomic.Int64
	keys     []string
}

func (l *countingLock) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.acquired.Add(1)
	l.keys = append(l.keys, key)
	return func() { l.released.Add(1) }, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckNowDispatchesEvents(t *testing.T) {
	checker := &fakeChecker{
		symbols: []string{"BTCUSDT"},
		events: []domain.Event{
			{Kind: domain.EventOrderFilled, Order: domain.Order{ID: "a"}},
			{Kind: domain.EventTakeProfitHit, Order: domain.Order{ID: "b"}},
		},
	}
	disp := &recordingDispatcher{}
	lock := &countingLock{}
	s := New(checker, &fakeFeed{}, disp, lock, Options{}, discardLogger())

	events, err := s.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 2)
	require.Eventually(t, func() bool {
		kinds, _ := disp.sent()
		return len(kinds) == 2
	}, time.Second, 5*time.Millisecond)
	kinds, _ := disp.sent()
	assert.Equal(t, []domain.EventKind{domain.EventOrderFilled, domain.EventTakeProfitHit}, kinds)
	assert.Equal(t, int64(1), lock.acquired.Load())
	assert.Equal(t, int64(1), lock.released.Load())
	assert.Equal(t, []string{"papertrader:monitor:user-1"}, lock.keys)

	st := s.Stats()
	assert.Equal(t, int64(1), st.Checks)
	assert.Equal(t, int64(2), st.Events)
	assert.False(t, st.LastCheck.IsZero())
}

func TestSlowDispatcherDoesNotBlockChecks(t *testing.T) {
	checker := &fakeChecker{
		symbols: []string{"BTCUSDT"},
		events: []domain.Event{
			{Kind: domain.EventOrderFilled, Order: domain.Order{ID: "a"}},
			{Kind: domain.EventStopLossHit, Order: domain.Order{ID: "b"}},
		},
	}
	disp := &recordingDispatcher{gate: make(chan struct{})}
	s := New(checker, &fakeFeed{}, disp, nil, Options{}, discardLogger())

	_, err := s.CheckNow(context.Background())
	require.NoError(t, err)
	assert.False(t, s.busy.Load())

	checker.events = []domain.Event{{Kind: domain.EventLiquidation, Order: domain.Order{ID: "c"}}}
	_, err = s.CheckNow(context.Background())
	require.NoError(t, err, "second check runs while the first batch is undelivered")
	assert.Equal(t, int64(2), s.Stats().Checks)
	assert.Equal(t, int64(0), s.Stats().Dropped)

	kinds, _ := disp.sent()
	assert.Empty(t, kinds)

	for i := 0; i < 3; i++ {
		disp.gate <- struct{}{}
	}
	require.Eventually(t, func() bool {
		kinds, _ := disp.sent()
		return len(kinds) == 3
	}, time.Second, 5*time.Millisecond)
	kinds, ids := disp.sent()
	assert.Equal(t, []domain.EventKind{domain.EventOrderFilled, domain.EventStopLossHit, domain.EventLiquidation}, kinds)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestNothingToMonitorSkips(t *testing.T) {
	checker := &fakeChecker{}
	s := New(checker, &fakeFeed{}, nil, nil, Options{}, discardLogger())

	events, err := s.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(0), checker.calls.Load())
	assert.Equal(t, int64(1), s.Stats().Skipped)
}

func TestBusyCheckIsDropped(t *testing.T) {
	feed := &fakeFeed{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	checker := &fakeChecker{symbols: []string{"BTCUSDT"}}
	s := New(checker, feed, nil, nil, Options{}, discardLogger())

	done := make(chan error, 1)
	go func() {
		_, err := s.CheckNow(context.Background())
		done <- err
	}()
	<-feed.entered

	_, err := s.CheckNow(context.Background())
	require.ErrorIs(t, err, ErrBusy)

	close(feed.block)
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), checker.calls.Load())
	assert.Equal(t, int64(1), s.Stats().Dropped)
}

func TestSuspendedSkipsChecks(t *testing.T) {
	checker := &fakeChecker{symbols: []string{"BTCUSDT"}}
	s := New(checker, &fakeFeed{}, nil, nil, Options{}, discardLogger())

	s.Pause()
	_, err := s.CheckNow(context.Background())
	require.ErrorIs(t, err, ErrSuspended)
	s.Resume()

	s.SetActive(false)
	_, err = s.CheckNow(context.Background())
	require.ErrorIs(t, err, ErrSuspended)
	s.SetActive(true)

	_, err = s.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), checker.calls.Load())
}

func TestResumeRunsImmediateCheck(t *testing.T) {
	checker := &fakeChecker{symbols: []string{"BTCUSDT"}, prices: make(chan map[string]float64, 4)}
	s := New(checker, &fakeFeed{}, nil, nil, Options{Interval: time.Hour}, discardLogger())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	select {
	case prices := <-checker.prices:
		assert.Equal(t, 100.0, prices["BTCUSDT"])
	case <-time.After(2 * time.Second):
		t.Fatal("no initial check")
	}
	require.Eventually(t, func() bool { return !s.busy.Load() }, 2*time.Second, 5*time.Millisecond)

	s.SetActive(false)
	s.SetActive(true)

	select {
	case <-checker.prices:
	case <-time.After(2 * time.Second):
		t.Fatal("no check after becoming active")
	}
	assert.Equal(t, int64(2), checker.calls.Load())
}

func TestStartTwice(t *testing.T) {
	s := New(&fakeChecker{}, &fakeFeed{}, nil, nil, Options{Interval: time.Hour}, discardLogger())
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())
	assert.Error(t, s.Start(context.Background()))
	s.Stop()
	assert.False(t, s.Running())
	s.Stop()
}

func TestPanicIsRecovered(t *testing.T) {
	checker := &fakeChecker{symbols: []string{"BTCUSDT"}, panics: true}
	s := New(checker, &fakeFeed{}, nil, nil, Options{}, discardLogger())

	_, err := s.CheckNow(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(1), s.Stats().Failures)

	checker.panics = false
	_, err = s.CheckNow(context.Background())
	require.NoError(t, err, "busy flag released after panic")
}

func TestLockHeldSkips(t *testing.T) {
	checker := &fakeChecker{symbols: []string{"BTCUSDT"}}
	s := New(checker, &fakeFeed{}, nil, heldLock{}, Options{}, discardLogger())

	_, err := s.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), checker.calls.Load())
	assert.Equal(t, int64(1), s.Stats().Skipped)
}

func TestFeedErrorSurfaces(t *testing.T) {
	checker := &fakeChecker{symbols: []string{"BTCUSDT"}}
	s := New(checker, &fakeFeed{err: errors.New("timeout")}, nil, nil, Options{}, discardLogger())

	_, err := s.CheckNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get prices")
	assert.Equal(t, int64(0), checker.calls.Load())
}
