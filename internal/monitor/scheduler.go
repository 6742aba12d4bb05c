// Package monitor drives an engine's trigger evaluation from a polling loop.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// ErrBusy is returned by CheckNow when a check is already running.
var ErrBusy = errors.New("monitor: check already running")

// ErrSuspended is returned by CheckNow while the scheduler is paused or the
// host is inactive.
var ErrSuspended = errors.New("monitor: suspended")

const (
	defaultInterval     = 5 * time.Second
	defaultCheckTimeout = 30 * time.Second
	defaultLockTTL      = 30 * time.Second
)

// Checker is the slice of the engine the scheduler drives.
type Checker interface {
	UserID() string
	MonitoredSymbols() []string
	Check(ctx context.Context, prices map[string]float64) []domain.Event
}

// Options tunes a Scheduler.
type Options struct {
	Interval     time.Duration
	CheckTimeout time.Duration
	// LockTTL bounds how long a crashed process can hold the per-user lock.
	LockTTL time.Duration
}

// Stats counts what the loop has done since construction.
type Stats struct {
	Checks    int64
	Dropped   int64
	Skipped   int64
	Failures  int64
	Events    int64
	LastCheck time.Time
}

// Scheduler polls prices for one user's working set and feeds them to the
// engine. At most one check runs at a time; ticks that arrive while a check
// is running are dropped. Events are delivered to the dispatcher outside the
// check, in the order the checks produced them.
type Scheduler struct {
	checker    Checker
	feed       domain.PriceFeed
	dispatcher domain.Dispatcher
	locks      domain.LockManager
	opts       Options
	logger     *slog.Logger

	busy   atomic.Bool
	paused atomic.Bool
	active atomic.Bool

	checks   atomic.Int64
	dropped  atomic.Int64
	skipped  atomic.Int64
	failures atomic.Int64
	events   atomic.Int64
	last     atomic.Int64 // unix nanos of the last completed check

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	wake     chan struct{}
	inflight sync.WaitGroup

	sendMu   sync.Mutex
	lastSend chan struct{} // closed once the latest batch is delivered
}

// New creates a Scheduler. dispatcher and locks may be nil.
func New(checker Checker, feed domain.PriceFeed, dispatcher domain.Dispatcher, locks domain.LockManager, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = defaultCheckTimeout
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	s := &Scheduler{
		checker:    checker,
		feed:       feed,
		dispatcher: dispatcher,
		locks:      locks,
		opts:       opts,
		logger: logger.With(
			slog.String("component", "monitor"),
			slog.String("user_id", checker.UserID()),
		),
		wake: make(chan struct{}, 1),
	}
	s.active.Store(true)
	return s
}

// Start launches the polling loop. It runs one check immediately, then one
// per interval, until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("monitor: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)

	s.logger.Info("monitor: started", slog.Duration("interval", s.opts.Interval))
	return nil
}

// Stop ends the polling loop and waits for an in-flight check to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("monitor: stopped")
}

// Running reports whether the loop is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Pause suspends checks without stopping the loop.
func (s *Scheduler) Pause() {
	if !s.paused.Swap(true) {
		s.logger.Info("monitor: paused")
	}
}

// Resume lifts a Pause and schedules an immediate check.
func (s *Scheduler) Resume() {
	if s.paused.Swap(false) {
		s.logger.Info("monitor: resumed")
		s.poke()
	}
}

// SetActive records whether the host is in the foreground. Becoming active
// schedules an immediate check so fills missed while inactive are caught.
func (s *Scheduler) SetActive(active bool) {
	was := s.active.Swap(active)
	if active && !was {
		s.logger.Info("monitor: host active")
		s.poke()
	} else if !active && was {
		s.logger.Info("monitor: host inactive")
	}
}

// Suspended reports whether ticks are currently skipped.
func (s *Scheduler) Suspended() bool {
	return s.paused.Load() || !s.active.Load()
}

// CheckNow runs one check synchronously and returns the events it produced.
func (s *Scheduler) CheckNow(ctx context.Context) ([]domain.Event, error) {
	if s.Suspended() {
		return nil, ErrSuspended
	}
	return s.check(ctx)
}

// Stats returns the loop counters.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Checks:   s.checks.Load(),
		Dropped:  s.dropped.Load(),
		Skipped:  s.skipped.Load(),
		Failures: s.failures.Load(),
		Events:   s.events.Load(),
	}
	if n := s.last.Load(); n > 0 {
		st.LastCheck = time.Unix(0, n).UTC()
	}
	return st
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.inflight.Wait()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		}
	}
}

// tick runs a check in its own goroutine so the loop keeps draining the
// ticker; a tick that finds the previous check still running is dropped.
func (s *Scheduler) tick(ctx context.Context) {
	if s.Suspended() {
		s.skipped.Add(1)
		return
	}
	if s.busy.Load() {
		s.dropped.Add(1)
		s.logger.Debug("monitor: tick dropped, check still running")
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if _, err := s.check(ctx); err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, context.Canceled) {
			s.logger.Warn("monitor: check failed", slog.String("error", err.Error()))
		}
	}()
}

func (s *Scheduler) check(ctx context.Context) (events []domain.Event, err error) {
	if !s.busy.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		return nil, ErrBusy
	}
	defer s.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			s.logger.Error("monitor: check panicked", slog.Any("panic", r))
			err = fmt.Errorf("monitor: check panicked: %v", r)
		}
	}()

	symbols := s.checker.MonitoredSymbols()
	if len(symbols) == 0 {
		s.skipped.Add(1)
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.CheckTimeout)
	defer cancel()

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, lockKey(s.checker.UserID()), s.opts.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				s.skipped.Add(1)
				s.logger.Debug("monitor: another process is checking this user")
				return nil, nil
			}
			s.failures.Add(1)
			return nil, fmt.Errorf("monitor: acquire lock: %w", err)
		}
		defer unlock()
	}

	prices, err := s.feed.GetPrices(ctx, symbols)
	if err != nil {
		s.failures.Add(1)
		return nil, fmt.Errorf("monitor: get prices: %w", err)
	}

	events = s.checker.Check(ctx, prices)
	s.checks.Add(1)
	s.events.Add(int64(len(events)))
	s.last.Store(time.Now().UnixNano())

	s.handOff(ctx, events)
	if len(events) > 0 {
		s.logger.Info("monitor: check produced events",
			slog.Int("symbols", len(symbols)),
			slog.Int("events", len(events)),
		)
	}
	return events, nil
}

// handOff queues events behind any batch still being delivered and returns
// without waiting for the dispatcher.
func (s *Scheduler) handOff(ctx context.Context, events []domain.Event) {
	if s.dispatcher == nil || len(events) == 0 {
		return
	}
	done := make(chan struct{})
	s.sendMu.Lock()
	prev := s.lastSend
	s.lastSend = done
	s.sendMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("monitor: dispatch panicked", slog.Any("panic", r))
			}
		}()
		if prev != nil {
			<-prev
		}
		for _, ev := range events {
			s.dispatcher.Notify(ctx, ev.Kind, ev.Order)
		}
	}()
}

func lockKey(userID string) string {
	return "papertrader:monitor:" + userID
}
