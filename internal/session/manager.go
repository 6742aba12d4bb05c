// Package session keeps one engine and one monitoring scheduler per user,
// loaded on first use through the sync reconciler.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/papertrader/internal/domain"
	"github.com/alanyoungcy/papertrader/internal/engine"
	"github.com/alanyoungcy/papertrader/internal/monitor"
	"github.com/alanyoungcy/papertrader/internal/reconcile"
)

// Store loads a user's snapshot and persists the engine's writes. It is
// implemented by *reconcile.Reconciler.
type Store interface {
	engine.Persister
	Load(ctx context.Context, userID string) (reconcile.LoadResult, error)
	Flush(ctx context.Context, userID string) (int, error)
}

// Options tunes a Manager.
type Options struct {
	Engine  engine.Options
	Monitor monitor.Options
	// InitialBalance funds an account seen for the first time.
	InitialBalance float64
	// AutoStart starts each user's scheduler as soon as the session loads.
	AutoStart bool
	// SyncInterval is how often Run flushes unconfirmed writes and retries
	// degraded sessions. Default 30s.
	SyncInterval time.Duration
}

// Session is one user's live engine and its scheduler.
type Session struct {
	Engine   *engine.Engine
	Monitor  *monitor.Scheduler
	LoadedAt time.Time

	dispatcher domain.Dispatcher
	degraded   atomic.Bool
}

// Degraded reports whether the session state came from the local cache only
// and has not been reconciled with the remote store since.
func (s *Session) Degraded() bool {
	return s.degraded.Load()
}

// Notify hands an event produced outside the scheduler, such as a manual
// close, to the dispatcher without waiting for delivery.
func (s *Session) Notify(ctx context.Context, kind domain.EventKind, o domain.Order) {
	if s.dispatcher == nil {
		return
	}
	go s.dispatcher.Notify(context.WithoutCancel(ctx), kind, o)
}

// Manager is the per-user registry. It is safe for concurrent use; two
// concurrent first requests for one user share a single load.
type Manager struct {
	store      Store
	feed       domain.PriceFeed
	dispatcher domain.Dispatcher
	bus        domain.SignalBus
	locks      domain.LockManager
	quota      domain.QuotaChecker
	opts       Options
	base       *slog.Logger
	logger     *slog.Logger
	// instance tells this process's change signals from other processes'.
	instance string

	loads singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a Manager. dispatcher, bus, locks and quota may be nil.
// With a bus, every confirmed write is announced so that other processes
// holding the same user refresh their copy.
func NewManager(store Store, feed domain.PriceFeed, dispatcher domain.Dispatcher, bus domain.SignalBus, locks domain.LockManager, quota domain.QuotaChecker, opts Options, logger *slog.Logger) *Manager {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaultSyncInterval
	}
	return &Manager{
		store:      store,
		feed:       feed,
		dispatcher: dispatcher,
		bus:        bus,
		locks:      locks,
		quota:      quota,
		opts:       opts,
		base:       logger,
		logger:     logger.With(slog.String("component", "session")),
		instance:   uuid.NewString(),
		sessions:   make(map[string]*Session),
	}
}

// Get returns userID's session, loading it on first use.
func (m *Manager) Get(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("session: empty user id: %w", domain.ErrInvalidInput)
	}
	if s, ok := m.Peek(userID); ok {
		return s, nil
	}

	v, err, _ := m.loads.Do(userID, func() (any, error) {
		if s, ok := m.Peek(userID); ok {
			return s, nil
		}
		s, err := m.load(ctx, userID)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			s.Monitor.Stop()
			return nil, errors.New("session: manager closed")
		}
		m.sessions[userID] = s
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Peek returns userID's session without loading it.
func (m *Manager) Peek(userID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Users returns the ids of all loaded sessions, sorted.
func (m *Manager) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Evict stops userID's scheduler and forgets the session. The next Get
// reloads it from storage.
func (m *Manager) Evict(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if ok {
		s.Monitor.Stop()
		m.logger.Info("session: evicted", slog.String("user_id", userID))
	}
}

// SetActive forwards the host lifecycle state to every loaded scheduler.
func (m *Manager) SetActive(active bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		s.Monitor.SetActive(active)
	}
}

// Close stops every scheduler. Get fails afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.closed = true
	m.mu.Unlock()

	for _, s := range sessions {
		s.Monitor.Stop()
	}
	m.logger.Info("session: all sessions stopped", slog.Int("count", len(sessions)))
}

func (m *Manager) load(ctx context.Context, userID string) (*Session, error) {
	res, err := m.store.Load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", userID, err)
	}

	fresh := res.Snapshot.Account.InitialBalance == 0 && len(res.Snapshot.Orders) == 0
	if fresh && res.Degraded {
		// Funding now could overwrite a remote account we simply cannot see.
		return nil, fmt.Errorf("session: load %s: no cached state: %w", userID, domain.ErrRemoteUnavailable)
	}

	eng := engine.New(userID, m.opts.Engine, announcer{Store: m.store, m: m}, m.quota, m.base)
	eng.Restore(res.Snapshot)
	if fresh && m.opts.InitialBalance > 0 {
		eng.Fund(m.opts.InitialBalance)
		if err := m.store.SaveAccount(ctx, eng.Account()); err != nil {
			m.logger.Warn("session: persist new account failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	sched := monitor.New(eng, m.feed, m.dispatcher, m.locks, m.opts.Monitor, m.base)
	if m.opts.AutoStart {
		if err := sched.Start(context.Background()); err != nil {
			return nil, fmt.Errorf("session: start monitor %s: %w", userID, err)
		}
	}

	m.logger.Info("session: loaded",
		slog.String("user_id", userID),
		slog.Bool("degraded", res.Degraded),
		slog.Bool("new_account", fresh),
		slog.Int("orders", len(res.Snapshot.Orders)),
		slog.Int("orphans", len(res.Orphans)),
	)
	s := &Session{
		Engine:     eng,
		Monitor:    sched,
		LoadedAt:   time.Now().UTC(),
		dispatcher: m.dispatcher,
	}
	s.degraded.Store(res.Degraded)
	return s, nil
}
