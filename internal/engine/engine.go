// Package engine implements the simulated leveraged-trading engine for one
// user: the order/position working set, margin accounting, and the
// price-driven trigger evaluation. One Engine is constructed per user session.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// Defaults used when the corresponding Options field is zero.
const (
	DefaultMarketTolerance = 0.001
	DefaultGracePeriod     = 10 * time.Second
	DefaultMaxLeverage     = 125
)

// Persister writes committed records to durable storage. It is implemented by
// the sync reconciler.
type Persister interface {
	// Persist writes o together with the account it left behind. Conditional
	// ops return domain.ErrConflict when the stored record has moved on.
	Persist(ctx context.Context, o domain.Order, op domain.WriteOp, acct domain.Account) error
	// SaveAccount writes the account alone, after a conflict moved the balance.
	SaveAccount(ctx context.Context, acct domain.Account) error
	// Fetch returns the authoritative copy of a record.
	Fetch(ctx context.Context, userID, id string) (domain.Order, error)
}

// Options tunes an Engine.
type Options struct {
	// MarketTolerance is the relative distance between requested entry and
	// market price inside which a non-market order opens immediately.
	MarketTolerance float64
	// GracePeriod suppresses exit checks on freshly opened positions.
	GracePeriod time.Duration
	MaxLeverage int
	// EditableModes lists the trade modes whose open positions may be edited.
	EditableModes []string
	// TriggeredExpiry cancels a triggered stop-limit order whose limit leg
	// has not filled within this window. Zero disables the expiry.
	TriggeredExpiry time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MarketTolerance <= 0 {
		o.MarketTolerance = DefaultMarketTolerance
	}
	if o.GracePeriod < 0 {
		o.GracePeriod = 0
	} else if o.GracePeriod == 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.MaxLeverage <= 0 || o.MaxLeverage > DefaultMaxLeverage {
		o.MaxLeverage = DefaultMaxLeverage
	}
	if o.EditableModes == nil {
		o.EditableModes = []string{domain.TradeModeAdvanced}
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Engine owns one user's working set and cash balance. All mutations are
// serialized; the in-memory commit always happens before persistence so a
// concurrent tick never sees a half-moved record.
type Engine struct {
	userID    string
	opts      Options
	editable  map[string]bool
	persister Persister
	quota     domain.QuotaChecker
	logger    *slog.Logger

	mu      sync.Mutex
	acct    domain.Account
	pending map[string]*domain.Order
	open    map[string]*domain.Order
	history []domain.Order
	closed  map[string]int // id -> index into history

	seq      uint64 // bumped on every commit
	inflight int    // commits whose persistence has not returned
	opening  int    // opens past the quota check but not yet committed
}

// New creates an Engine for userID with an empty working set and a zero
// balance. Call Restore to load persisted state. persister and quota may be
// nil.
func New(userID string, opts Options, persister Persister, quota domain.QuotaChecker, logger *slog.Logger) *Engine {
	opts = opts.withDefaults()
	editable := make(map[string]bool, len(opts.EditableModes))
	for _, m := range opts.EditableModes {
		editable[m] = true
	}
	if persister == nil {
		persister = noopPersister{}
	}
	return &Engine{
		userID:    userID,
		opts:      opts,
		editable:  editable,
		persister: persister,
		quota:     quota,
		logger:    logger.With(slog.String("component", "engine"), slog.String("user_id", userID)),
		acct:      domain.Account{UserID: userID},
		pending:   make(map[string]*domain.Order),
		open:      make(map[string]*domain.Order),
		closed:    make(map[string]int),
	}
}

// UserID returns the owner of this engine.
func (e *Engine) UserID() string { return e.userID }

// Restore replaces the working set with snap. Records are placed by status;
// records with an unknown status are dropped and logged.
func (e *Engine) Restore(snap domain.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restoreLocked(snap)
	e.seq++
}

// Version identifies the committed state. Pass it to Rebase.
func (e *Engine) Version() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Rebase replaces the working set with snap like Restore, but only when
// nothing was committed since Version returned seen and no write is still
// being persisted. It reports whether snap was applied.
func (e *Engine) Rebase(snap domain.Snapshot, seen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq != seen || e.inflight > 0 {
		return false
	}
	e.restoreLocked(snap)
	e.seq++
	return true
}

func (e *Engine) restoreLocked(snap domain.Snapshot) {
	e.acct = snap.Account
	e.acct.UserID = e.userID
	e.pending = make(map[string]*domain.Order)
	e.open = make(map[string]*domain.Order)
	e.history = nil
	e.closed = make(map[string]int)

	for _, o := range snap.Orders {
		o := o.Clone()
		switch o.Status {
		case domain.OrderStatusPending:
			e.pending[o.ID] = &o
		case domain.OrderStatusOpen:
			e.open[o.ID] = &o
		case domain.OrderStatusClosed, domain.OrderStatusCancelled:
			e.appendHistory(o)
		default:
			e.logger.Warn("engine: dropping record with unknown status",
				slog.String("order_id", o.ID),
				slog.String("status", string(o.Status)),
			)
		}
	}
}

// Fund sets the starting balance of an account that has no history yet.
func (e *Engine) Fund(amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acct.Balance = amount
	e.acct.InitialBalance = amount
	e.touch()
}

// Account returns the current account record.
func (e *Engine) Account() domain.Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acct
}

// Snapshot returns a deep copy of the full state.
func (e *Engine) Snapshot() domain.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders := make([]domain.Order, 0, len(e.pending)+len(e.open)+len(e.history))
	orders = append(orders, sortedClones(e.pending)...)
	orders = append(orders, sortedClones(e.open)...)
	for _, o := range e.history {
		orders = append(orders, o.Clone())
	}
	return domain.Snapshot{Account: e.acct, Orders: orders}
}

// Pending returns the pending orders, oldest first.
func (e *Engine) Pending() []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedClones(e.pending)
}

// Positions returns the open positions, oldest first.
func (e *Engine) Positions() []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedClones(e.open)
}

// History returns closed and cancelled records, most recent first.
func (e *Engine) History() []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Order, 0, len(e.history))
	for i := len(e.history) - 1; i >= 0; i-- {
		out = append(out, e.history[i].Clone())
	}
	return out
}

// Get returns the record with the given id from whichever set holds it.
func (e *Engine) Get(id string) (domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.pending[id]; ok {
		return o.Clone(), nil
	}
	if o, ok := e.open[id]; ok {
		return o.Clone(), nil
	}
	if i, ok := e.closed[id]; ok {
		return e.history[i].Clone(), nil
	}
	return domain.Order{}, domain.ErrNotFound
}

// MonitoredSymbols returns the distinct symbols referenced by pending orders
// and open positions, sorted.
func (e *Engine) MonitoredSymbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool)
	for _, o := range e.pending {
		seen[o.Symbol] = true
	}
	for _, o := range e.open {
		seen[o.Symbol] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// appendHistory must be called with mu held.
func (e *Engine) appendHistory(o domain.Order) {
	e.closed[o.ID] = len(e.history)
	e.history = append(e.history, o)
}

// removeHistory must be called with mu held.
func (e *Engine) removeHistory(id string) (domain.Order, bool) {
	i, ok := e.closed[id]
	if !ok {
		return domain.Order{}, false
	}
	o := e.history[i]
	e.history = append(e.history[:i], e.history[i+1:]...)
	delete(e.closed, id)
	for j := i; j < len(e.history); j++ {
		e.closed[e.history[j].ID] = j
	}
	return o, true
}

func sortedClones(m map[string]*domain.Order) []domain.Order {
	out := make([]domain.Order, 0, len(m))
	for _, o := range m {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

type noopPersister struct{}

func (noopPersister) Persist(context.Context, domain.Order, domain.WriteOp, domain.Account) error {
	return nil
}

func (noopPersister) SaveAccount(context.Context, domain.Account) error { return nil }

func (noopPersister) Fetch(context.Context, string, string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}
