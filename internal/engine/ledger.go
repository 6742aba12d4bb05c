package engine

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// balanceTolerance absorbs floating-point drift when comparing a recomputed
// balance with the live one.
const balanceTolerance = 1e-6

// reserve takes amount out of the cash balance. Must be called with mu held.
func (e *Engine) reserve(amount float64) error {
	if amount > e.acct.Balance {
		return fmt.Errorf("engine: reserve %.8f with balance %.8f: %w",
			amount, e.acct.Balance, domain.ErrInsufficientBalance)
	}
	e.acct.Balance -= amount
	e.touch()
	return nil
}

// release returns reserved margin plus any realized pnl to the cash balance.
// Must be called with mu held.
func (e *Engine) release(amount, pnl float64) {
	e.acct.Balance += amount + pnl
	e.touch()
}

// touch stamps a balance change. Must be called with mu held.
func (e *Engine) touch() {
	e.acct.Revision++
	e.acct.UpdatedAt = e.opts.Now()
}

// commitLocked records a commit whose persistence the caller is about to
// start and returns the account to persist with it. Must be called with mu
// held; settle must follow once persistence returns.
func (e *Engine) commitLocked() domain.Account {
	e.seq++
	e.inflight++
	return e.acct
}

func (e *Engine) settle() {
	e.mu.Lock()
	e.inflight--
	e.mu.Unlock()
}

// RecomputeBalance derives the balance from first principles:
// initial balance plus realized pnl of history minus margin still reserved
// by pending orders and open positions.
func (e *Engine) RecomputeBalance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recomputeLocked()
}

func (e *Engine) recomputeLocked() float64 {
	b := e.acct.InitialBalance
	for _, o := range e.history {
		b += o.RealizedPnL
	}
	for _, o := range e.pending {
		b -= o.Margin
	}
	for _, o := range e.open {
		b -= o.Margin
	}
	return b
}

// CheckConsistency compares the live balance with RecomputeBalance and
// returns domain.ErrInconsistent when they disagree. It never corrects the
// balance.
func (e *Engine) CheckConsistency() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	want := e.recomputeLocked()
	if math.Abs(want-e.acct.Balance) > balanceTolerance {
		return fmt.Errorf("engine: balance %.8f, recomputed %.8f: %w",
			e.acct.Balance, want, domain.ErrInconsistent)
	}
	return nil
}

// RepairBalance overwrites the live balance with the recomputed one and
// returns the previous and new values. It is an explicit operator action.
func (e *Engine) RepairBalance() (before, after float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	before = e.acct.Balance
	after = e.recomputeLocked()
	e.acct.Balance = after
	e.touch()
	e.seq++

	e.logger.Warn("engine: balance repaired",
		slog.Float64("before", before),
		slog.Float64("after", after),
	)
	return before, after
}

// EquitySnapshot projects the account from current state.
func (e *Engine) EquitySnapshot() domain.Equity {
	e.mu.Lock()
	defer e.mu.Unlock()

	eq := domain.Equity{Balance: e.acct.Balance}
	for _, o := range e.open {
		eq.UsedMargin += o.Margin
		eq.UnrealizedPnL += o.UnrealizedPnL
	}
	for _, o := range e.pending {
		eq.PendingMargin += o.Margin
	}
	eq.Equity = eq.Balance + eq.UsedMargin + eq.PendingMargin + eq.UnrealizedPnL
	return eq
}
