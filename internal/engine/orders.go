package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/alanyoungcy/papertrader/internal/calc"
	"github.com/alanyoungcy/papertrader/internal/domain"
)

// OrderSpec is a request to open a new order.
type OrderSpec struct {
	// ID is optional; a uuid is generated when empty.
	ID        string
	Symbol    string
	Direction domain.Direction
	Kind      domain.OrderKind
	TradeMode string

	// EntryPrice is ignored for MARKET orders.
	EntryPrice float64
	// LimitPrice is the second leg of a STOP_LIMIT order.
	LimitPrice *float64
	// MarketPrice is the current price snapshot used to classify the order.
	MarketPrice float64

	StopLoss   *float64
	TakeProfit *float64

	Margin   float64
	Leverage int
}

// EditSpec lists the fields of an open position to change. Nil fields are
// left untouched.
type EditSpec struct {
	StopLoss        *float64
	TakeProfit      *float64
	ClearStopLoss   bool
	ClearTakeProfit bool
	Leverage        *int
	Margin          *float64
}

// sizing is the derived size of an order at a given entry price.
type sizing struct {
	entry         float64
	positionValue float64
	quantity      float64
}

// Open validates spec, reserves its margin and adds the order to the pending
// or open set. The order opens immediately when it is a MARKET order or when
// its entry is within the market tolerance; otherwise it waits in PENDING.
func (e *Engine) Open(ctx context.Context, spec OrderSpec) (domain.Order, error) {
	spec, err := e.normaliseSpec(spec)
	if err != nil {
		return domain.Order{}, err
	}
	size, err := e.size(spec)
	if err != nil {
		return domain.Order{}, err
	}
	if err := validateRelation(spec.Direction, size.entry, spec.StopLoss, spec.TakeProfit); err != nil {
		return domain.Order{}, err
	}
	if spec.LimitPrice != nil {
		if err := validateRelation(spec.Direction, *spec.LimitPrice, spec.StopLoss, spec.TakeProfit); err != nil {
			return domain.Order{}, err
		}
	}

	if e.quota != nil {
		working := e.claimSlot()
		defer e.releaseSlot()
		if err := e.quota.AllowOpen(ctx, e.userID, working); err != nil {
			return domain.Order{}, fmt.Errorf("engine: open: %w", err)
		}
	}

	now := e.opts.Now()
	o := domain.Order{
		ID:            spec.ID,
		UserID:        e.userID,
		Symbol:        spec.Symbol,
		Direction:     spec.Direction,
		Kind:          spec.Kind,
		TradeMode:     spec.TradeMode,
		EntryPrice:    size.entry,
		CreationPrice: spec.MarketPrice,
		LimitPrice:    spec.LimitPrice,
		MarkPrice:     spec.MarketPrice,
		StopLoss:      spec.StopLoss,
		TakeProfit:    spec.TakeProfit,
		Margin:        spec.Margin,
		Leverage:      spec.Leverage,
		PositionValue: size.positionValue,
		Quantity:      size.quantity,
		Status:        domain.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	switch {
	case spec.Kind == domain.OrderKindStopLimit:
		// The limit leg is evaluated by Check even when the stop is already met.
		if e.withinTolerance(size.entry, spec.MarketPrice) {
			o.TriggeredAt = &now
		}
	case spec.Kind == domain.OrderKindMarket || e.withinTolerance(size.entry, spec.MarketPrice):
		o.Status = domain.OrderStatusOpen
		o.FillPrice = size.entry
		o.FilledAt = &now
		markToMarket(&o, spec.MarketPrice)
	}

	e.mu.Lock()
	if e.exists(o.ID) {
		e.mu.Unlock()
		return domain.Order{}, fmt.Errorf("engine: open %s: %w", o.ID, domain.ErrAlreadyExists)
	}
	if err := e.reserve(o.Margin); err != nil {
		e.mu.Unlock()
		return domain.Order{}, err
	}
	stored := o.Clone()
	if o.Status == domain.OrderStatusOpen {
		e.open[o.ID] = &stored
	} else {
		e.pending[o.ID] = &stored
	}
	acct := e.commitLocked()
	e.mu.Unlock()

	e.logger.Info("engine: order opened",
		slog.String("order_id", o.ID),
		slog.String("symbol", o.Symbol),
		slog.String("direction", string(o.Direction)),
		slog.String("status", string(o.Status)),
		slog.Float64("entry", o.EntryPrice),
		slog.Float64("margin", o.Margin),
		slog.Int("leverage", o.Leverage),
	)
	e.persist(ctx, o, domain.WriteInsert, acct)
	return o, nil
}

// CancelPending cancels a pending order and refunds its margin. A cancel that
// loses a race with a fill reports domain.ErrInvalidState.
func (e *Engine) CancelPending(ctx context.Context, id string) (domain.Order, error) {
	e.mu.Lock()
	p, ok := e.pending[id]
	if !ok {
		err := e.notInState(id, domain.OrderStatusPending)
		e.mu.Unlock()
		return domain.Order{}, fmt.Errorf("engine: cancel %s: %w", id, err)
	}
	prior := p.Clone()
	o := prior.Clone()
	now := e.opts.Now()
	o.Status = domain.OrderStatusCancelled
	o.CancelledAt = &now
	o.UpdatedAt = now
	o.ExitReason = domain.ExitReasonCancelled
	o.Result = domain.TradeResultCancelled
	o.UnrealizedPnL = 0
	o.UnrealizedPnLPercent = 0

	delete(e.pending, id)
	e.release(o.Margin, 0)
	e.appendHistory(o.Clone())
	acct := e.commitLocked()
	e.mu.Unlock()

	if err := e.persist(ctx, o, domain.WriteCancel, acct); errors.Is(err, domain.ErrConflict) {
		e.resolveConflict(ctx, o, prior)
		return domain.Order{}, fmt.Errorf("engine: cancel %s: %w", id, domain.ErrInvalidState)
	}
	e.logger.Info("engine: order cancelled",
		slog.String("order_id", id),
		slog.Float64("refund", o.Margin),
	)
	return o, nil
}

// Close closes an open position at exitPrice and credits margin plus realized
// pnl. Closing an id that is already closed reports domain.ErrAlreadyClosed.
func (e *Engine) Close(ctx context.Context, id string, exitPrice float64, reason domain.ExitReason) (domain.Order, error) {
	return e.close(ctx, id, exitPrice, reason, nil)
}

// close is Close with an optional precondition evaluated against the live
// position under the lock. A position that no longer satisfies still is left
// open and domain.ErrInvalidState is returned.
func (e *Engine) close(ctx context.Context, id string, exitPrice float64, reason domain.ExitReason, still func(domain.Order) bool) (domain.Order, error) {
	if !finitePositive(exitPrice) {
		return domain.Order{}, fmt.Errorf("engine: close %s: exit price %v: %w", id, exitPrice, domain.ErrInvalidInput)
	}
	if reason == "" {
		reason = domain.ExitReasonManual
	}

	e.mu.Lock()
	p, ok := e.open[id]
	if !ok {
		err := e.notInState(id, domain.OrderStatusOpen)
		e.mu.Unlock()
		return domain.Order{}, fmt.Errorf("engine: close %s: %w", id, err)
	}
	if still != nil && !still(*p) {
		e.mu.Unlock()
		return domain.Order{}, fmt.Errorf("engine: close %s: exit no longer applies: %w", id, domain.ErrInvalidState)
	}
	prior := p.Clone()
	o := prior.Clone()
	now := e.opts.Now()
	pnl := calc.PnL(o.Direction, o.EntryPrice, exitPrice, o.Quantity)
	o.Status = domain.OrderStatusClosed
	o.ClosedAt = &now
	o.UpdatedAt = now
	o.ExitPrice = domain.Float(exitPrice)
	o.ExitReason = reason
	o.MarkPrice = exitPrice
	o.RealizedPnL = pnl
	o.RealizedPnLPercent = calc.ROE(pnl, o.Margin)
	o.UnrealizedPnL = 0
	o.UnrealizedPnLPercent = 0
	o.Result = domain.TradeResultLoss
	if pnl > 0 {
		o.Result = domain.TradeResultWin
	}

	delete(e.open, id)
	e.release(o.Margin, pnl)
	e.appendHistory(o.Clone())
	acct := e.commitLocked()
	e.mu.Unlock()

	if err := e.persist(ctx, o, domain.WriteClose, acct); errors.Is(err, domain.ErrConflict) {
		e.resolveConflict(ctx, o, prior)
		return domain.Order{}, fmt.Errorf("engine: close %s: %w", id, domain.ErrAlreadyClosed)
	}
	e.logger.Info("engine: position closed",
		slog.String("order_id", id),
		slog.String("reason", string(reason)),
		slog.Float64("exit", exitPrice),
		slog.Float64("pnl", pnl),
	)
	return o, nil
}

// Edit changes the stop-loss, take-profit, leverage or margin of an open
// position. A margin change moves the delta between balance and the position.
func (e *Engine) Edit(ctx context.Context, id string, spec EditSpec) (domain.Order, error) {
	e.mu.Lock()
	p, ok := e.open[id]
	if !ok {
		err := e.notInState(id, domain.OrderStatusOpen)
		e.mu.Unlock()
		return domain.Order{}, fmt.Errorf("engine: edit %s: %w", id, err)
	}
	if !e.editable[p.TradeMode] {
		e.mu.Unlock()
		return domain.Order{}, fmt.Errorf("engine: edit %s: mode %q: %w", id, p.TradeMode, domain.ErrNotEditable)
	}

	o := p.Clone()
	if err := applyEdit(&o, spec, e.opts.MaxLeverage); err != nil {
		e.mu.Unlock()
		return domain.Order{}, fmt.Errorf("engine: edit %s: %w", id, err)
	}

	delta := o.Margin - p.Margin
	if delta > 0 {
		if err := e.reserve(delta); err != nil {
			e.mu.Unlock()
			return domain.Order{}, fmt.Errorf("engine: edit %s: %w", id, err)
		}
	} else if delta < 0 {
		e.release(-delta, 0)
	}
	o.UpdatedAt = e.opts.Now()
	if o.MarkPrice > 0 {
		markToMarket(&o, o.MarkPrice)
	}
	stored := o.Clone()
	e.open[id] = &stored
	acct := e.commitLocked()
	e.mu.Unlock()

	e.logger.Info("engine: position edited",
		slog.String("order_id", id),
		slog.Float64("margin_delta", delta),
		slog.Int("leverage", o.Leverage),
	)
	e.persist(ctx, o, domain.WriteUpdate, acct)
	return o, nil
}

// Fill moves a pending order into the open set at its fill price and marks it
// to price. A fill that loses a race with a cancel reports
// domain.ErrInvalidState.
func (e *Engine) Fill(ctx context.Context, id string, price float64) (domain.Order, error) {
	e.mu.Lock()
	p, ok := e.pending[id]
	if !ok {
		err := e.notInState(id, domain.OrderStatusPending)
		e.mu.Unlock()
		return domain.Order{}, fmt.Errorf("engine: fill %s: %w", id, err)
	}
	prior := p.Clone()
	o := prior.Clone()
	now := e.opts.Now()

	fill := o.EntryPrice
	if o.Kind == domain.OrderKindStopLimit && o.LimitPrice != nil && *o.LimitPrice > 0 {
		fill = *o.LimitPrice
		o.EntryPrice = fill
		o.Quantity = o.PositionValue / fill
	}
	o.Status = domain.OrderStatusOpen
	o.FillPrice = fill
	o.FilledAt = &now
	o.UpdatedAt = now
	if finitePositive(price) {
		markToMarket(&o, price)
	}

	delete(e.pending, id)
	stored := o.Clone()
	e.open[id] = &stored
	acct := e.commitLocked()
	e.mu.Unlock()

	if err := e.persist(ctx, o, domain.WriteFill, acct); errors.Is(err, domain.ErrConflict) {
		e.resolveConflict(ctx, o, prior)
		return domain.Order{}, fmt.Errorf("engine: fill %s: %w", id, domain.ErrInvalidState)
	}
	e.logger.Info("engine: order filled",
		slog.String("order_id", id),
		slog.Float64("fill", fill),
	)
	return o, nil
}

// persist hands a committed record to the persister. Only conflicts are
// returned; other failures are logged because the in-memory commit stands.
func (e *Engine) persist(ctx context.Context, o domain.Order, op domain.WriteOp, acct domain.Account) error {
	defer e.settle()
	err := e.persister.Persist(ctx, o, op, acct)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrConflict) {
		return err
	}
	e.logger.Warn("engine: persist deferred",
		slog.String("order_id", o.ID),
		slog.String("op", string(op)),
		slog.String("error", err.Error()),
	)
	return nil
}

// resolveConflict undoes a local transition the remote store refused and
// adopts the remote copy in its place. When the remote copy cannot be
// fetched the prior local record is restored.
func (e *Engine) resolveConflict(ctx context.Context, committed, prior domain.Order) {
	remote, err := e.persister.Fetch(ctx, e.userID, committed.ID)
	if err != nil {
		e.logger.Warn("engine: conflict fetch failed, restoring prior record",
			slog.String("order_id", committed.ID),
			slog.String("error", err.Error()),
		)
		remote = prior
	}

	e.mu.Lock()
	cur, ok := e.lookup(committed.ID)
	if !ok || cur.Status != committed.Status {
		// Moved on again since the commit; that transition owns its own write.
		e.mu.Unlock()
		return
	}
	e.detach(committed.ID)
	e.adopt(remote)
	e.touch()
	acct := e.commitLocked()
	e.mu.Unlock()
	defer e.settle()

	e.logger.Warn("engine: conditional write conflict, adopted remote record",
		slog.String("order_id", committed.ID),
		slog.String("local_status", string(committed.Status)),
		slog.String("remote_status", string(remote.Status)),
	)
	if err := e.persister.SaveAccount(ctx, acct); err != nil {
		e.logger.Warn("engine: account persist deferred", slog.String("error", err.Error()))
	}
}

// lookup must be called with mu held.
func (e *Engine) lookup(id string) (domain.Order, bool) {
	if o, ok := e.pending[id]; ok {
		return *o, true
	}
	if o, ok := e.open[id]; ok {
		return *o, true
	}
	if i, ok := e.closed[id]; ok {
		return e.history[i], true
	}
	return domain.Order{}, false
}

func (e *Engine) exists(id string) bool {
	_, ok := e.lookup(id)
	return ok
}

// detach removes id from its set and reverses its balance contribution.
// Must be called with mu held.
func (e *Engine) detach(id string) {
	if o, ok := e.pending[id]; ok {
		delete(e.pending, id)
		e.acct.Balance -= contribution(*o)
		return
	}
	if o, ok := e.open[id]; ok {
		delete(e.open, id)
		e.acct.Balance -= contribution(*o)
		return
	}
	if o, ok := e.removeHistory(id); ok {
		e.acct.Balance -= contribution(o)
	}
}

// adopt places o in the set matching its status and applies its balance
// contribution. Must be called with mu held.
func (e *Engine) adopt(o domain.Order) {
	o = o.Clone()
	switch o.Status {
	case domain.OrderStatusPending:
		e.pending[o.ID] = &o
	case domain.OrderStatusOpen:
		e.open[o.ID] = &o
	case domain.OrderStatusClosed, domain.OrderStatusCancelled:
		e.appendHistory(o)
	default:
		return
	}
	e.acct.Balance += contribution(o)
}

// contribution is the net effect a record has on the cash balance relative
// to the initial balance.
func contribution(o domain.Order) float64 {
	switch o.Status {
	case domain.OrderStatusPending, domain.OrderStatusOpen:
		return -o.Margin
	case domain.OrderStatusClosed:
		return o.RealizedPnL
	}
	return 0
}

// notInState explains why id is not in the wanted working state. Must be
// called with mu held.
func (e *Engine) notInState(id string, want domain.OrderStatus) error {
	cur, ok := e.lookup(id)
	if !ok {
		return domain.ErrNotFound
	}
	if want == domain.OrderStatusOpen && cur.Status == domain.OrderStatusClosed {
		return domain.ErrAlreadyClosed
	}
	return fmt.Errorf("status %s, want %s: %w", cur.Status, want, domain.ErrInvalidState)
}

// claimSlot counts the working set, including opens still between their
// quota check and commit, and reserves a place for the caller.
func (e *Engine) claimSlot() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.pending) + len(e.open) + e.opening
	e.opening++
	return n
}

func (e *Engine) releaseSlot() {
	e.mu.Lock()
	e.opening--
	e.mu.Unlock()
}

func (e *Engine) withinTolerance(entry, market float64) bool {
	return math.Abs(entry-market)/market <= e.opts.MarketTolerance
}

// normaliseSpec fills defaults and rejects malformed input before any state
// is touched.
func (e *Engine) normaliseSpec(spec OrderSpec) (OrderSpec, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.Kind == "" {
		spec.Kind = domain.OrderKindLimit
	}
	if spec.TradeMode == "" {
		spec.TradeMode = domain.TradeModeSimple
	}

	var problems []error
	if spec.Symbol == "" {
		problems = append(problems, errors.New("symbol is required"))
	}
	if !spec.Direction.Valid() {
		problems = append(problems, fmt.Errorf("direction %q", spec.Direction))
	}
	if !spec.Kind.Valid() {
		problems = append(problems, fmt.Errorf("kind %q", spec.Kind))
	}
	if !finitePositive(spec.MarketPrice) {
		problems = append(problems, fmt.Errorf("market price %v", spec.MarketPrice))
	}
	if spec.Kind == domain.OrderKindMarket {
		spec.EntryPrice = spec.MarketPrice
	} else if !finitePositive(spec.EntryPrice) {
		problems = append(problems, fmt.Errorf("entry price %v", spec.EntryPrice))
	}
	if !finitePositive(spec.Margin) {
		problems = append(problems, fmt.Errorf("margin %v", spec.Margin))
	}
	if spec.Leverage < 1 || spec.Leverage > e.opts.MaxLeverage {
		problems = append(problems, fmt.Errorf("leverage %d outside [1,%d]", spec.Leverage, e.opts.MaxLeverage))
	}
	if spec.Kind == domain.OrderKindStopLimit {
		if spec.LimitPrice == nil || !finitePositive(*spec.LimitPrice) {
			problems = append(problems, errors.New("stop-limit order needs a positive limit price"))
		}
	} else {
		spec.LimitPrice = nil
	}

	var err error
	if spec.StopLoss, err = optionalPrice("stop loss", spec.StopLoss); err != nil {
		problems = append(problems, err)
	}
	if spec.TakeProfit, err = optionalPrice("take profit", spec.TakeProfit); err != nil {
		problems = append(problems, err)
	}

	if len(problems) > 0 {
		return spec, fmt.Errorf("engine: open: %w: %w", domain.ErrInvalidInput, errors.Join(problems...))
	}
	return spec, nil
}

func (e *Engine) size(spec OrderSpec) (sizing, error) {
	s := sizing{entry: spec.EntryPrice}
	s.positionValue = spec.Margin * float64(spec.Leverage)
	s.quantity = s.positionValue / s.entry
	if !finitePositive(s.positionValue) || !finitePositive(s.quantity) {
		return s, fmt.Errorf("engine: open: quantity %v: %w", s.quantity, domain.ErrInvalidInput)
	}
	return s, nil
}

// applyEdit mutates o according to spec and re-derives its size.
func applyEdit(o *domain.Order, spec EditSpec, maxLeverage int) error {
	var err error
	if spec.ClearStopLoss {
		o.StopLoss = nil
	} else if spec.StopLoss != nil {
		if o.StopLoss, err = optionalPrice("stop loss", spec.StopLoss); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
		}
	}
	if spec.ClearTakeProfit {
		o.TakeProfit = nil
	} else if spec.TakeProfit != nil {
		if o.TakeProfit, err = optionalPrice("take profit", spec.TakeProfit); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
		}
	}

	if spec.Leverage != nil {
		if *spec.Leverage < 1 || *spec.Leverage > maxLeverage {
			return fmt.Errorf("leverage %d outside [1,%d]: %w", *spec.Leverage, maxLeverage, domain.ErrInvalidInput)
		}
		o.Leverage = *spec.Leverage
	}
	if spec.Margin != nil {
		if !finitePositive(*spec.Margin) {
			return fmt.Errorf("margin %v: %w", *spec.Margin, domain.ErrInvalidInput)
		}
		o.Margin = *spec.Margin
	}
	if spec.Leverage != nil || spec.Margin != nil {
		o.PositionValue = o.Margin * float64(o.Leverage)
		o.Quantity = o.PositionValue / o.EntryPrice
		if !finitePositive(o.PositionValue) || !finitePositive(o.Quantity) {
			return fmt.Errorf("quantity %v: %w", o.Quantity, domain.ErrInvalidInput)
		}
	}
	return validateRelation(o.Direction, o.EntryPrice, o.StopLoss, o.TakeProfit)
}

// validateRelation enforces stopLoss < entry < takeProfit for LONG and the
// mirror for SHORT. Unset legs are skipped.
func validateRelation(dir domain.Direction, entry float64, sl, tp *float64) error {
	long := dir == domain.DirectionLong
	if sl != nil {
		if (long && *sl >= entry) || (!long && *sl <= entry) {
			return fmt.Errorf("engine: stop loss %v vs entry %v for %s: %w", *sl, entry, dir, domain.ErrInvalidPriceRelation)
		}
	}
	if tp != nil {
		if (long && *tp <= entry) || (!long && *tp >= entry) {
			return fmt.Errorf("engine: take profit %v vs entry %v for %s: %w", *tp, entry, dir, domain.ErrInvalidPriceRelation)
		}
	}
	return nil
}

// optionalPrice treats zero as unset and rejects negative or non-finite
// values.
func optionalPrice(name string, p *float64) (*float64, error) {
	if p == nil || *p == 0 {
		return nil, nil
	}
	if !finitePositive(*p) {
		return nil, fmt.Errorf("%s %v", name, *p)
	}
	return domain.Float(*p), nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
