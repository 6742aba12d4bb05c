package engine

import (
	"context"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

type fillAction struct {
	id    string
	price float64
}

type exitAction struct {
	id       string
	price    float64
	decision ExitDecision
}

// Check evaluates one price sample against the working set. Pending fills
// run before position exits. Every transition goes through Fill, Close or
// CancelPending, so a record already moved by a concurrent caller is skipped.
// The returned events are in execution order.
func (e *Engine) Check(ctx context.Context, prices map[string]float64) []domain.Event {
	now := e.opts.Now()

	var (
		fills   []fillAction
		expired []string
		exits   []exitAction
		touched []domain.Order
	)

	e.mu.Lock()
	for _, o := range sortedPointers(e.pending) {
		price, ok := prices[o.Symbol]
		if !ok || !finitePositive(price) {
			continue
		}
		o.MarkPrice = price

		if o.Kind != domain.OrderKindStopLimit || o.LimitPrice == nil {
			if ShouldFill(*o, price) {
				fills = append(fills, fillAction{id: o.ID, price: price})
			}
			continue
		}

		if o.TriggeredAt == nil {
			if !ShouldFill(*o, price) {
				continue
			}
			t := now
			o.TriggeredAt = &t
			o.UpdatedAt = now
			touched = append(touched, o.Clone())
		} else if e.opts.TriggeredExpiry > 0 && now.Sub(*o.TriggeredAt) >= e.opts.TriggeredExpiry {
			expired = append(expired, o.ID)
			continue
		}
		if LimitReached(*o, price) {
			fills = append(fills, fillAction{id: o.ID, price: price})
		}
	}

	for _, o := range sortedPointers(e.open) {
		price, ok := prices[o.Symbol]
		if !ok || !finitePositive(price) {
			continue
		}
		d := EvaluateExit(*o, price, now, e.opts.GracePeriod)
		if d.Close {
			exits = append(exits, exitAction{id: o.ID, price: price, decision: d})
			continue
		}
		markToMarket(o, price)
	}
	acct := e.acct
	if len(touched) > 0 {
		e.seq++
		e.inflight += len(touched)
	}
	e.mu.Unlock()

	for _, o := range touched {
		e.logger.Info("engine: stop triggered, waiting for limit",
			slog.String("order_id", o.ID),
			slog.Float64("limit", *o.LimitPrice),
		)
		e.persist(ctx, o, domain.WriteUpdate, acct)
	}

	var events []domain.Event
	for _, f := range fills {
		o, err := e.Fill(ctx, f.id, f.price)
		if err != nil {
			e.logTickError("fill", f.id, err)
			continue
		}
		events = append(events, domain.Event{Kind: domain.EventOrderFilled, Order: o})
	}
	for _, id := range expired {
		o, err := e.CancelPending(ctx, id)
		if err != nil {
			e.logTickError("expire", id, err)
			continue
		}
		e.logger.Info("engine: triggered order expired", slog.String("order_id", id))
		events = append(events, domain.Event{Kind: domain.EventOrderCancelled, Order: o})
	}
	for _, x := range exits {
		// An edit between evaluation and close may have moved the levels.
		still := func(cur domain.Order) bool {
			return EvaluateExit(cur, x.price, now, e.opts.GracePeriod) == x.decision
		}
		o, err := e.close(ctx, x.id, x.decision.Price, x.decision.Reason, still)
		if err != nil {
			e.logTickError("close", x.id, err)
			continue
		}
		events = append(events, domain.Event{Kind: domain.EventKindForExit(o.ExitReason), Order: o})
	}
	return events
}

// logTickError keeps benign races quiet.
func (e *Engine) logTickError(op, id string, err error) {
	if domain.IsBenign(err) {
		e.logger.Debug("engine: tick "+op+" skipped",
			slog.String("order_id", id),
			slog.String("reason", err.Error()),
		)
		return
	}
	e.logger.Error("engine: tick "+op+" failed",
		slog.String("order_id", id),
		slog.String("error", err.Error()),
	)
}

func sortedPointers(m map[string]*domain.Order) []*domain.Order {
	out := make([]*domain.Order, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
