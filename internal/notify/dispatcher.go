package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/papertrader/internal/codec"
	"github.com/alanyoungcy/papertrader/internal/domain"
)

// EventsChannelPrefix prefixes the per-user bus channel and stream.
const EventsChannelPrefix = "events:"

// EventsChannel is the bus channel and stream carrying userID's events.
func EventsChannel(userID string) string {
	return EventsChannelPrefix + userID
}

// Message is the JSON envelope published for every delivered event.
type Message struct {
	Type   string      `json:"type"`
	Kind   string      `json:"kind"`
	UserID string      `json:"user_id"`
	At     time.Time   `json:"at"`
	Order  codec.Order `json:"order"`
}

// Broadcaster pushes a payload to a user's live connections in-process.
type Broadcaster interface {
	Broadcast(userID string, payload []byte)
}

// DispatcherOptions tunes a Dispatcher.
type DispatcherOptions struct {
	// DedupTTL is how long a (record, kind) pair is remembered. Default 24h.
	DedupTTL time.Duration
	// SendTimeout bounds one delivery, bus and senders together. Default 10s.
	SendTimeout time.Duration
}

// Dispatcher implements domain.Dispatcher. Each (record id, kind) pair is
// delivered at most once per DedupTTL, even when two evaluators race.
type Dispatcher struct {
	dedup    domain.DedupStore
	bus      domain.SignalBus
	local    Broadcaster
	notifier *Notifier
	opts     DispatcherOptions
	logger   *slog.Logger
	now      func() time.Time
}

var _ domain.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. bus, local and notifier may be nil;
// a nil dedup falls back to an in-process store.
func NewDispatcher(dedup domain.DedupStore, bus domain.SignalBus, local Broadcaster, notifier *Notifier, opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	if dedup == nil {
		dedup = NewMemoryDedup()
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 24 * time.Hour
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		dedup:    dedup,
		bus:      bus,
		local:    local,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With(slog.String("component", "dispatcher")),
		now:      time.Now,
	}
}

// Notify delivers kind for o. Delivery is best effort; failures are logged.
func (d *Dispatcher) Notify(ctx context.Context, kind domain.EventKind, o domain.Order) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	key := o.ID + ":" + string(kind)
	dup, err := d.dedup.Seen(ctx, key, d.opts.DedupTTL)
	if err != nil {
		// Deliver anyway; a duplicate beats a lost notification.
		d.logger.Warn("notify: dedup unavailable", slog.String("key", key), slog.String("error", err.Error()))
	}
	if dup {
		d.logger.Debug("notify: duplicate suppressed", slog.String("key", key))
		return
	}

	payload, err := json.Marshal(Message{
		Type:   "event",
		Kind:   string(kind),
		UserID: o.UserID,
		At:     d.now().UTC(),
		Order:  codec.FromOrder(o),
	})
	if err != nil {
		d.logger.Error("notify: encode event", slog.String("error", err.Error()))
		return
	}

	channel := EventsChannel(o.UserID)
	if d.bus != nil {
		if err := d.bus.Publish(ctx, channel, payload); err != nil {
			d.logger.Warn("notify: publish failed", slog.String("channel", channel), slog.String("error", err.Error()))
		}
		if err := d.bus.StreamAppend(ctx, channel, payload); err != nil {
			d.logger.Warn("notify: stream append failed", slog.String("channel", channel), slog.String("error", err.Error()))
		}
	}
	if d.local != nil {
		d.local.Broadcast(o.UserID, payload)
	}

	if d.notifier.Enabled() {
		title, body := Format(kind, o)
		if err := d.notifier.Notify(ctx, string(kind), title, body); err != nil {
			d.logger.Warn("notify: delivery failed", slog.String("order_id", o.ID), slog.String("error", err.Error()))
		}
	}
	d.logger.Info("notify: event dispatched",
		slog.String("user_id", o.UserID),
		slog.String("order_id", o.ID),
		slog.String("kind", string(kind)),
	)
}

var kindTitles = map[domain.EventKind]string{
	domain.EventOrderFilled:    "Order filled",
	domain.EventTakeProfitHit:  "Take profit hit",
	domain.EventStopLossHit:    "Stop loss hit",
	domain.EventLiquidation:    "Position liquidated",
	domain.EventPositionClosed: "Position closed",
	domain.EventOrderCancelled: "Order cancelled",
}

// Format renders the human-readable title and body for a chat message.
func Format(kind domain.EventKind, o domain.Order) (string, string) {
	title, ok := kindTitles[kind]
	if !ok {
		title = string(kind)
	}
	title = fmt.Sprintf("%s: %s %s", title, o.Symbol, o.Direction)

	var b strings.Builder
	fmt.Fprintf(&b, "%dx, margin %.2f\n", o.Leverage, o.Margin)
	switch kind {
	case domain.EventOrderFilled:
		fmt.Fprintf(&b, "filled at %s", price(o.FillPrice))
	case domain.EventOrderCancelled:
		fmt.Fprintf(&b, "entry %s, margin refunded", price(o.EntryPrice))
	default:
		exit := 0.0
		if o.ExitPrice != nil {
			exit = *o.ExitPrice
		}
		fmt.Fprintf(&b, "entry %s, exit %s\nPnL %+.2f (%+.2f%%)",
			price(o.EntryPrice), price(exit), o.RealizedPnL, o.RealizedPnLPercent)
	}
	return title, b.String()
}

func price(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
