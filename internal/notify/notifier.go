// Package notify delivers engine events to users: once per (record, event
// kind), onto the event bus for live app clients, and to chat senders.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Sender is one outbound chat channel (Telegram, Discord).
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier posts a message to every configured Sender in parallel. Only the
// event kinds named in its filter are forwarded.
type Notifier struct {
	senders []Sender
	only    map[string]struct{}
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list forwards every kind.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	only := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			only[e] = struct{}{}
		}
	}
	return &Notifier{
		senders: senders,
		only:    only,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether there is anywhere to send to. A nil Notifier is
// disabled.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Allows reports whether event kind passes the filter.
func (n *Notifier) Allows(event string) bool {
	if len(n.only) == 0 {
		return true
	}
	_, ok := n.only[event]
	return ok
}

// Notify sends title and message for event to all senders. Every sender is
// attempted; the failures come back joined, each prefixed by sender name.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Allows(event) {
		n.logger.DebugContext(ctx, "notify: event filtered out", slog.String("event", event))
		return nil
	}

	failures := make([]error, len(n.senders))
	var g errgroup.Group
	for i, s := range n.senders {
		g.Go(func() error {
			if err := s.Send(ctx, title, message); err != nil {
				n.logger.WarnContext(ctx, "notify: sender failed",
					slog.String("sender", s.Name()),
					slog.String("event", event),
					slog.String("error", err.Error()),
				)
				failures[i] = fmt.Errorf("%s: %w", s.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(failures...); err != nil {
		return fmt.Errorf("notify: %s: %w", event, err)
	}
	return nil
}
