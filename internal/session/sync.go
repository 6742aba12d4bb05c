package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// ChangesChannelPrefix prefixes the per-user bus channel on which confirmed
// writes are announced.
const ChangesChannelPrefix = "changes:"

const (
	defaultSyncInterval = 30 * time.Second
	refreshAttempts     = 3
	refreshBackoff      = 200 * time.Millisecond
)

// ChangesChannel is the bus channel announcing userID's confirmed writes.
func ChangesChannel(userID string) string {
	return ChangesChannelPrefix + userID
}

// change is the payload published on a changes channel.
type change struct {
	Origin string `json:"origin"`
	UserID string `json:"user_id"`
}

// announcer wraps the store so that every write the remote store confirmed
// is announced on the bus.
type announcer struct {
	Store
	m *Manager
}

func (a announcer) Persist(ctx context.Context, o domain.Order, op domain.WriteOp, acct domain.Account) error {
	err := a.Store.Persist(ctx, o, op, acct)
	if err == nil {
		a.m.announce(ctx, o.UserID)
	}
	return err
}

func (a announcer) SaveAccount(ctx context.Context, acct domain.Account) error {
	err := a.Store.SaveAccount(ctx, acct)
	if err == nil {
		a.m.announce(ctx, acct.UserID)
	}
	return err
}

func (m *Manager) announce(ctx context.Context, userID string) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(change{Origin: m.instance, UserID: userID})
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, ChangesChannel(userID), payload); err != nil {
		m.logger.Warn("session: announce change failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// Run keeps loaded sessions in step with storage until ctx is done. Every
// SyncInterval it retries degraded sessions and flushes unconfirmed writes of
// the others. With a bus, a change announced by another process refreshes
// the affected session right away.
func (m *Manager) Run(ctx context.Context) error {
	var changes <-chan []byte
	if m.bus != nil {
		ch, err := m.bus.Subscribe(ctx, ChangesChannelPrefix+"*")
		if err != nil {
			m.logger.Warn("session: change feed unavailable, relying on periodic sync", slog.String("error", err.Error()))
		} else {
			changes = ch
		}
	}

	ticker := time.NewTicker(m.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.SyncAll(ctx)
		case payload, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			m.onChange(ctx, payload)
		}
	}
}

func (m *Manager) onChange(ctx context.Context, payload []byte) {
	var c change
	if err := json.Unmarshal(payload, &c); err != nil {
		m.logger.Debug("session: undecodable change", slog.String("error", err.Error()))
		return
	}
	if c.Origin == m.instance {
		return
	}
	if _, ok := m.Peek(c.UserID); !ok {
		return
	}
	if err := m.Refresh(ctx, c.UserID); err != nil {
		m.logger.Warn("session: refresh after remote change failed",
			slog.String("user_id", c.UserID),
			slog.String("error", err.Error()),
		)
	}
}

// SyncAll runs one maintenance pass over every loaded session.
func (m *Manager) SyncAll(ctx context.Context) {
	for _, userID := range m.Users() {
		s, ok := m.Peek(userID)
		if !ok {
			continue
		}
		if s.Degraded() {
			if err := m.Refresh(ctx, userID); err != nil {
				m.logger.Debug("session: still degraded",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		if _, err := m.store.Flush(ctx, userID); err != nil {
			m.logger.Debug("session: flush deferred",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Refresh reloads userID's session from storage in place. The reload is
// applied only when the engine committed nothing meanwhile; otherwise it is
// retried a few times. A reload that could not reach the remote store leaves
// the session untouched.
func (m *Manager) Refresh(ctx context.Context, userID string) error {
	s, ok := m.Peek(userID)
	if !ok {
		return fmt.Errorf("session: refresh %s: %w", userID, domain.ErrNotFound)
	}

	for attempt := 0; attempt < refreshAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(refreshBackoff):
			}
		}

		seen := s.Engine.Version()
		res, err := m.store.Load(ctx, userID)
		if err != nil {
			return fmt.Errorf("session: refresh %s: %w", userID, err)
		}
		if res.Degraded {
			return fmt.Errorf("session: refresh %s: %w", userID, domain.ErrRemoteUnavailable)
		}
		if !s.Engine.Rebase(res.Snapshot, seen) {
			continue
		}

		wasDegraded := s.degraded.Swap(false)
		m.logger.Info("session: refreshed",
			slog.String("user_id", userID),
			slog.Bool("was_degraded", wasDegraded),
			slog.Int("orders", len(res.Snapshot.Orders)),
			slog.Int("flushed", res.Flushed),
		)
		return nil
	}
	return fmt.Errorf("session: refresh %s: engine busy: %w", userID, domain.ErrConflict)
}
