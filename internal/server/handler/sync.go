package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
	"github.com/alanyoungcy/papertrader/internal/notify"
	"github.com/alanyoungcy/papertrader/internal/reconcile"
	"github.com/alanyoungcy/papertrader/internal/server/middleware"
)

// Syncer is the slice of the reconciler the sync endpoints need.
type Syncer interface {
	Diagnose(ctx context.Context, userID string) (reconcile.Report, error)
	Recover(ctx context.Context, userID string) (reconcile.Report, error)
	Backup(ctx context.Context, userID string) (string, error)
	SaveAccount(ctx context.Context, acct domain.Account) error
}

// SyncHandler serves the diagnostic, recovery and replay endpoints.
type SyncHandler struct {
	sync     Syncer
	sessions Sessions
	bus      domain.SignalBus
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewSyncHandler creates a SyncHandler. bus and audit may be nil, in which
// case the endpoints depending on them answer 503.
func NewSyncHandler(sync Syncer, sessions Sessions, bus domain.SignalBus, audit domain.AuditStore, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{sync: sync, sessions: sessions, bus: bus, audit: audit, logger: logger}
}

// Diagnose compares the remote store with the local cache without writing.
// GET /api/sync/diagnose
func (h *SyncHandler) Diagnose(w http.ResponseWriter, r *http.Request) {
	rep, err := h.sync.Diagnose(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, r, h.logger, "diagnose", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Recover repairs what it can and reloads the session from storage.
// POST /api/sync/recover
func (h *SyncHandler) Recover(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	rep, err := h.sync.Recover(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, h.logger, "recover", err)
		return
	}
	h.sessions.Evict(userID)
	writeJSON(w, http.StatusOK, rep)
}

// Backup uploads a snapshot of the local cache.
// POST /api/sync/backup
func (h *SyncHandler) Backup(w http.ResponseWriter, r *http.Request) {
	key, err := h.sync.Backup(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, r, h.logger, "backup", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

type consistencyResponse struct {
	Consistent        bool    `json:"consistent"`
	Balance           float64 `json:"balance"`
	RecomputedBalance float64 `json:"recomputed_balance"`
}

// Consistency compares the balance with the one derived from history.
// GET /api/account/consistency
func (h *SyncHandler) Consistency(w http.ResponseWriter, r *http.Request) {
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	err := s.Engine.CheckConsistency()
	if err != nil && !errors.Is(err, domain.ErrInconsistent) {
		writeDomainError(w, r, h.logger, "consistency", err)
		return
	}
	writeJSON(w, http.StatusOK, consistencyResponse{
		Consistent:        err == nil,
		Balance:           s.Engine.Account().Balance,
		RecomputedBalance: s.Engine.RecomputeBalance(),
	})
}

// RepairBalance overwrites the balance with the recomputed one.
// POST /api/account/repair
func (h *SyncHandler) RepairBalance(w http.ResponseWriter, r *http.Request) {
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	before, after := s.Engine.RepairBalance()
	if err := h.sync.SaveAccount(r.Context(), s.Engine.Account()); err != nil {
		h.logger.WarnContext(r.Context(), "handler: repaired balance not persisted",
			slog.String("user_id", s.Engine.UserID()),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, http.StatusOK, map[string]float64{"before": before, "after": after})
}

type streamEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// Events replays the caller's event stream after the given id.
// GET /api/events?after=0&count=100
func (h *SyncHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	count := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("count")); err == nil && v > 0 && v <= 1000 {
		count = v
	}

	msgs, err := h.bus.StreamRead(r.Context(), notify.EventsChannel(middleware.UserID(r.Context())), after, count)
	if err != nil {
		writeDomainError(w, r, h.logger, "read events", err)
		return
	}
	out := make([]streamEvent, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, streamEvent{ID: m.ID, Event: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

type auditValue struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// Audit lists the caller's audit log, newest first.
// GET /api/audit?limit=50&offset=0
func (h *SyncHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	opts := parseListOpts(r)
	entries, err := h.audit.List(r.Context(), middleware.UserID(r.Context()), domain.ListOpts{Limit: opts.Limit, Offset: opts.Offset})
	if err != nil {
		writeDomainError(w, r, h.logger, "list audit", err)
		return
	}
	out := make([]auditValue, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditValue{
			ID:        e.ID,
			Event:     e.Event,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
