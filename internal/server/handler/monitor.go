package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/papertrader/internal/codec"
	"github.com/alanyoungcy/papertrader/internal/domain"
)

// MonitorHandler exposes the lifecycle of a user's monitoring scheduler.
type MonitorHandler struct {
	sessions Sessions
	logger   *slog.Logger
}

// NewMonitorHandler creates a MonitorHandler.
func NewMonitorHandler(sessions Sessions, logger *slog.Logger) *MonitorHandler {
	return &MonitorHandler{sessions: sessions, logger: logger}
}

type monitorStatus struct {
	Running   bool       `json:"running"`
	Suspended bool       `json:"suspended"`
	Symbols   []string   `json:"symbols"`
	Checks    int64      `json:"checks"`
	Dropped   int64      `json:"dropped"`
	Skipped   int64      `json:"skipped"`
	Failures  int64      `json:"failures"`
	Events    int64      `json:"events"`
	LastCheck *time.Time `json:"last_check,omitempty"`
}

// Status reports the scheduler state and counters.
// GET /api/monitor
func (h *MonitorHandler) Status(w http.ResponseWriter, r *http.Request) {
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	st := s.Monitor.Stats()
	resp := monitorStatus{
		Running:   s.Monitor.Running(),
		Suspended: s.Monitor.Suspended(),
		Symbols:   s.Engine.MonitoredSymbols(),
		Checks:    st.Checks,
		Dropped:   st.Dropped,
		Skipped:   st.Skipped,
		Failures:  st.Failures,
		Events:    st.Events,
	}
	if !st.LastCheck.IsZero() {
		resp.LastCheck = &st.LastCheck
	}
	writeJSON(w, http.StatusOK, resp)
}

// Control starts, stops, pauses or resumes the scheduler.
// POST /api/monitor/{action}
func (h *MonitorHandler) Control(w http.ResponseWriter, r *http.Request) {
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	switch action := r.PathValue("action"); action {
	case "start":
		if !s.Monitor.Running() {
			// The loop outlives the request.
			if err := s.Monitor.Start(context.Background()); err != nil {
				writeDomainError(w, r, h.logger, "start monitor", err)
				return
			}
		}
	case "stop":
		s.Monitor.Stop()
	case "pause":
		s.Monitor.Pause()
	case "resume":
		s.Monitor.Resume()
	default:
		writeError(w, http.StatusNotFound, "unknown action "+action)
		return
	}
	h.Status(w, r)
}

type activeRequest struct {
	Active *bool `json:"active"`
}

// SetActive forwards the host application's foreground state.
// PUT /api/monitor/active
func (h *MonitorHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "set active", err)
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	s.Monitor.SetActive(*req.Active)
	h.Status(w, r)
}

type eventValue struct {
	Kind  domain.EventKind `json:"kind"`
	Order codec.Order      `json:"order"`
}

// CheckNow runs one evaluation synchronously.
// POST /api/monitor/check
func (h *MonitorHandler) CheckNow(w http.ResponseWriter, r *http.Request) {
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	events, err := s.Monitor.CheckNow(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "check", err)
		return
	}
	out := make([]eventValue, 0, len(events))
	for _, ev := range events {
		out = append(out, eventValue{Kind: ev.Kind, Order: codec.FromOrder(ev.Order)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
