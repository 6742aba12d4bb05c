// Package handler implements the HTTP endpoints of the trading API. Every
// handler resolves the caller's session from the user id the middleware put
// in the request context.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/papertrader/internal/domain"
	"github.com/alanyoungcy/papertrader/internal/monitor"
	"github.com/alanyoungcy/papertrader/internal/server/middleware"
	"github.com/alanyoungcy/papertrader/internal/session"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Sessions resolves a user's live session.
type Sessions interface {
	Get(ctx context.Context, userID string) (*session.Session, error)
	Evict(userID string)
}

// errNoPrice is returned when the feed has no price for a symbol.
var errNoPrice = errors.New("no market price")

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// errorStatus maps sentinel errors to a status and a stable code.
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
	{domain.ErrInvalidPriceRelation, http.StatusBadRequest, "INVALID_PRICE_RELATION"},
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},
	{domain.ErrInvalidState, http.StatusConflict, "INVALID_STATE"},
	{domain.ErrAlreadyClosed, http.StatusConflict, "ALREADY_CLOSED"},
	{domain.ErrConflict, http.StatusConflict, "CONFLICT"},
	{monitor.ErrBusy, http.StatusConflict, "MONITOR_BUSY"},
	{monitor.ErrSuspended, http.StatusConflict, "MONITOR_SUSPENDED"},
	{domain.ErrInsufficientBalance, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"},
	{domain.ErrQuotaExceeded, http.StatusUnprocessableEntity, "QUOTA_EXCEEDED"},
	{domain.ErrNotEditable, http.StatusUnprocessableEntity, "NOT_EDITABLE"},
	{domain.ErrInconsistent, http.StatusUnprocessableEntity, "INCONSISTENT"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
	{domain.ErrRemoteUnavailable, http.StatusServiceUnavailable, "REMOTE_UNAVAILABLE"},
	{errNoPrice, http.StatusServiceUnavailable, "NO_PRICE"},
}

// writeDomainError maps err to a status. Unknown errors are logged and
// reported as a bare 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			writeJSON(w, m.status, errorBody{Error: err.Error(), Code: m.code})
			return
		}
	}
	logger.ErrorContext(r.Context(), "handler: "+op+" failed",
		slog.String("user_id", middleware.UserID(r.Context())),
		slog.String("error", err.Error()),
	)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: op + " failed", Code: "INTERNAL"})
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
// An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w: %w", domain.ErrInvalidInput, err)
	}
	return nil
}

type listOpts struct {
	Limit  int
	Offset int
}

// parseListOpts extracts pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) listOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return listOpts{Limit: limit, Offset: offset}
}

// page returns the slice of items selected by opts.
func page[T any](items []T, opts listOpts) []T {
	if opts.Offset >= len(items) {
		return []T{}
	}
	end := opts.Offset + opts.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[opts.Offset:end]
}

// resolve loads the caller's session, writing the error response when it
// cannot.
func resolve(w http.ResponseWriter, r *http.Request, sessions Sessions, logger *slog.Logger) (*session.Session, bool) {
	s, err := sessions.Get(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, r, logger, "load session", err)
		return nil, false
	}
	return s, true
}

func normaliseSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
