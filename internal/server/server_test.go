package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/papertrader/internal/domain"
	"github.com/alanyoungcy/papertrader/internal/reconcile"
	"github.com/alanyoungcy/papertrader/internal/server/handler"
	"github.com/alanyoungcy/papertrader/internal/session"
)

type memStore struct {
	mu     sync.Mutex
	writes []domain.WriteOp
}

func (s *memStore) Load(_ context.Context, userID string) (reconcile.LoadResult, error) {
	return reconcile.LoadResult{Snapshot: domain.Snapshot{Account: domain.Account{UserID: userID}}}, nil
}

func (s *memStore) Persist(_ context.Context, _ domain.Order, op domain.WriteOp, _ domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, op)
	return nil
}

func (s *memStore) SaveAccount(context.Context, domain.Account) error { return nil }

func (s *memStore) Flush(context.Context, string) (int, error) { return 0, nil }

func (s *memStore) Fetch(context.Context, string, string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}

func (s *memStore) Diagnose(_ context.Context, userID string) (reconcile.Report, error) {
	return reconcile.Report{UserID: userID, RemoteAvailable: true, Consistent: true}, nil
}

func (s *memStore) Recover(_ context.Context, userID string) (reconcile.Report, error) {
	return reconcile.Report{UserID: userID}, nil
}

func (s *memStore) Backup(_ context.Context, userID string) (string, error) {
	return "backups/" + userID + "/x.json", nil
}

type mapFeed struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (f *mapFeed) set(symbol string, p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = p
}

func (f *mapFeed) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]float64{}
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	kinds []domain.EventKind
	ids   []string
}

func (d *recordingDispatcher) Notify(_ context.Context, kind domain.EventKind, o domain.Order) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kinds = append(d.kinds, kind)
	d.ids = append(d.ids, o.ID)
}

func (d *recordingDispatcher) sent() ([]domain.EventKind, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.EventKind(nil), d.kinds...), append([]string(nil), d.ids...)
}

type fixture struct {
	handler    http.Handler
	feed       *mapFeed
	store      *memStore
	dispatcher *recordingDispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &memStore{}
	feed := &mapFeed{prices: map[string]float64{"BTCUSDT": 50000}}
	disp := &recordingDispatcher{}
	sessions := session.NewManager(store, feed, disp, nil, nil, nil, session.Options{InitialBalance: 10000}, logger)
	t.Cleanup(sessions.Close)

	srv := NewServer(cfg, Handlers{
		Health:  handler.NewHealthHandler(map[string]handler.Check{"feed": func(context.Context) error { return nil }}, logger),
		Trading: handler.NewTradingHandler(sessions, feed, logger),
		Monitor: handler.NewMonitorHandler(sessions, logger),
		Sync:    handler.NewSyncHandler(store, sessions, nil, nil, logger),
	}, nil, nil, logger)
	return &fixture{handler: srv.Handler(), feed: feed, store: store, dispatcher: disp}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func TestOpenCheckCloseFlow(t *testing.T) {
	f := newFixture(t, Config{})

	rec, order := f.do(t, http.MethodPost, "/api/orders", "alice", map[string]any{
		"symbol": "btcusdt", "direction": "long", "kind": "market",
		"margin": 1000, "leverage": 10, "take_profit": 51000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "OPEN", order["status"])
	assert.Equal(t, "BTCUSDT", order["symbol"])
	id := order["id"].(string)

	rec, acct := f.do(t, http.MethodGet, "/api/account", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 9000.0, acct["account"].(map[string]any)["balance"])

	rec, positions := f.do(t, http.MethodGet, "/api/positions", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, positions["orders"], 1)

	rec, closed := f.do(t, http.MethodPost, "/api/positions/"+id+"/close", "alice", map[string]any{"exit_price": 51000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CLOSED", closed["status"])
	assert.Equal(t, "MANUAL", closed["exit_reason"])

	rec, body := f.do(t, http.MethodPost, "/api/positions/"+id+"/close", "alice", map[string]any{"exit_price": 51000})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_CLOSED", body["code"])

	rec, hist := f.do(t, http.MethodGet, "/api/history?limit=10", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, hist["orders"], 1)

	rec, _ = f.do(t, http.MethodGet, "/api/account", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPendingCancel(t *testing.T) {
	f := newFixture(t, Config{})

	rec, order := f.do(t, http.MethodPost, "/api/orders", "alice", map[string]any{
		"symbol": "BTCUSDT", "direction": "LONG", "kind": "LIMIT",
		"entry_price": 45000, "margin": 500, "leverage": 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "PENDING", order["status"])
	id := order["id"].(string)

	rec, pending := f.do(t, http.MethodGet, "/api/orders/pending", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, pending["orders"], 1)

	rec, cancelled := f.do(t, http.MethodDelete, "/api/orders/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELLED", cancelled["status"])

	rec, acct := f.do(t, http.MethodGet, "/api/account", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10000.0, acct["account"].(map[string]any)["balance"])
}

func TestManualCloseNotifies(t *testing.T) {
	f := newFixture(t, Config{})

	rec, order := f.do(t, http.MethodPost, "/api/orders", "alice", map[string]any{
		"symbol": "BTCUSDT", "direction": "LONG", "kind": "MARKET",
		"margin": 1000, "leverage": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := order["id"].(string)

	rec, _ = f.do(t, http.MethodPost, "/api/positions/"+id+"/close", "alice", map[string]any{"exit_price": 50500})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		kinds, _ := f.dispatcher.sent()
		return len(kinds) == 1
	}, time.Second, 5*time.Millisecond)
	kinds, ids := f.dispatcher.sent()
	assert.Equal(t, []domain.EventKind{domain.EventPositionClosed}, kinds)
	assert.Equal(t, []string{id}, ids)

	// A rejected second close sends nothing.
	rec, _ = f.do(t, http.MethodPost, "/api/positions/"+id+"/close", "alice", map[string]any{"exit_price": 50500})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Never(t, func() bool {
		kinds, _ := f.dispatcher.sent()
		return len(kinds) > 1
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestCancelNotifies(t *testing.T) {
	f := newFixture(t, Config{})

	rec, order := f.do(t, http.MethodPost, "/api/orders", "alice", map[string]any{
		"symbol": "BTCUSDT", "direction": "SHORT", "kind": "LIMIT",
		"entry_price": 52000, "margin": 300, "leverage": 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "PENDING", order["status"])
	id := order["id"].(string)

	rec, _ = f.do(t, http.MethodDelete, "/api/orders/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		kinds, _ := f.dispatcher.sent()
		return len(kinds) == 1
	}, time.Second, 5*time.Millisecond)
	kinds, ids := f.dispatcher.sent()
	assert.Equal(t, []domain.EventKind{domain.EventOrderCancelled}, kinds)
	assert.Equal(t, []string{id}, ids)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, Config{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"insufficient balance", http.MethodPost, "/api/orders",
			map[string]any{"symbol": "BTCUSDT", "direction": "LONG", "kind": "MARKET", "margin": 20000, "leverage": 2},
			http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"},
		{"bad leverage", http.MethodPost, "/api/orders",
			map[string]any{"symbol": "BTCUSDT", "direction": "LONG", "kind": "MARKET", "margin": 100, "leverage": 500},
			http.StatusBadRequest, "INVALID_INPUT"},
		{"stop on wrong side", http.MethodPost, "/api/orders",
			map[string]any{"symbol": "BTCUSDT", "direction": "LONG", "kind": "MARKET", "margin": 100, "leverage": 2, "stop_loss": 60000},
			http.StatusBadRequest, "INVALID_PRICE_RELATION"},
		{"unknown field", http.MethodPost, "/api/orders",
			map[string]any{"symbol": "BTCUSDT", "wat": true},
			http.StatusBadRequest, "INVALID_INPUT"},
		{"no price", http.MethodPost, "/api/orders",
			map[string]any{"symbol": "DOGEUSDT", "direction": "LONG", "kind": "MARKET", "margin": 100, "leverage": 2},
			http.StatusServiceUnavailable, "NO_PRICE"},
		{"missing order", http.MethodGet, "/api/orders/nope", nil, http.StatusNotFound, "NOT_FOUND"},
		{"cancel missing", http.MethodDelete, "/api/orders/nope", nil, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := f.do(t, tt.method, tt.path, "alice", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestPreviewDoesNotCommit(t *testing.T) {
	f := newFixture(t, Config{})
	rec, quote := f.do(t, http.MethodPost, "/api/orders/preview", "alice", map[string]any{
		"symbol": "BTCUSDT", "direction": "LONG", "kind": "MARKET",
		"margin": 1000, "leverage": 10, "stop_loss": 49000, "take_profit": 52000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 10000.0, quote["position_value"])
	assert.Equal(t, true, quote["opens_immediately"])
	assert.NotNil(t, quote["risk_reward"])

	_, acct := f.do(t, http.MethodGet, "/api/account", "alice", nil)
	assert.Equal(t, 10000.0, acct["account"].(map[string]any)["balance"])
	assert.Empty(t, f.store.writes)
}

func TestMonitorLifecycleAndCheck(t *testing.T) {
	f := newFixture(t, Config{})

	rec, _ := f.do(t, http.MethodPost, "/api/orders", "alice", map[string]any{
		"symbol": "BTCUSDT", "direction": "LONG", "kind": "LIMIT",
		"entry_price": 49000, "margin": 500, "leverage": 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, body := f.do(t, http.MethodPut, "/api/monitor/active", "alice", map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["suspended"])

	rec, body = f.do(t, http.MethodPost, "/api/monitor/check", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "MONITOR_SUSPENDED", body["code"])

	rec, _ = f.do(t, http.MethodPut, "/api/monitor/active", "alice", map[string]any{"active": true})
	require.Equal(t, http.StatusOK, rec.Code)

	f.feed.set("BTCUSDT", 48900)
	rec, body = f.do(t, http.MethodPost, "/api/monitor/check", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "ORDER_FILLED", events[0].(map[string]any)["kind"])

	rec, _ = f.do(t, http.MethodPost, "/api/monitor/bogus", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMiddleware(t *testing.T) {
	f := newFixture(t, Config{APIKey: "secret", RateLimit: 3, RateWindow: time.Minute, RateBurst: 3})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/account", nil)
	req.Header.Set("X-User-ID", "alice")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/account", nil)
	req.Header.Set("X-API-Key", "secret")
	req.Header.Set("X-User-ID", "bad user!")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Three requests so far from one address; the bucket of three is empty.
	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	req = httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("X-Forwarded-For", "10.0.0.9")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
