package feed

import (
	"context"
	"encoding/json"
	"errors"
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
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickerClientGetPrices(t *testing.T) {
	var gotSymbols []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("symbols")), &gotSymbols))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","price":"50123.45"},{"symbol":"ETHUSDT","price":"oops"},{"symbol":"XRPUSDT","price":"0"}]`))
	}))
	defer srv.Close()

	c := NewTickerClient(TickerConfig{BaseURL: srv.URL + "/"})
	prices, err := c.GetPrices(context.Background(), []string{"BTCUSDT", "ETHUSDT", "XRPUSDT"})
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "XRPUSDT"}, gotSymbols)
	assert.Equal(t, map[string]float64{"BTCUSDT": 50123.45}, prices)
}

func TestTickerClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewTickerClient(TickerConfig{BaseURL: srv.URL}).GetPrices(context.Background(), []string{"NOPE"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http status 400")
}

func TestTickerClientNoSymbolsSkipsRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	prices, err := NewTickerClient(TickerConfig{BaseURL: srv.URL}).GetPrices(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, prices)
	assert.False(t, called)
}

func TestTickerClientThrottleHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewTickerClient(TickerConfig{BaseURL: srv.URL, RequestsPerSecond: 0.001, Burst: 1})
	_, err := c.GetPrices(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.GetPrices(ctx, []string{"BTCUSDT"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttle")
}

type memCache struct {
	mu     sync.Mutex
	prices map[string]float64
	sets   int
}

func (m *memCache) SetPrice(_ context.Context, symbol string, price float64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prices == nil {
		m.prices = map[string]float64{}
	}
	m.prices[symbol] = price
	m.sets++
	return nil
}

func (m *memCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

func (m *memCache) GetPrices(_ context.Context, symbols []string, _ time.Duration) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]float64{}
	for _, s := range symbols {
		if p, ok := m.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

type stubSource struct {
	prices    map[string]float64
	err       error
	requested []string
}

func (s *stubSource) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	s.requested = append(s.requested, symbols...)
	if s.err != nil {
		return nil, s.err
	}
	out := map[string]float64{}
	for _, sym := range symbols {
		if p, ok := s.prices[sym]; ok {
			out[sym] = p
		}
	}
	return out, nil
}

func TestCachingFeed(t *testing.T) {
	tests := []struct {
		name          string
		cached        map[string]float64
		upstream      *stubSource
		wantPrices    map[string]float64
		wantRequested []string
		wantErr       bool
	}{
		{
			name:          "all cached",
			cached:        map[string]float64{"BTCUSDT": 1, "ETHUSDT": 2},
			upstream:      &stubSource{},
			wantPrices:    map[string]float64{"BTCUSDT": 1, "ETHUSDT": 2},
			wantRequested: nil,
		},
		{
			name:          "missing fetched upstream",
			cached:        map[string]float64{"BTCUSDT": 1},
			upstream:      &stubSource{prices: map[string]float64{"ETHUSDT": 2}},
			wantPrices:    map[string]float64{"BTCUSDT": 1, "ETHUSDT": 2},
			wantRequested: []string{"ETHUSDT"},
		},
		{
			name:          "upstream down serves cached subset",
			cached:        map[string]float64{"BTCUSDT": 1},
			upstream:      &stubSource{err: errors.New("timeout")},
			wantPrices:    map[string]float64{"BTCUSDT": 1},
			wantRequested: []string{"ETHUSDT"},
		},
		{
			name:          "upstream down and cache empty",
			upstream:      &stubSource{err: errors.New("timeout")},
			wantRequested: []string{"BTCUSDT", "ETHUSDT"},
			wantErr:       true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cache := &memCache{prices: tt.cached}
			f := NewCachingFeed(cache, tt.upstream, time.Minute, discardLogger())

			prices, err := f.GetPrices(context.Background(), []string{"BTCUSDT", "ETHUSDT"})
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantPrices, prices)
			}
			assert.Equal(t, tt.wantRequested, tt.upstream.requested)
		})
	}
}

func TestCachingFeedWritesBack(t *testing.T) {
	cache := &memCache{}
	f := NewCachingFeed(cache, &stubSource{prices: map[string]float64{"BTCUSDT": 42}}, 0, discardLogger())

	_, err := f.GetPrices(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)
	p, _, err := cache.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 42.0, p)
}

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }
func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}
func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestBusFeederWritesTicks(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 4)}
	cache := &memCache{}
	f := NewBusFeeder(bus, cache, discardLogger())

	bus.ch <- []byte(`{"symbol":" btcusdt ","price":50000}`)
	bus.ch <- []byte(`not json`)
	bus.ch <- []byte(`{"symbol":"ETHUSDT","price":0}`)
	bus.ch <- []byte(`{"symbol":"ETHUSDT","price":3000,"timestamp":"2026-03-01T12:00:00Z"}`)
	close(bus.ch)

	require.NoError(t, f.Run(context.Background()))
	assert.Equal(t, map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000}, cache.prices)
	assert.Equal(t, 2, cache.sets)
}
