package notify

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

type recordingSender struct {
	mu     sync.Mutex
	name   string
	err    error
	titles []string
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

type recordingBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newRecordingBus() *recordingBus {
	return &recordingBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *recordingBus) Publish(_ context.Context, ch string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[ch] = append(b.published[ch], p)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) StreamAppend(_ context.Context, s string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[s] = append(b.streamed[s], p)
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type failingDedup struct{}

func (failingDedup) Seen(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func closedOrder() domain.Order {
	return domain.Order{
		ID:                 "o1",
		UserID:             "user-1",
		Symbol:             "BTCUSDT",
		Direction:          domain.DirectionLong,
		Leverage:           10,
		Margin:             1000,
		EntryPrice:         50000,
		ExitPrice:          domain.Float(53000),
		RealizedPnL:        600,
		RealizedPnLPercent: 60,
		Status:             domain.OrderStatusClosed,
	}
}

func TestDispatcherDeliversOncePerKind(t *testing.T) {
	sender := &recordingSender{name: "rec"}
	bus := newRecordingBus()
	d := NewDispatcher(nil, bus, nil, NewNotifier([]Sender{sender}, nil, discardLogger()), DispatcherOptions{}, discardLogger())

	o := closedOrder()
	ctx := context.Background()
	d.Notify(ctx, domain.EventTakeProfitHit, o)
	d.Notify(ctx, domain.EventTakeProfitHit, o)
	d.Notify(ctx, domain.EventOrderFilled, o)

	assert.Len(t, sender.titles, 2)
	assert.Equal(t, "Take profit hit: BTCUSDT LONG", sender.titles[0])
	require.Len(t, bus.published["events:user-1"], 2)
	require.Len(t, bus.streamed["events:user-1"], 2)

	var msg Message
	require.NoError(t, json.Unmarshal(bus.published["events:user-1"][0], &msg))
	assert.Equal(t, "TP_HIT", msg.Kind)
	assert.Equal(t, "user-1", msg.UserID)
	assert.Equal(t, "o1", msg.Order.ID)
}

func TestDispatcherConcurrentDuplicates(t *testing.T) {
	sender := &recordingSender{name: "rec"}
	d := NewDispatcher(NewMemoryDedup(), nil, nil, NewNotifier([]Sender{sender}, nil, discardLogger()), DispatcherOptions{}, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Notify(context.Background(), domain.EventStopLossHit, closedOrder())
		}()
	}
	wg.Wait()
	assert.Len(t, sender.titles, 1)
}

type localSink struct {
	users []string
}

func (l *localSink) Broadcast(userID string, _ []byte) { l.users = append(l.users, userID) }

func TestDispatcherDedupOutageStillDelivers(t *testing.T) {
	sink := &localSink{}
	d := NewDispatcher(failingDedup{}, nil, sink, nil, DispatcherOptions{}, discardLogger())
	d.Notify(context.Background(), domain.EventLiquidation, closedOrder())
	d.Notify(context.Background(), domain.EventLiquidation, closedOrder())
	assert.Equal(t, []string{"user-1", "user-1"}, sink.users)
}

func TestNotifierFilterAndErrors(t *testing.T) {
	ok := &recordingSender{name: "ok"}
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	n := NewNotifier([]Sender{bad, ok}, []string{"SL_HIT", " "}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), "ORDER_FILLED", "t", "m"))
	assert.Empty(t, ok.titles)

	err := n.Notify(context.Background(), "SL_HIT", "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, ok.titles, 1)
}

func TestMemoryDedupExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDedup()
	d.now = func() time.Time { return now }
	ctx := context.Background()

	seen, _ := d.Seen(ctx, "k", time.Minute)
	assert.False(t, seen)
	seen, _ = d.Seen(ctx, "k", time.Minute)
	assert.True(t, seen)

	now = now.Add(2 * time.Minute)
	seen, _ = d.Seen(ctx, "k", time.Minute)
	assert.False(t, seen)
}

func TestFormat(t *testing.T) {
	title, body := Format(domain.EventTakeProfitHit, closedOrder())
	assert.Equal(t, "Take profit hit: BTCUSDT LONG", title)
	assert.Equal(t, "10x, margin 1000.00\nentry 50000, exit 53000\nPnL +600.00 (+60.00%)", body)

	o := closedOrder()
	o.FillPrice = 49999.5
	_, body = Format(domain.EventOrderFilled, o)
	assert.Contains(t, body, "filled at 49999.5")
}

func TestSendersPostJSON(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, body)
		mu.Unlock()
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ctx := context.Background()
	require.NoError(t, NewTelegramSender(srv.URL, "TOKEN", "42").Send(ctx, "Title", "Body"))
	require.NoError(t, NewDiscordSender(srv.URL+"/hook").Send(ctx, "Stop loss hit: BTCUSDT LONG", "Body"))
	err := NewDiscordSender(srv.URL+"/fail").Send(ctx, "Title", "Body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 429")

	assert.Equal(t, []string{"/botTOKEN/sendMessage", "/hook", "/fail"}, paths)
	assert.Equal(t, "42", bodies[0]["chat_id"])
	assert.Equal(t, "*Title*\nBody", bodies[0]["text"])
	embeds, ok := bodies[1]["embeds"].([]any)
	require.True(t, ok)
	require.Len(t, embeds, 1)
	embed := embeds[0].(map[string]any)
	assert.Equal(t, "Stop loss hit: BTCUSDT LONG", embed["title"])
	assert.Equal(t, "Body", embed["description"])
	assert.Equal(t, float64(colorLoss), embed["color"])
	assert.Equal(t, "papertrader", bodies[1]["username"])
}
