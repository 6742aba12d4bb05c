package reconcile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

var errDial = errors.New("dial tcp: connection refused")

type memRemote struct {
	mu       sync.Mutex
	down     bool
	accounts map[string]domain.Account
	orders   map[string]domain.Order
	inserts  []string
}

func newMemRemote() *memRemote {
	return &memRemote{accounts: map[string]domain.Account{}, orders: map[string]domain.Order{}}
}

func (m *memRemote) GetAccount(_ context.Context, userID string) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return domain.Account{}, errDial
	}
	a, ok := m.accounts[userID]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

func (m *memRemote) UpsertAccount(_ context.Context, a domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errDial
	}
	if cur, ok := m.accounts[a.UserID]; ok && cur.Revision >= a.Revision {
		return nil
	}
	m.accounts[a.UserID] = a
	return nil
}

func (m *memRemote) list(userID string, terminal bool) []domain.Order {
	var out []domain.Order
	for _, o := range m.orders {
		if o.UserID == userID && o.Status.Terminal() == terminal {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memRemote) ListOrders(_ context.Context, userID string) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errDial
	}
	return m.list(userID, false), nil
}

func (m *memRemote) ListHistory(_ context.Context, userID string, _ domain.ListOpts) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errDial
	}
	return m.list(userID, true), nil
}

func (m *memRemote) GetOrder(_ context.Context, userID, id string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return domain.Order{}, errDial
	}
	o, ok := m.orders[id]
	if !ok || o.UserID != userID {
		return domain.Order{}, domain.ErrNotFound
	}
	return o.Clone(), nil
}

func (m *memRemote) InsertOrder(_ context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errDial
	}
	if _, ok := m.orders[o.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.orders[o.ID] = o.Clone()
	m.inserts = append(m.inserts, o.ID)
	return nil
}

func (m *memRemote) UpdateOrder(_ context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errDial
	}
	if _, ok := m.orders[o.ID]; !ok {
		return domain.ErrNotFound
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *memRemote) TransitionOrder(_ context.Context, o domain.Order, from domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errDial
	}
	cur, ok := m.orders[o.ID]
	if !ok || cur.UserID != o.UserID {
		return domain.ErrNotFound
	}
	if cur.Status != from {
		return domain.ErrConflict
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *memRemote) status(id string) domain.OrderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

type memLocal struct {
	mu           sync.Mutex
	accounts     map[string]domain.Account
	accountDirty map[string]bool
	orders       map[string]domain.Order
	dirty        map[string]bool
}

func newMemLocal() *memLocal {
	return &memLocal{
		accounts:     map[string]domain.Account{},
		accountDirty: map[string]bool{},
		orders:       map[string]domain.Order{},
		dirty:        map[string]bool{},
	}
}

func (m *memLocal) Load(_ context.Context, userID string) (domain.LocalSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := domain.LocalSnapshot{Dirty: map[string]bool{}}
	snap.Account = m.accounts[userID]
	snap.AccountDirty = m.accountDirty[userID]
	for id, o := range m.orders {
		if o.UserID != userID {
			continue
		}
		snap.Orders = append(snap.Orders, o.Clone())
		if m.dirty[id] {
			snap.Dirty[id] = true
		}
	}
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].ID < snap.Orders[j].ID })
	return snap, nil
}

func (m *memLocal) SaveAccount(_ context.Context, a domain.Account, dirty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.accounts[a.UserID]; ok && cur.Revision > a.Revision {
		return nil
	}
	m.accounts[a.UserID] = a
	m.accountDirty[a.UserID] = dirty
	return nil
}

func (m *memLocal) SaveOrder(_ context.Context, o domain.Order, dirty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o.Clone()
	m.dirty[o.ID] = dirty
	return nil
}

func (m *memLocal) MarkClean(_ context.Context, _ string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.dirty, id)
	}
	return nil
}

func (m *memLocal) MarkAccountClean(_ context.Context, userID string, revision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accounts[userID].Revision <= revision {
		m.accountDirty[userID] = false
	}
	return nil
}

func (m *memLocal) Replace(_ context.Context, snap domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID := snap.Account.UserID
	for id, o := range m.orders {
		if o.UserID == userID {
			delete(m.orders, id)
			delete(m.dirty, id)
		}
	}
	m.accounts[userID] = snap.Account
	m.accountDirty[userID] = false
	for _, o := range snap.Orders {
		m.orders[o.ID] = o.Clone()
	}
	return nil
}

func (m *memLocal) Delete(_ context.Context, _ string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.orders, id)
		delete(m.dirty, id)
	}
	return nil
}

func (m *memLocal) isDirty(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty[id]
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	mtimes  map[string]time.Time
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, mtimes: map[string]time.Time{}}
}

func (b *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = raw
	b.mtimes[path] = time.Now()
	return nil
}

func (b *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BlobInfo
	for p, raw := range b.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(raw)), LastModified: b.mtimes[p]})
		}
	}
	return out, nil
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, _, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *memAudit) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (b *memBlobs) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, path)
	delete(b.mtimes, path)
	return nil
}
