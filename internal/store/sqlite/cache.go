// Package sqlite implements domain.LocalCache, the on-device copy of a
// user's account and orders, using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id         TEXT PRIMARY KEY,
	balance         REAL NOT NULL,
	initial_balance REAL NOT NULL,
	revision        INTEGER NOT NULL DEFAULT 0,
	updated_at      DATETIME NOT NULL,
	dirty           BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS orders (
	id                     TEXT PRIMARY KEY,
	user_id                TEXT NOT NULL,
	symbol                 TEXT NOT NULL,
	direction              TEXT NOT NULL,
	kind                   TEXT NOT NULL,
	trade_mode             TEXT NOT NULL,
	entry_price            REAL NOT NULL,
	creation_price         REAL NOT NULL,
	fill_price             REAL NOT NULL,
	limit_price            REAL,
	mark_price             REAL NOT NULL,
	stop_loss              REAL,
	take_profit            REAL,
	margin                 REAL NOT NULL,
	leverage               INTEGER NOT NULL,
	position_value         REAL NOT NULL,
	quantity               REAL NOT NULL,
	status                 TEXT NOT NULL,
	created_at             DATETIME NOT NULL,
	triggered_at           DATETIME,
	filled_at              DATETIME,
	closed_at              DATETIME,
	cancelled_at           DATETIME,
	updated_at             DATETIME NOT NULL,
	exit_price             REAL,
	exit_reason            TEXT NOT NULL DEFAULT '',
	realized_pnl           REAL NOT NULL DEFAULT 0,
	realized_pnl_percent   REAL NOT NULL DEFAULT 0,
	result                 TEXT NOT NULL DEFAULT '',
	unrealized_pnl         REAL NOT NULL DEFAULT 0,
	unrealized_pnl_percent REAL NOT NULL DEFAULT 0,
	dirty                  BOOLEAN NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);
`

var orderColumns = []string{
	"id", "user_id", "symbol", "direction", "kind", "trade_mode",
	"entry_price", "creation_price", "fill_price", "limit_price", "mark_price",
	"stop_loss", "take_profit",
	"margin", "leverage", "position_value", "quantity",
	"status", "created_at", "triggered_at", "filled_at", "closed_at", "cancelled_at", "updated_at",
	"exit_price", "exit_reason", "realized_pnl", "realized_pnl_percent", "result",
	"unrealized_pnl", "unrealized_pnl_percent",
}

var (
	selectOrderSQL = "SELECT " + strings.Join(orderColumns, ", ") + ", dirty FROM orders WHERE user_id = ? ORDER BY created_at, id"
	upsertOrderSQL = "INSERT OR REPLACE INTO orders (" + strings.Join(orderColumns, ", ") + ", dirty) VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(orderColumns)+1), ", ") + ")"
)

// Cache is a SQLite-backed domain.LocalCache.
type Cache struct {
	db *sql.DB
}

var _ domain.LocalCache = (*Cache)(nil)

// Open opens (creating if needed) the cache database at path. ":memory:" is
// accepted for tests.
func Open(path string) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// A single connection serialises writers and keeps :memory: coherent.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	if err := addColumn(db, "accounts", "revision", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// addColumn upgrades cache files created before the column existed.
func addColumn(db *sql.DB, table, column, decl string) error {
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return fmt.Errorf("sqlite: inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("sqlite: inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: inspect %s: %w", table, err)
	}
	rows.Close()

	if _, err := db.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + decl); err != nil {
		return fmt.Errorf("sqlite: add %s.%s: %w", table, column, err)
	}
	return nil
}

// Ping reports whether the database file is usable.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Load returns everything cached for userID. An unknown user yields an empty
// snapshot.
func (c *Cache) Load(ctx context.Context, userID string) (domain.LocalSnapshot, error) {
	snap := domain.LocalSnapshot{Dirty: map[string]bool{}}

	err := c.db.QueryRowContext(ctx,
		`SELECT user_id, balance, initial_balance, revision, updated_at, dirty FROM accounts WHERE user_id = ?`, userID,
	).Scan(&snap.Account.UserID, &snap.Account.Balance, &snap.Account.InitialBalance, &snap.Account.Revision, &snap.Account.UpdatedAt, &snap.AccountDirty)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.LocalSnapshot{}, fmt.Errorf("sqlite: load account %s: %w", userID, err)
	}

	rows, err := c.db.QueryContext(ctx, selectOrderSQL, userID)
	if err != nil {
		return domain.LocalSnapshot{}, fmt.Errorf("sqlite: load orders %s: %w", userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		o, dirty, err := scanOrder(rows)
		if err != nil {
			return domain.LocalSnapshot{}, fmt.Errorf("sqlite: scan order: %w", err)
		}
		snap.Orders = append(snap.Orders, o)
		if dirty {
			snap.Dirty[o.ID] = true
		}
	}
	if err := rows.Err(); err != nil {
		return domain.LocalSnapshot{}, fmt.Errorf("sqlite: load orders rows: %w", err)
	}
	return snap, nil
}

// SaveAccount writes the account row unless the cached row has a newer
// revision.
func (c *Cache) SaveAccount(ctx context.Context, a domain.Account, dirty bool) error {
	const query = `INSERT INTO accounts (user_id, balance, initial_balance, revision, updated_at, dirty)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			balance = excluded.balance,
			initial_balance = excluded.initial_balance,
			revision = excluded.revision,
			updated_at = excluded.updated_at,
			dirty = excluded.dirty
		WHERE excluded.revision >= accounts.revision`
	if _, err := c.db.ExecContext(ctx, query, a.UserID, a.Balance, a.InitialBalance, a.Revision, a.UpdatedAt.UTC(), dirty); err != nil {
		return fmt.Errorf("sqlite: save account %s: %w", a.UserID, err)
	}
	return nil
}

// SaveOrder writes one order row.
func (c *Cache) SaveOrder(ctx context.Context, o domain.Order, dirty bool) error {
	return saveOrder(ctx, c.db, o, dirty)
}

// MarkClean clears the dirty flag of the given orders.
func (c *Cache) MarkClean(ctx context.Context, userID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	query := "UPDATE orders SET dirty = 0 WHERE user_id = ? AND id IN (" + placeholders(len(ids)) + ")"
	if _, err := c.db.ExecContext(ctx, query, withUser(userID, ids)...); err != nil {
		return fmt.Errorf("sqlite: mark clean: %w", err)
	}
	return nil
}

// MarkAccountClean clears the account's dirty flag unless a newer revision
// has been cached since.
func (c *Cache) MarkAccountClean(ctx context.Context, userID string, revision int64) error {
	if _, err := c.db.ExecContext(ctx, "UPDATE accounts SET dirty = 0 WHERE user_id = ? AND revision <= ?", userID, revision); err != nil {
		return fmt.Errorf("sqlite: mark account clean: %w", err)
	}
	return nil
}

// Replace swaps everything cached for snap.Account.UserID for snap in one
// transaction. Every written row is clean.
func (c *Cache) Replace(ctx context.Context, snap domain.Snapshot) error {
	userID := snap.Account.UserID
	if userID == "" {
		return fmt.Errorf("sqlite: replace: %w: empty user id", domain.ErrInvalidInput)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM orders WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("sqlite: replace clear: %w", err)
	}
	if err := replaceAccount(ctx, tx, snap.Account); err != nil {
		return err
	}
	for _, o := range snap.Orders {
		if err := saveOrder(ctx, tx, o, false); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit replace: %w", err)
	}
	return nil
}

// Delete removes the given orders.
func (c *Cache) Delete(ctx context.Context, userID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	query := "DELETE FROM orders WHERE user_id = ? AND id IN (" + placeholders(len(ids)) + ")"
	if _, err := c.db.ExecContext(ctx, query, withUser(userID, ids)...); err != nil {
		return fmt.Errorf("sqlite: delete: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func replaceAccount(ctx context.Context, db execer, a domain.Account) error {
	const query = `INSERT OR REPLACE INTO accounts (user_id, balance, initial_balance, revision, updated_at, dirty)
		VALUES (?, ?, ?, ?, ?, 0)`
	if _, err := db.ExecContext(ctx, query, a.UserID, a.Balance, a.InitialBalance, a.Revision, a.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("sqlite: save account %s: %w", a.UserID, err)
	}
	return nil
}

func saveOrder(ctx context.Context, db execer, o domain.Order, dirty bool) error {
	args := []any{
		o.ID, o.UserID, o.Symbol, string(o.Direction), string(o.Kind), o.TradeMode,
		o.EntryPrice, o.CreationPrice, o.FillPrice, o.LimitPrice, o.MarkPrice,
		o.StopLoss, o.TakeProfit,
		o.Margin, o.Leverage, o.PositionValue, o.Quantity,
		string(o.Status), o.CreatedAt.UTC(), utc(o.TriggeredAt), utc(o.FilledAt), utc(o.ClosedAt), utc(o.CancelledAt), o.UpdatedAt.UTC(),
		o.ExitPrice, string(o.ExitReason), o.RealizedPnL, o.RealizedPnLPercent, string(o.Result),
		o.UnrealizedPnL, o.UnrealizedPnLPercent,
		dirty,
	}
	if _, err := db.ExecContext(ctx, upsertOrderSQL, args...); err != nil {
		return fmt.Errorf("sqlite: save order %s: %w", o.ID, err)
	}
	return nil
}

func scanOrder(rows *sql.Rows) (domain.Order, bool, error) {
	var o domain.Order
	var direction, kind, status, exitReason, result string
	var dirty bool

	err := rows.Scan(
		&o.ID, &o.UserID, &o.Symbol, &direction, &kind, &o.TradeMode,
		&o.EntryPrice, &o.CreationPrice, &o.FillPrice, &o.LimitPrice, &o.MarkPrice,
		&o.StopLoss, &o.TakeProfit,
		&o.Margin, &o.Leverage, &o.PositionValue, &o.Quantity,
		&status, &o.CreatedAt, &o.TriggeredAt, &o.FilledAt, &o.ClosedAt, &o.CancelledAt, &o.UpdatedAt,
		&o.ExitPrice, &exitReason, &o.RealizedPnL, &o.RealizedPnLPercent, &result,
		&o.UnrealizedPnL, &o.UnrealizedPnLPercent,
		&dirty,
	)
	if err != nil {
		return domain.Order{}, false, err
	}
	o.Direction = domain.Direction(direction)
	o.Kind = domain.OrderKind(kind)
	o.Status = domain.OrderStatus(status)
	o.ExitReason = domain.ExitReason(exitReason)
	o.Result = domain.TradeResult(result)
	return o, dirty, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func withUser(userID string, ids []string) []any {
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}
