package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// orderColumns is the canonical column order for paper_orders. id and
// user_id come first so they bind to $1 and $2 in every statement.
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
	orderSelectCols = strings.Join(orderColumns, ", ")
	orderInsertSQL  = buildOrderInsert()
	orderUpdateSet  = buildOrderUpdateSet()
)

func buildOrderInsert() string {
	ph := make([]string, len(orderColumns))
	for i := range orderColumns {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return "INSERT INTO paper_orders (" + orderSelectCols + ") VALUES (" + strings.Join(ph, ", ") + ")"
}

// buildOrderUpdateSet assigns every column after id and user_id.
func buildOrderUpdateSet() string {
	sets := make([]string, 0, len(orderColumns)-2)
	for i, c := range orderColumns[2:] {
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+3))
	}
	return strings.Join(sets, ", ")
}

// OrderStore implements domain.RemoteStore's order operations using
// PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

func orderArgs(o domain.Order) []any {
	return []any{
		o.ID, o.UserID, o.Symbol, string(o.Direction), string(o.Kind), o.TradeMode,
		o.EntryPrice, o.CreationPrice, o.FillPrice, o.LimitPrice, o.MarkPrice,
		o.StopLoss, o.TakeProfit,
		o.Margin, o.Leverage, o.PositionValue, o.Quantity,
		string(o.Status), o.CreatedAt, o.TriggeredAt, o.FilledAt, o.ClosedAt, o.CancelledAt, o.UpdatedAt,
		o.ExitPrice, string(o.ExitReason), o.RealizedPnL, o.RealizedPnLPercent, string(o.Result),
		o.UnrealizedPnL, o.UnrealizedPnLPercent,
	}
}

func scanOrderFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var direction, kind, status, exitReason, result string

	err := scanner.Scan(
		&o.ID, &o.UserID, &o.Symbol, &direction, &kind, &o.TradeMode,
		&o.EntryPrice, &o.CreationPrice, &o.FillPrice, &o.LimitPrice, &o.MarkPrice,
		&o.StopLoss, &o.TakeProfit,
		&o.Margin, &o.Leverage, &o.PositionValue, &o.Quantity,
		&status, &o.CreatedAt, &o.TriggeredAt, &o.FilledAt, &o.ClosedAt, &o.CancelledAt, &o.UpdatedAt,
		&o.ExitPrice, &exitReason, &o.RealizedPnL, &o.RealizedPnLPercent, &result,
		&o.UnrealizedPnL, &o.UnrealizedPnLPercent,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Direction = domain.Direction(direction)
	o.Kind = domain.OrderKind(kind)
	o.Status = domain.OrderStatus(status)
	o.ExitReason = domain.ExitReason(exitReason)
	o.Result = domain.TradeResult(result)
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderFromRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// InsertOrder inserts a new order. A duplicate id returns
// domain.ErrAlreadyExists.
func (s *OrderStore) InsertOrder(ctx context.Context, o domain.Order) error {
	if _, err := s.pool.Exec(ctx, orderInsertSQL, orderArgs(o)...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: insert order %s: %w", o.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrder overwrites a working order. Terminal rows are never touched;
// updating one returns domain.ErrConflict.
func (s *OrderStore) UpdateOrder(ctx context.Context, o domain.Order) error {
	query := `UPDATE paper_orders SET ` + orderUpdateSet + `
		WHERE id = $1 AND user_id = $2 AND status IN ('PENDING', 'OPEN')`
	tag, err := s.pool.Exec(ctx, query, orderArgs(o)...)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, o)
	}
	return nil
}

// TransitionOrder writes o only if the stored status still equals from.
// This is the compare-and-set that keeps two evaluators from both closing
// the same position.
func (s *OrderStore) TransitionOrder(ctx context.Context, o domain.Order, from domain.OrderStatus) error {
	n := len(orderColumns) + 1
	query := fmt.Sprintf(`UPDATE paper_orders SET %s
		WHERE id = $1 AND user_id = $2 AND status = $%d`, orderUpdateSet, n)
	args := append(orderArgs(o), string(from))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: transition order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, o)
	}
	return nil
}

func (s *OrderStore) missOrConflict(ctx context.Context, o domain.Order) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM paper_orders WHERE id = $1 AND user_id = $2)`,
		o.ID, o.UserID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: check order %s: %w", o.ID, err)
	}
	if !exists {
		return fmt.Errorf("postgres: order %s: %w", o.ID, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: order %s: %w", o.ID, domain.ErrConflict)
}

// GetOrder retrieves a single order owned by userID.
func (s *OrderStore) GetOrder(ctx context.Context, userID, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM paper_orders WHERE id = $1 AND user_id = $2`, id, userID)

	o, err := scanOrderFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListOrders returns the pending and open orders of userID, oldest first.
func (s *OrderStore) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM paper_orders
		 WHERE user_id = $1 AND status IN ('PENDING', 'OPEN')
		 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders: %w", err)
	}
	return orders, nil
}

// ListHistory returns closed and cancelled orders of userID with pagination,
// oldest first so callers can append them in lifecycle order.
func (s *OrderStore) ListHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error) {
	var q listQuery
	q.cond("user_id = %s", userID)
	q.where = append(q.where, "status IN ('CLOSED', 'CANCELLED')")
	q.timeRange("updated_at", opts)
	query := q.build("SELECT "+orderSelectCols+" FROM paper_orders",
		"COALESCE(closed_at, cancelled_at, updated_at) ASC, id ASC", opts)

	rows, err := s.pool.Query(ctx, query, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan history: %w", err)
	}
	return orders, nil
}
