package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// AccountStore implements the account half of domain.RemoteStore.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new AccountStore backed by the given pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// GetAccount returns domain.ErrNotFound for a user that has never been funded.
func (s *AccountStore) GetAccount(ctx context.Context, userID string) (domain.Account, error) {
	const query = `SELECT user_id, balance, initial_balance, revision, updated_at
		FROM accounts WHERE user_id = $1`

	var a domain.Account
	err := s.pool.QueryRow(ctx, query, userID).Scan(&a.UserID, &a.Balance, &a.InitialBalance, &a.Revision, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.ErrNotFound
		}
		return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", userID, err)
	}
	return a, nil
}

// UpsertAccount inserts or replaces the account row. A row already at or
// past a.Revision is left alone.
func (s *AccountStore) UpsertAccount(ctx context.Context, a domain.Account) error {
	const query = `
		INSERT INTO accounts (user_id, balance, initial_balance, revision, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			initial_balance = EXCLUDED.initial_balance,
			revision = EXCLUDED.revision,
			updated_at = EXCLUDED.updated_at
		WHERE accounts.revision < EXCLUDED.revision`

	if _, err := s.pool.Exec(ctx, query, a.UserID, a.Balance, a.InitialBalance, a.Revision, a.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: upsert account %s: %w", a.UserID, err)
	}
	return nil
}

// Store combines the account and order stores into a domain.RemoteStore.
type Store struct {
	*AccountStore
	*OrderStore
}

var _ domain.RemoteStore = (*Store)(nil)

// NewStore builds the remote store over one pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{AccountStore: NewAccountStore(pool), OrderStore: NewOrderStore(pool)}
}

// ListUsers returns the ids of every funded user, ordered by id.
func (s *AccountStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan users: %w", err)
	}
	return ids, nil
}
