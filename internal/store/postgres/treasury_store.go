package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duelarena/escrowd/internal/domain"
)

// TreasuryStore implements domain.TreasuryStore using PostgreSQL. The counter
// itself is only mutated through LedgerStore.Apply.
type TreasuryStore struct {
	pool *pgxpool.Pool
}

// NewTreasuryStore creates a new TreasuryStore backed by the given pool.
func NewTreasuryStore(pool *pgxpool.Pool) *TreasuryStore {
	return &TreasuryStore{pool: pool}
}

// Accumulated returns the commission accumulated since initialization. It
// reports zero when the treasury was never initialized.
func (s *TreasuryStore) Accumulated(ctx context.Context) (uint64, error) {
	var acc int64
	err := s.pool.QueryRow(ctx, `SELECT accumulated FROM treasury WHERE id = 1`).Scan(&acc)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: treasury accumulated: %w", err)
	}
	return uint64(acc), nil
}

// Initialized reports whether the treasury record exists.
func (s *TreasuryStore) Initialized(ctx context.Context) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM treasury WHERE id = 1)`,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: treasury initialized: %w", err)
	}
	return exists, nil
}

// Compile-time interface check.
var _ domain.TreasuryStore = (*TreasuryStore)(nil)
