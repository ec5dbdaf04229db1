package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duelarena/escrowd/internal/domain"
)

// RoundStore implements domain.RoundStore using PostgreSQL. It is read-only;
// round mutations ride inside LedgerStore.Apply so record changes and fund
// movement commit in the same transaction.
type RoundStore struct {
	pool *pgxpool.Pool
}

// NewRoundStore creates a new RoundStore backed by the given connection pool.
func NewRoundStore(pool *pgxpool.Pool) *RoundStore {
	return &RoundStore{pool: pool}
}

const roundSelectCols = `id, creator, opponent, stake, status, winner, referrer,
	creator_claimed_draw, opponent_claimed_draw, commission_taken_on_draw,
	created_at, game_started_at, completed_at`

func scanRound(scanner interface{ Scan(dest ...any) error }) (domain.Round, error) {
	var r domain.Round
	var creator, status string
	var opponent, winner, referrer *string
	var stake int64

	err := scanner.Scan(
		&r.ID, &creator, &opponent, &stake, &status, &winner, &referrer,
		&r.CreatorClaimedDraw, &r.OpponentClaimedDraw, &r.CommissionTakenOnDraw,
		&r.CreatedAt, &r.GameStartedAt, &r.CompletedAt,
	)
	if err != nil {
		return domain.Round{}, err
	}

	r.Creator = domain.Address(creator)
	r.Stake = uint64(stake)
	r.Status = domain.RoundStatus(status)
	if opponent != nil {
		a := domain.Address(*opponent)
		r.Opponent = &a
	}
	if winner != nil {
		a := domain.Address(*winner)
		r.Winner = &a
	}
	if referrer != nil {
		a := domain.Address(*referrer)
		r.Referrer = &a
	}
	return r, nil
}

// Get returns the round with the given ID.
func (s *RoundStore) Get(ctx context.Context, id string) (domain.Round, error) {
	query := `SELECT ` + roundSelectCols + ` FROM rounds WHERE id = $1`

	r, err := scanRound(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Round{}, domain.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("postgres: get round %s: %w", id, err)
	}
	return r, nil
}

// List returns rounds newest-first with optional status filtering and
// pagination.
func (s *RoundStore) List(ctx context.Context, filter domain.RoundFilter) ([]domain.Round, error) {
	query := `SELECT ` + roundSelectCols + ` FROM rounds WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*filter.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC, id"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rounds: %w", err)
	}
	defer rows.Close()

	var rounds []domain.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan round: %w", err)
		}
		rounds = append(rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list rounds rows: %w", err)
	}
	return rounds, nil
}

// Count returns the number of open round records.
func (s *RoundStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rounds`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count rounds: %w", err)
	}
	return n, nil
}

// Compile-time interface check.
var _ domain.RoundStore = (*RoundStore)(nil)
