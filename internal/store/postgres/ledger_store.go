package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duelarena/escrowd/internal/domain"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// LedgerStore implements domain.LedgerStore using PostgreSQL. Apply runs the
// whole settlement in one transaction: the touched account rows are locked in
// deterministic order with SELECT ... FOR UPDATE, every transfer is checked
// against the locked balances, and the round record change commits alongside
// the fund movement. Any failure rolls the transaction back whole.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Balance returns the balance of an account. Accounts that have never held
// funds report zero.
func (s *LedgerStore) Balance(ctx context.Context, account string) (uint64, error) {
	var bal int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1`, account,
	).Scan(&bal)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: balance %s: %w", account, err)
	}
	return uint64(bal), nil
}

// Apply commits a settlement atomically.
func (s *LedgerStore) Apply(ctx context.Context, st domain.Settlement) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin settlement: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if st.InitTreasury {
		tag, err := tx.Exec(ctx,
			`INSERT INTO treasury (id, accumulated) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("postgres: init treasury: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrAlreadyExists
		}
	}

	if err := s.applyTransfers(ctx, tx, st.Transfers); err != nil {
		return err
	}

	if st.Round != nil {
		if st.CreateRound {
			if err := insertRound(ctx, tx, *st.Round); err != nil {
				return err
			}
		} else if err := updateRound(ctx, tx, *st.Round); err != nil {
			return err
		}
	}

	if st.DeleteRoundID != "" {
		tag, err := tx.Exec(ctx, `DELETE FROM rounds WHERE id = $1`, st.DeleteRoundID)
		if err != nil {
			return fmt.Errorf("postgres: delete round %s: %w", st.DeleteRoundID, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
	}

	if st.TreasuryCredit > 0 || st.TreasuryDebit > 0 {
		tag, err := tx.Exec(ctx,
			`UPDATE treasury SET accumulated = accumulated + $1 - $2
			 WHERE id = 1 AND accumulated + $1 >= $2`,
			int64(st.TreasuryCredit), int64(st.TreasuryDebit),
		)
		if err != nil {
			return fmt.Errorf("postgres: adjust treasury: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrInsufficientCommission
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit settlement: %w", err)
	}
	return nil
}

// applyTransfers locks every touched account row, nets the transfers against
// the locked balances, and writes the results back. Row locks are taken in
// sorted account order so concurrent settlements cannot deadlock.
func (s *LedgerStore) applyTransfers(ctx context.Context, tx pgx.Tx, transfers []domain.Transfer) error {
	if len(transfers) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var accounts []string
	for _, t := range transfers {
		for _, acct := range []string{t.From, t.To} {
			if acct != "" && !seen[acct] {
				seen[acct] = true
				accounts = append(accounts, acct)
			}
		}
	}
	sort.Strings(accounts)

	// Rows must exist before FOR UPDATE can lock them.
	for _, acct := range accounts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (id, balance) VALUES ($1, 0) ON CONFLICT (id) DO NOTHING`,
			acct,
		); err != nil {
			return fmt.Errorf("postgres: ensure account %s: %w", acct, err)
		}
	}

	rows, err := tx.Query(ctx,
		`SELECT id, balance FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		accounts,
	)
	if err != nil {
		return fmt.Errorf("postgres: lock accounts: %w", err)
	}

	balances := make(map[string]uint64, len(accounts))
	for rows.Next() {
		var id string
		var bal int64
		if err := rows.Scan(&id, &bal); err != nil {
			rows.Close()
			return fmt.Errorf("postgres: scan account: %w", err)
		}
		balances[id] = uint64(bal)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: lock accounts rows: %w", err)
	}

	for _, t := range transfers {
		if t.From != "" {
			if balances[t.From] < t.Amount {
				return domain.ErrInsufficientFunds
			}
			balances[t.From] -= t.Amount
		}
		if t.To != "" {
			balances[t.To] += t.Amount
		}
	}

	for _, acct := range accounts {
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = $1 WHERE id = $2`,
			int64(balances[acct]), acct,
		); err != nil {
			return fmt.Errorf("postgres: update account %s: %w", acct, err)
		}
	}
	return nil
}

func insertRound(ctx context.Context, tx pgx.Tx, r domain.Round) error {
	const query = `
		INSERT INTO rounds (
			id, creator, opponent, stake, status, winner, referrer,
			creator_claimed_draw, opponent_claimed_draw, commission_taken_on_draw,
			created_at, game_started_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13
		)`

	_, err := tx.Exec(ctx, query, roundArgs(r)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert round %s: %w", r.ID, err)
	}
	return nil
}

func updateRound(ctx context.Context, tx pgx.Tx, r domain.Round) error {
	const query = `
		UPDATE rounds SET
			creator = $2, opponent = $3, stake = $4, status = $5,
			winner = $6, referrer = $7,
			creator_claimed_draw = $8, opponent_claimed_draw = $9,
			commission_taken_on_draw = $10,
			created_at = $11, game_started_at = $12, completed_at = $13
		WHERE id = $1`

	tag, err := tx.Exec(ctx, query, roundArgs(r)...)
	if err != nil {
		return fmt.Errorf("postgres: update round %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func roundArgs(r domain.Round) []any {
	addr := func(a *domain.Address) *string {
		if a == nil {
			return nil
		}
		s := string(*a)
		return &s
	}
	return []any{
		r.ID, string(r.Creator), addr(r.Opponent), int64(r.Stake), string(r.Status),
		addr(r.Winner), addr(r.Referrer),
		r.CreatorClaimedDraw, r.OpponentClaimedDraw, r.CommissionTakenOnDraw,
		r.CreatedAt, r.GameStartedAt, r.CompletedAt,
	}
}

// Compile-time interface check.
var _ domain.LedgerStore = (*LedgerStore)(nil)
