// Package memory implements the domain store interfaces in process memory.
// It backs paper mode and the test suite; the semantics of Apply mirror the
// PostgreSQL implementation, in particular its all-or-nothing guarantee.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/duelarena/escrowd/internal/domain"
)

// Store holds rounds, ledger accounts, the treasury record, and the audit
// log under a single mutex so Apply is trivially atomic.
type Store struct {
	mu sync.Mutex

	rounds   map[string]domain.Round
	balances map[string]uint64

	treasuryInit bool
	accumulated  uint64

	audit   []domain.AuditEntry
	auditID int64
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		rounds:   make(map[string]domain.Round),
		balances: make(map[string]uint64),
	}
}

// --- domain.RoundStore ---

func (s *Store) Get(ctx context.Context, id string) (domain.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *Store) List(ctx context.Context, filter domain.RoundFilter) ([]domain.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Round, 0, len(s.rounds))
	for _, r := range s.rounds {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rounds)), nil
}

// --- domain.LedgerStore ---

func (s *Store) Balance(ctx context.Context, account string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[account], nil
}

// Apply validates the whole settlement against current state before touching
// anything, then mutates under the lock. No partial effect can persist.
func (s *Store) Apply(ctx context.Context, st domain.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validation pass.
	if st.InitTreasury && s.treasuryInit {
		return domain.ErrAlreadyExists
	}
	if st.Round != nil {
		_, exists := s.rounds[st.Round.ID]
		if st.CreateRound && exists {
			return domain.ErrAlreadyExists
		}
		if !st.CreateRound && !exists {
			return domain.ErrNotFound
		}
	}
	if st.DeleteRoundID != "" {
		if _, ok := s.rounds[st.DeleteRoundID]; !ok {
			return domain.ErrNotFound
		}
	}
	if st.TreasuryDebit > s.accumulated {
		return domain.ErrInsufficientCommission
	}

	// Net out the transfers against a scratch copy of touched balances.
	scratch := make(map[string]uint64)
	get := func(acct string) uint64 {
		if v, ok := scratch[acct]; ok {
			return v
		}
		return s.balances[acct]
	}
	for _, t := range st.Transfers {
		if t.From != "" {
			bal := get(t.From)
			if bal < t.Amount {
				return domain.ErrInsufficientFunds
			}
			scratch[t.From] = bal - t.Amount
		}
		if t.To != "" {
			scratch[t.To] = get(t.To) + t.Amount
		}
	}

	// Commit.
	if st.InitTreasury {
		s.treasuryInit = true
	}
	if st.Round != nil {
		s.rounds[st.Round.ID] = *st.Round
	}
	if st.DeleteRoundID != "" {
		delete(s.rounds, st.DeleteRoundID)
	}
	for acct, bal := range scratch {
		if bal == 0 {
			delete(s.balances, acct)
			continue
		}
		s.balances[acct] = bal
	}
	s.accumulated += st.TreasuryCredit
	s.accumulated -= st.TreasuryDebit
	return nil
}

// --- domain.TreasuryStore ---

func (s *Store) Accumulated(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulated, nil
}

func (s *Store) Initialized(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.treasuryInit, nil
}

// --- domain.AuditStore ---

func (s *Store) Log(ctx context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditID++
	s.audit = append(s.audit, domain.AuditEntry{
		ID:        s.auditID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *Store) ListAudit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := append([]domain.AuditEntry(nil), s.audit...)
	// Newest first, matching the postgres store.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Audit adapts the store to domain.AuditStore (List name differs so the
// aggregate struct can also satisfy RoundStore's List).
func (s *Store) Audit() domain.AuditStore { return auditView{s} }

type auditView struct{ s *Store }

func (a auditView) Log(ctx context.Context, event string, detail map[string]any) error {
	return a.s.Log(ctx, event, detail)
}

func (a auditView) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return a.s.ListAudit(ctx, opts)
}

// Compile-time interface checks.
var (
	_ domain.RoundStore    = (*Store)(nil)
	_ domain.LedgerStore   = (*Store)(nil)
	_ domain.TreasuryStore = (*Store)(nil)
)
