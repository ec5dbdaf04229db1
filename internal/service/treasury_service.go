package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/duelarena/escrowd/internal/domain"
)

// TreasuryService owns the platform-wide commission ledger: one-time
// initialization and withdrawals by the designated claimer.
type TreasuryService struct {
	ledger   domain.LedgerStore
	treasury domain.TreasuryStore
	audit    domain.AuditStore
	bus      domain.EventBus
	clock    domain.Clock

	authority domain.Address // may run Initialize
	claimer   domain.Address // may run ClaimCommission
	reserve   uint64
	logger    *slog.Logger
}

// NewTreasuryService creates a TreasuryService.
func NewTreasuryService(
	ledger domain.LedgerStore,
	treasury domain.TreasuryStore,
	audit domain.AuditStore,
	bus domain.EventBus,
	clock domain.Clock,
	authority, claimer domain.Address,
	reserve uint64,
	logger *slog.Logger,
) *TreasuryService {
	if reserve == 0 {
		reserve = domain.DefaultAccountReserve
	}
	return &TreasuryService{
		ledger:    ledger,
		treasury:  treasury,
		audit:     audit,
		bus:       bus,
		clock:     clock,
		authority: authority,
		claimer:   claimer,
		reserve:   reserve,
		logger:    logger.With(slog.String("component", "treasury_service")),
	}
}

// Initialize creates the treasury record and seeds the commission vault with
// its viability reserve. Only the platform authority may call it, and only
// once.
func (s *TreasuryService) Initialize(ctx context.Context, caller domain.Address) error {
	if caller != s.authority {
		return domain.ErrUnauthorized
	}
	err := s.ledger.Apply(ctx, domain.Settlement{
		InitTreasury: true,
		Transfers: []domain.Transfer{
			{To: domain.TreasuryVaultID, Amount: s.reserve},
		},
	})
	if err != nil {
		return fmt.Errorf("treasury_service: initialize: %w", err)
	}

	if err := s.audit.Log(ctx, "treasury_initialized", map[string]any{
		"authority": string(caller),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
	return nil
}

// ClaimCommission withdraws accumulated commission to the designated
// claimer. The withdrawal must be covered by both the accumulated counter
// and the vault balance net of its reserve.
func (s *TreasuryService) ClaimCommission(ctx context.Context, caller domain.Address, amount uint64) error {
	if caller != s.claimer {
		return domain.ErrUnauthorized
	}
	if amount == 0 {
		return domain.ErrInsufficientCommission
	}

	accumulated, err := s.treasury.Accumulated(ctx)
	if err != nil {
		return fmt.Errorf("treasury_service: accumulated: %w", err)
	}
	if amount > accumulated {
		return domain.ErrInsufficientCommission
	}

	bal, err := s.ledger.Balance(ctx, domain.TreasuryVaultID)
	if err != nil {
		return fmt.Errorf("treasury_service: vault balance: %w", err)
	}
	if bal < amount || bal-amount < s.reserve {
		return domain.ErrInsufficientFunds
	}

	err = s.ledger.Apply(ctx, domain.Settlement{
		TreasuryDebit: amount,
		Transfers: []domain.Transfer{
			{From: domain.TreasuryVaultID, To: string(caller), Amount: amount},
		},
	})
	if err != nil {
		return fmt.Errorf("treasury_service: claim: %w", err)
	}

	now := s.clock.Now()
	ev := domain.NewEvent(uuid.NewString(), domain.EventCommissionClaimed, "", caller, amount, now)
	if err := s.audit.Log(ctx, string(ev.Type), map[string]any{
		"claimer": string(caller),
		"amount":  amount,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
	if payload, err := json.Marshal(ev); err == nil {
		if err := s.bus.Publish(ctx, domain.EventChannel, payload); err != nil {
			s.logger.WarnContext(ctx, "event publish failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Status reports the accumulated commission counter and the vault balance.
func (s *TreasuryService) Status(ctx context.Context) (accumulated, vaultBalance uint64, err error) {
	accumulated, err = s.treasury.Accumulated(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("treasury_service: accumulated: %w", err)
	}
	vaultBalance, err = s.ledger.Balance(ctx, domain.TreasuryVaultID)
	if err != nil {
		return 0, 0, fmt.Errorf("treasury_service: vault balance: %w", err)
	}
	return accumulated, vaultBalance, nil
}
