package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/duelarena/escrowd/internal/domain"
)

// TreasuryService defines the methods the treasury handler requires from the
// service layer.
type TreasuryService interface {
	Initialize(ctx context.Context, caller domain.Address) error
	ClaimCommission(ctx context.Context, caller domain.Address, amount uint64) error
	Status(ctx context.Context) (accumulated, vaultBalance uint64, err error)
}

// TreasuryHandler serves the treasury endpoints.
type TreasuryHandler struct {
	treasury TreasuryService
	logger   *slog.Logger
}

// NewTreasuryHandler creates a TreasuryHandler with the given service and
// logger.
func NewTreasuryHandler(treasury TreasuryService, logger *slog.Logger) *TreasuryHandler {
	return &TreasuryHandler{
		treasury: treasury,
		logger:   logger,
	}
}

// Initialize creates the treasury record. One-time platform setup.
// POST /api/admin/initialize
func (h *TreasuryHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	err := h.treasury.Initialize(r.Context(), domain.NormalizeAddress(req.Caller))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnauthorized):
			writeError(w, http.StatusForbidden, "caller is not the platform authority")
		case errors.Is(err, domain.ErrAlreadyExists):
			writeError(w, http.StatusConflict, "treasury already initialized")
		default:
			h.logger.ErrorContext(r.Context(), "handler: initialize treasury failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to initialize treasury")
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "initialized"})
}

// Claim withdraws accumulated commission.
// POST /api/treasury/claim
func (h *TreasuryHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	err := h.treasury.ClaimCommission(r.Context(), domain.NormalizeAddress(req.Caller), req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnauthorized):
			writeError(w, http.StatusForbidden, "caller is not the commission claimer")
		case errors.Is(err, domain.ErrInsufficientCommission):
			writeError(w, http.StatusUnprocessableEntity, "amount exceeds accumulated commission")
		case errors.Is(err, domain.ErrInsufficientFunds):
			writeError(w, http.StatusUnprocessableEntity, "vault cannot cover withdrawal and stay viable")
		default:
			h.logger.ErrorContext(r.Context(), "handler: claim commission failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to claim commission")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "claimed",
		"amount": req.Amount,
	})
}

// Status reports the accumulated commission counter and vault balance.
// GET /api/treasury
func (h *TreasuryHandler) Status(w http.ResponseWriter, r *http.Request) {
	accumulated, vault, err := h.treasury.Status(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: treasury status failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read treasury status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{
		"accumulated":   accumulated,
		"vault_balance": vault,
	})
}
