package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/duelarena/escrowd/internal/domain"
)

// AccountService defines the account methods the handler requires.
type AccountService interface {
	Balance(ctx context.Context, account string) (uint64, error)
	Deposit(ctx context.Context, account domain.Address, amount uint64) error
}

// AccountHandler serves ledger account endpoints. The deposit faucet is only
// registered in paper mode.
type AccountHandler struct {
	accounts    AccountService
	allowFaucet bool
	logger      *slog.Logger
}

// NewAccountHandler creates an AccountHandler. allowFaucet enables the
// deposit endpoint.
func NewAccountHandler(accounts AccountService, allowFaucet bool, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accounts:    accounts,
		allowFaucet: allowFaucet,
		logger:      logger,
	}
}

// Balance returns the ledger balance of an account.
// GET /api/accounts/{id}/balance
func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	bal, err := h.accounts.Balance(r.Context(), string(domain.NormalizeAddress(id)))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: balance failed",
			slog.String("account", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": string(domain.NormalizeAddress(id)),
		"balance": bal,
	})
}

// Deposit credits an account from the paper-mode faucet.
// POST /api/accounts/{id}/deposit
func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	if !h.allowFaucet {
		writeError(w, http.StatusForbidden, "deposits are disabled")
		return
	}

	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	account := domain.NormalizeAddress(pathParam(r, "id"))
	if err := h.accounts.Deposit(r.Context(), account, req.Amount); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: deposit failed",
			slog.String("account", string(account)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to deposit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": string(account),
		"amount":  req.Amount,
	})
}
