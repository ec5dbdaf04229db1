package handler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/duelarena/escrowd/internal/attest"
	"github.com/duelarena/escrowd/internal/domain"
	"github.com/duelarena/escrowd/internal/service"
)

// RoundService defines the methods the round handler requires from the
// service layer.
type RoundService interface {
	CreateRound(ctx context.Context, p service.CreateRoundParams) (domain.Round, error)
	JoinRound(ctx context.Context, roundID string, opponent domain.Address) (domain.Round, error)
	ClaimPrize(ctx context.Context, p service.ClaimParams) (domain.Round, error)
	ClaimDrawRefund(ctx context.Context, p service.ClaimParams) (domain.Round, error)
	CancelOnTimeout(ctx context.Context, roundID string, canceller domain.Address) (domain.Round, error)
	CloseRound(ctx context.Context, roundID string, caller domain.Address) error
	GetRound(ctx context.Context, roundID string) (domain.Round, error)
	ListRounds(ctx context.Context, filter domain.RoundFilter) ([]domain.Round, error)
}

// RoundHandler serves the round lifecycle HTTP endpoints.
type RoundHandler struct {
	rounds RoundService
	logger *slog.Logger
}

// NewRoundHandler creates a RoundHandler with the given service and logger.
func NewRoundHandler(rounds RoundService, logger *slog.Logger) *RoundHandler {
	return &RoundHandler{
		rounds: rounds,
		logger: logger,
	}
}

// createRoundRequest is the JSON body for POST /api/rounds.
type createRoundRequest struct {
	ID       string  `json:"id"`
	Creator  string  `json:"creator"`
	Stake    uint64  `json:"stake"`
	Referrer *string `json:"referrer,omitempty"`
}

// claimRequest is the JSON body for the prize and draw claim endpoints. The
// binary fields are hex encoded, with or without 0x prefix.
type claimRequest struct {
	Claimant     string `json:"claimant"`
	Nonce        uint64 `json:"nonce"`
	OraclePubKey string `json:"oracle_pubkey"`
	OracleSig    string `json:"oracle_sig"`
	CallerPubKey string `json:"caller_pubkey"`
	CallerSig    string `json:"caller_sig"`
}

// callerRequest is the JSON body for endpoints that only identify the caller.
type callerRequest struct {
	Caller string `json:"caller"`
}

func decodeHexField(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// claimParams converts a claimRequest into service.ClaimParams, decoding the
// hex fields.
func (req claimRequest) claimParams(roundID string) (service.ClaimParams, error) {
	oraclePub, err := decodeHexField(req.OraclePubKey)
	if err != nil {
		return service.ClaimParams{}, errors.New("invalid oracle_pubkey hex")
	}
	oracleSig, err := decodeHexField(req.OracleSig)
	if err != nil {
		return service.ClaimParams{}, errors.New("invalid oracle_sig hex")
	}
	callerPub, err := decodeHexField(req.CallerPubKey)
	if err != nil {
		return service.ClaimParams{}, errors.New("invalid caller_pubkey hex")
	}
	callerSig, err := decodeHexField(req.CallerSig)
	if err != nil {
		return service.ClaimParams{}, errors.New("invalid caller_sig hex")
	}
	return service.ClaimParams{
		RoundID:  roundID,
		Claimant: domain.NormalizeAddress(req.Claimant),
		Nonce:    req.Nonce,
		Attestation: attest.Attestation{
			PubKey:    oraclePub,
			Signature: oracleSig,
		},
		CallerPubKey: callerPub,
		CallerSig:    callerSig,
	}, nil
}

// CreateRound opens a new round.
// POST /api/rounds
func (h *RoundHandler) CreateRound(w http.ResponseWriter, r *http.Request) {
	var req createRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Creator == "" {
		writeError(w, http.StatusBadRequest, "creator is required")
		return
	}

	params := service.CreateRoundParams{
		ID:      req.ID,
		Creator: domain.NormalizeAddress(req.Creator),
		Stake:   req.Stake,
	}
	if req.Referrer != nil && *req.Referrer != "" {
		ref := domain.NormalizeAddress(*req.Referrer)
		params.Referrer = &ref
	}

	round, err := h.rounds.CreateRound(r.Context(), params)
	if err != nil {
		h.writeServiceError(w, r, "create round", err)
		return
	}
	writeJSON(w, http.StatusCreated, round)
}

// JoinRound joins a waiting round as the opponent.
// POST /api/rounds/{id}/join
func (h *RoundHandler) JoinRound(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Caller == "" {
		writeError(w, http.StatusBadRequest, "caller is required")
		return
	}

	round, err := h.rounds.JoinRound(r.Context(), pathParam(r, "id"), domain.NormalizeAddress(req.Caller))
	if err != nil {
		h.writeServiceError(w, r, "join round", err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// ClaimPrize settles a decided round in the claimant's favor.
// POST /api/rounds/{id}/claim-prize
func (h *RoundHandler) ClaimPrize(w http.ResponseWriter, r *http.Request) {
	h.handleClaim(w, r, "claim prize", h.rounds.ClaimPrize)
}

// ClaimDraw claims the claimant's draw refund.
// POST /api/rounds/{id}/claim-draw
func (h *RoundHandler) ClaimDraw(w http.ResponseWriter, r *http.Request) {
	h.handleClaim(w, r, "claim draw", h.rounds.ClaimDrawRefund)
}

func (h *RoundHandler) handleClaim(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	claim func(context.Context, service.ClaimParams) (domain.Round, error),
) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Claimant == "" {
		writeError(w, http.StatusBadRequest, "claimant is required")
		return
	}

	params, err := req.claimParams(pathParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	round, err := claim(r.Context(), params)
	if err != nil {
		h.writeServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// Cancel cancels a timed-out round and refunds the participants.
// POST /api/rounds/{id}/cancel
func (h *RoundHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Caller == "" {
		writeError(w, http.StatusBadRequest, "caller is required")
		return
	}

	round, err := h.rounds.CancelOnTimeout(r.Context(), pathParam(r, "id"), domain.NormalizeAddress(req.Caller))
	if err != nil {
		h.writeServiceError(w, r, "cancel round", err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// Close deletes a settled round record and returns the holding reserve to the
// creator.
// POST /api/rounds/{id}/close
func (h *RoundHandler) Close(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Caller == "" {
		writeError(w, http.StatusBadRequest, "caller is required")
		return
	}

	id := pathParam(r, "id")
	if err := h.rounds.CloseRound(r.Context(), id, domain.NormalizeAddress(req.Caller)); err != nil {
		h.writeServiceError(w, r, "close round", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "closed",
		"round_id": id,
	})
}

// GetRound returns a single round.
// GET /api/rounds/{id}
func (h *RoundHandler) GetRound(w http.ResponseWriter, r *http.Request) {
	round, err := h.rounds.GetRound(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "get round", err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// listRoundsResponse wraps the list rounds response.
type listRoundsResponse struct {
	Rounds []domain.Round `json:"rounds"`
}

// ListRounds returns rounds newest-first with optional status filtering.
// GET /api/rounds?status=waiting&limit=50&offset=0
func (h *RoundHandler) ListRounds(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	filter := domain.RoundFilter{Limit: limit, Offset: offset}

	if v := r.URL.Query().Get("status"); v != "" {
		status := domain.RoundStatus(v)
		switch status {
		case domain.RoundStatusWaiting, domain.RoundStatusInProgress,
			domain.RoundStatusCompleted, domain.RoundStatusCancelled,
			domain.RoundStatusDraw:
		default:
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
		filter.Status = &status
	}

	rounds, err := h.rounds.ListRounds(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, "list rounds", err)
		return
	}
	if rounds == nil {
		rounds = []domain.Round{}
	}
	writeJSON(w, http.StatusOK, listRoundsResponse{Rounds: rounds})
}

// writeServiceError maps domain errors onto HTTP status codes.
func (h *RoundHandler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "round not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "round already exists")
	case errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrInvalidSignature),
		errors.Is(err, domain.ErrInvalidWinner),
		errors.Is(err, domain.ErrInvalidClaimer):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, "round is busy, retry")
	case errors.Is(err, domain.ErrRoundNotWaiting),
		errors.Is(err, domain.ErrRoundFull),
		errors.Is(err, domain.ErrRoundNotInProgress),
		errors.Is(err, domain.ErrRoundResolved),
		errors.Is(err, domain.ErrRoundNotFinished),
		errors.Is(err, domain.ErrPrizeAlreadyClaimed),
		errors.Is(err, domain.ErrRefundAlreadyClaimed),
		errors.Is(err, domain.ErrOpponentMissing),
		errors.Is(err, domain.ErrTimeoutNotReached),
		errors.Is(err, domain.ErrHoldingNotDrained),
		errors.Is(err, domain.ErrNonceUsed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidRoundID),
		errors.Is(err, domain.ErrStakeTooSmall),
		errors.Is(err, domain.ErrSelfReferral),
		errors.Is(err, domain.ErrSelfJoin):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
