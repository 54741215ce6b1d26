package services

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pixelpets/backend/internal/ledger"
	"github.com/pixelpets/backend/internal/models"
)

// WalletService exposes the points ledger over HTTP. Handlers stay thin:
// decode, validate, call the engine, map typed errors to status codes.
type WalletService struct {
	engine           *ledger.Engine
	escrow           *ledger.EscrowManager
	ledgerLog        ledger.LedgerLog
	reconcile        *ledger.ReconciliationService
	risk             *ledger.RiskScorer
	defaultEscrowTTL time.Duration
	validator        *ValidationHelper
}

func NewWalletService(
	engine *ledger.Engine,
	escrow *ledger.EscrowManager,
	ledgerLog ledger.LedgerLog,
	reconcile *ledger.ReconciliationService,
	risk *ledger.RiskScorer,
	defaultEscrowTTL time.Duration,
) *WalletService {
	if defaultEscrowTTL <= 0 {
		defaultEscrowTTL = 10 * time.Minute
	}
	return &WalletService{
		engine:           engine,
		escrow:           escrow,
		ledgerLog:        ledgerLog,
		reconcile:        reconcile,
		risk:             risk,
		defaultEscrowTTL: defaultEscrowTTL,
		validator:        NewValidationHelper(),
	}
}

type pointsRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	ReferenceID string `json:"reference_id"`
	Description string `json:"description" validate:"max=200"`
}

type tradeRequest struct {
	TransactionID string                   `json:"transaction_id"`
	Steps         []models.TransactionStep `json:"steps" validate:"required,min=1,dive"`
}

type escrowRequest struct {
	UserID         string `json:"user_id" validate:"required"`
	CounterpartyID string `json:"counterparty_id" validate:"required"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Purpose        string `json:"purpose" validate:"max=200"`
	TTLSeconds     int64  `json:"ttl_seconds" validate:"omitempty,gt=0"`
}

type forfeitRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

type repairRequest struct {
	Reason string `json:"reason" validate:"required,max=200"`
}

// GetWallet returns the available/escrowed/total balance view.
func (s *WalletService) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	view, err := s.escrow.Wallet(r.Context(), userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	SendJSONResponse(w, http.StatusOK, view)
}

// GetLedger returns the statement view, ordered by sequence ascending.
// Query params: after (sequence cursor), limit.
func (s *WalletService) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	entries, err := s.ledgerLog.ListByUser(r.Context(), userID, ledger.ListRange{AfterSequence: after, Limit: limit})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	SendJSONResponse(w, http.StatusOK, map[string]any{"user_id": userID, "entries": entries})
}

// GetRisk returns the risk score over the user's recent ledger window.
func (s *WalletService) GetRisk(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	score, err := s.risk.Score(r.Context(), userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	SendJSONResponse(w, http.StatusOK, score)
}

// Earn credits points for an activity reward.
func (s *WalletService) Earn(w http.ResponseWriter, r *http.Request) {
	s.applyPoints(w, r, models.EntryEarn, +1)
}

// Spend debits points for a purchase.
func (s *WalletService) Spend(w http.ResponseWriter, r *http.Request) {
	s.applyPoints(w, r, models.EntrySpend, -1)
}

func (s *WalletService) applyPoints(w http.ResponseWriter, r *http.Request, kind models.EntryKind, sign int64) {
	var req pointsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ReferenceID == "" {
		req.ReferenceID = r.Header.Get("Idempotency-Key")
	}
	if req.ReferenceID == "" {
		SendErrorResponse(w, "reference_id or Idempotency-Key header required", http.StatusBadRequest, nil)
		return
	}

	entry, err := s.engine.Execute(r.Context(), ledger.Request{
		UserID:      req.UserID,
		Delta:       sign * req.Amount,
		Kind:        kind,
		ReferenceID: req.ReferenceID,
		Description: req.Description,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	SendJSONResponse(w, http.StatusOK, entry)
}

// Trade commits a multi-step atomic transaction (peer-to-peer exchange).
func (s *WalletService) Trade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TransactionID == "" {
		req.TransactionID = uuid.NewString()
	}
	for _, step := range req.Steps {
		if !step.Kind.Valid() {
			SendErrorResponse(w, "unknown entry kind "+string(step.Kind), http.StatusBadRequest, nil)
			return
		}
	}

	entries, err := s.engine.ExecuteAtomic(r.Context(), req.TransactionID, req.Steps)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	SendJSONResponse(w, http.StatusOK, map[string]any{
		"transaction_id": req.TransactionID,
		"status":         models.TxnCommitted,
		"entries":        entries,
	})
}

// CreateEscrow opens a hold against the holder's available balance.
func (s *WalletService) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req escrowRequest
	if !s.decode(w, r, &req) {
		return
	}

	ttl := s.defaultEscrowTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	hold, err := s.escrow.Hold(r.Context(), req.UserID, req.CounterpartyID, req.Amount,
		req.Purpose, ttl)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	SendJSONResponse(w, http.StatusCreated, hold)
}

// ReleaseEscrow completes the trade, crediting the counterparty.
func (s *WalletService) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	escrowID := chi.URLParam(r, "escrowId")
	hold, err := s.escrow.Release(r.Context(), escrowID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	SendJSONResponse(w, http.StatusOK, hold)
}

// ForfeitEscrow cancels the trade, returning funds to the holder.
func (s *WalletService) ForfeitEscrow(w http.ResponseWriter, r *http.Request) {
	escrowID := chi.URLParam(r, "escrowId")

	var req forfeitRequest
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}

	hold, err := s.escrow.Forfeit(r.Context(), escrowID, req.Reason)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	SendJSONResponse(w, http.StatusOK, hold)
}

// Reconcile recomputes one account's balance from history and reports drift.
func (s *WalletService) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	report, err := s.reconcile.Reconcile(r.Context(), userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	SendJSONResponse(w, http.StatusOK, report)
}

// Repair posts an explicit adjustment entry for previously reported drift.
func (s *WalletService) Repair(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	var req repairRequest
	if !s.decode(w, r, &req) {
		return
	}

	report, err := s.reconcile.Reconcile(r.Context(), userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if report.Discrepancy == 0 {
		SendJSONResponse(w, http.StatusOK, map[string]any{"report": report, "repaired": false})
		return
	}

	entry, err := s.reconcile.Repair(r.Context(), report, req.Reason)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	SendJSONResponse(w, http.StatusOK, map[string]any{"report": report, "repaired": true, "entry": entry})
}

func (s *WalletService) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := s.validator.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		SendErrorResponse(w, "insufficient balance", http.StatusUnprocessableEntity, nil)
	case errors.Is(err, ledger.ErrBusy):
		SendErrorResponse(w, "account busy, retry later", http.StatusServiceUnavailable, nil)
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		SendErrorResponse(w, "concurrency conflict, retry later", http.StatusConflict, nil)
	case errors.Is(err, ledger.ErrInvalidEscrowState):
		SendErrorResponse(w, "escrow already resolved", http.StatusConflict, nil)
	case errors.Is(err, ledger.ErrEscrowNotFound):
		SendErrorResponse(w, "escrow not found", http.StatusNotFound, nil)
	case errors.Is(err, ledger.ErrDuplicateReference):
		SendErrorResponse(w, "reference already used", http.StatusConflict, nil)
	case errors.Is(err, ledger.ErrPartialFailureRecovered):
		SendErrorResponse(w, "transaction failed, compensations recorded", http.StatusInternalServerError, nil)
	default:
		SendErrorResponse(w, "internal error", http.StatusInternalServerError, nil)
	}
}
