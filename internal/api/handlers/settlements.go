package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-logbook/internal/api/middleware"
	"github.com/dvloznov/finance-logbook/internal/logger"
	"github.com/dvloznov/finance-logbook/internal/settlement"
)

// SettlementsHandler handles settlement payment endpoints.
type SettlementsHandler struct {
	svc SettlementService
	// afterWrite runs after every successful write, typically to schedule a
	// pull so the local mirror picks up the new payment.
	afterWrite func()
}

// NewSettlementsHandler creates a new settlements handler. afterWrite may be nil.
func NewSettlementsHandler(svc SettlementService, afterWrite func()) *SettlementsHandler {
	return &SettlementsHandler{svc: svc, afterWrite: afterWrite}
}

// Record handles POST /api/settlements
func (h *SettlementsHandler) Record(w http.ResponseWriter, r *http.Request) {
	// payment_id is optional; clients that send one can retry safely.
	var req struct {
		PaymentID string          `json:"payment_id"`
		TxnID     string          `json:"txn_id"`
		Amount    decimal.Decimal `json:"amount"`
		Note      string          `json:"note"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := r.Context()
	receipt, err := h.svc.RecordPayment(ctx, settlement.Payment{
		ID:     req.PaymentID,
		TxnID:  req.TxnID,
		Amount: req.Amount,
		Note:   req.Note,
	})
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("txn_id", req.TxnID).Msg("Failed to record settlement")
		writeDomainError(w, err, "Failed to record settlement")
		return
	}
	h.notify()

	middleware.WriteJSON(w, http.StatusCreated, receipt)
}

// Remove handles DELETE /api/settlements/{id}
func (h *SettlementsHandler) Remove(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	if paymentID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Payment ID is required")
		return
	}

	ctx := r.Context()
	receipt, err := h.svc.Remove(ctx, paymentID)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("payment_id", paymentID).Msg("Failed to remove settlement")
		writeDomainError(w, err, "Failed to remove settlement")
		return
	}
	h.notify()

	middleware.WriteJSON(w, http.StatusOK, receipt)
}

func (h *SettlementsHandler) notify() {
	if h.afterWrite != nil {
		h.afterWrite()
	}
}
