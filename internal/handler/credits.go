package handler

import (
	"net/http"

	"github.com/roundtable-ai/roundtable-platform/internal/credit"
	"github.com/roundtable-ai/roundtable-platform/internal/middleware"
	"github.com/roundtable-ai/roundtable-platform/pkg/logger"
)

// CreditHandler handles credit balance endpoints.
type CreditHandler struct {
	ledger *credit.Ledger
	logger *logger.Logger
}

// NewCreditHandler creates a new credit handler.
func NewCreditHandler(ledger *credit.Ledger, log *logger.Logger) *CreditHandler {
	return &CreditHandler{ledger: ledger, logger: log}
}

// Balance handles GET /api/v1/credits/balance
func (h *CreditHandler) Balance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	plan := middleware.GetPlan(ctx)

	// First balance read provisions the account with its plan allowance.
	if _, err := h.ledger.EnsureAccount(ctx, userID, plan); err != nil {
		h.logger.Errorw("failed to ensure credit account", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}

	resp, err := h.ledger.Balance(ctx, userID)
	if err != nil {
		h.logger.Errorw("failed to load balance", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
