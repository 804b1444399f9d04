package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/talkstudio/voice-backend/internal/ledger"
)

type AdminHandler struct {
	ledger ledger.Ledger
}

func NewAdminHandler(l ledger.Ledger) *AdminHandler {
	return &AdminHandler{ledger: l}
}

type adjustRequest struct {
	Amount    int64  `json:"amount"` // signed; negative claws credits back
	Reference string `json:"reference"`
}

// Adjust appends a signed admin_adjustment transaction to an account's
// ledger. This is the only write path allowed to take a balance negative.
func (h *AdminHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account ID"})
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Amount == 0 || req.Reference == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount and reference are required"})
		return
	}

	txnID, err := h.ledger.AdminAdjust(r.Context(), accountID, req.Amount, req.Reference)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	balance, err := h.ledger.Balance(r.Context(), accountID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"transaction_id": txnID, "balance": balance})
}

// Recompute replays an account's transaction log and repairs the cached
// balance if it drifted.
func (h *AdminHandler) Recompute(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account ID"})
		return
	}

	balance, err := h.ledger.Recompute(r.Context(), accountID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"account_id": accountID, "balance": balance})
}

// Transactions lists any account's ledger history for support inspection.
func (h *AdminHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account ID"})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	txns, err := h.ledger.Transactions(r.Context(), accountID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txns, "count": len(txns)})
}
