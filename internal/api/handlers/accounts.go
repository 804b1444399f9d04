package handlers

import (
	"net/http"
	"strconv"

	"github.com/talkstudio/voice-backend/internal/account"
	"github.com/talkstudio/voice-backend/internal/ledger"
)

type AccountHandler struct {
	ledger ledger.Ledger
}

func NewAccountHandler(l ledger.Ledger) *AccountHandler {
	return &AccountHandler{ledger: l}
}

func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, account.FromContext(r.Context()))
}

func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	accountID := account.IDFromContext(r.Context())

	balance, err := h.ledger.Balance(r.Context(), accountID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"account_id": accountID, "balance": balance})
}

func (h *AccountHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	txns, err := h.ledger.Transactions(r.Context(), account.IDFromContext(r.Context()), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txns, "count": len(txns)})
}
