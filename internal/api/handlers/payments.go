package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/talkstudio/voice-backend/internal/payments"
)

// PaymentWebhookHandler ingests gateway webhooks. Routes are unauthenticated;
// trust comes from the per-gateway signature check inside the reconciler.
type PaymentWebhookHandler struct {
	reconciler *payments.Reconciler
}

func NewPaymentWebhookHandler(rec *payments.Reconciler) *PaymentWebhookHandler {
	return &PaymentWebhookHandler{reconciler: rec}
}

func (h *PaymentWebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	gateway := chi.URLParam(r, "gateway")

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable payload"})
		return
	}

	err = h.reconciler.HandleWebhook(r.Context(), gateway, payload, r.Header)
	switch {
	case errors.Is(err, payments.ErrUnknownGateway):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown gateway"})
	case errors.Is(err, payments.ErrSignatureInvalid):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "signature verification failed"})
	case errors.Is(err, payments.ErrMalformedPayload):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}
