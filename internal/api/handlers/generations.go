package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/talkstudio/voice-backend/internal/account"
	"github.com/talkstudio/voice-backend/internal/generation"
	"github.com/talkstudio/voice-backend/internal/ledger"
)

type GenerationHandler struct {
	svc *generation.Service
}

func NewGenerationHandler(svc *generation.Service) *GenerationHandler {
	return &GenerationHandler{svc: svc}
}

type createGenerationRequest struct {
	Input string `json:"input"`
	Voice string `json:"voice"`
}

func (h *GenerationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	job, err := h.svc.Create(r.Context(), account.IDFromContext(r.Context()), req.Input, req.Voice)
	switch {
	case errors.Is(err, generation.ErrEmptyInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input text is required"})
		return
	case errors.Is(err, ledger.ErrInsufficientCredits):
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":    "insufficient credits",
			"required": job.CreditCost,
		})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (h *GenerationHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job ID"})
		return
	}

	job, err := h.svc.Get(r.Context(), account.IDFromContext(r.Context()), jobID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (h *GenerationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}

	jobs, err := h.svc.List(r.Context(), account.IDFromContext(r.Context()), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

func (h *GenerationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job ID"})
		return
	}

	// ownership check before mutating
	if _, err := h.svc.Get(r.Context(), account.IDFromContext(r.Context()), jobID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	job, err := h.svc.Cancel(r.Context(), jobID)
	switch {
	case errors.Is(err, generation.ErrCancelRejected):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job can no longer be cancelled"})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (h *GenerationHandler) Progress(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job ID"})
		return
	}

	rec, err := h.svc.Progress(r.Context(), account.IDFromContext(r.Context()), jobID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// Estimate prices an input without creating a job.
func (h *GenerationHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req createGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Input == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input text is required"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"credit_cost":       h.svc.Cost(req.Input),
		"estimated_seconds": h.svc.EstimateSeconds(req.Input),
	})
}
