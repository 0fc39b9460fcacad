package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/wifipay/internal/domain"
	"github.com/SirClappington/wifipay/internal/queue"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	var tenant *string
	if t := r.URL.Query().Get("tenant_id"); t != "" {
		tenant = &t
	}
	jobs, err := h.jobs.ListPending(r.Context(), tenant)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) handleListRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}
	jobs, err := h.jobs.ListRecent(r.Context(), limit)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// decode reads a JSON body into v and reports a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) scheduled(w http.ResponseWriter, r *http.Request, j *domain.Job, err error) {
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

type paymentCheckRequest struct {
	TenantID          string `json:"tenant_id"`
	TransactionID     string `json:"transaction_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	// DelaySeconds defaults to the STK prompt allowance when omitted.
	DelaySeconds *int `json:"delay_seconds"`
}

func (h *Handler) handleSchedulePaymentCheck(w http.ResponseWriter, r *http.Request) {
	var req paymentCheckRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TenantID == "" || req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and transaction_id are required")
		return
	}
	delay := queue.DefaultPaymentCheckDelay
	if req.DelaySeconds != nil {
		if *req.DelaySeconds < 0 {
			writeError(w, http.StatusBadRequest, "delay_seconds must not be negative")
			return
		}
		delay = time.Duration(*req.DelaySeconds) * time.Second
	}
	j, err := h.sched.SchedulePaymentCheck(r.Context(), req.TenantID, req.TransactionID, req.CheckoutRequestID, delay)
	h.scheduled(w, r, j, err)
}

func (h *Handler) handleScheduleUserExpiry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
		UserID   string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	j, err := h.sched.ScheduleUserExpiryCheck(r.Context(), req.TenantID, req.UserID)
	h.scheduled(w, r, j, err)
}

func (h *Handler) handleScheduleReconciliation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	j, err := h.sched.ScheduleReconciliation(r.Context(), req.TenantID)
	h.scheduled(w, r, j, err)
}

func (h *Handler) handleScheduleSms(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID    string `json:"tenant_id"`
		PhoneNumber string `json:"phone_number"`
		Message     string `json:"message"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.PhoneNumber == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "phone_number and message are required")
		return
	}
	j, err := h.sched.ScheduleSmsNotification(r.Context(), req.TenantID, req.PhoneNumber, req.Message)
	h.scheduled(w, r, j, err)
}

func (h *Handler) handleScheduleEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
		To       string `json:"to"`
		Subject  string `json:"subject"`
		Body     string `json:"body"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}
	j, err := h.sched.ScheduleEmailNotification(r.Context(), req.TenantID, req.To, req.Subject, req.Body)
	h.scheduled(w, r, j, err)
}
