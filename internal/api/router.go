// Package api exposes job introspection and scheduling over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/wifipay/internal/domain"
)

type JobReader interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListPending(ctx context.Context, tenantID *string) ([]*domain.Job, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.Job, error)
}

type Scheduler interface {
	SchedulePaymentCheck(ctx context.Context, tenantID, transactionID, checkoutRequestID string, delay time.Duration) (*domain.Job, error)
	ScheduleUserExpiryCheck(ctx context.Context, tenantID, userID string) (*domain.Job, error)
	ScheduleReconciliation(ctx context.Context, tenantID string) (*domain.Job, error)
	ScheduleSmsNotification(ctx context.Context, tenantID, phone, message string) (*domain.Job, error)
	ScheduleEmailNotification(ctx context.Context, tenantID, to, subject, body string) (*domain.Job, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	jobs   JobReader
	sched  Scheduler
	db     Pinger
	logger *zap.Logger
}

func NewHandler(jobs JobReader, sched Scheduler, db Pinger, logger *zap.Logger) *Handler {
	return &Handler{jobs: jobs, sched: sched, db: db, logger: logger.Named("api")}
}

// NewRouter mounts the API. metrics may be nil to leave /metrics out.
func NewRouter(h *Handler, metrics prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.handleHealth)
	if metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/pending", h.handleListPending)
		r.Get("/recent", h.handleListRecent)
		r.Get("/{id}", h.handleGetJob)

		r.Post("/payment-check", h.handleSchedulePaymentCheck)
		r.Post("/user-expiry", h.handleScheduleUserExpiry)
		r.Post("/reconciliation", h.handleScheduleReconciliation)
		r.Post("/sms", h.handleScheduleSms)
		r.Post("/email", h.handleScheduleEmail)
	})
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
