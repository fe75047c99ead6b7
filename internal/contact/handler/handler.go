package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"contactlink/internal/contact/models"
	"contactlink/internal/platform/metrics"
	"contactlink/internal/platform/middleware"
	dErrors "contactlink/pkg/domain-errors"
	"contactlink/pkg/platform/httputil"
)

const (
	maxBodyBytes = 1 << 20

	identifyUsage = "POST /identify with a JSON body {\"email\": \"...\", \"phoneNumber\": \"...\"} to reconcile a contact.\n"
)

// Service defines the interface for contact reconciliation.
type Service interface {
	Identify(ctx context.Context, req *models.IdentifyRequest) (*models.IdentityView, error)
	Lookup(ctx context.Context, id int64) (*models.IdentityView, error)
}

// Handler serves the identify and identity lookup endpoints.
type Handler struct {
	logger         *slog.Logger
	contacts       Service
	metrics        *metrics.Metrics
	requestTimeout time.Duration
}

// New creates a contact Handler. A zero requestTimeout disables the per-request
// deadline.
func New(contacts Service, logger *slog.Logger, metrics *metrics.Metrics, requestTimeout time.Duration) *Handler {
	return &Handler{
		logger:         logger,
		contacts:       contacts,
		metrics:        metrics,
		requestTimeout: requestTimeout,
	}
}

// Register registers the contact routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Recovery(h.logger))
		r.Use(middleware.RequestID)
		r.Use(middleware.RequestTime)
		r.Use(middleware.Logger(h.logger))
		if h.requestTimeout > 0 {
			r.Use(middleware.Timeout(h.requestTimeout))
		}
		r.Use(middleware.ContentTypeJSON)
		r.Use(middleware.LatencyMiddleware(h.metrics))

		r.Get("/", h.handleUsage)
		r.Get("/identify", h.handleUsage)
		r.Post("/identify", h.handleIdentify)
		r.Get("/contacts/{id}/identity", h.handleLookup)
	})
}

func (h *Handler) handleUsage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, identifyUsage)
}

// handleIdentify reconciles the submitted email and phone number into an
// identity cluster and returns its consolidated view.
func (h *Handler) handleIdentify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req models.IdentifyRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.WarnContext(ctx, "invalid identify request",
			"request_id", requestID,
			"error", err.Error(),
		)
		if de, ok := dErrors.As(err); ok {
			httputil.WriteError(w, de)
			return
		}
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	view, err := h.contacts.Identify(ctx, &req)
	if err != nil {
		h.logFailure(ctx, "identify failed", requestID, err)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.IdentifyResponse{Contact: *view})
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "contact id must be a positive integer"))
		return
	}

	view, err := h.contacts.Lookup(ctx, id)
	if err != nil {
		h.logFailure(ctx, "identity lookup failed", requestID, err)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.IdentifyResponse{Contact: *view})
}

// logFailure logs client errors at WARN and everything else at ERROR.
func (h *Handler) logFailure(ctx context.Context, msg, requestID string, err error) {
	if httputil.StatusFor(dErrors.CodeOf(err)) < http.StatusInternalServerError {
		h.logger.WarnContext(ctx, msg,
			"request_id", requestID,
			"error", err.Error(),
		)
		return
	}
	h.logger.ErrorContext(ctx, msg,
		"request_id", requestID,
		"error", err.Error(),
	)
}
