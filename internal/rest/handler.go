// Package rest exposes the pricing and ledger operations over
// HTTP/JSON.
//
// Endpoints:
//
//	POST /v1/pricing/resolve                  - price a generation request
//	POST /v1/reservations                     - resolve (optional) and place a hold
//	POST /v1/reservations/{id}/commit         - finalize a hold as spent
//	POST /v1/reservations/{id}/release        - finalize a hold as cancelled
//	GET  /v1/accounts/{userID}/balance        - read account counters
//	POST /v1/accounts/{userID}/grants         - credit an account
//	GET  /health                              - liveness check
//	GET  /ready                               - readiness check
//	GET  /metrics                             - Prometheus metrics
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/palettelabs/credits/internal/catalog"
	"github.com/palettelabs/credits/internal/ledger"
	"github.com/palettelabs/credits/internal/metrics"
	"github.com/palettelabs/credits/internal/pricing"
)

// Ledger is the slice of the credit ledger the API needs.
type Ledger interface {
	Reserve(ctx context.Context, userID string, amount int64) (*ledger.Reservation, error)
	Commit(ctx context.Context, reservationID string) (ledger.FinalizeResult, error)
	Release(ctx context.Context, reservationID string) (ledger.FinalizeResult, error)
	GetBalance(ctx context.Context, userID string) (ledger.Balance, error)
	Grant(ctx context.Context, userID string, amount int64, reason string) (int64, error)
}

// Handler serves the REST API.
type Handler struct {
	resolver *pricing.Resolver
	ledger   Ledger
	ready    func(ctx context.Context) error
	log      zerolog.Logger
}

// NewHandler builds the API handler. ready is consulted by the /ready
// endpoint; nil means always ready.
func NewHandler(resolver *pricing.Resolver, led Ledger, ready func(ctx context.Context) error, logger zerolog.Logger) *Handler {
	if ready == nil {
		ready = func(context.Context) error { return nil }
	}
	return &Handler{
		resolver: resolver,
		ledger:   led,
		ready:    ready,
		log:      logger.With().Str("component", "rest").Logger(),
	}
}

// Router assembles the chi router with the standard middleware stack.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(h.log))
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/pricing/resolve", h.handleResolve)
		r.Post("/reservations", h.handleCreateReservation)
		r.Post("/reservations/{id}/commit", h.handleCommit)
		r.Post("/reservations/{id}/release", h.handleRelease)
		r.Get("/accounts/{userID}/balance", h.handleBalance)
		r.Post("/accounts/{userID}/grants", h.handleGrant)
	})

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// resolveRequest is the JSON shape of a pricing question. itemCount is
// a pointer so an omitted field defaults to 1 while an explicit 0 is
// still rejected downstream.
type resolveRequest struct {
	ModelID            string  `json:"modelId"`
	GenerationType     string  `json:"generationType"`
	Resolution         string  `json:"resolution,omitempty"`
	DurationSeconds    float64 `json:"durationSeconds,omitempty"`
	ItemCount          *int    `json:"itemCount,omitempty"`
	UploadedImageCount int     `json:"uploadedImageCount,omitempty"`
	GenerateAudio      bool    `json:"generateAudio,omitempty"`
	TextLength         int     `json:"textLength,omitempty"`
}

func (rr *resolveRequest) toPricing() (pricing.Request, error) {
	gt, err := catalog.ParseGenerationType(rr.GenerationType)
	if err != nil {
		return pricing.Request{}, fmt.Errorf("%w: %v", pricing.ErrInvalidParameters, err)
	}
	itemCount := 1
	if rr.ItemCount != nil {
		itemCount = *rr.ItemCount
	}
	return pricing.Request{
		ModelID:            rr.ModelID,
		Type:               gt,
		Resolution:         rr.Resolution,
		DurationSeconds:    rr.DurationSeconds,
		ItemCount:          itemCount,
		UploadedImageCount: rr.UploadedImageCount,
		GenerateAudio:      rr.GenerateAudio,
		TextLength:         rr.TextLength,
	}, nil
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	preq, err := req.toPricing()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	start := time.Now()
	result, err := h.resolver.Resolve(preq)
	metrics.ResolveDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// reserveRequest places a hold. Either amount is given directly, or a
// pricing block is resolved first and its result reserved, keeping
// resolve-then-reserve a single round trip for the orchestrator.
type reserveRequest struct {
	UserID  string          `json:"userId"`
	Amount  int64           `json:"amount,omitempty"`
	Pricing *resolveRequest `json:"pricing,omitempty"`
}

type reserveResponse struct {
	Reservation *ledger.Reservation `json:"reservation"`
	Pricing     *pricing.Result     `json:"pricing,omitempty"`
}

func (h *Handler) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Amount != 0 && req.Pricing != nil {
		h.writeError(w, http.StatusBadRequest, "give either amount or pricing, not both")
		return
	}

	amount := req.Amount
	var priced *pricing.Result
	if req.Pricing != nil {
		preq, err := req.Pricing.toPricing()
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		result, err := h.resolver.Resolve(preq)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		priced = &result
		amount = result.Credits
	}

	// Free-tier work holds nothing; the caller proceeds without a
	// reservation to finalize.
	if priced != nil && amount == 0 {
		h.writeJSON(w, http.StatusOK, reserveResponse{Pricing: priced})
		return
	}

	reservation, err := h.ledger.Reserve(r.Context(), req.UserID, amount)
	if err != nil {
		metrics.ReservationOutcomes.WithLabelValues(outcomeLabel(err)).Inc()
		h.writeDomainError(w, err)
		return
	}
	metrics.ReservationOutcomes.WithLabelValues("approved").Inc()
	h.writeJSON(w, http.StatusCreated, reserveResponse{Reservation: reservation, Pricing: priced})
}

type finalizeResponse struct {
	ID              string       `json:"id"`
	State           ledger.State `json:"state"`
	AlreadyTerminal bool         `json:"alreadyTerminal"`
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	h.finalize(w, r, h.ledger.Commit)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	h.finalize(w, r, h.ledger.Release)
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (ledger.FinalizeResult, error)) {
	id := chi.URLParam(r, "id")
	res, err := fn(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, finalizeResponse{
		ID:              id,
		State:           res.State,
		AlreadyTerminal: res.AlreadyTerminal,
	})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	b, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, b)
}

type grantRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "manual grant"
	}
	balance, err := h.ledger.Grant(r.Context(), userID, req.Amount, req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"userId":  userID,
		"balance": balance,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.ready(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeDomainError maps typed domain errors onto HTTP status codes.
// Pricing failures all render the same generic client message; the
// shortfall is the one detail callers are meant to show users.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		h.writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error": map[string]interface{}{
				"code":      http.StatusPaymentRequired,
				"message":   fmt.Sprintf("insufficient credits: %d more needed", insufficient.Shortfall),
				"shortfall": insufficient.Shortfall,
			},
			"timestamp": time.Now().Unix(),
		})
	case errors.Is(err, pricing.ErrUnknownModel), errors.Is(err, pricing.ErrInvalidParameters):
		h.log.Debug().Err(err).Msg("pricing rejected request")
		h.writeError(w, http.StatusUnprocessableEntity, "unsupported configuration")
	case errors.Is(err, ledger.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrReservationNotFound):
		h.writeError(w, http.StatusNotFound, "reservation not found")
	case errors.Is(err, ledger.ErrAccountNotFound):
		h.writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, ledger.ErrTimeout):
		h.writeError(w, http.StatusServiceUnavailable, "backend timeout")
	default:
		h.log.Error().Err(err).Msg("internal error")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func outcomeLabel(err error) string {
	var insufficient *ledger.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return "insufficient"
	}
	return "error"
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}

// loggingMiddleware logs every request with its status and duration,
// and feeds the HTTP request counters.
func loggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("http request")
		})
	}
}
