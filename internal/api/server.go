package api

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
	"github.com/rs/zerolog/log"

	"github.com/xihreaux01/pixel-art-platform/internal/config"
	"github.com/xihreaux01/pixel-art-platform/internal/events"
	"github.com/xihreaux01/pixel-art-platform/internal/harness"
	"github.com/xihreaux01/pixel-art-platform/internal/models"
	"github.com/xihreaux01/pixel-art-platform/internal/orchestrator"
	"github.com/xihreaux01/pixel-art-platform/internal/ratelimit"
	"github.com/xihreaux01/pixel-art-platform/internal/store"
	"github.com/xihreaux01/pixel-art-platform/internal/telemetry"
	"github.com/xihreaux01/pixel-art-platform/internal/tier"
)

const (
	maxBodyBytes       = 1 << 20
	maxBatchCalls      = 256
	defaultTxnLimit    = 50
	maxTxnLimit        = 500
	eventKeepAlive     = 15 * time.Second
	agentIDHeader      = "X-Agent-ID"
	agentTokenHeader   = "X-Agent-Token"
	billingTokenHeader = "X-Billing-Token"
	userIDHeader       = "X-User-ID"
)

// Subscriber streams progress events for one job.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) (<-chan events.Event, func() error, error)
}

// Server wires HTTP handlers for the user, agent and billing APIs.
type Server struct {
	cfg     config.Config
	orch    *orchestrator.Orchestrator
	store   store.Store
	limiter *ratelimit.TokenBucket
	events  Subscriber
}

// New constructs the API server. limiter and subscriber may be nil.
func New(cfg config.Config, orch *orchestrator.Orchestrator, st store.Store, limiter *ratelimit.TokenBucket, subscriber Subscriber) *Server {
	return &Server{
		cfg:     cfg,
		orch:    orch,
		store:   st,
		limiter: limiter,
		events:  subscriber,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Post("/generations", s.handleCreate)
			r.Get("/generations/{id}", s.handleGetJob)
			r.Post("/generations/{id}/cancel", s.handleCancel)
			r.Get("/generations/{id}/events", s.handleEvents)
			r.Get("/art/{id}", s.handleGetArt)
			r.Get("/credits/balance", s.handleBalance)
			r.Get("/credits/transactions", s.handleTransactions)
		})
		r.With(s.requireBilling).Post("/credits/purchases", s.handlePurchase)

		r.Route("/agent", func(r chi.Router) {
			r.Use(s.requireAgent)
			r.Post("/poll", s.handlePoll)
			r.Post("/jobs/{id}/submit", s.handleSubmit)
			r.Post("/jobs/{id}/heartbeat", s.handleHeartbeat)
		})
	})
	return r
}

type createRequest struct {
	Tier           string `json:"tier"`
	Prompt         string `json:"prompt"`
	IdempotencyKey string `json:"idempotency_key"`
}

type createResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Tier == "" {
		writeError(w, http.StatusBadRequest, "tier is required")
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	user := userFrom(r.Context())

	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), user)
		if err != nil {
			log.Error().Err(err).Str("user_id", user).Msg("rate limit check")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds()+0.999)))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, idempotent, err := s.orch.CreateJob(r.Context(), user, req.Tier, req.Prompt, req.IdempotencyKey)
	if err != nil {
		writeErr(w, err)
		return
	}
	code := http.StatusCreated
	if idempotent {
		code = http.StatusOK
	}
	writeJSON(w, code, createResponse{Job: job, Idempotent: idempotent})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.GetJob(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Cancel(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleEvents streams job progress as server-sent events, starting with the current state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := s.orch.GetJob(ctx, userFrom(ctx), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok || s.events == nil {
		writeError(w, http.StatusNotImplemented, "event streaming unavailable")
		return
	}

	var stream <-chan events.Event
	if !job.Status.Terminal() {
		ch, closeSub, err := s.events.Subscribe(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("job_id", id).Msg("subscribe to job events")
			writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
			return
		}
		defer func() { _ = closeSub() }()
		stream = ch
		// the job may have finished before the subscription was live
		if job, err = s.orch.GetJob(ctx, userFrom(ctx), id); err != nil {
			writeErr(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	first := events.FromJob(job, time.Now())
	if err := writeEvent(w, first); err != nil {
		return
	}
	flusher.Flush()
	if first.Terminal() {
		return
	}

	ticker := time.NewTicker(eventKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}

func (s *Server) handleGetArt(w http.ResponseWriter, r *http.Request) {
	art, err := s.store.GetArt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if art.CreatorID != userFrom(r.Context()) {
		writeErr(w, store.ErrArtNotFound)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	balance, err := s.store.Balance(r.Context(), user)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "balance": balance})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := defaultTxnLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTxnLimit)
	}
	txns, err := s.store.Transactions(r.Context(), userFrom(r.Context()), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": txns})
}

type purchaseRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "purchase"
	}
	txn, err := s.store.Credit(r.Context(), req.UserID, req.Amount, nil, models.TxnPurchase, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	log.Info().Str("user_id", req.UserID).Int64("amount", req.Amount).Msg("credits purchased")
	writeJSON(w, http.StatusCreated, txn)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Poll(r.Context(), agentFrom(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type submitRequest struct {
	Calls []harness.Call `json:"calls"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Calls) > maxBatchCalls {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d calls per batch", maxBatchCalls))
		return
	}
	res, err := s.orch.Submit(r.Context(), agentFrom(r.Context()), chi.URLParam(r, "id"), req.Calls)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Heartbeat(r.Context(), agentFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, store.ErrActiveJobExists),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, store.ErrJobTerminal),
		errors.Is(err, store.ErrDuplicateCompensation):
		return http.StatusConflict
	case errors.Is(err, store.ErrJobNotFound), errors.Is(err, store.ErrArtNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotJobOwner):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrInvalidPrompt),
		errors.Is(err, tier.ErrUnknownTier),
		errors.Is(err, store.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeError(w, code, msg)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
