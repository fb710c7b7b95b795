package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type ctxKey int

const (
	userKey ctxKey = iota
	agentKey
)

func userFrom(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

func agentFrom(ctx context.Context) string {
	v, _ := ctx.Value(agentKey).(string)
	return v
}

// requireUser takes the caller's identity from X-User-ID. Authentication happens upstream.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(userIDHeader)
		if user == "" {
			writeError(w, http.StatusUnauthorized, "missing "+userIDHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// requireAgent checks the shared agent token. An empty configured token disables the check.
func (s *Server) requireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent := r.Header.Get(agentIDHeader)
		if agent == "" {
			writeError(w, http.StatusUnauthorized, "missing "+agentIDHeader)
			return
		}
		if s.cfg.AgentToken != "" && !tokenEqual(r.Header.Get(agentTokenHeader), s.cfg.AgentToken) {
			writeError(w, http.StatusUnauthorized, "invalid agent token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), agentKey, agent)))
	})
}

// requireBilling admits only the billing collaborator. Purchases are refused when no
// billing token is configured.
func (s *Server) requireBilling(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.BillingToken == "" || !tokenEqual(r.Header.Get(billingTokenHeader), s.cfg.BillingToken) {
			writeError(w, http.StatusForbidden, "billing token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
