/**
 * @description
 * This file sets up the HTTP router for the transaction-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as authentication, idempotency and rate limiting.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/redis/go-redis/v9: Idempotency key storage.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mopatas/transaction-service/internal/app"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RouterConfig carries the cross-cutting settings of the HTTP surface.
type RouterConfig struct {
	JWTSecret             string
	InternalAPIKey        string
	Redis                 redis.UniversalClient
	RedisPrefix           string
	IdempotencyTTL        time.Duration
	RateLimiter           app.RateLimiter
	ConfirmLimitPerMinute int
	Logger                *zap.Logger
}

// TransactionRoutes creates and returns a new router for the transaction service.
func TransactionRoutes(h *TransactionHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Get("/fees", h.GetFeesHandler)
	r.Post("/accounts", h.RegisterAccountHandler)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))

		r.With(IdempotencyMiddleware(cfg.Redis, cfg.RedisPrefix, cfg.IdempotencyTTL, cfg.Logger)).
			Post("/transaction", h.RequestTransactionHandler)
		r.With(RateLimitMiddleware(cfg.RateLimiter, confirmRateScope, cfg.ConfirmLimitPerMinute, time.Minute, cfg.Logger)).
			Post("/confirm_transaction", h.ConfirmTransactionHandler)

		r.Get("/sessions/{code}", h.GetSessionHandler)
		r.Get("/accounts/{id}/balance", h.GetAccountBalanceHandler)
		r.Get("/accounts/{id}/settlements", h.ListSettlementsHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/operator/float", h.AdjustOperatorFloatHandler)
		r.Post("/operator/accounts", h.ProvisionAccountHandler)
	})

	return r
}
