package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyHeader carries the client-chosen key for a request.
	IdempotencyHeader = "Idempotency-Key"

	// DefaultIdempotencyTTL is how long a successful response is replayed.
	DefaultIdempotencyTTL = 24 * time.Hour

	idempotencyLockTimeout = 10 * time.Second
	maxIdempotencyKeyLen   = 128
)

type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// responseRecorder captures status and body so they can be cached.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rw *responseRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseRecorder) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the stored response of a request that already
// succeeded under the same Idempotency-Key, and answers 409 while a request
// with that key is still in flight. Keys are scoped by route and subject.
// A nil client disables the middleware.
func IdempotencyMiddleware(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "mopatas"
	}
	logger = logger.With(zap.String("component", "idempotency"))

	return func(next http.Handler) http.Handler {
		if client == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				writeStatusJSON(w, http.StatusBadRequest, errorResponse{Error: "idempotency key too long"})
				return
			}

			ctx := r.Context()
			scope := r.Method + ":" + r.URL.Path
			if subject, ok := GetSubject(ctx); ok {
				scope += ":" + subject
			}
			cacheKey := prefix + ":idempotency:" + scope + ":" + key
			lockKey := prefix + ":idempotency_lock:" + scope + ":" + key

			raw, err := client.Get(ctx, cacheKey).Bytes()
			if err == nil {
				var cached cachedResponse
				if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
					logger.Debug("replaying cached response", zap.String("key", key))
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("X-Idempotency-Hit", "true")
					w.WriteHeader(cached.Status)
					w.Write(cached.Body)
					return
				}
				logger.Warn("discarding unreadable cached response", zap.String("key", key))
			} else if err != redis.Nil {
				logger.Error("idempotency lookup failed", zap.Error(err))
				writeStatusJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "idempotency store unavailable"})
				return
			}

			acquired, err := client.SetNX(ctx, lockKey, "processing", idempotencyLockTimeout).Result()
			if err != nil {
				logger.Error("idempotency lock failed", zap.Error(err))
				writeStatusJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "idempotency store unavailable"})
				return
			}
			if !acquired {
				w.Header().Set("Retry-After", strconv.Itoa(int(idempotencyLockTimeout.Seconds())))
				writeStatusJSON(w, http.StatusConflict, errorResponse{Error: "a request with this idempotency key is in progress"})
				return
			}
			defer func() {
				if delErr := client.Del(ctx, lockKey).Err(); delErr != nil {
					logger.Warn("idempotency lock release failed", zap.Error(delErr))
				}
			}()

			recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			if recorder.statusCode < 200 || recorder.statusCode >= 300 {
				return
			}
			payload, err := json.Marshal(cachedResponse{Status: recorder.statusCode, Body: json.RawMessage(bytes.TrimSpace(recorder.body.Bytes()))})
			if err != nil {
				logger.Warn("idempotency response not cacheable", zap.Error(err))
				return
			}
			if err := client.Set(ctx, cacheKey, payload, ttl).Err(); err != nil {
				logger.Warn("idempotency cache write failed", zap.Error(err))
			}
		})
	}
}

func writeStatusJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
