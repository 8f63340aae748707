package chi

import (
	"net"
	"net/http"
	"strconv"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	logpkg "github.com/kailas-cloud/qflow/internal/logger"
)

// JSONRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func JSONRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
						zap.Stack("stacktrace"),
					)
					writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// WideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
// It must run after chi's RequestID middleware.
func WideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			reqLogger := logpkg.WithRequestID(logger, requestID)
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}

// RateLimitConfig configures per-client request limiting.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	// MaxClients bounds the number of tracked client limiters.
	MaxClients int
	// IdleTTL forgets a client after this long without requests.
	IdleTTL time.Duration
}

// RateLimitMiddleware limits requests per client IP with a token bucket.
// A non-positive RequestsPerMinute disables limiting.
func RateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if cfg.RequestsPerMinute <= 0 {
			return next
		}
		if cfg.Burst <= 0 {
			cfg.Burst = 1
		}
		if cfg.MaxClients <= 0 {
			cfg.MaxClients = 10000
		}
		if cfg.IdleTTL <= 0 {
			cfg.IdleTTL = 10 * time.Minute
		}

		every := rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
		limiters := expirable.NewLRU[string, *rate.Limiter](cfg.MaxClients, nil, cfg.IdleTTL)
		retryAfter := strconv.Itoa(max(1, int(time.Minute/time.Duration(cfg.RequestsPerMinute)/time.Second)))

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			lim, ok := limiters.Get(key)
			if !ok {
				lim = rate.NewLimiter(every, cfg.Burst)
				// A concurrent first request may install its own limiter; the
				// bucket is then briefly doubled for this client.
				limiters.Add(key, lim)
			}
			if !lim.Allow() {
				w.Header().Set("Retry-After", retryAfter)
				writeError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
