package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// requestLogger assigns a UUID request id, logs the outcome, and makes a
// request-scoped slog.Logger available via RequestLogger(ctx).
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := uuid.NewString()
			scoped := logger.With("request_id", id, "method", r.Method, "path", r.URL.Path)
			ctx := context.WithValue(r.Context(), requestIDKey{}, scoped)

			start := time.Now()
			scoped.InfoContext(ctx, "request started")
			next.ServeHTTP(w, r.WithContext(ctx))
			scoped.InfoContext(ctx, "request completed", "duration", time.Since(start))
		})
	}
}

// RequestLogger returns the request-scoped logger set by requestLogger, or
// slog.Default() outside of a request.
func RequestLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(requestIDKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// recoverer converts a panic in a downstream handler to a 500 rather than
// crashing the listener goroutine.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				RequestLogger(r.Context()).Error("panic recovered in HTTP handler", "panic", rec)
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestTimeout derives a request-scoped deadline from the configured
// budget, cancelling the handler's context (and anything it's blocked on)
// once it elapses. http.TimeoutHandler was deliberately not used here: it
// buffers the entire response until the handler returns, which would
// defeat WADO-RS's streamed multipart delivery.
func requestTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
