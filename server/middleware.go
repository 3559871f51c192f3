package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	mdlogger "github.com/valri11/go-servicepack/logger"
	"github.com/valri11/go-servicepack/telemetry"
)

const requestIDHeader = "X-Request-ID"

// WithLogger puts a request scoped logger into the request context.
func WithLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(requestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, reqID)

			reqLogger := logger.With(zap.String("request_id", reqID))
			ctx := mdlogger.NewContext(r.Context(), reqLogger)
			startedAt := time.Now()

			next.ServeHTTP(w, r.WithContext(ctx))

			reqLogger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remoteAddr", r.RemoteAddr),
				zap.Duration("latency", time.Since(startedAt)),
			)
		})
	}
}

func WithOtelTracerContext(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := telemetry.NewContextWithTracer(r.Context(), tracer)
			r = r.WithContext(ctx)

			next.ServeHTTP(w, r)
		})
	}
}
