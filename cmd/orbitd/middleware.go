package main

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/orbitcore/orbit/pkg/orcherr"
	"github.com/orbitcore/orbit/pkg/telemetry"
)

func withRequestID(next http.Handler, header string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(header)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(header, rid)
		ctx := telemetry.ContextWithRequestID(r.Context(), rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withRecovery(next http.Handler, log *telemetry.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error(r.Context(), "panic_recovered", map[string]any{
					"panic": rec,
					"stack": string(debug.Stack()),
				})
				orcherr.WriteHTTP(w, orcherr.HTTPStatusFor(orcherr.Internal),
					orcherr.NewEnvelope(orcherr.Internal, "internal server error", "", telemetry.RequestIDFromContext(r.Context()), nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func withAccessLog(next http.Handler, log *telemetry.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Info(r.Context(), "http_request", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
