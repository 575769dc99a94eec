// Package server exposes the HTTP surface of the bot: health, readiness,
// status and metrics, plus the admin control endpoints (pause, resume,
// restart, command reload, credential storage). It injects correlation IDs
// into request contexts for consistent logging.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chzzk-bot/telemetry"
)

// NewMux returns the HTTP handler with all routes.
// The provided context is used for rate limiter cleanup goroutines lifecycle.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	rateLimiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	handlers := NewHandlers(ctx, deps)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)
	mux.HandleFunc("/status", handlers.HandleStatus)

	admin := http.NewServeMux()
	admin.HandleFunc("/admin/pause", handlers.HandleAdminPause)
	admin.HandleFunc("/admin/resume", handlers.HandleAdminResume)
	admin.HandleFunc("/admin/restart", handlers.HandleAdminRestart)
	admin.HandleFunc("/admin/reconnect", handlers.HandleAdminReconnect)
	admin.HandleFunc("/admin/commands/reload", handlers.HandleAdminCommandsReload)
	admin.HandleFunc("/admin/cache/purge", handlers.HandleAdminCachePurge)
	admin.HandleFunc("/admin/credentials", handlers.HandleAdminCredentials)
	// Auth first, then rate limiting.
	mux.Handle("/admin/", adminAuth(rateLimitMiddleware(admin, rateLimiter), deps.Auth))

	// Wrap with correlation ID injector and tracing middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		route := r.URL.Path
		if strings.HasPrefix(route, "/admin/") {
			route = "/admin/*"
		}
		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path, telemetry.HTTPAttrs(r.Method, route)...)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start serves h on addr and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return Serve(ctx, ln, h)
}

// Serve is Start on an existing listener.
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 90 * time.Second, // restart waits for login
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
