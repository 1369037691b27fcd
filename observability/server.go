package observability

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jkoelker/ffsclient/health"
	"github.com/jkoelker/ffsclient/log"
	"github.com/jkoelker/ffsclient/metrics"
	"github.com/jkoelker/ffsclient/tracing"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second

	statusCodeServerError = 500 // Server error threshold (5xx)

	// Instrument names of the local endpoint.
	endpointRequestsTotal     = "ffsclient_endpoint_requests_total"
	endpointRequestDurationMS = "ffsclient_endpoint_request_duration_ms"
)

// NewHandler serves /metrics when providers export them and the health
// endpoints, instrumented with metrics and tracing.
func NewHandler(providers *OTelProviders, healthHandler *health.HTTPHandler) http.Handler {
	mux := http.NewServeMux()

	if providers != nil && providers.PrometheusHTTP != nil {
		mux.Handle("GET /metrics", providers.PrometheusHTTP)
	}

	if healthHandler != nil {
		healthHandler.Register(mux)
	}

	return TracingMiddleware(MetricsMiddleware(mux))
}

// Serve runs handler on addr until ctx is done, over TLS when tlsConfig is
// set.
func Serve(ctx context.Context, addr string, handler http.Handler, tlsConfig *tls.Config) error {
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- server.Serve(listener)
	}()

	log.Info(ctx, "Serving metrics and health endpoints", "addr", listener.Addr().String(), "tls", tlsConfig != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("endpoint server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down endpoint server: %w", err)
	}

	return nil
}

// MetricsMiddleware instruments HTTP requests with metrics.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		ctx := request.Context()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: writer, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, request)

		statusCode := strconv.Itoa(wrapped.statusCode)

		metrics.RecordCounter(ctx, endpointRequestsTotal, 1,
			"method", request.Method,
			"endpoint", request.URL.Path,
			"status_code", statusCode,
		)

		metrics.RecordHistogram(ctx, endpointRequestDurationMS, float64(time.Since(start).Milliseconds()),
			"method", request.Method,
			"endpoint", request.URL.Path,
		)
	})
}

// TracingMiddleware instruments HTTP requests with tracing.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		ctx, span := tracing.StartSpan(request.Context(), request.Method+" "+request.URL.Path)
		defer span.End()

		tracing.SetAttributes(ctx,
			tracing.AttrMethod, request.Method,
			tracing.AttrPath, request.URL.Path,
			"client.address", request.RemoteAddr,
		)

		wrapped := &responseWriter{ResponseWriter: writer, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, request.WithContext(ctx))

		tracing.SetAttributes(ctx, tracing.AttrStatus, strconv.Itoa(wrapped.statusCode))

		if wrapped.statusCode >= statusCodeServerError {
			tracing.SetError(ctx, &httpError{
				statusCode: wrapped.statusCode,
				message:    http.StatusText(wrapped.statusCode),
			})

			return
		}

		tracing.SetOK(ctx)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter

	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// httpError represents an HTTP error for tracing.
type httpError struct {
	statusCode int
	message    string
}

func (e *httpError) Error() string {
	return strconv.Itoa(e.statusCode) + " " + e.message
}
