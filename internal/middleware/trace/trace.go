// Package trace assigns every request an ID, logs its completion and turns
// handler panics into 500 responses.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	applog "cashflow/internal/log"
)

// ContextKey type for context keys
type ContextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey ContextKey = "request_id"

	// HeaderRequestID carries the request ID in both directions.
	HeaderRequestID = "X-Request-ID"

	maxRequestIDLength = 64
)

// PanicHandler writes the response for a request whose handler panicked.
// It is only called when nothing was written yet.
type PanicHandler func(w http.ResponseWriter, r *http.Request)

// Middleware handles request tracing and logging
type Middleware struct {
	extractIP func(*http.Request) string
	logger    *applog.StructuredLogger
	onPanic   PanicHandler

	totalRequests atomic.Int64
	panics        atomic.Int64
}

func NewMiddleware(extractIP func(*http.Request) string, logger *applog.Logger) *Middleware {
	return &Middleware{
		extractIP: extractIP,
		logger:    applog.NewStructuredLogger(logger),
	}
}

// WithPanicHandler sets the writer used after a recovered panic. The
// default sends a bare 500.
func (m *Middleware) WithPanicHandler(h PanicHandler) *Middleware {
	m.onPanic = h
	return m
}

// Middleware returns HTTP middleware for request tracing
func (m *Middleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.totalRequests.Add(1)

		clientIP := ""
		if m.extractIP != nil {
			clientIP = m.extractIP(r)
		}

		requestID := r.Header.Get(HeaderRequestID)
		if !validRequestID(requestID) {
			requestID = GenerateRequestID()
		}
		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		r = r.WithContext(ctx)
		w.Header().Set(HeaderRequestID, requestID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				m.panics.Add(1)
				m.logger.LogError(ctx, "Handler panicked", fmt.Errorf("panic: %v", v), "",
					applog.NewFields().WithRequestID(requestID).
						WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, "").
						With("stack", string(debug.Stack())))
				if !rw.wroteHeader {
					if m.onPanic != nil {
						m.onPanic(rw, r)
					} else {
						rw.WriteHeader(http.StatusInternalServerError)
					}
				} else {
					rw.statusCode = http.StatusInternalServerError
				}
			}
			m.logger.LogHTTPEnd(ctx, r, requestID, rw.statusCode, time.Since(start).Milliseconds(), clientIP)
		}()

		next.ServeHTTP(rw, r)
	})
}

// responseWriter captures the status code. Unwrap lets
// http.ResponseController reach the underlying writer for flushing.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// GenerateRequestID creates a unique request ID for tracing
func GenerateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}

// validRequestID accepts caller-supplied IDs made of [A-Za-z0-9_-] only.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// GetRequestID extracts the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// FromRequest is GetRequestID over r's context, in the shape the log
// middleware expects.
func FromRequest(r *http.Request) string {
	return GetRequestID(r.Context())
}

// Metrics is a snapshot of the request counters.
type Metrics struct {
	TotalRequests int64
	Panics        int64
}

// GetMetrics returns current metrics
func (m *Middleware) GetMetrics() Metrics {
	return Metrics{
		TotalRequests: m.totalRequests.Load(),
		Panics:        m.panics.Load(),
	}
}
