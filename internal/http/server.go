package http

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"cashflow/internal/core"
	applog "cashflow/internal/log"
	"cashflow/internal/middleware/ratelimit"
	"cashflow/internal/middleware/security"
	"cashflow/internal/middleware/trace"
	"cashflow/internal/notify"
	"cashflow/internal/session"
)

// Ledger is the transaction store the API works on.
type Ledger interface {
	List(ctx context.Context, user string) ([]core.Transaction, error)
	Add(ctx context.Context, user string, n core.NewTransaction) (core.Transaction, error)
	Update(ctx context.Context, user, id string, patch core.TransactionPatch) (core.Transaction, error)
	Delete(ctx context.Context, user, id string) error
}

// Pinger reports whether a dependency can serve requests.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	defaultHeartbeat = 25 * time.Second
	readyTimeout     = 2 * time.Second
)

type Deps struct {
	Ledger   Ledger
	Sessions *session.Manager

	// Events feeds GET /api/events. Nil answers 503.
	Events notify.Subscriber

	// Health is checked by /readyz. Nil means always ready.
	Health Pinger

	Logger *applog.Logger

	// Location is the zone of monthly reports when the client sends none.
	// Nil means time.Local.
	Location *time.Location

	// RateLimitPerMinute is the per-client request budget. 0 disables it.
	RateLimitPerMinute int

	// Heartbeat is the keep-alive period of event streams.
	Heartbeat time.Duration

	Now func() time.Time
}

// Server is the HTTP server of the JSON API.
type Server struct {
	http.Server

	ledger    Ledger
	sessions  *session.Manager
	events    notify.Subscriber
	health    Pinger
	location  *time.Location
	heartbeat time.Duration
	now       func() time.Time

	log      *applog.StructuredLogger
	logger   *applog.Logger
	limiter  *ratelimit.Limiter
	detector *security.Detector
	tracer   *trace.Middleware

	// done is closed by Shutdown so open event streams end.
	done         chan struct{}
	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// server.
func NewServer(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	logger = logger.WithComponent(applog.ComponentHTTP)

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		ledger:    deps.Ledger,
		sessions:  deps.Sessions,
		events:    deps.Events,
		health:    deps.Health,
		location:  deps.Location,
		heartbeat: deps.Heartbeat,
		now:       deps.Now,
		log:       applog.NewStructuredLogger(logger),
		logger:    logger,
		detector:  security.NewDetector(),
		done:      make(chan struct{}),
	}
	if s.location == nil {
		s.location = time.Local
	}
	if s.heartbeat <= 0 {
		s.heartbeat = defaultHeartbeat
	}
	if s.now == nil {
		s.now = time.Now
	}
	if deps.RateLimitPerMinute > 0 {
		s.limiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: deps.RateLimitPerMinute})
	}
	s.tracer = trace.NewMiddleware(s.detector.ExtractClientIP, logger).
		WithPanicHandler(func(w http.ResponseWriter, r *http.Request) {
			s.writeError(w, r, "", errInternal)
		})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/session", s.requireSession(s.handleSession))

	mux.HandleFunc("GET /api/transactions", s.requireSession(s.handleListTransactions))
	mux.HandleFunc("POST /api/transactions", s.requireSession(s.handleCreateTransaction))
	mux.HandleFunc("PUT /api/transactions/{id}", s.requireSession(s.handleUpdateTransaction))
	mux.HandleFunc("DELETE /api/transactions/{id}", s.requireSession(s.handleDeleteTransaction))
	mux.HandleFunc("GET /api/balance", s.requireSession(s.handleBalance))
	mux.HandleFunc("GET /api/reports/monthly", s.requireSession(s.handleMonthlyReport))
	mux.HandleFunc("GET /api/events", s.requireSession(s.handleEvents))

	s.Handler = s.chain(mux)
	return s
}

// chain wraps h with the middleware every request goes through, outermost
// first: tracing and panic recovery, security headers, scanner detection,
// rate limiting, then the request-scoped logger.
func (s *Server) chain(h http.Handler) http.Handler {
	h = applog.RequestIDMiddleware(trace.FromRequest)(h)
	h = applog.Middleware(s.logger)(h)
	if s.limiter != nil {
		limited := s.limiter.Middleware(s.detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
			applog.FromContext(r.Context()).WithComponent(applog.ComponentRateLimit).
				WarnContext(r.Context(), "Rate limit exceeded", applog.FieldClientIP, s.detector.ExtractClientIP(r))
			s.writeError(w, r, "", errRateLimited)
		})(h)
		h = exemptHealthChecks(limited, h)
	}
	h = s.detect(h)
	h = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(h)
	return s.tracer.Middleware(h)
}

// exemptHealthChecks sends health checks around the limiter.
func exemptHealthChecks(limited, plain http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			plain.ServeHTTP(w, r)
			return
		}
		limited.ServeHTTP(w, r)
	})
}

// detect logs requests that look like scans. They are still served.
func (s *Server) detect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.detector.DetectSuspiciousRequest(r) {
			s.logger.WithComponent(applog.ComponentSecurity).WarnContext(r.Context(), "Suspicious request",
				applog.FieldRequestID, trace.FromRequest(r),
				applog.FieldClientIP, s.detector.ExtractClientIP(r),
				applog.FieldMethod, r.Method,
				applog.FieldPath, r.URL.Path,
				applog.FieldUserAgent, r.UserAgent())
		}
		next.ServeHTTP(w, r)
	})
}

// requireSession resolves the bearer token and stores the session in the
// request context.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.sessions.Resolve(bearerToken(r))
		if err != nil {
			s.writeError(w, r, applog.OpValidate, session.ErrUnauthorized)
			return
		}
		ctx := session.WithSession(r.Context(), sess)
		logger := applog.FromContext(ctx).With(applog.FieldPartition, sess.Phone)
		next(w, r.WithContext(applog.NewContext(ctx, logger)))
	}
}

// Shutdown ends open event streams, stops the limiter and shuts the
// server down.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		close(s.done)
		if s.limiter != nil {
			s.limiter.Stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.WithComponent(applog.ComponentStorage).WarnContext(r.Context(), "Readiness check failed", applog.FieldError, err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// partitionOf returns the phone of the session stored by requireSession.
func partitionOf(r *http.Request) string {
	sess, _ := session.FromContext(r.Context())
	return strings.TrimSpace(sess.Phone)
}
