// Package server implements the stateless Lore HTTP handler: org/key
// management and lesson CRUD + hybrid search over a relational database,
// per spec §4.3.4 and §6. Routing and middleware composition follow the
// teacher's internal/web/server.go shape (http.ServeMux, wrapped
// handler chain); auth, org scoping, and rate limiting are new.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sgx-labs/lore/internal/loreerr"
)

var (
	errAuthMissing = loreerr.Authf("missing bearer token")
	errAuthUnknown = loreerr.Authf("unknown api key")
	errAuthRevoked = loreerr.Authf("api key revoked")
)

// Config configures a Server.
type Config struct {
	DBPath       string
	Dims         int
	Lambda       float64 // exponential decay rate; zero uses scoring.DefaultServerLambda
	RateLimitRPM int
	Logger       *zap.Logger
}

// Server is the stateless Lore HTTP handler.
type Server struct {
	db        *db
	log       *zap.Logger
	authCache *authCache
	limiter   *keyLimiter
}

// New opens the server's backing database and builds the handler.
func New(cfg Config) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	d, err := openDB(cfg.DBPath, cfg.Dims, cfg.Lambda, log)
	if err != nil {
		return nil, err
	}
	return &Server{
		db:        d,
		log:       log,
		authCache: newAuthCache(),
		limiter:   newKeyLimiter(cfg.RateLimitRPM),
	}, nil
}

func (s *Server) Close() error { return s.db.Close() }

// Handler builds the routed, middleware-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/org/init", s.handleOrgInit)
	mux.HandleFunc("POST /v1/keys", s.withAuth(s.requireRoot(s.handleCreateKey)))
	mux.HandleFunc("GET /v1/keys", s.withAuth(s.requireRoot(s.handleListKeys)))
	mux.HandleFunc("DELETE /v1/keys/{id}", s.withAuth(s.requireRoot(s.handleRevokeKey)))
	mux.HandleFunc("POST /v1/lessons", s.withAuth(s.handlePublish))
	mux.HandleFunc("GET /v1/lessons/{id}", s.withAuth(s.handleGetLesson))
	mux.HandleFunc("PATCH /v1/lessons/{id}", s.withAuth(s.handleUpdateLesson))
	mux.HandleFunc("DELETE /v1/lessons/{id}", s.withAuth(s.handleDeleteLesson))
	mux.HandleFunc("GET /v1/lessons", s.withAuth(s.handleListLessons))
	mux.HandleFunc("POST /v1/lessons/search", s.withAuth(s.handleSearch))
	mux.HandleFunc("POST /v1/lessons/export", s.withAuth(s.handleExport))
	mux.HandleFunc("POST /v1/lessons/import", s.withAuth(s.handleImport))

	return securityHeaders(requestLogger(s.log, mux))
}

// Serve opens a listener on addr and blocks serving the routed handler
// until ctx is canceled, at which point it shuts down gracefully. This
// mirrors the teacher's context-driven web.Serve.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	httpSrv := &http.Server{Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(listener) }()

	s.log.Info("lore server listening", zap.String("addr", listener.Addr().String()))

	select {
	case <-ctx.Done():
		return httpSrv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// --- middleware ---

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func requestLogger(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, key apiKeyRecord)

// withAuth resolves the bearer token and enforces the per-key rate limit
// before calling next. Auth failures are 401; rate-limit failures are
// 429 with a Retry-After hint (§5, §7).
func (s *Server) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := s.authenticate(r.Context(), r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "auth_failed", err.Error())
			return
		}
		if !s.limiter.allow(key.ID) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, retry after 60s")
			return
		}
		next(w, r, key)
	}
}

// requireRoot further restricts an authed handler to root keys only.
func (s *Server) requireRoot(next authedHandler) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, key apiKeyRecord) {
		if !key.IsRoot {
			writeError(w, http.StatusUnauthorized, "auth_failed", "root key required")
			return
		}
		next(w, r, key)
	}
}

// --- shared JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorCode maps a loreerr.Kind to the machine_code the wire format uses.
func errorCode(err error) (status int, code string) {
	kind, ok := loreerr.KindOf(err)
	if !ok {
		return http.StatusInternalServerError, "internal_error"
	}
	switch kind {
	case loreerr.KindValidation:
		return http.StatusUnprocessableEntity, "validation_failed"
	case loreerr.KindNotFound:
		return http.StatusNotFound, "not_found"
	case loreerr.KindAuth:
		return http.StatusUnauthorized, "auth_failed"
	case loreerr.KindRateLimited:
		return http.StatusTooManyRequests, "rate_limited"
	case loreerr.KindConnection:
		return http.StatusBadGateway, "connection_failed"
	case loreerr.KindIntegrity:
		return http.StatusInternalServerError, "integrity_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeLoreErr(w http.ResponseWriter, err error) {
	status, code := errorCode(err)
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
