// Package carddav serves the cached contacts to CardDAV clients on the
// loopback interface.
package carddav

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/matheus3301/setu/internal/errs"
	"github.com/matheus3301/setu/internal/metrics"
	"github.com/matheus3301/setu/internal/store"
	"go.uber.org/zap"
)

func init() {
	chi.RegisterMethod("PROPFIND")
	chi.RegisterMethod("REPORT")
}

// Contacts is the read side of the contact store.
type Contacts interface {
	Get(ctx context.Context, resourceID string) (*store.Contact, error)
	List(ctx context.Context) ([]store.Contact, error)
	Index(ctx context.Context) ([]store.Entry, error)
	FindByPhoneContains(ctx context.Context, query string) ([]store.Contact, error)
	CTag(ctx context.Context) (string, error)
}

// Lookup fetches contacts from the remote on a cache miss and stores them.
type Lookup interface {
	LiveLookup(ctx context.Context, query string) ([]store.Contact, error)
}

// Config holds the listener settings.
type Config struct {
	Port     int
	Username string
}

// Server is the CardDAV HTTP server.
type Server struct {
	cfg      Config
	contacts Contacts
	lookup   Lookup
	auth     *basicAuth
	logger   *zap.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a server. lookup may be nil, in which case REPORT never
// goes to the remote.
func NewServer(cfg Config, contacts Contacts, lookup Lookup, secrets Secrets, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("carddav")
	s := &Server{
		cfg:      cfg,
		contacts: contacts,
		lookup:   lookup,
		auth:     newBasicAuth(cfg.Username, secrets, logger),
		logger:   logger,
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler with the full middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.observe)
	r.Use(chimiddleware.Recoverer)

	r.Get("/.well-known/carddav", s.wellKnown)
	r.Method("PROPFIND", "/.well-known/carddav", http.HandlerFunc(s.wellKnown))

	r.Group(func(r chi.Router) {
		r.Use(s.auth.middleware)

		r.Options("/*", s.options)

		r.Method("PROPFIND", "/", http.HandlerFunc(s.propfindRoot))
		r.Method("PROPFIND", principals, http.HandlerFunc(s.propfindPrincipals))
		r.Method("PROPFIND", "/principals", http.HandlerFunc(s.propfindPrincipals))

		for _, path := range []string{collection, "/addressbook"} {
			r.Method("PROPFIND", path, http.HandlerFunc(s.propfindCollection))
			r.Method("REPORT", path, http.HandlerFunc(s.report))
		}

		r.Get(collection+"{file}", s.getContact)
		r.Head(collection+"{file}", s.getContact)
		r.Method("PROPFIND", collection+"{file}", http.HandlerFunc(s.propfindContact))

		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	})
	return r
}

// Start binds 127.0.0.1:<port> and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info("carddav server starting", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("carddav server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("carddav server stopping")
	return s.httpServer.Shutdown(ctx)
}

// requestID tags each request with a UUID, honoring one the client sent.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(chimiddleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(chimiddleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), chimiddleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// observe records request metrics and a debug log line per request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		took := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method).Observe(took.Seconds())
		s.logger.Debug("request",
			zap.String("id", chimiddleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("depth", r.Header.Get("Depth")),
			zap.String("user_agent", r.UserAgent()),
			zap.Int("status", status),
			zap.Duration("took", took))
	})
}

// fail maps an error to a status. Bodies never carry error details.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	switch {
	case errors.Is(err, errs.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errs.ErrMalformedInput):
		code = http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return
	default:
		code = http.StatusInternalServerError
		s.logger.Error("request failed",
			zap.String("id", chimiddleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	http.Error(w, http.StatusText(code), code)
}
