// Package httpapi exposes the library manager over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"library-lending/library"
	"library-lending/session"
)

// CookieName carries the session token between requests.
const CookieName = "rememberUser"

// Options tune the router. The zero value is valid.
type Options struct {
	Logger *zap.Logger
	// CookieTTL is the lifetime of the session cookie; defaults to session.DefaultTTL.
	CookieTTL time.Duration
	// SecureCookie marks the session cookie Secure (HTTPS only).
	SecureCookie bool
}

type server struct {
	mgr    *library.LibraryManager
	logger *zap.Logger
	opts   Options
}

// NewRouter mounts every route on a chi router.
func NewRouter(mgr *library.LibraryManager, opts Options) chi.Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CookieTTL <= 0 {
		opts.CookieTTL = session.DefaultTTL
	}
	s := &server{mgr: mgr, logger: opts.Logger.Named("http"), opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Post("/librarians", s.createLibrarian)
	r.Post("/auth/login", s.login)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/auth/logout", s.logout)
		r.Get("/librarians/{email}", s.getLibrarian)

		r.Post("/users", s.createUser)
		r.Get("/users/{userID}", s.getUser)

		r.Post("/books", s.createBook)
		r.Get("/books", s.listBooks)
		r.Get("/books/{bookID}", s.getBook)
		r.Post("/books/{bookID}/issue/{userID}", s.issueBook)
	})
	return r
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("requestID", middleware.GetReqID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}
