package httpapi

import (
	"context"
	"net/http"
	"strings"

	"library-lending/library"
	"library-lending/session"
)

type ctxKey struct{}

// Librarian returns the authenticated librarian stored by the auth middleware.
func Librarian(ctx context.Context) (*library.Librarian, bool) {
	l, ok := ctx.Value(ctxKey{}).(*library.Librarian)
	return l, ok
}

func tokenFrom(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l, err := s.mgr.Authenticate(r.Context(), tokenFrom(r))
		if err != nil {
			s.writeError(w, r, session.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, l)))
	})
}

type loginRequest struct {
	OrgEmail string `json:"orgEmail"`
	Password string `json:"password"`
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	token, err := s.mgr.Login(r.Context(), req.OrgEmail, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.opts.CookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	s.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	l, _ := Librarian(r.Context())
	if err := s.mgr.Logout(r.Context(), l.OrgEmail); err != nil {
		s.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: CookieName, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	w.WriteHeader(http.StatusNoContent)
}
