package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"library-lending/library"
	"library-lending/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type errorResponse struct {
	Error     string `json:"error"`
	BookID    string `json:"bookId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}
	return true
}

// writeError maps the error taxonomy onto status codes. Internal details are
// logged, never returned.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ie *library.IssueError
	switch {
	case errors.Is(err, session.ErrUnauthorized):
		s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: session.ErrUnauthorized.Error()})
	case errors.Is(err, library.ErrValidation):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, library.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, library.ErrConflict):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: "already exists"})
	case errors.As(err, &ie):
		s.logger.Error("issuance failed", zap.String("path", r.URL.Path), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: "could not issue book, retry the request", BookID: ie.BookID, UserID: ie.BorrowerID, Retryable: true,
		})
	default:
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *server) createLibrarian(w http.ResponseWriter, r *http.Request) {
	var in library.NewLibrarian
	if !s.decode(w, r, &in) {
		return
	}
	l, err := s.mgr.AddLibrarian(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, l)
}

func (s *server) getLibrarian(w http.ResponseWriter, r *http.Request) {
	l, err := s.mgr.GetLibrarianCached(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}

func (s *server) createUser(w http.ResponseWriter, r *http.Request) {
	var in library.NewUser
	if !s.decode(w, r, &in) {
		return
	}
	u, err := s.mgr.AddUser(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, u)
}

func (s *server) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.mgr.GetUserCached(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, u)
}

func (s *server) createBook(w http.ResponseWriter, r *http.Request) {
	var in library.NewBook
	if !s.decode(w, r, &in) {
		return
	}
	b, err := s.mgr.AddBook(r.Context(), in)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusCreated, b)
	case b != nil && (errors.Is(err, library.ErrAuthorsAbsent) || errors.Is(err, library.ErrGenresAbsent)):
		// Stored, but nothing was queued for resolution.
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), BookID: b.ID})
	case b != nil:
		s.logger.Error("book stored without resolution jobs", zap.String("book", b.ID), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: "book stored but its authors and genres could not be queued", BookID: b.ID, Retryable: true,
		})
	default:
		s.writeError(w, r, err)
	}
}

func (s *server) listBooks(w http.ResponseWriter, r *http.Request) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	take, _ := strconv.Atoi(r.URL.Query().Get("take"))
	books, err := s.mgr.ListBooks(r.Context(), skip, take)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, books)
}

func (s *server) getBook(w http.ResponseWriter, r *http.Request) {
	b, err := s.mgr.GetBookCached(r.Context(), chi.URLParam(r, "bookID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

type issueResponse struct {
	Status   library.IssueStatus `json:"status"`
	Missing  library.Entity      `json:"missing,omitempty"`
	BookID   string              `json:"bookId"`
	UserID   string              `json:"userId"`
	Quantity int                 `json:"quantity"`
	Lending  *library.Lending    `json:"lending,omitempty"`
	Issuer   string              `json:"issuer,omitempty"`
}

func (s *server) issueBook(w http.ResponseWriter, r *http.Request) {
	l, _ := Librarian(r.Context())
	res, err := s.mgr.IssueBook(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "bookID"), l.OrgEmail)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	switch res.Status {
	case library.IssueIssued:
		status = http.StatusCreated
	case library.IssueNotFound:
		status = http.StatusNotFound
	case library.IssueOutOfStock:
		status = http.StatusConflict
	}
	out := issueResponse{
		Status: res.Status, Missing: res.Missing, BookID: res.BookID, UserID: res.UserID,
		Quantity: res.Quantity, Lending: res.Lending,
	}
	if res.Status == library.IssueIssued && res.Issuer != nil {
		out.Issuer = res.Issuer.OrgEmail
	}
	s.writeJSON(w, status, out)
}
