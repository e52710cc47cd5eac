package httpapi

import (
	"bytes"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"library-lending/cache"
	"library-lending/library"
	"library-lending/session"
)

type client struct {
	t      *testing.T
	srv    *httptest.Server
	cookie *http.Cookie
	dbPath string
}

func newClient(t *testing.T) *client {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sessions, err := session.New([]byte("0123456789abcdef0123456789abcdef"), cache.NewMemoryBackend(0, session.DefaultTTL))
	require.NoError(t, err)
	dbPath := filepath.Join(t.TempDir(), "lib.db")
	mgr, err := library.NewLibraryManager(dbPath,
		library.WithLogger(logger), library.WithSessions(sessions))
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(mgr, Options{Logger: logger}))
	t.Cleanup(func() {
		srv.Close()
		mgr.Close()
	})
	return &client{t: t, srv: srv, dbPath: dbPath}
}

func (c *client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.srv.URL+path, &buf)
	require.NoError(c.t, err)
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	for _, ck := range resp.Cookies() {
		if ck.Name == CookieName {
			c.cookie = ck
		}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestLendingOverHTTP(t *testing.T) {
	c := newClient(t)

	var lib library.Librarian
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/librarians",
		library.NewLibrarian{Name: "Ada Lovelace", Email: "ada@example.com", Password: "correct horse"}, &lib))
	assert.NotEmpty(t, lib.OrgEmail)

	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/books", nil, nil))

	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/auth/login",
		loginRequest{OrgEmail: lib.OrgEmail, Password: "correct horse"}, nil))
	require.NotNil(t, c.cookie)

	var user library.User
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/users",
		library.NewUser{Name: "Alice", Email: "alice@example.com"}, &user))

	var book library.Book
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/books",
		library.NewBook{Name: "Dune", Quantity: 1, Authors: []string{"Frank Herbert"}, Genres: []string{"Science Fiction"}}, &book))

	var issued issueResponse
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/books/"+book.ID+"/issue/"+user.ID, nil, &issued))
	assert.Equal(t, library.IssueIssued, issued.Status)
	assert.Equal(t, 0, issued.Quantity)
	assert.Equal(t, lib.OrgEmail, issued.Issuer)

	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/books/"+book.ID+"/issue/"+user.ID, nil, &issued))
	assert.Equal(t, library.IssueAlreadyIssued, issued.Status)

	var missing issueResponse
	require.Equal(t, http.StatusNotFound, c.do(http.MethodPost, "/books/"+book.ID+"/issue/nobody", nil, &missing))
	assert.Equal(t, library.EntityUser, missing.Missing)

	var view library.BookView
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/books/"+book.ID, nil, &view))
	assert.Equal(t, 0, view.Quantity)
	assert.Equal(t, []string{user.ID}, view.Users)

	var uview library.UserView
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/users/"+user.ID, nil, &uview))
	assert.Equal(t, []string{book.ID}, uview.Books)

	var books []library.Book
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/books?take=10", nil, &books))
	assert.Len(t, books, 1)

	assert.Equal(t, http.StatusNoContent, c.do(http.MethodPost, "/auth/logout", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/books", nil, nil))
}

func TestCreateBookWithoutGenres(t *testing.T) {
	c := newClient(t)
	var lib library.Librarian
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/librarians",
		library.NewLibrarian{Name: "Ada Lovelace", Email: "ada@example.com", Password: "correct horse"}, &lib))
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/auth/login",
		loginRequest{OrgEmail: lib.OrgEmail, Password: "correct horse"}, nil))

	var resp errorResponse
	require.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/books",
		library.NewBook{Name: "Untitled", Quantity: 1, Authors: []string{"Anon"}}, &resp))
	assert.NotEmpty(t, resp.BookID, "book is stored even though genres are absent")
	assert.Contains(t, resp.Error, "genre absent")

	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/books/nope", nil, &resp))
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodPost, "/auth/login",
		loginRequest{OrgEmail: lib.OrgEmail, Password: "wrong password"}, &resp))
}

func TestCreateBookQueueFailureIsInternal(t *testing.T) {
	c := newClient(t)
	var lib library.Librarian
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/librarians",
		library.NewLibrarian{Name: "Ada Lovelace", Email: "ada@example.com", Password: "correct horse"}, &lib))
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/auth/login",
		loginRequest{OrgEmail: lib.OrgEmail, Password: "correct horse"}, nil))

	db, err := sql.Open("sqlite3", "file:"+c.dbPath+"?_busy_timeout=5000")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TRIGGER reject_jobs BEFORE INSERT ON resolution_jobs
        BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`)
	require.NoError(t, err)

	var resp errorResponse
	require.Equal(t, http.StatusInternalServerError, c.do(http.MethodPost, "/books",
		library.NewBook{Name: "Dune", Quantity: 2, Authors: []string{"Frank Herbert"}, Genres: []string{"Science Fiction"}}, &resp))
	assert.NotEmpty(t, resp.BookID)
	assert.True(t, resp.Retryable)
	assert.NotContains(t, resp.Error, "disk I/O")

	var view library.BookView
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/books/"+resp.BookID, nil, &view))
	assert.Equal(t, "Dune", view.Name)
}
