package library

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"library-lending/cache"
	"library-lending/config"
	"library-lending/queue"
	"library-lending/session"
)

func newManager(t *testing.T, opts ...Option) *LibraryManager {
	t.Helper()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	sessions, err := session.New([]byte("0123456789abcdef0123456789abcdef"),
		cache.NewMemoryBackend(0, session.DefaultTTL), session.WithLogger(logger))
	require.NoError(t, err)
	opts = append([]Option{
		WithLogger(logger),
		WithSessions(sessions),
		WithQueueOptions(queue.Options{Workers: 2, PollInterval: 20 * time.Millisecond, BaseBackoff: 10 * time.Millisecond}),
	}, opts...)
	mgr, err := NewLibraryManager(filepath.Join(dir, "lib.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func waitIdle(t *testing.T, mgr *LibraryManager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, mgr.WaitIdle(ctx))
}

func TestAddBookResolvesNamesInBackground(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx))

	b, err := mgr.AddBook(ctx, NewBook{
		Name:     "Good Omens",
		Quantity: 3,
		Authors:  []string{"Terry Pratchett", "Neil  Gaiman", "terry pratchett"},
		Genres:   []string{"Fantasy"},
	})
	require.NoError(t, err)
	waitIdle(t, mgr)

	authors, genres, err := mgr.BookClassifications(ctx, b.ID)
	require.NoError(t, err)
	names := []string{}
	for _, a := range authors {
		names = append(names, a.Name)
	}
	assert.ElementsMatch(t, []string{"terry pratchett", "neil gaiman"}, names)
	require.Len(t, genres, 1)
	assert.Equal(t, "fantasy", genres[0].Name)

	stats, err := mgr.Queue().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats[queue.StatusDone])
}

func TestAddBookWithoutAuthorsKeepsBook(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	b, err := mgr.AddBook(ctx, NewBook{Name: "Anonymous", Quantity: 1, Genres: []string{"poetry"}})
	require.ErrorIs(t, err, ErrAuthorsAbsent)
	require.NotNil(t, b)

	stored, err := mgr.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Anonymous", stored.Name)

	stats, err := mgr.Queue().Stats(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats, "nothing may be queued when a name list is absent")
}

func TestAddBookOptionalNames(t *testing.T) {
	mgr, err := NewLibraryManager(filepath.Join(t.TempDir(), "lib.db"), WithOptionalNames(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	ctx := context.Background()

	b, err := mgr.AddBook(ctx, NewBook{Name: "Anonymous", Quantity: 1, Genres: []string{"poetry"}})
	require.NoError(t, err)

	stats, err := mgr.Queue().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[queue.StatusPending])

	require.NoError(t, mgr.Start(ctx))
	waitIdle(t, mgr)
	authors, genres, err := mgr.BookClassifications(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, authors)
	assert.Len(t, genres, 1)
}

func TestDuneScenario(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx))

	dune, err := mgr.AddBook(ctx, NewBook{Name: "Dune", Quantity: 1, Authors: []string{"Frank Herbert"}, Genres: []string{"Science Fiction"}})
	require.NoError(t, err)
	// A second title by the same author, spelled differently.
	messiah, err := mgr.AddBook(ctx, NewBook{Name: "Dune Messiah", Quantity: 1, Authors: []string{"FRANK  HERBERT"}, Genres: []string{"science fiction"}})
	require.NoError(t, err)
	waitIdle(t, mgr)

	a1, _, err := mgr.BookClassifications(ctx, dune.ID)
	require.NoError(t, err)
	a2, _, err := mgr.BookClassifications(ctx, messiah.ID)
	require.NoError(t, err)
	require.Len(t, a1, 1)
	require.Len(t, a2, 1)
	assert.Equal(t, a1[0].ID, a2[0].ID)
	assert.Equal(t, "frank herbert", a1[0].Name)

	lib, err := mgr.AddLibrarian(ctx, NewLibrarian{Name: "Ada Lovelace", Email: "ada@example.com", Password: "correct horse"})
	require.NoError(t, err)
	u1, err := mgr.AddUser(ctx, NewUser{Name: "Paul", Email: "paul@example.com"})
	require.NoError(t, err)
	u2, err := mgr.AddUser(ctx, NewUser{Name: "Chani", Email: "chani@example.com"})
	require.NoError(t, err)

	res, err := mgr.IssueBook(ctx, u1.ID, dune.ID, lib.OrgEmail)
	require.NoError(t, err)
	assert.Equal(t, IssueIssued, res.Status)
	assert.Equal(t, 0, res.Quantity)

	res, err = mgr.IssueBook(ctx, u2.ID, dune.ID, lib.OrgEmail)
	require.NoError(t, err)
	assert.Equal(t, IssueOutOfStock, res.Status)
}

func TestAddBookRejectsInvalidInput(t *testing.T) {
	mgr := newManager(t)
	cases := []NewBook{
		{Name: "", Quantity: 1, Authors: []string{"a"}, Genres: []string{"g"}},
		{Name: "Negative", Quantity: -1, Authors: []string{"a"}, Genres: []string{"g"}},
	}
	for _, in := range cases {
		b, err := mgr.AddBook(context.Background(), in)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Nil(t, b)
	}
	books, err := mgr.ListBooks(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestCachedReadsSeeIssuance(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	b, err := mgr.AddBook(ctx, NewBook{Name: "Dune", Quantity: 5, Authors: []string{"Frank Herbert"}, Genres: []string{"Science Fiction"}})
	require.NoError(t, err)
	u, err := mgr.AddUser(ctx, NewUser{Name: "Alice", Email: "Alice@Example.com"})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	l, err := mgr.AddLibrarian(ctx, NewLibrarian{Name: "Ada Lovelace", Email: "ada@example.com", Password: "correct horse"})
	require.NoError(t, err)

	view, err := mgr.GetBookCached(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, view.Quantity)
	view, err = mgr.GetBookCached(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, view.Cached)
	assert.Empty(t, view.Users)

	uview, err := mgr.GetUserCached(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, uview.Books)

	res, err := mgr.IssueBook(ctx, u.ID, b.ID, l.OrgEmail)
	require.NoError(t, err)
	require.Equal(t, IssueIssued, res.Status)

	view, err = mgr.GetBookCached(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, view.Cached, "issuance must invalidate the book snapshot")
	assert.Equal(t, 4, view.Quantity)
	assert.Equal(t, []string{u.ID}, view.Users)

	uview, err = mgr.GetUserCached(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, uview.Books)

	// Second read is served from the repopulated cache with the same values.
	view, err = mgr.GetBookCached(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, view.Cached)
	assert.Equal(t, 4, view.Quantity)
	assert.Equal(t, b.CreatedAt.UnixNano(), view.CreatedAt.UnixNano())
}

func TestLibrarianSessions(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	l, err := mgr.AddLibrarian(ctx, NewLibrarian{Name: "Ada King Lovelace", Email: "ada@example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(l.OrgEmail, "ada_king_"), l.OrgEmail)
	assert.True(t, strings.HasSuffix(l.OrgEmail, "@lmsmail.com"), l.OrgEmail)
	assert.NotEqual(t, "correct horse", l.PasswordHash)

	_, err = mgr.AddLibrarian(ctx, NewLibrarian{Name: "Ada Again", Email: "ada@example.com", Password: "correct horse"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = mgr.Login(ctx, l.OrgEmail, "wrong password")
	assert.ErrorIs(t, err, session.ErrUnauthorized)
	_, err = mgr.Login(ctx, "nobody@lmsmail.com", "correct horse")
	assert.ErrorIs(t, err, session.ErrUnauthorized)

	token, err := mgr.Login(ctx, l.OrgEmail, "correct horse")
	require.NoError(t, err)

	who, err := mgr.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, l.ID, who.ID)

	cached, err := mgr.GetLibrarianCached(ctx, l.OrgEmail)
	require.NoError(t, err)
	assert.Equal(t, l.Name, cached.Name)
	assert.Empty(t, cached.PasswordHash)

	require.NoError(t, mgr.Logout(ctx, l.OrgEmail))
	_, err = mgr.Authenticate(ctx, token)
	assert.ErrorIs(t, err, session.ErrUnauthorized)
}

func TestAddUserDuplicateEmail(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	_, err := mgr.AddUser(ctx, NewUser{Name: "Alice", Email: "alice@example.com"})
	require.NoError(t, err)
	_, err = mgr.AddUser(ctx, NewUser{Name: "Alicia", Email: "ALICE@example.com"})
	assert.ErrorIs(t, err, ErrConflict)
	_, err = mgr.AddUser(ctx, NewUser{Name: "Bob", Email: "not-an-email"})
	assert.ErrorIs(t, err, ErrValidation)
}

// beforeHSet runs fire once, just ahead of the first hash write to key.
type beforeHSet struct {
	cache.Backend
	key  string
	fire func()
	once sync.Once
}

func (b *beforeHSet) HSet(ctx context.Context, key string, fields map[string]string) error {
	if key == b.key && b.fire != nil {
		b.once.Do(b.fire)
	}
	return b.Backend.HSet(ctx, key, fields)
}

func TestCachedReadRacingIssuanceIsNotKept(t *testing.T) {
	backend := &beforeHSet{Backend: cache.NewMemoryBackend(100, time.Hour)}
	mgr := newManager(t, WithCache(cache.New(backend)))
	ctx := context.Background()

	b, err := mgr.AddBook(ctx, NewBook{Name: "Dune", Quantity: 5, Authors: []string{"Frank Herbert"}, Genres: []string{"Science Fiction"}})
	require.NoError(t, err)
	u, err := mgr.AddUser(ctx, NewUser{Name: "Alice", Email: "alice@example.com"})
	require.NoError(t, err)
	l, err := mgr.AddLibrarian(ctx, NewLibrarian{Name: "Ada Lovelace", Email: "ada@example.com", Password: "correct horse"})
	require.NoError(t, err)
	require.NoError(t, mgr.cache.Invalidate(ctx, b.ID))

	// The reader has loaded quantity 5 from the store; the issuance commits
	// and invalidates just before the reader writes its snapshot.
	backend.key = cache.DataKey(b.ID)
	backend.fire = func() {
		res, err := mgr.IssueBook(ctx, u.ID, b.ID, l.OrgEmail)
		if assert.NoError(t, err) {
			assert.Equal(t, IssueIssued, res.Status)
		}
	}
	view, err := mgr.GetBookCached(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, view.Quantity)

	view, err = mgr.GetBookCached(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, view.Cached, "stale snapshot must not be served")
	assert.Equal(t, 4, view.Quantity)
	assert.Equal(t, []string{u.ID}, view.Users)
}

func TestAddBookQueueFailureKeepsBook(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	_, err := mgr.db.DB().Exec(`CREATE TRIGGER reject_jobs BEFORE INSERT ON resolution_jobs
        WHEN NEW.kind = 'genre' BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	require.NoError(t, err)

	b, err := mgr.AddBook(ctx, NewBook{Name: "Dune", Quantity: 2, Authors: []string{"Frank Herbert"}, Genres: []string{"Science Fiction"}})
	require.Error(t, err)
	require.NotNil(t, b)
	assert.NotErrorIs(t, err, ErrValidation)

	_, err = mgr.GetBook(ctx, b.ID)
	require.NoError(t, err)
	stats, err := mgr.Queue().Stats(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats, "the author job must not be queued without the genre job")
}

func TestLinkNames(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	b, err := mgr.AddBook(ctx, NewBook{Name: "Dune", Quantity: 2, Authors: []string{"Frank Herbert"}, Genres: []string{"Science Fiction"}})
	require.NoError(t, err)

	require.NoError(t, mgr.LinkNames(ctx, b.ID, map[Kind][]string{KindGenre: {"Space Opera"}}))
	_, genres, err := mgr.BookClassifications(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, genres, 1)
	assert.Equal(t, "space opera", genres[0].Name)

	err = mgr.LinkNames(ctx, "missing", map[Kind][]string{KindGenre: {"Drama"}})
	assert.ErrorIs(t, err, ErrNotFound)
	err = mgr.LinkNames(ctx, b.ID, map[Kind][]string{KindAuthor: {" "}})
	assert.ErrorIs(t, err, ErrAuthorsAbsent)
}

func TestConfigOptions(t *testing.T) {
	var cfg config.Config
	cfg.DBPath = filepath.Join(t.TempDir(), "lib.db")
	cfg.OrgDomain = "branch.example.org"
	cfg.NamesOptional = true
	cfg.Cache.Size = 100
	cfg.Cache.TTL = time.Hour
	cfg.Session.TTL = time.Hour

	_, err := ConfigOptions(cfg, nil, true)
	require.Error(t, err, "sessions need a secret")

	cfg.Session.Secret = "0123456789abcdef0123456789abcdef"
	opts, err := ConfigOptions(cfg, zaptest.NewLogger(t), true)
	require.NoError(t, err)
	mgr, err := NewLibraryManager(cfg.DBPath, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	ctx := context.Background()

	_, err = mgr.AddBook(ctx, NewBook{Name: "Untitled", Quantity: 1})
	assert.NoError(t, err, "names are optional")

	l, err := mgr.AddLibrarian(ctx, NewLibrarian{Name: "Ada Lovelace", Email: "ada@example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(l.OrgEmail, "@branch.example.org"), l.OrgEmail)
	_, err = mgr.Login(ctx, l.OrgEmail, "correct horse")
	assert.NoError(t, err)
}
