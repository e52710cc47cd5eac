package library

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"library-lending/cache"
	"library-lending/queue"
	"library-lending/session"
)

// LibraryManager is the facade the HTTP layer and the CLI talk to. It owns
// the store, the resolution queue and the cache, and wires the resolver and
// the lending coordinator to them.
type LibraryManager struct {
	db       *Database
	store    Store
	cache    *cache.Cache
	sessions *session.Store
	queue    *queue.Queue
	resolver *Resolver
	lending  *Coordinator
	validate *validator.Validate
	logger   *zap.Logger

	orgDomain     string
	namesOptional bool
}

// Option configures a LibraryManager.
type Option func(*managerConfig)

type managerConfig struct {
	logger    *zap.Logger
	cache     *cache.Cache
	sessions  *session.Store
	queueOpts queue.Options
	orgDomain string
	optional  bool
}

func WithLogger(l *zap.Logger) Option { return func(c *managerConfig) { c.logger = l } }

// WithCache replaces the default in-process cache.
func WithCache(cc *cache.Cache) Option { return func(c *managerConfig) { c.cache = cc } }

// WithSessions enables Login, Logout and Authenticate.
func WithSessions(s *session.Store) Option { return func(c *managerConfig) { c.sessions = s } }

func WithQueueOptions(o queue.Options) Option { return func(c *managerConfig) { c.queueOpts = o } }

// WithOrgDomain sets the domain of generated librarian org emails.
func WithOrgDomain(domain string) Option { return func(c *managerConfig) { c.orgDomain = domain } }

// WithOptionalNames lets AddBook accept an empty author or genre list
// instead of failing with ErrAuthorsAbsent or ErrGenresAbsent.
func WithOptionalNames() Option { return func(c *managerConfig) { c.optional = true } }

// NewLibraryManager opens (or creates) the SQLite database at dbPath. Call
// Start to begin processing resolution jobs.
func NewLibraryManager(dbPath string, opts ...Option) (*LibraryManager, error) {
	cfg := managerConfig{logger: zap.NewNop(), orgDomain: "lmsmail.com"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cache == nil {
		cfg.cache = cache.New(cache.NewMemoryBackend(10_000, cache.DefaultTTL), cache.WithLogger(cfg.logger))
	}

	db, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	lm := &LibraryManager{
		db:        db,
		store:     db,
		cache:     cfg.cache,
		sessions:  cfg.sessions,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    cfg.logger,
		orgDomain: cfg.orgDomain,

		namesOptional: cfg.optional,
	}
	lm.resolver = NewResolver(db, cfg.logger)
	lm.lending = NewCoordinator(db, cfg.cache, cfg.logger)

	if cfg.queueOpts.Logger == nil {
		cfg.queueOpts.Logger = cfg.logger
	}
	lm.queue, err = queue.New(db.DB(), lm.handleJob, cfg.queueOpts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return lm, nil
}

// Start launches the resolution workers.
func (lm *LibraryManager) Start(ctx context.Context) error { return lm.queue.Start(ctx) }

// WaitIdle blocks until every queued resolution job has finished or died.
func (lm *LibraryManager) WaitIdle(ctx context.Context) error { return lm.queue.WaitIdle(ctx) }

// Queue exposes the resolution queue for inspection.
func (lm *LibraryManager) Queue() *queue.Queue { return lm.queue }

// Close stops the workers and closes the underlying database.
func (lm *LibraryManager) Close() error {
	lm.queue.Stop()
	return lm.db.Close()
}

func (lm *LibraryManager) check(v any) error {
	if err := lm.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ------------------ Book helpers ------------------

// AddBook stores the book, then queues one resolution job per author and
// genre name in a single batch. The book is created even when a name list is
// empty; in that case the returned error matches ErrAuthorsAbsent or
// ErrGenresAbsent and no job is queued. Any other error returned with a
// non-nil book means the book exists but none of its names were queued.
func (lm *LibraryManager) AddBook(ctx context.Context, in NewBook) (*Book, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := lm.check(in); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	b := &Book{ID: uuid.NewString(), Name: in.Name, Quantity: in.Quantity, Publisher: in.Publisher, CreatedAt: now, UpdatedAt: now}
	tok := lm.cache.Token(ctx, b.ID)
	if err := lm.store.CreateBook(ctx, b); err != nil {
		return nil, fmt.Errorf("create book: %w", err)
	}
	lm.cache.Populate(ctx, b.ID, tok, b, map[cache.Relation][]string{cache.Users: {}})

	if !lm.namesOptional {
		if err := ValidateNames(in.Authors, in.Genres); err != nil {
			return b, err
		}
	}

	var jobs []queue.Spec
	for _, kind := range []Kind{KindAuthor, KindGenre} {
		list := in.Authors
		if kind == KindGenre {
			list = in.Genres
		}
		seen := map[string]bool{}
		for _, name := range list {
			norm := NormalizeName(name)
			if norm == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			jobs = append(jobs, queue.Spec{Kind: string(kind), Name: norm, BookID: b.ID})
		}
	}
	if _, err := lm.queue.EnqueueAll(ctx, jobs); err != nil {
		lm.logger.Error("queue name resolution", zap.String("book", b.ID), zap.Int("jobs", len(jobs)), zap.Error(err))
		return b, fmt.Errorf("queue name resolution for book %s: %w", b.ID, err)
	}
	return b, nil
}

// LinkNames resolves names for an existing book synchronously, bypassing the
// queue. It repairs books whose resolution jobs were dead-lettered.
func (lm *LibraryManager) LinkNames(ctx context.Context, bookID string, names map[Kind][]string) error {
	if _, err := lm.store.GetBook(ctx, bookID); err != nil {
		return fmt.Errorf("book %s: %w", bookID, err)
	}
	return lm.resolver.ResolveAndLink(ctx, names, bookID)
}

func (lm *LibraryManager) handleJob(ctx context.Context, job queue.Job) error {
	_, err := lm.resolver.Resolve(ctx, Kind(job.Kind), job.Name, job.BookID)
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) {
		return queue.Permanent(err)
	}
	return err
}

func (lm *LibraryManager) GetBook(ctx context.Context, id string) (*Book, error) {
	return lm.store.GetBook(ctx, id)
}

// ListBooks returns one page; take is clamped to [1, 100].
func (lm *LibraryManager) ListBooks(ctx context.Context, skip, take int) ([]*Book, error) {
	if skip < 0 {
		skip = 0
	}
	if take <= 0 || take > 100 {
		take = 25
	}
	return lm.store.ListBooks(ctx, skip, take)
}

// BookClassifications returns the authors and genres linked so far.
func (lm *LibraryManager) BookClassifications(ctx context.Context, bookID string) (authors, genres []*Classification, err error) {
	if authors, err = lm.store.BookClassifications(ctx, KindAuthor, bookID); err != nil {
		return nil, nil, err
	}
	if genres, err = lm.store.BookClassifications(ctx, KindGenre, bookID); err != nil {
		return nil, nil, err
	}
	return authors, genres, nil
}

// BookView is the read model of a book with its borrower ids.
type BookView struct {
	Book
	Users  []string `json:"users"`
	Cached bool     `json:"-"`
}

// GetBookCached serves the book from the cache, falling back to the store
// and populating the cache on a miss.
func (lm *LibraryManager) GetBookCached(ctx context.Context, id string) (*BookView, error) {
	var v BookView
	if lm.cache.Get(ctx, id, &v.Book) {
		if users, ok := lm.cache.List(ctx, id, cache.Users); ok {
			v.Users, v.Cached = users, true
			return &v, nil
		}
	}

	tok := lm.cache.Token(ctx, id)
	b, err := lm.store.GetBook(ctx, id)
	if err != nil {
		return nil, err
	}
	users, err := lm.store.BookBorrowers(ctx, id)
	if err != nil {
		return nil, err
	}
	lm.cache.Populate(ctx, id, tok, b, map[cache.Relation][]string{cache.Users: users})
	return &BookView{Book: *b, Users: users}, nil
}

// ------------------ User helpers ------------------

func (lm *LibraryManager) AddUser(ctx context.Context, in NewUser) (*User, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := lm.check(in); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	u := &User{ID: uuid.NewString(), Name: in.Name, Email: in.Email, CreatedAt: now, UpdatedAt: now}
	if err := lm.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// UserView is the read model of a user with the ids of borrowed books.
type UserView struct {
	User
	Books  []string `json:"books"`
	Cached bool     `json:"-"`
}

func (lm *LibraryManager) GetUserCached(ctx context.Context, id string) (*UserView, error) {
	var v UserView
	if lm.cache.Get(ctx, id, &v.User) {
		if books, ok := lm.cache.List(ctx, id, cache.Books); ok {
			v.Books, v.Cached = books, true
			return &v, nil
		}
	}

	tok := lm.cache.Token(ctx, id)
	u, err := lm.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	books, err := lm.store.UserBooks(ctx, id)
	if err != nil {
		return nil, err
	}
	lm.cache.Populate(ctx, id, tok, u, map[cache.Relation][]string{cache.Books: books})
	return &UserView{User: *u, Books: books}, nil
}

// ------------------ Librarian helpers ------------------

// AddLibrarian registers a librarian under a generated org email.
func (lm *LibraryManager) AddLibrarian(ctx context.Context, in NewLibrarian) (*Librarian, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := lm.check(in); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	l := &Librarian{ID: uuid.NewString(), Name: in.Name, Email: in.Email, PasswordHash: string(hash), CreatedAt: now, UpdatedAt: now}

	// The random suffix can collide; a few attempts are plenty.
	for attempt := 0; attempt < 5; attempt++ {
		l.OrgEmail = OrgEmail(in.Name, lm.orgDomain)
		err = lm.store.CreateLibrarian(ctx, l)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrConflict) {
			break
		}
		if strings.Contains(err.Error(), "librarians.email") {
			break
		}
	}
	return nil, fmt.Errorf("create librarian: %w", err)
}

// GetLibrarianCached serves the librarian snapshot keyed by org email.
func (lm *LibraryManager) GetLibrarianCached(ctx context.Context, orgEmail string) (*Librarian, error) {
	var l Librarian
	if lm.cache.Get(ctx, orgEmail, &l) {
		return &l, nil
	}
	tok := lm.cache.Token(ctx, orgEmail)
	found, err := lm.store.GetLibrarianByOrgEmail(ctx, orgEmail)
	if err != nil {
		return nil, err
	}
	lm.cache.Populate(ctx, orgEmail, tok, found, nil)
	return found, nil
}

// ------------------ Sessions ------------------

// Login checks the password and returns a session token. Every failure is
// session.ErrUnauthorized.
func (lm *LibraryManager) Login(ctx context.Context, orgEmail, password string) (string, error) {
	if lm.sessions == nil {
		return "", errors.New("sessions not configured")
	}
	l, err := lm.store.GetLibrarianByOrgEmail(ctx, orgEmail)
	if err != nil {
		lm.logger.Debug("login: unknown librarian", zap.String("orgEmail", orgEmail), zap.Error(err))
		return "", session.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(l.PasswordHash), []byte(password)); err != nil {
		return "", session.ErrUnauthorized
	}
	return lm.sessions.CreateToken(ctx, l.OrgEmail)
}

func (lm *LibraryManager) Logout(ctx context.Context, orgEmail string) error {
	if lm.sessions == nil {
		return errors.New("sessions not configured")
	}
	return lm.sessions.Revoke(ctx, orgEmail)
}

// Authenticate verifies token and returns the librarian it belongs to.
func (lm *LibraryManager) Authenticate(ctx context.Context, token string) (*Librarian, error) {
	if lm.sessions == nil {
		return nil, session.ErrUnauthorized
	}
	orgEmail, err := lm.sessions.Verify(ctx, token)
	if err != nil {
		return nil, session.ErrUnauthorized
	}
	l, err := lm.store.GetLibrarianByOrgEmail(ctx, orgEmail)
	if err != nil {
		return nil, session.ErrUnauthorized
	}
	return l, nil
}

// ------------------ Circulation ------------------

func (lm *LibraryManager) IssueBook(ctx context.Context, userID, bookID, issuerOrgEmail string) (*IssueResult, error) {
	return lm.lending.Issue(ctx, userID, bookID, issuerOrgEmail)
}

// ------------------ Utilities ------------------

// PrettyBook formats a book for lists.
func PrettyBook(b *Book) string {
	publisher := "-"
	if b.Publisher != nil {
		publisher = *b.Publisher
	}
	return fmt.Sprintf("%-36s %-40s %-5d %-25s", b.ID, b.Name, b.Quantity, publisher)
}
