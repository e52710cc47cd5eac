package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Database provides high-level helpers around a SQLite connection.
type Database struct {
	db *sql.DB

	addBookStmt *sql.Stmt
	addUserStmt *sql.Stmt
}

var _ Store = (*Database)(nil)

// NewDatabase opens (or creates) the SQLite database at dbPath, applies schema
// migrations, and prepares common statements.
func NewDatabase(dbPath string) (*Database, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// Immediate transactions take the write lock up front, so concurrent
	// writers wait on busy_timeout instead of failing on lock upgrade.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	database := &Database{db: db}
	if err := database.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

// DB exposes the connection pool so the job queue can share the file.
func (d *Database) DB() *sql.DB { return d.db }

// Close releases prepared statements and closes the DB.
func (d *Database) Close() error {
	if d.addBookStmt != nil {
		d.addBookStmt.Close()
	}
	if d.addUserStmt != nil {
		d.addUserStmt.Close()
	}
	return d.db.Close()
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

func applyMigrations(db *sql.DB) error {
	// WAL improves write concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS books (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            quantity INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
            publisher TEXT,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS authors (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS authors_name_key ON authors(name);`,
		`CREATE TABLE IF NOT EXISTS genres (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS genres_name_key ON genres(name);`,
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            email TEXT NOT NULL UNIQUE,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS librarians (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            email TEXT NOT NULL UNIQUE,
            org_email TEXT NOT NULL UNIQUE,
            password_hash TEXT NOT NULL,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS book_authors (
            book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
            author_id TEXT NOT NULL REFERENCES authors(id) ON DELETE CASCADE,
            created_at DATETIME NOT NULL,
            PRIMARY KEY (book_id, author_id)
        );`,
		`CREATE TABLE IF NOT EXISTS book_genres (
            book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
            genre_id TEXT NOT NULL REFERENCES genres(id) ON DELETE CASCADE,
            created_at DATETIME NOT NULL,
            PRIMARY KEY (book_id, genre_id)
        );`,
		`CREATE TABLE IF NOT EXISTS book_users (
            book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            issued_at DATETIME NOT NULL,
            PRIMARY KEY (book_id, user_id)
        );`,
		`CREATE TABLE IF NOT EXISTS book_librarians (
            book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
            librarian_id TEXT NOT NULL REFERENCES librarians(id) ON DELETE CASCADE,
            issued_at DATETIME NOT NULL,
            PRIMARY KEY (book_id, librarian_id)
        );`,
		// One row per lending pair whose inventory decrement has been applied.
		// completed_at is set once by the call that observed both halves.
		`CREATE TABLE IF NOT EXISTS stock_debits (
            book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            debited_at DATETIME NOT NULL,
            completed_at DATETIME,
            PRIMARY KEY (book_id, user_id)
        );`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Prepared statements
// ---------------------------------------------------------------------------

func (d *Database) prepareStatements() error {
	var err error
	if d.addBookStmt, err = d.db.Prepare(`INSERT INTO books(id,name,quantity,publisher,created_at,updated_at) VALUES(?,?,?,?,?,?)`); err != nil {
		return err
	}
	if d.addUserStmt, err = d.db.Prepare(`INSERT INTO users(id,name,email,created_at,updated_at) VALUES(?,?,?,?,?)`); err != nil {
		return err
	}
	return nil
}

// mapError translates driver errors into the package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}

// ---------------------------------------------------------------------------
// Books
// ---------------------------------------------------------------------------

func (d *Database) CreateBook(ctx context.Context, b *Book) error {
	_, err := d.addBookStmt.ExecContext(ctx, b.ID, b.Name, b.Quantity, b.Publisher, b.CreatedAt, b.UpdatedAt)
	return mapError(err)
}

func (d *Database) GetBook(ctx context.Context, id string) (*Book, error) {
	var (
		b         Book
		publisher sql.NullString
	)
	err := d.db.QueryRowContext(ctx, `SELECT id,name,quantity,publisher,created_at,updated_at FROM books WHERE id=?`, id).
		Scan(&b.ID, &b.Name, &b.Quantity, &publisher, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	if publisher.Valid {
		b.Publisher = &publisher.String
	}
	return &b, nil
}

// ListBooks returns one page of books ordered by creation.
func (d *Database) ListBooks(ctx context.Context, skip, take int) ([]*Book, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id,name,quantity,publisher,created_at,updated_at FROM books ORDER BY created_at, id LIMIT ? OFFSET ?`, take, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	books := []*Book{}
	for rows.Next() {
		var (
			b         Book
			publisher sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.Name, &b.Quantity, &publisher, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if publisher.Valid {
			b.Publisher = &publisher.String
		}
		books = append(books, &b)
	}
	return books, rows.Err()
}

// BookBorrowers returns the ids of users holding the book, oldest loan first.
func (d *Database) BookBorrowers(ctx context.Context, bookID string) ([]string, error) {
	return d.queryIDs(ctx, `SELECT user_id FROM book_users WHERE book_id=? ORDER BY issued_at, user_id`, bookID)
}

// ---------------------------------------------------------------------------
// Users and librarians
// ---------------------------------------------------------------------------

func (d *Database) CreateUser(ctx context.Context, u *User) error {
	_, err := d.addUserStmt.ExecContext(ctx, u.ID, u.Name, u.Email, u.CreatedAt, u.UpdatedAt)
	return mapError(err)
}

func (d *Database) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := d.db.QueryRowContext(ctx, `SELECT id,name,email,created_at,updated_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

// UserBooks returns the ids of books lent to the user, oldest loan first.
func (d *Database) UserBooks(ctx context.Context, userID string) ([]string, error) {
	return d.queryIDs(ctx, `SELECT book_id FROM book_users WHERE user_id=? ORDER BY issued_at, book_id`, userID)
}

func (d *Database) CreateLibrarian(ctx context.Context, l *Librarian) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO librarians(id,name,email,org_email,password_hash,created_at,updated_at) VALUES(?,?,?,?,?,?,?)`,
		l.ID, l.Name, l.Email, l.OrgEmail, l.PasswordHash, l.CreatedAt, l.UpdatedAt)
	return mapError(err)
}

func (d *Database) GetLibrarianByOrgEmail(ctx context.Context, orgEmail string) (*Librarian, error) {
	var l Librarian
	err := d.db.QueryRowContext(ctx,
		`SELECT id,name,email,org_email,password_hash,created_at,updated_at FROM librarians WHERE org_email=?`, orgEmail).
		Scan(&l.ID, &l.Name, &l.Email, &l.OrgEmail, &l.PasswordHash, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &l, nil
}

// ---------------------------------------------------------------------------
// Authors and genres
// ---------------------------------------------------------------------------

type classificationTables struct {
	entity string
	link   string
	column string
}

func tablesFor(kind Kind) (classificationTables, error) {
	switch kind {
	case KindAuthor:
		return classificationTables{entity: "authors", link: "book_authors", column: "author_id"}, nil
	case KindGenre:
		return classificationTables{entity: "genres", link: "book_genres", column: "genre_id"}, nil
	}
	return classificationTables{}, fmt.Errorf("%w: unknown kind %q", ErrValidation, kind)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// FindClassification looks name up by case-insensitive prefix match, an exact
// match winning over longer names sharing the prefix.
func (d *Database) FindClassification(ctx context.Context, kind Kind, name string) (*Classification, error) {
	t, err := tablesFor(kind)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id,name,created_at,updated_at FROM %s
        WHERE lower(name) = lower(?) OR name LIKE ? ESCAPE '\'
        ORDER BY lower(name) = lower(?) DESC, length(name), name
        LIMIT 1`, t.entity)

	c := Classification{Kind: kind}
	err = d.db.QueryRowContext(ctx, q, name, likeEscaper.Replace(name)+"%", name).
		Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

func (d *Database) CreateClassification(ctx context.Context, c *Classification) error {
	t, err := tablesFor(c.Kind)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s(id,name,created_at,updated_at) VALUES(?,?,?,?)`, t.entity)
	_, err = d.db.ExecContext(ctx, q, c.ID, c.Name, c.CreatedAt, c.UpdatedAt)
	return mapError(err)
}

// LinkClassification inserts the link row unless it already exists and
// reports whether a row was written.
func (d *Database) LinkClassification(ctx context.Context, kind Kind, bookID, classificationID string) (bool, error) {
	t, err := tablesFor(kind)
	if err != nil {
		return false, err
	}
	q := fmt.Sprintf(`INSERT INTO %s(book_id,%s,created_at) VALUES(?,?,?) ON CONFLICT DO NOTHING`, t.link, t.column)
	res, err := d.db.ExecContext(ctx, q, bookID, classificationID, time.Now().UTC())
	if err != nil {
		return false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *Database) BookClassifications(ctx context.Context, kind Kind, bookID string) ([]*Classification, error) {
	t, err := tablesFor(kind)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT c.id, c.name, c.created_at, c.updated_at FROM %s l JOIN %s c ON c.id = l.%s
        WHERE l.book_id = ? ORDER BY c.name`, t.link, t.entity, t.column)
	rows, err := d.db.QueryContext(ctx, q, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Classification
	for rows.Next() {
		c := Classification{Kind: kind}
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Lending
// ---------------------------------------------------------------------------

// LendingState reads both halves of an issuance for the pair.
func (d *Database) LendingState(ctx context.Context, bookID, userID string) (*LendingState, error) {
	var st LendingState

	link := Lending{BookID: bookID, UserID: userID}
	err := d.db.QueryRowContext(ctx, `SELECT issued_at FROM book_users WHERE book_id=? AND user_id=?`, bookID, userID).
		Scan(&link.IssuedAt)
	switch {
	case err == nil:
		st.Linked = true
		st.Link = &link
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	var completed sql.NullTime
	err = d.db.QueryRowContext(ctx, `SELECT completed_at FROM stock_debits WHERE book_id=? AND user_id=?`, bookID, userID).
		Scan(&completed)
	switch {
	case err == nil:
		st.Debited = true
		st.Completed = completed.Valid
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}
	return &st, nil
}

// CompleteLending stamps the pair's debit row once both halves exist. Only
// one caller ever gets true for a pair.
func (d *Database) CompleteLending(ctx context.Context, bookID, userID string, at time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, `UPDATE stock_debits SET completed_at=?
        WHERE book_id=? AND user_id=? AND completed_at IS NULL
          AND EXISTS(SELECT 1 FROM book_users WHERE book_id=? AND user_id=?)`,
		at, bookID, userID, bookID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CreateLending inserts the book_users row. The composite primary key makes
// this the serialization point for concurrent issuances of the same pair:
// exactly one caller gets applied == true.
func (d *Database) CreateLending(ctx context.Context, l *Lending) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO book_users(book_id,user_id,issued_at) VALUES(?,?,?) ON CONFLICT(book_id,user_id) DO NOTHING`,
		l.BookID, l.UserID, l.IssuedAt)
	if err != nil {
		return false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteLending removes a lending link whose stock debit never landed. A link
// backed by a debit is kept.
func (d *Database) DeleteLending(ctx context.Context, bookID, userID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM book_users WHERE book_id=? AND user_id=?
        AND NOT EXISTS (SELECT 1 FROM stock_debits WHERE book_id=? AND user_id=?)`,
		bookID, userID, bookID, userID)
	return err
}

// RecordIssuer upserts the book_librarians row, refreshing issued_at.
func (d *Database) RecordIssuer(ctx context.Context, is *Issuance) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO book_librarians(book_id,librarian_id,issued_at) VALUES(?,?,?)
        ON CONFLICT(book_id,librarian_id) DO UPDATE SET issued_at=excluded.issued_at`,
		is.BookID, is.LibrarianID, is.IssuedAt)
	return mapError(err)
}

// DebitStock applies the inventory decrement for a lending pair at most once.
// The debit row and the decrement commit together; a repeated call for the
// same pair returns applied == false and leaves quantity untouched. When
// quantity is already 0 nothing is written and ErrOutOfStock is returned.
func (d *Database) DebitStock(ctx context.Context, bookID, userID string, at time.Time) (int, bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO stock_debits(book_id,user_id,debited_at) VALUES(?,?,?) ON CONFLICT(book_id,user_id) DO NOTHING`,
		bookID, userID, at)
	if err != nil {
		return 0, false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}

	var remaining int
	if n == 0 {
		if err := tx.QueryRowContext(ctx, `SELECT quantity FROM books WHERE id=?`, bookID).Scan(&remaining); err != nil {
			return 0, false, mapError(err)
		}
		return remaining, false, tx.Commit()
	}

	err = tx.QueryRowContext(ctx,
		`UPDATE books SET quantity=quantity-1, updated_at=? WHERE id=? AND quantity>0 RETURNING quantity`,
		at, bookID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrOutOfStock
	}
	if err != nil {
		return 0, false, err
	}
	return remaining, true, tx.Commit()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (d *Database) queryIDs(ctx context.Context, q string, arg string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
