package library

import (
	"context"
	"time"
)

// Store is the persistence surface used by the resolver, the lending
// coordinator and the manager. *Database is the SQLite implementation.
//
// Lookups return ErrNotFound for missing rows; creates return ErrConflict on
// uniqueness violations.
type Store interface {
	CreateBook(ctx context.Context, b *Book) error
	GetBook(ctx context.Context, id string) (*Book, error)
	ListBooks(ctx context.Context, skip, take int) ([]*Book, error)
	BookBorrowers(ctx context.Context, bookID string) ([]string, error)

	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	UserBooks(ctx context.Context, userID string) ([]string, error)

	CreateLibrarian(ctx context.Context, l *Librarian) error
	GetLibrarianByOrgEmail(ctx context.Context, orgEmail string) (*Librarian, error)

	FindClassification(ctx context.Context, kind Kind, name string) (*Classification, error)
	CreateClassification(ctx context.Context, c *Classification) error
	LinkClassification(ctx context.Context, kind Kind, bookID, classificationID string) (bool, error)
	BookClassifications(ctx context.Context, kind Kind, bookID string) ([]*Classification, error)

	LendingState(ctx context.Context, bookID, userID string) (*LendingState, error)
	CreateLending(ctx context.Context, l *Lending) (bool, error)
	DeleteLending(ctx context.Context, bookID, userID string) error
	RecordIssuer(ctx context.Context, is *Issuance) error
	DebitStock(ctx context.Context, bookID, userID string, at time.Time) (remaining int, applied bool, err error)
	CompleteLending(ctx context.Context, bookID, userID string, at time.Time) (bool, error)
}
