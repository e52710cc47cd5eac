package library

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Resolver maps free-text author and genre names to canonical rows and
// links them to books. It takes no locks: when two resolutions of the same
// name race, the unique index on the name picks the winner and the loser
// links to the winner's row.
type Resolver struct {
	store  Store
	logger *zap.Logger
}

func NewResolver(store Store, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, logger: logger.Named("resolver")}
}

// NormalizeName trims, lower-cases and collapses inner whitespace.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// ValidateNames rejects empty name lists before anything is queued. Names
// that are blank after normalization do not count.
func ValidateNames(authors, genres []string) error {
	var errs []error
	if !hasName(authors) {
		errs = append(errs, ErrAuthorsAbsent)
	}
	if !hasName(genres) {
		errs = append(errs, ErrGenresAbsent)
	}
	return errors.Join(errs...)
}

func hasName(names []string) bool {
	for _, n := range names {
		if NormalizeName(n) != "" {
			return true
		}
	}
	return false
}

// ResolveAndLink resolves every name of every requested kind for bookID
// synchronously. Only the kinds present in names are checked: a requested
// kind with no usable name fails with ErrAuthorsAbsent or ErrGenresAbsent.
func (r *Resolver) ResolveAndLink(ctx context.Context, names map[Kind][]string, bookID string) error {
	var errs []error
	for kind, list := range names {
		switch {
		case !kind.Valid():
			errs = append(errs, fmt.Errorf("%w: unknown kind %q", ErrValidation, kind))
		case hasName(list):
		case kind == KindAuthor:
			errs = append(errs, ErrAuthorsAbsent)
		default:
			errs = append(errs, ErrGenresAbsent)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	for _, kind := range []Kind{KindAuthor, KindGenre} {
		for _, name := range names[kind] {
			if NormalizeName(name) == "" {
				continue
			}
			if _, err := r.Resolve(ctx, kind, name, bookID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Resolve finds or creates the kind row for name and links it to bookID.
// Calling it again for the same inputs changes nothing.
func (r *Resolver) Resolve(ctx context.Context, kind Kind, name, bookID string) (*Classification, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrValidation, kind)
	}
	norm := NormalizeName(name)
	if norm == "" {
		return nil, fmt.Errorf("%w: empty %s name", ErrValidation, kind)
	}

	c, err := r.findOrCreate(ctx, kind, norm)
	if err != nil {
		return nil, err
	}

	linked, err := r.store.LinkClassification(ctx, kind, bookID, c.ID)
	if err != nil {
		return nil, fmt.Errorf("link %s %q to book %s: %w", kind, c.Name, bookID, err)
	}
	if linked {
		r.logger.Info("linked", zap.String("kind", string(kind)), zap.String("name", c.Name), zap.String("book", bookID))
	}
	return c, nil
}

func (r *Resolver) findOrCreate(ctx context.Context, kind Kind, norm string) (*Classification, error) {
	c, err := r.store.FindClassification(ctx, kind, norm)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find %s %q: %w", kind, norm, err)
	}

	now := time.Now().UTC()
	c = &Classification{ID: uuid.NewString(), Kind: kind, Name: norm, CreatedAt: now, UpdatedAt: now}
	err = r.store.CreateClassification(ctx, c)
	if err == nil {
		r.logger.Info("created", zap.String("kind", string(kind)), zap.String("name", norm))
		return c, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, fmt.Errorf("create %s %q: %w", kind, norm, err)
	}

	// Lost the race: link to the row that won.
	c, err = r.store.FindClassification(ctx, kind, norm)
	if err != nil {
		return nil, fmt.Errorf("find %s %q after conflict: %w", kind, norm, err)
	}
	return c, nil
}
