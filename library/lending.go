package library

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IssueStatus is the business outcome of an issuance. Failures are errors,
// not statuses.
type IssueStatus string

const (
	IssueIssued        IssueStatus = "issued"
	IssueOutOfStock    IssueStatus = "out_of_stock"
	IssueAlreadyIssued IssueStatus = "already_issued"
	IssueNotFound      IssueStatus = "not_found"
)

// Entity names the record missing from an IssueNotFound result.
type Entity string

const (
	EntityUser      Entity = "user"
	EntityBook      Entity = "book"
	EntityLibrarian Entity = "librarian"
)

// IssueResult describes what Issue did.
type IssueResult struct {
	Status  IssueStatus
	Missing Entity
	BookID  string
	UserID  string
	// Quantity is the book's remaining stock after the call.
	Quantity int
	Lending  *Lending
	Issuer   *Librarian
	// Healed is set when this call completed an issuance that an earlier,
	// failed call had left half written.
	Healed bool
}

// Invalidator drops cached snapshots of the given ids.
type Invalidator interface {
	Invalidate(ctx context.Context, ids ...string) error
}

// Coordinator issues books to users.
//
// The three writes of an issuance (stock debit, lending link, issuer link)
// are dispatched concurrently without a cross-entity lock. Each write is
// idempotent for its (book, user) pair, so a failed call is repaired by
// calling Issue again: only the missing writes are applied and the stock is
// never debited twice.
type Coordinator struct {
	store  Store
	cache  Invalidator
	logger *zap.Logger
	now    func() time.Time
}

func NewCoordinator(store Store, cache Invalidator, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: store, cache: cache, logger: logger.Named("lending"), now: time.Now}
}

type lookupError struct {
	entity Entity
	err    error
}

func (e *lookupError) Error() string { return fmt.Sprintf("fetch %s: %v", e.entity, e.err) }
func (e *lookupError) Unwrap() error { return e.err }

// Issue lends bookID to userID on behalf of the librarian with issuerOrgEmail.
// Missing records, exhausted stock and repeated issuance are results; an
// error (matching ErrIssueFailed) means some write failed and the call should
// be retried.
func (c *Coordinator) Issue(ctx context.Context, userID, bookID, issuerOrgEmail string) (*IssueResult, error) {
	var (
		user   *User
		book   *Book
		issuer *Librarian
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := c.store.GetUser(gctx, userID)
		if err != nil {
			return &lookupError{EntityUser, err}
		}
		user = u
		return nil
	})
	g.Go(func() error {
		b, err := c.store.GetBook(gctx, bookID)
		if err != nil {
			return &lookupError{EntityBook, err}
		}
		book = b
		return nil
	})
	g.Go(func() error {
		l, err := c.store.GetLibrarianByOrgEmail(gctx, issuerOrgEmail)
		if err != nil {
			return &lookupError{EntityLibrarian, err}
		}
		issuer = l
		return nil
	})
	if err := g.Wait(); err != nil {
		var le *lookupError
		if errors.As(err, &le) && errors.Is(le.err, ErrNotFound) {
			return &IssueResult{Status: IssueNotFound, Missing: le.entity, BookID: bookID, UserID: userID}, nil
		}
		return nil, &IssueError{BorrowerID: userID, BookID: bookID, Err: err}
	}

	result := &IssueResult{BookID: book.ID, UserID: user.ID, Quantity: book.Quantity, Issuer: issuer}

	state, err := c.store.LendingState(ctx, book.ID, user.ID)
	if err != nil {
		return nil, &IssueError{BorrowerID: user.ID, BookID: book.ID, Err: err}
	}
	if state.Completed {
		result.Status = IssueAlreadyIssued
		result.Lending = state.Link
		return result, nil
	}
	if book.Quantity == 0 && !state.Debited {
		return c.outOfStock(ctx, result, state.Linked)
	}

	now := c.now().UTC()
	link := &Lending{BookID: book.ID, UserID: user.ID, IssuedAt: now}

	var (
		wg        sync.WaitGroup
		remaining int
		debited   bool
		linked    bool
		debitErr  error
		linkErr   error
		issuerErr error
	)
	if !state.Debited {
		wg.Add(1)
		go func() {
			defer wg.Done()
			remaining, debited, debitErr = c.store.DebitStock(ctx, book.ID, user.ID, now)
		}()
	}
	if !state.Linked {
		wg.Add(1)
		go func() {
			defer wg.Done()
			linked, linkErr = c.store.CreateLending(ctx, link)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		issuerErr = c.store.RecordIssuer(ctx, &Issuance{BookID: book.ID, LibrarianID: issuer.ID, IssuedAt: now})
	}()
	wg.Wait()

	if errors.Is(debitErr, ErrOutOfStock) {
		// Another borrower took the last copy between the read and the debit.
		return c.outOfStock(ctx, result, linked || state.Linked)
	}

	c.invalidate(ctx, book.ID, user.ID)

	if err := errors.Join(debitErr, linkErr, issuerErr); err != nil {
		c.logger.Warn("issuance incomplete",
			zap.String("book", book.ID), zap.String("user", user.ID),
			zap.Bool("debited", debited || state.Debited), zap.Bool("linked", linked || state.Linked),
			zap.Error(err))
		return nil, &IssueError{BorrowerID: user.ID, BookID: book.ID, Err: err}
	}

	// Both halves exist now. Concurrent calls for the same pair race on the
	// completion stamp; only the winner reports Issued.
	won, err := c.store.CompleteLending(ctx, book.ID, user.ID, now)
	if err != nil {
		return nil, &IssueError{BorrowerID: user.ID, BookID: book.ID, Err: fmt.Errorf("complete lending: %w", err)}
	}

	if !debited {
		b, err := c.store.GetBook(ctx, book.ID)
		if err != nil {
			return nil, &IssueError{BorrowerID: user.ID, BookID: book.ID, Err: err}
		}
		remaining = b.Quantity
	}
	result.Quantity = remaining

	if linked {
		result.Lending = link
	} else if current, err := c.store.LendingState(ctx, book.ID, user.ID); err == nil {
		result.Lending = current.Link
	}

	if !won {
		result.Status = IssueAlreadyIssued
		return result, nil
	}

	result.Status = IssueIssued
	result.Healed = state.Linked || state.Debited

	c.logger.Info("book issued",
		zap.String("book", book.ID), zap.String("user", user.ID),
		zap.String("issuer", issuer.OrgEmail), zap.Int("remaining", remaining), zap.Bool("healed", result.Healed))
	return result, nil
}

// outOfStock reports IssueOutOfStock. A link without a debit, whether this
// call wrote it or an earlier failed call left it, is removed first so the
// borrower does not hold a copy the inventory never gave out.
func (c *Coordinator) outOfStock(ctx context.Context, result *IssueResult, linked bool) (*IssueResult, error) {
	if linked {
		err := c.store.DeleteLending(context.WithoutCancel(ctx), result.BookID, result.UserID)
		c.invalidate(ctx, result.BookID, result.UserID)
		if err != nil {
			return nil, &IssueError{BorrowerID: result.UserID, BookID: result.BookID, Err: fmt.Errorf("undo lending link: %w", err)}
		}
		c.logger.Info("stale lending link removed",
			zap.String("book", result.BookID), zap.String("user", result.UserID))
	}
	result.Status = IssueOutOfStock
	result.Quantity = 0
	return result, nil
}

func (c *Coordinator) invalidate(ctx context.Context, ids ...string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(context.WithoutCancel(ctx), ids...); err != nil {
		c.logger.Error("cache invalidation after issuance", zap.Strings("ids", ids), zap.Error(err))
	}
}
