package library

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input; it is rejected before anything is queued.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned by the store when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by the store on a uniqueness violation.
	ErrConflict = errors.New("conflict")

	ErrAuthorsAbsent = fmt.Errorf("%w: author absent", ErrValidation)
	ErrGenresAbsent  = fmt.Errorf("%w: genre absent", ErrValidation)

	// ErrOutOfStock is returned by Store.DebitStock when quantity is already 0.
	ErrOutOfStock = errors.New("out of stock")

	// ErrIssueFailed matches every *IssueError.
	ErrIssueFailed = errors.New("issuance failed")
)

// IssueError reports a failed issuance with the ids needed to retry it.
// Retrying the same call is safe: only the missing writes are applied.
type IssueError struct {
	BorrowerID string
	BookID     string
	Err        error
}

func (e *IssueError) Error() string {
	return fmt.Sprintf("issue book %s to %s: %v", e.BookID, e.BorrowerID, e.Err)
}

func (e *IssueError) Unwrap() []error { return []error{ErrIssueFailed, e.Err} }
