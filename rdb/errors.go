package rdb

import "github.com/pkg/errors"

// Errors returned by Store operations. Returned errors wrap these with
// context, and should be tested with errors.Is.
var (
	// ErrConflict is returned when an update could not be applied within its
	// retry budget, due to concurrent modifications of its document.
	ErrConflict = errors.New("conflicting concurrent update")
	// ErrUnsupportedQuery is returned for a query or conditional remove using
	// an unsupported property, value, or condition.
	ErrUnsupportedQuery = errors.New("unsupported query")
	// ErrIntegrity is returned where the store observes an inconsistency,
	// such as an UpdateOp whose id disagrees with the document it produced,
	// or a query result outside of its requested bounds.
	ErrIntegrity = errors.New("integrity violation")
	// ErrNotFound is returned by CreateOrUpdate of a non-new UpdateOp whose
	// document doesn't exist.
	ErrNotFound = errors.New("document not found")
	// ErrConditional is returned by CreateOrUpdate of an UpdateOp having
	// conditions, which it cannot honor.
	ErrConditional = errors.New("update has conditions")
	// ErrClosed is returned by operations of a closed Store.
	ErrClosed = errors.New("store is closed")
)
