package store

import "errors"

// Error taxonomy for the access layer. The HTTP boundary maps these to
// status codes; the core never swallows an error silently.
var (
	// ErrNotFound indicates a pk that resolves to no row.
	ErrNotFound = errors.New("not found")

	// ErrConfig indicates invalid schema, operators, columns or pk shape.
	ErrConfig = errors.New("configuration error")

	// ErrConflict indicates a sync reconciliation failure.
	ErrConflict = errors.New("conflict")

	// ErrTimeout indicates a transaction that exceeded its deadline and was
	// rolled back.
	ErrTimeout = errors.New("transaction timeout")

	// ErrNestedTransaction is returned when Transaction is called on a
	// client that is already transactional.
	ErrNestedTransaction = errors.New("nested transactions are not supported")

	// ErrUnsafe is returned when raw SQL is attempted outside Unsafe.
	ErrUnsafe = errors.New("raw SQL requires the unsafe escape hatch")
)
