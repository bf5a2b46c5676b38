package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Operation is one unit of work a DBWorker executes inside a single
// transaction. Every mutating request (AddNewPackage, LogBuild, ...) is a
// concrete Operation so the broker can queue and reply to all of them
// uniformly. The broker does not retry a failed operation; that is left to
// the caller.
type Operation interface {
	// Execute runs the operation against tx and returns its result. A
	// non-nil error aborts the transaction; the worker rolls back.
	Execute(ctx context.Context, tx pgx.Tx) (any, error)

	// name identifies the operation for error messages and logging.
	name() string
}

// opResult is what a worker sends back through the reply channel: either a
// value or an error, never both meaningfully populated.
type opResult struct {
	Value any
	Err   error
}
