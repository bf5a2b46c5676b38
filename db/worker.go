package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"wheelforge/actor"
	"wheelforge/log"
)

// worker owns exactly one connection and executes one operation at a time
// inside its own transaction. A pgx.Conn is not safe for concurrent use,
// so sharing a connection across goroutines is never an option; a pool of
// them is.
type worker struct {
	id     int
	dsn    string
	conn   *pgx.Conn
	logger log.LibraryLogger
}

func connectWorker(ctx context.Context, dsn string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: connecting: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("db: pinging: %w", err)
	}
	return conn, nil
}

func newWorker(ctx context.Context, id int, dsn string, logger log.LibraryLogger) (*worker, error) {
	conn, err := connectWorker(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &worker{id: id, dsn: dsn, conn: conn, logger: logger}, nil
}

// run ranges over the broker's shared mailbox until it closes or shutdown
// fires. Every worker competes for the same channel, which pairs idle
// workers with pending requests FIFO: whichever worker is free receives
// the next envelope.
func (w *worker) run(mailbox *actor.Mailbox[actor.Envelope[Operation, opResult]], shutdown *actor.Shutdown) {
	for {
		select {
		case env, ok := <-mailbox.Chan():
			if !ok {
				w.close()
				return
			}
			env.Reply.Send(w.execute(context.Background(), env.Req))
		case <-shutdown.Done():
			w.close()
			return
		}
	}
}

func (w *worker) execute(ctx context.Context, op Operation) opResult {
	if w.conn == nil {
		conn, err := connectWorker(ctx, w.dsn)
		if err != nil {
			return opResult{Err: &TransientError{Op: op.name(), Err: err}}
		}
		w.conn = conn
	}

	tx, err := w.conn.Begin(ctx)
	if err != nil {
		w.discard(ctx)
		return opResult{Err: &TransientError{Op: op.name(), Err: err}}
	}

	value, err := op.Execute(ctx, tx)
	if err != nil {
		_ = tx.Rollback(ctx)
		if isTransient(err) {
			w.discard(ctx)
		}
		return opResult{Err: classify(op.name(), err)}
	}

	if err := tx.Commit(ctx); err != nil {
		w.discard(ctx)
		return opResult{Err: &TransientError{Op: op.name(), Err: err}}
	}
	return opResult{Value: value}
}

// discard drops the current connection so the next request reconnects.
// Called whenever a failure could have left the connection in a broken
// state (closed socket, failed handshake) rather than a clean rollback.
func (w *worker) discard(ctx context.Context) {
	if w.conn != nil {
		_ = w.conn.Close(ctx)
		w.conn = nil
	}
}

func (w *worker) close() {
	if w.conn != nil {
		_ = w.conn.Close(context.Background())
		w.conn = nil
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return false
	}
	var pgErr *pgconn.PgError
	return !errors.As(err, &pgErr)
}

// classify turns a raw SQL error into the structured kind callers switch
// on: a ValidationError passes through, a missing row becomes ErrNotFound,
// a Postgres error becomes IntegrityError, and everything else becomes a
// TransientError (isTransient treats any error not matched above as one).
func classify(op string, err error) error {
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return err
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &IntegrityError{Op: op, Constraint: pgErr.ConstraintName, Err: err}
	}
	if isTransient(err) {
		return &TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("db: %s: %w", op, err)
}
