// Package actor provides the inbound-mailbox-and-run-loop scaffolding every
// component (DBBroker, SlaveDriver, Scribe, and the rest) is built from. One
// goroutine owns a mailbox and processes envelopes off it one at a time, the
// same way the reference build worker pool ranged over a shared queue
// channel, generalized from a fixed pool of package-build workers to one
// goroutine per named component.
package actor

import "context"

// Mailbox is a typed inbound queue. Req is the sealed message type a
// component accepts; callers Send into it, the owning goroutine Recv's.
type Mailbox[Req any] struct {
	ch chan Req
}

// NewMailbox creates a mailbox with the given buffer depth. A depth of 0
// gives a synchronous handoff; most actors want a small buffer so a sender
// doesn't block on a momentarily busy receiver.
func NewMailbox[Req any](depth int) *Mailbox[Req] {
	return &Mailbox[Req]{ch: make(chan Req, depth)}
}

// Send enqueues req, blocking if the mailbox is full, or returning early if
// ctx is canceled first.
func (m *Mailbox[Req]) Send(ctx context.Context, req Req) error {
	select {
	case m.ch <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues req without blocking, reporting whether it was accepted.
func (m *Mailbox[Req]) TrySend(req Req) bool {
	select {
	case m.ch <- req:
		return true
	default:
		return false
	}
}

// Chan exposes the underlying channel for use in a select alongside other
// cases (a shutdown signal, a ticker).
func (m *Mailbox[Req]) Chan() <-chan Req {
	return m.ch
}

// Close closes the mailbox. Callers must not Send after Close; the actor's
// run loop is expected to drain remaining buffered envelopes and then exit
// when the channel reports closed.
func (m *Mailbox[Req]) Close() {
	close(m.ch)
}

// Reply carries a Result back to the caller of a request/reply operation.
// Envelope embeds one in every request so the issuing goroutine can block on
// exactly its own response instead of a shared completion channel.
type Reply[Result any] struct {
	ch chan Result
}

// NewReply creates a reply channel buffered for exactly one value, so the
// handler's Send never blocks even if the caller has stopped waiting.
func NewReply[Result any]() Reply[Result] {
	return Reply[Result]{ch: make(chan Result, 1)}
}

// Send delivers the result. Must be called exactly once by the handler.
func (r Reply[Result]) Send(result Result) {
	r.ch <- result
}

// Wait blocks for the result, or returns early if ctx is canceled.
func (r Reply[Result]) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-r.ch:
		return res, nil
	case <-ctx.Done():
		var zero Result
		return zero, ctx.Err()
	}
}

// Envelope pairs a request payload with its reply channel, the shape every
// request/reply operation (AddNewPackage, GetPendingPackages, and so on)
// wraps itself in before handing off to a Mailbox.
type Envelope[Req, Result any] struct {
	Req   Req
	Reply Reply[Result]
}

// Ask sends a request and waits for its reply, the common case for an
// actor-to-actor call that needs a result (a DBWorker query, a Scribe
// rewrite acknowledgment).
func Ask[Req, Result any](ctx context.Context, m *Mailbox[Envelope[Req, Result]], req Req) (Result, error) {
	reply := NewReply[Result]()
	env := Envelope[Req, Result]{Req: req, Reply: reply}
	if err := m.Send(ctx, env); err != nil {
		var zero Result
		return zero, err
	}
	return reply.Wait(ctx)
}
