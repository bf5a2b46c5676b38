package actor

import "sync"

// Shutdown is a single broadcast signal every actor's run loop selects on
// alongside its mailbox. Master closes it once; every actor observes the
// close and drains its mailbox before returning, so teardown is one
// coordinated broadcast instead of each component tracking its own done
// channel.
type Shutdown struct {
	ch   chan struct{}
	once sync.Once
}

// NewShutdown creates an unsignaled Shutdown.
func NewShutdown() *Shutdown {
	return &Shutdown{ch: make(chan struct{})}
}

// Signal closes the shutdown channel. Safe to call more than once or
// concurrently; only the first call has any effect.
func (s *Shutdown) Signal() {
	s.once.Do(func() { close(s.ch) })
}

// Done returns the channel that closes on Signal, for use directly in a
// select statement.
func (s *Shutdown) Done() <-chan struct{} {
	return s.ch
}

// Signaled reports whether Signal has been called, without blocking.
func (s *Shutdown) Signaled() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
