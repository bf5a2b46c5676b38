package db

import (
	"context"
	"fmt"

	"wheelforge/actor"
	"wheelforge/config"
	"wheelforge/log"
)

// Broker is a single inbound mailbox shared by N DBWorkers, each owning
// one connection. Producer actors (Secretary,
// SlaveDriver, Scribe, Status) never touch SQL directly; they call a typed
// method here and get back a typed result or a typed error.
type Broker struct {
	mailbox *actor.Mailbox[actor.Envelope[Operation, opResult]]
}

// NewBroker opens cfg.DB.NumWorkers connections and starts one worker
// goroutine per connection. It returns once every worker has connected
// successfully; a DSN that can't be reached fails fast at boot rather than
// surfacing as a mystery timeout on the first request.
func NewBroker(ctx context.Context, cfg *config.Config, shutdown *actor.Shutdown, logger log.LibraryLogger) (*Broker, error) {
	if cfg.DB.NumWorkers < 1 {
		return nil, fmt.Errorf("db: NumWorkers must be >= 1, got %d", cfg.DB.NumWorkers)
	}

	mailbox := actor.NewMailbox[actor.Envelope[Operation, opResult]](cfg.DB.NumWorkers * 2)

	workers := make([]*worker, 0, cfg.DB.NumWorkers)
	for i := 0; i < cfg.DB.NumWorkers; i++ {
		w, err := newWorker(ctx, i, cfg.DB.DSN, logger)
		if err != nil {
			for _, started := range workers {
				started.close()
			}
			return nil, fmt.Errorf("db: starting worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}

	for _, w := range workers {
		go w.run(mailbox, shutdown)
	}

	return &Broker{mailbox: mailbox}, nil
}

// do sends op to whichever worker is next free and waits for its result,
// unwrapping the opResult into the (value, error) shape every typed
// wrapper method returns.
func (b *Broker) do(ctx context.Context, op Operation) (any, error) {
	res, err := actor.Ask(ctx, b.mailbox, op)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Value, nil
}
