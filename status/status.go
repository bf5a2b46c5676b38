// Package status implements the Status actor: it holds the most recent
// statistics snapshot and broadcasts it to every attached monitor. It
// wraps stats.StatsCollector's 1Hz sampling/sliding-window machinery and
// additionally tracks the persisted db.Statistics counters Scribe's
// stats.html page also reads, merging both into one broadcast payload.
package status

import (
	"context"
	"sync"
	"time"

	"wheelforge/actor"
	"wheelforge/db"
	"wheelforge/log"
	"wheelforge/stats"
)

// dbClient is the subset of db.Broker Status reads from.
type dbClient interface {
	GetStatistics(ctx context.Context) (db.Statistics, error)
}

// Update is the payload delivered to every subscriber: the live 1Hz
// snapshot (slave counts, throughput) alongside the last-read persisted
// counters (total packages, versions, builds).
type Update struct {
	Snapshot stats.Snapshot
	DB       db.Statistics
}

// defaultDBPollInterval is how often Status re-reads db.Statistics absent
// an explicit interval passed to Run.
const defaultDBPollInterval = 5 * time.Second

// Status holds the latest Update and fans it out to subscribers. It
// implements stats.StatsConsumer so it can register directly with a
// stats.StatsCollector.
type Status struct {
	broker dbClient
	logger log.LibraryLogger

	mu          sync.Mutex
	lastDB      db.Statistics
	lastSnap    stats.Snapshot
	subscribers map[chan Update]struct{}
}

// New creates a Status actor reading persisted counters from broker.
func New(broker dbClient, logger log.LibraryLogger) *Status {
	return &Status{
		broker:      broker,
		logger:      logger,
		subscribers: make(map[chan Update]struct{}),
	}
}

// OnStatsUpdate implements stats.StatsConsumer: on every 1Hz tick, merge
// the fresh Snapshot with the last-read db.Statistics and broadcast.
func (s *Status) OnStatsUpdate(snap stats.Snapshot) {
	s.mu.Lock()
	s.lastSnap = snap
	update := Update{Snapshot: snap, DB: s.lastDB}
	subs := make([]chan Update, 0, len(s.subscribers))
	for ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- update:
		default: // a lagging monitor misses this tick; the next one supersedes it
		}
	}
}

// Subscribe registers a new monitor and returns its update channel and an
// unsubscribe function the caller must call when done listening.
func (s *Status) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 1)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}
	return ch, unsubscribe
}

// Latest returns the most recently broadcast Update without subscribing,
// for a one-shot RPC caller like Control's stats query that wants a
// snapshot rather than a live feed.
func (s *Status) Latest() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Update{Snapshot: s.lastSnap, DB: s.lastDB}
}

// refreshDBStats re-reads persisted counters from the broker.
func (s *Status) refreshDBStats(ctx context.Context) {
	stats, err := s.broker.GetStatistics(ctx)
	if err != nil {
		s.logger.Warn("status: get_statistics: %v", err)
		return
	}
	s.mu.Lock()
	s.lastDB = stats
	s.mu.Unlock()
}

// Run polls db.Statistics at interval (defaultDBPollInterval if zero) until
// shutdown fires. Call once in its own goroutine.
func (s *Status) Run(shutdown *actor.Shutdown, interval time.Duration) {
	if interval <= 0 {
		interval = defaultDBPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.refreshDBStats(context.Background())
	for {
		select {
		case <-ticker.C:
			s.refreshDBStats(context.Background())
		case <-shutdown.Done():
			return
		}
	}
}
