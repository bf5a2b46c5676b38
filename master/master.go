// Package master boots the whole actor graph from one Config and owns the
// farm's lifetime: open the DB pool, apply pending migrations, construct
// every actor in its dependency order, start each network listener, and
// on shutdown close them in reverse.
package master

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"wheelforge/actor"
	"wheelforge/cloudgazer"
	"wheelforge/config"
	"wheelforge/control"
	"wheelforge/db"
	"wheelforge/filejuggler"
	"wheelforge/importhandler"
	"wheelforge/indexer"
	"wheelforge/log"
	"wheelforge/lumberjack"
	"wheelforge/scribe"
	"wheelforge/secretary"
	"wheelforge/slavedriver"
	"wheelforge/stats"
	"wheelforge/status"
)

// Master owns every long-lived actor and the listeners that feed them.
type Master struct {
	cfg      *config.Config
	logger   log.LibraryLogger
	shutdown *actor.Shutdown

	broker    *db.Broker
	registry  *slavedriver.Registry
	collector *stats.StatsCollector

	Secretary     *secretary.Secretary
	Indexer       *indexer.Indexer
	Scribe        *scribe.Scribe
	SlaveDriver   *slavedriver.SlaveDriver
	FileJuggler   *filejuggler.FileJuggler
	Status        *status.Status
	CloudGazer    *cloudgazer.CloudGazer
	Lumberjack    *lumberjack.Lumberjack
	ImportHandler *importhandler.ImportHandler
	Control       *control.Control

	listeners []net.Listener
}

// Boot applies pending migrations, constructs every actor wired to cfg,
// and returns a Master ready to Serve. It opens no listener and does not
// start the Scribe, CloudGazer or Status loops — Serve does that — so
// callers can still register additional behavior (a test fixture swapping
// a fake) before traffic flows. The db broker's workers and Secretary's
// run loop are started by their constructors here.
func Boot(ctx context.Context, cfg *config.Config, logger log.LibraryLogger) (*Master, error) {
	if err := db.RunMigrations(cfg.DB.DSN); err != nil {
		return nil, fmt.Errorf("master: running migrations: %w", err)
	}

	shutdown := actor.NewShutdown()

	broker, err := db.NewBroker(ctx, cfg, shutdown, logger)
	if err != nil {
		return nil, fmt.Errorf("master: opening db broker: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.Registry), 0o755); err != nil {
		return nil, fmt.Errorf("master: creating registry dir: %w", err)
	}
	registry, err := slavedriver.OpenRegistry(cfg.Paths.Registry)
	if err != nil {
		return nil, fmt.Errorf("master: opening slave registry: %w", err)
	}

	scr := scribe.New(cfg, broker, logger)
	idx := indexer.New(scr)
	sec := secretary.New(cfg, broker, idx, logger, shutdown)
	fj := filejuggler.New(cfg, sec, logger)
	collector := stats.NewStatsCollector(ctx)
	sd := slavedriver.New(cfg, broker, sec, fj, registry, collector, logger)
	st := status.New(broker, logger)
	collector.AddConsumer(st)
	collector.AddConsumer(stats.NewSnapshotFileWriter(filepath.Join(cfg.Paths.Root, "status.json"), logger))
	cg := cloudgazer.New(cfg, sec, broker, logger)
	lj := lumberjack.New(sec, logger)
	ih := importhandler.New(cfg, sec, logger)
	ctl := control.New(cfg, sd, sec, st, logger)

	return &Master{
		cfg:           cfg,
		logger:        logger,
		shutdown:      shutdown,
		broker:        broker,
		registry:      registry,
		collector:     collector,
		Secretary:     sec,
		Indexer:       idx,
		Scribe:        scr,
		SlaveDriver:   sd,
		FileJuggler:   fj,
		Status:        st,
		CloudGazer:    cg,
		Lumberjack:    lj,
		ImportHandler: ih,
		Control:       ctl,
	}, nil
}

// Serve starts every background loop and network listener and blocks until
// shutdown is signaled by Stop; canceling a context does not end it.
// Listener accept failures log and are otherwise
// ignored, since the only expected cause during normal operation is the
// listener being closed by Stop.
func (m *Master) Serve(ctx context.Context) error {
	go m.Scribe.Run(m.shutdown)
	go m.CloudGazer.Run(m.shutdown)
	go m.Status.Run(m.shutdown, 0)

	type listenTarget struct {
		name string
		addr string
		run  func(net.Listener) error
	}
	targets := []listenTarget{
		{"slavedriver", m.cfg.Listen.SlaveDriverAddr, m.SlaveDriver.Serve},
		{"filejuggler", m.cfg.Listen.FileJugglerAddr, m.FileJuggler.Serve},
		{"control", m.cfg.Listen.ControlAddr, m.Control.Serve},
		{"lumberjack", m.cfg.Listen.LumberjackAddr, func(ln net.Listener) error {
			return m.Lumberjack.Serve(ctx, ln)
		}},
	}

	for _, t := range targets {
		ln, err := net.Listen("tcp", t.addr)
		if err != nil {
			m.shutdownListeners()
			return fmt.Errorf("master: listening on %s (%s): %w", t.name, t.addr, err)
		}
		m.listeners = append(m.listeners, ln)
		m.logger.Info("master: %s listening on %s", t.name, ln.Addr())
		go func(name string, run func(net.Listener) error, ln net.Listener) {
			if err := run(ln); err != nil && !m.shutdown.Signaled() {
				m.logger.Error("master: %s listener stopped: %v", name, err)
			}
		}(t.name, t.run, ln)
	}

	<-m.shutdown.Done()
	return nil
}

// Stop signals shutdown, closes every listener, and releases the registry
// and stats collector. It does not wait for in-flight requests to
// drain; callers that need a graceful wind-down close listeners first and
// give actors time before calling Stop, the same two-phase shape
// cmd/build.go's signal handler used (stop accepting, then release).
func (m *Master) Stop() error {
	m.shutdown.Signal()
	m.shutdownListeners()

	if w, ok := m.logger.(interface {
		WriteSummary(built, failed, skipped int, elapsed time.Duration)
	}); ok {
		snap := m.collector.GetSnapshot()
		w.WriteSummary(snap.Built, snap.Failed, snap.Skipped, snap.Elapsed)
	}

	var firstErr error
	if err := m.collector.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (m *Master) shutdownListeners() {
	for _, ln := range m.listeners {
		ln.Close()
	}
}
