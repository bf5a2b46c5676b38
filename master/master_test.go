package master

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// fakeBroker stands in for db.Broker: it implements every method the
// actors' own narrow interfaces require, so Serve/Stop's listener
// lifecycle can be exercised without a live Postgres connection.
type fakeBroker struct{}

func (fakeBroker) GetPackageFiles(ctx context.Context, pkg string) ([]db.BuildFile, error) {
	return nil, nil
}
func (fakeBroker) ListIndexedPackages(ctx context.Context) ([]db.IndexedPackage, error) {
	return nil, nil
}
func (fakeBroker) GetStatistics(ctx context.Context) (db.Statistics, error) {
	return db.Statistics{}, nil
}
func (fakeBroker) GetPendingPackages(ctx context.Context, abi string, limit int) ([]db.PendingBuild, error) {
	return nil, nil
}
func (fakeBroker) LogBuild(ctx context.Context, attempt db.BuildAttempt, files []db.BuildFile) (int64, error) {
	return 1, nil
}
func (fakeBroker) AddNewPackage(ctx context.Context, pkgName string) error { return nil }
func (fakeBroker) AddNewPackageVersion(ctx context.Context, pkgName, versionStr string, releasedAt time.Time) error {
	return nil
}
func (fakeBroker) SkipPackage(ctx context.Context, pkgName, reason string) error      { return nil }
func (fakeBroker) SkipPackageVersion(ctx context.Context, pkg, version, reason string) error {
	return nil
}
func (fakeBroker) DeleteBuild(ctx context.Context, buildID int64) ([]string, error) { return nil, nil }
func (fakeBroker) LogDownload(ctx context.Context, d db.Download) error             { return nil }
func (fakeBroker) ListPackages(ctx context.Context) ([]db.Package, error)           { return nil, nil }
func (fakeBroker) ListPackageVersions(ctx context.Context, pkg string) ([]db.Version, error) {
	return nil, nil
}

func newTestMaster(t *testing.T) *Master {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.Root = dir
	cfg.Paths.Simple = filepath.Join(dir, "simple")
	cfg.Paths.Project = filepath.Join(dir, "project")
	cfg.Paths.Logs = filepath.Join(dir, "logs")
	cfg.Paths.TempArea = filepath.Join(dir, "incoming")
	cfg.Paths.Registry = filepath.Join(dir, "registry.db")
	cfg.Listen = config.Listen{
		SlaveDriverAddr: "127.0.0.1:0",
		FileJugglerAddr: "127.0.0.1:0",
		LumberjackAddr:  "127.0.0.1:0",
		ControlAddr:     "127.0.0.1:0",
	}
	require.NoError(t, cfg.Validate())

	shutdown := actor.NewShutdown()
	broker := fakeBroker{}

	registry, err := slavedriver.OpenRegistry(cfg.Paths.Registry)
	require.NoError(t, err)

	scr := scribe.New(cfg, broker, log.NoOpLogger{})
	idx := indexer.New(scr)
	sec := secretary.New(cfg, broker, idx, log.NoOpLogger{}, shutdown)
	fj := filejuggler.New(cfg, sec, log.NoOpLogger{})
	collector := stats.NewStatsCollector(context.Background())
	sd := slavedriver.New(cfg, broker, sec, fj, registry, collector, log.NoOpLogger{})
	st := status.New(broker, log.NoOpLogger{})
	collector.AddConsumer(st)
	cg := cloudgazer.New(cfg, sec, broker, log.NoOpLogger{})
	lj := lumberjack.New(sec, log.NoOpLogger{})
	ih := importhandler.New(cfg, sec, log.NoOpLogger{})
	ctl := control.New(cfg, sd, sec, st, log.NoOpLogger{})

	return &Master{
		cfg:           cfg,
		logger:        log.NoOpLogger{},
		shutdown:      shutdown,
		broker:        nil,
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
	}
}

func TestServe_StartsListenersAndStopsCleanly(t *testing.T) {
	m := newTestMaster(t)

	done := make(chan error, 1)
	go func() { done <- m.Serve(context.Background()) }()

	require.Eventually(t, func() bool { return len(m.listeners) == 4 }, time.Second, 10*time.Millisecond)

	addr := m.listeners[2].Addr().String() // control
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	conn.Close()

	require.NoError(t, m.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestStop_ListenersSafeToCloseAgain(t *testing.T) {
	m := newTestMaster(t)
	go m.Serve(context.Background())
	require.Eventually(t, func() bool { return len(m.listeners) == 4 }, time.Second, 10*time.Millisecond)

	assert.NoError(t, m.Stop())
	assert.NotPanics(t, func() { m.shutdownListeners() })
}
