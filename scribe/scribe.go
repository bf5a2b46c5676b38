// Package scribe implements the Scribe actor: it renders and atomically
// writes every static index page the farm publishes. Its inbound queue is
// a set keyed by target page rather than a log, so a burst of N rewrite
// requests for the same package collapses to exactly one render. The
// pending set is drained once per poll cycle, not on every enqueue.
package scribe

import (
	"context"
	"encoding/json"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio"

	"wheelforge/actor"
	"wheelforge/config"
	"wheelforge/db"
	"wheelforge/log"
)

// dbClient is the subset of db.Broker Scribe reads from to render pages.
type dbClient interface {
	GetPackageFiles(ctx context.Context, pkg string) ([]db.BuildFile, error)
	ListIndexedPackages(ctx context.Context) ([]db.IndexedPackage, error)
	GetStatistics(ctx context.Context) (db.Statistics, error)
}

// targetKind distinguishes the three kinds of rewrite work.
type targetKind int

const (
	targetPackage targetKind = iota
	targetProject
	targetRoot
)

type target struct {
	kind targetKind
	pkg  string // empty for targetRoot
}

// Scribe renders index pages on a fixed poll cycle, coalescing any number
// of rewrite requests for the same target into one render per cycle.
type Scribe struct {
	cfg    *config.Config
	broker dbClient
	logger log.LibraryLogger

	mu      sync.Mutex
	pending map[target]struct{}

	rootBodyCRC uint32
	haveRootCRC bool
}

// New creates a Scribe. Call Run in its own goroutine to start the poll
// loop; RewritePackage/RewriteProject/RewriteRoot are safe to call from any
// goroutine before or after Run starts.
func New(cfg *config.Config, broker dbClient, logger log.LibraryLogger) *Scribe {
	return &Scribe{
		cfg:     cfg,
		broker:  broker,
		logger:  logger,
		pending: make(map[target]struct{}),
	}
}

// RewritePackage enqueues a rewrite of simple/<pkg>/index.html.
func (s *Scribe) RewritePackage(pkg string) {
	s.enqueue(target{kind: targetPackage, pkg: pkg})
}

// RewriteProject enqueues a rewrite of project/<pkg>/index.html.
func (s *Scribe) RewriteProject(pkg string) {
	s.enqueue(target{kind: targetProject, pkg: pkg})
}

// RewriteRoot enqueues a rewrite of the top-level simple/index.html,
// packages.json, and stats.html.
func (s *Scribe) RewriteRoot() {
	s.enqueue(target{kind: targetRoot})
}

func (s *Scribe) enqueue(t target) {
	s.mu.Lock()
	s.pending[t] = struct{}{}
	s.mu.Unlock()
}

// Run drains the pending set once per PollInterval until shutdown fires,
// then performs one final drain so nothing enqueued right before shutdown
// is lost.
func (s *Scribe) Run(shutdown *actor.Shutdown) {
	interval := s.cfg.Scribe.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.drain()
		case <-shutdown.Done():
			s.drain()
			return
		}
	}
}

// Flush synchronously renders everything currently pending. It is the
// one-shot counterpart to Run's poll loop, for a caller like the import
// CLI that needs the index updated before it exits rather than on the
// next tick.
func (s *Scribe) Flush() {
	s.drain()
}

func (s *Scribe) drain() {
	s.mu.Lock()
	targets := s.pending
	s.pending = make(map[target]struct{})
	s.mu.Unlock()

	ctx := context.Background()
	for t := range targets {
		switch t.kind {
		case targetPackage:
			s.renderPackage(ctx, t.pkg)
		case targetProject:
			s.renderProject(ctx, t.pkg)
		case targetRoot:
			s.renderRoot(ctx)
		}
	}
}

func (s *Scribe) renderPackage(ctx context.Context, pkg string) {
	files, err := s.broker.GetPackageFiles(ctx, pkg)
	if err != nil {
		s.logger.Warn("scribe: get_package_files(%s): %v", pkg, err)
		return
	}
	body, err := renderPackageIndex(pkg, files)
	if err != nil {
		s.logger.Warn("scribe: render package index %s: %v", pkg, err)
		return
	}
	path := filepath.Join(s.cfg.Paths.Simple, pkg, "index.html")
	s.writeAtomic(path, body)
}

func (s *Scribe) renderProject(ctx context.Context, pkg string) {
	files, err := s.broker.GetPackageFiles(ctx, pkg)
	if err != nil {
		s.logger.Warn("scribe: get_package_files(%s): %v", pkg, err)
		return
	}
	body, err := renderProjectIndex(pkg, files, time.Now())
	if err != nil {
		s.logger.Warn("scribe: render project index %s: %v", pkg, err)
		return
	}
	path := filepath.Join(s.cfg.Paths.Project, pkg, "index.html")
	s.writeAtomic(path, body)
}

// renderRoot rewrites the top-level simple/index.html only when its
// rendered body actually changed, compared by CRC32 of the rendered bytes;
// packages.json and stats.html are cheap enough to always refresh so their
// embedded stats/timestamp stay live.
func (s *Scribe) renderRoot(ctx context.Context) {
	packages, err := s.broker.ListIndexedPackages(ctx)
	if err != nil {
		s.logger.Warn("scribe: list_indexed_packages: %v", err)
		return
	}
	names := make([]string, 0, len(packages))
	for _, p := range packages {
		names = append(names, p.Name)
	}

	body, err := renderRootIndex(names)
	if err != nil {
		s.logger.Warn("scribe: render root index: %v", err)
		return
	}
	sum := crc32.ChecksumIEEE(body)
	if !s.haveRootCRC || sum != s.rootBodyCRC {
		path := filepath.Join(s.cfg.Paths.Simple, "index.html")
		if s.writeAtomic(path, body) {
			s.rootBodyCRC = sum
			s.haveRootCRC = true
		}
	}

	s.renderPackagesJSON(names)
	s.renderStatsHTML(ctx)
}

func (s *Scribe) renderPackagesJSON(names []string) {
	payload := struct {
		Packages    []string  `json:"packages"`
		GeneratedAt time.Time `json:"generated_at"`
	}{Packages: names, GeneratedAt: time.Now()}

	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		s.logger.Warn("scribe: marshal packages.json: %v", err)
		return
	}
	path := filepath.Join(s.cfg.Paths.Root, "packages.json")
	s.writeAtomic(path, body)
}

func (s *Scribe) renderStatsHTML(ctx context.Context) {
	stats, err := s.broker.GetStatistics(ctx)
	if err != nil {
		s.logger.Warn("scribe: get_statistics: %v", err)
		return
	}
	body, err := renderStatsPage(stats, time.Now())
	if err != nil {
		s.logger.Warn("scribe: render stats.html: %v", err)
		return
	}
	path := filepath.Join(s.cfg.Paths.Root, "stats.html")
	s.writeAtomic(path, body)
}

// writeAtomic writes body to path via a same-directory temp file followed
// by an atomic rename, creating the destination directory if needed.
// Returns whether the write succeeded.
func (s *Scribe) writeAtomic(path string, body []byte) bool {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Warn("scribe: mkdir %s: %v", filepath.Dir(path), err)
		return false
	}
	if err := renameio.WriteFile(path, body, 0o644); err != nil {
		s.logger.Warn("scribe: write %s: %v", path, err)
		return false
	}
	return true
}
