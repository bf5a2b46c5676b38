package scribe

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wheelforge/actor"
	"wheelforge/config"
	"wheelforge/db"
	"wheelforge/log"
)

// fakeDB is a dbClient double whose ListIndexedPackages call count lets
// tests assert how many times Scribe actually rendered the root index.
type fakeDB struct {
	mu sync.Mutex

	files            map[string][]db.BuildFile
	packages         []db.IndexedPackage
	stats            db.Statistics
	listCalls        int
	getFilesCalls    int
	getStatsCalls    int
}

func (f *fakeDB) GetPackageFiles(ctx context.Context, pkg string) ([]db.BuildFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getFilesCalls++
	return f.files[pkg], nil
}

func (f *fakeDB) ListIndexedPackages(ctx context.Context) ([]db.IndexedPackage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.packages, nil
}

func (f *fakeDB) GetStatistics(ctx context.Context) (db.Statistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getStatsCalls++
	return f.stats, nil
}

func newTestScribe(t *testing.T, broker dbClient) (*Scribe, *config.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.Root = root
	cfg.Paths.Simple = filepath.Join(root, "simple")
	cfg.Paths.Project = filepath.Join(root, "project")
	cfg.Scribe.PollInterval = 10 * time.Millisecond
	return New(cfg, broker, log.NewMemoryLogger()), cfg
}

func TestScribe_RenderPackageWritesIndexFile(t *testing.T) {
	fdb := &fakeDB{
		files: map[string][]db.BuildFile{
			"numpy": {{Filename: "numpy-1.0-cp39-cp39-linux_armv7l.whl", Filehash: "abc123", VersionTag: "1.0"}},
		},
	}
	s, cfg := newTestScribe(t, fdb)

	s.renderPackage(context.Background(), "numpy")

	body, err := os.ReadFile(filepath.Join(cfg.Paths.Simple, "numpy", "index.html"))
	if err != nil {
		t.Fatalf("read rendered index: %v", err)
	}
	if !strings.Contains(string(body), "numpy-1.0-cp39-cp39-linux_armv7l.whl") {
		t.Errorf("rendered index missing filename: %s", body)
	}
	if !strings.Contains(string(body), "sha256=abc123") {
		t.Errorf("rendered index missing hash fragment: %s", body)
	}
}

func TestScribe_DrainCoalescesRepeatedEnqueues(t *testing.T) {
	fdb := &fakeDB{files: map[string][]db.BuildFile{"numpy": nil}}
	s, _ := newTestScribe(t, fdb)

	for i := 0; i < 5; i++ {
		s.RewritePackage("numpy")
	}
	s.drain()

	fdb.mu.Lock()
	calls := fdb.getFilesCalls
	fdb.mu.Unlock()

	if calls != 1 {
		t.Errorf("getFilesCalls = %d, want 1 (five enqueues should coalesce to one render)", calls)
	}
}

func TestScribe_RenderRootSkipsRewriteWhenBodyUnchanged(t *testing.T) {
	fdb := &fakeDB{packages: []db.IndexedPackage{{Name: "numpy", FileCount: 1}}}
	s, cfg := newTestScribe(t, fdb)

	s.renderRoot(context.Background())
	path := filepath.Join(cfg.Paths.Simple, "index.html")
	first, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat after first render: %v", err)
	}

	time.Sleep(5 * time.Millisecond) // ensure mtime would differ if rewritten
	s.renderRoot(context.Background())
	second, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat after second render: %v", err)
	}

	if !second.ModTime().Equal(first.ModTime()) {
		t.Errorf("root index was rewritten despite unchanged body: first=%v second=%v", first.ModTime(), second.ModTime())
	}
}

func TestScribe_RenderRootRewritesWhenPackageSetChanges(t *testing.T) {
	fdb := &fakeDB{packages: []db.IndexedPackage{{Name: "numpy", FileCount: 1}}}
	s, cfg := newTestScribe(t, fdb)

	s.renderRoot(context.Background())

	fdb.mu.Lock()
	fdb.packages = append(fdb.packages, db.IndexedPackage{Name: "scipy", FileCount: 1})
	fdb.mu.Unlock()

	s.renderRoot(context.Background())

	body, err := os.ReadFile(filepath.Join(cfg.Paths.Simple, "index.html"))
	if err != nil {
		t.Fatalf("read root index: %v", err)
	}
	if !strings.Contains(string(body), "scipy") {
		t.Errorf("root index missing newly added package: %s", body)
	}
}

func TestScribe_RenderRootAlwaysRewritesPackagesJSON(t *testing.T) {
	fdb := &fakeDB{packages: []db.IndexedPackage{{Name: "numpy", FileCount: 1}}}
	s, cfg := newTestScribe(t, fdb)

	s.renderRoot(context.Background())
	s.renderRoot(context.Background())

	raw, err := os.ReadFile(filepath.Join(cfg.Paths.Root, "packages.json"))
	if err != nil {
		t.Fatalf("read packages.json: %v", err)
	}
	var payload struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal packages.json: %v", err)
	}
	if len(payload.Packages) != 1 || payload.Packages[0] != "numpy" {
		t.Errorf("packages.json packages = %v", payload.Packages)
	}
}

func TestScribe_RunDrainsOnShutdown(t *testing.T) {
	fdb := &fakeDB{files: map[string][]db.BuildFile{"numpy": nil}}
	s, cfg := newTestScribe(t, fdb)
	shutdown := actor.NewShutdown()

	s.RewritePackage("numpy")

	done := make(chan struct{})
	go func() {
		s.Run(shutdown)
		close(done)
	}()

	shutdown.Signal()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown signal")
	}

	if _, err := os.Stat(filepath.Join(cfg.Paths.Simple, "numpy", "index.html")); err != nil {
		t.Errorf("expected final drain to render pending target: %v", err)
	}
}
