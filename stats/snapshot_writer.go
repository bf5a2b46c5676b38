package stats

import (
	"encoding/json"

	"github.com/google/renameio"

	"wheelforge/log"
)

// SnapshotFileWriter implements StatsConsumer, persisting the live
// Snapshot to a JSON file on each tick (master wires it to status.json
// under Paths.Root) for readers outside the master process. Writes are atomic
// (same renameio temp-then-rename pattern FileJuggler and Scribe use) so a
// reader never observes a half-written file.
//
// Write failures are logged but never propagate: stats are best-effort
// and must not block or fail a build.
type SnapshotFileWriter struct {
	path   string
	logger log.LibraryLogger
}

// NewSnapshotFileWriter creates a writer that persists to path.
func NewSnapshotFileWriter(path string, logger log.LibraryLogger) *SnapshotFileWriter {
	return &SnapshotFileWriter{path: path, logger: logger}
}

// OnStatsUpdate persists snap to disk. Called by StatsCollector at 1 Hz.
func (w *SnapshotFileWriter) OnStatsUpdate(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		w.logger.Warn("marshaling stats snapshot: %v", err)
		return
	}
	if err := renameio.WriteFile(w.path, data, 0o644); err != nil {
		w.logger.Warn("writing stats snapshot to %s: %v", w.path, err)
	}
}
