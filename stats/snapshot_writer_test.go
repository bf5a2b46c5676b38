package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wheelforge/log"
)

func TestSnapshotFileWriter_OnStatsUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	w := NewSnapshotFileWriter(path, log.NoOpLogger{})

	snap := Snapshot{
		ActiveSlaves:    4,
		ConnectedSlaves: 8,
		Load:            3.24,
		SwapPct:         2,
		Rate:            24.3,
		Impulse:         3.0,
		Elapsed:         15 * time.Minute,
		Pending:         142,
		Built:           38,
		Failed:          2,
		Skipped:         5,
	}
	w.OnStatsUpdate(snap)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading snapshot file: %v", err)
	}

	var got Snapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("stored snapshot is not valid JSON: %v", err)
	}
	if got.ActiveSlaves != snap.ActiveSlaves {
		t.Errorf("ActiveSlaves = %d, want %d", got.ActiveSlaves, snap.ActiveSlaves)
	}
	if got.Built != snap.Built {
		t.Errorf("Built = %d, want %d", got.Built, snap.Built)
	}
	if got.Load != snap.Load {
		t.Errorf("Load = %f, want %f", got.Load, snap.Load)
	}
}

func TestSnapshotFileWriter_OverwritesOnEachUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	w := NewSnapshotFileWriter(path, log.NoOpLogger{})

	updates := []Snapshot{
		{ActiveSlaves: 0, Built: 0},
		{ActiveSlaves: 2, Built: 5},
		{ActiveSlaves: 4, Built: 12},
	}
	for _, snap := range updates {
		w.OnStatsUpdate(snap)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading snapshot file: %v", err)
	}
	var got Snapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshaling: %v", err)
	}

	last := updates[len(updates)-1]
	if got.ActiveSlaves != last.ActiveSlaves || got.Built != last.Built {
		t.Errorf("got %+v, want last update %+v", got, last)
	}
}

func TestSnapshotFileWriter_BadPathDoesNotPanic(t *testing.T) {
	w := NewSnapshotFileWriter(filepath.Join(string([]byte{0}), "stats.json"), log.NoOpLogger{})
	w.OnStatsUpdate(Snapshot{Built: 1})
}

func TestSnapshotFileWriter_ConcurrentUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	w := NewSnapshotFileWriter(path, log.NoOpLogger{})

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(n int) {
			w.OnStatsUpdate(Snapshot{Built: n})
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading snapshot file: %v", err)
	}
	var got Snapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshaling: %v", err)
	}
	if got.Built < 0 || got.Built > 9 {
		t.Errorf("Built = %d, expected one of the concurrent updates (0-9)", got.Built)
	}
}
