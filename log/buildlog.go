package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"wheelforge/config"
)

// BuildLogWriter captures the combined stdout/stderr of one build attempt,
// keyed by build_id so the logs CLI and an operator chasing a single
// failure can find it later under cfg.Paths.Logs/builds/.
//
// A nil underlying file (the log file failed to open) is tolerated by every
// method: a logging failure must never abort a build.
type BuildLogWriter struct {
	cfg     *config.Config
	buildID string
	file    *os.File
	mu      sync.Mutex
}

var _ io.Writer = (*BuildLogWriter)(nil)

// NewBuildLogWriter opens the log file for buildID, creating the builds/
// subdirectory if needed.
func NewBuildLogWriter(cfg *config.Config, buildID string) *BuildLogWriter {
	dir := filepath.Join(cfg.Paths.Logs, "builds")
	os.MkdirAll(dir, 0o755)
	f, _ := os.Create(filepath.Join(dir, buildID+".log"))
	return &BuildLogWriter{cfg: cfg, buildID: buildID, file: f}
}

// WriteHeader writes the build identity block at the top of the log.
func (w *BuildLogWriter) WriteHeader(pkg, version, abi string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	fmt.Fprintf(w.file, "%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(w.file, "Build: %s==%s (%s)\n", pkg, version, abi)
	fmt.Fprintf(w.file, "build_id: %s\n", w.buildID)
	fmt.Fprintf(w.file, "Started: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w.file, "%s\n\n", strings.Repeat("=", 70))
	w.file.Sync()
}

// WritePhase marks the start of a new build phase (fetch, wheel, verify).
func (w *BuildLogWriter) WritePhase(phase string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	fmt.Fprintf(w.file, "\n%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(w.file, "Phase: %s\n", phase)
	fmt.Fprintf(w.file, "Time: %s\n", time.Now().Format("15:04:05"))
	fmt.Fprintf(w.file, "%s\n", strings.Repeat("=", 70))
	w.file.Sync()
}

// Write implements io.Writer so the writer can be handed directly to
// exec.Cmd.Stdout/Stderr or copied into from a wire-protocol stream.
func (w *BuildLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return len(p), nil
	}
	n, err := w.file.Write(p)
	w.file.Sync()
	return n, err
}

func (w *BuildLogWriter) WriteString(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	w.file.WriteString(s)
	w.file.Sync()
}

func (w *BuildLogWriter) WriteCommand(cmd string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	fmt.Fprintf(w.file, ">>> %s\n", cmd)
	w.file.Sync()
}

func (w *BuildLogWriter) WriteWarning(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	fmt.Fprintf(w.file, "WARNING: %s\n", msg)
	w.file.Sync()
}

func (w *BuildLogWriter) WriteError(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	fmt.Fprintf(w.file, "ERROR: %s\n", msg)
	w.file.Sync()
}

func (w *BuildLogWriter) WriteSuccess(duration time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	fmt.Fprintf(w.file, "\n%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(w.file, "BUILD SUCCESS\n")
	fmt.Fprintf(w.file, "Completed: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w.file, "Duration: %s\n", duration)
	fmt.Fprintf(w.file, "%s\n", strings.Repeat("=", 70))
	w.file.Sync()
}

func (w *BuildLogWriter) WriteFailure(duration time.Duration, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	fmt.Fprintf(w.file, "\n%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(w.file, "BUILD FAILED\n")
	fmt.Fprintf(w.file, "Reason: %s\n", reason)
	fmt.Fprintf(w.file, "Completed: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w.file, "Duration: %s\n", duration)
	fmt.Fprintf(w.file, "%s\n", strings.Repeat("=", 70))
	w.file.Sync()
}

// Close closes the underlying file. Safe to call more than once or on a
// writer whose file failed to open.
func (w *BuildLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
