package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"wheelforge/config"
)

// Logger manages the master's fleet of summary log streams, one file per
// category, written under cfg.Paths.Logs. Secretary mirrors build results,
// skips and the files of a deleted build here so an operator can tail
// plain text without querying Postgres.
type Logger struct {
	cfg          *config.Config
	resultsFile  *os.File
	successFile  *os.File
	failureFile  *os.File
	skippedFile  *os.File
	abnormalFile *os.File
	obsoleteFile *os.File
	debugFile    *os.File
	mu           sync.Mutex
}

// NewLogger creates (truncating) the summary log files for one master run.
func NewLogger(cfg *config.Config) (*Logger, error) {
	if err := os.MkdirAll(cfg.Paths.Logs, 0o755); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}

	l := &Logger{cfg: cfg}
	var err error
	for _, f := range []struct {
		dst  **os.File
		name string
	}{
		{&l.resultsFile, "00_last_results.log"},
		{&l.successFile, "01_success_list.log"},
		{&l.failureFile, "02_failure_list.log"},
		{&l.skippedFile, "03_skipped_list.log"},
		{&l.abnormalFile, "04_abnormal_output.log"},
		{&l.obsoleteFile, "05_obsolete_files.log"},
		{&l.debugFile, "06_debug.log"},
	} {
		*f.dst, err = os.Create(filepath.Join(cfg.Paths.Logs, f.name))
		if err != nil {
			return nil, err
		}
	}

	l.writeHeaders()
	return l, nil
}

// Close closes all open log files. Safe to call more than once.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range []*os.File{l.resultsFile, l.successFile, l.failureFile, l.skippedFile, l.abnormalFile, l.obsoleteFile, l.debugFile} {
		if f != nil {
			f.Close()
		}
	}
}

func (l *Logger) writeHeaders() {
	timestamp := time.Now().Format(time.RFC3339)
	fmt.Fprintf(l.resultsFile, "wheelforge build log - %s\n", timestamp)
	fmt.Fprintf(l.resultsFile, "%s\n\n", strings.Repeat("=", 70))
	fmt.Fprintf(l.successFile, "# Successful builds - %s\n\n", timestamp)
	fmt.Fprintf(l.failureFile, "# Failed builds - %s\n\n", timestamp)
	fmt.Fprintf(l.skippedFile, "# Skipped package versions - %s\n\n", timestamp)
	fmt.Fprintf(l.abnormalFile, "Abnormal slave output - %s\n\n", timestamp)
	fmt.Fprintf(l.obsoleteFile, "Obsolete files removed - %s\n\n", timestamp)
	fmt.Fprintf(l.debugFile, "Debug log - %s\n\n", timestamp)
}

// target formats a package/version/abi triple for the summary logs.
func target(pkg, version, abi string) string {
	if abi == "" {
		return fmt.Sprintf("%s==%s", pkg, version)
	}
	return fmt.Sprintf("%s==%s (%s)", pkg, version, abi)
}

// Success records a build a slave reported BUILT and FileJuggler installed.
func (l *Logger) Success(pkg, version, abi string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().Format("15:04:05")
	t := target(pkg, version, abi)
	fmt.Fprintf(l.resultsFile, "[%s] SUCCESS: %s\n", ts, t)
	fmt.Fprintf(l.successFile, "%s\n", t)
	l.resultsFile.Sync()
	l.successFile.Sync()
}

// Failed records a build a slave reported as failed.
func (l *Logger) Failed(pkg, version, abi, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().Format("15:04:05")
	t := target(pkg, version, abi)
	fmt.Fprintf(l.resultsFile, "[%s] FAILED: %s (%s)\n", ts, t, reason)
	fmt.Fprintf(l.failureFile, "%s (%s)\n", t, reason)
	l.resultsFile.Sync()
	l.failureFile.Sync()
}

// Skipped records a package or package version skipped, by CloudGazer or
// an operator via Control. version may be empty for a whole-package skip.
func (l *Logger) Skipped(pkg, version, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().Format("15:04:05")
	t := pkg
	if version != "" {
		t = fmt.Sprintf("%s==%s", pkg, version)
	}
	fmt.Fprintf(l.resultsFile, "[%s] SKIPPED: %s (%s)\n", ts, t, reason)
	fmt.Fprintf(l.skippedFile, "%s: %s\n", t, reason)
	l.resultsFile.Sync()
	l.skippedFile.Sync()
}

// Abnormal records slave traffic that didn't match the expected wire
// framing: a crash mid-transfer, garbage input.
func (l *Logger) Abnormal(slaveID, output string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().Format("15:04:05")
	fmt.Fprintf(l.abnormalFile, "[%s] ABNORMAL: %s\n%s\n\n", ts, slaveID, output)
	l.abnormalFile.Sync()
}

// Obsolete records a wheel file whose build record was deleted (a rebuild
// requested through Control).
func (l *Logger) Obsolete(filename string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.obsoleteFile, "%s\n", filename)
	l.obsoleteFile.Sync()
}

// Debug implements LibraryLogger.
func (l *Logger) Debug(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().Format("15:04:05")
	fmt.Fprintf(l.debugFile, "[%s] %s\n", ts, fmt.Sprintf(format, args...))
	l.debugFile.Sync()
}

// Error implements LibraryLogger.
func (l *Logger) Error(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().Format("15:04:05")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.resultsFile, "[%s] ERROR: %s\n", ts, msg)
	fmt.Fprintf(l.debugFile, "[%s] ERROR: %s\n", ts, msg)
	l.resultsFile.Sync()
	l.debugFile.Sync()
}

// Info implements LibraryLogger.
func (l *Logger) Info(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().Format("15:04:05")
	fmt.Fprintf(l.resultsFile, "[%s] INFO: %s\n", ts, fmt.Sprintf(format, args...))
	l.resultsFile.Sync()
}

// Warn implements LibraryLogger.
func (l *Logger) Warn(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().Format("15:04:05")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.resultsFile, "[%s] WARN: %s\n", ts, msg)
	fmt.Fprintf(l.debugFile, "[%s] WARN: %s\n", ts, msg)
	l.resultsFile.Sync()
	l.debugFile.Sync()
}

// WriteSummary writes a tally to the results log. master.Stop calls it once
// at shutdown with the stats collector's totals for the run.
func (l *Logger) WriteSummary(built, failed, skipped int, elapsed time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.resultsFile, "\n%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(l.resultsFile, "CYCLE SUMMARY\n")
	fmt.Fprintf(l.resultsFile, "%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(l.resultsFile, "Built:    %d\n", built)
	fmt.Fprintf(l.resultsFile, "Failed:   %d\n", failed)
	fmt.Fprintf(l.resultsFile, "Skipped:  %d\n", skipped)
	fmt.Fprintf(l.resultsFile, "Elapsed:  %s\n", elapsed)
	fmt.Fprintf(l.resultsFile, "%s\n", strings.Repeat("=", 70))
	l.resultsFile.Sync()
}
