package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wheelforge/config"
)

func testConfig(tempDir string) *config.Config {
	return &config.Config{Paths: config.Paths{Logs: filepath.Join(tempDir, "logs")}}
}

func TestNewLogger(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(tempDir)

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(cfg.Paths.Logs); os.IsNotExist(err) {
		t.Error("Logs directory was not created")
	}

	expectedFiles := []string{
		"00_last_results.log",
		"01_success_list.log",
		"02_failure_list.log",
		"03_skipped_list.log",
		"04_abnormal_output.log",
		"05_obsolete_files.log",
		"06_debug.log",
	}
	for _, filename := range expectedFiles {
		filePath := filepath.Join(cfg.Paths.Logs, filename)
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			t.Errorf("log file %s was not created", filename)
		}
	}
}

func TestLogger_Success(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(tempDir)

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	logger.Success("numpy", "1.26.0", "cp311")

	content, err := os.ReadFile(filepath.Join(cfg.Paths.Logs, "01_success_list.log"))
	if err != nil {
		t.Fatalf("read success log: %v", err)
	}
	if !strings.Contains(string(content), "numpy==1.26.0") {
		t.Error("success log missing target")
	}

	content, err = os.ReadFile(filepath.Join(cfg.Paths.Logs, "00_last_results.log"))
	if err != nil {
		t.Fatalf("read results log: %v", err)
	}
	if !strings.Contains(string(content), "SUCCESS") || !strings.Contains(string(content), "numpy==1.26.0") {
		t.Error("results log missing success entry")
	}
}

func TestLogger_Failed(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(tempDir)

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	logger.Failed("scipy", "1.11.0", "cp311", "build timed out")

	content, err := os.ReadFile(filepath.Join(cfg.Paths.Logs, "02_failure_list.log"))
	if err != nil {
		t.Fatalf("read failure log: %v", err)
	}
	s := string(content)
	if !strings.Contains(s, "scipy==1.11.0") || !strings.Contains(s, "build timed out") {
		t.Error("failure log missing target or reason")
	}

	content, err = os.ReadFile(filepath.Join(cfg.Paths.Logs, "00_last_results.log"))
	if err != nil {
		t.Fatalf("read results log: %v", err)
	}
	if !strings.Contains(string(content), "FAILED") {
		t.Error("results log missing FAILED")
	}
}

func TestLogger_Skipped(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(tempDir)

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	logger.Skipped("oldpkg", "0.1.0", "removed upstream")

	content, err := os.ReadFile(filepath.Join(cfg.Paths.Logs, "03_skipped_list.log"))
	if err != nil {
		t.Fatalf("read skipped log: %v", err)
	}
	s := string(content)
	if !strings.Contains(s, "oldpkg==0.1.0") || !strings.Contains(s, "removed upstream") {
		t.Error("skipped log missing target or reason")
	}
}

func TestLogger_Abnormal(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(tempDir)

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	logger.Abnormal("slave-7", "unexpected EOF mid-transfer")

	content, err := os.ReadFile(filepath.Join(cfg.Paths.Logs, "04_abnormal_output.log"))
	if err != nil {
		t.Fatalf("read abnormal log: %v", err)
	}
	s := string(content)
	if !strings.Contains(s, "slave-7") || !strings.Contains(s, "unexpected EOF") {
		t.Error("abnormal log missing slave id or output")
	}
}

func TestLogger_Obsolete(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(tempDir)

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	logger.Obsolete("numpy-1.20.0-cp39-manylinux.whl")

	content, err := os.ReadFile(filepath.Join(cfg.Paths.Logs, "05_obsolete_files.log"))
	if err != nil {
		t.Fatalf("read obsolete log: %v", err)
	}
	if !strings.Contains(string(content), "numpy-1.20.0-cp39-manylinux.whl") {
		t.Error("obsolete log missing filename")
	}
}

func TestLogger_Debug(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(tempDir)

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	logger.Debug("dispatching %s to slave %d", "numpy", 3)

	content, err := os.ReadFile(filepath.Join(cfg.Paths.Logs, "06_debug.log"))
	if err != nil {
		t.Fatalf("read debug log: %v", err)
	}
	if !strings.Contains(string(content), "dispatching numpy to slave 3") {
		t.Error("debug log missing formatted message")
	}
}

func TestLogger_Error(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(tempDir)

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	logger.Error("database connection lost")

	content, err := os.ReadFile(filepath.Join(cfg.Paths.Logs, "00_last_results.log"))
	if err != nil {
		t.Fatalf("read results log: %v", err)
	}
	if !strings.Contains(string(content), "ERROR") || !strings.Contains(string(content), "database connection lost") {
		t.Error("results log missing error entry")
	}

	content, err = os.ReadFile(filepath.Join(cfg.Paths.Logs, "06_debug.log"))
	if err != nil {
		t.Fatalf("read debug log: %v", err)
	}
	if !strings.Contains(string(content), "database connection lost") {
		t.Error("debug log missing error entry")
	}
}

func TestLogger_Info(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(tempDir)

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	logger.Info("starting dispatch cycle")

	content, err := os.ReadFile(filepath.Join(cfg.Paths.Logs, "00_last_results.log"))
	if err != nil {
		t.Fatalf("read results log: %v", err)
	}
	if !strings.Contains(string(content), "INFO") || !strings.Contains(string(content), "starting dispatch cycle") {
		t.Error("results log missing info entry")
	}
}

func TestLogger_Warn(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(tempDir)

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	logger.Warn("slave %s has %d queued retries", "slave-2", 3)

	content, err := os.ReadFile(filepath.Join(cfg.Paths.Logs, "00_last_results.log"))
	if err != nil {
		t.Fatalf("read results log: %v", err)
	}
	if !strings.Contains(string(content), "WARN") || !strings.Contains(string(content), "slave-2 has 3 queued retries") {
		t.Error("results log missing warn entry")
	}
}

func TestLogger_WriteSummary(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(tempDir)

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	logger.WriteSummary(85, 10, 5, 45*time.Minute)

	content, err := os.ReadFile(filepath.Join(cfg.Paths.Logs, "00_last_results.log"))
	if err != nil {
		t.Fatalf("read results log: %v", err)
	}
	s := string(content)
	for _, expected := range []string{"CYCLE SUMMARY", "Built:", "Failed:", "Skipped:", "Elapsed:"} {
		if !strings.Contains(s, expected) {
			t.Errorf("summary missing %q", expected)
		}
	}
}

func TestLogger_Close(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(tempDir)

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Close()
	logger.Close() // idempotent
}

func TestNewLogger_CreateDirError(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("cannot test directory creation errors as root")
	}

	cfg := &config.Config{Paths: config.Paths{Logs: "/proc/invalid/logs"}}

	_, err := NewLogger(cfg)
	if err == nil {
		t.Error("expected error when creating logger in invalid directory")
	}
}

func TestLogger_ImplementsLibraryLogger(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(tempDir)

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	var _ LibraryLogger = logger
}
