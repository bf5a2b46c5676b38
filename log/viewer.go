package log

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"wheelforge/config"
)

// streams maps the summary log files to the short aliases the logs CLI
// accepts. Order matters for ListLogs output.
var streams = []struct {
	number string
	alias  string
	file   string
}{
	{"00", "results", "00_last_results.log"},
	{"01", "success", "01_success_list.log"},
	{"02", "failure", "02_failure_list.log"},
	{"03", "skipped", "03_skipped_list.log"},
	{"04", "abnormal", "04_abnormal_output.log"},
	{"05", "obsolete", "05_obsolete_files.log"},
	{"06", "debug", "06_debug.log"},
}

// ResolveStream turns a CLI argument into a summary log filename. An
// argument matching no number, alias, or filename is assumed to be a
// build_id and reported as such via the second return.
func ResolveStream(arg string) (filename string, isBuildID bool) {
	for _, s := range streams {
		if arg == s.number || arg == s.alias || arg == s.file {
			return s.file, false
		}
	}
	return "", true
}

// ListLogs prints the available summary log streams and the build_ids that
// have a per-build log under builds/.
func ListLogs(cfg *config.Config) {
	fmt.Println("Summary logs:")
	for _, s := range streams {
		fmt.Printf("  %s or %-8s - %s\n", s.number, s.alias, s.file)
	}
	fmt.Println()
	fmt.Println("Per-build logs (view with a build_id):")

	buildsDir := filepath.Join(cfg.Paths.Logs, "builds")
	entries, err := os.ReadDir(buildsDir)
	if err != nil {
		fmt.Println("  (none)")
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		fmt.Printf("  %s\n", strings.TrimSuffix(e.Name(), ".log"))
	}
}

// ViewLog prints a summary log file, through $PAGER when one is available.
func ViewLog(cfg *config.Config, logName string) {
	viewFile(filepath.Join(cfg.Paths.Logs, logName))
}

// ViewBuildLog prints the captured output for a single build_id.
func ViewBuildLog(cfg *config.Config, buildID string) {
	viewFile(filepath.Join(cfg.Paths.Logs, "builds", buildID+".log"))
}

func viewFile(path string) {
	f, ok := openOrReport(path)
	if !ok {
		return
	}
	f.Close()

	if pager := pagerBinary(); pager != "" {
		cmd := exec.Command(pager, path)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Run()
		return
	}
	catFile(path, 0, "")
}

// pagerBinary returns the pager to use, or "" when none is installed.
func pagerBinary() string {
	pager := os.Getenv("PAGER")
	if pager == "" {
		pager = "less"
	}
	if _, err := exec.LookPath(pager); err != nil {
		return ""
	}
	return pager
}

// usePager reports whether viewFile will page its output.
func usePager() bool {
	return pagerBinary() != ""
}

// TailLog prints the last n lines of a summary log file.
func TailLog(cfg *config.Config, logName string, n int) {
	catFile(filepath.Join(cfg.Paths.Logs, logName), n, "")
}

// GrepLog prints the lines of a summary log file containing pattern,
// prefixed with their line number.
func GrepLog(cfg *config.Config, logName, pattern string) {
	catFile(filepath.Join(cfg.Paths.Logs, logName), 0, pattern)
}

// catFile prints a file to stdout. tail > 0 limits output to the last
// tail lines; a non-empty pattern limits it to matching lines, numbered.
func catFile(path string, tail int, pattern string) {
	f, ok := openOrReport(path)
	if !ok {
		return
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	start := 0
	if tail > 0 && len(lines) > tail {
		start = len(lines) - tail
	}
	for i := start; i < len(lines); i++ {
		if pattern != "" {
			if strings.Contains(lines[i], pattern) {
				fmt.Printf("%d: %s\n", i+1, lines[i])
			}
			continue
		}
		fmt.Println(lines[i])
	}
}

func openOrReport(path string) (*os.File, bool) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open log %s: %v\n", path, err)
		return nil, false
	}
	return f, true
}

// GetLogSummary returns per-outcome counts parsed from the summary logs,
// ignoring headers and blank lines.
func GetLogSummary(cfg *config.Config) map[string]int {
	summary := make(map[string]int)
	for key, name := range map[string]string{
		"success": "01_success_list.log",
		"failed":  "02_failure_list.log",
		"skipped": "03_skipped_list.log",
	} {
		if n, err := countLines(filepath.Join(cfg.Paths.Logs, name)); err == nil {
			summary[key] = n
		}
	}
	return summary
}

// countLines counts non-empty, non-comment lines in a file.
func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			count++
		}
	}
	return count, scanner.Err()
}
