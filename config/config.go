// Package config loads wheelforge's immutable configuration record. One
// Config is constructed at process start and passed by pointer into every
// actor; there is no package-level singleton an actor reads from, so actors
// stay testable with an ad hoc Config built in-process.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds all wheelforge master configuration.
type Config struct {
	ConfigPath string

	Paths   Paths
	DB      Database
	Dispatch Dispatch
	CloudGazer CloudGazer
	Scribe  Scribe
	Listen  Listen
	ABIs    []string

	Debug bool
}

// Listen configures the TCP/Unix sockets the master's network-facing
// actors accept connections on: SlaveDriver's build-dispatch
// protocol, FileJuggler's upload protocol, Lumberjack's download-log
// ingest, and Control's administrative RPC socket.
type Listen struct {
	SlaveDriverAddr string
	FileJugglerAddr string
	LumberjackAddr  string
	ControlAddr     string
}

// Paths describes the master's filesystem layout.
type Paths struct {
	Root     string // base directory containing simple/, project/, logs/
	Simple   string // simple/<package>/<filename>
	Project  string // project/<package>/index.html
	Logs     string
	TempArea string // FileJuggler's scratch area for in-flight uploads
	Registry string // bbolt file backing SlaveDriver's in-flight assignment registry
}

// Database configures the DBBroker/DBWorker pool.
type Database struct {
	DSN        string
	NumWorkers int
}

// Dispatch configures SlaveDriver timing and FileJuggler retries.
type Dispatch struct {
	BusyTimeout      time.Duration
	IdleTimeout      time.Duration
	SleepBase        time.Duration
	SleepCap         time.Duration
	TransferRetryCap int
}

// CloudGazer configures the upstream index poller.
type CloudGazer struct {
	IndexURL     string
	PollInterval time.Duration
}

// Scribe configures the index-writer's coalescing cycle.
type Scribe struct {
	PollInterval time.Duration
}

// Default returns a Config with the farm's conventional defaults, used when
// no INI file is present and as the base Load merges onto.
func Default() *Config {
	return &Config{
		ConfigPath: "/etc/wheelforge/wheelforge.ini",
		Paths: Paths{
			Root:     "/srv/wheelforge",
			Simple:   "/srv/wheelforge/simple",
			Project:  "/srv/wheelforge/project",
			Logs:     "/srv/wheelforge/logs",
			TempArea: "/srv/wheelforge/incoming",
			Registry: "/srv/wheelforge/registry.db",
		},
		DB: Database{
			DSN:        "postgres://wheelforge@localhost:5432/wheelforge?sslmode=disable",
			NumWorkers: 3,
		},
		Dispatch: Dispatch{
			BusyTimeout:      10 * time.Minute,
			IdleTimeout:      5 * time.Minute,
			SleepBase:        10 * time.Second,
			SleepCap:         5 * time.Minute,
			TransferRetryCap: 3,
		},
		CloudGazer: CloudGazer{
			IndexURL:     "https://pypi.org/simple/",
			PollInterval: 5 * time.Minute,
		},
		Scribe: Scribe{
			PollInterval: 2 * time.Second,
		},
		Listen: Listen{
			SlaveDriverAddr: ":9001",
			FileJugglerAddr: ":9002",
			LumberjackAddr:  ":9004",
			ControlAddr:     ":9003",
		},
		ABIs: []string{"cp39m", "cp311"},
	}
}

// Load reads an INI file at path (via gopkg.in/ini.v1) and overlays it onto
// Default(). A missing file is not an error — the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		cfg.ConfigPath = path
	}

	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("stat config %s: %w", cfg.ConfigPath, err)
	}

	f, err := ini.Load(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}

	if s, err := f.GetSection("paths"); err == nil {
		cfg.Paths.Root = s.Key("root").MustString(cfg.Paths.Root)
		cfg.Paths.Simple = s.Key("simple").MustString(cfg.Paths.Simple)
		cfg.Paths.Project = s.Key("project").MustString(cfg.Paths.Project)
		cfg.Paths.Logs = s.Key("logs").MustString(cfg.Paths.Logs)
		cfg.Paths.TempArea = s.Key("temp_area").MustString(cfg.Paths.TempArea)
		cfg.Paths.Registry = s.Key("registry").MustString(cfg.Paths.Registry)
	}

	if s, err := f.GetSection("database"); err == nil {
		cfg.DB.DSN = s.Key("dsn").MustString(cfg.DB.DSN)
		cfg.DB.NumWorkers = s.Key("num_workers").MustInt(cfg.DB.NumWorkers)
	}

	if s, err := f.GetSection("dispatch"); err == nil {
		cfg.Dispatch.BusyTimeout = s.Key("busy_timeout").MustDuration(cfg.Dispatch.BusyTimeout)
		cfg.Dispatch.IdleTimeout = s.Key("idle_timeout").MustDuration(cfg.Dispatch.IdleTimeout)
		cfg.Dispatch.SleepBase = s.Key("sleep_base").MustDuration(cfg.Dispatch.SleepBase)
		cfg.Dispatch.SleepCap = s.Key("sleep_cap").MustDuration(cfg.Dispatch.SleepCap)
		cfg.Dispatch.TransferRetryCap = s.Key("transfer_retry_cap").MustInt(cfg.Dispatch.TransferRetryCap)
	}

	if s, err := f.GetSection("cloudgazer"); err == nil {
		cfg.CloudGazer.IndexURL = s.Key("index_url").MustString(cfg.CloudGazer.IndexURL)
		cfg.CloudGazer.PollInterval = s.Key("poll_interval").MustDuration(cfg.CloudGazer.PollInterval)
	}

	if s, err := f.GetSection("scribe"); err == nil {
		cfg.Scribe.PollInterval = s.Key("poll_interval").MustDuration(cfg.Scribe.PollInterval)
	}

	if s, err := f.GetSection("listen"); err == nil {
		cfg.Listen.SlaveDriverAddr = s.Key("slavedriver_addr").MustString(cfg.Listen.SlaveDriverAddr)
		cfg.Listen.FileJugglerAddr = s.Key("filejuggler_addr").MustString(cfg.Listen.FileJugglerAddr)
		cfg.Listen.LumberjackAddr = s.Key("lumberjack_addr").MustString(cfg.Listen.LumberjackAddr)
		cfg.Listen.ControlAddr = s.Key("control_addr").MustString(cfg.Listen.ControlAddr)
	}

	if s, err := f.GetSection("abi"); err == nil {
		if tags := s.Key("tags").Strings(","); len(tags) > 0 {
			cfg.ABIs = tags
		}
	}

	cfg.Debug = f.Section("").Key("debug").MustBool(false)

	return cfg, nil
}

// Validate checks that required directories exist or can be created.
func (cfg *Config) Validate() error {
	dirs := map[string]string{
		"Paths.Root":     cfg.Paths.Root,
		"Paths.Simple":   cfg.Paths.Simple,
		"Paths.Project":  cfg.Paths.Project,
		"Paths.Logs":     cfg.Paths.Logs,
		"Paths.TempArea": cfg.Paths.TempArea,
	}
	for name, path := range dirs {
		if path == "" {
			return fmt.Errorf("%s is not configured", name)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("%s (%s): %w", name, path, err)
		}
	}
	if cfg.DB.NumWorkers < 1 {
		return fmt.Errorf("database.num_workers must be at least 1")
	}
	if cfg.DB.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if len(cfg.ABIs) == 0 {
		return fmt.Errorf("at least one abi tag must be configured")
	}
	return nil
}

// NumCPU is exposed for callers sizing local worker fan-out (e.g. refslave).
func NumCPU() int { return runtime.NumCPU() }
