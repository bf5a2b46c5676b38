// Package cmd assembles the farm's four binaries (master, monitor, slave,
// import) plus an admin subcommand group for Control, as subcommands of
// one cobra root. Config is loaded once up front; cleanup is
// signal-driven.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"wheelforge/config"
)

// Exit codes: 0 clean shutdown, 2 configuration error, 1 runtime failure.
const (
	exitOK      = 0
	exitConfig  = 2
	exitRuntime = 1
)

var configPath string

// Root returns the wheelforge root command with every subcommand attached.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:           "wheelforge",
		Short:         "Distributed Python wheel build farm",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to wheelforge.ini (defaults baked in if absent)")

	root.AddCommand(newMasterCmd())
	root.AddCommand(newSlaveCmd())
	root.AddCommand(newImportCmd())
	root.AddCommand(newMonitorCmd())
	root.AddCommand(newAdminCmd())
	root.AddCommand(newLogsCmd())
	return root
}

// loadConfig loads and validates configuration, the shared first step of
// every long-running subcommand.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Execute runs the root command and returns the process exit code,
// printing any error to stderr itself since cobra's own error printing is
// silenced above (SilenceErrors) so configuration-vs-runtime failures can
// carry distinct exit codes.
func Execute() int {
	root := Root()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wheelforge:", err)
		var ce *configError
		if errors.As(err, &ce) {
			return exitConfig
		}
		return exitRuntime
	}
	return exitOK
}

// configError marks an error as a configuration failure (exit code 2)
// rather than a runtime one (exit code 1).
type configError struct{ err error }

func (c *configError) Error() string { return c.err.Error() }
func (c *configError) Unwrap() error { return c.err }

func wrapConfigErr(err error) error {
	if err == nil {
		return nil
	}
	return &configError{err: err}
}
