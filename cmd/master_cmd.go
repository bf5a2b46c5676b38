package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"wheelforge/log"
	"wheelforge/master"
)

func newMasterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "master",
		Short: "Run the wheelforge master daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaster(cmd.Context())
		},
	}
}

// runMaster mirrors cmd/build.go's signal-handler-calls-cleanup shell,
// generalized from one build run to the daemon's whole lifetime: Boot
// constructs every actor, Serve blocks accepting traffic until a signal
// (or the context) tells Stop to wind things down.
func runMaster(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return wrapConfigErr(err)
	}

	logger, err := log.NewLogger(cfg)
	if err != nil {
		return wrapConfigErr(fmt.Errorf("opening logs: %w", err))
	}
	defer logger.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m, err := master.Boot(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("booting master: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("master: received %v, shutting down", sig)
			if err := m.Stop(); err != nil {
				logger.Error("master: stop: %v", err)
			}
		case <-ctx.Done():
		}
	}()

	if err := m.Serve(ctx); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}
