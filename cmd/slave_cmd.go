package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wheelforge/actor"
	"wheelforge/log"
	"wheelforge/refslave"
)

func newSlaveCmd() *cobra.Command {
	var (
		driverAddr  string
		jugglerAddr string
		label       string
		abiTag      string
		platformTag string
		pyTag       string
		osName      string
		osVersion   string
		backend     string
		buildRoot   string
	)

	c := &cobra.Command{
		Use:   "slave",
		Short: "Run a build slave obeying the master's wire protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSlave(cmd.Context(), refslave.Config{
				DriverAddr:       driverAddr,
				JugglerAddr:      jugglerAddr,
				Label:            label,
				ABITag:           abiTag,
				PlatformTag:      platformTag,
				PyTag:            pyTag,
				OSName:           osName,
				OSVersion:        osVersion,
				Backend:          backend,
				BuildRoot:        buildRoot,
				ReconnectBackoff: 5 * time.Second,
			})
		},
	}

	flags := c.Flags()
	flags.StringVar(&driverAddr, "driver-addr", "localhost:9001", "SlaveDriver address to dial")
	flags.StringVar(&jugglerAddr, "juggler-addr", "localhost:9002", "FileJuggler address to dial")
	flags.StringVar(&label, "label", "", "human-readable slave identifier reported in HELLO")
	flags.StringVar(&abiTag, "abi-tag", "cp311", "Python ABI tag this slave builds for")
	flags.StringVar(&platformTag, "platform-tag", "linux_armv7l", "platform tag this slave builds for")
	flags.StringVar(&pyTag, "py-tag", "cp311", "Python tag this slave builds for")
	flags.StringVar(&osName, "os-name", "", "operating system name reported in HELLO")
	flags.StringVar(&osVersion, "os-version", "", "operating system version reported in HELLO")
	flags.StringVar(&backend, "backend", "local", `build execution backend ("local" or "mock")`)
	flags.StringVar(&buildRoot, "build-root", "/var/tmp/wheelforge-slave", "scratch directory for build workdirs")

	return c
}

func runSlave(ctx context.Context, cfg refslave.Config) error {
	logger := log.StdoutLogger{}

	slave := refslave.New(cfg, logger)
	shutdown := actor.NewShutdown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			shutdown.Signal()
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := slave.Run(ctx, shutdown); err != nil {
		return fmt.Errorf("slave: %w", err)
	}
	return nil
}
