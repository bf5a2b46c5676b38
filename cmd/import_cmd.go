package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"wheelforge/actor"
	"wheelforge/db"
	"wheelforge/importhandler"
	"wheelforge/indexer"
	"wheelforge/log"
	"wheelforge/scribe"
	"wheelforge/secretary"
)

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <wheel...>",
		Short: "Install externally built wheels and regenerate the index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), args)
		},
	}
}

// runImport wires the same Secretary/Indexer/Scribe chain master.Boot does,
// minus every network-facing actor this one-shot CLI has no use for, then
// drives ImportHandler directly and flushes Scribe once before returning so
// the rewritten index pages are on disk before the process exits.
func runImport(ctx context.Context, paths []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return wrapConfigErr(err)
	}

	logger := log.StdoutLogger{}

	shutdown := actor.NewShutdown()
	broker, err := db.NewBroker(ctx, cfg, shutdown, logger)
	if err != nil {
		return fmt.Errorf("opening db broker: %w", err)
	}

	scr := scribe.New(cfg, broker, logger)
	idx := indexer.New(scr)
	sec := secretary.New(cfg, broker, idx, logger, shutdown)
	ih := importhandler.New(cfg, sec, logger)

	results := ih.ImportFiles(ctx, paths)
	scr.Flush()
	shutdown.Signal()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Printf("FAILED  %s: %v\n", r.Filename, r.Err)
			continue
		}
		fmt.Printf("OK      %s (build %d)\n", r.Filename, r.BuildID)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed to import", failed, len(results))
	}
	return nil
}
