package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"wheelforge/log"
)

// newLogsCmd views the master's on-disk log streams without going through
// Control: the summary streams by name or number, or a single build's
// captured output by build_id. Runs on the master host, reading
// Paths.Logs directly.
func newLogsCmd() *cobra.Command {
	var (
		tail int
		grep string
	)

	logs := &cobra.Command{
		Use:   "logs [stream|build_id]",
		Short: "List or view the master's log streams",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return wrapConfigErr(err)
			}
			if len(args) == 0 {
				log.ListLogs(cfg)
				summary := log.GetLogSummary(cfg)
				fmt.Printf("\nTotals: %d succeeded, %d failed, %d skipped\n",
					summary["success"], summary["failed"], summary["skipped"])
				return nil
			}
			name, isBuild := log.ResolveStream(args[0])
			switch {
			case isBuild:
				log.ViewBuildLog(cfg, args[0])
			case grep != "":
				log.GrepLog(cfg, name, grep)
			case tail > 0:
				log.TailLog(cfg, name, tail)
			default:
				log.ViewLog(cfg, name)
			}
			return nil
		},
	}
	logs.Flags().IntVar(&tail, "tail", 0, "show only the last N lines")
	logs.Flags().StringVar(&grep, "grep", "", "show only lines containing this substring")
	return logs
}
