package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"wheelforge/control"
)

// newAdminCmd groups the one-shot administrative commands that talk to a
// running master's Control socket: pause/resume dispatch, kill a connected
// slave, reload configuration, skip a package or version, and force a
// rebuild. Each dials --control-addr, sends one Command, and prints the
// Response.
func newAdminCmd() *cobra.Command {
	var controlAddr string

	admin := &cobra.Command{
		Use:   "admin",
		Short: "Send an administrative command to a running master",
	}
	admin.PersistentFlags().StringVar(&controlAddr, "control-addr", "localhost:9003", "master's Control socket address")

	send := func(cmd control.Command) error {
		resp, err := control.Send(controlAddr, cmd)
		if err != nil {
			return err
		}
		fmt.Println(resp.Message)
		if !resp.OK {
			return fmt.Errorf("command rejected")
		}
		return nil
	}

	admin.AddCommand(&cobra.Command{
		Use:   "pause",
		Short: "Pause build dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(control.Command{Kind: control.KindPauseDispatch})
		},
	})
	admin.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Resume build dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(control.Command{Kind: control.KindResumeDispatch})
		},
	})
	admin.AddCommand(&cobra.Command{
		Use:   "kill-slave <slave-id>",
		Short: "Disconnect a connected slave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(control.Command{Kind: control.KindKillSlave, SlaveID: args[0]})
		},
	})
	admin.AddCommand(&cobra.Command{
		Use:   "reload [config-path]",
		Short: "Reload the master's configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			return send(control.Command{Kind: control.KindReloadConfig, ConfigPath: path})
		},
	})

	var reason string
	skipPackage := &cobra.Command{
		Use:   "skip-package <name>",
		Short: "Skip (or, with --reason='', unskip) a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(control.Command{Kind: control.KindSkipPackage, Package: args[0], Reason: reason})
		},
	}
	skipPackage.Flags().StringVar(&reason, "reason", "", "skip reason; empty clears an existing skip")
	admin.AddCommand(skipPackage)

	var versionReason string
	skipVersion := &cobra.Command{
		Use:   "skip-version <name> <version>",
		Short: "Skip (or, with --reason='', unskip) one package version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(control.Command{Kind: control.KindSkipVersion, Package: args[0], Version: args[1], Reason: versionReason})
		},
	}
	skipVersion.Flags().StringVar(&versionReason, "reason", "", "skip reason; empty clears an existing skip")
	admin.AddCommand(skipVersion)

	admin.AddCommand(&cobra.Command{
		Use:   "rebuild <build-id>",
		Short: "Delete a build so it gets redispatched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid build id %q: %w", args[0], err)
			}
			return send(control.Command{Kind: control.KindRebuild, BuildID: id})
		},
	})

	return admin
}
