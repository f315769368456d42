package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/zephyr/internal/core"
	"firestige.xyz/zephyr/internal/daemon"
)

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Receive notices and print the ones matching the filter",
	Long: `Run the listener in foreground.

The listener will:
  1. Load configuration and initialize logging and metrics
  2. Bind the notice port (and join the multicast group, if configured)
  3. Reassemble, authenticate and print matching notices in arrival order
  4. Drop incomplete notices after queue.incomplete_timeout
  5. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListen(cmd)
	},
}

var (
	listenFilter filterFlags
	pidFile      string
)

func init() {
	listenFilter.register(listenCmd)
	listenCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "", "PID file path")
}

func runListen(cmd *cobra.Command) error {
	d, err := daemon.New(configFile, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	out := cmd.OutOrStdout()
	return d.Run(listenFilter.predicate(), func(n *core.Notice) error {
		printNotice(out, n)
		return nil
	})
}
