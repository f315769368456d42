package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/zephyr/internal/core"
	"firestige.xyz/zephyr/internal/daemon"
	"firestige.xyz/zephyr/internal/delivery"
	"firestige.xyz/zephyr/internal/log"
	"firestige.xyz/zephyr/internal/transport"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Print the notices contained in a pcap capture",
	Long: `Feed the UDP datagrams of a pcap capture through reassembly,
authentication and filtering, as if they had arrived on the wire, and print
the matching notices.

Examples:
  zephyr replay -f capture.pcap
  zephyr replay -f capture.pcap --port 2104 --class MESSAGE`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(cmd)
	},
}

var (
	replayFile   string
	replayPort   uint16
	replayFilter filterFlags
)

func init() {
	replayCmd.Flags().StringVarP(&replayFile, "file", "f", "", "pcap file to replay (required)")
	replayCmd.Flags().Uint16Var(&replayPort, "port", transport.DefaultPort, "UDP port notices were sent to")
	replayFilter.register(replayCmd)
	replayCmd.MarkFlagRequired("file")
}

func runReplay(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Log); err != nil {
		return err
	}
	c, err := daemon.NewCodec(cfg.Auth)
	if err != nil {
		return err
	}

	f, err := os.Open(replayFile)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", replayFile, err)
	}
	defer f.Close()

	q := daemon.NewQueue(cfg.Queue, cfg.Retrieval.MaxNoticeSize)
	stats, err := transport.Replay(f, replayPort, q)
	if err != nil {
		return err
	}

	r := delivery.New(q, c.Parse, delivery.WithAllocator(delivery.LimitAllocator(cfg.Retrieval.MaxNoticeSize)))
	out := cmd.OutOrStdout()
	pred := replayFilter.predicate()
	delivered, failed := 0, 0
	for {
		n, from, err := r.CheckIfNotice(pred)
		if errors.Is(err, core.ErrNoNotice) {
			break
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "notice from %s: %v\n\n", from, err)
			if errors.Is(err, core.ErrOutOfMemory) {
				break
			}
			continue
		}
		delivered++
		printNotice(out, n)
	}

	fmt.Fprintf(out, "%d packets, %d fragments (%d malformed), %d notices printed, %d failed, %d unmatched\n",
		stats.Packets, stats.Fragments, stats.Malformed, delivered, failed, r.Pending())
	return nil
}
