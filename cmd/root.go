// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/zephyr/internal/config"
	"firestige.xyz/zephyr/internal/core"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "zephyr",
	Short: "Zephyr - authenticated notice delivery over UDP",
	Long: `Zephyr delivers short notices between hosts over UDP.

Notices are fragmented to fit the path MTU, optionally sealed with a shared
DES session key, reassembled and de-duplicated on receipt, and handed to
the reader in arrival order, filtered by class and instance.

Configuration is read from the file given with --config and can be
overridden with ZEPHYR_* environment variables (e.g. ZEPHYR_LOG_LEVEL).`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and environment only when empty)")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(validateCmd)
}

// filterFlags select which notices a reading command prints.
type filterFlags struct {
	class     string
	instance  string
	recipient string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.class, "class", "", "only notices of this class (case-insensitive)")
	cmd.Flags().StringVar(&f.instance, "instance", "*", "only notices of this instance, * for any")
	cmd.Flags().StringVar(&f.recipient, "recipient", "", "only notices for this recipient")
}

func (f *filterFlags) predicate() core.Predicate {
	preds := []core.Predicate{}
	if f.class != "" {
		preds = append(preds, core.MatchClass(f.class, f.instance))
	}
	if f.recipient != "" {
		preds = append(preds, core.MatchRecipient(f.recipient))
	}
	if len(preds) == 0 {
		return core.Any
	}
	return core.And(preds...)
}

func loadConfig() (*config.GlobalConfig, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// printNotice writes one notice in a zwgc-like layout.
func printNotice(w io.Writer, n *core.Notice) {
	auth := "unauthenticated"
	if n.Authentic {
		auth = "authentic"
	}
	fmt.Fprintf(w, "Class %s, Instance %s, Opcode %q (%s)\n", n.Class, n.Instance, n.Opcode, auth)
	fmt.Fprintf(w, "From: %s <%s> at %s\n", n.Sender, n.From, n.Time.Format("2006-01-02 15:04:05"))
	if n.Recipient != "" {
		fmt.Fprintf(w, "To: %s\n", n.Recipient)
	}
	fmt.Fprintf(w, "%s\n\n", strings.Join(n.Fields(), "\n"))
}
