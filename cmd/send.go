package cmd

import (
	"fmt"
	"net"
	"os/user"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/zephyr/internal/core"
	"firestige.xyz/zephyr/internal/daemon"
	"firestige.xyz/zephyr/internal/transport"
)

var sendCmd = &cobra.Command{
	Use:   "send [flags] message...",
	Short: "Send a notice",
	Long: `Send one notice. Each argument becomes one NUL-separated message field.

Examples:
  zephyr send --to 239.1.2.3:2103 --class MESSAGE --instance personal "lunch?"
  zephyr send --to host:2103 --seal --class FILSRV --instance reboot "now" "back soon"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSend(cmd, args)
	},
}

var sendOpts struct {
	to        string
	class     string
	instance  string
	opcode    string
	sender    string
	recipient string
	kind      string
	seal      bool
	mtu       int
	ttl       int
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendOpts.to, "to", "", "destination host:port (default: listen.multicast_group or 127.0.0.1, on the listen port)")
	f.StringVar(&sendOpts.class, "class", "MESSAGE", "notice class")
	f.StringVar(&sendOpts.instance, "instance", "personal", "notice instance")
	f.StringVar(&sendOpts.opcode, "opcode", "", "notice opcode")
	f.StringVar(&sendOpts.sender, "sender", "", "sender name (default: $USER)")
	f.StringVar(&sendOpts.recipient, "recipient", "", "recipient, empty for a broadcast notice")
	f.StringVar(&sendOpts.kind, "kind", "UNACKED", "notice kind")
	f.BoolVar(&sendOpts.seal, "seal", false, "seal the notice with the configured session key")
	f.IntVar(&sendOpts.mtu, "mtu", transport.DefaultMTU, "largest datagram to send")
	f.IntVar(&sendOpts.ttl, "ttl", 1, "multicast TTL")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	kind, err := core.ParseKind(sendOpts.kind)
	if err != nil {
		return err
	}
	c, err := daemon.NewCodec(cfg.Auth)
	if err != nil {
		return err
	}

	sender := sendOpts.sender
	if sender == "" {
		sender = currentUser()
	}
	n := &core.Notice{
		Kind:      kind,
		Class:     sendOpts.class,
		Instance:  sendOpts.instance,
		Opcode:    sendOpts.opcode,
		Sender:    sender,
		Recipient: sendOpts.recipient,
		Time:      time.Now().UTC(),
	}
	n.SetFields(args...)

	b, err := c.Marshal(n, sendOpts.seal)
	if err != nil {
		return err
	}

	to := sendOpts.to
	if to == "" {
		to, err = defaultDestination(cfg.Listen.Address, cfg.Listen.MulticastGroup)
		if err != nil {
			return err
		}
	}
	s, err := transport.Dial(to, transport.SenderConfig{
		MTU:          sendOpts.mtu,
		MulticastTTL: sendOpts.ttl,
		Interface:    cfg.Listen.Interface,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.Send(b)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent packet %s to %s (%d bytes)\n", id, to, len(b))
	return nil
}

func defaultDestination(listen, group string) (string, error) {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("listen.address %q: %w", listen, err)
	}
	if port == "0" || port == "" {
		port = strconv.Itoa(transport.DefaultPort)
	}
	host := "127.0.0.1"
	if group != "" {
		host = group
	}
	return net.JoinHostPort(host, port), nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}
