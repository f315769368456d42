package cmd

import (
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/zephyr/internal/core/auth"
	"firestige.xyz/zephyr/internal/core/des"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a session key",
	Long: `Print a DES session key as 16 hex digits, suitable for auth.key.

Without --passphrase a random key is generated. With --passphrase the key
is derived from the passphrase and --salt, so every host configured with
the same passphrase and salt derives the same key.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := generateKey(keygenPassphrase, keygenSalt)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var (
	keygenPassphrase string
	keygenSalt       string
)

func init() {
	keygenCmd.Flags().StringVar(&keygenPassphrase, "passphrase", "", "derive the key from this passphrase")
	keygenCmd.Flags().StringVar(&keygenSalt, "salt", "zephyr", "salt for passphrase derivation")
}

func generateKey(passphrase, salt string) (des.Key, error) {
	if passphrase != "" {
		return auth.DeriveKey(passphrase, salt), nil
	}
	for {
		var k des.Key
		if _, err := rand.Read(k[:]); err != nil {
			return k, err
		}
		k = k.FixParity()
		if !k.IsWeak() {
			return k, nil
		}
	}
}
