package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kuuji/gatewayd/internal/config"
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new WireGuard private key",
	Long: `Generate a new Curve25519 private key suitable for this gateway's
device.private_key. The private key is printed to stdout as base64. The
corresponding public key is printed to stderr.

Example:
  gatewayd genkey                    # print private key
  gatewayd genkey 2>/dev/null        # private key only (pipe-friendly)`,
	RunE: runGenkey,
}

func runGenkey(cmd *cobra.Command, args []string) error {
	privKey, err := config.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	pubKey := config.PublicKey(privKey)

	fmt.Fprintln(cmd.OutOrStdout(), privKey.String())
	fmt.Fprintf(cmd.ErrOrStderr(), "public key: %s\n", pubKey.String())

	return nil
}
