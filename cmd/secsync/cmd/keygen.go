package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/secsync/crypto"
)

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 signing key pair for a client",
	Long: `Generates a signing key pair. The public key is what other clients
allow in their IsValidClient check and what static access rules list under
public_keys. The private key is written to --out (mode 0600) or printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runKeygen(cmd.OutOrStdout(), keygenOut)
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "", "Write the private key to this file instead of stdout")
}

func runKeygen(w io.Writer, outPath string) error {
	key, err := crypto.GenerateSigningKey()
	if err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}
	defer key.Destroy()

	private, err := key.Export()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "public key:  %s\n", key.PublicKeyString())
	if outPath == "" {
		fmt.Fprintf(w, "private key: %s\n", private)
		return nil
	}
	if err := os.WriteFile(outPath, []byte(private+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	fmt.Fprintf(w, "private key written to %s\n", outPath)
	return nil
}
