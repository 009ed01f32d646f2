package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmcleod/secsync/access"
)

var tokenFlags struct {
	document string
	actions  []string
	ttl      time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session key for token access mode",
	Long: `Mints a signed session key granting actions on one document (or "*").
The secret is read from access.token_secret in --config, from the
SECSYNC_TOKEN_SECRET environment variable, or prompted for on a terminal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := tokenSecret()
		if err != nil {
			return err
		}
		return runToken(cmd.OutOrStdout(), secret, tokenFlags.document, tokenFlags.actions, tokenFlags.ttl)
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	f := tokenCmd.Flags()
	f.StringVarP(&tokenFlags.document, "document", "d", "", "Document id, or * for every document")
	f.StringSliceVarP(&tokenFlags.actions, "actions", "a", []string{string(access.ActionRead)},
		"Granted actions (read, write-snapshot, write-update, send-ephemeral-message)")
	f.DurationVar(&tokenFlags.ttl, "ttl", 24*time.Hour, "Token lifetime, 0 for no expiry")
	tokenCmd.MarkFlagRequired("document")
}

func tokenSecret() ([]byte, error) {
	if configPath != "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if cfg.Access.TokenSecret != "" {
			return []byte(cfg.Access.TokenSecret), nil
		}
	}
	if s := os.Getenv("SECSYNC_TOKEN_SECRET"); s != "" {
		return []byte(s), nil
	}
	if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Fprint(os.Stderr, "Token secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading token secret: %w", err)
		}
		if len(secret) > 0 {
			return secret, nil
		}
	}
	return nil, errors.New("no token secret: set access.token_secret or SECSYNC_TOKEN_SECRET")
}

func runToken(w io.Writer, secret []byte, documentID string, names []string, ttl time.Duration) error {
	actions := make([]access.Action, 0, len(names))
	for _, name := range names {
		a, err := access.ParseAction(strings.TrimSpace(name))
		if err != nil {
			return err
		}
		actions = append(actions, a)
	}
	token, err := access.IssueToken(secret, documentID, actions, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, token)
	return nil
}
