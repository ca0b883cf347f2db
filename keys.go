package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gluk-w/claworc/termrt/internal/config"
	"github.com/gluk-w/claworc/termrt/internal/crypto"
	"github.com/gluk-w/claworc/termrt/internal/database"
	"github.com/gluk-w/claworc/termrt/internal/sshconn"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and manage SSH keys",
	}
	cmd.AddCommand(newKeysProbeCmd(), newKeysGenerateCmd(), newKeysPassphraseCmd())
	return cmd
}

func newKeysProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe [path]",
		Short: "Print which private key the dialer would use",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			explicit := ""
			if len(args) == 1 {
				explicit = args[0]
			} else {
				for _, p := range sshconn.DefaultKeyPaths() {
					_, err := os.Stat(p)
					fmt.Fprintf(out, "candidate=%s exists=%t\n", p, err == nil)
				}
			}
			path, err := sshconn.ResolveKeyPath(explicit)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "selected=%s\n", path)
			return nil
		},
	}
}

func newKeysGenerateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "generate <path>",
		Short: "Write a new ED25519 key pair to path and path.pub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			pub, priv, err := sshconn.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := sshconn.SaveKeyPair(path, pub, priv); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s", pub)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")
	return cmd
}

func newKeysPassphraseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passphrase <path>",
		Short: "Store the passphrase of an encrypted key, read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase, err := readLine(cmd.InOrStdin())
			if err != nil {
				return err
			}

			if err := config.Load(); err != nil {
				return err
			}
			store, err := database.Open(config.Cfg.DBPath())
			if err != nil {
				return fmt.Errorf("database init: %w", err)
			}
			defer store.Close()

			secrets := crypto.NewSecretStore(store)
			if err := secrets.SetPassphrase(cmd.Context(), args[0], passphrase); err != nil {
				return err
			}
			if _, err := sshconn.LoadSigner(args[0], secrets.Passphrases()); err != nil {
				return fmt.Errorf("passphrase stored but key does not open: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "passphrase stored for %s\n", args[0])
			return nil
		},
	}
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
