package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/customlambda/customlambda/internal/security"
	"github.com/customlambda/customlambda/internal/signature"
	"github.com/customlambda/customlambda/internal/unit"
)

// readSecret prompts without echo on a terminal and falls back to reading a
// line from the command's stdin.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(string(secret)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func newHashSecretCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret",
		Short: "Print a bcrypt hash for admin_secret_hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			secret, err := readSecret(cmd, "Secret: ")
			if err != nil {
				return err
			}
			if secret == "" {
				return fmt.Errorf("secret is empty")
			}
			codec, err := signature.New(cfg.Delimiter)
			if err != nil {
				return err
			}
			hash, err := security.NewGuard(codec, security.GuardConfig{Cost: cfg.BcryptCost}).Hash(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// newUnitCmd is the interpreter the invocation engine spawns for each run.
// Its stdout is the unit's stdout, so it must print nothing of its own.
func newUnitCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "unit <unit-file> <encoded-args>",
		Hidden: true,
		Args:   cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := unit.Run(args[0], args[1], cmd.OutOrStdout(), cmd.ErrOrStderr()); code != unit.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
}

func executable() (string, error) {
	bin, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate binary: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(bin); err == nil {
		bin = resolved
	}
	return bin, nil
}
