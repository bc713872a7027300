// Package main is the entry point for customlambda.
//
// Usage:
//
//	customlambda serve                       HTTP API server
//	customlambda list                        list visible functions
//	customlambda add <source-file>           store a function
//	customlambda invoke <file> <name> [args] run a function
//	customlambda status | stop | version
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/customlambda/customlambda/internal/app"
	"github.com/customlambda/customlambda/internal/config"
)

const appName = "customlambda"

// version is set via -ldflags.
var version = "dev"

// exitError carries a process exit code without a message.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	author     string
	secret     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           appName,
		Short:         "Multi-tenant function store with sandboxed invocation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: <data>/config.toml)")
	root.PersistentFlags().StringVar(&opts.author, "author", "", "author identity")
	root.PersistentFlags().StringVar(&opts.secret, "secret", "", "author secret (prompted when --author is set and this is empty)")

	root.AddCommand(
		newServeCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newAddCmd(opts),
		newModifyCmd(opts),
		newDeleteCmd(opts),
		newInvokeCmd(opts),
		newVerifyCmd(opts),
		newAuditCmd(opts),
		newStatusCmd(opts),
		newStopCmd(opts),
		newServiceCmd(opts),
		newHashSecretCmd(opts),
		newVersionCmd(),
		newUnitCmd(),
	)
	return root
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	return config.Load(o.configPath)
}

// openService loads config and bootstraps the service for one command.
func (o *rootOptions) openService() (*app.Service, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, app.Options{})
}

func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
