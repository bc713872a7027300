package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/customlambda/customlambda/internal/app"
	"github.com/customlambda/customlambda/internal/runner"
	"github.com/customlambda/customlambda/internal/security"
)

// credentials resolves --author/--secret, prompting for a missing secret.
func (o *rootOptions) credentials(cmd *cobra.Command) (security.Credentials, error) {
	creds := security.Credentials{Identity: strings.TrimSpace(o.author), Secret: o.secret}
	if creds.Identity != "" && creds.Secret == "" {
		secret, err := readSecret(cmd, "Secret for "+creds.Identity+": ")
		if err != nil {
			return creds, err
		}
		creds.Secret = secret
	}
	return creds, nil
}

// withService runs fn against a freshly bootstrapped service.
func (o *rootOptions) withService(fn func(svc *app.Service) error) error {
	svc, err := o.openService()
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readSource reads function source from a path, or stdin for "-".
func readSource(cmd *cobra.Command, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	return string(data), nil
}

func parseFileID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid file id %q", s)
	}
	return id, nil
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List functions visible to --author (unauthored ones when anonymous)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, err := opts.credentials(cmd)
			if err != nil {
				return err
			}
			return opts.withService(func(svc *app.Service) error {
				listing, err := svc.ListFunctions(cmd.Context(), creds)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"total": listing.Count(), "functions": listing})
			})
		},
	}
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <file> <name>",
		Short: "Print a function's source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileID, err := parseFileID(args[0])
			if err != nil {
				return err
			}
			creds, err := opts.credentials(cmd)
			if err != nil {
				return err
			}
			return opts.withService(func(svc *app.Service) error {
				_, src, err := svc.GetFunction(cmd.Context(), creds, args[1], fileID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(src, "\n"))
				return nil
			})
		},
	}
}

func newAddCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <source-file|->",
		Short: "Store a function; with --author it is protected by the author's secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readSource(cmd, args[0])
			if err != nil {
				return err
			}
			var author *security.Credentials
			if opts.author != "" {
				creds, err := opts.credentials(cmd)
				if err != nil {
					return err
				}
				author = &creds
			}
			return opts.withService(func(svc *app.Service) error {
				fn, err := svc.AddFunction(cmd.Context(), content, author)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s to file %d\n", fn.Name, fn.FileID)
				return nil
			})
		},
	}
}

func newModifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "modify <file> <name> <source-file|->",
		Short: "Replace a function's source",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileID, err := parseFileID(args[0])
			if err != nil {
				return err
			}
			content, err := readSource(cmd, args[2])
			if err != nil {
				return err
			}
			creds, err := opts.credentials(cmd)
			if err != nil {
				return err
			}
			return opts.withService(func(svc *app.Service) error {
				if err := svc.ModifyFunction(cmd.Context(), creds, args[1], content, fileID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "modified %s\n", args[1])
				return nil
			})
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <file> <name>",
		Short: "Remove a function",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileID, err := parseFileID(args[0])
			if err != nil {
				return err
			}
			creds, err := opts.credentials(cmd)
			if err != nil {
				return err
			}
			return opts.withService(func(svc *app.Service) error {
				if err := svc.DeleteFunction(cmd.Context(), creds, args[1], fileID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[1])
				return nil
			})
		},
	}
}

// parseArgs reads a JSON array of positional arguments.
func parseArgs(raw string) ([]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parsed := gjson.Parse(raw)
	if !gjson.Valid(raw) || !parsed.IsArray() {
		return nil, fmt.Errorf("arguments must be a JSON array, got %q", raw)
	}
	args, _ := parsed.Value().([]any)
	return args, nil
}

func newInvokeCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "invoke <file> <name> [json-args]",
		Short: `Run a function, e.g. invoke 0 add '[2, 3]'`,
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileID, err := parseFileID(args[0])
			if err != nil {
				return err
			}
			var callArgs []any
			if len(args) == 3 {
				if callArgs, err = parseArgs(args[2]); err != nil {
					return err
				}
			}
			var creds *security.Credentials
			if opts.author != "" {
				c, err := opts.credentials(cmd)
				if err != nil {
					return err
				}
				creds = &c
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if timeout > 0 {
				cfg.TimeLimit.Duration = timeout
			}
			svc, err := app.New(cfg, app.Options{})
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.InvokeFunction(cmd.Context(), creds, args[1], fileID, callArgs)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Status != runner.StatusOK {
				return &exitError{code: 2}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "time limit for this run (default: time_limit)")
	return cmd
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file> <name>",
		Short: "Check --author/--secret against a function's author",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileID, err := parseFileID(args[0])
			if err != nil {
				return err
			}
			creds, err := opts.credentials(cmd)
			if err != nil {
				return err
			}
			return opts.withService(func(svc *app.Service) error {
				outcome, err := svc.VerifyAuthor(cmd.Context(), creds, args[1], fileID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), outcome)
				if outcome != security.Authorized {
					return &exitError{code: 1}
				}
				return nil
			})
		},
	}
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var (
		eventType string
		actor     string
		since     time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := security.AuditFilter{
				Type:  security.AuditEventType(strings.ToUpper(eventType)),
				Actor: actor,
				Limit: limit,
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return opts.withService(func(svc *app.Service) error {
				events, err := svc.AuditEvents(filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), events)
			})
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "event type, e.g. FUNC_ADD or AUTH_ATTEMPT")
	cmd.Flags().StringVar(&actor, "actor", "", "identity")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events")
	return cmd
}
