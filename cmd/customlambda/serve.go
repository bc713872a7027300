package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/customlambda/customlambda/internal/api"
	"github.com/customlambda/customlambda/internal/app"
	"github.com/customlambda/customlambda/internal/deploy"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.APIAddr = addr
			}

			pid := deploy.NewPIDFile(cfg.DataDir)
			if err := pid.Acquire(); err != nil {
				return err
			}
			defer pid.Release()

			svc, err := app.New(cfg, app.Options{})
			if err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Printf("[serve] %s %s started (pid file %s)", appName, version, pid.Path())
			srv := api.NewServer(cfg.APIAddr, svc)
			if err := srv.Start(ctx); err != nil {
				return err
			}
			log.Printf("[serve] shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides api_addr)")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether the server is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if pid, ok := deploy.NewPIDFile(cfg.DataDir).Running(); ok {
				fmt.Fprintf(out, "pid:     %d\n", pid)
			}

			client := &http.Client{Timeout: 3 * time.Second}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, "http://"+cfg.APIAddr+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				fmt.Fprintf(out, "server is NOT running at %s: %v\n", cfg.APIAddr, err)
				return &exitError{code: 1}
			}
			defer resp.Body.Close()

			var health struct {
				Status string `json:"status"`
				Uptime string `json:"uptime"`
			}
			if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&health) != nil {
				fmt.Fprintf(out, "server returned status %d\n", resp.StatusCode)
				return &exitError{code: 1}
			}
			fmt.Fprintf(out, "server is running at %s (uptime %s)\n", cfg.APIAddr, health.Uptime)
			return nil
		},
	}
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			pid, err := deploy.Stop(ctx, cfg.DataDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped server (pid %d)\n", pid)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the server to exit")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
		},
	}
}

func newServiceCmd(opts *rootOptions) *cobra.Command {
	var platform string
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install or remove the OS service running `serve`",
	}
	cmd.PersistentFlags().StringVar(&platform, "platform", "", "launchd or systemd (default: by OS)")

	serviceConfig := func() (deploy.ServiceConfig, error) {
		cfg, err := opts.loadConfig()
		if err != nil {
			return deploy.ServiceConfig{}, err
		}
		bin, err := executable()
		if err != nil {
			return deploy.ServiceConfig{}, err
		}
		return deploy.ServiceConfig{
			BinaryPath: bin,
			DataDir:    cfg.DataDir,
			APIAddr:    cfg.APIAddr,
			Backend:    cfg.Backend,
			Platform:   platform,
		}, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Write the service file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc, err := serviceConfig()
			if err != nil {
				return err
			}
			res, err := deploy.Install(sc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s service: %s\n\n%s\n", res.Platform, res.ServiceFile, res.Instructions)
			return nil
		},
	}, &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc, err := serviceConfig()
			if err != nil {
				return err
			}
			res, err := deploy.Uninstall(sc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n\n%s\n", res.ServiceFile, res.Instructions)
			return nil
		},
	})
	return cmd
}
