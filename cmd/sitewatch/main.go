package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sitewatch/internal/app"
	"sitewatch/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "sitewatch",
		Short:         "Chat bot that watches web pages and notifies on change",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to config (json or yaml)")

	root.AddCommand(runCmd(&configPath), checkCmd(&configPath), versionCmd())
	return root
}

func runCmd(configPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(*configPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			select {
			case <-ctx.Done():
			case <-a.Done():
			}
			reason := app.StopSignal
			if ctx.Err() == nil {
				reason = app.StopFatalError
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func checkCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(*configPath).Parse()
			if err != nil {
				return err
			}
			rt, err := app.Resolve(cfg)
			if err != nil {
				return err
			}
			storage := rt.Storage.Driver
			if storage == "" {
				storage = "none"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s\n", *configPath)
			fmt.Fprintf(out, "  transport:   %s\n", rt.Transport)
			fmt.Fprintf(out, "  storage:     %s\n", storage)
			fmt.Fprintf(out, "  delay (min): %v\n", rt.DefaultDelay)
			fmt.Fprintf(out, "  fetch mode:  %s\n", rt.Fetch.Mode)
			fmt.Fprintf(out, "  debug:       %v\n", rt.Debug.Enabled)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "sitewatch", version)
		},
	}
}
