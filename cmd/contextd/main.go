package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nous-labs/contextd/internal/daemon"
	"github.com/nous-labs/contextd/pkg/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "contextd",
		Short:        "Windows chat conversations into contexts and dispatches their tasks",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONTEXTD_CONFIG_PATH"), "path to config file")

	load := func() (*daemon.Config, error) {
		cfg, err := daemon.LoadConfig(configPath)
		if err != nil {
			slog.Error("failed to load config", "path", configPath, "error", err)
			return nil, err
		}
		slog.SetDefault(cfg.Logger())
		return cfg, nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the daemon",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return serve(cfg)
			},
		},
		&cobra.Command{
			Use:   "contexts",
			Short: "List live contexts",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return inspect(cmd.Context(), cfg, func(ctx context.Context, st *store.Store) (any, error) {
					return st.ListLive(ctx)
				})
			},
		},
		newDeadLettersCmd(load),
		&cobra.Command{
			Use:   "version",
			Short: "Show version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "contextd %s (%s)\n", version, commit)
			},
		},
	)
	return root
}

func newDeadLettersCmd(load func() (*daemon.Config, error)) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List dead-lettered jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return inspect(cmd.Context(), cfg, func(ctx context.Context, st *store.Store) (any, error) {
				return st.ListDeadLetters(ctx, limit)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries")
	return cmd
}

func serve(cfg *daemon.Config) error {
	slog.Info("contextd starting", "version", version, "commit", commit, "store", cfg.Store.Driver)

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return err
	}
	defer d.Close()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("daemon error", "error", err)
		return err
	}
	slog.Info("contextd stopped")
	return nil
}

// inspect opens the store read-side and prints the result of fn as JSON.
func inspect(ctx context.Context, cfg *daemon.Config, fn func(context.Context, *store.Store) (any, error)) error {
	st, err := daemon.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := fn(ctx, st)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
