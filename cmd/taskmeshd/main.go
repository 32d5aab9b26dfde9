package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"taskmesh/internal/metrics"
	sqlitestore "taskmesh/internal/store/sqlite"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	root := &cobra.Command{
		Use:           "taskmeshd",
		Short:         "Task distribution engine for agent hierarchies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config.toml (default: ~/.taskmesh/config.toml)")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "sqlite database path override")
	root.PersistentFlags().StringVar(&flags.rosterPath, "roster", "", "agent roster YAML override")
	root.PersistentFlags().StringVar(&flags.natsURL, "nats", "", "NATS server URL override; empty keeps agents in process")

	root.AddCommand(
		newServeCmd(&flags),
		newAgentCmd(&flags),
		newMigrateCmd(&flags),
		newStatusCmd(&flags),
		newEventsCmd(&flags),
	)
	return root
}

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the sqlite schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store.DBPath)
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready at %s\n", cfg.Store.DBPath)
			return nil
		},
	}
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print system metrics from the last snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store.DBPath)
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()

			snap, ok, err := store.LoadSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no snapshot yet")
				return nil
			}
			tracker, err := metrics.NewTracker(nil)
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]any{
				"taken_at":      snap.TakenAt,
				"queue_entries": len(snap.Queues),
				"metrics":       tracker.SystemMetrics(snap.Tasks),
			})
		},
	}
}

func newEventsCmd(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events [task-id]",
		Short: "Print the audit trail of one task, or the most recent events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store.DBPath)
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()

			if len(args) == 0 {
				items, err := store.ListAudit(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd, items)
			}
			items, err := store.ListTaskAudit(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd, items)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events to print")
	return cmd
}

func openStore(ctx context.Context, dbPath string) (*sqlitestore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return store, nil
}

func writeJSON(cmd *cobra.Command, payload any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
