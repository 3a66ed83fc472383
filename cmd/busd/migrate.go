package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oriys/agentbus/internal/bus"
	"github.com/oriys/agentbus/internal/config"
	"github.com/oriys/agentbus/internal/logging"
)

func migrateCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the queue schema and requeue expired leases",
		Long:  "Run schema creation and expired-lease requeuing standalone, without starting consumers — useful before a deploy or after a restore",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = config.DefaultConfig().Store.DatabasePath
			}

			store, err := bus.OpenSQLiteStore(dbPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			ctx := context.Background()
			if err := store.Initialize(ctx); err != nil {
				return fmt.Errorf("initialize store: %w", err)
			}

			n, err := store.RequeueExpired(ctx)
			if err != nil {
				return fmt.Errorf("requeue expired leases: %w", err)
			}

			logging.Op().Info("migration complete", "db", dbPath, "requeued", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db-path", "", "Path to the SQLite database file")

	return cmd
}
