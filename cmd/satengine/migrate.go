package main

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/terminal-bench/satengine/internal/store/postgres/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		if err := migrations.MigrateUp(db); err != nil {
			return err
		}
		return printStatus(cmd, db)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Roll back migrations, one step by default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps := 1
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("steps must be a positive integer, got %q", args[0])
			}
			steps = n
		}

		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		if err := migrations.MigrateDown(db, steps); err != nil {
			return err
		}
		return printStatus(cmd, db)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		return printStatus(cmd, db)
	},
}

func openDB(ctx context.Context) (*sql.DB, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("migrate needs database.url or DATABASE_URL")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func printStatus(cmd *cobra.Command, db *sql.DB) error {
	st, err := migrations.CheckStatus(db)
	if err != nil {
		return err
	}
	state := "current"
	switch {
	case st.Dirty:
		state = "dirty"
	case !st.Current():
		state = "behind"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version %d of %d (%s)\n", st.Version, st.Latest, state)
	return nil
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}
