package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"checkout-service/internal/store"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var migrateDatabaseURL string

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the order, cart and product tables",
		Long: `Apply the embedded schema to the database named by --database-url
or DATABASE_URL. Statements are idempotent, so running it twice is safe.`,
		RunE: runMigrate,
	}

	cmd.Flags().StringVar(&migrateDatabaseURL, "database-url", "", "postgres connection string (defaults to DATABASE_URL)")
	return cmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	url := migrateDatabaseURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		return errors.New("no database url: set --database-url or DATABASE_URL")
	}

	db, err := store.NewStore(url)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
	return nil
}
