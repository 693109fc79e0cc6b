// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fedora Badge Engine Contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fedora-infra/badge-engine/internal/store"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run assertion-store database migrations",
		Long:  `Run all pending migrations against the PostgreSQL assertion store.`,
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}

	cmd.Println("connecting to database...")
	migrator, err := store.NewMigrator(databaseURL)
	if err != nil {
		return fmt.Errorf("connecting migrator: %w", err)
	}
	defer migrator.Close()

	cmd.Println("running migrations...")
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	cmd.Println("migrations completed successfully")
	return nil
}
