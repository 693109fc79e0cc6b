// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fedora Badge Engine Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the badge engine CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "badges",
		Short: "Fedora badge-awarding engine",
		Long: `badges evaluates fedora-messaging bus traffic against a set
of badge rules and issues Open Badges assertions to matching
recipients.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewConsumeCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}
