// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fedora Badge Engine Contributors

package main

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fedora-infra/badge-engine/internal/expr"
	"github.com/fedora-infra/badge-engine/internal/identity"
	"github.com/fedora-infra/badge-engine/internal/rule"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate all badge rule YAML files without starting the engine",
		Long: `Validate scans a directory of badge rule YAML files and
constructs each into a rule, reporting every definition error. It does
not require a database connection or a message bus, and is intended for
CI pipelines catching bad rule YAML before deploy.

  badges validate --badges-directory ./badges`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runValidate(dir)
		},
	}
	cmd.Flags().StringVar(&dir, "badges-directory", "./badges", "directory of badge rule YAML files")
	return cmd
}

func runValidate(dir string) error {
	ev, err := expr.NewEvaluator()
	if err != nil {
		return fmt.Errorf("building expression evaluator: %w", err)
	}
	resolver := identity.NewResolver(nil, nil, identity.Config{})
	build := buildRuleBuilder(ev, resolver, noHistoricalStore{}, nil)

	var failures []string
	var count int
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
			return nil
		}
		count++

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, readErr))
			return nil
		}

		var fields map[string]any
		if decodeErr := yaml.Unmarshal(data, &fields); decodeErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, decodeErr))
			return nil
		}
		if validateErr := rule.Validate(fields); validateErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, validateErr))
			return nil
		}

		var def rule.Definition
		if decodeErr := yaml.Unmarshal(data, &def); decodeErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, decodeErr))
			return nil
		}

		if _, buildErr := build(&def); buildErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, buildErr))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning %q: %w", dir, err)
	}

	if len(failures) > 0 {
		for _, f := range failures {
			slog.Error("rule validation failed", "detail", f)
		}
		return fmt.Errorf("validation failed: %d of %d rule files invalid", len(failures), count)
	}

	slog.Info("all badge rules valid", "count", count)
	return nil
}
