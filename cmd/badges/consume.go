// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fedora Badge Engine Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fedora-infra/badge-engine/internal/award"
	"github.com/fedora-infra/badge-engine/internal/config"
	"github.com/fedora-infra/badge-engine/internal/consumer"
	"github.com/fedora-infra/badge-engine/internal/expr"
	"github.com/fedora-infra/badge-engine/internal/historical"
	"github.com/fedora-infra/badge-engine/internal/logging"
	"github.com/fedora-infra/badge-engine/internal/observability"
	"github.com/fedora-infra/badge-engine/internal/ruleset"
	"github.com/fedora-infra/badge-engine/internal/scheduler"
)

// NewConsumeCmd creates the consume subcommand: the long-running daemon
// that reloads rules, consumes bus messages, and issues badge awards.
func NewConsumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume bus messages and award badges",
		Long: `Consume reloads the rule set from the configured badges
directory, subscribes to the message bus, and evaluates every rule
against each incoming message, awarding badges to matching recipients.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConsumeWithDeps(cmd.Context(), cmd, nil)
		},
	}
	cmd.Flags().String("database-uri", "", "postgres connection string for the assertion store")
	cmd.Flags().String("badges-directory", "", "directory of badge rule YAML files")
	return cmd
}

func runConsumeWithDeps(ctx context.Context, cmd *cobra.Command, deps *ConsumeDeps) error {
	if deps == nil {
		deps = &ConsumeDeps{}
	}

	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// SetDefault must run before setDefaults fills in a nil deps.Logger
	// with slog.Default(), or the fallback logger would miss the
	// service/correlation-id attributes configured here.
	logging.SetDefault("badge-engine", version, cfg.LogFormat, cfg.LogLevel)
	deps.setDefaults()

	assertionStore, pool, err := deps.StoreFactory(ctx, cfg.DatabaseURI)
	if err != nil {
		return fmt.Errorf("connecting to assertion store: %w", err)
	}
	defer pool.Close()

	dir := deps.DirectoryFactory(cfg.FASJSONBaseURL)
	resolver := buildResolver(dir, assertionStore, cfg)

	ev, err := expr.NewEvaluator()
	if err != nil {
		return fmt.Errorf("building expression evaluator: %w", err)
	}

	histStore := deps.HistoricalStoreFactory(cfg.DatanommerDBURI)
	histSig, err := histStore.QuerySignature(ctx)
	if err != nil {
		return fmt.Errorf("introspecting historical store signature: %w", err)
	}

	rulesDir := cfg.BadgesDirectory
	var revision ruleset.RevisionSource
	if cfg.BadgesRepo != "" {
		rulesDir = cfg.BadgesRepo
		revision = ruleset.NewGitRevisionSource(rulesDir)
	}

	repo := ruleset.NewRepository(rulesDir, buildRuleBuilder(ev, resolver, histStore, histSig), assertionStore, revision, deps.Logger)
	if err := repo.Reload(ctx); err != nil {
		return fmt.Errorf("loading initial rule set: %w", err)
	}
	deps.Logger.Info("rules loaded", "count", len(repo.Snapshot().Rules))

	awarder := award.New(award.Config{
		PrimaryDomain: cfg.PrimaryDomain,
		Issuer: award.Issuer{
			Origin: cfg.BadgeIssuer.Origin,
			Name:   cfg.BadgeIssuer.Name,
			URL:    cfg.BadgeIssuer.URL,
			Email:  cfg.BadgeIssuer.Email,
		},
		Store:  assertionStore,
		Logger: deps.Logger,
	})

	linkBuilder := func(msg consumer.Message) string {
		return fmt.Sprintf("%s/id?id=%s&is_raw=true&size=extra-large", cfg.DatagrepperURL, msg.ID())
	}

	cons := consumer.New(consumer.Config{
		ConsumeDelay: cfg.ConsumeDelay(),
		DelayLimit:   cfg.DelayLimit,
		Repository:   repo,
		Awarder:      awarder,
		LinkBuilder:  linkBuilder,
		Logger:       deps.Logger,
	})

	sched := scheduler.New(cfg.ReloadInterval(), repo, scheduler.WithLogger(deps.Logger))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched.Start(runCtx)
	defer sched.Stop()

	var obsServer ObservabilityServer
	if cfg.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr, func() bool { return true })
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("starting observability server: %w", err)
		}
		go monitorServerErrors(runCtx, cancel, obsErrCh, "observability")
		obsServer.Metrics().RulesLoaded.Set(float64(len(repo.Snapshot().Rules)))
	}

	sub := deps.SubscriberFactory(cfg)

	var wg sync.WaitGroup
	subErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if subErr := sub.Subscribe(runCtx, func(msg consumer.Message) {
			if obsServer != nil {
				obsServer.Metrics().MessagesConsumed.WithLabelValues(msg.Topic()).Inc()
			}
			cons.Consume(runCtx, msg)
		}); subErr != nil && runCtx.Err() == nil {
			subErrCh <- subErr
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cmd.Println("badge engine consuming")
	select {
	case sig := <-sigCh:
		deps.Logger.Info("received shutdown signal", "signal", sig)
	case subErr := <-subErrCh:
		cancel()
		wg.Wait()
		return fmt.Errorf("bus subscription failed: %w", subErr)
	case <-runCtx.Done():
		deps.Logger.Info("context cancelled, shutting down")
	}

	cancel()
	wg.Wait()

	if obsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := obsServer.Stop(shutdownCtx); err != nil {
			deps.Logger.Warn("error stopping observability server", "error", err)
		}
	}

	deps.Logger.Info("shutdown complete")
	return nil
}

func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	path := configFile
	if path == "" {
		path = os.Getenv("BADGE_ENGINE_CONFIG")
	}
	return config.Load(path, flags)
}

// monitorServerErrors cancels cancel when errCh reports a server error,
// so a server failure triggers the same graceful shutdown path as a
// signal.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, name string) {
	select {
	case err, ok := <-errCh:
		if !ok || err == nil {
			return
		}
		slog.Error("server error, triggering shutdown", "server", name, "error", err)
		cancel()
	case <-ctx.Done():
	}
}

var _ historical.Store = noHistoricalStore{}
