// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fedora Badge Engine Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/fedora-infra/badge-engine/internal/config"
	"github.com/fedora-infra/badge-engine/internal/consumer"
	"github.com/fedora-infra/badge-engine/internal/expr"
	"github.com/fedora-infra/badge-engine/internal/historical"
	"github.com/fedora-infra/badge-engine/internal/identity"
	"github.com/fedora-infra/badge-engine/internal/observability"
	"github.com/fedora-infra/badge-engine/internal/rule"
	"github.com/fedora-infra/badge-engine/internal/ruleset"
	"github.com/fedora-infra/badge-engine/internal/store"
	"github.com/fedora-infra/badge-engine/internal/store/directory"
)

// Subscriber is the bus collaborator: it dispatches decoded messages to
// handle until ctx is cancelled. The concrete AMQP/fedora-messaging
// wire protocol is an external collaborator (out of scope for this
// engine); production deployments inject their own Subscriber.
type Subscriber interface {
	Subscribe(ctx context.Context, handle func(consumer.Message)) error
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// ConsumeDeps contains injectable dependencies for the consume command.
// Nil fields fall back to the production defaults below.
type ConsumeDeps struct {
	// StoreFactory connects to postgres and returns the assertion store
	// plus the underlying pool (closed on shutdown).
	StoreFactory func(ctx context.Context, dsn string) (*store.AssertionStore, *pgxpool.Pool, error)

	// DirectoryFactory builds the FASJSON identity-directory client.
	DirectoryFactory func(baseURL string) identity.Directory

	// HistoricalStoreFactory builds the archival-store collaborator used
	// by datanommer criteria leaves. The wire protocol to the archival
	// store is out of scope (spec Non-goal); the default is a store
	// that reports no filter parameters and errors if actually queried,
	// so rule sets with no datanommer criteria still run correctly.
	HistoricalStoreFactory func(datanommerDBURI string) historical.Store

	// ObservabilityServerFactory creates the metrics/health HTTP server.
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker) ObservabilityServer

	// SubscriberFactory builds the bus subscriber. The default refuses
	// to run (see noSubscriber below): wiring a real fedora-messaging
	// client is the operator's job, not this engine's.
	SubscriberFactory func(cfg *config.Config) Subscriber

	Logger *slog.Logger
}

func (d *ConsumeDeps) setDefaults() {
	if d.StoreFactory == nil {
		d.StoreFactory = store.Connect
	}
	if d.DirectoryFactory == nil {
		d.DirectoryFactory = func(baseURL string) identity.Directory {
			return directory.New(baseURL)
		}
	}
	if d.HistoricalStoreFactory == nil {
		d.HistoricalStoreFactory = func(string) historical.Store { return noHistoricalStore{} }
	}
	if d.ObservabilityServerFactory == nil {
		d.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, ready)
		}
	}
	if d.SubscriberFactory == nil {
		d.SubscriberFactory = func(*config.Config) Subscriber { return noSubscriber{} }
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// noHistoricalStore is the default historical.Store: it reports an empty
// query signature (so datanommer filter keys are not validated against
// a signature at rule-load time) and fails clearly if a rule set still
// invokes it.
type noHistoricalStore struct{}

func (noHistoricalStore) QuerySignature(context.Context) ([]string, error) {
	return nil, nil
}

func (noHistoricalStore) Query(context.Context, map[string]any) (int, int, historical.QueryHandle, error) {
	return 0, 0, nil, oops.Code("HISTORICAL_STORE_NOT_CONFIGURED").
		Errorf("no archival-store client is configured; wire a historical.Store via ConsumeDeps.HistoricalStoreFactory")
}

// noSubscriber is the default Subscriber: the engine has nothing to
// consume from until an operator injects a real bus client.
type noSubscriber struct{}

func (noSubscriber) Subscribe(ctx context.Context, _ func(consumer.Message)) error {
	<-ctx.Done()
	return ctx.Err()
}

// buildResolver wires an identity.Resolver from loaded configuration.
func buildResolver(dir identity.Directory, assertions identity.AssertionStore, cfg *config.Config) *identity.Resolver {
	return identity.NewResolver(dir, assertions, identity.Config{
		PrimaryDomain:      cfg.PrimaryDomain,
		IDProviderHostname: cfg.IDProviderHostname,
		DistgitHostname:    cfg.DistgitHostname,
	})
}

// buildRuleBuilder returns a ruleset.Builder closing over the
// collaborators every rule.Build call needs.
func buildRuleBuilder(ev *expr.Evaluator, resolver *identity.Resolver, histStore historical.Store, histSig []string) ruleset.Builder {
	return func(def *rule.Definition) (*rule.Rule, error) {
		return rule.Build(def, rule.BuildConfig{
			Expr:          ev,
			Resolver:      resolver,
			HistoricalSig: histSig,
			HistoricalCfg: func() historical.Config {
				return historical.Config{Store: histStore, Expr: ev}
			},
		})
	}
}

