// SPDX-License-Identifier: Apache-2.0

// Package consumer implements the per-message bus consumption loop:
// consume-delay backpressure, rule-snapshot iteration, per-recipient
// award locking, and per-rule error isolation.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fedora-infra/badge-engine/internal/logging"
	"github.com/fedora-infra/badge-engine/internal/rule"
	"github.com/fedora-infra/badge-engine/internal/ruleset"
)

// Message is the decoded bus message handed to the consumer.
type Message interface {
	ID() string
	Topic() string
	Body() map[string]any
	Usernames() []string
}

// Awarder performs the award side effect for one (recipient, rule,
// evidence link) triple. Implemented by internal/award.
type Awarder interface {
	Award(ctx context.Context, recipient string, badgeID string, evidenceLink string) error
}

// LinkBuilder composes the evidence link shown on an assertion,
// typically `<datagrepper_url>/id?id=<msg_id>&is_raw=true&size=extra-large`.
type LinkBuilder func(msg Message) string

// QueueDepth reports the current backlog depth of the inbound queue, so
// the consumer can skip its settle-delay sleep when already backlogged.
// A nil QueueDepth disables the optimization (the delay always sleeps).
type QueueDepth func() int

// Config configures a Consumer.
type Config struct {
	// ConsumeDelay is how long to sleep before evaluating a message, to
	// give the archival store time to ingest the same message.
	ConsumeDelay time.Duration
	// DelayLimit: skip the ConsumeDelay sleep when QueueDepth() is at or
	// above this depth — we're backlogged, so sleeping would only make
	// the backlog worse.
	DelayLimit int
	QueueDepth QueueDepth

	Repository  *ruleset.Repository
	Awarder     Awarder
	LinkBuilder LinkBuilder
	Logger      *slog.Logger
}

// Consumer processes one message at a time, per-fingerprint-locked to
// provide at-most-once award semantics under a bus client that may
// dispatch from a small worker pool.
type Consumer struct {
	cfg Config

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds a Consumer from cfg.
func New(cfg Config) *Consumer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Consumer{cfg: cfg, locks: make(map[string]*sync.Mutex)}
}

// Consume processes a single message: optional settle-delay sleep, then
// every rule in the current snapshot is evaluated and its recipients
// awarded. A panic-worthy error from one rule is logged and does not
// stop the remaining rules from running.
func (c *Consumer) Consume(ctx context.Context, msg Message) {
	c.sleepForSettle(ctx)

	snap := c.cfg.Repository.Snapshot()
	link := ""
	if c.cfg.LinkBuilder != nil {
		link = c.cfg.LinkBuilder(msg)
	}

	// correlationID ties every log line for this message's evaluation
	// together even when msg.ID() is empty (the bus client guarantees
	// neither uniqueness nor presence of an id on every message). It is
	// attached to ctx so every logger call below picks it up without
	// threading it through each method signature by hand.
	correlationID := ulid.Make().String()
	ctx = logging.WithCorrelationID(ctx, correlationID)

	c.cfg.Logger.DebugContext(ctx, "received message", "topic", msg.Topic(), "id", msg.ID())

	for _, r := range snap.Rules {
		c.processRule(ctx, r, msg, link)
	}

	c.cfg.Logger.DebugContext(ctx, "done with message", "topic", msg.Topic(), "id", msg.ID())
}

func (c *Consumer) processRule(ctx context.Context, r *rule.Rule, msg Message, link string) {
	defer func() {
		if rec := recover(); rec != nil {
			c.cfg.Logger.ErrorContext(ctx, "rule panicked while processing message", "rule", r.Name, "topic", msg.Topic(), "panic", rec)
		}
	}()

	for _, recipient := range r.Matches(ctx, msg) {
		c.awardOne(ctx, r, recipient, link)
	}
}

func (c *Consumer) awardOne(ctx context.Context, r *rule.Rule, recipient, link string) {
	fingerprint := fmt.Sprintf("%s:%s", r.BadgeID, recipient)
	lock := c.fingerprintLock(fingerprint)
	lock.Lock()
	defer lock.Unlock()

	if err := c.cfg.Awarder.Award(ctx, recipient, r.BadgeID, link); err != nil {
		c.cfg.Logger.ErrorContext(ctx, "award failed", "rule", r.Name, "recipient", recipient, "badge_id", r.BadgeID, "error", err)
	}
}

func (c *Consumer) fingerprintLock(fingerprint string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	lock, ok := c.locks[fingerprint]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[fingerprint] = lock
	}
	return lock
}

func (c *Consumer) sleepForSettle(ctx context.Context) {
	if c.cfg.ConsumeDelay <= 0 {
		return
	}
	if c.cfg.QueueDepth != nil && c.cfg.QueueDepth() >= c.cfg.DelayLimit && c.cfg.DelayLimit > 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(c.cfg.ConsumeDelay):
	}
}
