// SPDX-License-Identifier: Apache-2.0

// Package award implements the badge-award side effect: idempotent
// person upsert, assertion insert with duplicate-race tolerance, and a
// best-effort notification publish.
package award

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

var errDomain = oops.Code("award")

// Store is the assertion-store collaborator: person upsert and
// assertion insert, keyed by badge_id and the recipient's derived
// email address.
type Store interface {
	EnsurePerson(ctx context.Context, email string) error
	InsertAssertion(ctx context.Context, badgeID string, email string, issuedOn time.Time, evidenceURL string) error
}

// Notifier publishes a "badge-awarded" event once an assertion is
// recorded. The engine is agnostic to its transport; the default
// deployment wires this to another bus publish. issuer is forwarded so
// a notifier can render a complete Open Badges assertion payload
// without a second lookup back to the engine's configuration.
type Notifier interface {
	NotifyAwarded(ctx context.Context, badgeID string, email string, issuer Issuer) error
}

// Issuer identifies the organization named on every issued Open Badges
// assertion, loaded from the engine's badge_issuer configuration.
type Issuer struct {
	Origin string
	Name   string
	URL    string
	Email  string
}

// Config configures an Awarder.
type Config struct {
	PrimaryDomain string // e.g. "fedoraproject.org"
	Issuer        Issuer
	Store         Store
	Notifier      Notifier // optional
	Logger        *slog.Logger

	// RetryAttempts bounds the notification publish retry; 0 defaults to 3.
	RetryAttempts uint64
}

// Awarder performs the award(recipient, rule, link) operation.
type Awarder struct {
	cfg Config
}

// New builds an Awarder from cfg.
func New(cfg Config) *Awarder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	return &Awarder{cfg: cfg}
}

// Award ensures the person record exists, inserts the assertion
// (swallowing a unique-constraint race), and fires the notification
// callback with bounded retry. evidenceURL is the datagrepper-style
// link to the triggering message.
func (a *Awarder) Award(ctx context.Context, recipient string, badgeID string, evidenceURL string) error {
	email := fmt.Sprintf("%s@%s", recipient, a.cfg.PrimaryDomain)

	if err := a.cfg.Store.EnsurePerson(ctx, email); err != nil {
		return errDomain.Wrapf(err, "ensuring person record for %q", email)
	}

	err := a.cfg.Store.InsertAssertion(ctx, badgeID, email, time.Now().UTC(), evidenceURL)
	if err != nil {
		if isUniqueViolation(err) {
			a.cfg.Logger.Warn("assertion already exists, skipping duplicate award",
				"badge_id", badgeID, "recipient", email)
			return nil
		}
		return errDomain.Wrapf(err, "inserting assertion for %q badge %q", email, badgeID)
	}

	if a.cfg.Notifier != nil {
		if err := a.notifyWithRetry(ctx, badgeID, email); err != nil {
			a.cfg.Logger.Warn("notification publish failed after retries",
				"badge_id", badgeID, "recipient", email, "error", err)
		}
	}

	return nil
}

func (a *Awarder) notifyWithRetry(ctx context.Context, badgeID string, email string) error {
	backoff := retry.WithMaxRetries(a.cfg.RetryAttempts, retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := a.cfg.Notifier.NotifyAwarded(ctx, badgeID, email, a.cfg.Issuer)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation, the race-condition fallback described for the assertion
// insert: two consumer workers processing the same message concurrently
// both evaluate the same rule true, and only one insert wins.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
