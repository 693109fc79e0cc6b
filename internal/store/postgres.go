// SPDX-License-Identifier: Apache-2.0

// Package store provides the PostgreSQL-backed persistence layer: badge
// registration, person records, opt-outs, and issued assertions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/fedora-infra/badge-engine/internal/rule"
)

// poolIface abstracts the pgx pool so tests can substitute pgxmock.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AssertionStore implements award.Store, identity.AssertionStore, and
// ruleset.BadgeRegistrar against a PostgreSQL schema of badges, persons,
// opt_outs, and assertions tables.
type AssertionStore struct {
	pool poolIface
}

// NewAssertionStore wraps an existing pool.
func NewAssertionStore(pool poolIface) *AssertionStore {
	return &AssertionStore{pool: pool}
}

// Connect opens a pgxpool connection and wraps it in an AssertionStore.
// The caller owns the returned pool's lifecycle and must Close it on
// shutdown.
func Connect(ctx context.Context, dsn string) (*AssertionStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, oops.Code("STORE_CONNECT_FAILED").Wrap(err)
	}
	return NewAssertionStore(pool), pool, nil
}

// RegisterBadge idempotently upserts a badge's metadata, keyed by its
// derived badge_id. Called on every rule-repository reload.
func (s *AssertionStore) RegisterBadge(ctx context.Context, r *rule.Rule) error {
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return oops.Code("STORE_REGISTER_BADGE").Wrapf(err, "marshalling tags for badge %q", r.BadgeID)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO badges (badge_id, name, description, image_url, creator, discussion, issuer_id, tags, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		 ON CONFLICT (badge_id) DO UPDATE SET
		   name = $2, description = $3, image_url = $4, creator = $5,
		   discussion = $6, issuer_id = $7, tags = $8, updated_at = now()`,
		r.BadgeID, r.Name, r.Description, r.ImageURL, r.Creator, r.Discussion, r.IssuerID, tags)
	if err != nil {
		return oops.Code("STORE_REGISTER_BADGE").With("badge_id", r.BadgeID).Wrap(err)
	}
	return nil
}

// EnsurePerson idempotently creates a person record for email.
func (s *AssertionStore) EnsurePerson(ctx context.Context, email string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO persons (email) VALUES ($1) ON CONFLICT (email) DO NOTHING`,
		email)
	if err != nil {
		return oops.Code("STORE_ENSURE_PERSON").With("email", email).Wrap(err)
	}
	return nil
}

// InsertAssertion records a badge award. A unique-constraint violation
// on (badge_id, person_email) is returned unwrapped so callers
// (award.Awarder) can detect it with errors.As against *pgconn.PgError.
func (s *AssertionStore) InsertAssertion(ctx context.Context, badgeID, email string, issuedOn time.Time, evidenceURL string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assertions (badge_id, person_email, issued_on, evidence_url)
		 VALUES ($1, $2, $3, $4)`,
		badgeID, email, issuedOn, evidenceURL)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return err
		}
		return oops.Code("STORE_INSERT_ASSERTION").With("badge_id", badgeID).With("email", email).Wrap(err)
	}
	return nil
}

// AssertionExists reports whether email already holds badgeID.
func (s *AssertionStore) AssertionExists(ctx context.Context, badgeID, email string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM assertions WHERE badge_id = $1 AND person_email = $2)`,
		badgeID, email).Scan(&exists)
	if err != nil {
		return false, oops.Code("STORE_ASSERTION_EXISTS").With("badge_id", badgeID).With("email", email).Wrap(err)
	}
	return exists, nil
}

// PersonOptedOut reports whether email has opted out of badge awards.
func (s *AssertionStore) PersonOptedOut(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM opt_outs WHERE person_email = $1)`,
		email).Scan(&exists)
	if err != nil {
		return false, oops.Code("STORE_PERSON_OPTED_OUT").With("email", email).Wrap(err)
	}
	return exists, nil
}

// SetOptedOut records or clears email's opt-out status.
func (s *AssertionStore) SetOptedOut(ctx context.Context, email string, optedOut bool) error {
	var err error
	if optedOut {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO opt_outs (person_email) VALUES ($1) ON CONFLICT (person_email) DO NOTHING`, email)
	} else {
		_, err = s.pool.Exec(ctx, `DELETE FROM opt_outs WHERE person_email = $1`, email)
	}
	if err != nil {
		return oops.Code("STORE_SET_OPTED_OUT").With("email", email).Wrap(err)
	}
	return nil
}

// AssertionRecord is one row of an assertion listing.
type AssertionRecord struct {
	BadgeID     string
	PersonEmail string
	IssuedOn    time.Time
	EvidenceURL string
}

// AssertionsForPerson lists every badge awarded to email, most recent first.
func (s *AssertionStore) AssertionsForPerson(ctx context.Context, email string) ([]AssertionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT badge_id, person_email, issued_on, evidence_url
		 FROM assertions WHERE person_email = $1 ORDER BY issued_on DESC`,
		email)
	if err != nil {
		return nil, oops.Code("STORE_ASSERTIONS_FOR_PERSON").With("email", email).Wrap(err)
	}
	defer rows.Close()

	var out []AssertionRecord
	for rows.Next() {
		var rec AssertionRecord
		if err := rows.Scan(&rec.BadgeID, &rec.PersonEmail, &rec.IssuedOn, &rec.EvidenceURL); err != nil {
			return nil, oops.Code("STORE_ASSERTIONS_FOR_PERSON").With("email", email).Wrap(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("STORE_ASSERTIONS_FOR_PERSON").With("email", email).Wrap(err)
	}
	return out, nil
}
