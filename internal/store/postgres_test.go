// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fedora Badge Engine Contributors

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fedora-infra/badge-engine/internal/rule"
)

func newMockStore(t *testing.T) (*AssertionStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewAssertionStore(mock), mock
}

func buildTestRule(t *testing.T) *rule.Rule {
	t.Helper()
	src := `
name: Test Badge
description: d
image_url: http://example.com/i.png
creator: c
discussion: http://example.com/d
issuer_id: issuer-1
tags: [community]
trigger:
  topic: update.request.testing
criteria:
  all: []
`
	var def rule.Definition
	require.NoError(t, yaml.Unmarshal([]byte(src), &def))
	r, err := rule.Build(&def, rule.BuildConfig{})
	require.NoError(t, err)
	return r
}

func TestAssertionStore_RegisterBadge(t *testing.T) {
	store, mock := newMockStore(t)
	r := buildTestRule(t)

	mock.ExpectExec(`INSERT INTO badges`).
		WithArgs(r.BadgeID, r.Name, r.Description, r.ImageURL, r.Creator, r.Discussion, r.IssuerID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RegisterBadge(context.Background(), r))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssertionStore_EnsurePerson(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO persons`).
		WithArgs("ralph@fedoraproject.org").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.EnsurePerson(context.Background(), "ralph@fedoraproject.org"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssertionStore_InsertAssertion(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectExec(`INSERT INTO assertions`).
		WithArgs("test-badge", "ralph@fedoraproject.org", now, "http://example.com/evidence").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.InsertAssertion(context.Background(), "test-badge", "ralph@fedoraproject.org", now, "http://example.com/evidence")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssertionStore_InsertAssertion_UniqueViolationPassesThrough(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	pgErr := &pgconn.PgError{Code: pgerrcode.UniqueViolation, Message: "duplicate key"}
	mock.ExpectExec(`INSERT INTO assertions`).
		WithArgs("test-badge", "ralph@fedoraproject.org", now, "http://example.com/evidence").
		WillReturnError(pgErr)

	err := store.InsertAssertion(context.Background(), "test-badge", "ralph@fedoraproject.org", now, "http://example.com/evidence")
	require.Error(t, err)

	var got *pgconn.PgError
	assert.True(t, errors.As(err, &got))
	assert.Equal(t, pgerrcode.UniqueViolation, got.Code)
}

func TestAssertionStore_InsertAssertion_OtherErrorsWrapped(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO assertions`).
		WithArgs("test-badge", "ralph@fedoraproject.org", now, "http://example.com/evidence").
		WillReturnError(errors.New("connection reset"))

	err := store.InsertAssertion(context.Background(), "test-badge", "ralph@fedoraproject.org", now, "http://example.com/evidence")
	require.Error(t, err)

	var pgErr *pgconn.PgError
	assert.False(t, errors.As(err, &pgErr))
}

func TestAssertionStore_AssertionExists(t *testing.T) {
	store, mock := newMockStore(t)

	rows := pgxmock.NewRows([]string{"exists"}).AddRow(true)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("test-badge", "ralph@fedoraproject.org").
		WillReturnRows(rows)

	exists, err := store.AssertionExists(context.Background(), "test-badge", "ralph@fedoraproject.org")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAssertionStore_PersonOptedOut(t *testing.T) {
	store, mock := newMockStore(t)

	rows := pgxmock.NewRows([]string{"exists"}).AddRow(false)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ralph@fedoraproject.org").
		WillReturnRows(rows)

	optedOut, err := store.PersonOptedOut(context.Background(), "ralph@fedoraproject.org")
	require.NoError(t, err)
	assert.False(t, optedOut)
}

func TestAssertionStore_SetOptedOut(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO opt_outs`).
		WithArgs("ralph@fedoraproject.org").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SetOptedOut(context.Background(), "ralph@fedoraproject.org", true))
}

func TestAssertionStore_AssertionsForPerson(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	rows := pgxmock.NewRows([]string{"badge_id", "person_email", "issued_on", "evidence_url"}).
		AddRow("test-badge", "ralph@fedoraproject.org", now, "http://example.com/evidence")
	mock.ExpectQuery(`SELECT badge_id, person_email, issued_on, evidence_url`).
		WithArgs("ralph@fedoraproject.org").
		WillReturnRows(rows)

	records, err := store.AssertionsForPerson(context.Background(), "ralph@fedoraproject.org")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "test-badge", records[0].BadgeID)
}
