// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fedora Badge Engine Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fedora-infra/badge-engine/internal/rule"
	"github.com/fedora-infra/badge-engine/internal/store"
	"gopkg.in/yaml.v3"
)

var _ = Describe("AssertionStore", func() {
	var (
		ctx       context.Context
		container *postgres.PostgresContainer
		db        *store.AssertionStore
		pool      interface{ Close() }
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		container, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("badges_test"),
			postgres.WithUsername("badges"),
			postgres.WithPassword("badges"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		Expect(err).NotTo(HaveOccurred())

		connStr, err := container.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		migrator, err := store.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		Expect(migrator.Up()).To(Succeed())
		Expect(migrator.Close()).To(Succeed())

		var rawPool *store.AssertionStore
		var closer interface{ Close() }
		rawPool, closer, err = connectForTest(ctx, connStr)
		Expect(err).NotTo(HaveOccurred())
		db = rawPool
		pool = closer
	})

	AfterEach(func() {
		pool.Close()
		Expect(container.Terminate(ctx)).To(Succeed())
	})

	It("registers a badge, awards it, and reports the assertion", func() {
		r := buildIntegrationRule()

		Expect(db.RegisterBadge(ctx, r)).To(Succeed())
		Expect(db.EnsurePerson(ctx, "ralph@fedoraproject.org")).To(Succeed())
		Expect(db.InsertAssertion(ctx, r.BadgeID, "ralph@fedoraproject.org", time.Now(), "http://example.com/evidence")).To(Succeed())

		exists, err := db.AssertionExists(ctx, r.BadgeID, "ralph@fedoraproject.org")
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeTrue())

		records, err := db.AssertionsForPerson(ctx, "ralph@fedoraproject.org")
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(records[0].BadgeID).To(Equal(r.BadgeID))
	})

	It("enforces the unique constraint on a duplicate assertion insert", func() {
		r := buildIntegrationRule()
		Expect(db.RegisterBadge(ctx, r)).To(Succeed())
		Expect(db.EnsurePerson(ctx, "ralph@fedoraproject.org")).To(Succeed())
		Expect(db.InsertAssertion(ctx, r.BadgeID, "ralph@fedoraproject.org", time.Now(), "http://example.com/evidence")).To(Succeed())

		err := db.InsertAssertion(ctx, r.BadgeID, "ralph@fedoraproject.org", time.Now(), "http://example.com/evidence")
		Expect(err).To(HaveOccurred(), "second insert of the same (badge_id, person) must violate the unique constraint")
	})
})

func connectForTest(ctx context.Context, dsn string) (*store.AssertionStore, interface{ Close() }, error) {
	s, pool, err := store.Connect(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return s, pool, nil
}

func buildIntegrationRule() *rule.Rule {
	src := `
name: Integration Badge
description: d
image_url: http://example.com/i.png
creator: c
discussion: http://example.com/d
issuer_id: issuer-1
trigger:
  topic: update.request.testing
criteria:
  all: []
`
	var def rule.Definition
	if err := yaml.Unmarshal([]byte(src), &def); err != nil {
		panic(err)
	}
	r, err := rule.Build(&def, rule.BuildConfig{})
	if err != nil {
		panic(err)
	}
	return r
}
