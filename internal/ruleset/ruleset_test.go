// SPDX-License-Identifier: Apache-2.0

package ruleset

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fedora-infra/badge-engine/internal/rule"
)

type fakeRevisionSource struct {
	needsUpdate bool
	err         error
}

func (f fakeRevisionSource) NeedsUpdate(time.Time) (bool, error) {
	return f.needsUpdate, f.err
}

type fakeRegistrar struct {
	registered []string
	failFor    string
}

func (f *fakeRegistrar) RegisterBadge(_ context.Context, r *rule.Rule) error {
	if r.BadgeID == f.failFor {
		return errDomain.Errorf("simulated registration failure for %s", r.BadgeID)
	}
	f.registered = append(f.registered, r.BadgeID)
	return nil
}

func writeRuleFile(dir, name, content string) {
	Expect(os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)).To(Succeed())
}

const validRuleYAML = `
name: %s
description: a test badge
image_url: http://example.com/badge.png
creator: tester
discussion: http://example.com/discuss
issuer_id: issuer-1
trigger:
  topic: update.request.testing
criteria:
  all: []
`

var _ = Describe("Repository", func() {
	var (
		dir       string
		registrar *fakeRegistrar
		build     Builder
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "ruleset-test-")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = os.RemoveAll(dir) })

		registrar = &fakeRegistrar{}
		build = func(def *rule.Definition) (*rule.Rule, error) {
			return rule.Build(def, rule.BuildConfig{})
		}
	})

	It("loads every valid rule file in the directory", func() {
		writeRuleFile(dir, "badge-one.yaml", fmt.Sprintf(validRuleYAML, "Badge One"))
		writeRuleFile(dir, "badge-two.yaml", fmt.Sprintf(validRuleYAML, "Badge Two"))

		repo := NewRepository(dir, build, registrar, nil, slog.Default())
		Expect(repo.Reload(context.Background())).To(Succeed())

		snap := repo.Snapshot()
		Expect(snap.Rules).To(HaveLen(2))
		Expect(registrar.registered).To(ConsistOf("badge-one", "badge-two"))
	})

	It("skips a malformed rule file without failing the whole reload", func() {
		writeRuleFile(dir, "good.yaml", fmt.Sprintf(validRuleYAML, "Good Badge"))
		writeRuleFile(dir, "bad.yaml", "not: [valid, yaml, :::")

		repo := NewRepository(dir, build, registrar, nil, slog.Default())
		Expect(repo.Reload(context.Background())).To(Succeed())

		snap := repo.Snapshot()
		Expect(snap.Rules).To(HaveLen(1))
		Expect(snap.Rules[0].Name).To(Equal("Good Badge"))
	})

	It("drops a rule whose badge registration fails", func() {
		writeRuleFile(dir, "one.yaml", fmt.Sprintf(validRuleYAML, "One"))
		writeRuleFile(dir, "two.yaml", fmt.Sprintf(validRuleYAML, "Two"))
		registrar.failFor = "two"

		repo := NewRepository(dir, build, registrar, nil, slog.Default())
		Expect(repo.Reload(context.Background())).To(Succeed())

		snap := repo.Snapshot()
		Expect(snap.Rules).To(HaveLen(1))
		Expect(snap.Rules[0].Name).To(Equal("One"))
	})

	It("publishes an atomic snapshot readable during a concurrent reload", func() {
		writeRuleFile(dir, "one.yaml", fmt.Sprintf(validRuleYAML, "One"))

		repo := NewRepository(dir, build, registrar, nil, slog.Default())
		Expect(repo.Reload(context.Background())).To(Succeed())

		first := repo.Snapshot()
		Expect(repo.Reload(context.Background())).To(Succeed())
		second := repo.Snapshot()

		Expect(first.Rules).To(HaveLen(1))
		Expect(second.Rules).To(HaveLen(1))
	})

	It("reports needs_update=true on first call with no revision source recorded yet", func() {
		repo := NewRepository(dir, build, registrar, fakeRevisionSource{needsUpdate: false}, slog.Default())
		needs, err := repo.NeedsUpdate()
		Expect(err).NotTo(HaveOccurred())
		Expect(needs).To(BeTrue())
	})

	It("honors the revision source after the first load", func() {
		writeRuleFile(dir, "one.yaml", fmt.Sprintf(validRuleYAML, "One"))
		rev := fakeRevisionSource{needsUpdate: false}
		repo := NewRepository(dir, build, registrar, rev, slog.Default())
		Expect(repo.Reload(context.Background())).To(Succeed())

		needs, err := repo.NeedsUpdate()
		Expect(err).NotTo(HaveOccurred())
		Expect(needs).To(BeFalse())
	})

	It("reloads only when ReloadIfNeeded sees a change", func() {
		writeRuleFile(dir, "one.yaml", fmt.Sprintf(validRuleYAML, "One"))
		rev := fakeRevisionSource{needsUpdate: false}
		repo := NewRepository(dir, build, registrar, rev, slog.Default())
		Expect(repo.Reload(context.Background())).To(Succeed())
		registrar.registered = nil

		Expect(repo.ReloadIfNeeded(context.Background())).To(Succeed())
		Expect(registrar.registered).To(BeEmpty(), "no reload should have run")
	})
})
