// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fedora-infra/badge-engine/internal/logging"
	"github.com/fedora-infra/badge-engine/internal/rule"
	"github.com/fedora-infra/badge-engine/internal/ruleset"
)

type fakeMsg struct {
	id, topic string
	body      map[string]any
	usernames []string
}

func (f fakeMsg) ID() string           { return f.id }
func (f fakeMsg) Topic() string        { return f.topic }
func (f fakeMsg) Body() map[string]any { return f.body }
func (f fakeMsg) Usernames() []string  { return f.usernames }

type fakeAwarder struct {
	mu      sync.Mutex
	awarded []string
	err     error
}

func (a *fakeAwarder) Award(_ context.Context, recipient, badgeID, link string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.awarded = append(a.awarded, recipient+":"+badgeID)
	return nil
}

func buildRule(t *testing.T, name string) *rule.Rule {
	t.Helper()
	src := `
name: ` + name + `
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
	require.NoError(t, yaml.Unmarshal([]byte(src), &def))
	r, err := rule.Build(&def, rule.BuildConfig{})
	require.NoError(t, err)
	return r
}

func repoWithRules(t *testing.T, rules ...*rule.Rule) *ruleset.Repository {
	t.Helper()
	repo := ruleset.NewRepository("", func(*rule.Definition) (*rule.Rule, error) { return nil, nil }, nil, nil, nil)
	repo.Publish(rules)
	return repo
}

func TestConsumeAwardsMatchingRecipients(t *testing.T) {
	r := buildRule(t, "Test Badge")
	repo := repoWithRules(t, r)
	awarder := &fakeAwarder{}

	c := New(Config{
		Repository: repo,
		Awarder:    awarder,
	})

	msg := fakeMsg{
		id:        "abc",
		topic:     "org.fedoraproject.prod.bodhi.update.request.testing",
		body:      map[string]any{},
		usernames: []string{"ralph"},
	}
	c.Consume(context.Background(), msg)

	assert.Equal(t, []string{"ralph:test-badge"}, awarder.awarded)
}

func TestConsumeAssignsUniqueCorrelationIDPerMessage(t *testing.T) {
	r := buildRule(t, "Test Badge")
	repo := repoWithRules(t, r)

	var buf bytes.Buffer
	logger := logging.Setup("badge-engine-test", "test", "json", "debug", &buf)
	c := New(Config{Repository: repo, Awarder: &fakeAwarder{}, Logger: logger})

	msg := fakeMsg{id: "abc", topic: "update.request.testing", usernames: []string{"ralph"}}
	c.Consume(context.Background(), msg)
	c.Consume(context.Background(), msg)

	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		id, ok := entry["correlation_id"].(string)
		require.True(t, ok, "log line missing correlation_id: %s", line)
		ids = append(ids, id)
	}

	require.Len(t, ids, 4) // received + done, twice
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[2], ids[3])
	assert.NotEqual(t, ids[0], ids[2], "each Consume call should get its own correlation id")
}

func TestConsumeSkipsNonMatchingRule(t *testing.T) {
	r := buildRule(t, "Test Badge")
	repo := repoWithRules(t, r)
	awarder := &fakeAwarder{}

	c := New(Config{Repository: repo, Awarder: awarder})
	msg := fakeMsg{topic: "org.fedoraproject.prod.koji.build.complete", usernames: []string{"ralph"}}
	c.Consume(context.Background(), msg)

	assert.Empty(t, awarder.awarded)
}

func TestConsumeContinuesAfterAwardError(t *testing.T) {
	r1 := buildRule(t, "Rule One")
	r2 := buildRule(t, "Rule Two")
	repo := repoWithRules(t, r1, r2)
	awarder := &fakeAwarder{err: assertErr{}}

	c := New(Config{Repository: repo, Awarder: awarder})
	msg := fakeMsg{
		topic:     "org.fedoraproject.prod.bodhi.update.request.testing",
		usernames: []string{"ralph"},
	}
	assert.NotPanics(t, func() { c.Consume(context.Background(), msg) })
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestConsumeLinkBuilderIsUsed(t *testing.T) {
	r := buildRule(t, "Test Badge")
	repo := repoWithRules(t, r)
	awarder := &fakeAwarder{}

	c := New(Config{
		Repository: repo,
		Awarder:    awarder,
		LinkBuilder: func(msg Message) string {
			return "https://example.com/" + msg.ID()
		},
	})

	msg := fakeMsg{id: "xyz", topic: "org.fedoraproject.prod.bodhi.update.request.testing", usernames: []string{"ralph"}}
	c.Consume(context.Background(), msg)
	assert.Equal(t, []string{"ralph:test-badge"}, awarder.awarded)
}

func TestSleepForSettleSkippedWhenBacklogged(t *testing.T) {
	c := New(Config{
		ConsumeDelay: time.Hour,
		DelayLimit:   5,
		QueueDepth:   func() int { return 10 },
	})
	start := time.Now()
	c.sleepForSettle(context.Background())
	assert.Less(t, time.Since(start), time.Second, "should not sleep when backlogged")
}

func TestSleepForSettleHonorsContextCancel(t *testing.T) {
	c := New(Config{ConsumeDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	c.sleepForSettle(ctx)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFingerprintLockSerializesSameRecipient(t *testing.T) {
	c := New(Config{})
	l1 := c.fingerprintLock("badge:ralph")
	l2 := c.fingerprintLock("badge:ralph")
	assert.Same(t, l1, l2)
}
