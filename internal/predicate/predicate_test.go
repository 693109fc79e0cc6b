// SPDX-License-Identifier: Apache-2.0

package predicate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fedora-infra/badge-engine/pkg/errutil"
)

type fakeMsg struct {
	topic string
	body  map[string]any
}

func (f fakeMsg) Topic() string        { return f.topic }
func (f fakeMsg) Body() map[string]any { return f.body }

type fakeExpr struct {
	result any
	err    error
}

func (f fakeExpr) Evaluate(_ string, _ string, _ any) (any, error) {
	return f.result, f.err
}

func parseYAML(t *testing.T, src string) *yaml.Node {
	t.Helper()
	var doc yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	require.Equal(t, yaml.DocumentNode, doc.Kind)
	return doc.Content[0]
}

func TestParseTopicSuffixMatch(t *testing.T) {
	node := parseYAML(t, `topic: bodhi.update.request.testing`)
	n, err := Parse(node, KindTrigger, nil)
	require.NoError(t, err)

	msg := fakeMsg{topic: "org.fedoraproject.prod.bodhi.update.request.testing"}
	assert.True(t, n.Matches(context.Background(), msg, fakeExpr{}, nil))

	msg2 := fakeMsg{topic: "org.fedoraproject.prod.bodhi.update.request.stable"}
	assert.False(t, n.Matches(context.Background(), msg2, fakeExpr{}, nil))
}

func TestParseCategoryMatch(t *testing.T) {
	node := parseYAML(t, `category: bodhi`)
	n, err := Parse(node, KindTrigger, nil)
	require.NoError(t, err)

	msg := fakeMsg{topic: "org.fedoraproject.prod.bodhi.update.request.testing"}
	assert.True(t, n.Matches(context.Background(), msg, fakeExpr{}, nil))

	msg2 := fakeMsg{topic: "org.fedoraproject.prod.koji.build.complete"}
	assert.False(t, n.Matches(context.Background(), msg2, fakeExpr{}, nil))
}

func TestParseAllAny(t *testing.T) {
	node := parseYAML(t, `
all:
  - topic: update.request.testing
  - any:
      - category: bodhi
      - category: koji
`)
	n, err := Parse(node, KindTrigger, nil)
	require.NoError(t, err)

	msg := fakeMsg{topic: "org.fedoraproject.prod.bodhi.update.request.testing"}
	assert.True(t, n.Matches(context.Background(), msg, fakeExpr{}, nil))

	msg2 := fakeMsg{topic: "org.fedoraproject.prod.pagure.update.request.testing"}
	assert.False(t, n.Matches(context.Background(), msg2, fakeExpr{}, nil))
}

func TestParseNot(t *testing.T) {
	node := parseYAML(t, `not: {category: bodhi}`)
	n, err := Parse(node, KindTrigger, nil)
	require.NoError(t, err)

	msg := fakeMsg{topic: "org.fedoraproject.prod.koji.build.complete"}
	assert.True(t, n.Matches(context.Background(), msg, fakeExpr{}, nil))
}

func TestParseLambda(t *testing.T) {
	node := parseYAML(t, `lambda: "msg['count'] > 1"`)
	n, err := Parse(node, KindTrigger, nil)
	require.NoError(t, err)

	assert.True(t, n.Matches(context.Background(), fakeMsg{}, fakeExpr{result: true}, nil))
	assert.False(t, n.Matches(context.Background(), fakeMsg{}, fakeExpr{result: false}, nil))
}

func TestMatchesSwallowsExpressionError(t *testing.T) {
	node := parseYAML(t, `lambda: "broken("`)
	n, err := Parse(node, KindTrigger, nil)
	require.NoError(t, err)

	assert.False(t, n.Matches(context.Background(), fakeMsg{}, fakeExpr{err: assertErr{}}, nil),
		"an evaluation error must be folded to false, never thrown")
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestParseUnknownKeyIsDefinitionError(t *testing.T) {
	node := parseYAML(t, `bogus: value`)
	_, err := Parse(node, KindTrigger, nil)
	errutil.AssertErrorCode(t, err, "predicate")
	errutil.AssertErrorContext(t, err, "key", "bogus")
}

func TestParseMultipleKeysIsShapeError(t *testing.T) {
	node := parseYAML(t, `topic: a
category: b`)
	_, err := Parse(node, KindTrigger, nil)
	assert.Error(t, err)
}

func TestParseAllRequiresList(t *testing.T) {
	node := parseYAML(t, `all: {topic: a}`)
	_, err := Parse(node, KindTrigger, nil)
	assert.Error(t, err)
}

func TestParseTopicOnlyValidForTrigger(t *testing.T) {
	node := parseYAML(t, `topic: a`)
	_, err := Parse(node, KindCriteria, nil)
	assert.Error(t, err)
}

func TestParseDatanommerOnlyValidForCriteria(t *testing.T) {
	node := parseYAML(t, `datanommer: {filter: {}, operation: count, condition: {greater than: 0}}`)
	_, err := Parse(node, KindTrigger, func(*yaml.Node) (Historical, error) { return nil, nil })
	assert.Error(t, err)
}

type fakeHistorical struct{ result bool }

func (f fakeHistorical) Matches(context.Context, Matcher) bool { return f.result }

func TestParseDatanommerDelegatesToHistoricalParser(t *testing.T) {
	node := parseYAML(t, `datanommer: {filter: {}, operation: count, condition: {greater than: 0}}`)
	n, err := Parse(node, KindCriteria, func(*yaml.Node) (Historical, error) {
		return fakeHistorical{result: true}, nil
	})
	require.NoError(t, err)
	assert.True(t, n.Matches(context.Background(), fakeMsg{}, fakeExpr{}, nil))
}
