// SPDX-License-Identifier: Apache-2.0

package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserBuilds(t *testing.T) {
	_, err := NewParser()
	require.NoError(t, err, "expression grammar must be buildable")
}

func TestEvaluateArithmetic(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	cases := []struct {
		expr string
		want any
	}{
		{"1 + 2", 3.0},
		{"2 * (3 + 4)", 14.0},
		{"10 % 3", 1.0},
		{"10 / 4", 2.5},
		{"-5 + 2", -3.0},
	}
	for _, c := range cases {
		got, err := ev.Evaluate(c.expr, "msg", map[string]any{})
		require.NoError(t, err, c.expr)
		assert.Equal(t, c.want, got, c.expr)
	}
}

func TestEvaluateComparison(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	cases := []struct {
		expr string
		want bool
	}{
		{"1 < 2", true},
		{"2 <= 2", true},
		{"3 > 4", false},
		{"'a' == 'a'", true},
		{"'a' != 'b'", true},
		{"3 in [1, 2, 3]", true},
		{"5 in [1, 2, 3]", false},
	}
	for _, c := range cases {
		got, err := ev.Evaluate(c.expr, "msg", map[string]any{})
		require.NoError(t, err, c.expr)
		assert.Equal(t, c.want, got, c.expr)
	}
}

func TestEvaluateBooleanShortCircuit(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	got, err := ev.Evaluate("true or undefined_thing_that_would_error()", "msg", nil)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = ev.Evaluate("false and undefined_thing_that_would_error()", "msg", nil)
	require.NoError(t, err)
	assert.Equal(t, false, got)

	got, err = ev.Evaluate("not false", "msg", nil)
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestEvaluateIndexingAndAttributes(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	msg := map[string]any{
		"topic": "org.fedoraproject.prod.bodhi.update.request.testing",
		"agent": map[string]any{"username": "toshio"},
	}

	got, err := ev.Evaluate(`msg['topic']`, "msg", msg)
	require.NoError(t, err)
	assert.Equal(t, msg["topic"], got)

	got, err = ev.Evaluate(`msg.agent.username`, "msg", msg)
	require.NoError(t, err)
	assert.Equal(t, "toshio", got)

	got, err = ev.Evaluate(`msg.agent.username == 'toshio'`, "msg", msg)
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestEvaluateListAndMapLiterals(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	got, err := ev.Evaluate(`len([1, 2, 3])`, "msg", nil)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)

	got, err = ev.Evaluate(`{'a': 1, 'b': 2}['a']`, "msg", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)
}

func TestEvaluateCallAllowlist(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	got, err := ev.Evaluate(`upper(msg)`, "msg", "toshio")
	require.NoError(t, err)
	assert.Equal(t, "TOSHIO", got)

	_, err = ev.Evaluate(`open(msg)`, "msg", "/etc/passwd")
	require.Error(t, err, "calls outside the allowlist must be rejected")
}

func TestEvaluateStringMatches(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	got, err := ev.Evaluate(`msg.matches('org.fedoraproject.*')`, "msg", "org.fedoraproject.prod.bodhi.update")
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = ev.Evaluate(`msg.matches('org.example.*')`, "msg", "org.fedoraproject.prod.bodhi.update")
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestEvaluateUndefinedIdentifierErrors(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	_, err = ev.Evaluate(`nonexistent == 1`, "msg", nil)
	assert.Error(t, err)
}

func TestEvaluateMultiBinding(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	got, err := ev.EvaluateMulti(`query.count() > 10`, map[string]any{
		"query": fakeQueryHandle{count: 42},
	})
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

type fakeQueryHandle struct {
	count float64
}

func (f fakeQueryHandle) Count() (float64, error) {
	return f.count, nil
}

func TestIsReservedWord(t *testing.T) {
	assert.True(t, IsReservedWord("and"))
	assert.True(t, IsReservedWord("NOT"))
	assert.False(t, IsReservedWord("topic"))
}
