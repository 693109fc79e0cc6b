// SPDX-License-Identifier: Apache-2.0

// Package predicate implements the boolean predicate tree parsed from a
// rule's trigger and criteria YAML. Operator nodes (all/any/not)
// aggregate children with short-circuit semantics; leaf nodes match
// against a bus message directly (topic/category/lambda) or, for
// criteria, against the archival store (datanommer).
package predicate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// errDomain scopes oops errors raised while building or evaluating a
// predicate tree.
var errDomain = oops.Code("predicate")

// Kind distinguishes which face of a rule a predicate tree was parsed
// for: some leaf keys (topic, category, lambda) are Trigger-only, and
// datanommer is Criteria-only.
type Kind int

const (
	// KindTrigger parses topic/category/lambda leaves (and boolean ops).
	KindTrigger Kind = iota
	// KindCriteria parses datanommer leaves (and boolean ops).
	KindCriteria
)

// Matcher is evaluated for message-facing leaves (Topic, Category,
// Expr). It keeps predicate decoupled from the
// wire message shape used by the consumer package.
type Matcher interface {
	Topic() string
	Body() map[string]any
}

// Expression evaluates a single-bound-name expression, e.g. "msg['foo']
// == 1" bound to name "msg". Implemented by *expr.Evaluator.
type Expression interface {
	Evaluate(expression string, name string, argument any) (any, error)
}

// Historical is implemented by a parsed HistoricalQuery (internal/historical),
// kept here as an interface so predicate does not import that package
// directly (historical imports predicate's Node type instead, avoiding an
// import cycle). ctx bounds and cancels the underlying archival-store
// network call; it is threaded in from the per-message context, never
// captured once at rule-build time.
type Historical interface {
	Matches(ctx context.Context, msg Matcher) bool
}

// Node is one predicate tree node. Exactly one of the fields is set,
// enforced during Parse.
type Node struct {
	All        []*Node
	Any        []*Node
	Not        *Node
	Topic      *string
	Category   *string
	Expr       *string
	Historical Historical
}

// Parse builds a predicate tree from a single YAML mapping node with
// exactly one key, per the construction rules for the given Kind.
// historicalParser is invoked for a "datanommer" key to build the nested
// HistoricalQuery; it may be nil when parsing a trigger (where
// datanommer is not a legal key).
func Parse(node *yaml.Node, kind Kind, historicalParser func(*yaml.Node) (Historical, error)) (*Node, error) {
	if node == nil {
		return nil, errDomain.Errorf("predicate node is nil")
	}
	if node.Kind != yaml.MappingNode {
		return nil, errDomain.Errorf("predicate node must be a mapping, got kind %d", node.Kind)
	}
	if len(node.Content) != 2 {
		return nil, errDomain.Errorf("predicate node must have exactly one key, found %d", len(node.Content)/2)
	}

	key := node.Content[0].Value
	value := node.Content[1]

	switch key {
	case "all", "any":
		if value.Kind != yaml.SequenceNode {
			return nil, errDomain.
				With("key", key).
				Errorf("%q operand must be a list", key)
		}
		children := make([]*Node, 0, len(value.Content))
		for _, c := range value.Content {
			child, err := Parse(c, kind, historicalParser)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if key == "all" {
			return &Node{All: children}, nil
		}
		return &Node{Any: children}, nil

	case "not":
		child, err := Parse(value, kind, historicalParser)
		if err != nil {
			return nil, err
		}
		return &Node{Not: child}, nil

	case "topic":
		if kind != KindTrigger {
			return nil, errDomain.Errorf("%q is only valid in a trigger predicate", key)
		}
		s := value.Value
		return &Node{Topic: &s}, nil

	case "category":
		if kind != KindTrigger {
			return nil, errDomain.Errorf("%q is only valid in a trigger predicate", key)
		}
		s := value.Value
		return &Node{Category: &s}, nil

	case "lambda":
		if kind != KindTrigger {
			return nil, errDomain.Errorf("%q is only valid in a trigger predicate", key)
		}
		s := value.Value
		return &Node{Expr: &s}, nil

	case "datanommer":
		if kind != KindCriteria {
			return nil, errDomain.Errorf("%q is only valid in a criteria predicate", key)
		}
		if historicalParser == nil {
			return nil, errDomain.Errorf("datanommer leaf requires a historical-query parser")
		}
		hq, err := historicalParser(value)
		if err != nil {
			return nil, err
		}
		return &Node{Historical: hq}, nil

	default:
		return nil, errDomain.With("key", key).Errorf("unknown predicate key %q", key)
	}
}

// Matches evaluates the tree against msg and an expression evaluator
// used for Expression leaves. ctx bounds any archival-store lookup a
// Historical leaf performs; it is the per-message context, not one
// fixed at rule-build time. Any evaluation error is swallowed and
// logged; the node is treated as non-matching, so a malformed or
// partial message never aborts rule processing.
func (n *Node) Matches(ctx context.Context, msg Matcher, ev Expression, logger *slog.Logger) bool {
	if n == nil {
		return true
	}
	switch {
	case n.All != nil:
		for _, child := range n.All {
			if !child.Matches(ctx, msg, ev, logger) {
				return false
			}
		}
		return true

	case n.Any != nil:
		for _, child := range n.Any {
			if child.Matches(ctx, msg, ev, logger) {
				return true
			}
		}
		return false

	case n.Not != nil:
		return !n.Not.Matches(ctx, msg, ev, logger)

	case n.Topic != nil:
		return strings.HasSuffix(msg.Topic(), *n.Topic)

	case n.Category != nil:
		return category(msg.Topic()) == *n.Category

	case n.Expr != nil:
		result, err := ev.Evaluate(*n.Expr, "msg", msg.Body())
		if err != nil {
			logSafe(logger, "predicate expression evaluation failed", "expression", *n.Expr, "error", err)
			return false
		}
		return truthy(result)

	case n.Historical != nil:
		return n.Historical.Matches(ctx, msg)

	default:
		logSafe(logger, "predicate node has no recognized leaf or operator set")
		return false
	}
}

// category returns the 4th dot-separated segment of topic, or "" if the
// topic has fewer than 4 segments. Fedora message topics look like
// org.fedoraproject.prod.<category>.<rest...>.
func category(topic string) string {
	parts := strings.Split(topic, ".")
	if len(parts) < 4 {
		return ""
	}
	return parts[3]
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	default:
		return true
	}
}

func logSafe(logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		return
	}
	logger.Warn(msg, args...)
}

// String is a small debugging helper; kept minimal since predicate
// trees are otherwise opaque once parsed.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	switch {
	case n.All != nil:
		return fmt.Sprintf("all(%d)", len(n.All))
	case n.Any != nil:
		return fmt.Sprintf("any(%d)", len(n.Any))
	case n.Not != nil:
		return "not(...)"
	case n.Topic != nil:
		return fmt.Sprintf("topic(%q)", *n.Topic)
	case n.Category != nil:
		return fmt.Sprintf("category(%q)", *n.Category)
	case n.Expr != nil:
		return fmt.Sprintf("lambda(%q)", *n.Expr)
	case n.Historical != nil:
		return "datanommer(...)"
	default:
		return "empty"
	}
}
