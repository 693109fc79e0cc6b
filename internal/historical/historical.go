// SPDX-License-Identifier: Apache-2.0

// Package historical implements the datanommer-backed criteria leaf: a
// HistoricalQuery formats its filter against the triggering message,
// runs it against the archival store, derives a result via its
// operation, and folds that result through its condition.
package historical

import (
	"context"
	"strings"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/fedora-infra/badge-engine/internal/predicate"
	"github.com/fedora-infra/badge-engine/internal/substitution"
)

var errDomain = oops.Code("historical")

// reservedFilterParams are rejected in a rule's filter regardless of what
// the store's signature introspection reports: the engine itself
// injects "defer" into every query and must not let a rule author also
// set it.
var reservedFilterParams = map[string]bool{"defer": true}

// QueryHandle is the live handle returned by the archival store for a
// constructed query. Count satisfies expr.QueryHandle so `.count()` can
// be called from a lambda operation; Invoke dispatches any other named,
// no-argument method the store chooses to expose (e.g. "users",
// "packages").
type QueryHandle interface {
	Count() (float64, error)
	Invoke(method string) (any, error)
}

// Store is the archival/datanommer collaborator. QuerySignature reports
// the accepted filter parameter names, introspected from the live
// client at startup, so rule-load-time validation can reject unknown
// filter keys early.
type Store interface {
	QuerySignature(ctx context.Context) ([]string, error)
	Query(ctx context.Context, filter map[string]any) (total int, pages int, handle QueryHandle, err error)
}

// Expression evaluates a single-bound-name expression. Implemented by
// *expr.Evaluator.
type Expression interface {
	Evaluate(expression string, name string, argument any) (any, error)
}

// conditionFunc folds an operation result against the condition's
// configured comparison value.
type conditionFunc func(result any) bool

var comparisonConditions = map[string]func(target, result float64) bool{
	"greater than":                  func(t, v float64) bool { return v > t },
	"is greater than":               func(t, v float64) bool { return v > t },
	"greater than or equal to":      func(t, v float64) bool { return v >= t },
	"is greater than or equal to":   func(t, v float64) bool { return v >= t },
	"less than":                     func(t, v float64) bool { return v < t },
	"is less than":                  func(t, v float64) bool { return v < t },
	"less than or equal to":         func(t, v float64) bool { return v <= t },
	"is less than or equal to":      func(t, v float64) bool { return v <= t },
	"equal to":                      func(t, v float64) bool { return v == t },
	"is equal to":                   func(t, v float64) bool { return v == t },
	"is not":                        func(t, v float64) bool { return v != t },
	"is not equal to":               func(t, v float64) bool { return v != t },
}

// Query is a parsed {filter, operation, condition} criterion.
type Query struct {
	filter    map[string]any
	operation any // "count" | method-name string | map[string]any{"lambda": expr}
	condition conditionFunc
	store     Store
	expr      Expression
}

// Config bundles the collaborators a Query needs at evaluation time,
// kept separate from the parsed YAML so Parse can be a pure function of
// the node plus signature. The evaluation context is not part of Config:
// it is supplied per call to Matches, since it comes from the
// triggering message, not from rule-load time.
type Config struct {
	Store Store
	Expr  Expression
}

// Parse builds a Query from a "datanommer" mapping node's value,
// validating the filter against sig (the store's introspected query
// signature) and the condition/operation shapes.
func Parse(node *yaml.Node, sig []string, cfg Config) (*Query, error) {
	if node.Kind != yaml.MappingNode {
		return nil, errDomain.Errorf("datanommer leaf must be a mapping")
	}

	var raw struct {
		Filter    map[string]any `yaml:"filter"`
		Operation any            `yaml:"operation"`
		Condition map[string]any `yaml:"condition"`
	}
	if err := node.Decode(&raw); err != nil {
		return nil, errDomain.Wrapf(err, "decoding datanommer leaf")
	}

	if raw.Filter == nil {
		return nil, errDomain.Errorf("datanommer leaf requires a filter")
	}
	allowed := make(map[string]bool, len(sig))
	for _, name := range sig {
		allowed[name] = true
	}
	for key := range raw.Filter {
		if reservedFilterParams[key] {
			return nil, errDomain.With("key", key).Errorf("filter parameter %q is reserved by the engine", key)
		}
		if len(allowed) > 0 && !allowed[key] {
			return nil, errDomain.With("key", key).Errorf("filter parameter %q is not accepted by the archival store", key)
		}
	}

	if raw.Operation == nil {
		return nil, errDomain.Errorf("datanommer leaf requires an operation")
	}
	switch op := raw.Operation.(type) {
	case string:
		// literal "count" or a method name; both validated at call time.
	case map[string]any:
		if _, ok := op["lambda"]; !ok || len(op) != 1 {
			return nil, errDomain.Errorf("operation mapping must be exactly {lambda: \"...\"}")
		}
	default:
		return nil, errDomain.Errorf("operation must be a string or a {lambda: ...} mapping")
	}

	if len(raw.Condition) != 1 {
		return nil, errDomain.Errorf("condition must have exactly one key, found %d", len(raw.Condition))
	}
	var condKey string
	var condVal any
	for k, v := range raw.Condition {
		condKey, condVal = k, v
	}

	var cond conditionFunc
	if condKey == "lambda" {
		exprStr, ok := condVal.(string)
		if !ok {
			return nil, errDomain.Errorf("condition lambda must be a string")
		}
		cond = func(result any) bool {
			v, err := cfg.Expr.Evaluate(exprStr, "value", result)
			if err != nil {
				return false
			}
			b, _ := v.(bool)
			return b
		}
	} else {
		cmp, ok := comparisonConditions[strings.ToLower(condKey)]
		if !ok {
			return nil, errDomain.With("condition", condKey).Errorf("unknown condition %q", condKey)
		}
		target, ok := toFloat(condVal)
		if !ok {
			return nil, errDomain.Errorf("condition value for %q must be numeric", condKey)
		}
		cond = func(result any) bool {
			rf, ok := toFloat(result)
			if !ok {
				return false
			}
			return cmp(target, rf)
		}
	}

	return &Query{
		filter:    raw.Filter,
		operation: raw.Operation,
		condition: cond,
		store:     cfg.Store,
		expr:      cfg.Expr,
	}, nil
}

// Matches implements predicate.Historical. ctx is the per-message
// context threaded in from consumer.Consume, bounding and making
// cancellable the archival-store network call. Any failure — a network
// error from the store, a malformed operation — is folded to a
// non-match and never propagated to the per-message loop.
func (q *Query) Matches(ctx context.Context, msg predicate.Matcher) bool {
	result, ok := q.evaluate(ctx, msg)
	if !ok {
		return false
	}
	return q.condition(result)
}

func (q *Query) evaluate(ctx context.Context, msg predicate.Matcher) (any, bool) {
	flat := substitution.Flatten(msg.Body())
	formatted := substitution.Format(q.filter, flat)
	resolved, err := substitution.ResolveLambdas(formatted, "msg", msg.Body(), lambdaAdapter{q.expr})
	if err != nil {
		return nil, false
	}
	filter, ok := resolved.(map[string]any)
	if !ok {
		return nil, false
	}
	filter = reduceUsers(filter)

	request := make(map[string]any, len(filter)+1)
	for k, v := range filter {
		request[k] = v
	}
	request["defer"] = true

	_, _, handle, err := q.store.Query(ctx, request)
	if err != nil {
		return nil, false
	}

	switch op := q.operation.(type) {
	case string:
		if op == "count" {
			total, err := handle.Count()
			if err != nil {
				return nil, false
			}
			return total, true
		}
		v, err := handle.Invoke(op)
		if err != nil {
			return nil, false
		}
		return v, true
	case map[string]any:
		exprStr, _ := op["lambda"].(string)
		v, err := q.expr.Evaluate(exprStr, "query", handle)
		if err != nil {
			return nil, false
		}
		return v, true
	default:
		return nil, false
	}
}

// reduceUsers reshapes the filter's "users" field for the Pagure-authors
// pattern: when it is a singleton list wrapping another list, the inner
// list replaces it. Only the container is reshaped: author names are not
// extracted from mapping elements, and a list of mappings that is not
// wrapped in a singleton list is passed through unchanged.
func reduceUsers(filter map[string]any) map[string]any {
	raw, ok := filter["users"]
	if !ok {
		return filter
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return filter
	}
	// If the elements are themselves containers, unwrap one level: this
	// matches Pagure-style message shapes where "users" is a singleton
	// list wrapping the real list of author dicts.
	if inner, ok := list[0].([]any); ok && len(list) == 1 {
		out := make(map[string]any, len(filter))
		for k, v := range filter {
			out[k] = v
		}
		out["users"] = inner
		return out
	}
	return filter
}

type lambdaAdapter struct {
	expr Expression
}

func (l lambdaAdapter) Evaluate(expression, name string, argument any) (any, error) {
	return l.expr.Evaluate(expression, name, argument)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}
