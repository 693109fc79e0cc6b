// SPDX-License-Identifier: Apache-2.0

package expr

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
)

// CallFunc is one allowlisted function available to expressions.
type CallFunc func(args []any) (any, error)

// Env is the evaluation environment for a single expression run: the
// bound argument (keyed by its name) plus the fixed call allowlist.
// Env carries no connection to the host process beyond what's passed in
// explicitly — there is no attribute access to hosts, files, or
// environment variables.
type Env struct {
	bindings map[string]any
	calls    map[string]CallFunc
	globs    map[string]glob.Glob
}

// NewEnv creates an evaluation environment binding a single name to
// value, with the default call allowlist.
func NewEnv(name string, value any) *Env {
	return &Env{
		bindings: map[string]any{name: value},
		calls:    defaultCalls(),
		globs:    make(map[string]glob.Glob),
	}
}

// WithBinding adds an additional name/value binding (used when an
// expression needs more than its single named argument in scope, e.g.
// historical-query lambdas that also see "msg").
func (e *Env) WithBinding(name string, value any) *Env {
	next := &Env{
		bindings: make(map[string]any, len(e.bindings)+1),
		calls:    e.calls,
		globs:    e.globs,
	}
	for k, v := range e.bindings {
		next.bindings[k] = v
	}
	next.bindings[name] = value
	return next
}

func defaultCalls() map[string]CallFunc {
	return map[string]CallFunc{
		"len":     callLen,
		"upper":   callUpper,
		"lower":   callLower,
		"str":     callStr,
		"int":     callInt,
		"float":   callFloat,
		"keys":    callKeys,
		"values":  callValues,
		"sorted":  callSorted,
		"matches": callMatches,
		"contains": callContains,
		"join":    callJoin,
		"split":   callSplit,
	}
}

// Evaluator parses and evaluates expressions against a bound argument.
// It is the one sanctioned escape hatch described by the design notes:
// a restricted grammar, never a call into the host language's own eval.
type Evaluator struct {
	parser *participleParser
}

// NewEvaluator constructs an Evaluator. Constructing the underlying
// participle parser is not free, so rule loading should create one
// Evaluator and reuse it across all predicate/criteria evaluations.
func NewEvaluator() (*Evaluator, error) {
	p, err := NewParser()
	if err != nil {
		return nil, fmt.Errorf("building expression parser: %w", err)
	}
	return &Evaluator{parser: &participleParser{p: p}}, nil
}

// Evaluate compiles and runs expression with a single binding name =
// argument in scope, returning the resulting value.
func (ev *Evaluator) Evaluate(expression string, name string, argument any) (any, error) {
	return ev.EvaluateMulti(expression, map[string]any{name: argument})
}

// EvaluateMulti runs expression with several named bindings in scope at
// once (e.g. {"query": queryHandle, "msg": body} for datanommer lambdas
// that reference both).
func (ev *Evaluator) EvaluateMulti(expression string, bindings map[string]any) (any, error) {
	ast, err := ev.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parsing expression %q: %w", expression, err)
	}
	env := &Env{bindings: bindings, calls: defaultCalls(), globs: make(map[string]glob.Glob)}
	return evalOr(env, ast.Root)
}

type participleParser struct {
	p interface {
		ParseString(filename, s string) (*Expression, error)
	}
}

func (pp *participleParser) Parse(s string) (*Expression, error) {
	return pp.p.ParseString("", s)
}

// --- evaluation ---

func evalOr(env *Env, n *OrExpr) (any, error) {
	var result any
	for i, term := range n.Terms {
		v, err := evalAnd(env, term)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			result = v
			if len(n.Terms) == 1 {
				return result, nil
			}
			if truthy(v) {
				return true, nil
			}
			continue
		}
		if truthy(v) {
			return true, nil
		}
		result = v
	}
	if len(n.Terms) > 1 {
		return false, nil
	}
	return result, nil
}

func evalAnd(env *Env, n *AndExpr) (any, error) {
	var result any
	for i, term := range n.Terms {
		v, err := evalNot(env, term)
		if err != nil {
			return nil, err
		}
		if len(n.Terms) == 1 {
			return v, nil
		}
		if i == 0 {
			result = v
		}
		if !truthy(v) {
			return false, nil
		}
		result = v
	}
	if len(n.Terms) > 1 {
		return true, nil
	}
	return result, nil
}

func evalNot(env *Env, n *NotExpr) (any, error) {
	v, err := evalComparison(env, n.Value)
	if err != nil {
		return nil, err
	}
	if n.Negated {
		return !truthy(v), nil
	}
	return v, nil
}

func evalComparison(env *Env, n *Comparison) (any, error) {
	left, err := evalAdditive(env, n.Left)
	if err != nil {
		return nil, err
	}
	if n.Op == "" {
		return left, nil
	}
	right, err := evalAdditive(env, n.Right)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "in":
		return memberOf(right, left), nil
	default:
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if lok && rok {
			switch n.Op {
			case ">":
				return lf > rf, nil
			case ">=":
				return lf >= rf, nil
			case "<":
				return lf < rf, nil
			case "<=":
				return lf <= rf, nil
			}
		}
		ls, lsok := left.(string)
		rs, rsok := right.(string)
		if lsok && rsok {
			switch n.Op {
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			}
		}
		return false, fmt.Errorf("cannot compare %T %s %T", left, n.Op, right)
	}
}

func evalAdditive(env *Env, n *Additive) (any, error) {
	acc, err := evalMultiplicative(env, n.Left)
	if err != nil {
		return nil, err
	}
	for _, rhs := range n.Rest {
		v, err := evalMultiplicative(env, rhs.Value)
		if err != nil {
			return nil, err
		}
		acc, err = applyAdditive(acc, rhs.Op, v)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func applyAdditive(left any, op string, right any) (any, error) {
	if op == "+" {
		if ls, ok := left.(string); ok {
			return ls + toStr(right), nil
		}
		if rs, ok := right.(string); ok {
			return toStr(left) + rs, nil
		}
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, fmt.Errorf("cannot apply %s to %T and %T", op, left, right)
	}
	if op == "+" {
		return lf + rf, nil
	}
	return lf - rf, nil
}

func evalMultiplicative(env *Env, n *Multiplicative) (any, error) {
	acc, err := evalUnary(env, n.Left)
	if err != nil {
		return nil, err
	}
	for _, rhs := range n.Rest {
		v, err := evalUnary(env, rhs.Value)
		if err != nil {
			return nil, err
		}
		lf, lok := toFloat(acc)
		rf, rok := toFloat(v)
		if !lok || !rok {
			return nil, fmt.Errorf("cannot apply %s to %T and %T", rhs.Op, acc, v)
		}
		switch rhs.Op {
		case "*":
			acc = lf * rf
		case "/":
			if rf == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			acc = lf / rf
		case "%":
			if rf == 0 {
				return nil, fmt.Errorf("modulo by zero")
			}
			acc = float64(int64(lf) % int64(rf))
		}
	}
	return acc, nil
}

func evalUnary(env *Env, n *Unary) (any, error) {
	v, err := evalPostfix(env, n.Value)
	if err != nil {
		return nil, err
	}
	if n.Negated {
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", v)
		}
		return -f, nil
	}
	return v, nil
}

func evalPostfix(env *Env, n *Postfix) (any, error) {
	v, err := evalPrimary(env, n.Primary)
	if err != nil {
		return nil, err
	}
	for _, acc := range n.Accessors {
		v, err = applyAccessor(env, v, acc)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

func applyAccessor(env *Env, v any, acc *Accessor) (any, error) {
	switch {
	case acc.Dot != nil:
		if acc.Dot.Call != nil {
			args, err := evalArgs(env, acc.Dot.Call.Args)
			if err != nil {
				return nil, err
			}
			return callMethod(v, acc.Dot.Attr, args)
		}
		return getAttr(v, acc.Dot.Attr)
	case acc.Index != nil:
		idx, err := evalOr(env, acc.Index.Index)
		if err != nil {
			return nil, err
		}
		return getIndex(v, idx)
	default:
		return nil, fmt.Errorf("malformed accessor")
	}
}

func evalPrimary(env *Env, n *Primary) (any, error) {
	switch {
	case n.Number != nil:
		return *n.Number, nil
	case n.Str != nil:
		return *n.Str, nil
	case n.True:
		return true, nil
	case n.False:
		return false, nil
	case n.Null:
		return nil, nil
	case n.Call != nil:
		args, err := evalArgs(env, n.Call.Args)
		if err != nil {
			return nil, err
		}
		fn, ok := env.calls[n.Call.Name]
		if !ok {
			return nil, fmt.Errorf("call to unknown or disallowed function %q", n.Call.Name)
		}
		return fn(args)
	case n.Ident != "":
		val, ok := env.bindings[n.Ident]
		if !ok {
			return nil, fmt.Errorf("undefined identifier %q", n.Ident)
		}
		return val, nil
	case n.List != nil:
		out := make([]any, len(n.List.Values))
		for i, v := range n.List.Values {
			val, err := evalOr(env, v)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case n.Map != nil:
		out := make(map[string]any, len(n.Map.Entries))
		for _, e := range n.Map.Entries {
			val, err := evalOr(env, e.Value)
			if err != nil {
				return nil, err
			}
			out[e.Key] = val
		}
		return out, nil
	case n.SubExpr != nil:
		return evalOr(env, n.SubExpr)
	default:
		return nil, fmt.Errorf("malformed primary expression")
	}
}

func evalArgs(env *Env, exprs []*OrExpr) ([]any, error) {
	out := make([]any, len(exprs))
	for i, e := range exprs {
		v, err := evalOr(env, e)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// --- accessors on Go values ---

func getAttr(v any, attr string) (any, error) {
	switch m := v.(type) {
	case map[string]any:
		return m[attr], nil
	default:
		return nil, fmt.Errorf("cannot access attribute %q of %T", attr, v)
	}
}

func getIndex(v any, idx any) (any, error) {
	switch coll := v.(type) {
	case []any:
		i, ok := toFloat(idx)
		if !ok {
			return nil, fmt.Errorf("list index must be numeric, got %T", idx)
		}
		ii := int(i)
		if ii < 0 || ii >= len(coll) {
			return nil, fmt.Errorf("list index %d out of range", ii)
		}
		return coll[ii], nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, fmt.Errorf("map index must be a string, got %T", idx)
		}
		return coll[key], nil
	default:
		return nil, fmt.Errorf("cannot index into %T", v)
	}
}

// callMethod supports the small set of object methods rule authors need:
// .count() on query handles and lists, .matches(pattern) string glob
// matching. Anything else is rejected.
func callMethod(recv any, name string, args []any) (any, error) {
	switch name {
	case "count":
		switch c := recv.(type) {
		case []any:
			return float64(len(c)), nil
		case QueryHandle:
			return c.Count()
		default:
			return nil, fmt.Errorf("count() not supported on %T", recv)
		}
	case "matches":
		s, ok := recv.(string)
		if !ok || len(args) != 1 {
			return nil, fmt.Errorf("matches() requires a string receiver and one pattern argument")
		}
		pattern, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("matches() pattern must be a string")
		}
		return globMatch(pattern, s)
	default:
		return nil, fmt.Errorf("method %q is not in the call allowlist", name)
	}
}

// QueryHandle is implemented by historical-store query handles so that
// `.count()` (and any future method) can be dispatched from expressions
// without expr importing the historical package.
type QueryHandle interface {
	Count() (float64, error)
}

func globMatch(pattern, s string) (bool, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	return g.Match(s), nil
}

// --- call allowlist implementations ---

func callLen(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("len() takes exactly one argument")
	}
	switch v := args[0].(type) {
	case string:
		return float64(len(v)), nil
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	default:
		return nil, fmt.Errorf("len() not supported on %T", v)
	}
}

func callUpper(args []any) (any, error) {
	s, err := oneString(args, "upper")
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func callLower(args []any) (any, error) {
	s, err := oneString(args, "lower")
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func callStr(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("str() takes exactly one argument")
	}
	return toStr(args[0]), nil
}

func callInt(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("int() takes exactly one argument")
	}
	switch v := args[0].(type) {
	case float64:
		return float64(int64(v)), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("int(): cannot parse %q", v)
		}
		return float64(int64(f)), nil
	default:
		return nil, fmt.Errorf("int() not supported on %T", v)
	}
}

func callFloat(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("float() takes exactly one argument")
	}
	f, ok := toFloat(args[0])
	if !ok {
		return nil, fmt.Errorf("float() not supported on %T", args[0])
	}
	return f, nil
}

func callKeys(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("keys() takes exactly one argument")
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("keys() requires a map argument")
	}
	out := make([]any, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].(string) < out[j].(string) })
	return out, nil
}

func callValues(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("values() takes exactly one argument")
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("values() requires a map argument")
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out, nil
}

func callSorted(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("sorted() takes exactly one argument")
	}
	list, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("sorted() requires a list argument")
	}
	out := make([]any, len(list))
	copy(out, list)
	sort.Slice(out, func(i, j int) bool {
		fi, iok := toFloat(out[i])
		fj, jok := toFloat(out[j])
		if iok && jok {
			return fi < fj
		}
		return toStr(out[i]) < toStr(out[j])
	})
	return out, nil
}

var safeRegexCache = map[string]*regexp.Regexp{}

func callMatches(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("matches() takes exactly two arguments: value, pattern")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("matches() first argument must be a string")
	}
	pattern, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("matches() second argument must be a string")
	}
	re, cached := safeRegexCache[pattern]
	if !cached {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		safeRegexCache[pattern] = re
	}
	return re.MatchString(s), nil
}

func callContains(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("contains() takes exactly two arguments: collection, value")
	}
	return memberOf(args[0], args[1]), nil
}

func callJoin(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("join() takes exactly two arguments: list, separator")
	}
	list, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("join() first argument must be a list")
	}
	sep, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("join() separator must be a string")
	}
	parts := make([]string, len(list))
	for i, v := range list {
		parts[i] = toStr(v)
	}
	return strings.Join(parts, sep), nil
}

func callSplit(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("split() takes exactly two arguments: string, separator")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("split() first argument must be a string")
	}
	sep, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("split() separator must be a string")
	}
	parts := strings.Split(s, sep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

// --- shared value helpers ---

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
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

func toStr(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func memberOf(collection any, value any) bool {
	switch c := collection.(type) {
	case []any:
		for _, item := range c {
			if looseEqual(item, value) {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := value.(string)
		if !ok {
			return false
		}
		_, present := c[key]
		return present
	case string:
		s, ok := value.(string)
		if !ok {
			return false
		}
		return strings.Contains(c, s)
	default:
		return false
	}
}
