// SPDX-License-Identifier: Apache-2.0

// Package substitution flattens nested message bodies into dotted-key
// tables and expands %(key)s-style templates over them.
package substitution

import (
	"fmt"
	"strconv"
	"strings"
)

// Flatten walks a nested map and produces a dotted-key table.
//
// For a nested mapping under key k with child k', both "k.k'" and the
// intermediate "k" (bound to the whole subtree) are emitted. String
// scalars are lowercased on emission; numbers and booleans pass through
// unchanged. Flatten is idempotent: flattening an already-flat map
// re-emits the same entries, since scalar values are left untouched on a
// second pass.
func Flatten(msg map[string]any) map[string]any {
	out := make(map[string]any, len(msg)*2)
	flattenInto(msg, "", out)
	return out
}

func flattenInto(node map[string]any, prefix string, out map[string]any) {
	for key, val := range node {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		switch v := val.(type) {
		case map[string]any:
			out[full] = v
			flattenInto(v, full, out)
		case string:
			out[full] = strings.ToLower(v)
		default:
			out[full] = v
		}
	}
}

// Format recursively copies obj, substituting %(key)s-style placeholders
// from subs. A string that is exactly "%(key)s" (or any of the
// printf-style conversions) is replaced by the raw substituted value,
// preserving its original type; a string containing a placeholder
// alongside other text is rendered as a string. Lists and maps are
// traversed; other scalars pass through unchanged.
//
// Format is idempotent over substitution-free output: once a node no
// longer contains any "%(...)s" markers, re-applying Format is a no-op.
func Format(obj any, subs map[string]any) any {
	switch v := obj.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = Format(val, subs)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = Format(val, subs)
		}
		return out
	case string:
		return formatString(v, subs)
	default:
		return v
	}
}

// formatString expands "%(key)X" placeholders in s. If s is exactly one
// placeholder, the substituted value is returned with its original type
// (type-preserving substitution); otherwise all placeholders are
// rendered inline as strings.
func formatString(s string, subs map[string]any) any {
	if key, ok, whole := soleplaceholder(s); ok {
		if val, present := subs[key]; present {
			return val
		}
		return s
	} else if whole {
		// Not reached: soleplaceholder reports whole only together with
		// ok, and a sole placeholder whose key is missing is returned
		// unchanged above.
		_ = key
	}

	var b strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "%(")
		if start < 0 {
			b.WriteString(s[i:])
			break
		}
		start += i
		b.WriteString(s[i:start])
		end := strings.Index(s[start:], ")")
		if end < 0 {
			b.WriteString(s[start:])
			break
		}
		end += start
		key := s[start+2 : end]
		if end+1 >= len(s) {
			b.WriteString(s[start:])
			break
		}
		conv := s[end+1]
		if val, present := subs[key]; present {
			b.WriteString(scalarToString(val))
		} else {
			b.WriteString(s[start : end+2])
		}
		_ = conv
		i = end + 2
	}
	return b.String()
}

// soleplaceholder reports whether s is exactly one "%(key)X" placeholder
// with nothing before or after it, and returns the key.
func soleplaceholder(s string) (key string, isPlaceholder bool, looksLikeOne bool) {
	if !strings.HasPrefix(s, "%(") || len(s) < 4 {
		return "", false, false
	}
	end := strings.Index(s, ")")
	if end < 0 || end+2 != len(s) {
		return "", false, false
	}
	return s[2:end], true, true
}

func scalarToString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// LambdaEvaluator evaluates a single-argument expression over a named
// binding, e.g. {lambda: "msg['foo'] == 1"} bound to name="msg".
type LambdaEvaluator interface {
	Evaluate(expression string, name string, argument any) (any, error)
}

// ResolveLambdas finds any sub-mapping of the single shape
// {lambda: "expression"} within obj and replaces it with the result of
// evaluating that expression with arg bound to name (e.g. "msg"). Every
// lambda in obj is evaluated against that same single binding.
func ResolveLambdas(obj any, name string, arg any, ev LambdaEvaluator) (any, error) {
	switch v := obj.(type) {
	case map[string]any:
		if len(v) == 1 {
			if expr, ok := v["lambda"]; ok {
				exprStr, isStr := expr.(string)
				if !isStr {
					return nil, fmt.Errorf("lambda expression must be a string, got %T", expr)
				}
				return ev.Evaluate(exprStr, name, arg)
			}
		}
		out := make(map[string]any, len(v))
		for k, val := range v {
			resolved, err := ResolveLambdas(val, name, arg, ev)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			resolved, err := ResolveLambdas(val, name, arg, ev)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return obj, nil
	}
}
