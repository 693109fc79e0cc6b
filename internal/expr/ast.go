// SPDX-License-Identifier: Apache-2.0

// Package expr implements the sandboxed single-argument expression
// language used by "lambda" predicate leaves and historical-query
// operations/conditions. It is a small, restricted grammar — literals,
// arithmetic, comparison, boolean logic, indexing, and calls from a
// fixed allowlist — interpreted by a switch-based evaluator. There is no
// escape to assignment, imports, attribute access on Go values beyond
// map/slice indexing, or any side-effecting call: this is the one
// sanctioned extension point for rule authors, and it must stay inert
// outside of the binding it is handed.
package expr

import (
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var exprLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`},
	{Name: "Number", Pattern: `-?[0-9]+(\.[0-9]+)?`},
	{Name: "OpAnd", Pattern: `&&|\band\b`},
	{Name: "OpOr", Pattern: `\|\||\bor\b`},
	{Name: "OpEq", Pattern: `==`},
	{Name: "OpNe", Pattern: `!=`},
	{Name: "OpGe", Pattern: `>=`},
	{Name: "OpLe", Pattern: `<=`},
	{Name: "OpGt", Pattern: `>`},
	{Name: "OpLt", Pattern: `<`},
	{Name: "OpIn", Pattern: `\bin\b`},
	{Name: "Bang", Pattern: `!|\bnot\b`},
	{Name: "Dot", Pattern: `\.`},
	{Name: "Comma", Pattern: `,`},
	{Name: "Colon", Pattern: `:`},
	{Name: "LParen", Pattern: `\(`},
	{Name: "RParen", Pattern: `\)`},
	{Name: "LBracket", Pattern: `\[`},
	{Name: "RBracket", Pattern: `\]`},
	{Name: "LBrace", Pattern: `\{`},
	{Name: "RBrace", Pattern: `\}`},
	{Name: "Plus", Pattern: `\+`},
	{Name: "Minus", Pattern: `-`},
	{Name: "Star", Pattern: `\*`},
	{Name: "Slash", Pattern: `/`},
	{Name: "Percent", Pattern: `%`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "whitespace", Pattern: `\s+`},
})

// reservedWords MUST NOT be used as call names; they are grammar
// keywords, not identifiers available to call().
var reservedWords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true,
	"true": true, "false": true, "null": true,
}

// Expression is the root of a parsed lambda expression.
type Expression struct {
	Pos  lexer.Position `parser:"" json:"-"`
	Root *OrExpr        `parser:"@@" json:"root"`
}

// OrExpr is a chain of AndExpr joined by ||.
type OrExpr struct {
	Pos   lexer.Position `parser:"" json:"-"`
	Terms []*AndExpr     `parser:"@@ (OpOr @@)*" json:"terms"`
}

// AndExpr is a chain of NotExpr joined by &&.
type AndExpr struct {
	Pos   lexer.Position `parser:"" json:"-"`
	Terms []*NotExpr     `parser:"@@ (OpAnd @@)*" json:"terms"`
}

// NotExpr is an optionally-negated Comparison.
type NotExpr struct {
	Pos     lexer.Position `parser:"" json:"-"`
	Negated bool           `parser:"@Bang?" json:"negated"`
	Value   *Comparison    `parser:"@@" json:"value"`
}

// Comparison is an Additive optionally followed by one comparison
// operator and another Additive. Chained comparisons are not supported
// (matching the restricted grammar's single-hop design).
type Comparison struct {
	Pos   lexer.Position `parser:"" json:"-"`
	Left  *Additive      `parser:"@@" json:"left"`
	Op    string         `parser:"(@(OpEq | OpNe | OpGe | OpLe | OpGt | OpLt | OpIn)" json:"op,omitempty"`
	Right *Additive      `parser:"  @@)?" json:"right,omitempty"`
}

// Additive is a chain of Multiplicative joined by + or -.
type Additive struct {
	Pos   lexer.Position    `parser:"" json:"-"`
	Left  *Multiplicative   `parser:"@@" json:"left"`
	Rest  []*AdditiveRHS    `parser:"@@*" json:"rest,omitempty"`
}

// AdditiveRHS is one (+|-) Multiplicative pair.
type AdditiveRHS struct {
	Pos   lexer.Position  `parser:"" json:"-"`
	Op    string          `parser:"@(Plus | Minus)" json:"op"`
	Value *Multiplicative `parser:"@@" json:"value"`
}

// Multiplicative is a chain of Unary joined by *, / or %.
type Multiplicative struct {
	Pos  lexer.Position `parser:"" json:"-"`
	Left *Unary         `parser:"@@" json:"left"`
	Rest []*MulRHS      `parser:"@@*" json:"rest,omitempty"`
}

// MulRHS is one (*|/|%) Unary pair.
type MulRHS struct {
	Pos   lexer.Position `parser:"" json:"-"`
	Op    string         `parser:"@(Star | Slash | Percent)" json:"op"`
	Value *Unary         `parser:"@@" json:"value"`
}

// Unary is an optionally negated Postfix.
type Unary struct {
	Pos     lexer.Position `parser:"" json:"-"`
	Negated bool           `parser:"@Minus?" json:"negated"`
	Value   *Postfix       `parser:"@@" json:"value"`
}

// Postfix is a Primary followed by any number of attribute/index/call
// accessors, e.g. msg.agent.username, query.count(), items[0].
type Postfix struct {
	Pos       lexer.Position `parser:"" json:"-"`
	Primary   *Primary       `parser:"@@" json:"primary"`
	Accessors []*Accessor    `parser:"@@*" json:"accessors,omitempty"`
}

// Accessor is one ".ident", ".ident(args)", or "[expr]" suffix.
type Accessor struct {
	Pos   lexer.Position `parser:"" json:"-"`
	Dot   *DotAccessor   `parser:"  @@" json:"dot,omitempty"`
	Index *IndexAccessor `parser:"| @@" json:"index,omitempty"`
}

// DotAccessor is ".ident" optionally followed by a call argument list,
// i.e. attribute access (".count") or a method call (".count()").
type DotAccessor struct {
	Pos  lexer.Position `parser:"" json:"-"`
	Attr string         `parser:"Dot @Ident" json:"attr"`
	Call *CallArgs      `parser:"@@?" json:"call,omitempty"`
}

// CallArgs is a parenthesized, comma-separated argument list.
type CallArgs struct {
	Pos  lexer.Position `parser:"" json:"-"`
	Args []*OrExpr      `parser:"LParen (@@ (Comma @@)*)? RParen" json:"args,omitempty"`
}

// IndexAccessor is "[expr]" subscripting.
type IndexAccessor struct {
	Pos   lexer.Position `parser:"" json:"-"`
	Index *OrExpr        `parser:"LBracket @@ RBracket" json:"index"`
}

// Primary is a literal, identifier, parenthesized expression, function
// call, or list/map literal.
type Primary struct {
	Pos      lexer.Position `parser:"" json:"-"`
	Number   *float64       `parser:"  @Number" json:"number,omitempty"`
	Str      *string        `parser:"| @String" json:"str,omitempty"`
	True     bool           `parser:"| @'true'" json:"true,omitempty"`
	False    bool           `parser:"| @'false'" json:"false,omitempty"`
	Null     bool           `parser:"| @'null'" json:"null,omitempty"`
	Call     *CallExpr      `parser:"| @@" json:"call,omitempty"`
	Ident    string         `parser:"| @Ident" json:"ident,omitempty"`
	List     *ListLit       `parser:"| @@" json:"list,omitempty"`
	Map      *MapLit        `parser:"| @@" json:"map,omitempty"`
	SubExpr  *OrExpr        `parser:"| (LParen @@ RParen)" json:"sub_expr,omitempty"`
}

// CallExpr is a bare function call: ident(args...).
type CallExpr struct {
	Pos  lexer.Position `parser:"" json:"-"`
	Name string         `parser:"@Ident LParen" json:"name"`
	Args []*OrExpr      `parser:"(@@ (Comma @@)*)? RParen" json:"args,omitempty"`
}

// ListLit is a bracketed list: [expr, expr, ...].
type ListLit struct {
	Pos    lexer.Position `parser:"" json:"-"`
	Values []*OrExpr      `parser:"LBracket (@@ (Comma @@)*)? RBracket" json:"values,omitempty"`
}

// MapLit is a braced map: {string: expr, ...}.
type MapLit struct {
	Pos     lexer.Position `parser:"" json:"-"`
	Entries []*MapEntry    `parser:"LBrace (@@ (Comma @@)*)? RBrace" json:"entries,omitempty"`
}

// MapEntry is one "key": value pair in a MapLit.
type MapEntry struct {
	Pos   lexer.Position `parser:"" json:"-"`
	Key   string         `parser:"@String Colon" json:"key"`
	Value *OrExpr        `parser:"@@" json:"value"`
}

// NewParser builds a participle parser for the expression grammar.
func NewParser() (*participle.Parser[Expression], error) {
	return participle.Build[Expression](
		participle.Lexer(exprLexer),
		participle.Unquote("String"),
		participle.UseLookahead(participle.MaxLookahead),
	)
}

// IsReservedWord reports whether word is an expression grammar keyword
// and therefore unusable as a call or identifier name.
func IsReservedWord(word string) bool {
	return reservedWords[strings.ToLower(word)]
}

