// SPDX-License-Identifier: Apache-2.0

// Package rule binds a trigger predicate, a criteria predicate,
// recipient extraction, and identity-translation flags into a single
// named badge definition, and owns the eligibility pipeline that turns
// an incoming message into a set of recipients.
package rule

import (
	"context"
	"fmt"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/fedora-infra/badge-engine/internal/historical"
	"github.com/fedora-infra/badge-engine/internal/identity"
	"github.com/fedora-infra/badge-engine/internal/predicate"
	"github.com/fedora-infra/badge-engine/internal/substitution"
)

var errDomain = oops.Code("rule")

var requiredFields = map[string]bool{
	"name": true, "description": true, "image_url": true,
	"creator": true, "discussion": true, "issuer_id": true,
	"trigger": true, "criteria": true,
}

var possibleFields = unionFields(requiredFields, map[string]bool{
	"tags": true, "recipient": true,
	"recipient_nick2fas": true, "recipient_email2fas": true,
	"recipient_openid2fas": true, "recipient_github2fas": true,
	"recipient_distgit2fas": true, "recipient_krb2fas": true,
})

func unionFields(sets ...map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for _, s := range sets {
		for k := range s {
			out[k] = true
		}
	}
	return out
}

// Message is the bus message a rule evaluates against.
type Message interface {
	Topic() string
	Body() map[string]any
	Usernames() []string
}

// Expression evaluates single-bound-name expressions (for lambda
// predicate leaves and historical-query conditions).
type Expression interface {
	Evaluate(expression string, name string, argument any) (any, error)
}

// Definition is the raw decoded rule YAML, used to validate shape before
// building the predicate trees.
type Definition struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	ImageURL    string   `yaml:"image_url"`
	Creator     string   `yaml:"creator"`
	Discussion  string   `yaml:"discussion"`
	IssuerID    string   `yaml:"issuer_id"`
	Tags        []string `yaml:"tags"`
	Recipient   *string  `yaml:"recipient"`

	RecipientNick2FAS    bool `yaml:"recipient_nick2fas"`
	RecipientEmail2FAS   bool `yaml:"recipient_email2fas"`
	RecipientOpenID2FAS  bool `yaml:"recipient_openid2fas"`
	RecipientGitHub2FAS  bool `yaml:"recipient_github2fas"`
	RecipientDistgit2FAS bool `yaml:"recipient_distgit2fas"`
	RecipientKrb2FAS     bool `yaml:"recipient_krb2fas"`

	Trigger  yaml.Node `yaml:"trigger"`
	Criteria yaml.Node `yaml:"criteria"`
}

// Rule is a fully constructed, immutable badge definition.
type Rule struct {
	Name        string
	BadgeID     string
	Description string
	ImageURL    string
	Creator     string
	Discussion  string
	IssuerID    string
	Tags        []string

	recipientTemplate *string
	flags             identity.Flags

	trigger  *predicate.Node
	criteria *predicate.Node

	expr     Expression
	resolver *identity.Resolver
}

// BuildConfig carries the collaborators needed to construct a Rule from
// a Definition: the expression evaluator, the identity resolver, the
// historical store's introspected query signature, and a constructor
// for the historical-query Config bound to this evaluation context.
type BuildConfig struct {
	Expr           Expression
	Resolver       *identity.Resolver
	HistoricalSig  []string
	HistoricalCfg  func() historical.Config
}

// Validate checks that a raw YAML mapping's keys are an allowed subset
// and that all required fields are present, without yet constructing
// predicate trees. Unknown fields are a definition error.
func Validate(fields map[string]any) error {
	for key := range fields {
		if !possibleFields[key] {
			return errDomain.With("field", key).Errorf("unknown rule field %q", key)
		}
	}
	for req := range requiredFields {
		if _, ok := fields[req]; !ok {
			return errDomain.With("field", req).Errorf("missing required rule field %q", req)
		}
	}
	return nil
}

// Build constructs a Rule from a Definition, parsing its trigger and
// criteria predicate trees.
func Build(def *Definition, cfg BuildConfig) (*Rule, error) {
	if def.Name == "" {
		return nil, errDomain.Errorf("rule name is required")
	}

	trigger, err := predicate.Parse(&def.Trigger, predicate.KindTrigger, nil)
	if err != nil {
		return nil, errDomain.Wrapf(err, "parsing trigger for rule %q", def.Name)
	}

	historicalParser := func(node *yaml.Node) (predicate.Historical, error) {
		hcfg := historical.Config{}
		if cfg.HistoricalCfg != nil {
			hcfg = cfg.HistoricalCfg()
		}
		return historical.Parse(node, cfg.HistoricalSig, hcfg)
	}
	criteria, err := predicate.Parse(&def.Criteria, predicate.KindCriteria, historicalParser)
	if err != nil {
		return nil, errDomain.Wrapf(err, "parsing criteria for rule %q", def.Name)
	}

	return &Rule{
		Name:        def.Name,
		BadgeID:     DeriveBadgeID(def.Name),
		Description: def.Description,
		ImageURL:    def.ImageURL,
		Creator:     def.Creator,
		Discussion:  def.Discussion,
		IssuerID:    def.IssuerID,
		Tags:        def.Tags,

		recipientTemplate: def.Recipient,
		flags: identity.Flags{
			Nick2FAS:    def.RecipientNick2FAS,
			Email2FAS:   def.RecipientEmail2FAS,
			OpenID2FAS:  def.RecipientOpenID2FAS,
			GitHub2FAS:  def.RecipientGitHub2FAS,
			Distgit2FAS: def.RecipientDistgit2FAS,
			Krb2FAS:     def.RecipientKrb2FAS,
		},

		trigger:  trigger,
		criteria: criteria,
		expr:     cfg.Expr,
		resolver: cfg.Resolver,
	}, nil
}

// DeriveBadgeID derives a stable badge identifier from a rule name: the
// same transform the rule repository uses to key its assertion-store
// upsert, so a rule that only changes unrelated fields keeps its badge
// identity across reloads.
func DeriveBadgeID(name string) string {
	return slugify(name)
}

func slugify(s string) string {
	out := make([]rune, 0, len(s))
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
			lastDash = false
		case r >= 'A' && r <= 'Z':
			out = append(out, r-'A'+'a')
			lastDash = false
		default:
			if !lastDash && len(out) > 0 {
				out = append(out, '-')
				lastDash = true
			}
		}
	}
	for len(out) > 0 && out[len(out)-1] == '-' {
		out = out[:len(out)-1]
	}
	return string(out)
}

// Matches runs the full eligibility pipeline and returns the set of
// accounts that should receive this badge for msg. It never returns an
// error: any failure along the way is folded into an empty result so
// one rule's trouble never aborts processing of the message by other
// rules.
func (r *Rule) Matches(ctx context.Context, msg Message) []string {
	if !r.trigger.Matches(ctx, msgAdapter{msg}, r.expr, nil) {
		return nil
	}

	awardees, err := r.initialAwardees(ctx, msg)
	if err != nil {
		return nil
	}

	awardees = identity.FilterBasic(awardees)
	if r.resolver != nil {
		awardees, err = r.resolver.FilterDedupAndOptOut(ctx, r.BadgeID, awardees)
		if err != nil {
			return nil
		}
	}
	if len(awardees) == 0 {
		return nil
	}

	if !r.criteria.Matches(ctx, msgAdapter{msg}, r.expr, nil) {
		return nil
	}

	if r.resolver != nil {
		awardees, err = r.resolver.FilterExists(ctx, awardees)
		if err != nil {
			return nil
		}
	}

	return awardees
}

func (r *Rule) initialAwardees(ctx context.Context, msg Message) ([]string, error) {
	var raw []string

	if r.recipientTemplate != nil {
		flat := substitution.Flatten(msg.Body())
		expanded := substitution.Format(*r.recipientTemplate, flat)
		names, err := expandRecipient(expanded)
		if err != nil {
			return nil, err
		}
		raw = names
	} else {
		raw = msg.Usernames()
	}

	if r.resolver == nil || (!r.flags.Nick2FAS && !r.flags.Email2FAS && !r.flags.OpenID2FAS &&
		!r.flags.GitHub2FAS && !r.flags.Distgit2FAS && !r.flags.Krb2FAS) {
		return raw, nil
	}
	return r.resolver.Translate(ctx, raw, r.flags)
}

// expandRecipient implements the scalar/None/list-of-author-dicts
// expansion rules for a formatted recipient template result.
func expandRecipient(expanded any) ([]string, error) {
	switch v := expanded.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []any:
		return identity.ExtractPagureAuthors(v)
	default:
		return nil, fmt.Errorf("unexpected recipient template result type %T", expanded)
	}
}

// msgAdapter satisfies predicate.Matcher for a rule.Message.
type msgAdapter struct{ Message }
