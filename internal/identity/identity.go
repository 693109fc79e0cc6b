// SPDX-License-Identifier: Apache-2.0

// Package identity resolves raw identifiers pulled out of bus messages
// (nicknames, emails, OpenID URLs, GitHub API URLs, dist-git URLs,
// Kerberos principals, Pagure author dicts) into canonical account
// names, and filters the result down to accounts that should actually
// receive a badge.
package identity

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/oops"
)

var errDomain = oops.Code("identity")

// BannedAccounts lists service/bot accounts that must never be awarded
// badges, regardless of what a message attributes an action to.
var BannedAccounts = map[string]bool{
	"bodhi":     true,
	"oscar":     true,
	"apache":    true,
	"koji":      true,
	"taskotron": true,
}

// Directory is the FASJSON-like directory service collaborator used by
// the nick2fas/email2fas/github2fas translators and the final
// FAS-existence filter.
type Directory interface {
	LookupByNickname(ctx context.Context, nickname string) (username string, found bool, err error)
	LookupByEmail(ctx context.Context, email string) (username string, found bool, err error)
	LookupByGithubUsername(ctx context.Context, ghLogin string) (username string, found bool, err error)
	Exists(ctx context.Context, username string) (bool, error)
}

// AssertionStore is the subset of the assertion store needed for
// duplicate-suppression and opt-out filtering.
type AssertionStore interface {
	AssertionExists(ctx context.Context, badgeID string, email string) (bool, error)
	PersonOptedOut(ctx context.Context, email string) (bool, error)
}

// Config carries the per-deployment values the translators need: the
// FAS primary email domain, the OpenID provider hostname, and the
// dist-git hostname.
type Config struct {
	PrimaryDomain      string // e.g. "fedoraproject.org"
	IDProviderHostname string // e.g. "id.fedoraproject.org"
	DistgitHostname    string // e.g. "src.fedoraproject.org"
}

// Flags selects which translators to run, in the fixed order
// nick2fas, email2fas, openid2fas, github2fas, distgit2fas, krb2fas.
type Flags struct {
	Nick2FAS    bool
	Email2FAS   bool
	OpenID2FAS  bool
	GitHub2FAS  bool
	Distgit2FAS bool
	Krb2FAS     bool
}

// Resolver applies translators and post-translation filters.
type Resolver struct {
	dir    Directory
	store  AssertionStore
	cfg    Config

	openIDPattern  *regexp.Regexp
	distgitPattern *regexp.Regexp
}

// NewResolver builds a Resolver. dir and store may be nil when the
// caller does not intend to run translators that need them; doing so
// surfaces as an error rather than a panic. The filters instead skip
// their check and return the identifiers unchanged when the
// collaborator they need is nil.
func NewResolver(dir Directory, store AssertionStore, cfg Config) *Resolver {
	return &Resolver{
		dir:   dir,
		store: store,
		cfg:   cfg,
		openIDPattern: regexp.MustCompile(
			`^https?://([a-zA-Z0-9_-]+)\.` + regexp.QuoteMeta(cfg.IDProviderHostname) + `/?$`,
		),
		distgitPattern: regexp.MustCompile(
			`^https?://` + regexp.QuoteMeta(cfg.DistgitHostname) + `/user/([a-zA-Z0-9_-]+)/?$`,
		),
	}
}

// ExtractPagureAuthors extracts canonical account names from a list
// that may hold raw strings or Pagure-style {name, fullname} mappings.
// A mapping missing "name" is a definition-level data error and MUST
// raise, per the schema-change detection contract: it signals the
// message shape changed out from under the rule, not an identity to
// silently skip.
func ExtractPagureAuthors(raw []any) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			name, ok := v["name"]
			if !ok {
				return nil, errDomain.Errorf("pagure author mapping missing required %q field: %v", "name", v)
			}
			nameStr, ok := name.(string)
			if !ok {
				return nil, errDomain.Errorf("pagure author %q field is not a string: %v", "name", name)
			}
			out = append(out, nameStr)
		default:
			return nil, errDomain.Errorf("unexpected author list element type %T", item)
		}
	}
	return out, nil
}

// Translate runs the enabled translators, in their fixed order, over
// identifiers. Each enabled translator replaces the working set with
// its own output before the next translator runs.
func (r *Resolver) Translate(ctx context.Context, identifiers []string, flags Flags) ([]string, error) {
	current := identifiers

	if flags.Nick2FAS {
		next, err := r.mapEach(ctx, current, r.nick2fas)
		if err != nil {
			return nil, err
		}
		current = next
	}
	if flags.Email2FAS {
		next, err := r.mapEach(ctx, current, r.email2fas)
		if err != nil {
			return nil, err
		}
		current = next
	}
	if flags.OpenID2FAS {
		next := make([]string, len(current))
		for i, id := range current {
			next[i] = r.openid2fas(id)
		}
		current = next
	}
	if flags.GitHub2FAS {
		next, err := r.mapEach(ctx, current, r.github2fas)
		if err != nil {
			return nil, err
		}
		current = next
	}
	if flags.Distgit2FAS {
		next := make([]string, len(current))
		for i, id := range current {
			next[i] = r.distgit2fas(id)
		}
		current = next
	}
	if flags.Krb2FAS {
		next := make([]string, len(current))
		for i, id := range current {
			next[i] = r.krb2fas(id)
		}
		current = next
	}
	return current, nil
}

// mapEach applies a translator that can drop an identifier (by
// returning found=false) across a list, and fails fast on lookup error.
func (r *Resolver) mapEach(ctx context.Context, identifiers []string, fn func(context.Context, string) (string, bool, error)) ([]string, error) {
	out := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		translated, found, err := fn(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, translated)
		}
	}
	return out, nil
}

func (r *Resolver) nick2fas(ctx context.Context, nickname string) (string, bool, error) {
	if r.dir == nil {
		return "", false, errDomain.Errorf("nick2fas requires a directory client")
	}
	return r.dir.LookupByNickname(ctx, nickname)
}

func (r *Resolver) email2fas(ctx context.Context, email string) (string, bool, error) {
	suffix := "@" + r.cfg.PrimaryDomain
	if strings.HasSuffix(email, suffix) {
		return strings.TrimSuffix(email, suffix), true, nil
	}
	if r.dir == nil {
		return "", false, errDomain.Errorf("email2fas requires a directory client")
	}
	return r.dir.LookupByEmail(ctx, email)
}

// openid2fas never drops an identifier: a non-matching input is
// returned unchanged, per the translator's documented fallback.
func (r *Resolver) openid2fas(openid string) string {
	m := r.openIDPattern.FindStringSubmatch(openid)
	if m == nil {
		return openid
	}
	return m[1]
}

func (r *Resolver) github2fas(ctx context.Context, apiURL string) (string, bool, error) {
	const prefix = "https://api.github.com/users/"
	if !strings.HasPrefix(apiURL, prefix) {
		return "", false, nil
	}
	ghLogin := strings.TrimPrefix(apiURL, prefix)
	if r.dir == nil {
		return "", false, errDomain.Errorf("github2fas requires a directory client")
	}
	return r.dir.LookupByGithubUsername(ctx, ghLogin)
}

// distgit2fas never drops an identifier: a non-matching input is
// returned unchanged, matching openid2fas's fallback behavior.
func (r *Resolver) distgit2fas(distgitURL string) string {
	m := r.distgitPattern.FindStringSubmatch(distgitURL)
	if m == nil {
		return distgitURL
	}
	return m[1]
}

func (r *Resolver) krb2fas(principal string) string {
	if idx := strings.Index(principal, "/"); idx >= 0 {
		return principal[:idx]
	}
	return principal
}

// FilterBasic applies the first three post-translation filters: drop
// empty entries, drop banned service accounts, and drop anything that
// looks like an internal IP literal.
func FilterBasic(identifiers []string) []string {
	out := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		if BannedAccounts[id] {
			continue
		}
		if strings.HasPrefix(id, "192.168.") || strings.HasPrefix(id, "10.") {
			continue
		}
		out = append(out, id)
	}
	return out
}

// FilterDedupAndOptOut applies filters 4 and 5: drop identifiers that
// already hold the given badge, and drop identifiers whose owner has
// opted out. Both checks query the assertion store, so this step is
// skipped entirely (returning identifiers unchanged) when store is nil,
// matching the "only if connected" behavior of the original engine.
func (r *Resolver) FilterDedupAndOptOut(ctx context.Context, badgeID string, identifiers []string) ([]string, error) {
	if r.store == nil {
		return identifiers, nil
	}
	out := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		email := fmt.Sprintf("%s@%s", id, r.cfg.PrimaryDomain)
		exists, err := r.store.AssertionExists(ctx, badgeID, email)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		optedOut, err := r.store.PersonOptedOut(ctx, email)
		if err != nil {
			return nil, err
		}
		if optedOut {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// FilterExists applies the final, most expensive filter: confirm each
// identifier is a real FAS account. It is run last, and only after the
// criteria check has already succeeded, since it is the costliest check
// in the pipeline.
func (r *Resolver) FilterExists(ctx context.Context, identifiers []string) ([]string, error) {
	if r.dir == nil {
		return identifiers, nil
	}
	out := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		ok, err := r.dir.Exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}
