// SPDX-License-Identifier: Apache-2.0

// Package ruleset scans a directory of rule YAML files, constructs each
// into an internal/rule.Rule, registers its badge with the assertion
// store, and publishes the resulting list as an immutable snapshot that
// consumers fetch under a read lock. Reloads replace the whole list;
// individual rule load failures are logged and skipped.
package ruleset

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/fedora-infra/badge-engine/internal/rule"
)

var errDomain = oops.Code("ruleset")

// BadgeRegistrar idempotently upserts a badge definition into the
// assertion store, keyed by its derived badge_id.
type BadgeRegistrar interface {
	RegisterBadge(ctx context.Context, r *rule.Rule) error
}

// RevisionSource reports whether the backing rules directory has
// changed since the last load. The default implementation shells out to
// git; tests substitute a fake that never needs subprocess access.
type RevisionSource interface {
	NeedsUpdate(since time.Time) (bool, error)
}

// GitRevisionSource is the default RevisionSource: a source-controlled
// checkout, change-detected via the last commit's author timestamp.
type GitRevisionSource struct {
	Directory string
	GitBinary string // defaults to "/usr/bin/git" when empty

	markSafeOnce sync.Once
	markSafeErr  error
}

// NewGitRevisionSource builds a GitRevisionSource rooted at directory.
func NewGitRevisionSource(directory string) *GitRevisionSource {
	return &GitRevisionSource{Directory: directory}
}

func (g *GitRevisionSource) gitBinary() string {
	if g.GitBinary != "" {
		return g.GitBinary
	}
	return "/usr/bin/git"
}

// MarkSafe ensures the checkout directory is registered in git's
// trusted-directory list, accommodating a process running under a
// different uid than the checkout's owner. Idempotent and safe to call
// more than once; only the first call does any work.
func (g *GitRevisionSource) MarkSafe() error {
	g.markSafeOnce.Do(func() {
		g.markSafeErr = g.markSafe()
	})
	return g.markSafeErr
}

func (g *GitRevisionSource) markSafe() error {
	abs, err := filepath.Abs(g.Directory)
	if err != nil {
		return errDomain.Wrapf(err, "resolving absolute path for %q", g.Directory)
	}

	out, err := exec.Command(g.gitBinary(), "config", "--get-all", "safe.directory").Output()
	var safeDirs []string
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			safeDirs = nil // option not set
		} else {
			return errDomain.Wrapf(err, "listing git safe.directory entries")
		}
	} else {
		safeDirs = strings.Split(strings.TrimSpace(string(out)), "\n")
	}

	for _, dir := range safeDirs {
		if dir == abs {
			return nil
		}
	}

	cmd := exec.Command(g.gitBinary(), "config", "--global", "--add", "safe.directory", abs)
	if err := cmd.Run(); err != nil {
		return errDomain.Wrapf(err, "adding %q to git safe.directory", abs)
	}
	return nil
}

// NeedsUpdate reports whether the directory's last commit postdates
// since.
func (g *GitRevisionSource) NeedsUpdate(since time.Time) (bool, error) {
	if since.IsZero() {
		return true, nil
	}
	out, err := exec.Command(g.gitBinary(), "-C", g.Directory, "log", "-1", "--pretty=format:%aI").Output()
	if err != nil {
		return false, errDomain.Wrapf(err, "reading last commit time for %q", g.Directory)
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(string(out)))
	if err != nil {
		return false, errDomain.Wrapf(err, "parsing last commit time %q", string(out))
	}
	return ts.After(since), nil
}

// Builder constructs a rule.Rule from a decoded definition; it is
// injected so Repository does not need to know about expr/identity/
// historical wiring directly.
type Builder func(def *rule.Definition) (*rule.Rule, error)

// Snapshot is an immutable view of the currently loaded rules.
type Snapshot struct {
	Rules     []*rule.Rule
	LoadedAt  time.Time
}

// Repository scans Directory for "*.yaml" and "*.yml" rule files and
// maintains a hot-reloadable, lock-protected snapshot of the resulting
// rules.
type Repository struct {
	Directory string
	Build     Builder
	Registrar BadgeRegistrar
	Revision  RevisionSource
	Logger    *slog.Logger

	mu       sync.RWMutex
	snapshot *Snapshot

	lastLoad atomic.Value // time.Time
}

// NewRepository constructs a Repository. Call Reload (or Publish) before
// first use; Snapshot returns an empty snapshot until then.
func NewRepository(directory string, build Builder, registrar BadgeRegistrar, revision RevisionSource, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		Directory: directory,
		Build:     build,
		Registrar: registrar,
		Revision:  revision,
		Logger:    logger,
		snapshot:  &Snapshot{},
	}
}

// Snapshot returns the current rule snapshot. Safe for concurrent use
// without external locking; the caller's reference remains valid for
// the duration of processing one message even across a concurrent
// reload.
func (r *Repository) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Publish atomically replaces the current snapshot with one built from
// rules, without touching the directory or the revision source. Used by
// callers that construct rules out-of-band (tests, or a one-shot
// validate command priming a snapshot before the first scheduled
// reload).
func (r *Repository) Publish(rules []*rule.Rule) {
	snap := &Snapshot{Rules: rules, LoadedAt: time.Now()}
	r.mu.Lock()
	r.snapshot = snap
	r.mu.Unlock()
	r.lastLoad.Store(snap.LoadedAt)
}

// NeedsUpdate reports whether a reload is due, per the revision source.
// Before the first load, and with no RevisionSource configured, every
// call reports true (no change-detection optimization, but also no
// incorrect staleness).
func (r *Repository) NeedsUpdate() (bool, error) {
	if r.Revision == nil {
		return true, nil
	}
	last, _ := r.lastLoad.Load().(time.Time)
	if last.IsZero() {
		return true, nil
	}
	return r.Revision.NeedsUpdate(last)
}

// Reload re-scans the directory unconditionally and atomically
// publishes the new snapshot, regardless of NeedsUpdate. Badge
// registration failures for one rule do not stop the others from
// loading; that rule is simply dropped with a logged error.
func (r *Repository) Reload(ctx context.Context) error {
	defs, err := r.scan()
	if err != nil {
		return errDomain.Wrapf(err, "scanning rules directory %q", r.Directory)
	}

	rules := make([]*rule.Rule, 0, len(defs))
	for _, loaded := range defs {
		built, err := r.Build(loaded.def)
		if err != nil {
			r.Logger.Error("failed to construct rule", "file", loaded.path, "error", err)
			continue
		}
		if r.Registrar != nil {
			if err := r.Registrar.RegisterBadge(ctx, built); err != nil {
				r.Logger.Error("failed to register badge", "file", loaded.path, "badge_id", built.BadgeID, "error", err)
				continue
			}
		}
		rules = append(rules, built)
	}

	snap := &Snapshot{Rules: rules, LoadedAt: time.Now()}

	r.mu.Lock()
	r.snapshot = snap
	r.mu.Unlock()

	r.lastLoad.Store(snap.LoadedAt)
	r.Logger.Info("rule set reloaded", "count", len(rules), "directory", r.Directory)
	return nil
}

// ReloadIfNeeded calls Reload only when NeedsUpdate reports a change.
func (r *Repository) ReloadIfNeeded(ctx context.Context) error {
	needs, err := r.NeedsUpdate()
	if err != nil {
		return err
	}
	if !needs {
		return nil
	}
	return r.Reload(ctx)
}

type loadedDef struct {
	path string
	def  *rule.Definition
}

func (r *Repository) scan() ([]loadedDef, error) {
	var out []loadedDef
	err := filepath.WalkDir(r.Directory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			r.Logger.Error("failed to read rule file", "file", path, "error", err)
			return nil
		}

		var fields map[string]any
		if err := yaml.Unmarshal(data, &fields); err != nil {
			r.Logger.Error("failed to parse rule file", "file", path, "error", err)
			return nil
		}
		if err := rule.Validate(fields); err != nil {
			r.Logger.Error("invalid rule definition", "file", path, "error", err)
			return nil
		}

		var def rule.Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			r.Logger.Error("failed to parse rule file", "file", path, "error", err)
			return nil
		}

		out = append(out, loadedDef{path: path, def: &def})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %q: %w", r.Directory, err)
	}
	return out, nil
}
