// Package patch applies fixes to a checked-out source tree so that every
// change stays reversible until the job is finished.
package patch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kalambet/lazarus/internal/compat"
	"github.com/kalambet/lazarus/internal/fixer"
)

// IssueResult is the outcome of one issue after Apply.
type IssueResult struct {
	Issue   compat.Issue
	Outcome fixer.Outcome
}

// Report summarizes an Apply call.
type Report struct {
	Results       []IssueResult
	FilesModified []string
	Imports       []string
}

// Count returns how many issues ended with outcome o.
func (r Report) Count(o fixer.Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Remaining returns the issues that were not fixed, grouped by file in the
// order they were given.
func (r Report) Remaining() []compat.FileIssues {
	var out []compat.FileIssues
	idx := make(map[string]int)
	for _, res := range r.Results {
		if res.Outcome == fixer.Fixed {
			continue
		}
		p := res.Issue.Location.File
		i, ok := idx[p]
		if !ok {
			i = len(out)
			idx[p] = i
			out = append(out, compat.FileIssues{Path: p})
		}
		out[i].Issues = append(out[i].Issues, res.Issue)
	}
	return out
}

// SourceChecker reports the issues of one file's source.
type SourceChecker interface {
	AnalyzeSource(ctx context.Context, path string, src []byte) ([]compat.Issue, error)
}

// Option configures a Patcher.
type Option func(*Patcher)

// WithSyntaxCheck makes Apply re-parse every rewritten file. A rewrite that
// turns a parsable file into an unparsable one is not written and its
// issues are reported Unchanged.
func WithSyntaxCheck(c SourceChecker) Option {
	return func(p *Patcher) { p.checker = c }
}

// Patcher writes fixes into a source tree, backing up originals first.
type Patcher struct {
	store   BackupStore
	checker SourceChecker
	logger  *slog.Logger
}

// New creates a Patcher. A nil store falls back to an in-memory one.
func New(store BackupStore, opts ...Option) *Patcher {
	if store == nil {
		store = NewMemoryStore()
	}
	p := &Patcher{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// breaksSyntax reports whether rewriting src to text introduced a syntax
// error. Without a checker every rewrite is accepted.
func (p *Patcher) breaksSyntax(ctx context.Context, path string, src, text []byte) (bool, error) {
	if p.checker == nil {
		return false, nil
	}
	after, err := p.checker.AnalyzeSource(ctx, path, text)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", path, err)
	}
	if !hasSyntaxError(after) {
		return false, nil
	}
	before, err := p.checker.AnalyzeSource(ctx, path, src)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", path, err)
	}
	return !hasSyntaxError(before), nil
}

func hasSyntaxError(issues []compat.Issue) bool {
	for _, is := range issues {
		if is.Kind == compat.KindSyntaxError {
			return true
		}
	}
	return false
}

// Apply runs the fix engine over every file and writes the changed ones.
// If any write fails, every file the job touched is restored before the
// error is returned.
func (p *Patcher) Apply(ctx context.Context, jobID int64, root string, files []compat.FileIssues) (Report, error) {
	var rep Report

	sorted := append([]compat.FileIssues(nil), files...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	for _, f := range sorted {
		if err := ctx.Err(); err != nil {
			return rep, p.abort(ctx, jobID, root, err)
		}

		var fixable []compat.Issue
		for _, is := range f.Issues {
			if is.AutoFixable() {
				fixable = append(fixable, is)
			} else {
				rep.Results = append(rep.Results, IssueResult{Issue: is, Outcome: fixer.Unchanged})
			}
		}
		if len(fixable) == 0 {
			continue
		}

		abs, err := resolve(root, f.Path)
		if err != nil {
			return rep, p.abort(ctx, jobID, root, err)
		}
		src, err := os.ReadFile(abs)
		if err != nil {
			return rep, p.abort(ctx, jobID, root, fmt.Errorf("reading %s: %w", f.Path, err))
		}

		res := fixer.Apply(src, fixable)
		if res.Changed(src) {
			broken, err := p.breaksSyntax(ctx, f.Path, src, res.Text)
			if err != nil {
				return rep, p.abort(ctx, jobID, root, err)
			}
			if broken {
				p.logger.Warn("mechanical rewrite breaks parsing, leaving file unchanged",
					"job_id", jobID, "path", f.Path, "issues", len(fixable))
				for _, is := range fixable {
					rep.Results = append(rep.Results, IssueResult{Issue: is, Outcome: fixer.Unchanged})
				}
				continue
			}
		}
		for i, is := range fixable {
			rep.Results = append(rep.Results, IssueResult{Issue: is, Outcome: res.Outcomes[i]})
		}
		if !res.Changed(src) {
			continue
		}

		if err := p.write(ctx, jobID, f.Path, abs, src, res.Text); err != nil {
			return rep, p.abort(ctx, jobID, root, err)
		}
		rep.FilesModified = append(rep.FilesModified, f.Path)
		rep.Imports = append(rep.Imports, res.Imports...)
		p.logger.Debug("patched file", "job_id", jobID, "path", f.Path,
			"fixed", res.Count(fixer.Fixed), "conflicting", res.Count(fixer.Conflicting))
	}
	return rep, nil
}

// Record replaces the content of an existing file in the tree, backing up
// its original first.
func (p *Patcher) Record(ctx context.Context, jobID int64, root, rel string, content []byte) error {
	abs, err := resolve(root, rel)
	if err != nil {
		return err
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("reading %s: %w", rel, err)
	}
	return p.write(ctx, jobID, rel, abs, src, content)
}

func (p *Patcher) write(ctx context.Context, jobID int64, rel, abs string, original, content []byte) error {
	if _, err := p.store.Save(ctx, jobID, rel, original); err != nil {
		return err
	}
	if err := writeAtomic(abs, content); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

func (p *Patcher) abort(ctx context.Context, jobID int64, root string, cause error) error {
	if _, err := p.Rollback(context.WithoutCancel(ctx), jobID, root); err != nil {
		return errors.Join(cause, fmt.Errorf("rolling back: %w", err))
	}
	return cause
}

// Rollback restores every backed-up file of the job and forgets the
// backups. It returns the number of files restored.
func (p *Patcher) Rollback(ctx context.Context, jobID int64, root string) (int, error) {
	backups, err := p.store.Load(ctx, jobID)
	if err != nil {
		return 0, err
	}

	paths := make([]string, 0, len(backups))
	for rel := range backups {
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	restored := 0
	var errs []error
	for _, rel := range paths {
		abs, err := resolve(root, rel)
		if err == nil {
			err = writeAtomic(abs, backups[rel])
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", rel, err))
			continue
		}
		restored++
	}
	if len(errs) > 0 {
		// Keep the backups so a later rollback can retry.
		return restored, errors.Join(errs...)
	}
	if err := p.store.Drop(ctx, jobID); err != nil {
		return restored, err
	}
	if restored > 0 {
		p.logger.Info("rolled back patches", "job_id", jobID, "files", restored)
	}
	return restored, nil
}

// Commit forgets the backups of a finished job, making its edits final.
func (p *Patcher) Commit(ctx context.Context, jobID int64) error {
	return p.store.Drop(ctx, jobID)
}

// Touched returns the relative paths of every file the job modified, sorted.
func (p *Patcher) Touched(ctx context.Context, jobID int64) ([]string, error) {
	backups, err := p.store.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(backups))
	for rel := range backups {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	return paths, nil
}

// resolve joins rel onto root, refusing paths that escape the tree.
func resolve(root, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("invalid path %q", rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes source tree", rel)
	}
	return filepath.Join(root, clean), nil
}

func writeAtomic(path string, content []byte) error {
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".lazarus-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
