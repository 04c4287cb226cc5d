package patch

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

// Stats summarizes a unified diff.
type Stats struct {
	Files   int `json:"files"`
	Added   int `json:"added"`
	Deleted int `json:"deleted"`
}

// Diff renders a unified diff of every file the job modified against its
// backed-up original.
func (p *Patcher) Diff(ctx context.Context, jobID int64, root string) (string, error) {
	backups, err := p.store.Load(ctx, jobID)
	if err != nil {
		return "", err
	}
	paths, err := p.Touched(ctx, jobID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, rel := range paths {
		abs, err := resolve(root, rel)
		if err != nil {
			return "", err
		}
		current, err := os.ReadFile(abs)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", rel, err)
		}
		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(string(backups[rel])),
			B:        difflib.SplitLines(string(current)),
			FromFile: "a/" + rel,
			ToFile:   "b/" + rel,
			Context:  3,
		})
		if err != nil {
			return "", fmt.Errorf("diffing %s: %w", rel, err)
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

// DiffStats parses a unified diff and counts files and changed lines.
func DiffStats(unified string) (Stats, error) {
	if strings.TrimSpace(unified) == "" {
		return Stats{}, nil
	}
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(unified)).ReadAllFiles()
	if err != nil {
		return Stats{}, fmt.Errorf("parsing diff: %w", err)
	}
	st := Stats{Files: len(fileDiffs)}
	for _, fd := range fileDiffs {
		s := fd.Stat()
		// go-diff folds a paired delete+add into Changed.
		st.Added += int(s.Added + s.Changed)
		st.Deleted += int(s.Deleted + s.Changed)
	}
	return st, nil
}
