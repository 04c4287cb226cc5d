// Package fixer applies deterministic rewrites for mechanical
// compatibility issues.
package fixer

import (
	"bytes"
	"sort"
	"strings"

	"github.com/kalambet/lazarus/internal/compat"
)

// Outcome of a single issue.
type Outcome int

const (
	Unchanged Outcome = iota
	Fixed
	Conflicting
)

func (o Outcome) String() string {
	switch o {
	case Fixed:
		return "fixed"
	case Conflicting:
		return "conflicting"
	default:
		return "unchanged"
	}
}

// Result of applying a set of issues to one file.
type Result struct {
	Text []byte
	// Outcomes is parallel to the issues passed to Apply.
	Outcomes []Outcome
	// Imports lists the import statements inserted.
	Imports []string
}

// Changed reports whether the text differs from the input.
func (r Result) Changed(src []byte) bool {
	return !bytes.Equal(r.Text, src)
}

// Count returns how many issues ended with outcome o.
func (r Result) Count(o Outcome) int {
	n := 0
	for _, got := range r.Outcomes {
		if got == o {
			n++
		}
	}
	return n
}

// Apply rewrites src for every mechanical issue it can fix. Edits are
// planned against the original text; issues are taken from the highest
// source position down and an issue whose edits touch bytes already
// claimed by an accepted edit is conflicting. Apply is pure and
// deterministic.
func Apply(src []byte, issues []compat.Issue) Result {
	res := Result{Outcomes: make([]Outcome, len(issues))}

	order := make([]int, len(issues))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := issues[order[a]].Location.Span, issues[order[b]].Location.Span
		if sa.Start != sb.Start {
			return sa.Start > sb.Start
		}
		return sa.End > sb.End
	})

	var (
		accepted []edit
		imports  []string
	)
	for _, idx := range order {
		edits, imps := plan(src, issues[idx])
		if len(edits) == 0 {
			res.Outcomes[idx] = Unchanged
			continue
		}
		if overlapsAny(edits, accepted) {
			res.Outcomes[idx] = Conflicting
			continue
		}
		accepted = append(accepted, edits...)
		imports = append(imports, imps...)
		res.Outcomes[idx] = Fixed
	}

	sort.Slice(accepted, func(a, b int) bool {
		return accepted[a].span.Start > accepted[b].span.Start
	})
	text := append([]byte(nil), src...)
	for _, e := range accepted {
		var buf []byte
		buf = append(buf, text[:e.span.Start]...)
		buf = append(buf, e.text...)
		buf = append(buf, text[e.span.End:]...)
		text = buf
	}

	sort.Strings(imports)
	for i, mod := range imports {
		if i > 0 && imports[i-1] == mod {
			continue
		}
		var added bool
		text, added = ensureImport(text, mod)
		if added {
			res.Imports = append(res.Imports, "import "+mod)
		}
	}

	res.Text = text
	return res
}

func overlapsAny(edits, accepted []edit) bool {
	for _, e := range edits {
		for _, a := range accepted {
			if e.span.Overlaps(a.span) {
				return true
			}
		}
	}
	return false
}

// ensureImport inserts "import mod" after the last top-level import unless
// the module is already imported.
func ensureImport(text []byte, mod string) ([]byte, bool) {
	stmt := "import " + mod
	lines := strings.SplitAfter(string(text), "\n")

	insertAt := -1 // index of the line after which to insert
	inParens := false
	continued := false // previous line of an import ended with a backslash
	docstringEnd := -1
	sawCode := false
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == stmt || strings.HasPrefix(trimmed, stmt+" ") || strings.HasPrefix(trimmed, stmt+",") {
			return text, false
		}
		if inParens || continued {
			if inParens && strings.Contains(trimmed, ")") {
				inParens = false
			}
			continued = strings.HasSuffix(trimmed, "\\")
			if !inParens && !continued {
				insertAt = i
			}
			continue
		}
		if strings.HasPrefix(trimmed, "import ") || strings.HasPrefix(trimmed, "from ") {
			sawCode = true
			if strings.Contains(trimmed, "(") && !strings.Contains(trimmed, ")") {
				inParens = true
			}
			continued = strings.HasSuffix(trimmed, "\\")
			if !inParens && !continued {
				insertAt = i
			}
			continue
		}
		if !sawCode && docstringEnd < 0 && (strings.HasPrefix(trimmed, `"""`) || strings.HasPrefix(trimmed, `'''`)) {
			docstringEnd = closingDocstringLine(lines, i, trimmed[:3])
		}
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			sawCode = true
		}
	}

	if insertAt < 0 {
		insertAt = docstringEnd
		if insertAt < 0 {
			// After leading comments such as a shebang or coding line.
			for i, line := range lines {
				if !strings.HasPrefix(line, "#") {
					break
				}
				insertAt = i
			}
		}
	}

	var b strings.Builder
	if insertAt < 0 {
		b.WriteString(stmt + "\n")
	}
	for i, line := range lines {
		b.WriteString(line)
		if i == insertAt {
			if !strings.HasSuffix(line, "\n") {
				b.WriteString("\n")
			}
			b.WriteString(stmt + "\n")
		}
	}
	return []byte(b.String()), true
}

func closingDocstringLine(lines []string, start int, quote string) int {
	first := strings.TrimRight(lines[start], "\r\n")
	if strings.Count(first, quote) >= 2 {
		return start
	}
	for j := start + 1; j < len(lines); j++ {
		if strings.Contains(lines[j], quote) {
			return j
		}
	}
	return -1
}
