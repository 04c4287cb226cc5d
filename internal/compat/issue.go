// Package compat models interpreter-compatibility issues found in package
// sources and the failures the remediation pipeline can run into.
package compat

import "fmt"

// Kind identifies one class of incompatibility. The set is closed: every
// consumer switches over exactly these values.
type Kind string

const (
	KindRemovedASTNode        Kind = "removed_ast_node"
	KindRemovedPkgutilLoader  Kind = "removed_pkgutil_loader"
	KindRemovedSqlite3Version Kind = "removed_sqlite3_version"
	KindRemovedShutilOnerror  Kind = "removed_shutil_onerror"
	KindRemovedPtyFunction    Kind = "removed_pty_function"
	KindRemovedImportlibABC   Kind = "removed_importlib_abc"
	KindInvalidEscapeSequence Kind = "invalid_escape_sequence"
	KindRemovedAsyncioWatcher Kind = "removed_asyncio_watcher"
	KindRemovedUrllibClass    Kind = "removed_urllib_class"
	KindPathlibExtraArgs      Kind = "pathlib_extra_args"
	KindSyntaxError           Kind = "syntax_error"
)

// Kinds lists every known kind.
var Kinds = []Kind{
	KindRemovedASTNode,
	KindRemovedPkgutilLoader,
	KindRemovedSqlite3Version,
	KindRemovedShutilOnerror,
	KindRemovedPtyFunction,
	KindRemovedImportlibABC,
	KindInvalidEscapeSequence,
	KindRemovedAsyncioWatcher,
	KindRemovedUrllibClass,
	KindPathlibExtraArgs,
	KindSyntaxError,
}

// Fixability says who can resolve a kind.
type Fixability int

const (
	// Mechanical kinds have a deterministic rewrite handler.
	Mechanical Fixability = iota
	// Assisted kinds need the AI fixer or a human.
	Assisted
)

func (f Fixability) String() string {
	if f == Mechanical {
		return "mechanical"
	}
	return "assisted"
}

// Fixability returns the fixability class of k.
func (k Kind) Fixability() Fixability {
	switch k {
	case KindRemovedASTNode, KindRemovedPkgutilLoader, KindRemovedSqlite3Version,
		KindRemovedShutilOnerror, KindRemovedPtyFunction, KindRemovedImportlibABC,
		KindInvalidEscapeSequence:
		return Mechanical
	default:
		return Assisted
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if k == v {
			return true
		}
	}
	return false
}

// ParseKind converts a persisted kind name back into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown issue kind %q", s)
	}
	return k, nil
}

// Severity of an issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Span is a half-open byte range [Start, End) in a source file.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered.
func (s Span) Len() int { return s.End - s.Start }

// Empty reports whether the span covers nothing.
func (s Span) Empty() bool { return s.End <= s.Start }

// Overlaps reports whether s and o share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Location pins an issue to a file.
type Location struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Span   Span   `json:"span"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// Issue is one detected incompatibility.
type Issue struct {
	Kind        Kind     `json:"kind"`
	Location    Location `json:"location"`
	Token       string   `json:"token,omitempty"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// AutoFixable reports whether a mechanical handler can act on the issue:
// the kind must be mechanical and the issue must carry a span, plus the
// exact token for rewrite kinds.
func (i Issue) AutoFixable() bool {
	if i.Kind.Fixability() != Mechanical || i.Location.Span.Empty() {
		return false
	}
	if i.Kind == KindInvalidEscapeSequence {
		return true
	}
	return i.Token != "" && len(i.Token) == i.Location.Span.Len()
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Location, i.Kind, i.Description)
}

// FileIssues groups the issues found in one file. Path is relative to the
// source tree root and uses forward slashes.
type FileIssues struct {
	Path   string  `json:"path"`
	Issues []Issue `json:"issues"`
}
