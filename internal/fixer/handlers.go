package fixer

import (
	"strings"

	"github.com/kalambet/lazarus/internal/compat"
)

// edit replaces the bytes of span with text.
type edit struct {
	span compat.Span
	text string
}

var (
	astNodeRewrites = map[string]string{
		"ast.Num":          "ast.Constant",
		"ast.Str":          "ast.Constant",
		"ast.Bytes":        "ast.Constant",
		"ast.NameConstant": "ast.Constant",
		"ast.Ellipsis":     "ast.Constant",
	}
	sqlite3Rewrites = map[string]string{
		"sqlite3.version":      "sqlite3.sqlite_version",
		"sqlite3.version_info": "sqlite3.sqlite_version_info",
	}
	ptyRewrites = map[string]string{
		"pty.master_open": "pty.openpty",
		"pty.slave_open":  "pty.openpty",
	}
	pkgutilLoaders = map[string]bool{"find_loader": true, "get_loader": true}

	// ImportlibABCMoved lists the classes that moved from importlib.abc to
	// importlib.resources.abc.
	ImportlibABCMoved = map[string]bool{
		"ResourceReader":       true,
		"Traversable":          true,
		"TraversableResources": true,
	}
)

// plan computes the edits for one issue against the original text. A nil
// result means the handler cannot act and the issue stays unchanged.
func plan(src []byte, is compat.Issue) (edits []edit, imports []string) {
	if !is.AutoFixable() {
		return nil, nil
	}
	span := is.Location.Span
	if span.Start < 0 || span.End > len(src) {
		return nil, nil
	}

	if is.Kind == compat.KindInvalidEscapeSequence {
		return escapeEdits(src, span), nil
	}

	// Rewrite handlers act only on the exact token they were given.
	if string(src[span.Start:span.End]) != is.Token {
		return nil, nil
	}

	var (
		repl string
		imp  string
		ok   bool
	)
	switch is.Kind {
	case compat.KindRemovedASTNode:
		repl, ok = astNodeRewrites[is.Token]
	case compat.KindRemovedPkgutilLoader:
		repl, imp, ok = rewritePkgutil(is.Token)
	case compat.KindRemovedSqlite3Version:
		repl, ok = sqlite3Rewrites[is.Token]
	case compat.KindRemovedShutilOnerror:
		repl, ok = "onexc", is.Token == "onerror"
	case compat.KindRemovedPtyFunction:
		repl, ok = ptyRewrites[is.Token]
	case compat.KindRemovedImportlibABC:
		repl, ok = rewriteImportlibABC(is.Token)
	}
	if !ok {
		return nil, nil
	}

	edits = []edit{{span: span, text: repl}}
	if imp != "" {
		imports = []string{imp}
	}
	return edits, imports
}

// escapeEdits doubles each invalid escape backslash inside span.
func escapeEdits(src []byte, span compat.Span) []edit {
	rep := ScanEscapes(src[span.Start:span.End])
	edits := make([]edit, 0, len(rep.Positions))
	for _, p := range rep.Positions {
		at := span.Start + p
		edits = append(edits, edit{span: compat.Span{Start: at, End: at + 1}, text: `\\`})
	}
	return edits
}

// rewritePkgutil handles both attribute access and from-imports of the
// removed loader helpers.
func rewritePkgutil(token string) (repl, imp string, ok bool) {
	if mod, name, found := strings.Cut(token, "."); found && mod == "pkgutil" && pkgutilLoaders[name] {
		return "importlib.util.find_spec", "importlib.util", true
	}

	f := strings.Fields(token)
	if len(f) < 4 || f[0] != "from" || f[1] != "pkgutil" || f[2] != "import" || !pkgutilLoaders[f[3]] {
		return "", "", false
	}
	switch {
	case len(f) == 4:
		return "from importlib.util import find_spec", "", true
	case len(f) == 6 && f[4] == "as":
		return "from importlib.util import find_spec as " + f[5], "", true
	}
	return "", "", false
}

func rewriteImportlibABC(token string) (string, bool) {
	if token == "importlib.abc" {
		return "importlib.resources.abc", true
	}
	rest, found := strings.CutPrefix(token, "importlib.abc.")
	if !found || !ImportlibABCMoved[rest] {
		return "", false
	}
	return "importlib.resources.abc." + rest, true
}
