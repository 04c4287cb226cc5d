package fixer

import (
	"strings"
	"testing"

	"github.com/kalambet/lazarus/internal/compat"
)

// issueAt builds a rewrite issue for the first occurrence of token in src.
func issueAt(t *testing.T, src string, kind compat.Kind, token string) compat.Issue {
	t.Helper()
	start := strings.Index(src, token)
	if start < 0 {
		t.Fatalf("token %q not in source", token)
	}
	return compat.Issue{
		Kind:     kind,
		Token:    token,
		Location: compat.Location{File: "m.py", Span: compat.Span{Start: start, End: start + len(token)}},
	}
}

func literalAt(t *testing.T, src, lit string) compat.Issue {
	t.Helper()
	start := strings.Index(src, lit)
	if start < 0 {
		t.Fatalf("literal %q not in source", lit)
	}
	return compat.Issue{
		Kind:     compat.KindInvalidEscapeSequence,
		Location: compat.Location{File: "m.py", Span: compat.Span{Start: start, End: start + len(lit)}},
	}
}

// TestApplyRewrites checks each rewrite handler.
func TestApplyRewrites(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		kind  compat.Kind
		token string
		want  string
	}{
		{"ast node", "if isinstance(n, ast.Num):\n", compat.KindRemovedASTNode, "ast.Num", "if isinstance(n, ast.Constant):\n"},
		{"ast name constant", "x = ast.NameConstant\n", compat.KindRemovedASTNode, "ast.NameConstant", "x = ast.Constant\n"},
		{"sqlite3 version_info", "v = sqlite3.version_info\n", compat.KindRemovedSqlite3Version, "sqlite3.version_info", "v = sqlite3.sqlite_version_info\n"},
		{"shutil onerror", "shutil.rmtree(p, onerror=h)\n", compat.KindRemovedShutilOnerror, "onerror", "shutil.rmtree(p, onexc=h)\n"},
		{"pty", "m, s = pty.master_open()\n", compat.KindRemovedPtyFunction, "pty.master_open", "m, s = pty.openpty()\n"},
		{"importlib abc module", "from importlib.abc import Traversable\n", compat.KindRemovedImportlibABC, "importlib.abc", "from importlib.resources.abc import Traversable\n"},
		{"importlib abc attribute", "T = importlib.abc.TraversableResources\n", compat.KindRemovedImportlibABC, "importlib.abc.TraversableResources", "T = importlib.resources.abc.TraversableResources\n"},
		{"pkgutil from import", "from pkgutil import find_loader\n", compat.KindRemovedPkgutilLoader, "from pkgutil import find_loader", "from importlib.util import find_spec\n"},
		{"pkgutil from import alias", "from pkgutil import get_loader as gl\n", compat.KindRemovedPkgutilLoader, "from pkgutil import get_loader as gl", "from importlib.util import find_spec as gl\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := issueAt(t, tt.src, tt.kind, tt.token)
			res := Apply([]byte(tt.src), []compat.Issue{is})
			if string(res.Text) != tt.want {
				t.Errorf("Apply = %q, want %q", res.Text, tt.want)
			}
			if res.Outcomes[0] != Fixed {
				t.Errorf("outcome = %v, want fixed", res.Outcomes[0])
			}
		})
	}
}

// TestApplyPkgutilAddsImport verifies the required import is inserted once.
func TestApplyPkgutilAddsImport(t *testing.T) {
	src := "import os\nimport pkgutil\n\na = pkgutil.find_loader('x')\nb = pkgutil.get_loader('y')\n"
	first := issueAt(t, src, compat.KindRemovedPkgutilLoader, "pkgutil.find_loader")
	second := issueAt(t, src, compat.KindRemovedPkgutilLoader, "pkgutil.get_loader")

	res := Apply([]byte(src), []compat.Issue{first, second})
	want := "import os\nimport pkgutil\nimport importlib.util\n\na = importlib.util.find_spec('x')\nb = importlib.util.find_spec('y')\n"
	if string(res.Text) != want {
		t.Errorf("Apply =\n%s\nwant\n%s", res.Text, want)
	}
	if len(res.Imports) != 1 {
		t.Errorf("Imports = %v, want one", res.Imports)
	}
	if res.Count(Fixed) != 2 {
		t.Errorf("fixed = %d, want 2", res.Count(Fixed))
	}
}

// TestEnsureImportPlacement covers files without imports.
func TestEnsureImportPlacement(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"no imports", "x = 1\n", "import importlib.util\nx = 1\n"},
		{"after shebang", "#!/usr/bin/env python\nx = 1\n", "#!/usr/bin/env python\nimport importlib.util\nx = 1\n"},
		{"after docstring", "\"\"\"Doc.\n\nMore.\n\"\"\"\nx = 1\n", "\"\"\"Doc.\n\nMore.\n\"\"\"\nimport importlib.util\nx = 1\n"},
		{"after parenthesized import", "from a import (\n    b,\n    c,\n)\nx = 1\n", "from a import (\n    b,\n    c,\n)\nimport importlib.util\nx = 1\n"},
		{"already imported", "import importlib.util\nx = 1\n", "import importlib.util\nx = 1\n"},
		{"after backslash continuation", "from os.path import join, \\\n    exists\nx = 1\n", "from os.path import join, \\\n    exists\nimport importlib.util\nx = 1\n"},
		{"multiple continuation lines", "import os, \\\n    sys, \\\n    re\n", "import os, \\\n    sys, \\\n    re\nimport importlib.util\n"},
		{"parens then later import", "from a import (\n    b,\n)\nimport os\nx = 1\n", "from a import (\n    b,\n)\nimport os\nimport importlib.util\nx = 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := ensureImport([]byte(tt.src), "importlib.util")
			if string(got) != tt.want {
				t.Errorf("ensureImport =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

// TestApplyImportAfterContinuedStatement keeps the inserted import out of a
// backslash-continued import.
func TestApplyImportAfterContinuedStatement(t *testing.T) {
	src := "import pkgutil\nfrom os.path import join, \\\n    exists\n\nloader = pkgutil.find_loader('x')\n"
	is := issueAt(t, src, compat.KindRemovedPkgutilLoader, "pkgutil.find_loader")

	res := Apply([]byte(src), []compat.Issue{is})
	want := "import pkgutil\nfrom os.path import join, \\\n    exists\nimport importlib.util\n\nloader = importlib.util.find_spec('x')\n"
	if string(res.Text) != want {
		t.Errorf("Apply =\n%s\nwant\n%s", res.Text, want)
	}
	if res.Outcomes[0] != Fixed {
		t.Errorf("outcome = %v, want fixed", res.Outcomes[0])
	}
}

// TestApplyTokenMismatchUnchanged verifies handlers never re-scan: a span
// that no longer holds the token is left alone.
func TestApplyTokenMismatchUnchanged(t *testing.T) {
	src := "x = ast.Num\n"
	is := issueAt(t, src, compat.KindRemovedASTNode, "ast.Num")

	once := Apply([]byte(src), []compat.Issue{is})
	twice := Apply(once.Text, []compat.Issue{is})
	if string(twice.Text) != string(once.Text) {
		t.Errorf("re-applying changed text: %q -> %q", once.Text, twice.Text)
	}
	if twice.Outcomes[0] != Unchanged {
		t.Errorf("outcome = %v, want unchanged", twice.Outcomes[0])
	}
}

// TestApplyOverlapConflict verifies later positions win and the overlapped
// issue is reported as conflicting.
func TestApplyOverlapConflict(t *testing.T) {
	src := "T = importlib.abc.Traversable\n"
	outer := issueAt(t, src, compat.KindRemovedImportlibABC, "importlib.abc.Traversable")
	dup := outer

	res := Apply([]byte(src), []compat.Issue{outer, dup})
	if want := "T = importlib.resources.abc.Traversable\n"; string(res.Text) != want {
		t.Errorf("Apply = %q, want %q", res.Text, want)
	}
	if res.Outcomes[0] != Fixed || res.Outcomes[1] != Conflicting {
		t.Errorf("outcomes = %v, want [fixed conflicting]", res.Outcomes)
	}

	// The attribute and the module prefix inside it claim the same bytes;
	// the longer span sorts first and wins.
	module := issueAt(t, src, compat.KindRemovedImportlibABC, "importlib.abc")
	res = Apply([]byte(src), []compat.Issue{module, outer})
	if want := "T = importlib.resources.abc.Traversable\n"; string(res.Text) != want {
		t.Errorf("Apply = %q, want %q", res.Text, want)
	}
	if res.Outcomes[0] != Conflicting || res.Outcomes[1] != Fixed {
		t.Errorf("outcomes = %v, want [conflicting fixed]", res.Outcomes)
	}
}

// TestApplyLaterPositionFirst verifies multiple edits keep earlier offsets
// valid.
func TestApplyLaterPositionFirst(t *testing.T) {
	src := "a = ast.Str\nb = '\\d'\nc = sqlite3.version\n"
	issues := []compat.Issue{
		issueAt(t, src, compat.KindRemovedASTNode, "ast.Str"),
		literalAt(t, src, "'\\d'"),
		issueAt(t, src, compat.KindRemovedSqlite3Version, "sqlite3.version"),
	}
	res := Apply([]byte(src), issues)
	want := "a = ast.Constant\nb = '\\\\d'\nc = sqlite3.sqlite_version\n"
	if string(res.Text) != want {
		t.Errorf("Apply = %q, want %q", res.Text, want)
	}
	if res.Count(Fixed) != 3 {
		t.Errorf("outcomes = %v, want all fixed", res.Outcomes)
	}
}

// TestApplyDeterministic verifies the same input yields the same output
// regardless of issue order.
func TestApplyDeterministic(t *testing.T) {
	src := "x = ast.Num; y = pty.slave_open; z = '\\q'\n"
	a := issueAt(t, src, compat.KindRemovedASTNode, "ast.Num")
	b := issueAt(t, src, compat.KindRemovedPtyFunction, "pty.slave_open")
	c := literalAt(t, src, "'\\q'")

	r1 := Apply([]byte(src), []compat.Issue{a, b, c})
	r2 := Apply([]byte(src), []compat.Issue{c, a, b})
	if string(r1.Text) != string(r2.Text) {
		t.Errorf("order-dependent output: %q vs %q", r1.Text, r2.Text)
	}
}

// TestApplySkipsAssisted verifies non-mechanical issues stay unchanged.
func TestApplySkipsAssisted(t *testing.T) {
	src := "w = asyncio.SafeChildWatcher()\n"
	is := issueAt(t, src, compat.KindRemovedAsyncioWatcher, "asyncio.SafeChildWatcher")
	res := Apply([]byte(src), []compat.Issue{is})
	if res.Changed([]byte(src)) {
		t.Errorf("assisted issue changed text: %q", res.Text)
	}
	if res.Outcomes[0] != Unchanged {
		t.Errorf("outcome = %v, want unchanged", res.Outcomes[0])
	}
}

// TestApplyEscapeWithoutFindings reports a literal with nothing to fix as unchanged.
func TestApplyEscapeWithoutFindings(t *testing.T) {
	src := "s = 'ok\\n'\n"
	res := Apply([]byte(src), []compat.Issue{literalAt(t, src, "'ok\\n'")})
	if res.Outcomes[0] != Unchanged {
		t.Errorf("outcome = %v, want unchanged", res.Outcomes[0])
	}
}
