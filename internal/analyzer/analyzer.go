// Package analyzer finds interpreter-compatibility issues in Python sources
// using the tree-sitter Python grammar.
package analyzer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/kalambet/lazarus/internal/compat"
	"github.com/kalambet/lazarus/internal/fixer"
)

const defaultMaxFileSize = 2 << 20

// skippedDirs are never scanned.
var skippedDirs = map[string]bool{
	"__pycache__": true, "node_modules": true, ".tox": true, ".nox": true,
	".git": true, ".hg": true, "venv": true, ".venv": true,
}

// Analyzer walks a source tree and reports compatibility issues per file.
// It is safe for concurrent use; every file gets its own parser.
type Analyzer struct {
	maxFileSize int64
	logger      *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMaxFileSize skips files larger than n bytes.
func WithMaxFileSize(n int64) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxFileSize = n
		}
	}
}

// WithLogger sets the logger used for skipped files.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an Analyzer.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{maxFileSize: defaultMaxFileSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze scans every .py file below root. Paths in the result are relative
// to root with forward slashes, in lexical order; files without issues are
// omitted.
func (a *Analyzer) Analyze(ctx context.Context, root string) ([]compat.FileIssues, error) {
	var out []compat.FileIssues
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), ".py") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if info.Size() > a.maxFileSize {
			a.logger.Warn("skipping oversized file", "path", rel, "size", info.Size())
			return nil
		}

		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}
		issues, err := a.AnalyzeSource(ctx, rel, src)
		if err != nil {
			return err
		}
		if len(issues) > 0 {
			out = append(out, compat.FileIssues{Path: rel, Issues: issues})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("analyzing %s: %w", root, err)
	}
	return out, nil
}

// AnalyzeSource reports the issues in one file. A file that does not parse
// yields a single syntax_error issue.
func (a *Analyzer) AnalyzeSource(ctx context.Context, path string, src []byte) ([]compat.Issue, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return []compat.Issue{syntaxIssue(path, root)}, nil
	}

	w := &walker{path: path, src: src}
	w.walk(root)
	return w.issues, nil
}

func syntaxIssue(path string, root *sitter.Node) compat.Issue {
	at := firstError(root)
	if at == nil {
		at = root
	}
	p := at.StartPoint()
	return compat.Issue{
		Kind: compat.KindSyntaxError,
		Location: compat.Location{
			File:   path,
			Line:   int(p.Row) + 1,
			Column: int(p.Column) + 1,
		},
		Description: "file has syntax errors and cannot be parsed",
		Severity:    compat.SeverityError,
	}
}

func firstError(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c == nil || !(c.HasError() || c.IsMissing()) {
			continue
		}
		if e := firstError(c); e != nil {
			return e
		}
	}
	return nil
}

// walker collects issues in document order.
type walker struct {
	path   string
	src    []byte
	issues []compat.Issue
}

func (w *walker) walk(n *sitter.Node) {
	switch n.Type() {
	case "string":
		w.checkString(n)
		// Interpolations are not scanned for API use.
		return
	case "attribute":
		w.checkAttribute(n)
	case "import_from_statement":
		w.checkImportFrom(n)
	case "call":
		w.checkCall(n)
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if c := n.Child(i); c != nil {
			w.walk(c)
		}
	}
}

func (w *walker) text(n *sitter.Node) string {
	return string(w.src[n.StartByte():n.EndByte()])
}

func (w *walker) add(kind compat.Kind, n *sitter.Node, token, desc string) {
	sev := compat.SeverityError
	if kind == compat.KindPathlibExtraArgs {
		sev = compat.SeverityWarning
	}
	p := n.StartPoint()
	w.issues = append(w.issues, compat.Issue{
		Kind: kind,
		Location: compat.Location{
			File:   w.path,
			Line:   int(p.Row) + 1,
			Column: int(p.Column) + 1,
			Span:   compat.Span{Start: int(n.StartByte()), End: int(n.EndByte())},
		},
		Token:       token,
		Description: desc,
		Severity:    sev,
	})
}

func (w *walker) checkString(n *sitter.Node) {
	rep := fixer.ScanEscapes(w.src[n.StartByte():n.EndByte()])
	if len(rep.Positions) == 0 {
		return
	}
	w.add(compat.KindInvalidEscapeSequence, n, "",
		fmt.Sprintf("%d invalid escape sequence(s) in string literal", len(rep.Positions)))
}

func (w *walker) checkAttribute(n *sitter.Node) {
	obj := n.ChildByFieldName("object")
	attr := n.ChildByFieldName("attribute")
	if obj == nil || attr == nil {
		return
	}
	name := w.text(attr)
	token := w.text(n)

	if obj.Type() == "attribute" {
		switch w.text(obj) {
		case "importlib.abc":
			if fixer.ImportlibABCMoved[name] {
				w.add(compat.KindRemovedImportlibABC, n, token,
					fmt.Sprintf("importlib.abc.%s was removed; use importlib.resources.abc.%s", name, name))
			}
		case "urllib.request":
			if removedURLlib[name] {
				w.add(compat.KindRemovedUrllibClass, n, "",
					fmt.Sprintf("urllib.request.%s was removed; use urllib.request.urlopen()", name))
			}
		}
		return
	}
	if obj.Type() != "identifier" {
		return
	}

	switch module := w.text(obj); {
	case module == "ast" && removedASTNodes[name]:
		w.add(compat.KindRemovedASTNode, n, token, fmt.Sprintf("ast.%s was removed; use ast.Constant", name))
	case module == "asyncio" && removedWatchers[name]:
		w.add(compat.KindRemovedAsyncioWatcher, n, "", fmt.Sprintf("asyncio.%s was removed", name))
	case module == "pkgutil" && removedLoaders[name]:
		w.add(compat.KindRemovedPkgutilLoader, n, token,
			fmt.Sprintf("pkgutil.%s() was removed; use importlib.util.find_spec()", name))
	case module == "sqlite3" && removedSqlite3[name]:
		w.add(compat.KindRemovedSqlite3Version, n, token,
			fmt.Sprintf("sqlite3.%s was removed; use sqlite3.sqlite_%s", name, name))
	case module == "pty" && removedPty[name]:
		w.add(compat.KindRemovedPtyFunction, n, token, fmt.Sprintf("pty.%s() was removed; use pty.openpty()", name))
	}
}

// importedNames returns the plain names a from-import binds, skipping the
// module itself.
func (w *walker) importedNames(n, module *sitter.Node) []string {
	var names []string
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c == nil || c.StartByte() == module.StartByte() {
			continue
		}
		switch c.Type() {
		case "dotted_name":
			names = append(names, w.text(c))
		case "aliased_import":
			if nm := c.ChildByFieldName("name"); nm != nil {
				names = append(names, w.text(nm))
			}
		}
	}
	return names
}

func (w *walker) checkImportFrom(n *sitter.Node) {
	module := n.ChildByFieldName("module_name")
	if module == nil {
		return
	}
	names := w.importedNames(n, module)

	switch w.text(module) {
	case "pkgutil":
		for _, name := range names {
			if !removedLoaders[name] {
				continue
			}
			// The statement is rewritten whole, so only single-name
			// imports carry a token.
			token := ""
			if len(names) == 1 {
				token = w.text(n)
			}
			w.add(compat.KindRemovedPkgutilLoader, n, token,
				fmt.Sprintf("pkgutil.%s() was removed; use importlib.util.find_spec()", name))
		}
	case "importlib.abc":
		var moved []string
		for _, name := range names {
			if fixer.ImportlibABCMoved[name] {
				moved = append(moved, name)
			}
		}
		if len(moved) == 0 {
			return
		}
		// Repointing the module is only safe when every name moved.
		token := ""
		if len(moved) == len(names) {
			token = w.text(module)
		}
		w.add(compat.KindRemovedImportlibABC, module, token,
			fmt.Sprintf("importlib.abc.{%s} moved to importlib.resources.abc", strings.Join(moved, ", ")))
	case "asyncio":
		for _, name := range names {
			if removedWatchers[name] {
				w.add(compat.KindRemovedAsyncioWatcher, n, "", fmt.Sprintf("asyncio.%s was removed", name))
			}
		}
	case "urllib.request":
		for _, name := range names {
			if removedURLlib[name] {
				w.add(compat.KindRemovedUrllibClass, n, "", fmt.Sprintf("urllib.request.%s was removed", name))
			}
		}
	}
}

func (w *walker) checkCall(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	args := n.ChildByFieldName("arguments")
	if fn == nil || args == nil || fn.Type() != "attribute" || args.Type() != "argument_list" {
		return
	}
	attr := fn.ChildByFieldName("attribute")
	if attr == nil {
		return
	}

	switch method := w.text(attr); method {
	case "rmtree":
		for i := 0; i < int(args.NamedChildCount()); i++ {
			kw := args.NamedChild(i)
			if kw == nil || kw.Type() != "keyword_argument" {
				continue
			}
			if name := kw.ChildByFieldName("name"); name != nil && w.text(name) == "onerror" {
				w.add(compat.KindRemovedShutilOnerror, name, "onerror",
					"shutil.rmtree() onerror was removed; use onexc")
			}
		}
	case "relative_to", "is_relative_to":
		positional := 0
		for i := 0; i < int(args.NamedChildCount()); i++ {
			switch c := args.NamedChild(i); c.Type() {
			case "keyword_argument", "dictionary_splat", "comment":
			default:
				positional++
			}
		}
		if positional > 1 {
			w.add(compat.KindPathlibExtraArgs, n, "",
				fmt.Sprintf("pathlib %s() no longer accepts multiple arguments", method))
		}
	}
}
