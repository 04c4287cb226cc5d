package pipeline

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultDenylist names packages known to need a native toolchain or a
// bespoke build that this pipeline cannot produce.
var DefaultDenylist = []string{
	"numpy", "scipy", "pandas", "cryptography", "lxml", "pillow",
	"grpcio", "psycopg2", "pyyaml", "torch", "tensorflow", "uvloop",
}

var (
	nativeSourceExts = map[string]bool{
		".c": true, ".h": true, ".cc": true, ".cpp": true, ".cxx": true, ".hpp": true,
		".pyx": true, ".pxd": true, ".rs": true,
	}
	nativeBuildFiles = map[string]bool{
		"Cargo.toml": true, "meson.build": true, "CMakeLists.txt": true,
	}
	nativeSetupMarkers = [][]byte{
		[]byte("ext_modules"), []byte("Extension("), []byte("cythonize("),
	}
	nativeBackends = []string{
		"setuptools_rust", "setuptools-rust", "maturin",
		"scikit_build", "scikit-build", "mesonpy", "meson-python",
	}
	nameSeparators = regexp.MustCompile(`[-_.]+`)
)

// SkipPolicy decides whether a package is built at all.
type SkipPolicy struct {
	deny map[string]bool
}

// NewSkipPolicy returns a policy denying DefaultDenylist plus extra.
func NewSkipPolicy(extra []string) *SkipPolicy {
	p := &SkipPolicy{deny: make(map[string]bool)}
	for _, name := range DefaultDenylist {
		p.deny[NormalizeName(name)] = true
	}
	for _, name := range extra {
		if name = strings.TrimSpace(name); name != "" {
			p.deny[NormalizeName(name)] = true
		}
	}
	return p
}

// Denied returns the normalized denylist, sorted.
func (p *SkipPolicy) Denied() []string {
	out := make([]string, 0, len(p.deny))
	for name := range p.deny {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NormalizeName folds a package name the way package indexes compare them.
func NormalizeName(name string) string {
	return nameSeparators.ReplaceAllString(strings.ToLower(name), "-")
}

// Check reports whether the build of pkg, unpacked at root, should be
// skipped and why.
func (p *SkipPolicy) Check(pkg, root string) (string, bool, error) {
	if p != nil && p.deny[NormalizeName(pkg)] {
		return "package is denylisted", true, nil
	}

	var reason string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		name := d.Name()
		switch {
		case nativeSourceExts[filepath.Ext(name)]:
			reason = "native source " + filepath.ToSlash(rel)
		case nativeBuildFiles[name]:
			reason = "native build file " + filepath.ToSlash(rel)
		case rel == "setup.py":
			r, err := setupPyMarker(path)
			if err != nil {
				return err
			}
			reason = r
		case rel == "pyproject.toml":
			r, err := nativeBackend(path)
			if err != nil {
				return err
			}
			reason = r
		}
		if reason != "" {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("scanning %s for native code: %w", root, err)
	}
	return reason, reason != "", nil
}

func setupPyMarker(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	for _, m := range nativeSetupMarkers {
		if bytes.Contains(content, m) {
			return "setup.py declares " + strings.TrimSuffix(string(m), "("), nil
		}
	}
	return "", nil
}

func nativeBackend(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	inBuildSystem := false
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			inBuildSystem = line == "[build-system]"
			continue
		}
		if !inBuildSystem {
			continue
		}
		for _, b := range nativeBackends {
			if strings.Contains(line, b) {
				return "native build backend " + b, nil
			}
		}
	}
	return "", nil
}
