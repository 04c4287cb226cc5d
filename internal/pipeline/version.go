package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Public version identifiers as accepted by package indexes.
	pep440 = regexp.MustCompile(`(?i)^v?(?:[0-9]+!)?[0-9]+(?:\.[0-9]+)*` +
		`(?:[-_.]?(?:a|b|c|rc|alpha|beta|pre|preview)[-_.]?[0-9]*)?` +
		`(?:-[0-9]+|[-_.]?(?:post|rev|r)[-_.]?[0-9]*)?` +
		`(?:[-_.]?dev[-_.]?[0-9]*)?$`)
	postSegment = regexp.MustCompile(`(?i)(?:-[0-9]+|[-_.]?(?:post|rev|r)[-_.]?[0-9]*)(?:[-_.]?dev[-_.]?[0-9]*)?$`)
	postSuffix  = regexp.MustCompile(`^(.+)\.post([0-9]+)$`)

	pkgInfoVersion  = regexp.MustCompile(`(?m)^(Version:[ \t]*)\S[^\r\n]*`)
	quotedVersion   = regexp.MustCompile(`^(\s*version\s*=\s*["'])[^"']*(["'])`)
	setupCfgVersion = regexp.MustCompile(`^(\s*version\s*[=:]\s*)(\S.*)$`)
	setupPyVersion  = regexp.MustCompile(`(\bversion\s*=\s*["'])[^"']+(["'])`)
	tableHeader     = regexp.MustCompile(`^\s*\[([^\[\]]+)\]\s*(?:#.*)?$`)
)

// TargetDigits turns an interpreter version such as "3.14" into "314".
func TargetDigits(target string) string {
	return strings.ReplaceAll(strings.TrimSpace(target), ".", "")
}

// PostReleaseVersion returns the version under which a patched release of
// original is published for target: "<original>.post<digits>", with the
// revision appended to the digits when it is positive.
func PostReleaseVersion(original, target string, revision int) (string, error) {
	if !pep440.MatchString(original) {
		return "", fmt.Errorf("invalid version %q", original)
	}
	if postSegment.MatchString(original) {
		return "", fmt.Errorf("version %q already carries a post-release segment", original)
	}
	digits := TargetDigits(target)
	if _, err := strconv.Atoi(digits); err != nil || digits == "" {
		return "", fmt.Errorf("invalid python target %q", target)
	}
	if revision < 0 {
		return "", fmt.Errorf("negative revision %d", revision)
	}
	post := digits
	if revision > 0 {
		post += strconv.Itoa(revision)
	}
	return original + ".post" + post, nil
}

// ParsePostRelease splits a published version into the original version,
// the target digits and the revision. The first three post digits are the
// target, any further digits the revision.
func ParsePostRelease(v string) (base, target string, revision int, err error) {
	m := postSuffix.FindStringSubmatch(v)
	if m == nil {
		return "", "", 0, fmt.Errorf("%q is not a post-release version", v)
	}
	base, post := m[1], strings.TrimLeft(m[2], "0")
	if post == "" {
		post = "0"
	}
	if len(post) <= 3 {
		return base, post, 0, nil
	}
	revision, err = strconv.Atoi(post[3:])
	if err != nil {
		return "", "", 0, fmt.Errorf("parsing revision of %q: %w", v, err)
	}
	return base, post[:3], revision, nil
}

// IsPostRelease reports whether v looks like a version this pipeline published.
func IsPostRelease(v string) bool {
	_, target, _, err := ParsePostRelease(v)
	return err == nil && len(target) == 3
}

// RewriteVersionMetadata computes new contents for the project's own version
// fields below root: PKG-INFO, the [project] table of pyproject.toml, the
// [metadata] section of setup.cfg and version= in setup.py. Only files whose
// content changes are returned, keyed by path relative to root. Nothing is
// written.
func RewriteVersionMetadata(root, version string) (map[string][]byte, error) {
	rewriters := []struct {
		name    string
		rewrite func(string, string) string
	}{
		{"PKG-INFO", rewritePkgInfo},
		{"pyproject.toml", rewritePyproject},
		{"setup.cfg", rewriteSetupCfg},
		{"setup.py", rewriteSetupPy},
	}

	out := make(map[string][]byte)
	for _, rw := range rewriters {
		content, err := os.ReadFile(filepath.Join(root, rw.name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", rw.name, err)
		}
		updated := rw.rewrite(string(content), version)
		if updated != string(content) {
			out[rw.name] = []byte(updated)
		}
	}
	return out, nil
}

func rewritePkgInfo(content, version string) string {
	loc := pkgInfoVersion.FindStringSubmatchIndex(content)
	if loc == nil {
		return content
	}
	return content[:loc[3]] + version + content[loc[1]:]
}

// rewriteSection applies fn to every line inside the named table.
func rewriteSection(content, table string, fn func(string) string) string {
	lines := strings.Split(content, "\n")
	in := false
	for i, line := range lines {
		if m := tableHeader.FindStringSubmatch(line); m != nil {
			in = strings.TrimSpace(m[1]) == table
			continue
		}
		if in {
			lines[i] = fn(line)
		}
	}
	return strings.Join(lines, "\n")
}

func rewritePyproject(content, version string) string {
	return rewriteSection(content, "project", func(line string) string {
		return quotedVersion.ReplaceAllString(line, "${1}"+version+"${2}")
	})
}

func rewriteSetupCfg(content, version string) string {
	return rewriteSection(content, "metadata", func(line string) string {
		m := setupCfgVersion.FindStringSubmatch(line)
		if m == nil {
			return line
		}
		// attr: and file: directives resolve at build time from PKG-INFO.
		value := strings.TrimSpace(m[2])
		if strings.HasPrefix(value, "attr:") || strings.HasPrefix(value, "file:") {
			return line
		}
		return m[1] + version
	})
}

func rewriteSetupPy(content, version string) string {
	return setupPyVersion.ReplaceAllString(content, "${1}"+version+"${2}")
}
