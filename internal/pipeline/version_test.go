package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPostReleaseVersion(t *testing.T) {
	tests := []struct {
		orig, target string
		rev          int
		want         string
		wantErr      bool
	}{
		{"1.04", "3.14", 0, "1.04.post314", false},
		{"1.04", "3.14", 1, "1.04.post3141", false},
		{"2.31.0", "314", 0, "2.31.0.post314", false},
		{"1.0rc1", "3.14", 0, "1.0rc1.post314", false},
		{"1.0.dev3", "3.14", 0, "1.0.dev3.post314", false},
		{"1.0.post2", "3.14", 0, "", true},
		{"1.0-1", "3.14", 0, "", true},
		{"not a version", "3.14", 0, "", true},
		{"1.0", "three", 0, "", true},
		{"1.0", "3.14", -1, "", true},
	}
	for _, tt := range tests {
		got, err := PostReleaseVersion(tt.orig, tt.target, tt.rev)
		if (err != nil) != tt.wantErr {
			t.Errorf("PostReleaseVersion(%q, %q, %d) error = %v, wantErr %v", tt.orig, tt.target, tt.rev, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("PostReleaseVersion(%q, %q, %d) = %q, want %q", tt.orig, tt.target, tt.rev, got, tt.want)
		}
	}
}

func TestParsePostRelease(t *testing.T) {
	tests := []struct {
		in          string
		base, tgt   string
		rev         int
		wantErr     bool
		postRelease bool
	}{
		{"2.31.0.post314", "2.31.0", "314", 0, false, true},
		{"2.31.0.post3141", "2.31.0", "314", 1, false, true},
		{"1.04.post31412", "1.04", "314", 12, false, true},
		{"1.0.post1", "1.0", "1", 0, false, false},
		{"1.0", "", "", 0, true, false},
	}
	for _, tt := range tests {
		base, tgt, rev, err := ParsePostRelease(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePostRelease(%q) error = %v", tt.in, err)
			continue
		}
		if base != tt.base || tgt != tt.tgt || rev != tt.rev {
			t.Errorf("ParsePostRelease(%q) = %q, %q, %d", tt.in, base, tgt, rev)
		}
		if got := IsPostRelease(tt.in); got != tt.postRelease {
			t.Errorf("IsPostRelease(%q) = %v", tt.in, got)
		}
	}
}

func TestPostReleaseRoundTrip(t *testing.T) {
	v, err := PostReleaseVersion("0.9.8", "3.14", 3)
	if err != nil {
		t.Fatal(err)
	}
	base, tgt, rev, err := ParsePostRelease(v)
	if err != nil || base != "0.9.8" || tgt != "314" || rev != 3 {
		t.Errorf("round trip of %q = %q, %q, %d, %v", v, base, tgt, rev, err)
	}
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestRewriteVersionMetadata(t *testing.T) {
	root := writeTree(t, map[string]string{
		"PKG-INFO": "Metadata-Version: 2.1\nName: demo\nVersion: 1.0\nSummary: Version: not this one\n",
		"pyproject.toml": "[build-system]\nrequires = [\"setuptools\"]\n\n[project]\nname = \"demo\"\nversion = \"1.0\"\n\n" +
			"[tool.bumpversion]\nversion = \"1.0\"\n",
		"setup.cfg":        "[metadata]\nname = demo\nversion = 1.0\n\n[bdist_wheel]\nversion = untouched\n",
		"setup.py":         "from setuptools import setup\nsetup(name='demo', version='1.0', python_requires='>=3.8')\n",
		"demo/__init__.py": "__version__ = '1.0'\n",
	})

	got, err := RewriteVersionMetadata(root, "1.0.post314")
	if err != nil {
		t.Fatalf("RewriteVersionMetadata: %v", err)
	}

	want := map[string]string{
		"PKG-INFO": "Metadata-Version: 2.1\nName: demo\nVersion: 1.0.post314\nSummary: Version: not this one\n",
		"pyproject.toml": "[build-system]\nrequires = [\"setuptools\"]\n\n[project]\nname = \"demo\"\nversion = \"1.0.post314\"\n\n" +
			"[tool.bumpversion]\nversion = \"1.0\"\n",
		"setup.cfg": "[metadata]\nname = demo\nversion = 1.0.post314\n\n[bdist_wheel]\nversion = untouched\n",
		"setup.py":  "from setuptools import setup\nsetup(name='demo', version='1.0.post314', python_requires='>=3.8')\n",
	}
	if len(got) != len(want) {
		t.Errorf("rewrote %d files, want %d", len(got), len(want))
	}
	for name, content := range want {
		if string(got[name]) != content {
			t.Errorf("%s =\n%s\nwant\n%s", name, got[name], content)
		}
	}

	onDisk, _ := os.ReadFile(filepath.Join(root, "PKG-INFO"))
	if string(onDisk) == want["PKG-INFO"] {
		t.Error("RewriteVersionMetadata must not write files")
	}
}

func TestRewriteVersionMetadataDynamic(t *testing.T) {
	root := writeTree(t, map[string]string{
		"setup.cfg":      "[metadata]\nversion = attr: demo.__version__\n",
		"pyproject.toml": "[project]\nname = \"demo\"\ndynamic = [\"version\"]\n",
	})
	got, err := RewriteVersionMetadata(root, "1.0.post314")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("rewrote dynamic metadata: %v", got)
	}
}
