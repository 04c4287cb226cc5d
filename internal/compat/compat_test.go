package compat

import "testing"

// TestKindFixability verifies the mechanical/assisted split of the closed kind set.
func TestKindFixability(t *testing.T) {
	assisted := map[Kind]bool{
		KindRemovedAsyncioWatcher: true,
		KindRemovedUrllibClass:    true,
		KindPathlibExtraArgs:      true,
		KindSyntaxError:           true,
	}
	for _, k := range Kinds {
		want := Mechanical
		if assisted[k] {
			want = Assisted
		}
		if got := k.Fixability(); got != want {
			t.Errorf("%s.Fixability() = %v, want %v", k, got, want)
		}
	}
	if Kind("made_up").Valid() {
		t.Error("unknown kind reported valid")
	}
	if _, err := ParseKind("removed_ast_node"); err != nil {
		t.Errorf("ParseKind(removed_ast_node): %v", err)
	}
	if _, err := ParseKind("nope"); err == nil {
		t.Error("ParseKind(nope) succeeded")
	}
}

// TestIssueAutoFixable verifies structured fields gate auto-fixability.
func TestIssueAutoFixable(t *testing.T) {
	tests := []struct {
		name  string
		issue Issue
		want  bool
	}{
		{"rewrite with token", Issue{Kind: KindRemovedASTNode, Token: "ast.Num", Location: Location{Span: Span{10, 17}}}, true},
		{"rewrite missing token", Issue{Kind: KindRemovedASTNode, Location: Location{Span: Span{10, 17}}}, false},
		{"token length mismatch", Issue{Kind: KindRemovedASTNode, Token: "ast.Num", Location: Location{Span: Span{10, 12}}}, false},
		{"escape with span", Issue{Kind: KindInvalidEscapeSequence, Location: Location{Span: Span{0, 6}}}, true},
		{"escape without span", Issue{Kind: KindInvalidEscapeSequence}, false},
		{"assisted kind", Issue{Kind: KindRemovedAsyncioWatcher, Token: "asyncio.SafeChildWatcher", Location: Location{Span: Span{0, 24}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.issue.AutoFixable(); got != tt.want {
				t.Errorf("AutoFixable() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestSpanOverlaps covers adjacency and containment.
func TestSpanOverlaps(t *testing.T) {
	a := Span{10, 20}
	cases := []struct {
		b    Span
		want bool
	}{
		{Span{0, 10}, false},
		{Span{20, 30}, false},
		{Span{19, 21}, true},
		{Span{12, 15}, true},
		{Span{0, 40}, true},
	}
	for _, c := range cases {
		if got := a.Overlaps(c.b); got != c.want {
			t.Errorf("%v.Overlaps(%v) = %v, want %v", a, c.b, got, c.want)
		}
	}
}

// TestDiagnose verifies build-output classification.
func TestDiagnose(t *testing.T) {
	tests := []struct {
		output string
		want   Symptom
	}{
		{"ModuleNotFoundError: No module named 'distutils'", SymptomImportError},
		{"  File \"x.py\", line 3\nSyntaxError: invalid syntax", SymptomSyntaxError},
		{"AttributeError: module 'ast' has no attribute 'Num'", SymptomRemovedAPI},
		{"error: command 'gcc' failed with exit code 1", SymptomCExtension},
		{"fatal error: Python.h: No such file or directory", SymptomCExtension},
		{"ERROR: No matching distribution found for foo", SymptomDependency},
		{"ERROR Backend subprocess exited when trying to invoke build_sdist", SymptomBuildFailure},
		{"1 failed, 3 passed", SymptomTestFailure},
		{"all good", SymptomUnknown},
	}
	for _, tt := range tests {
		if got := Diagnose(tt.output); got != tt.want {
			t.Errorf("Diagnose(%q) = %q, want %q", tt.output, got, tt.want)
		}
	}
}

// TestSymptomFailureFor verifies native toolchain problems are not retried.
func TestSymptomFailureFor(t *testing.T) {
	if got := SymptomCExtension.FailureFor(); got != FailureBuildEnv {
		t.Errorf("c_extension -> %q, want %q", got, FailureBuildEnv)
	}
	if FailureBuildEnv.Retryable() {
		t.Error("build_environment should not be retryable")
	}
	if got := SymptomBuildFailure.FailureFor(); got != FailureBuild || !got.Retryable() {
		t.Errorf("build_failure -> %q retryable=%v", got, got.Retryable())
	}
	if !FailureTransientInfra.Retryable() {
		t.Error("transient_infra should be retryable")
	}
}
