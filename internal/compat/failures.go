package compat

import "strings"

// FailureKind classifies why a job did not complete.
type FailureKind string

const (
	FailureTransientInfra FailureKind = "transient_infra"
	FailureNotFound       FailureKind = "not_found"
	FailureBuildEnv       FailureKind = "build_environment"
	FailureBuild          FailureKind = "build_failure"
	FailureAuthExpired    FailureKind = "auth_expired"
	FailureAnalysis       FailureKind = "analysis"
	FailureUnresolved     FailureKind = "unresolved_compatibility"
	FailureAborted        FailureKind = "aborted"
	FailureSchema         FailureKind = "schema_migration"
	FailureLeaseExhausted FailureKind = "lease_exhausted"
)

// Retryable reports whether a failure of kind f may be retried within the
// job's attempt bound.
func (f FailureKind) Retryable() bool {
	switch f {
	case FailureTransientInfra, FailureBuild:
		return true
	default:
		return false
	}
}

// Symptom is a coarse diagnosis of tool output such as a build log.
type Symptom string

const (
	SymptomImportError  Symptom = "import_error"
	SymptomSyntaxError  Symptom = "syntax_error"
	SymptomRemovedAPI   Symptom = "removed_api"
	SymptomCExtension   Symptom = "c_extension"
	SymptomDependency   Symptom = "dependency"
	SymptomTestFailure  Symptom = "test_failure"
	SymptomBuildFailure Symptom = "build_failure"
	SymptomUnknown      Symptom = "unknown"
)

var (
	removedAPIMarkers = []string{
		"attributeerror", "has no attribute", "removed in python",
		"deprecationwarning", "was removed",
	}
	cExtensionMarkers = []string{
		"c extension", ".so", ".pyd", "compilation failed",
		"error: command 'gcc'", "error: command 'cl.exe'",
		"microsoft visual c++", "cannot open shared object",
		"python.h: no such file", "error: can't find rust compiler",
	}
	genericFailureMarkers = []string{"failed", "error", "assert"}
	buildContextMarkers   = []string{"build", "setup.py", "install"}
)

// Diagnose classifies tool output by the first matching marker group.
func Diagnose(output string) Symptom {
	lower := strings.ToLower(output)

	switch {
	case strings.Contains(lower, "modulenotfounderror"), strings.Contains(lower, "importerror"):
		return SymptomImportError
	case strings.Contains(lower, "syntaxerror"):
		return SymptomSyntaxError
	case containsAny(lower, removedAPIMarkers):
		return SymptomRemovedAPI
	case containsAny(lower, cExtensionMarkers):
		return SymptomCExtension
	case strings.Contains(lower, "no matching distribution"), strings.Contains(lower, "requirement"):
		return SymptomDependency
	case containsAny(lower, genericFailureMarkers):
		if containsAny(lower, buildContextMarkers) {
			return SymptomBuildFailure
		}
		return SymptomTestFailure
	}
	return SymptomUnknown
}

// FailureFor maps a build-output symptom onto the failure taxonomy. Native
// toolchain problems cannot be fixed by retrying.
func (s Symptom) FailureFor() FailureKind {
	if s == SymptomCExtension {
		return FailureBuildEnv
	}
	return FailureBuild
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
