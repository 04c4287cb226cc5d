package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/lazarus/internal/compat"
	"github.com/kalambet/lazarus/internal/storage"
)

var (
	// ErrNotFound is returned by a Fetcher when no source distribution
	// exists for the requested package version.
	ErrNotFound = errors.New("no distribution available")

	// ErrUnresolved is returned by an AIFixer that could not produce a fix.
	ErrUnresolved = errors.New("issues unresolved")

	// ErrAuthExpired is returned by a Publisher whose credentials were
	// rejected.
	ErrAuthExpired = errors.New("publisher credentials expired")
)

// Queue is the subset of the job store the orchestrator drives.
type Queue interface {
	ClaimNext(ctx context.Context, owner string, lease time.Duration) (*storage.Job, error)
	Get(ctx context.Context, id int64) (storage.Job, error)
	ExtendLease(ctx context.Context, id int64, owner string, lease time.Duration) error
	Complete(ctx context.Context, id int64, owner string, res storage.Resolution) error
	MarkNeedsReview(ctx context.Context, id int64, owner string, res storage.Resolution) error
	Fail(ctx context.Context, id int64, owner string, res storage.Resolution, retry bool) (bool, error)
	GetStatus(ctx context.Context) (map[storage.Status]int, error)
	Beat(ctx context.Context, component, owner string) (storage.Heartbeat, error)
}

// Fetcher downloads and unpacks the source archive of a package version
// below dest and returns the root of the unpacked tree.
type Fetcher interface {
	Fetch(ctx context.Context, pkg, version, dest string) (string, error)
}

// Analyzer reports compatibility issues for every source file below root.
// File paths in the result are relative to root.
type Analyzer interface {
	Analyze(ctx context.Context, root string) ([]compat.FileIssues, error)
}

// SourceAnalyzer is implemented by analyzers that can check a single file's
// source without it being on disk. The orchestrator uses it to re-check AI
// rewrites and falls back to Analyze otherwise.
type SourceAnalyzer interface {
	AnalyzeSource(ctx context.Context, path string, src []byte) ([]compat.Issue, error)
}

// FixRequest asks an AIFixer to rewrite one file.
type FixRequest struct {
	Path         string
	Source       []byte
	Issues       []compat.Issue
	PythonTarget string
}

// AIFixer returns the full rewritten content of a file, or ErrUnresolved.
type AIFixer interface {
	Fix(ctx context.Context, req FixRequest) ([]byte, error)
}

// BuildRequest describes one build of a patched tree.
type BuildRequest struct {
	Package string
	Version string
	Root    string
	OutDir  string
}

// Artifacts are the distribution files produced by a build.
type Artifacts struct {
	Package string
	Version string
	Files   []string
}

// Builder produces distributions from a source tree. Failures are reported
// as *BuildError.
type Builder interface {
	Build(ctx context.Context, req BuildRequest) (Artifacts, error)
}

// Credentials authenticate uploads to the package index.
type Credentials struct {
	User  string
	Token string
}

// Publisher uploads artifacts to the package index.
type Publisher interface {
	Login(ctx context.Context) (Credentials, error)
	Upload(ctx context.Context, arts Artifacts, creds Credentials) error
}

// BuildError is a classified build failure.
type BuildError struct {
	Kind   compat.FailureKind
	Output string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("build failed (%s)", e.Kind)
	}
	return fmt.Sprintf("build failed (%s): %v", e.Kind, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// UploadError reports a rejected upload of one file.
type UploadError struct {
	File   string
	Status int
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("uploading %s: status %d: %v", e.File, e.Status, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// StageError ends a job run. Kind and Retry decide the queue transition.
type StageError struct {
	Stage Stage
	Kind  compat.FailureKind
	Retry bool
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
