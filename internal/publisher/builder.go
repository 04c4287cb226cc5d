// Package publisher builds distributions from patched trees and uploads
// them to a devpi index.
package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/kalambet/lazarus/internal/compat"
	"github.com/kalambet/lazarus/internal/pipeline"
)

// maxOutput bounds the build log kept on a failure.
const maxOutput = 8 << 10

// Builder runs the PEP 517 frontend (`python -m build`) in a subprocess.
type Builder struct {
	// Python is the interpreter used to run the frontend.
	Python string
	// Env is appended to the current environment of every build.
	Env    []string
	Logger *slog.Logger
}

// NewBuilder returns a Builder using python.
func NewBuilder(python string, logger *slog.Logger) *Builder {
	if python == "" {
		python = "python3"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{Python: python, Logger: logger}
}

// Build produces an sdist and, when possible, a wheel for req.Root in
// req.OutDir. A failed sdist fails the build; a failed wheel is logged
// and skipped, since a pure-source release is still publishable.
func (b *Builder) Build(ctx context.Context, req pipeline.BuildRequest) (pipeline.Artifacts, error) {
	arts := pipeline.Artifacts{Package: req.Package, Version: req.Version}
	if err := os.MkdirAll(req.OutDir, 0o755); err != nil {
		return arts, err
	}

	if out, err := b.run(ctx, req, "--sdist"); err != nil {
		return arts, b.classify(ctx, out, err)
	}
	sdists, err := filepath.Glob(filepath.Join(req.OutDir, "*.tar.gz"))
	if err != nil {
		return arts, err
	}
	if len(sdists) == 0 {
		return arts, &pipeline.BuildError{Kind: compat.FailureBuild, Err: errors.New("no sdist produced")}
	}

	if out, err := b.run(ctx, req, "--wheel"); err != nil {
		if ctx.Err() != nil {
			return arts, ctx.Err()
		}
		b.Logger.Warn("wheel build failed, publishing sdist only",
			"package", req.Package, "version", req.Version, "symptom", compat.Diagnose(out))
	}
	wheels, err := filepath.Glob(filepath.Join(req.OutDir, "*.whl"))
	if err != nil {
		return arts, err
	}

	arts.Files = append(sdists, wheels...)
	sort.Strings(arts.Files)
	return arts, nil
}

func (b *Builder) run(ctx context.Context, req pipeline.BuildRequest, mode string) (string, error) {
	cmd := exec.CommandContext(ctx, b.Python, "-m", "build", mode, "--outdir", req.OutDir)
	cmd.Dir = req.Root
	cmd.WaitDelay = 10 * time.Second
	cmd.Env = append(os.Environ(), b.Env...)
	if req.Version != "" {
		cmd.Env = append(cmd.Env, "SETUPTOOLS_SCM_PRETEND_VERSION="+req.Version)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	return tail(out.String(), maxOutput), err
}

// classify turns a failed frontend run into a *pipeline.BuildError. A
// context error is returned unchanged so the caller can treat it as a
// timeout.
func (b *Builder) classify(ctx context.Context, output string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// The interpreter itself could not be started.
		return &pipeline.BuildError{Kind: compat.FailureBuildEnv, Output: output, Err: err}
	}
	symptom := compat.Diagnose(output)
	return &pipeline.BuildError{
		Kind:   symptom.FailureFor(),
		Output: output,
		Err:    fmt.Errorf("sdist build exited with %d (%s)", exitErr.ExitCode(), symptom),
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
