package publisher

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// EnsureReady checks that the interpreter runs and the build frontend is
// installed, writing one readiness line per tool to w.
func (b *Builder) EnsureReady(ctx context.Context, w io.Writer) error {
	checks := []struct {
		name string
		args []string
		hint string
	}{
		{"python", []string{"--version"}, "install the interpreter or set build.python"},
		{"build", []string{"-m", "build", "--version"}, "run: " + b.Python + " -m pip install build"},
	}
	for _, c := range checks {
		out, err := b.toolVersion(ctx, c.args...)
		if err != nil {
			return fmt.Errorf("%s is not available (%s): %w", c.name, c.hint, err)
		}
		fmt.Fprintf(w, "%s: %s\n", c.name, firstLine(out))
	}
	return nil
}

func (b *Builder) toolVersion(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, b.Python, args...).CombinedOutput()
	if err != nil {
		if msg := firstLine(string(out)); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return string(out), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}
