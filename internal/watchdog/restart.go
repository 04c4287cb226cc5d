package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ExecRestarter runs the orchestrator as a child process and replaces it on
// every Restart.
type ExecRestarter struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// StopTimeout bounds how long a child gets to exit after SIGTERM.
	StopTimeout time.Duration

	mu    sync.Mutex
	cmd   *exec.Cmd
	done  chan struct{}
	count int
}

// NewExecRestarter restarts "<self> process" with the given extra args.
func NewExecRestarter(args ...string) (*ExecRestarter, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	return &ExecRestarter{
		Path:   self,
		Args:   append([]string{"process"}, args...),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

// Restart terminates the previous child, if any, and starts a new one.
func (r *ExecRestarter) Restart(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.stopLocked(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(r.Path, r.Args...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", r.Path, err)
	}

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		slog.Info("orchestrator process exited", "pid", cmd.Process.Pid, "error", err)
		close(done)
	}()

	r.cmd = cmd
	r.done = done
	r.count++
	slog.Info("orchestrator process started", "pid", cmd.Process.Pid, "restarts", r.count)
	return nil
}

// Running reports whether the current child is alive.
func (r *ExecRestarter) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Stop terminates the current child, if any.
func (r *ExecRestarter) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked()
}

func (r *ExecRestarter) stopLocked() error {
	if r.cmd == nil {
		return nil
	}
	cmd, done := r.cmd, r.done
	r.cmd, r.done = nil, nil

	select {
	case <-done:
		return nil
	default:
	}

	timeout := r.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		timeout = 0
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing orchestrator process %d: %w", cmd.Process.Pid, err)
	}
	<-done
	return nil
}
