package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

const (
	stdoutFile = "stdout.log"
	stderrFile = "stderr.log"
	inputFile  = "input"
)

// ExecRuntime implements the Runtime interface using raw OS processes.
// Intended for development and single-host deployments.
type ExecRuntime struct {
	WorkDir string
}

// ExecHandle represents a running process.
type ExecHandle struct {
	cmd     *exec.Cmd
	dir     string
	done    chan struct{}
	waitErr error
}

// NewExecRuntime creates a new process-based runtime. Each run gets its own
// directory below workDir.
func NewExecRuntime(workDir string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "docflow", "stages")
	}
	return &ExecRuntime{WorkDir: workDir}
}

// Start implements Runtime.Start using os/exec.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("command is required")
	}

	dir, err := prepareWorkDir(e.WorkDir, opts)
	if err != nil {
		return nil, err
	}

	stdout, err := os.Create(filepath.Join(dir, stdoutFile))
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create stdout file: %w", err)
	}
	stderr, err := os.Create(filepath.Join(dir, stderrFile))
	if err != nil {
		stdout.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create stderr file: %w", err)
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), mapToEnvList(opts.Env)...)
	cmd.Env = append(cmd.Env, EnvInput+"="+filepath.Join(dir, inputFile), EnvWorkDir+"="+dir)

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("start %s: %w", opts.Command[0], err)
	}

	h := &ExecHandle{cmd: cmd, dir: dir, done: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		stdout.Close()
		stderr.Close()
		close(h.done)
	}()
	return h, nil
}

// Wait implements Handle.Wait.
func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}

	if h.waitErr == nil {
		return ExitResult{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(h.waitErr, &exitErr) {
		res := ExitResult{ExitCode: exitErr.ExitCode(), Error: h.waitErr}
		if tail := h.stderrTail(); tail != "" {
			res.Error = errors.New(tail)
		}
		return res, nil
	}
	return ExitResult{ExitCode: -1, Error: h.waitErr}, h.waitErr
}

// Stop sends SIGTERM and kills the process if it outlives ctx.
func (h *ExecHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return h.cmd.Process.Kill()
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return h.cmd.Process.Kill()
	}
}

// StreamLogs implements Handle.StreamLogs. Output is complete once Wait returned.
func (h *ExecHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return os.Open(filepath.Join(h.dir, stdoutFile))
}

// Cleanup removes the run directory.
func (h *ExecHandle) Cleanup(ctx context.Context) error {
	return os.RemoveAll(h.dir)
}

func (h *ExecHandle) stderrTail() string {
	b, err := os.ReadFile(filepath.Join(h.dir, stderrFile))
	if err != nil {
		return ""
	}
	return tail(string(b), 512)
}

func prepareWorkDir(base string, opts StartOptions) (string, error) {
	name := opts.Name
	if name == "" {
		name = uuid.NewString()
	}
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, inputFile), opts.Input, 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("write input: %w", err)
	}
	return dir, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
