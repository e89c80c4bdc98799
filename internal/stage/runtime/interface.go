// Package runtime runs external stage programs for the command stage.
package runtime

import (
	"context"
	"fmt"
	"io"
)

// Environment variables every stage program receives.
const (
	EnvInput   = "DOCFLOW_INPUT"
	EnvWorkDir = "DOCFLOW_WORKDIR"
)

// Runtime defines the interface for executing stage programs.
// Implementations include raw processes, Docker and Kubernetes.
type Runtime interface {
	// Start begins execution of a program and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a stage program.
type StartOptions struct {
	// Name identifies the run. It becomes the work directory, container or job name suffix.
	Name    string
	Image   string
	Command []string
	Env     map[string]string
	// Input is the document content handed to the program.
	Input []byte
}

// ExitResult is how a program ended.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a running stage program.
type Handle interface {
	// Wait blocks until the program completes. Context expiry returns ExitCode -1 and ctx.Err().
	Wait(ctx context.Context) (ExitResult, error)

	// Stop forcefully terminates the program.
	Stop(ctx context.Context) error

	// StreamLogs returns the program's stdout.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)

	// Cleanup releases the run's work directory, container or job.
	Cleanup(ctx context.Context) error
}

// Config selects and configures a runtime.
type Config struct {
	Kind       string
	WorkDir    string
	Kubernetes KubernetesConfig
}

// New builds the runtime named by cfg.Kind: exec, docker or kubernetes.
func New(cfg Config) (Runtime, error) {
	switch cfg.Kind {
	case "", "exec":
		return NewExecRuntime(cfg.WorkDir), nil
	case "docker":
		return NewDockerRuntime(cfg.WorkDir)
	case "kubernetes":
		return NewKubernetesRuntime(cfg.Kubernetes)
	default:
		return nil, fmt.Errorf("unknown stage runtime %q", cfg.Kind)
	}
}

func mapToEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
