// Package sandbox implements container-backed isolated execution of
// HIGH/CRITICAL-risk tool invocations. A Sandbox runs exactly one
// invocation per container: create, start, wait for exit or timeout,
// capture output, remove. There is no fallback to unsandboxed execution —
// when the runtime is unavailable, invocations that need it are refused.
package sandbox

import (
	"context"
	"time"
)

// Status reports whether the sandbox runtime is reachable.
type Status struct {
	Available bool
	Error     string
}

// RunResult is the outcome of one sandboxed invocation.
type RunResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMS int64
	// TimedOut reports whether the container was killed for exceeding its
	// wall-clock timeout rather than exiting on its own.
	TimedOut bool
}

// Invocation is the minimal shape a Sandbox needs to run one tool call in
// isolation: the image to run it in and the command line to execute.
type Invocation struct {
	Image   string
	Command []string
	Env     map[string]string
	// Binds mounts host path -> container path, read-only, for the
	// extension's own code (e.g. its tool binary) to be reachable inside
	// the otherwise-empty container without granting it write access.
	Binds map[string]string
}

// Sandbox isolates the execution of one tool invocation in a disposable
// container. Implementations must deny execution (not silently fall back to
// running unsandboxed) when IsAvailable reports false.
type Sandbox interface {
	// IsAvailable reports whether the underlying runtime can currently
	// accept work, without attempting to run anything.
	IsAvailable(ctx context.Context) bool

	// Execute runs inv in an isolated, resource-capped container and
	// returns its captured output. timeout bounds the container's total
	// wall-clock runtime; exceeding it kills the container and returns
	// RunResult.TimedOut=true.
	Execute(ctx context.Context, inv Invocation, timeout time.Duration) (*RunResult, error)

	// HealthCheck probes the runtime directly (e.g. the Docker daemon's
	// /_ping) and reports its reachability.
	HealthCheck(ctx context.Context) (Status, error)
}
