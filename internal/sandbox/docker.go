package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"

	"github.com/wardline/kernel/internal/kernelerr"
)

const (
	labelManagedBy = "agentos.managed-by"
	managedByValue = "agentos-sandbox"

	// Resource profile for one-shot HIGH/CRITICAL tool-invocation
	// containers: a fraction of a core, a hard memory ceiling, no network,
	// a read-only rootfs with a small noexec/nosuid scratch tmpfs, every
	// capability dropped, and a non-root numeric user.
	sandboxCPUFraction = 5e8 // NanoCPUs: 0.5 core
	sandboxMemoryLimit = "256m"
	sandboxTmpfsSize   = "size=100m,noexec,nosuid"
	sandboxUser        = "65534:65534"

	defaultTimeout = 15 * time.Second
)

// DockerSandbox is a Sandbox backed by the Docker Engine API. It never
// reuses a container across invocations.
type DockerSandbox struct {
	client *dockerclient.Client
}

// NewDockerSandbox builds a DockerSandbox from the ambient Docker
// environment (DOCKER_HOST or the default socket).
func NewDockerSandbox() (*DockerSandbox, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerSandbox{client: cli}, nil
}

// IsAvailable reports whether the Docker daemon answers a ping.
func (d *DockerSandbox) IsAvailable(ctx context.Context) bool {
	_, err := d.client.Ping(ctx)
	return err == nil
}

// HealthCheck probes the Docker daemon directly.
func (d *DockerSandbox) HealthCheck(ctx context.Context) (Status, error) {
	if _, err := d.client.Ping(ctx); err != nil {
		return Status{Available: false, Error: err.Error()}, nil
	}
	return Status{Available: true}, nil
}

// Execute runs inv in a single disposable container under the fixed
// resource profile, returning its captured stdout/stderr. When the runtime
// is unreachable, execution is refused outright (exit code 451) rather
// than falling back to running inv unsandboxed.
func (d *DockerSandbox) Execute(ctx context.Context, inv Invocation, timeout time.Duration) (*RunResult, error) {
	if !d.IsAvailable(ctx) {
		return &RunResult{ExitCode: 451}, kernelerr.New(kernelerr.CodeSandboxUnavailable, "docker runtime is unreachable; refusing unsandboxed execution")
	}
	if inv.Image == "" {
		return nil, kernelerr.New(kernelerr.CodeCommandFailed, "sandbox invocation requires an image")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	containerCfg, hostCfg, err := buildSandboxConfig(inv)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeCommandFailed, "create sandbox container", err)
	}
	defer func() {
		_ = d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := d.client.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeCommandFailed, "start sandbox container", err)
	}

	statusCh, errCh := d.client.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	var timedOut bool
	select {
	case <-runCtx.Done():
		timedOut = true
		_ = d.client.ContainerKill(context.Background(), resp.ID, "SIGKILL")
		<-errCh
	case werr := <-errCh:
		if werr != nil {
			return nil, kernelerr.Wrap(kernelerr.CodeCommandFailed, "wait for sandbox container", werr)
		}
	case st := <-statusCh:
		exitCode = int(st.StatusCode)
	}
	duration := time.Since(start)

	stdout, stderr, logErr := d.fetchLogs(context.Background(), resp.ID)
	if logErr != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeCommandFailed, "fetch sandbox container logs", logErr)
	}

	if timedOut {
		return &RunResult{Stdout: stdout, Stderr: stderr, ExitCode: -1, DurationMS: duration.Milliseconds(), TimedOut: true},
			kernelerr.New(kernelerr.CodeTimeout, fmt.Sprintf("sandbox invocation exceeded its %s timeout", timeout))
	}

	return &RunResult{
		Stdout:     stdout,
		Stderr:     stderr,
		ExitCode:   exitCode,
		DurationMS: duration.Milliseconds(),
	}, nil
}

// buildSandboxConfig translates inv into the fixed resource-capped profile:
// no network, read-only rootfs, a small noexec/nosuid tmpfs at /tmp, every
// capability dropped, no-new-privileges, and a non-root numeric user.
func buildSandboxConfig(inv Invocation) (*container.Config, *container.HostConfig, error) {
	memBytes, err := units.RAMInBytes(sandboxMemoryLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("parse memory limit: %w", err)
	}

	env := make([]string, 0, len(inv.Env))
	for k, v := range inv.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:  inv.Image,
		Cmd:    inv.Command,
		Env:    env,
		User:   sandboxUser,
		Labels: map[string]string{labelManagedBy: managedByValue},
	}

	var binds []string
	for host, ctr := range inv.Binds {
		binds = append(binds, host+":"+ctr+":ro")
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": sandboxTmpfsSize},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Binds:          binds,
		Resources: container.Resources{
			NanoCPUs: sandboxCPUFraction,
			Memory:   memBytes,
		},
	}
	return containerCfg, hostCfg, nil
}

// fetchLogs reads and demultiplexes a finished container's combined
// stdout/stderr stream.
func (d *DockerSandbox) fetchLogs(ctx context.Context, containerID string) (stdout, stderr string, err error) {
	rc, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var outBuf, errBuf strings.Builder
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, io.LimitReader(rc, sandboxLogCapBytes)); err != nil && err != io.EOF {
		return "", "", err
	}
	return outBuf.String(), errBuf.String(), nil
}

// sandboxLogCapBytes bounds how much of a container's combined log stream is
// read back, protecting the kernel process from an unbounded chatty tool.
const sandboxLogCapBytes = 1 << 20 // 1 MiB
