package sandbox

import (
	"testing"
)

func TestBuildSandboxConfig_AppliesResourceProfile(t *testing.T) {
	cfg, hostCfg, err := buildSandboxConfig(Invocation{
		Image:   "agentos/tool-runner:latest",
		Command: []string{"lint", "--fix"},
		Env:     map[string]string{"TOOL_TOKEN": "abc"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Image != "agentos/tool-runner:latest" {
		t.Fatalf("image = %q", cfg.Image)
	}
	if cfg.User != sandboxUser {
		t.Fatalf("user = %q, want %q", cfg.User, sandboxUser)
	}
	if len(cfg.Env) != 1 || cfg.Env[0] != "TOOL_TOKEN=abc" {
		t.Fatalf("env = %v", cfg.Env)
	}

	if hostCfg.NetworkMode != "none" {
		t.Fatalf("network mode = %q, want none", hostCfg.NetworkMode)
	}
	if !hostCfg.ReadonlyRootfs {
		t.Fatal("expected a read-only rootfs")
	}
	if hostCfg.Tmpfs["/tmp"] != sandboxTmpfsSize {
		t.Fatalf("tmpfs /tmp = %q", hostCfg.Tmpfs["/tmp"])
	}
	if len(hostCfg.CapDrop) != 1 || hostCfg.CapDrop[0] != "ALL" {
		t.Fatalf("cap_drop = %v, want [ALL]", hostCfg.CapDrop)
	}
	if hostCfg.Resources.NanoCPUs != sandboxCPUFraction {
		t.Fatalf("nano cpus = %d, want %d", hostCfg.Resources.NanoCPUs, sandboxCPUFraction)
	}
	wantMem := int64(256 * 1024 * 1024)
	if hostCfg.Resources.Memory != wantMem {
		t.Fatalf("memory = %d, want %d", hostCfg.Resources.Memory, wantMem)
	}
}

func TestBuildSandboxConfig_NoEnvYieldsEmptySlice(t *testing.T) {
	cfg, _, err := buildSandboxConfig(Invocation{Image: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Env) != 0 {
		t.Fatalf("expected no env vars, got %v", cfg.Env)
	}
}

func TestBuildSandboxConfig_BindsMountedReadOnly(t *testing.T) {
	_, hostCfg, err := buildSandboxConfig(Invocation{
		Image: "x",
		Binds: map[string]string{"/host/tool": "/sandbox/tool"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hostCfg.Binds) != 1 || hostCfg.Binds[0] != "/host/tool:/sandbox/tool:ro" {
		t.Fatalf("binds = %v", hostCfg.Binds)
	}
}
