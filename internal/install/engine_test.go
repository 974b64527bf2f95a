package install

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/wardline/kernel/internal/capability"
	"github.com/wardline/kernel/internal/kernelerr"
	"github.com/wardline/kernel/internal/model"
	"github.com/wardline/kernel/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kernel-install-test-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedExtension(t *testing.T, s *store.Store, id string) {
	t.Helper()
	manifestJSON, _ := json.Marshal(map[string]string{"id": id})
	if err := s.UpsertExtension(context.Background(), id, id, "1.0.0", "registry", "", manifestJSON); err != nil {
		t.Fatalf("UpsertExtension: %v", err)
	}
}

func TestEngine_Install_RunsStepsAndMarksInstalled(t *testing.T) {
	s := newTestStore(t)
	seedExtension(t, s, "acme.tools")
	e := NewEngine(s, capability.NewRunner())
	workDir := filepath.Join(t.TempDir(), ".agentos")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatalf("mkdir workdir: %v", err)
	}

	plan := &model.InstallPlan{
		ExtensionID: "acme.tools",
		Steps: []model.InstallStep{
			{ID: "detect", Type: model.StepDetectPlatform},
			{ID: "config", Type: model.StepWriteConfig, Key: "installed_by", Value: "engine_test"},
		},
	}

	result, err := e.Install(context.Background(), "acme.tools", "deadbeef", plan, workDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}

	row, err := s.GetExtension(context.Background(), "acme.tools")
	if err != nil {
		t.Fatalf("GetExtension: %v", err)
	}
	if row.Status != "INSTALLED" {
		t.Fatalf("expected status INSTALLED, got %q", row.Status)
	}

	cfgPath := filepath.Join(workDir, "config.json")
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("expected config.json to be written: %v", err)
	}

	install, err := s.GetInstall(context.Background(), result.InstallID)
	if err != nil {
		t.Fatalf("GetInstall: %v", err)
	}
	if install.Status != "SUCCEEDED" || install.Progress != 100 {
		t.Fatalf("expected SUCCEEDED/100, got %q/%d", install.Status, install.Progress)
	}
}

func TestEngine_Install_UnknownStepTypeRejectedBeforeFirstStep(t *testing.T) {
	s := newTestStore(t)
	seedExtension(t, s, "acme.tools")
	e := NewEngine(s, capability.NewRunner())

	plan := &model.InstallPlan{
		ExtensionID: "acme.tools",
		Steps: []model.InstallStep{
			{ID: "bogus", Type: "not.a.real.type"},
		},
	}

	result, err := e.Install(context.Background(), "acme.tools", "", plan, t.TempDir())
	if !kernelerr.Is(err, kernelerr.CodePlanInvalid) {
		t.Fatalf("expected PLAN_INVALID, got %v", err)
	}
	if result.Success {
		t.Fatal("expected failure result")
	}
}

func TestEngine_Install_UnknownWhenIdentifierFailsWithConditionError(t *testing.T) {
	s := newTestStore(t)
	seedExtension(t, s, "acme.tools")
	e := NewEngine(s, capability.NewRunner())
	workDir := filepath.Join(t.TempDir(), ".agentos")
	os.MkdirAll(workDir, 0o755)

	plan := &model.InstallPlan{
		ExtensionID: "acme.tools",
		Steps: []model.InstallStep{
			{ID: "guarded", Type: model.StepWriteConfig, When: `platform.mystery == "x"`, Key: "k", Value: "v"},
		},
	}

	result, err := e.Install(context.Background(), "acme.tools", "", plan, workDir)
	if !kernelerr.Is(err, kernelerr.CodeConditionError) {
		t.Fatalf("expected CONDITION_ERROR, got %v", err)
	}
	if result.FailedStep != "guarded" {
		t.Fatalf("expected failed_step %q, got %q", "guarded", result.FailedStep)
	}
}

func TestEngine_Install_SkipsStepWhenGuardFalse(t *testing.T) {
	s := newTestStore(t)
	seedExtension(t, s, "acme.tools")
	e := NewEngine(s, capability.NewRunner())
	workDir := filepath.Join(t.TempDir(), ".agentos")
	os.MkdirAll(workDir, 0o755)

	plan := &model.InstallPlan{
		ExtensionID: "acme.tools",
		Steps: []model.InstallStep{
			{ID: "detect", Type: model.StepDetectPlatform},
			{ID: "win-only", Type: model.StepWriteConfig, When: `platform.os == "win32"`, Key: "k", Value: "v"},
		},
	}

	result, err := e.Install(context.Background(), "acme.tools", "", plan, workDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if _, err := os.Stat(filepath.Join(workDir, "config.json")); err == nil {
		t.Fatal("expected the guarded step to be skipped, but config.json was written")
	}
}

func TestEngine_Install_RejectsConcurrentRunForSameExtension(t *testing.T) {
	s := newTestStore(t)
	seedExtension(t, s, "acme.tools")
	e := NewEngine(s, capability.NewRunner())
	e.inFlight.Store("acme.tools", "already-running")

	plan := &model.InstallPlan{ExtensionID: "acme.tools", Steps: []model.InstallStep{{ID: "a", Type: model.StepDetectPlatform}}}
	_, err := e.Install(context.Background(), "acme.tools", "", plan, t.TempDir())
	if !kernelerr.Is(err, kernelerr.CodeInstallInProgress) {
		t.Fatalf("expected INSTALL_IN_PROGRESS, got %v", err)
	}
}

func TestEngine_Uninstall_DisablesExtension(t *testing.T) {
	s := newTestStore(t)
	seedExtension(t, s, "acme.tools")
	if err := s.SetExtensionEnabled(context.Background(), "acme.tools", true, "INSTALLED"); err != nil {
		t.Fatalf("SetExtensionEnabled: %v", err)
	}
	e := NewEngine(s, capability.NewRunner())

	plan := &model.InstallPlan{
		ExtensionID: "acme.tools",
		Uninstall: []model.InstallStep{
			{ID: "cleanup", Type: model.StepWriteConfig, Key: "uninstalled", Value: "true"},
		},
	}

	result, err := e.Uninstall(context.Background(), "acme.tools", plan, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}

	row, err := s.GetExtension(context.Background(), "acme.tools")
	if err != nil {
		t.Fatalf("GetExtension: %v", err)
	}
	if row.Enabled {
		t.Fatal("expected extension to be disabled after uninstall")
	}
}
