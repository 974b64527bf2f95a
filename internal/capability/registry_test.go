package capability_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/wardline/kernel/internal/capability"
	"github.com/wardline/kernel/internal/model"
	"github.com/wardline/kernel/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kernel-capability-test-*.db")
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

func seedExtension(t *testing.T, s *store.Store, id string, caps []model.CapabilityDeclaration, perms []model.Permission) {
	t.Helper()
	m := &model.ExtensionManifest{
		ID:                  id,
		Version:             "1.0.0",
		Name:                id,
		Capabilities:        caps,
		PermissionsRequired: perms,
		Platforms:           []model.Platform{model.PlatformAll},
		Install:             model.InstallRef{Plan: "install.yaml", Mode: model.InstallModeManaged},
	}
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	ctx := context.Background()
	if err := s.UpsertExtension(ctx, id, id, "1.0.0", "registry", "", manifestJSON); err != nil {
		t.Fatalf("UpsertExtension: %v", err)
	}
	if err := s.SetExtensionEnabled(ctx, id, true, "INSTALLED"); err != nil {
		t.Fatalf("SetExtensionEnabled: %v", err)
	}
}

func TestRegistry_Refresh_LoadsExtensionToolsWithInferredRisk(t *testing.T) {
	s := newTestStore(t)
	seedExtension(t, s, "acme.tools", []model.CapabilityDeclaration{
		{Name: "delete_record", Kind: "tool", Description: "removes a record permanently"},
	}, nil)

	reg := capability.NewRegistry(s, time.Minute)
	reg.Refresh(context.Background())

	td, ok := reg.Lookup("ext:acme.tools:delete_record")
	if !ok {
		t.Fatal("expected delete_record tool to be registered")
	}
	if td.RiskLevel != model.RiskHigh {
		t.Fatalf("expected inferred risk HIGH for a 'delete' tool, got %s", td.RiskLevel)
	}
}

func TestRegistry_Refresh_HonorsDeclaredRiskLevel(t *testing.T) {
	s := newTestStore(t)
	seedExtension(t, s, "acme.tools", []model.CapabilityDeclaration{
		{Name: "list_items", Kind: "tool", RiskLevel: model.RiskCritical},
	}, nil)

	reg := capability.NewRegistry(s, time.Minute)
	reg.Refresh(context.Background())

	td, ok := reg.Lookup("ext:acme.tools:list_items")
	if !ok {
		t.Fatal("expected list_items tool to be registered")
	}
	if td.RiskLevel != model.RiskCritical {
		t.Fatalf("expected declared risk_level to be honored, got %s", td.RiskLevel)
	}
}

func TestRegistry_Refresh_InfersLowRiskForReadOnlyTokens(t *testing.T) {
	s := newTestStore(t)
	seedExtension(t, s, "acme.tools", []model.CapabilityDeclaration{
		{Name: "get_status", Kind: "tool", Description: "read the current status"},
	}, nil)

	reg := capability.NewRegistry(s, time.Minute)
	reg.Refresh(context.Background())

	td, _ := reg.Lookup("ext:acme.tools:get_status")
	if td.RiskLevel != model.RiskLow {
		t.Fatalf("expected LOW risk for a read-only tool, got %s", td.RiskLevel)
	}
}

func TestRegistry_Refresh_DisabledExtensionOmitted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := &model.ExtensionManifest{
		ID:        "acme.disabled",
		Version:   "1.0.0",
		Name:      "disabled",
		Platforms: []model.Platform{model.PlatformAll},
		Install:   model.InstallRef{Plan: "install.yaml", Mode: model.InstallModeManaged},
		Capabilities: []model.CapabilityDeclaration{
			{Name: "run_thing", Kind: "tool"},
		},
	}
	manifestJSON, _ := json.Marshal(m)
	if err := s.UpsertExtension(ctx, "acme.disabled", "disabled", "1.0.0", "registry", "", manifestJSON); err != nil {
		t.Fatalf("UpsertExtension: %v", err)
	}
	// Left disabled deliberately.

	reg := capability.NewRegistry(s, time.Minute)
	reg.Refresh(ctx)
	if _, ok := reg.Lookup("ext:acme.disabled:run_thing"); ok {
		t.Fatal("expected a disabled extension's tools not to be registered")
	}
}

func TestInferRiskLevel_PaymentsSideEffectForcesCritical(t *testing.T) {
	if got := capability.InferRiskLevel("charge_card", "", []string{"payments"}); got != model.RiskCritical {
		t.Fatalf("expected CRITICAL for payments side effect, got %s", got)
	}
}
