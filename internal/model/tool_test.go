package model_test

import (
	"testing"

	"github.com/wardline/kernel/internal/model"
)

func TestToolDescriptor_Validate_AcceptsValidPrefixes(t *testing.T) {
	for _, id := range []string{"ext:shell-tools:run_script", "mcp:github:list_issues"} {
		td := &model.ToolDescriptor{
			ToolID:     id,
			Name:       "x",
			RiskLevel:  model.RiskLow,
			SourceType: model.SourceExtension,
			SourceID:   "src",
			Enabled:    true,
		}
		if id[:3] == "mcp" {
			td.SourceType = model.SourceMCP
		}
		if err := td.Validate(); err != nil {
			t.Fatalf("tool_id %q: unexpected error: %v", id, err)
		}
	}
}

func TestToolDescriptor_Validate_RejectsBadPrefix(t *testing.T) {
	td := &model.ToolDescriptor{ToolID: "shell-tools:run_script", RiskLevel: model.RiskLow, SourceType: model.SourceExtension}
	if err := td.Validate(); err == nil {
		t.Fatal("expected error for tool_id missing ext:/mcp: prefix")
	}
}

func TestToolDescriptor_Validate_EnforcesRiskFloorForPayments(t *testing.T) {
	td := &model.ToolDescriptor{
		ToolID:         "ext:billing:charge",
		RiskLevel:      model.RiskMed,
		SideEffectTags: []string{"payments"},
		SourceType:     model.SourceExtension,
	}
	if err := td.Validate(); err == nil {
		t.Fatal("expected error: payments side effect must force CRITICAL")
	}
	td.RiskLevel = model.RiskCritical
	if err := td.Validate(); err != nil {
		t.Fatalf("unexpected error once risk_level is CRITICAL: %v", err)
	}
}

func TestToolDescriptor_Validate_EnforcesRiskFloorForCloudKeyWildcard(t *testing.T) {
	td := &model.ToolDescriptor{
		ToolID:         "ext:cloud:rotate",
		RiskLevel:      model.RiskHigh,
		SideEffectTags: []string{"cloud.key_rotate"},
		SourceType:     model.SourceExtension,
	}
	if err := td.Validate(); err == nil {
		t.Fatal("expected error: cloud.key_* must force CRITICAL")
	}
}

func TestRiskLevel_Rank_Orders(t *testing.T) {
	if !(model.RiskLow.Rank() < model.RiskMed.Rank() && model.RiskMed.Rank() < model.RiskHigh.Rank() && model.RiskHigh.Rank() < model.RiskCritical.Rank()) {
		t.Fatal("expected LOW < MED < HIGH < CRITICAL")
	}
}

func TestInstallPlan_Validate_RejectsUnknownStepType(t *testing.T) {
	plan := &model.InstallPlan{
		ExtensionID: "ext1",
		Steps: []model.InstallStep{
			{ID: "s0", Type: model.StepDetectPlatform},
			{ID: "s1", Type: "bogus.step"},
		},
	}
	if err := plan.Validate(); err == nil {
		t.Fatal("expected INVALID_PLAN-style error for unknown step type")
	}
}

func TestInstallPlan_Validate_RejectsDuplicateStepIDs(t *testing.T) {
	plan := &model.InstallPlan{
		ExtensionID: "ext1",
		Steps: []model.InstallStep{
			{ID: "s0", Type: model.StepDetectPlatform},
			{ID: "s0", Type: model.StepWriteConfig},
		},
	}
	if err := plan.Validate(); err == nil {
		t.Fatal("expected error for duplicate step id")
	}
}

func TestInstallStep_EffectiveTimeoutSeconds_DefaultsTo300(t *testing.T) {
	s := &model.InstallStep{ID: "s0", Type: model.StepExecShell}
	if got := s.EffectiveTimeoutSeconds(); got != model.DefaultStepTimeoutSeconds {
		t.Fatalf("got %d, want %d", got, model.DefaultStepTimeoutSeconds)
	}
}

func TestExtensionManifest_Validate_RequiresManagedInstallMode(t *testing.T) {
	m := &model.ExtensionManifest{
		ID:        "acme.tools",
		Version:   "1.0.0",
		Name:      "Acme Tools",
		Platforms: []model.Platform{model.PlatformAll},
		Install:   model.InstallRef{Plan: "install.yaml", Mode: "custom"},
	}
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for non-agentos_managed install mode")
	}
}
