package model

import (
	"fmt"
	"regexp"
)

var extensionIDPattern = regexp.MustCompile(`^[a-z0-9_.-]+$`)
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

// Permission is one of the coarse-grained permissions an extension can
// declare it requires.
type Permission string

const (
	PermissionNetwork Permission = "network"
	PermissionExec    Permission = "exec"
	PermissionFSRead  Permission = "filesystem.read"
	PermissionFSWrite Permission = "filesystem.write"
)

var validPermissions = map[Permission]bool{
	PermissionNetwork: true,
	PermissionExec:    true,
	PermissionFSRead:  true,
	PermissionFSWrite: true,
}

// Platform is one of the operating-system targets an extension supports.
type Platform string

const (
	PlatformLinux  Platform = "linux"
	PlatformDarwin Platform = "darwin"
	PlatformWin32  Platform = "win32"
	PlatformAll    Platform = "all"
)

var validPlatforms = map[Platform]bool{
	PlatformLinux: true, PlatformDarwin: true, PlatformWin32: true, PlatformAll: true,
}

// CapabilityDeclaration describes one tool or slash-command an extension
// exposes once installed and enabled.
type CapabilityDeclaration struct {
	Name           string    `json:"name"`
	Kind           string    `json:"kind"` // "slash_command" | "tool"
	Description    string    `json:"description,omitempty"`
	RiskLevel      RiskLevel `json:"risk_level,omitempty"`
	SideEffectTags []string  `json:"side_effect_tags,omitempty"`
}

// InstallRef points an ExtensionManifest at its declarative install plan.
type InstallRef struct {
	Plan string `json:"plan"`
	Mode string `json:"mode"`
}

const InstallModeManaged = "agentos_managed"

// ExtensionManifest is the static, content-addressable description of one
// installable extension.
type ExtensionManifest struct {
	ID                  string                  `json:"id"`
	Version             string                  `json:"version"`
	Name                string                  `json:"name"`
	Description         string                  `json:"description,omitempty"`
	Capabilities        []CapabilityDeclaration `json:"capabilities,omitempty"`
	PermissionsRequired []Permission            `json:"permissions_required,omitempty"`
	Platforms           []Platform              `json:"platforms"`
	Install             InstallRef              `json:"install"`
}

func (m *ExtensionManifest) Validate() error {
	if m == nil {
		return fmt.Errorf("extension manifest must not be nil")
	}
	if !extensionIDPattern.MatchString(m.ID) {
		return fmt.Errorf("id %q must match [a-z0-9_.-]+", m.ID)
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("version %q must be semver", m.Version)
	}
	if m.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if len(m.Platforms) == 0 {
		return fmt.Errorf("platforms must declare at least one target")
	}
	for _, p := range m.Platforms {
		if !validPlatforms[p] {
			return fmt.Errorf("unknown platform %q", p)
		}
	}
	for _, p := range m.PermissionsRequired {
		if !validPermissions[p] {
			return fmt.Errorf("unknown permission %q", p)
		}
	}
	if m.Install.Mode != InstallModeManaged {
		return fmt.Errorf("install.mode must be %q, got %q", InstallModeManaged, m.Install.Mode)
	}
	if m.Install.Plan == "" {
		return fmt.Errorf("install.plan must not be empty")
	}
	return nil
}

// StepType is one entry in the install engine's closed step-type whitelist.
// No other value may ever be dispatched.
type StepType string

const (
	StepDetectPlatform      StepType = "detect.platform"
	StepDownloadHTTP        StepType = "download.http"
	StepExtractZip          StepType = "extract.zip"
	StepExecShell           StepType = "exec.shell"
	StepExecPowerShell      StepType = "exec.powershell"
	StepVerifyCommandExists StepType = "verify.command_exists"
	StepVerifyHTTP          StepType = "verify.http"
	StepWriteConfig         StepType = "write.config"
)

var validStepTypes = map[StepType]bool{
	StepDetectPlatform: true, StepDownloadHTTP: true, StepExtractZip: true,
	StepExecShell: true, StepExecPowerShell: true, StepVerifyCommandExists: true,
	StepVerifyHTTP: true, StepWriteConfig: true,
}

// IsKnownStepType reports whether t is one of the whitelisted step types.
func IsKnownStepType(t StepType) bool {
	return validStepTypes[t]
}

// InstallStep is one ordered action in an InstallPlan. Only the fields
// relevant to Type are expected to be populated; the engine ignores the
// rest.
type InstallStep struct {
	ID                  string       `json:"id"`
	Type                StepType     `json:"type"`
	When                string       `json:"when,omitempty"`
	RequiresPermissions []Permission `json:"requires_permissions,omitempty"`
	TimeoutSeconds      int          `json:"timeout_seconds,omitempty"`

	// type-specific fields
	URL     string `json:"url,omitempty"`
	SHA256  string `json:"sha256,omitempty"`
	Target  string `json:"target,omitempty"`
	Source  string `json:"source,omitempty"`
	Command string `json:"command,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
}

const DefaultStepTimeoutSeconds = 300

// EffectiveTimeoutSeconds returns TimeoutSeconds or the default when unset.
func (s *InstallStep) EffectiveTimeoutSeconds() int {
	if s.TimeoutSeconds <= 0 {
		return DefaultStepTimeoutSeconds
	}
	return s.TimeoutSeconds
}

// InstallPlan is an ordered, validated sequence of InstallStep. Uninstall
// holds the symmetric teardown sequence the install engine runs against the
// same extension; it is validated by the same rules as Steps.
type InstallPlan struct {
	ExtensionID string        `json:"extension_id"`
	Steps       []InstallStep `json:"steps"`
	Uninstall   []InstallStep `json:"uninstall,omitempty"`
}

// Validate checks id uniqueness and that every step type is whitelisted, in
// both Steps and Uninstall. Per the install engine's failure model, an
// unknown type must be detected before step 0 of either sequence ever runs.
func (p *InstallPlan) Validate() error {
	if p == nil {
		return fmt.Errorf("install plan must not be nil")
	}
	if err := validateSteps("step", p.Steps); err != nil {
		return err
	}
	if err := validateSteps("uninstall step", p.Uninstall); err != nil {
		return err
	}
	return nil
}

func validateSteps(label string, steps []InstallStep) error {
	seen := make(map[string]bool, len(steps))
	for i, step := range steps {
		if step.ID == "" {
			return fmt.Errorf("%s %d: id must not be empty", label, i)
		}
		if seen[step.ID] {
			return fmt.Errorf("%s %d: duplicate id %q", label, i, step.ID)
		}
		seen[step.ID] = true
		if !IsKnownStepType(step.Type) {
			return fmt.Errorf("%s %d (%s): unknown type %q", label, i, step.ID, step.Type)
		}
	}
	return nil
}
