package channel

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseManifest decodes and validates a channel-type manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest parse: %w", err)
	}
	if err := ValidateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ValidateManifest checks a Manifest for structural correctness. An invalid
// manifest must be rejected before load; the caller skips it and logs,
// other manifests still load.
func ValidateManifest(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest must not be nil")
	}
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("id must not be empty")
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("version must not be empty")
	}
	switch m.SessionScope {
	case ScopeUser, ScopeUserConversation:
	default:
		return fmt.Errorf("session_scope must be %q or %q, got %q", ScopeUser, ScopeUserConversation, m.SessionScope)
	}
	seen := make(map[string]bool, len(m.RequiredConfigFields))
	for i, f := range m.RequiredConfigFields {
		if err := validateConfigField(f); err != nil {
			return fmt.Errorf("required_config_fields[%d] (%q): %w", i, f.Name, err)
		}
		if seen[f.Name] {
			return fmt.Errorf("required_config_fields[%d]: duplicate field name %q", i, f.Name)
		}
		seen[f.Name] = true
	}
	for i, cap := range m.Capabilities {
		if !validCapabilities[cap] {
			return fmt.Errorf("capabilities[%d]: unknown capability %q", i, cap)
		}
	}
	if err := validateSecurityDefaults(m.SecurityDefaults); err != nil {
		return fmt.Errorf("security_defaults: %w", err)
	}
	return nil
}

var validCapabilities = map[Capability]bool{
	CapInboundText: true, CapOutboundText: true, CapThreading: true,
	CapReactions: true, CapMedia: true, CapLocation: true, CapInteractive: true,
}

func validateConfigField(f ConfigField) error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	switch f.Type {
	case FieldString, FieldSecret, FieldURL, FieldInteger, FieldBoolean, FieldEnum:
	default:
		return fmt.Errorf("unknown type %q", f.Type)
	}
	if f.Type == FieldEnum && len(f.EnumValues) == 0 {
		return fmt.Errorf("type enum requires a non-empty enum_values list")
	}
	if f.ValidationRegex != "" {
		if _, err := regexp.Compile(f.ValidationRegex); err != nil {
			return fmt.Errorf("validation_regex: %w", err)
		}
	}
	return nil
}

func validateSecurityDefaults(sd SecurityDefaults) error {
	switch sd.Mode {
	case ModeChatOnly, ModeChatExecRestricted:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeChatOnly, ModeChatExecRestricted, sd.Mode)
	}
	if sd.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate_limit_per_minute must be >= 0")
	}
	if sd.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be >= 0")
	}
	return nil
}

// ValidateConfigValues checks a candidate config_json's decoded field map
// against a Manifest's required_config_fields: required fields must be
// present and non-empty, enum fields must take a declared value, and
// regex-constrained fields must match.
func ValidateConfigValues(m *Manifest, values map[string]string) error {
	for _, f := range m.RequiredConfigFields {
		v, present := values[f.Name]
		if f.Required && (!present || strings.TrimSpace(v) == "") {
			return fmt.Errorf("field %q is required", f.Name)
		}
		if !present || v == "" {
			continue
		}
		if f.Type == FieldEnum {
			ok := false
			for _, allowed := range f.EnumValues {
				if v == allowed {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("field %q: value %q is not one of %v", f.Name, v, f.EnumValues)
			}
		}
		if f.ValidationRegex != "" {
			re, err := regexp.Compile(f.ValidationRegex)
			if err != nil {
				return fmt.Errorf("field %q: invalid validation_regex: %w", f.Name, err)
			}
			if !re.MatchString(v) {
				if f.ValidationError != "" {
					return fmt.Errorf("field %q: %s", f.Name, f.ValidationError)
				}
				return fmt.Errorf("field %q: value does not match required pattern", f.Name)
			}
		}
	}
	return nil
}

// DeriveSecurityPolicy is a pure function combining a Manifest's
// security_defaults with optional per-channel overrides. overrides is a
// sparse map of field name to value taken from the channel's stored
// config_json; absent keys fall back to the manifest default.
func DeriveSecurityPolicy(m *Manifest, overrides map[string]interface{}) SecurityPolicy {
	sd := m.SecurityDefaults
	p := SecurityPolicy{
		Mode:               sd.Mode,
		ChatOnly:           sd.Mode == ModeChatOnly,
		AllowExecute:       sd.AllowExecute,
		BlockOnViolation:   true,
		AllowedCommands:    append([]string(nil), sd.AllowedCommands...),
		RateLimitPerMinute: sd.RateLimitPerMinute,
		RetentionDays:      sd.RetentionDays,
		RequireSignature:   sd.RequireSignature,
	}
	if v, ok := overrides["allow_execute"].(bool); ok {
		p.AllowExecute = v
	}
	if v, ok := overrides["block_on_violation"].(bool); ok {
		p.BlockOnViolation = v
	}
	if v, ok := overrides["require_admin_token"].(bool); ok {
		p.RequireAdminToken = v
	}
	if v, ok := overrides["admin_token_hash"].(string); ok {
		p.AdminTokenHash = v
	}
	// overrides comes from json.Unmarshal into map[string]interface{}: a JSON
	// array decodes as []interface{}, not []string, and a JSON number
	// decodes as float64, not int — assert against those shapes, not Go's
	// native ones, or these two overrides silently never apply.
	if raw, ok := overrides["allowed_commands"].([]interface{}); ok {
		cmds := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				cmds = append(cmds, s)
			}
		}
		p.AllowedCommands = cmds
	}
	if v, ok := overrides["rate_limit_per_minute"].(float64); ok {
		p.RateLimitPerMinute = int(v)
	}
	if p.Mode == ModeChatOnly {
		// CHAT_ONLY is a hard ceiling: no override can re-enable EXECUTE.
		p.AllowExecute = false
	}
	return p
}
