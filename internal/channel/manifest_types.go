// Package channel owns channel-type manifests and per-channel configuration.
// It is the single source of truth for which config fields a channel type
// exposes, which of them are secret, and which webhook paths the bus routes.
package channel

import "time"

// ConfigFieldType enumerates the primitive kinds a manifest's config field
// can declare.
type ConfigFieldType string

const (
	FieldString  ConfigFieldType = "string"
	FieldSecret  ConfigFieldType = "secret"
	FieldURL     ConfigFieldType = "url"
	FieldInteger ConfigFieldType = "integer"
	FieldBoolean ConfigFieldType = "boolean"
	FieldEnum    ConfigFieldType = "enum"
)

// ConfigField describes one named, typed field a channel's config_json may
// or must carry.
type ConfigField struct {
	Name            string          `yaml:"name" json:"name"`
	Label           string          `yaml:"label,omitempty" json:"label,omitempty"`
	Type            ConfigFieldType `yaml:"type" json:"type"`
	Required        bool            `yaml:"required,omitempty" json:"required,omitempty"`
	Secret          bool            `yaml:"secret,omitempty" json:"secret,omitempty"`
	EnumValues      []string        `yaml:"enum_values,omitempty" json:"enum_values,omitempty"`
	ValidationRegex string          `yaml:"validation_regex,omitempty" json:"validation_regex,omitempty"`
	ValidationError string          `yaml:"validation_error,omitempty" json:"validation_error,omitempty"`
}

// SessionScope governs how conversation_key is derived for a channel type.
type SessionScope string

const (
	ScopeUser             SessionScope = "user"
	ScopeUserConversation SessionScope = "user_conversation"
)

// Capability is one feature a channel type's adapter declares support for.
type Capability string

const (
	CapInboundText  Capability = "inbound_text"
	CapOutboundText Capability = "outbound_text"
	CapThreading    Capability = "threading"
	CapReactions    Capability = "reactions"
	CapMedia        Capability = "media"
	CapLocation     Capability = "location"
	CapInteractive  Capability = "interactive"
)

// SecurityDefaults is the manifest-declared starting point a channel's
// SecurityPolicy is derived from; per-channel config may override pieces of
// it (see DeriveSecurityPolicy).
type SecurityDefaults struct {
	Mode               PolicyMode `yaml:"mode" json:"mode"`
	AllowExecute       bool       `yaml:"allow_execute,omitempty" json:"allow_execute,omitempty"`
	AllowedCommands    []string   `yaml:"allowed_commands,omitempty" json:"allowed_commands,omitempty"`
	RateLimitPerMinute int        `yaml:"rate_limit_per_minute,omitempty" json:"rate_limit_per_minute,omitempty"`
	RetentionDays      int        `yaml:"retention_days,omitempty" json:"retention_days,omitempty"`
	RequireSignature   bool       `yaml:"require_signature,omitempty" json:"require_signature,omitempty"`
}

// SetupStep is one ordered, human-facing instruction shown when an operator
// configures a new channel instance (e.g. "create a webhook in your Slack
// app pointing to https://host/webhooks/slack").
type SetupStep struct {
	Order       int    `yaml:"order" json:"order"`
	Description string `yaml:"description" json:"description"`
}

// Manifest is the declarative, content-addressable static description of
// one channel type (e.g. "slack", "telegram", "matrix"). Manifests are
// loaded at startup and on explicit reload; they never carry instance
// state — that lives in Config.
type Manifest struct {
	ID                   string           `yaml:"id" json:"id"`
	Name                 string           `yaml:"name" json:"name"`
	Version              string           `yaml:"version" json:"version"`
	Provider             string           `yaml:"provider,omitempty" json:"provider,omitempty"`
	Description          string           `yaml:"description,omitempty" json:"description,omitempty"`
	Icon                 string           `yaml:"icon,omitempty" json:"icon,omitempty"`
	RequiredConfigFields []ConfigField    `yaml:"required_config_fields,omitempty" json:"required_config_fields,omitempty"`
	WebhookPaths         []string         `yaml:"webhook_paths,omitempty" json:"webhook_paths,omitempty"`
	SessionScope         SessionScope     `yaml:"session_scope" json:"session_scope"`
	Capabilities         []Capability     `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	SecurityDefaults     SecurityDefaults `yaml:"security_defaults" json:"security_defaults"`
	SetupSteps           []SetupStep      `yaml:"setup_steps,omitempty" json:"setup_steps,omitempty"`
}

// Status is the operational state of one channel instance.
type Status string

const (
	StatusDisabled   Status = "DISABLED"
	StatusEnabled    Status = "ENABLED"
	StatusError      Status = "ERROR"
	StatusNeedsSetup Status = "NEEDS_SETUP"
)

// Config is the per-instance state of one configured channel. config_json
// holds the concrete field values keyed by the manifest's ConfigField
// names. ConfigStore.SaveConfig stores config_json as given: values for
// fields flagged Secret are not encrypted by this package.
type Config struct {
	ChannelID       string     `json:"channel_id"`
	ManifestID      string     `json:"manifest_id"`
	ConfigJSON      []byte     `json:"config_json"`
	Status          Status     `json:"status"`
	Enabled         bool       `json:"enabled"`
	LastError       string     `json:"last_error,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// PolicyMode selects how strict a channel's SecurityPolicy is.
type PolicyMode string

const (
	ModeChatOnly           PolicyMode = "CHAT_ONLY"
	ModeChatExecRestricted PolicyMode = "CHAT_EXEC_RESTRICTED"
)

// SecurityPolicy governs which operations a channel's inbound messages may
// trigger. It is derived from a Manifest's SecurityDefaults plus optional
// per-channel overrides stored alongside Config (see DeriveSecurityPolicy).
type SecurityPolicy struct {
	Mode               PolicyMode `json:"mode"`
	ChatOnly           bool       `json:"chat_only"`
	AllowExecute       bool       `json:"allow_execute"`
	BlockOnViolation   bool       `json:"block_on_violation"`
	RequireAdminToken  bool       `json:"require_admin_token"`
	AdminTokenHash     string     `json:"admin_token_hash,omitempty"`
	AllowedCommands    []string   `json:"allowed_commands,omitempty"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	RetentionDays      int        `json:"retention_days"`
	RequireSignature   bool       `json:"require_signature"`
}
