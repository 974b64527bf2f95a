package channel

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wardline/kernel/internal/store"
)

// loadedManifest pairs a validated Manifest with the content hash of the
// file it was loaded from, for drift detection across reloads.
type loadedManifest struct {
	manifest *Manifest
	hash     string
}

// Registry holds the set of loaded channel-type manifests and serves as the
// single source of truth for which config fields a channel type exposes.
// Reads take a read lock; writes (Reload) swap the whole map atomically
// under a write lock, mirroring the teacher's
// hash-then-hot-swap config loader pattern.
type Registry struct {
	mu   sync.RWMutex
	dir  string
	byID map[string]loadedManifest
}

// NewRegistry creates an empty Registry that loads manifests from dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, byID: make(map[string]loadedManifest)}
}

// LoadAll loads every *.manifest.yaml file in the registry's directory.
// A manifest that fails to parse or validate is skipped and logged; other
// manifests still load (fail-soft at the registry, not fail-closed).
func (r *Registry) LoadAll() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read manifest directory: %w", err)
	}

	loaded := make(map[string]loadedManifest, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".manifest.yaml") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Error("channel manifest read failed", "file", entry.Name(), "error", err)
			continue
		}
		m, err := ParseManifest(data)
		if err != nil {
			slog.Error("channel manifest invalid, skipped", "file", entry.Name(), "error", err)
			continue
		}
		h := sha256.Sum256(data)
		loaded[m.ID] = loadedManifest{manifest: m, hash: hex.EncodeToString(h[:])}
		slog.Info("channel manifest loaded", "channel_type", m.ID, "version", m.Version)
	}

	r.mu.Lock()
	r.byID = loaded
	r.mu.Unlock()
	return nil
}

// Reload re-reads the manifest directory from disk. Equivalent to LoadAll
// but named to match the registry's public contract (explicit reload).
func (r *Registry) Reload() error { return r.LoadAll() }

// ListChannels returns every currently loaded channel-type manifest.
func (r *Registry) ListChannels() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manifest, 0, len(r.byID))
	for _, lm := range r.byID {
		out = append(out, lm.manifest)
	}
	return out
}

// ManifestHash returns the content hash of the currently loaded manifest for
// typeID, for drift detection across reloads. Returns false if typeID is
// unknown.
func (r *Registry) ManifestHash(typeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lm, ok := r.byID[typeID]
	if !ok {
		return "", false
	}
	return lm.hash, true
}

// GetManifest returns the manifest for a channel type, or false if unknown.
func (r *Registry) GetManifest(typeID string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lm, ok := r.byID[typeID]
	if !ok {
		return nil, false
	}
	return lm.manifest, true
}

// ValidateConfig checks a candidate config value map against the named
// channel type's manifest.
func (r *Registry) ValidateConfig(typeID string, values map[string]string) error {
	m, ok := r.GetManifest(typeID)
	if !ok {
		return fmt.Errorf("unknown channel type %q", typeID)
	}
	return ValidateConfigValues(m, values)
}

// ConfigStore owns the lifecycle of per-instance ChannelConfig rows.
// SaveConfig and SetEnabled append an audit row with the performer's
// identity. The row write and the audit append are separate statements, not
// one transaction: if the audit append fails, the row change stays.
type ConfigStore struct {
	db       *store.Store
	registry *Registry
}

// NewConfigStore binds a ConfigStore to a durable Store and the Registry
// whose manifests it validates configs against.
func NewConfigStore(db *store.Store, registry *Registry) *ConfigStore {
	return &ConfigStore{db: db, registry: registry}
}

// SaveConfig validates configJSON's decoded fields against the channel's
// manifest, then upserts the row and appends an audit entry. On validation
// failure the stored state is left unchanged (ValidationError semantics).
func (c *ConfigStore) SaveConfig(ctx context.Context, channelID, manifestID string, configJSON []byte, performedBy string) error {
	m, ok := c.registry.GetManifest(manifestID)
	if !ok {
		return fmt.Errorf("unknown channel type %q", manifestID)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(configJSON, &decoded); err != nil {
		return fmt.Errorf("config_json must decode to a JSON object: %w", err)
	}

	// required_config_fields are always plain strings; security overrides
	// (allow_execute, rate_limit_per_minute, ...) share the same config_json
	// blob but keep their native JSON types, so only the declared field
	// names are pulled into the flat string map ValidateConfigValues checks.
	values := make(map[string]string, len(m.RequiredConfigFields))
	for _, f := range m.RequiredConfigFields {
		if s, ok := decoded[f.Name].(string); ok {
			values[f.Name] = s
		}
	}
	if err := ValidateConfigValues(m, values); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	policy := DeriveSecurityPolicy(m, decoded)
	if policy.RequireAdminToken && policy.AdminTokenHash == "" {
		return fmt.Errorf("config validation: require_admin_token=true but no admin_token_hash is set")
	}

	now := time.Now().UTC()
	_, err := c.db.DB().ExecContext(ctx, `
		INSERT INTO channel_configs (channel_id, manifest_id, config_json, status, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id) DO UPDATE SET
			manifest_id = excluded.manifest_id,
			config_json = excluded.config_json,
			updated_at  = excluded.updated_at
	`, channelID, manifestID, configJSON, StatusNeedsSetup, false, now, now)
	if err != nil {
		return fmt.Errorf("save channel config: %w", err)
	}
	return c.db.WriteChannelAudit(ctx, channelID, "config.save", string(configJSON), performedBy)
}

// SetEnabled flips a channel's enabled flag, transitioning its status, and
// appends an audit entry.
func (c *ConfigStore) SetEnabled(ctx context.Context, channelID string, enabled bool, performedBy string) error {
	status := StatusDisabled
	if enabled {
		status = StatusEnabled
	}
	res, err := c.db.DB().ExecContext(ctx, `
		UPDATE channel_configs SET enabled = ?, status = ?, updated_at = ? WHERE channel_id = ?
	`, enabled, status, time.Now().UTC(), channelID)
	if err != nil {
		return fmt.Errorf("set channel enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown channel_id %q", channelID)
	}
	action := "channel.disable"
	if enabled {
		action = "channel.enable"
	}
	return c.db.WriteChannelAudit(ctx, channelID, action, "", performedBy)
}

// GetStatus returns the current Config row for a channel.
func (c *ConfigStore) GetStatus(ctx context.Context, channelID string) (*Config, error) {
	var cfg Config
	var lastError sql.NullString
	var lastHeartbeat sql.NullTime
	err := c.db.DB().QueryRowContext(ctx, `
		SELECT channel_id, manifest_id, config_json, status, enabled, last_error, last_heartbeat_at, created_at, updated_at
		FROM channel_configs WHERE channel_id = ?
	`, channelID).Scan(&cfg.ChannelID, &cfg.ManifestID, &cfg.ConfigJSON, &cfg.Status, &cfg.Enabled, &lastError, &lastHeartbeat, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get channel status: %w", err)
	}
	if lastError.Valid {
		cfg.LastError = lastError.String
	}
	if lastHeartbeat.Valid {
		cfg.LastHeartbeatAt = &lastHeartbeat.Time
	}
	return &cfg, nil
}

// ListConfigs returns every configured channel instance, most recently
// updated first, for the control surface's status endpoint.
func (c *ConfigStore) ListConfigs(ctx context.Context) ([]Config, error) {
	rows, err := c.db.DB().QueryContext(ctx, `
		SELECT channel_id, manifest_id, config_json, status, enabled, last_error, last_heartbeat_at, created_at, updated_at
		FROM channel_configs ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list channel configs: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		var cfg Config
		var lastError sql.NullString
		var lastHeartbeat sql.NullTime
		if err := rows.Scan(&cfg.ChannelID, &cfg.ManifestID, &cfg.ConfigJSON, &cfg.Status, &cfg.Enabled, &lastError, &lastHeartbeat, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan channel config: %w", err)
		}
		if lastError.Valid {
			cfg.LastError = lastError.String
		}
		if lastHeartbeat.Valid {
			cfg.LastHeartbeatAt = &lastHeartbeat.Time
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel configs: %w", err)
	}
	return out, nil
}

// LogEvent records a heartbeat-adjacent channel event. It only appends to
// channel_events and, for "heartbeat" events, refreshes last_heartbeat_at.
// Nothing in the kernel moves a channel to StatusError when heartbeats stop.
func (c *ConfigStore) LogEvent(ctx context.Context, channelID, eventType, messageID, status, errMsg, metadata string) error {
	if eventType == "heartbeat" {
		if _, err := c.db.DB().ExecContext(ctx, `
			UPDATE channel_configs SET last_heartbeat_at = ? WHERE channel_id = ?
		`, time.Now().UTC(), channelID); err != nil {
			return fmt.Errorf("update heartbeat: %w", err)
		}
	}
	return c.db.LogChannelEvent(ctx, channelID, eventType, messageID, status, errMsg, metadata)
}
