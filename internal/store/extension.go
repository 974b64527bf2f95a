package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ExtensionRow is one registered extension and its install/enable state.
type ExtensionRow struct {
	ExtensionID  string
	Name         string
	Version      string
	Status       string
	Enabled      bool
	SHA256       sql.NullString
	Source       string
	SourceURL    sql.NullString
	InstalledAt  sql.NullTime
	ManifestJSON []byte
}

// UpsertExtension inserts or replaces an extension's manifest and source
// metadata. Enabled/status are left untouched on conflict — those are
// mutated separately by SetExtensionEnabled and the install engine.
func (s *Store) UpsertExtension(ctx context.Context, extensionID, name, version, source, sourceURL string, manifestJSON []byte) error {
	var sourceURLNull sql.NullString
	if sourceURL != "" {
		sourceURLNull = sql.NullString{String: sourceURL, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extensions (extension_id, name, version, source, source_url, manifest_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (extension_id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			source = excluded.source,
			source_url = excluded.source_url,
			manifest_json = excluded.manifest_json
	`, extensionID, name, version, source, sourceURLNull, manifestJSON)
	if err != nil {
		return fmt.Errorf("upsert extension: %w", err)
	}
	return nil
}

// SetExtensionEnabled flips an extension's enabled flag and status.
func (s *Store) SetExtensionEnabled(ctx context.Context, extensionID string, enabled bool, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE extensions SET enabled = ?, status = ? WHERE extension_id = ?
	`, enabled, status, extensionID)
	if err != nil {
		return fmt.Errorf("set extension enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set extension enabled: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set extension enabled: unknown extension %q", extensionID)
	}
	return nil
}

// MarkExtensionInstalled records a successful install's completion.
func (s *Store) MarkExtensionInstalled(ctx context.Context, extensionID, sha256 string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE extensions SET status = 'INSTALLED', sha256 = ?, installed_at = ? WHERE extension_id = ?
	`, sha256, time.Now().UTC(), extensionID)
	if err != nil {
		return fmt.Errorf("mark extension installed: %w", err)
	}
	return nil
}

// ListEnabledExtensions returns every extension currently enabled, for the
// capability registry's background refresh loop to rebuild tool descriptors
// from.
func (s *Store) ListEnabledExtensions(ctx context.Context) ([]ExtensionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT extension_id, name, version, status, enabled, sha256, source, source_url, installed_at, manifest_json
		FROM extensions
		WHERE enabled = 1
		ORDER BY extension_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list enabled extensions: %w", err)
	}
	defer rows.Close()

	var out []ExtensionRow
	for rows.Next() {
		var e ExtensionRow
		if err := rows.Scan(&e.ExtensionID, &e.Name, &e.Version, &e.Status, &e.Enabled,
			&e.SHA256, &e.Source, &e.SourceURL, &e.InstalledAt, &e.ManifestJSON); err != nil {
			return nil, fmt.Errorf("scan extension row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extensions: %w", err)
	}
	return out, nil
}

// GetExtension fetches a single extension row, or (nil, nil) if it doesn't exist.
func (s *Store) GetExtension(ctx context.Context, extensionID string) (*ExtensionRow, error) {
	var e ExtensionRow
	err := s.db.QueryRowContext(ctx, `
		SELECT extension_id, name, version, status, enabled, sha256, source, source_url, installed_at, manifest_json
		FROM extensions WHERE extension_id = ?
	`, extensionID).Scan(&e.ExtensionID, &e.Name, &e.Version, &e.Status, &e.Enabled,
		&e.SHA256, &e.Source, &e.SourceURL, &e.InstalledAt, &e.ManifestJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get extension: %w", err)
	}
	return &e, nil
}

// InstallRow mirrors one row of extension_installs.
type InstallRow struct {
	InstallID   string
	ExtensionID string
	Status      string
	Progress    int
	CurrentStep sql.NullString
	StartedAt   time.Time
	CompletedAt sql.NullTime
	Error       sql.NullString
}

// StartInstall inserts a new RUNNING install row.
func (s *Store) StartInstall(ctx context.Context, installID, extensionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extension_installs (install_id, extension_id, status, progress, started_at)
		VALUES (?, ?, 'RUNNING', 0, ?)
	`, installID, extensionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("start install: %w", err)
	}
	return nil
}

// UpdateInstallProgress persists progress after each executed step.
func (s *Store) UpdateInstallProgress(ctx context.Context, installID string, progress int, currentStep string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE extension_installs SET progress = ?, current_step = ? WHERE install_id = ?
	`, progress, currentStep, installID)
	if err != nil {
		return fmt.Errorf("update install progress: %w", err)
	}
	return nil
}

// FinishInstall marks an install row terminal (SUCCEEDED or FAILED).
func (s *Store) FinishInstall(ctx context.Context, installID, status, errMsg string) error {
	var errNull sql.NullString
	if errMsg != "" {
		errNull = sql.NullString{String: errMsg, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE extension_installs SET status = ?, error = ?, completed_at = ? WHERE install_id = ?
	`, status, errNull, time.Now().UTC(), installID)
	if err != nil {
		return fmt.Errorf("finish install: %w", err)
	}
	return nil
}

// GetInstall fetches one install row.
func (s *Store) GetInstall(ctx context.Context, installID string) (*InstallRow, error) {
	var r InstallRow
	err := s.db.QueryRowContext(ctx, `
		SELECT install_id, extension_id, status, progress, current_step, started_at, completed_at, error
		FROM extension_installs WHERE install_id = ?
	`, installID).Scan(&r.InstallID, &r.ExtensionID, &r.Status, &r.Progress, &r.CurrentStep,
		&r.StartedAt, &r.CompletedAt, &r.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get install: %w", err)
	}
	return &r, nil
}

// LogTaskAudit appends a row to task_audits. taskID groups related events
// (an install_id, an invocation_id, a command execution id); eventType names
// the event ("tool_invocation_start", "step_succeeded", ...).
func (s *Store) LogTaskAudit(ctx context.Context, taskID, eventType string, payloadJSON []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_audits (task_id, event_type, payload_json, created_at)
		VALUES (?, ?, ?, ?)
	`, taskID, eventType, payloadJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write task audit: %w", err)
	}
	return nil
}

// GetTaskAuditLog retrieves the audit trail for one task_id in order.
func (s *Store) GetTaskAuditLog(ctx context.Context, taskID string) ([]TaskAuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, event_type, payload_json, created_at
		FROM task_audits WHERE task_id = ? ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task audit log: %w", err)
	}
	defer rows.Close()

	var out []TaskAuditEntry
	for rows.Next() {
		var e TaskAuditEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EventType, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task audit entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task audit log: %w", err)
	}
	return out, nil
}

// TaskAuditEntry is one immutable row in task_audits.
type TaskAuditEntry struct {
	ID          int64
	TaskID      string
	EventType   string
	PayloadJSON []byte
	CreatedAt   time.Time
}
