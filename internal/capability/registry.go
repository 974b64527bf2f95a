package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wardline/kernel/internal/capability/mcp"
	"github.com/wardline/kernel/internal/model"
	"github.com/wardline/kernel/internal/store"
)

// DefaultRefreshTTL is the background refresh loop's default interval.
const DefaultRefreshTTL = 60 * time.Second

const mcpListToolsTimeout = 5 * time.Second

// highRiskTokens flag a tool name/description as HIGH risk when no explicit
// risk_level is declared.
var highRiskTokens = map[string]bool{
	"delete": true, "drop": true, "remove": true, "destroy": true,
	"execute": true, "exec": true, "run": true, "shell": true,
	"write": true, "create": true, "chmod": true, "unlink": true,
}

// lowRiskTokens flag a tool as LOW risk, but only when it declares no
// side effects at all.
var lowRiskTokens = map[string]bool{
	"get": true, "list": true, "read": true, "query": true,
	"search": true, "describe": true, "show": true,
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

// InferRiskLevel derives a ToolDescriptor's risk_level from its name,
// description, and side-effect tags, per spec.md §4.5's token tables. It is
// only consulted when a source does not declare risk_level explicitly.
func InferRiskLevel(name, description string, sideEffectTags []string) model.RiskLevel {
	if floor := model.FloorForSideEffects(sideEffectTags); floor != "" {
		return floor
	}
	tokens := tokenize(name + " " + description)
	for _, t := range tokens {
		if highRiskTokens[t] {
			return model.RiskHigh
		}
	}
	if len(sideEffectTags) == 0 {
		for _, t := range tokens {
			if lowRiskTokens[t] {
				return model.RiskLow
			}
		}
	}
	return model.RiskMed
}

// inferSideEffectTagsFromPermissions maps an extension's declared
// permissions_required onto side-effect tags. Tool names are not consulted:
// the tags come from the declared permissions only.
func inferSideEffectTagsFromPermissions(perms []model.Permission) []string {
	var tags []string
	for _, p := range perms {
		switch p {
		case model.PermissionExec:
			tags = append(tags, "exec")
		case model.PermissionFSWrite:
			tags = append(tags, "filesystem.write")
		case model.PermissionFSRead:
			tags = append(tags, "filesystem.read")
		case model.PermissionNetwork:
			tags = append(tags, "network")
		}
	}
	return tags
}

// Registry aggregates ToolDescriptors from the Extension Registry and
// running MCP servers behind one lookup surface. A background refresh loop
// rebuilds the table on a TTL; a failure in one source never blocks the
// other from refreshing.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]model.ToolDescriptor
	db     *store.Store
	mcpSup *mcpSupervisor
	ttl    time.Duration
	cancel context.CancelFunc
}

// NewRegistry creates a Registry with an empty tool table. Call Start to
// begin the background refresh loop.
func NewRegistry(db *store.Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	return &Registry{
		byID:   make(map[string]model.ToolDescriptor),
		db:     db,
		mcpSup: newMCPSupervisor(),
		ttl:    ttl,
	}
}

// ReconcileMCPServers brings the running MCP server processes in line with
// specs. Call again whenever mcp_servers.yaml changes.
func (r *Registry) ReconcileMCPServers(specs []MCPServerSpec) {
	r.mcpSup.Reconcile(specs)
}

// ApplyMCPSecrets updates the environment injected into newly-started MCP
// processes.
func (r *Registry) ApplyMCPSecrets(env map[string]string) {
	r.mcpSup.ApplySecrets(env)
}

// Start runs an immediate Refresh and then refreshes again every TTL until
// ctx is cancelled or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.Refresh(ctx)
	go r.loop(ctx)
}

func (r *Registry) loop(ctx context.Context) {
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Stop halts the refresh loop and tears down all managed MCP processes.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mcpSup.Stop()
}

// Refresh rebuilds the tool table from both sources. A failure loading
// extension tools does not prevent MCP tools from loading and vice versa.
func (r *Registry) Refresh(ctx context.Context) {
	merged := make(map[string]model.ToolDescriptor)

	extTools, err := r.loadExtensionTools(ctx)
	if err != nil {
		slog.Error("capability registry: extension source refresh failed", "err", err)
	}
	for _, td := range extTools {
		merged[td.ToolID] = td
	}

	for _, name := range r.mcpSup.Names() {
		mcpTools, err := r.loadMCPTools(ctx, name)
		if err != nil {
			slog.Error("capability registry: mcp source refresh failed", "server", name, "err", err)
			continue
		}
		for _, td := range mcpTools {
			merged[td.ToolID] = td
		}
	}

	r.mu.Lock()
	r.byID = merged
	r.mu.Unlock()
}

func (r *Registry) loadExtensionTools(ctx context.Context) ([]model.ToolDescriptor, error) {
	rows, err := r.db.ListEnabledExtensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled extensions: %w", err)
	}
	var out []model.ToolDescriptor
	for _, row := range rows {
		var manifest model.ExtensionManifest
		if err := json.Unmarshal(row.ManifestJSON, &manifest); err != nil {
			slog.Error("capability registry: extension manifest decode failed, skipped", "extension_id", row.ExtensionID, "err", err)
			continue
		}
		inferredTags := inferSideEffectTagsFromPermissions(manifest.PermissionsRequired)
		for _, cap := range manifest.Capabilities {
			tags := cap.SideEffectTags
			if len(tags) == 0 {
				tags = inferredTags
			}
			risk := cap.RiskLevel
			if risk == "" {
				risk = InferRiskLevel(cap.Name, cap.Description, tags)
			}
			td := model.ToolDescriptor{
				ToolID:         fmt.Sprintf("ext:%s:%s", row.ExtensionID, cap.Name),
				Name:           cap.Name,
				Description:    cap.Description,
				RiskLevel:      risk,
				SideEffectTags: tags,
				SourceType:     model.SourceExtension,
				SourceID:       row.ExtensionID,
				Enabled:        row.Enabled,
			}
			if err := td.Validate(); err != nil {
				slog.Error("capability registry: extension tool invalid, skipped", "tool_id", td.ToolID, "err", err)
				continue
			}
			out = append(out, td)
		}
	}
	return out, nil
}

func (r *Registry) loadMCPTools(ctx context.Context, serverName string) ([]model.ToolDescriptor, error) {
	client := r.mcpSup.Get(serverName)
	if client == nil {
		return nil, nil
	}
	listCtx, cancel := context.WithTimeout(ctx, mcpListToolsTimeout)
	defer cancel()
	tools, err := client.ListTools(listCtx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	var out []model.ToolDescriptor
	for _, tool := range tools {
		var schema json.RawMessage
		if tool.InputSchema != nil {
			schema, _ = json.Marshal(tool.InputSchema)
		}
		td := model.ToolDescriptor{
			ToolID:      fmt.Sprintf("mcp:%s:%s", serverName, tool.Name),
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
			RiskLevel:   InferRiskLevel(tool.Name, tool.Description, nil),
			SourceType:  model.SourceMCP,
			SourceID:    serverName,
			Enabled:     true,
		}
		if err := td.Validate(); err != nil {
			slog.Error("capability registry: mcp tool invalid, skipped", "tool_id", td.ToolID, "err", err)
			continue
		}
		out = append(out, td)
	}
	return out, nil
}

// Lookup returns the ToolDescriptor for tool_id, or false if unknown.
func (r *Registry) Lookup(toolID string) (model.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	td, ok := r.byID[toolID]
	return td, ok
}

// List returns every currently known ToolDescriptor.
func (r *Registry) List() []model.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ToolDescriptor, 0, len(r.byID))
	for _, td := range r.byID {
		out = append(out, td)
	}
	return out
}

// MCPClient exposes the named server's live client for direct dispatch
// (used by the router's mcp: invocation path).
func (r *Registry) MCPClient(serverName string) *mcp.Client { return r.mcpSup.Get(serverName) }
