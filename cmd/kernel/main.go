// Command kernel runs the governance and routing kernel: it wires the
// channel registry, message bus, capability router, install engine, and
// trust/evolution engine together against a single SQLite store, then drives
// the one reference channel (Matrix) and the internal control surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wardline/kernel/common/crypto"
	"github.com/wardline/kernel/common/environment"
	"github.com/wardline/kernel/common/version"
	"github.com/wardline/kernel/internal/adapter/matrix"
	"github.com/wardline/kernel/internal/bus"
	"github.com/wardline/kernel/internal/capability"
	"github.com/wardline/kernel/internal/channel"
	"github.com/wardline/kernel/internal/controlsrv"
	"github.com/wardline/kernel/internal/evolution"
	"github.com/wardline/kernel/internal/evolution/review"
	"github.com/wardline/kernel/internal/install"
	"github.com/wardline/kernel/internal/kernelerr"
	"github.com/wardline/kernel/internal/model"
	"github.com/wardline/kernel/internal/observability"
	"github.com/wardline/kernel/internal/sandbox"
	"github.com/wardline/kernel/internal/store"
)

func main() {
	observability.Setup(environment.StringOr("LOG_LEVEL", "info"), environment.StringOr("LOG_FORMAT", "json"))

	fmt.Println("Governance & Routing Kernel")
	fmt.Println("Version:", version.Info())

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	k, err := build(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup error:", err)
		os.Exit(1)
	}
	defer k.stop()

	if err := k.start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "run error:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")
}

// config is the process's env-derived configuration. Matrix credentials are
// optional: a deployment with no MATRIX_ACCESS_TOKEN runs the governance
// plane (bus, router, install engine, control surface) with no channel
// actually attached, which is a valid configuration for tests and staged
// rollouts.
type config struct {
	DatabasePath      string
	ManifestDir       string
	ControlAddr       string
	AdminTokenHash    string
	ApprovalTokenHash string
	EnableSandbox     bool
	ReviewTTL         time.Duration

	MatrixHomeserver  string
	MatrixUserID      string
	MatrixAccessToken string
	MatrixAdminRooms  []string
}

func loadConfig() (*config, error) {
	masterKeyConfigured := environment.BoolOr("MASTER_KEY_REQUIRED", false)
	if masterKeyConfigured {
		if _, err := crypto.LoadMasterKey(); err != nil {
			return nil, fmt.Errorf("master key: %w", err)
		}
	}

	return &config{
		DatabasePath:      environment.StringOr("DATABASE_PATH", "./kernel.db"),
		ManifestDir:       environment.StringOr("CHANNEL_MANIFEST_DIR", "./manifests"),
		ControlAddr:       environment.StringOr("CONTROL_ADDR", ":7070"),
		AdminTokenHash:    environment.StringOr("ADMIN_TOKEN_HASH", ""),
		ApprovalTokenHash: environment.StringOr("APPROVAL_TOKEN_HASH", ""),
		EnableSandbox:     environment.BoolOr("SANDBOX_ENABLE", false),
		ReviewTTL:         environment.DurationOr("REVIEW_DECISION_TTL", review.DefaultTTL),
		MatrixHomeserver:  environment.StringOr("MATRIX_HOMESERVER", ""),
		MatrixUserID:      environment.StringOr("MATRIX_USER_ID", ""),
		MatrixAccessToken: environment.StringOr("MATRIX_ACCESS_TOKEN", ""),
		MatrixAdminRooms:  environment.StringSliceOr("MATRIX_ADMIN_ROOMS", nil),
	}, nil
}

// kernel bundles every wired component and its lifecycle.
type kernel struct {
	cfg *config
	db  *store.Store

	registry *channel.Registry
	configs  *channel.ConfigStore

	capabilities *capability.Registry
	router       *capability.Router
	installer    *install.Engine
	evo          *evolution.Engine
	reviewGate   *review.Gate

	busInstance  *bus.Bus
	matrixClient *matrix.Client
	control      *controlsrv.Server

	startedAt time.Time
}

func build(ctx context.Context, cfg *config) (*kernel, error) {
	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := channel.NewRegistry(cfg.ManifestDir)
	if err := registry.LoadAll(); err != nil {
		slog.Warn("channel manifest load failed, continuing with none loaded", "error", err)
	}
	configs := channel.NewConfigStore(db, registry)

	capRegistry := capability.NewRegistry(db, capability.DefaultRefreshTTL)

	var sb sandbox.Sandbox
	if cfg.EnableSandbox {
		dockerSandbox, err := sandbox.NewDockerSandbox()
		if err != nil {
			slog.Warn("sandbox unavailable, HIGH/CRITICAL exec tools will be rejected", "error", err)
		} else {
			sb = dockerSandbox
		}
	}

	runner := capability.NewRunner()
	router := capability.NewRouter(capRegistry, runner, db, capability.RouterConfig{
		AdminApprovalTokenHash: cfg.ApprovalTokenHash,
		Sandbox:                sb,
	})
	installer := install.NewEngine(db, runner)
	evo := evolution.NewEngine(db)
	reviewGate := review.NewGate(db, cfg.ReviewTTL)

	k := &kernel{
		cfg:          cfg,
		db:           db,
		registry:     registry,
		configs:      configs,
		capabilities: capRegistry,
		router:       router,
		installer:    installer,
		evo:          evo,
		reviewGate:   reviewGate,
		startedAt:    time.Now(),
	}

	k.busInstance = bus.New(registry, configs, db, k.dispatch)

	if cfg.MatrixAccessToken != "" {
		client, err := matrix.New(&matrix.Config{
			Homeserver:  cfg.MatrixHomeserver,
			UserID:      cfg.MatrixUserID,
			AccessToken: cfg.MatrixAccessToken,
			AdminRooms:  cfg.MatrixAdminRooms,
			DB:          db.DB(),
		})
		if err != nil {
			return nil, fmt.Errorf("matrix client: %w", err)
		}
		k.matrixClient = client
		adapter := matrix.NewAdapter(client)
		k.busInstance.RegisterAdapter("matrix", adapter)
	}

	k.control = controlsrv.New(cfg.ControlAddr, controlsrv.Handlers{
		Version:        version.Version,
		StartedAt:      k.startedAt,
		AdminTokenHash: cfg.AdminTokenHash,
		ListChannels:   k.listChannels,
		ReloadChannel:  k.reloadChannel,
	})

	return k, nil
}

// start brings up the background loops: the capability registry's MCP
// refresh, the Matrix sync connection (if configured), the control HTTP
// server, and a periodic sweep that expires stale evolution decisions so an
// unreviewed REVOKE/FREEZE/PROMOTE proposal never sits actionable forever.
func (k *kernel) start(ctx context.Context) error {
	k.capabilities.Start(ctx)

	if k.matrixClient != nil {
		channelID := "matrix"
		if err := k.matrixClient.Start(ctx, func(ctx context.Context, headers map[string][]string, body []byte) {
			if err := k.busInstance.HandleInbound(ctx, channelID, headers, body); err != nil {
				slog.Warn("matrix inbound dropped", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("start matrix client: %w", err)
		}
	}

	if err := k.control.Start(ctx); err != nil {
		return fmt.Errorf("start control server: %w", err)
	}

	go k.runExpirySweep(ctx)
	go k.runTrustSweep(ctx)
	return nil
}

func (k *kernel) stop() {
	if k.matrixClient != nil {
		k.matrixClient.Stop()
	}
	if k.control != nil {
		k.control.Stop()
	}
	if k.db != nil {
		k.db.Close()
	}
}

// runExpirySweep periodically transitions PROPOSED evolution decisions past
// their TTL to EXPIRED, so the human review queue never
// accumulates silently-stale entries.
func (k *kernel) runExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.ReviewTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := k.reviewGate.CheckExpiry(ctx)
			if err != nil {
				slog.Error("evolution decision expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("evolution decisions expired", "count", n)
			}
		}
	}
}

// trustSweepInterval is how often every enabled extension's trust record is
// re-scored. It is independent of ReviewTTL: expiry reacts to decisions
// already on the ledger, this sweep is what puts new ones there.
const trustSweepInterval = 10 * time.Minute

// runTrustSweep re-evaluates every enabled extension's trust record and
// proposes a PROMOTE/FREEZE/REVOKE/NONE decision for it. An extension with
// no trust record yet (nothing has executed tools or been judged) is skipped
// silently rather than logged as an error — that is the normal state for a
// just-installed extension.
func (k *kernel) runTrustSweep(ctx context.Context) {
	ticker := time.NewTicker(trustSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.evaluateTrust(ctx)
		}
	}
}

func (k *kernel) evaluateTrust(ctx context.Context) {
	extensions, err := k.db.ListEnabledExtensions(ctx)
	if err != nil {
		slog.Error("trust sweep: failed to list enabled extensions", "error", err)
		return
	}
	for _, ext := range extensions {
		decision, err := k.evo.Propose(ctx, ext.ExtensionID)
		if err != nil {
			slog.Debug("trust sweep: skipping extension", "extension_id", ext.ExtensionID, "error", err)
			continue
		}
		if decision.Action != model.ActionNone {
			slog.Info("evolution decision proposed", "extension_id", ext.ExtensionID, "action", decision.Action, "review_level", decision.ReviewLevel)
		}
	}
}

func (k *kernel) listChannels(ctx context.Context) ([]controlsrv.ChannelInfo, error) {
	configs, err := k.configs.ListConfigs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]controlsrv.ChannelInfo, 0, len(configs))
	for _, c := range configs {
		hash, _ := k.registry.ManifestHash(c.ManifestID)
		out = append(out, controlsrv.ChannelInfo{
			ChannelID:       c.ChannelID,
			ManifestID:      c.ManifestID,
			ManifestHash:    hash,
			Status:          string(c.Status),
			Enabled:         c.Enabled,
			LastError:       c.LastError,
			LastHeartbeatAt: c.LastHeartbeatAt,
		})
	}
	return out, nil
}

func (k *kernel) reloadChannel(ctx context.Context, channelID string) (controlsrv.ChannelInfo, error) {
	if err := k.registry.Reload(); err != nil {
		return controlsrv.ChannelInfo{}, fmt.Errorf("reload manifests: %w", err)
	}
	cfg, err := k.configs.GetStatus(ctx, channelID)
	if err != nil {
		return controlsrv.ChannelInfo{}, fmt.Errorf("unknown channel %q", channelID)
	}
	hash, _ := k.registry.ManifestHash(cfg.ManifestID)
	return controlsrv.ChannelInfo{
		ChannelID:    cfg.ChannelID,
		ManifestID:   cfg.ManifestID,
		ManifestHash: hash,
		Status:       string(cfg.Status),
		Enabled:      cfg.Enabled,
	}, nil
}

// dispatch is the bus's business-logic handoff: messages surviving the
// dedupe/rate-limit/policy chain arrive here. Three command shapes are
// understood: "approve"/"deny" resolve a pending evolution decision,
// "!install <json>" runs an extension's install plan, and "!<tool_id>
// <json-inputs>" invokes a capability. Anything else gets a usage reply; it
// is the channel's job, not the kernel's, to build richer conversational
// behavior on top of invoke_tool.
func (k *kernel) dispatch(ctx context.Context, channelID string, msg *model.InboundMessage) error {
	if cmd, err := review.ParseReviewCommand(msg.Text); err == nil {
		return k.dispatchReview(ctx, msg, cmd)
	} else if err != review.ErrNotACommand {
		return k.reply(ctx, msg, err.Error())
	}

	if rawPlan, ok := strings.CutPrefix(strings.TrimSpace(msg.Text), "!install "); ok {
		return k.dispatchInstall(ctx, msg, rawPlan)
	}

	toolID, rawInputs, ok := parseCommand(msg.Text)
	if !ok {
		return k.reply(ctx, msg, "send a command as: !<tool_id> <json-inputs>")
	}

	inv := &model.ToolInvocation{
		InvocationID: fmt.Sprintf("%s-%d", msg.MessageID, time.Now().UnixNano()),
		ToolID:       toolID,
		Inputs:       json.RawMessage(rawInputs),
		Actor:        msg.UserKey,
		Mode:         model.ModeExecution,
		Timestamp:    msg.Timestamp.UTC().Format(time.RFC3339),
	}

	result, err := k.router.InvokeTool(ctx, inv, capability.ExecutionContext{
		SessionID: msg.ConversationKey,
		UserID:    msg.UserKey,
	})
	if err != nil {
		if kerr, ok := err.(*kernelerr.Error); ok {
			return k.reply(ctx, msg, fmt.Sprintf("%s: %s", kerr.Code, kerr.Message))
		}
		return k.reply(ctx, msg, "invocation failed: "+err.Error())
	}
	if !result.Success {
		return k.reply(ctx, msg, "tool failed: "+result.Error)
	}
	return k.reply(ctx, msg, string(result.Payload))
}

// dispatchReview resolves a pending evolution decision from an "approve" or
// "deny" admin command. Approval also executes the decision immediately:
// there is no separate confirmation step once a human has signed off.
func (k *kernel) dispatchReview(ctx context.Context, msg *model.InboundMessage, cmd *review.ReviewCommand) error {
	if cmd.Approve {
		if err := k.reviewGate.Approve(ctx, cmd.DecisionID); err != nil {
			return k.reply(ctx, msg, "approve failed: "+err.Error())
		}
		if err := k.reviewGate.Execute(ctx, cmd.DecisionID); err != nil {
			return k.reply(ctx, msg, "decision approved but failed to execute: "+err.Error())
		}
		return k.reply(ctx, msg, fmt.Sprintf("decision %s approved and executed", cmd.DecisionID))
	}
	if err := k.reviewGate.Reject(ctx, cmd.DecisionID); err != nil {
		return k.reply(ctx, msg, "deny failed: "+err.Error())
	}
	return k.reply(ctx, msg, fmt.Sprintf("decision %s denied: %s", cmd.DecisionID, cmd.Reason))
}

// installRequest is the body of an "!install <json>" admin command.
type installRequest struct {
	ExtensionID string            `json:"extension_id"`
	SHA256      string            `json:"sha256"`
	WorkDir     string            `json:"work_dir"`
	Plan        model.InstallPlan `json:"plan"`
}

// dispatchInstall runs an extension's install plan inline and reports the
// step it failed on, if any. The plan travels in the command itself rather
// than a separate registration step: this kernel does not yet have a
// channel-facing manifest submission flow, so an admin pastes the plan.
func (k *kernel) dispatchInstall(ctx context.Context, msg *model.InboundMessage, rawPlan string) error {
	var req installRequest
	if err := json.Unmarshal([]byte(rawPlan), &req); err != nil {
		return k.reply(ctx, msg, "malformed install request: "+err.Error())
	}

	result, err := k.installer.Install(ctx, req.ExtensionID, req.SHA256, &req.Plan, req.WorkDir)
	if err != nil {
		if kerr, ok := err.(*kernelerr.Error); ok {
			return k.reply(ctx, msg, fmt.Sprintf("install %s: %s: %s", kerr.Code, req.ExtensionID, kerr.Message))
		}
		return k.reply(ctx, msg, fmt.Sprintf("install %s failed: %s", req.ExtensionID, err.Error()))
	}
	if !result.Success {
		return k.reply(ctx, msg, fmt.Sprintf("install %s failed at step %s: %s", req.ExtensionID, result.FailedStep, result.Hint))
	}
	return k.reply(ctx, msg, fmt.Sprintf("install %s succeeded (install_id %s)", req.ExtensionID, result.InstallID))
}

func (k *kernel) reply(ctx context.Context, msg *model.InboundMessage, text string) error {
	out := &model.OutboundMessage{
		ChannelID:        msg.ChannelID,
		UserKey:          msg.UserKey,
		ConversationKey:  msg.ConversationKey,
		MessageID:        fmt.Sprintf("reply-%d", time.Now().UnixNano()),
		ReplyToMessageID: msg.MessageID,
		Timestamp:        time.Now().UTC(),
		Type:             model.MessageText,
		Text:             text,
	}
	return k.busInstance.SendOutbound(ctx, out)
}

// parseCommand splits "!tool_id {...}" into a tool id and raw JSON inputs.
// A command with no trailing JSON is treated as an empty object.
func parseCommand(text string) (toolID, inputsJSON string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "!") {
		return "", "", false
	}
	text = strings.TrimPrefix(text, "!")
	fields := strings.SplitN(text, " ", 2)
	if fields[0] == "" {
		return "", "", false
	}
	if len(fields) == 1 {
		return fields[0], "{}", true
	}
	rest := strings.TrimSpace(fields[1])
	if rest == "" {
		rest = "{}"
	}
	return fields[0], rest, true
}
