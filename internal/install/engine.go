// Package install implements the governance kernel's install engine: a
// declarative step executor that runs an extension's InstallPlan under the
// closed step-type whitelist, persisting progress to extension_installs
// after every step.
package install

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardline/kernel/internal/capability"
	"github.com/wardline/kernel/internal/kernelerr"
	"github.com/wardline/kernel/internal/model"
	"github.com/wardline/kernel/internal/store"
)

// Result is the outcome of running a plan (or its uninstall sequence) to
// completion or to its first failed step.
type Result struct {
	InstallID  string
	Success    bool
	FailedStep string
	ErrorCode  kernelerr.Code
	Hint       string
}

// Engine executes InstallPlans against the whitelisted step types,
// delegating exec.shell/exec.powershell to the Capability Runner's sandboxed
// process execution rather than duplicating it.
type Engine struct {
	db     *store.Store
	runner *capability.Runner

	// inFlight tracks one in-progress install ID per extension ID, rejecting
	// concurrent installs/uninstalls for the same extension.
	inFlight sync.Map
}

// NewEngine builds an Engine persisting progress to db and sandboxing
// exec.* steps through runner.
func NewEngine(db *store.Store, runner *capability.Runner) *Engine {
	return &Engine{db: db, runner: runner}
}

// Install runs plan.Steps for extensionID under workDir, marking the
// extension INSTALLED with sha256 on success.
func (e *Engine) Install(ctx context.Context, extensionID, sha256Hex string, plan *model.InstallPlan, workDir string) (*Result, error) {
	result, err := e.run(ctx, extensionID, plan.Steps, workDir)
	if err == nil && result.Success {
		if markErr := e.db.MarkExtensionInstalled(ctx, extensionID, sha256Hex); markErr != nil {
			return result, fmt.Errorf("install succeeded but failed to record it: %w", markErr)
		}
	}
	return result, err
}

// Uninstall runs plan.Uninstall for extensionID under workDir, disabling the
// extension on success.
func (e *Engine) Uninstall(ctx context.Context, extensionID string, plan *model.InstallPlan, workDir string) (*Result, error) {
	result, err := e.run(ctx, extensionID, plan.Uninstall, workDir)
	if err == nil && result.Success {
		if setErr := e.db.SetExtensionEnabled(ctx, extensionID, false, "UNINSTALLED"); setErr != nil {
			return result, fmt.Errorf("uninstall succeeded but failed to record it: %w", setErr)
		}
	}
	return result, err
}

// run executes steps in order, persisting progress after each and halting
// on the first failure. Concurrent runs for the same extensionID are
// rejected with INSTALL_IN_PROGRESS.
func (e *Engine) run(ctx context.Context, extensionID string, steps []model.InstallStep, workDir string) (*Result, error) {
	installID := uuid.NewString()
	if _, loaded := e.inFlight.LoadOrStore(extensionID, installID); loaded {
		return nil, kernelerr.New(kernelerr.CodeInstallInProgress,
			fmt.Sprintf("an install/uninstall is already running for extension %q", extensionID))
	}
	defer e.inFlight.Delete(extensionID)

	plan := &model.InstallPlan{ExtensionID: extensionID, Steps: steps}
	if err := plan.Validate(); err != nil {
		if startErr := e.db.StartInstall(ctx, installID, extensionID); startErr == nil {
			_ = e.db.FinishInstall(ctx, installID, "FAILED", err.Error())
		}
		return &Result{InstallID: installID, Success: false, ErrorCode: kernelerr.CodePlanInvalid, Hint: kernelerr.HintFor(kernelerr.CodePlanInvalid)},
			kernelerr.Wrap(kernelerr.CodePlanInvalid, "install plan failed validation", err)
	}

	if err := e.db.StartInstall(ctx, installID, extensionID); err != nil {
		return nil, fmt.Errorf("start install: %w", err)
	}

	vars := map[string]string{}
	total := len(steps)
	for i, step := range steps {
		ok, guardErr := evalGuard(step.When, vars)
		if guardErr != nil {
			return e.fail(ctx, installID, step.ID, kernelerr.CodeConditionError,
				kernelerr.Wrap(kernelerr.CodeConditionError, "evaluate when guard", guardErr))
		}
		if !ok {
			e.auditStep(ctx, installID, step.ID, "step_skipped", nil)
			continue
		}

		e.auditStep(ctx, installID, step.ID, "step_start", nil)
		stepCtx := ctx
		var cancel context.CancelFunc
		if step.EffectiveTimeoutSeconds() > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.EffectiveTimeoutSeconds())*time.Second)
		}
		output, stepErr := e.execStep(stepCtx, step, workDir, vars)
		if cancel != nil {
			cancel()
		}
		if stepErr != nil {
			code := kernelerr.CodeUnknown
			if kerr, ok := stepErr.(*kernelerr.Error); ok {
				code = kerr.Code
			}
			if stepCtx.Err() == context.DeadlineExceeded {
				code = kernelerr.CodeTimeout
			}
			return e.fail(ctx, installID, step.ID, code, stepErr)
		}

		progress := (i + 1) * 100 / total
		if total == 0 {
			progress = 100
		}
		if err := e.db.UpdateInstallProgress(ctx, installID, progress, step.ID); err != nil {
			return nil, fmt.Errorf("persist install progress: %w", err)
		}
		e.auditStep(ctx, installID, step.ID, "step_succeeded", map[string]interface{}{"output": output})
	}

	if err := e.db.FinishInstall(ctx, installID, "SUCCEEDED", ""); err != nil {
		return nil, fmt.Errorf("finish install: %w", err)
	}
	return &Result{InstallID: installID, Success: true}, nil
}

func (e *Engine) fail(ctx context.Context, installID, stepID string, code kernelerr.Code, cause error) (*Result, error) {
	_ = e.db.FinishInstall(ctx, installID, "FAILED", cause.Error())
	e.auditStep(ctx, installID, stepID, "step_failed", map[string]interface{}{"code": string(code), "error": cause.Error()})
	return &Result{InstallID: installID, Success: false, FailedStep: stepID, ErrorCode: code, Hint: kernelerr.HintFor(code)}, cause
}

func (e *Engine) auditStep(ctx context.Context, installID, stepID, eventType string, extra map[string]interface{}) {
	if extra == nil {
		extra = map[string]interface{}{}
	}
	extra["step_id"] = stepID
	payload, _ := json.Marshal(extra)
	_ = e.db.LogTaskAudit(ctx, installID, eventType, payload)
}

// execStep dispatches one step to its sub-executor by type. vars is mutated
// in place by detect.platform so later when-guards can read it.
func (e *Engine) execStep(ctx context.Context, step model.InstallStep, workDir string, vars map[string]string) (string, error) {
	switch step.Type {
	case model.StepDetectPlatform:
		return e.runDetectPlatform(vars)
	case model.StepDownloadHTTP:
		return e.runDownloadHTTP(ctx, step, workDir)
	case model.StepExtractZip:
		return e.runExtractZip(step, workDir)
	case model.StepExecShell:
		return e.runExec(ctx, "sh", []string{"-c", step.Command}, workDir)
	case model.StepExecPowerShell:
		return e.runExec(ctx, "powershell", []string{"-NoProfile", "-Command", step.Command}, workDir)
	case model.StepVerifyCommandExists:
		return e.runVerifyCommandExists(step, workDir)
	case model.StepVerifyHTTP:
		return e.runVerifyHTTP(ctx, step)
	case model.StepWriteConfig:
		return e.runWriteConfig(step, workDir)
	default:
		return "", kernelerr.New(kernelerr.CodePlanInvalid, fmt.Sprintf("unknown step type %q", step.Type))
	}
}

func (e *Engine) runDetectPlatform(vars map[string]string) (string, error) {
	osName := map[string]string{"linux": "linux", "darwin": "darwin", "windows": "win32"}[runtime.GOOS]
	if osName == "" {
		return "", kernelerr.New(kernelerr.CodePlatformNotSupported, fmt.Sprintf("unsupported host OS %q", runtime.GOOS))
	}
	arch := map[string]string{"amd64": "x64", "arm64": "arm64"}[runtime.GOARCH]
	if arch == "" {
		return "", kernelerr.New(kernelerr.CodePlatformNotSupported, fmt.Sprintf("unsupported host architecture %q", runtime.GOARCH))
	}
	vars["platform.os"] = osName
	vars["platform.arch"] = arch
	return fmt.Sprintf("%s/%s", osName, arch), nil
}

func (e *Engine) runExec(ctx context.Context, tool string, args []string, workDir string) (string, error) {
	res, err := e.runner.Run(ctx, "exec."+tool, args, capability.ExecutionContext{WorkDir: workDir})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return res.Stdout, kernelerr.New(kernelerr.CodeCommandFailed, fmt.Sprintf("command exited %d: %s", res.ExitCode, res.Stderr))
	}
	return res.Stdout, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
