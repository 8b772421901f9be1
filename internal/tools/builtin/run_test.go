package builtin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surf/internal/config"
	"surf/internal/logging"
	"surf/internal/session"
)

func runDeps(t *testing.T, cfg config.Config, level int, policy session.Policy) *Deps {
	t.Helper()
	manager := session.NewManager(cfg, nil, logging.Nop())
	manager.SetHeuristicLevel(level)
	manager.SetPolicy(policy)
	return &Deps{Cfg: cfg, Logger: logging.Nop(), Manager: manager}
}

func TestBuildRunRequestLevelOneDefaults(t *testing.T) {
	deps := runDeps(t, config.Config{}, 1, session.PolicyPermissive)

	req, warnings, err := buildRunRequest(deps, "run", []any{}, map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.True(t, req.StopOnError)
	assert.Equal(t, 1, req.MaxRecoveries)
	assert.Equal(t, "dismiss", req.AutoDialog, "auto resolves to dismiss under the permissive policy")
	assert.False(t, req.AutoRecover)
	assert.False(t, req.AutoTab)
	assert.False(t, req.Proof)
	assert.Equal(t, "triage", req.Final, "the v2 toolset defaults to the triage section")
	assert.Equal(t, "all", req.ActionsOutput)
	assert.Equal(t, 30*time.Second, req.ActionTimeout)
	assert.False(t, req.AutoDownload)
}

func TestBuildRunRequestLevelZeroDisablesDialogs(t *testing.T) {
	deps := runDeps(t, config.Config{}, 0, session.PolicyPermissive)
	req, _, err := buildRunRequest(deps, "run", []any{}, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "off", req.AutoDialog)
}

func TestBuildRunRequestV1ToolsetDefaultsToObserve(t *testing.T) {
	deps := runDeps(t, config.Config{Toolset: config.ToolsetV1}, 1, session.PolicyPermissive)
	req, _, err := buildRunRequest(deps, "run", []any{}, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "observe", req.Final)
}

func TestBuildRunRequestLevelTwoEnablesRecovery(t *testing.T) {
	deps := runDeps(t, config.Config{}, 2, session.PolicyPermissive)
	req, _, err := buildRunRequest(deps, "run", []any{}, map[string]any{})
	require.NoError(t, err)

	assert.True(t, req.AutoRecover)
	assert.True(t, req.AutoTab)
	assert.True(t, req.AutoAffordances)
	assert.True(t, req.Proof)
	assert.Equal(t, "artifact", req.ProofScreenshot)
	assert.True(t, req.AutoDownload)
}

func TestBuildRunRequestLevelThreeShiftsReporting(t *testing.T) {
	deps := runDeps(t, config.Config{}, 3, session.PolicyPermissive)
	req, _, err := buildRunRequest(deps, "run", []any{}, map[string]any{})
	require.NoError(t, err)

	assert.Equal(t, "diagnostics", req.Final)
	assert.Equal(t, "errors", req.ActionsOutput)
}

func TestBuildRunRequestStrictPolicyKeepsDialogsOff(t *testing.T) {
	deps := runDeps(t, config.Config{}, 2, session.PolicyStrict)
	req, _, err := buildRunRequest(deps, "run", []any{}, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "off", req.AutoDialog, "auto never dismisses dialogs in strict mode")
}

func TestBuildRunRequestExplicitArgsBeatLevelDefaults(t *testing.T) {
	deps := runDeps(t, config.Config{}, 2, session.PolicyPermissive)
	req, _, err := buildRunRequest(deps, "run", []any{}, map[string]any{
		"auto_recover":     false,
		"proof":            false,
		"final":            "audit",
		"auto_dialog":      "accept",
		"proof_screenshot": "none",
		"stop_on_error":    false,
	})
	require.NoError(t, err)

	assert.False(t, req.AutoRecover)
	assert.False(t, req.Proof)
	assert.Equal(t, "audit", req.Final)
	assert.Equal(t, "accept", req.AutoDialog)
	assert.Empty(t, req.ProofScreenshot)
	assert.False(t, req.StopOnError)
}

func TestBuildRunRequestInvalidEnumResetsWithWarning(t *testing.T) {
	deps := runDeps(t, config.Config{}, 1, session.PolicyPermissive)
	req, warnings, err := buildRunRequest(deps, "run", []any{}, map[string]any{"final": "everything"})
	require.NoError(t, err)
	assert.Equal(t, "triage", req.Final)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], `invalid final="everything"`)
}

func TestBuildRunRequestStrictParamsRejects(t *testing.T) {
	deps := runDeps(t, config.Config{}, 1, session.PolicyPermissive)
	_, _, err := buildRunRequest(deps, "run", []any{}, map[string]any{
		"final":         "everything",
		"strict_params": true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid final="everything"`)
}

func TestBuildRunRequestScreenshotOnAmbiguityShorthand(t *testing.T) {
	deps := runDeps(t, config.Config{}, 1, session.PolicyPermissive)
	req, _, err := buildRunRequest(deps, "run", []any{}, map[string]any{"screenshot_on_ambiguity": true})
	require.NoError(t, err)
	assert.Equal(t, "artifact", req.ProofScreenshot)
}

func TestBuildRunRequestTimeoutProfiles(t *testing.T) {
	fast := config.Config{TimeoutProfile: config.ProfileFast}
	slow := config.Config{TimeoutProfile: config.ProfileSlow}
	assert.Equal(t, 10*time.Second, actionTimeoutFor(fast, 0))
	assert.Equal(t, 120*time.Second, actionTimeoutFor(slow, 0))
	assert.Equal(t, 30*time.Second, actionTimeoutFor(config.Config{}, 0))
	assert.Equal(t, 2500*time.Millisecond, actionTimeoutFor(slow, 2.5), "explicit seconds win over the profile")
}

func TestBuildRunRequestConfirmIrreversibleOnlyInRunMode(t *testing.T) {
	deps := runDeps(t, config.Config{}, 1, session.PolicyPermissive)

	req, _, err := buildRunRequest(deps, "run", []any{}, map[string]any{"confirm_irreversible": true})
	require.NoError(t, err)
	assert.True(t, req.ConfirmIrreversible)

	req, _, err = buildRunRequest(deps, "flow", []any{}, map[string]any{"confirm_irreversible": true})
	require.NoError(t, err)
	assert.False(t, req.ConfirmIrreversible, "the internal executor has no irreversible override")
}

func TestBuildRunRequestRecordingOptions(t *testing.T) {
	deps := runDeps(t, config.Config{}, 1, session.PolicyPermissive)

	req, _, err := buildRunRequest(deps, "run", []any{}, map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, req.RecordMode, "recording options only apply with a key")

	req, _, err = buildRunRequest(deps, "run", []any{}, map[string]any{
		"record_memory_key": "login_flow",
		"record_on_failure": true,
	})
	require.NoError(t, err)
	assert.Equal(t, "login_flow", req.RecordMemoryKey)
	assert.Equal(t, "sanitized", req.RecordMode)
	assert.True(t, req.RecordOnFailure)

	_, _, err = buildRunRequest(deps, "run", []any{}, map[string]any{
		"record_memory_key": "login_flow",
		"record_mode":       "verbatim",
		"strict_params":     true,
	})
	require.Error(t, err)
}
