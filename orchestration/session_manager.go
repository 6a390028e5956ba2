package orchestration

import (
	"context"
	"strings"
	"time"

	"github.com/fernridge/conductor/core"
)

// SessionDiscoverer queries a provider's own session-listing interface
// for a resumable session tagged for featureID. Implementations are
// provider-specific (each CLI exposes session history differently);
// SessionManager only needs the resolved session ID and its age.
type SessionDiscoverer interface {
	Discover(ctx context.Context, provider, featureID string) (sessionID string, age time.Duration, found bool, err error)
}

// NoDiscoverer always reports no discoverable session, for providers or
// deployments with session discovery disabled.
type NoDiscoverer struct{}

func (NoDiscoverer) Discover(ctx context.Context, provider, featureID string) (string, time.Duration, bool, error) {
	return "", 0, false, nil
}

// maxDiscoverableAge bounds the "not in months/years" staleness check:
// a discovered session older than this is treated as not found.
const maxDiscoverableAge = 30 * 24 * time.Hour

// SessionManager resolves and tracks the resumable session handle passed
// into each provider invocation, keyed by feature_id. Grounded on the
// teacher's discovery pattern (register a handle, look it up by a
// filter key) generalized from service registration to session
// continuity: register() becomes update-after-invocation, discover()
// becomes the session-tag lookup in step 3 below.
type SessionManager struct {
	contextCaps map[string]int
	errorCap    int
	disabled    bool
	discoverer  SessionDiscoverer
}

// NewSessionManager builds a SessionManager from the operator's
// per-provider context-token caps and error-count cap. A nil discoverer
// falls back to NoDiscoverer.
func NewSessionManager(contextCaps map[string]int, errorCap int, disabled bool, discoverer SessionDiscoverer) *SessionManager {
	if discoverer == nil {
		discoverer = NoDiscoverer{}
	}
	if errorCap <= 0 {
		errorCap = core.DefaultSessionErrorCap
	}
	return &SessionManager{
		contextCaps: contextCaps,
		errorCap:    errorCap,
		disabled:    disabled,
		discoverer:  discoverer,
	}
}

// Resolve implements the four-step resolution chain: task override,
// active_sessions lookup within cap, provider discovery, none.
func (m *SessionManager) Resolve(ctx context.Context, state *core.SupervisorState, task *core.Task, provider, projectID string) (string, error) {
	if m.disabled {
		return "", nil
	}
	if task != nil && task.Meta.SessionID != "" {
		return task.Meta.SessionID, nil
	}

	featureID := FeatureID(task, projectID)

	if state != nil && state.Supervisor.ActiveSessions != nil {
		if info, ok := state.Supervisor.ActiveSessions[featureID]; ok && info.Provider == provider {
			if m.withinCaps(info) {
				return info.SessionID, nil
			}
		}
	}

	sessionID, age, found, err := m.discoverer.Discover(ctx, provider, featureID)
	if err != nil {
		return "", err
	}
	if found && age <= maxDiscoverableAge {
		return sessionID, nil
	}

	return "", nil
}

func (m *SessionManager) withinCaps(info *core.SessionInfo) bool {
	if info.ErrorCount >= m.errorCap {
		return false
	}
	tokenCap, ok := m.contextCaps[info.Provider]
	if !ok {
		return true
	}
	return info.TotalTokens < tokenCap
}

// Update applies the post-invocation rule: if the provider returned a
// session handle, active_sessions[feature_id] is created or refreshed;
// error_count resets when the same session continues and a validation
// passed, or increments by one on a validation failure; total_tokens
// accumulates only when continuing the same session.
func (m *SessionManager) Update(state *core.SupervisorState, task *core.Task, provider, projectID string, result *core.ProviderResult, validationFailed bool) {
	if state == nil || result == nil || result.SessionID == "" {
		return
	}

	featureID := FeatureID(task, projectID)
	if state.Supervisor.ActiveSessions == nil {
		state.Supervisor.ActiveSessions = map[string]*core.SessionInfo{}
	}

	existing, continued := state.Supervisor.ActiveSessions[featureID]
	continued = continued && existing.SessionID == result.SessionID

	info := &core.SessionInfo{
		SessionID: result.SessionID,
		Provider:  provider,
		LastUsed:  time.Now().UTC(),
		FeatureID: featureID,
	}
	if task != nil {
		info.TaskID = task.TaskID
	}

	switch {
	case continued && validationFailed:
		info.ErrorCount = existing.ErrorCount + 1
	case continued:
		info.ErrorCount = 0
	default:
		info.ErrorCount = 0
	}

	tokens := 0
	if result.Usage != nil {
		tokens = result.Usage.TotalTokens
	}
	if continued {
		info.TotalTokens = existing.TotalTokens + tokens
	} else {
		info.TotalTokens = tokens
	}

	state.Supervisor.ActiveSessions[featureID] = info
}

// FeatureID applies the stable precedence chain: task.meta.feature_id,
// then a key derived from the prefix of task_id (the portion before its
// first "-" or "_"), then a project-derived key, then the fixed
// fallback.
func FeatureID(task *core.Task, projectID string) string {
	if task != nil {
		if task.Meta.FeatureID != "" {
			return task.Meta.FeatureID
		}
		if prefix := taskIDPrefix(task.TaskID); prefix != "" {
			return "task:" + prefix
		}
	}
	if projectID != "" {
		return "project:" + projectID
	}
	return "default"
}

func taskIDPrefix(taskID string) string {
	if idx := strings.IndexAny(taskID, "-_"); idx > 0 {
		return taskID[:idx]
	}
	return ""
}
