// Package monitor is the interception layer: every agent action passes
// through one of its four intercept operations, which evaluate policy,
// match threat signatures, persist the audit record, announce verdicts
// on the bus, and fire the kill switch on critical findings.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/warden/api/schemas"
	"github.com/xkilldash9x/warden/internal/bus"
	"github.com/xkilldash9x/warden/internal/intel"
	"github.com/xkilldash9x/warden/internal/observability"
	"github.com/xkilldash9x/warden/internal/policy"
	"github.com/xkilldash9x/warden/internal/store"
	"go.uber.org/zap"
)

// SigMatch marks a verdict that exists only because stored signatures
// matched, with no policy rule involved.
const SigMatch = "SIG_MATCH"

// Killer terminates a session on behalf of the monitor. Satisfied by
// killswitch.Switch.
type Killer interface {
	Kill(ctx context.Context, sessionID, agentID string, trigger schemas.BehaviorEvent, reason string) (*schemas.KillSwitchResult, error)
}

// Action identifies the agent context an intercepted operation runs in.
// SkillID is optional; when present, threats feed the skill-trust ledger.
type Action struct {
	SessionID string
	AgentID   string
	SkillID   string
}

// Result is the definite outcome every intercept operation returns.
// Callers always get one, even for clean actions; only infrastructure
// failure (store, bus) produces an error alongside it.
type Result struct {
	Allowed   bool
	Event     schemas.BehaviorEvent
	Detection *schemas.ThreatDetection
	// Anomaly is set by cost interception when any cost verdict resulted.
	Anomaly bool
	// Kill carries the kill-switch result when auto-kill fired.
	Kill *schemas.KillSwitchResult
}

// Monitor wires the policy engine, threat intelligence, store, and bus
// into the enforcement pipeline.
type Monitor struct {
	policy   *policy.Engine
	intel    *intel.Intelligence
	store    store.Store
	bus      *bus.Bus
	killer   Killer
	metrics  *observability.Metrics
	log      *zap.Logger
	autoKill bool

	costs *costWindow
}

// New creates a Monitor. A nil killer disables auto-kill regardless of
// the autoKill flag.
func New(pe *policy.Engine, ti *intel.Intelligence, st store.Store, b *bus.Bus, killer Killer, metrics *observability.Metrics, autoKill bool, logger *zap.Logger) *Monitor {
	return &Monitor{
		policy:   pe,
		intel:    ti,
		store:    st,
		bus:      b,
		killer:   killer,
		metrics:  metrics,
		log:      logger.Named("monitor"),
		autoKill: autoKill,
		costs:    newCostWindow(),
	}
}

// InterceptNetworkRequest runs one outbound request through the pipeline.
func (m *Monitor) InterceptNetworkRequest(ctx context.Context, act Action, rawURL, method, hostname string) (*Result, error) {
	verdict := m.policy.EvaluateNetworkRequest(rawURL, method, hostname)
	details := map[string]interface{}{
		"url":      rawURL,
		"method":   method,
		"hostname": hostname,
	}
	return m.process(ctx, act, schemas.EventNetworkRequest, details, verdict)
}

// InterceptFileAccess runs one file operation through the pipeline.
func (m *Monitor) InterceptFileAccess(ctx context.Context, act Action, path, operation string, size int64) (*Result, error) {
	verdict := m.policy.EvaluateFileAccess(path, operation, size)
	details := map[string]interface{}{
		"path":      path,
		"operation": operation,
		"size":      size,
	}
	return m.process(ctx, act, schemas.EventFileAccess, details, verdict)
}

// InterceptProcessSpawn runs one process spawn through the pipeline.
func (m *Monitor) InterceptProcessSpawn(ctx context.Context, act Action, command string, args []string) (*Result, error) {
	verdict := m.policy.EvaluateProcessSpawn(command, args)
	details := map[string]interface{}{
		"command": command,
		"args":    strings.Join(args, " "),
	}
	return m.process(ctx, act, schemas.EventProcessSpawn, details, verdict)
}

// InterceptCostUsage folds one token-spend sample into the session's
// sliding window and runs the derived spike ratio through the pipeline.
func (m *Monitor) InterceptCostUsage(ctx context.Context, act Action, tokens float64) (*Result, error) {
	doc := m.policy.Document()
	window := time.Duration(doc.Cost.WindowSeconds) * time.Second

	average, multiplier := m.costs.observe(act.SessionID, tokens, window, time.Now())
	verdict := m.policy.EvaluateCostAnomaly(tokens, average, multiplier, window)

	details := map[string]interface{}{
		"tokens":           tokens,
		"average":          average,
		"spike_multiplier": multiplier,
	}
	result, err := m.process(ctx, act, schemas.EventCostAnomaly, details, verdict)
	if result != nil {
		result.Anomaly = result.Detection != nil
	}
	return result, err
}

// process is the shared pipeline: signature matching and upgrade,
// unconditional persistence, bus announcements, skill-trust forwarding,
// and the synchronous auto-kill on critical verdicts. The event is
// recorded before anything may block on its behalf.
func (m *Monitor) process(ctx context.Context, act Action, eventType schemas.EventType, details map[string]interface{}, verdict *schemas.ThreatDetection) (*Result, error) {
	if act.SkillID != "" {
		details["skill_id"] = act.SkillID
	}

	stub := schemas.BehaviorEvent{
		SessionID:   act.SessionID,
		AgentID:     act.AgentID,
		EventType:   eventType,
		Details:     details,
		ThreatLevel: schemas.ThreatNone,
	}
	if verdict != nil {
		stub.ThreatLevel = verdict.ThreatLevel
		stub.ThreatSignature = verdict.ThreatSignature
		stub.Blocked = verdict.Blocked
	}

	matches := m.intel.MatchSignatures(stub)
	verdict = upgradeFromSignatures(eventType, verdict, matches)

	event := stub
	if verdict != nil {
		event.ThreatLevel = verdict.ThreatLevel
		event.ThreatSignature = verdict.ThreatSignature
		event.Blocked = verdict.Blocked
	}

	persisted, err := m.store.RecordBehavior(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("failed to record %s event: %w", eventType, err)
	}

	result := &Result{
		Allowed:   !persisted.Blocked,
		Event:     persisted,
		Detection: verdict,
	}

	if m.metrics != nil {
		m.metrics.EventsTotal.WithLabelValues(string(eventType), string(persisted.ThreatLevel)).Inc()
		if persisted.Blocked {
			m.metrics.BlockedTotal.WithLabelValues(persisted.ThreatSignature).Inc()
		}
	}

	if verdict == nil {
		return result, nil
	}

	m.log.Info("Threat detected",
		zap.String("session_id", act.SessionID),
		zap.String("event_type", string(eventType)),
		zap.String("threat_level", string(verdict.ThreatLevel)),
		zap.String("signature", verdict.ThreatSignature),
		zap.Bool("blocked", verdict.Blocked),
	)

	notice := schemas.BehaviorNotice{
		EventID:         persisted.EventID,
		SessionID:       persisted.SessionID,
		AgentID:         persisted.AgentID,
		EventType:       persisted.EventType,
		ThreatLevel:     persisted.ThreatLevel,
		ThreatSignature: persisted.ThreatSignature,
		Description:     verdict.Description,
		Blocked:         persisted.Blocked,
	}
	if err := m.bus.Publish(ctx, schemas.ChanBehaviorDetected, notice); err != nil {
		return result, fmt.Errorf("event recorded but detected notice failed: %w", err)
	}
	if persisted.Blocked {
		if err := m.bus.Publish(ctx, schemas.ChanBehaviorBlocked, notice); err != nil {
			return result, fmt.Errorf("event recorded but blocked notice failed: %w", err)
		}
	}

	if act.SkillID != "" {
		if _, err := m.intel.RecordSkillThreat(ctx, act.SkillID, persisted); err != nil {
			return result, fmt.Errorf("event recorded but skill trust update failed: %w", err)
		}
	}

	if persisted.ThreatLevel == schemas.ThreatCritical && m.autoKill && m.killer != nil {
		kill, err := m.killer.Kill(ctx, act.SessionID, act.AgentID, persisted, verdict.Description)
		if err != nil {
			return result, fmt.Errorf("event recorded but kill switch failed: %w", err)
		}
		result.Kill = kill
		m.costs.forget(act.SessionID)
	}

	return result, nil
}

// upgradeFromSignatures folds matched signatures into the policy verdict.
// The highest matched severity wins when it exceeds the policy's, and an
// upgraded verdict at high or above is forced to blocked. With no policy
// verdict at all, matches synthesize a SIG_MATCH detection.
func upgradeFromSignatures(eventType schemas.EventType, verdict *schemas.ThreatDetection, matches []schemas.ThreatSignature) *schemas.ThreatDetection {
	if len(matches) == 0 {
		return verdict
	}

	highest := schemas.ThreatNone
	var ids []string
	for _, sig := range matches {
		highest = schemas.MaxThreatLevel(highest, sig.Severity)
		ids = append(ids, sig.SignatureID)
	}

	if verdict == nil {
		return &schemas.ThreatDetection{
			EventType:       eventType,
			ThreatLevel:     highest,
			ThreatSignature: SigMatch,
			Description:     fmt.Sprintf("Matched threat signatures: %s", strings.Join(ids, ", ")),
			Evidence:        map[string]interface{}{"signatures": ids},
			Blocked:         highest.AtLeast(schemas.ThreatHigh),
		}
	}

	if highest.Ordinal() > verdict.ThreatLevel.Ordinal() {
		upgraded := *verdict
		upgraded.ThreatLevel = highest
		upgraded.Description = fmt.Sprintf("%s; escalated by signatures: %s", verdict.Description, strings.Join(ids, ", "))
		if highest.AtLeast(schemas.ThreatHigh) {
			upgraded.Blocked = true
		}
		return &upgraded
	}
	return verdict
}
