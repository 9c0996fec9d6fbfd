// Package killswitch terminates compromised sessions and writes the
// causal event chain that led to the termination. It never evaluates
// policy itself; it acts on verdicts the monitor already recorded.
package killswitch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/warden/api/schemas"
	"github.com/xkilldash9x/warden/internal/bus"
	"github.com/xkilldash9x/warden/internal/observability"
	"github.com/xkilldash9x/warden/internal/store"
	"go.uber.org/zap"
)

// SigKillSwitch marks the synthetic audit event recorded for a firing.
const SigKillSwitch = "KILL_SWITCH"

// Switch terminates sessions in the store and announces the termination
// on the event bus so the gateway connector can mirror it remotely.
type Switch struct {
	store   store.Store
	bus     *bus.Bus
	metrics *observability.Metrics
	log     *zap.Logger
}

// New creates a Switch over the shared store and bus.
func New(st store.Store, b *bus.Bus, metrics *observability.Metrics, logger *zap.Logger) *Switch {
	return &Switch{
		store:   st,
		bus:     b,
		metrics: metrics,
		log:     logger.Named("killswitch"),
	}
}

// Kill terminates a session: it fetches the session's low-and-above
// threat history, prepends the trigger event, marks the session
// terminated, records one synthetic critical KILL_SWITCH event
// summarizing the chain, and publishes the blocked notice. The trigger
// event must already be persisted; ordering is detection before response.
func (s *Switch) Kill(ctx context.Context, sessionID, agentID string, trigger schemas.BehaviorEvent, reason string) (*schemas.KillSwitchResult, error) {
	history, err := s.store.GetThreats(ctx, sessionID, schemas.ThreatLow)
	if err != nil {
		return nil, fmt.Errorf("failed to load threat history for session %s: %w", sessionID, err)
	}

	chain := make([]schemas.BehaviorEvent, 0, len(history)+1)
	chain = append(chain, trigger)
	for _, ev := range history {
		if ev.EventID == trigger.EventID {
			continue
		}
		chain = append(chain, ev)
	}

	if err := s.store.EndSession(ctx, sessionID, store.SessionTerminated); err != nil {
		return nil, fmt.Errorf("failed to terminate session %s: %w", sessionID, err)
	}

	criticalCount := 0
	for _, ev := range chain {
		if ev.ThreatLevel == schemas.ThreatCritical {
			criticalCount++
		}
	}

	audit, err := s.store.RecordBehavior(ctx, schemas.BehaviorEvent{
		SessionID:       sessionID,
		AgentID:         agentID,
		EventType:       schemas.EventKillSwitch,
		ThreatLevel:     schemas.ThreatCritical,
		ThreatSignature: SigKillSwitch,
		Blocked:         true,
		Details: map[string]interface{}{
			"reason":          reason,
			"chain_length":    len(chain),
			"critical_events": criticalCount,
			"trigger_event":   trigger.EventID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record kill-switch event for session %s: %w", sessionID, err)
	}

	if s.metrics != nil {
		s.metrics.KillsTotal.Inc()
	}

	s.log.Warn("Kill switch fired",
		zap.String("session_id", sessionID),
		zap.String("agent_id", agentID),
		zap.String("reason", reason),
		zap.Int("chain_length", len(chain)),
		zap.Int("critical_events", criticalCount),
	)

	result := &schemas.KillSwitchResult{
		SessionID:  sessionID,
		AgentID:    agentID,
		Terminated: true,
		Reason:     reason,
		EventChain: chain,
		Timestamp:  time.Now().UTC(),
	}

	notice := schemas.BehaviorNotice{
		EventID:         audit.EventID,
		SessionID:       sessionID,
		AgentID:         agentID,
		EventType:       schemas.EventKillSwitch,
		ThreatLevel:     schemas.ThreatCritical,
		ThreatSignature: SigKillSwitch,
		Description:     reason,
		Blocked:         true,
		Action:          schemas.ActionKillSwitch,
	}
	if err := s.bus.Publish(ctx, schemas.ChanBehaviorBlocked, notice); err != nil {
		// Termination already took; the caller still needs to know the
		// notice never made it out.
		return result, fmt.Errorf("session terminated but notice publish failed: %w", err)
	}

	return result, nil
}

// Evaluate is the reconciliation path for monitors that joined late. If
// the session already carries any critical threat it derives a reason
// from the distinct signatures on record and kills; otherwise it returns
// nil and the session is left alone.
func (s *Switch) Evaluate(ctx context.Context, sessionID, agentID string) (*schemas.KillSwitchResult, error) {
	threats, err := s.store.GetThreats(ctx, sessionID, schemas.ThreatCritical)
	if err != nil {
		return nil, fmt.Errorf("failed to check session %s for critical threats: %w", sessionID, err)
	}
	if len(threats) == 0 {
		return nil, nil
	}

	reason := deriveReason(threats)
	// The most recent critical event is the trigger for the chain.
	return s.Kill(ctx, sessionID, agentID, threats[0], reason)
}

// deriveReason summarizes the critical history: distinct signatures when
// any are attached, a bare count otherwise.
func deriveReason(threats []schemas.BehaviorEvent) string {
	seen := make(map[string]struct{})
	var sigs []string
	for _, ev := range threats {
		if ev.ThreatSignature == "" {
			continue
		}
		if _, dup := seen[ev.ThreatSignature]; dup {
			continue
		}
		seen[ev.ThreatSignature] = struct{}{}
		sigs = append(sigs, ev.ThreatSignature)
	}

	if len(sigs) == 0 {
		return fmt.Sprintf("Kill switch triggered: %d critical event(s) on record", len(threats))
	}
	return fmt.Sprintf("Kill switch triggered: %s (%d critical event(s))", strings.Join(sigs, ", "), len(threats))
}
