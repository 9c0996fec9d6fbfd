package schemas

import "time"

// ThreatLevel defines the severity attached to a detection or behavior event.
type ThreatLevel string

const (
	ThreatNone     ThreatLevel = "none"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// threatOrdinals gives levels a total order. Comparisons go through
// Ordinal so a typo'd level can never silently sort above a real one.
var threatOrdinals = map[ThreatLevel]int{
	ThreatNone:     0,
	ThreatLow:      1,
	ThreatMedium:   2,
	ThreatHigh:     3,
	ThreatCritical: 4,
}

// IsValid returns true if the threat level is one of the known values.
func (l ThreatLevel) IsValid() bool {
	_, ok := threatOrdinals[l]
	return ok
}

// Ordinal returns the numeric rank of the level. Unknown levels rank
// below "none" so they can never escalate anything.
func (l ThreatLevel) Ordinal() int {
	if ord, ok := threatOrdinals[l]; ok {
		return ord
	}
	return -1
}

// AtLeast reports whether l is equal to or more severe than other.
func (l ThreatLevel) AtLeast(other ThreatLevel) bool {
	return l.Ordinal() >= other.Ordinal()
}

// MaxThreatLevel returns the more severe of the two levels.
func MaxThreatLevel(a, b ThreatLevel) ThreatLevel {
	if b.Ordinal() > a.Ordinal() {
		return b
	}
	return a
}

// EventType classifies the intercepted agent action.
type EventType string

const (
	EventNetworkRequest EventType = "network_request"
	EventFileAccess     EventType = "file_access"
	EventProcessSpawn   EventType = "process_spawn"
	EventToolCall       EventType = "tool_call"
	EventCostAnomaly    EventType = "cost_anomaly"
	EventKillSwitch     EventType = "kill_switch"
)

// BehaviorEvent is the atomic audit record for one intercepted agent
// action. It is created exactly once per interception (plus one synthetic
// record per kill-switch firing), is immutable after creation, and is
// owned by the session store.
type BehaviorEvent struct {
	EventID         string                 `json:"event_id"`
	SessionID       string                 `json:"session_id"`
	AgentID         string                 `json:"agent_id"`
	EventType       EventType              `json:"event_type"`
	Timestamp       time.Time              `json:"timestamp"`
	Details         map[string]interface{} `json:"details"`
	ThreatLevel     ThreatLevel            `json:"threat_level"`
	ThreatSignature string                 `json:"threat_signature,omitempty"`
	Blocked         bool                   `json:"blocked"`
}

// ThreatDetection is the in-memory verdict produced by the policy engine
// or the signature matcher. It is a value, not an entity: it lives only
// long enough to be folded into a BehaviorEvent or discarded. A nil
// *ThreatDetection means "no concern".
type ThreatDetection struct {
	EventType       EventType              `json:"event_type"`
	ThreatLevel     ThreatLevel            `json:"threat_level"`
	ThreatSignature string                 `json:"threat_signature"`
	Description     string                 `json:"description"`
	Evidence        map[string]interface{} `json:"evidence,omitempty"`
	Blocked         bool                   `json:"blocked"`
}

// KillSwitchResult is the transient return value of a kill-switch firing,
// carrying the full causal event chain for the terminated session.
type KillSwitchResult struct {
	SessionID  string          `json:"session_id"`
	AgentID    string          `json:"agent_id"`
	Terminated bool            `json:"terminated"`
	Reason     string          `json:"reason"`
	EventChain []BehaviorEvent `json:"event_chain"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Bus channels produced and consumed by the enforcement loop.
const (
	// ChanBehaviorDetected carries every non-nil verdict.
	ChanBehaviorDetected = "behavior.detected"
	// ChanBehaviorBlocked carries blocked verdicts, including the
	// kill-switch notification (discriminated by Action).
	ChanBehaviorBlocked = "behavior.blocked"
)

// ActionKillSwitch marks a behavior.blocked notice that was produced by
// the kill switch rather than an inline interception.
const ActionKillSwitch = "kill_switch"

// BehaviorNotice is the payload published on the behavior.* channels.
type BehaviorNotice struct {
	EventID         string      `json:"event_id"`
	SessionID       string      `json:"session_id"`
	AgentID         string      `json:"agent_id"`
	EventType       EventType   `json:"event_type"`
	ThreatLevel     ThreatLevel `json:"threat_level"`
	ThreatSignature string      `json:"threat_signature,omitempty"`
	Description     string      `json:"description,omitempty"`
	Blocked         bool        `json:"blocked"`
	// Action is set to ActionKillSwitch when the notice originates from
	// the kill switch. Empty for inline detections.
	Action string `json:"action,omitempty"`
}
