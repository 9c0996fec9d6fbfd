// Package store persists behavior events, session state, and skill trust.
// It exposes the narrow contract the enforcement loop consumes; callers
// never see SQL or backend details.
package store

import (
	"context"

	"github.com/xkilldash9x/warden/api/schemas"
)

// SessionTerminated is the status written when the kill switch ends a session.
const SessionTerminated = "terminated"

// SessionActive is the status a session carries from its first recorded event.
const SessionActive = "active"

// Store is the session/event store contract. Implementations must treat
// every write as a single atomic record insert/update; no method spans a
// multi-step transaction across components.
type Store interface {
	// RecordBehavior persists one event and returns it with a generated
	// id and timestamp. The session row is created on first sight but an
	// existing status (e.g. terminated) is never overwritten.
	RecordBehavior(ctx context.Context, event schemas.BehaviorEvent) (schemas.BehaviorEvent, error)

	// GetThreats returns events at or above minLevel, most recent first.
	// An empty sessionID selects across all sessions.
	GetThreats(ctx context.Context, sessionID string, minLevel schemas.ThreatLevel) ([]schemas.BehaviorEvent, error)

	// EndSession sets the session status, terminating it for enforcement
	// purposes.
	EndSession(ctx context.Context, sessionID, status string) error

	// ActiveSessions returns the session ids currently active for an agent.
	ActiveSessions(ctx context.Context, agentID string) ([]string, error)

	// GetSkillTrust returns the trust record for a skill, or nil when the
	// skill has never been seen.
	GetSkillTrust(ctx context.Context, skillID string) (*schemas.SkillTrust, error)

	// SetSkillTrust inserts or replaces the trust record for a skill.
	SetSkillTrust(ctx context.Context, trust schemas.SkillTrust) error
}
