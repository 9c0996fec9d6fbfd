package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xkilldash9x/warden/api/schemas"
)

// MemStore is an in-memory Store used for DB-less deployments and tests.
// All access goes through one mutex; the contract's atomicity per write
// follows directly.
type MemStore struct {
	mu       sync.Mutex
	events   []schemas.BehaviorEvent
	sessions map[string]*memSession
	trust    map[string]schemas.SkillTrust
}

type memSession struct {
	agentID string
	status  string
}

var _ Store = (*MemStore)(nil)

// NewMem creates an empty in-memory store.
func NewMem() *MemStore {
	return &MemStore{
		sessions: make(map[string]*memSession),
		trust:    make(map[string]schemas.SkillTrust),
	}
}

// RecordBehavior persists one event and registers the session on first sight.
func (s *MemStore) RecordBehavior(_ context.Context, event schemas.BehaviorEvent) (schemas.BehaviorEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.EventID = uuid.New().String()
	event.Timestamp = time.Now().UTC()
	if event.Details == nil {
		event.Details = map[string]interface{}{}
	}

	s.events = append(s.events, event)
	if _, seen := s.sessions[event.SessionID]; !seen {
		s.sessions[event.SessionID] = &memSession{agentID: event.AgentID, status: SessionActive}
	}
	return event, nil
}

// GetThreats returns events at or above minLevel, most recent first.
func (s *MemStore) GetThreats(_ context.Context, sessionID string, minLevel schemas.ThreatLevel) ([]schemas.BehaviorEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []schemas.BehaviorEvent
	// Events append in arrival order; walk backwards for recency order.
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		if !e.ThreatLevel.AtLeast(minLevel) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// EndSession sets the session status.
func (s *MemStore) EndSession(_ context.Context, sessionID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		sess.status = status
	} else {
		s.sessions[sessionID] = &memSession{status: status}
	}
	return nil
}

// ActiveSessions returns the session ids currently active for an agent.
func (s *MemStore) ActiveSessions(_ context.Context, agentID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id, sess := range s.sessions {
		if sess.agentID == agentID && sess.status == SessionActive {
			out = append(out, id)
		}
	}
	return out, nil
}

// GetSkillTrust returns the trust record for a skill, or nil when unseen.
func (s *MemStore) GetSkillTrust(_ context.Context, skillID string) (*schemas.SkillTrust, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if trust, ok := s.trust[skillID]; ok {
		copied := trust
		return &copied, nil
	}
	return nil, nil
}

// SetSkillTrust inserts or replaces the trust record for a skill.
func (s *MemStore) SetSkillTrust(_ context.Context, trust schemas.SkillTrust) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trust[trust.SkillID] = trust
	return nil
}
