package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xkilldash9x/warden/api/schemas"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for
// mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGStore provides a PostgreSQL implementation of the Store interface.
type PGStore struct {
	pool DBPool
	log  *zap.Logger
}

var _ Store = (*PGStore)(nil)

// NewPG creates a new Postgres-backed store and verifies the connection.
func NewPG(ctx context.Context, pool DBPool, logger *zap.Logger) (*PGStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PGStore{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// RecordBehavior inserts one behavior event and registers the session on
// first sight. A session that was already ended keeps its status.
func (s *PGStore) RecordBehavior(ctx context.Context, event schemas.BehaviorEvent) (schemas.BehaviorEvent, error) {
	event.EventID = uuid.New().String()
	event.Timestamp = time.Now().UTC()

	details := event.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return schemas.BehaviorEvent{}, fmt.Errorf("failed to marshal event details: %w", err)
	}

	const sqlInsertEvent = `
        INSERT INTO behavior_events
            (event_id, session_id, agent_id, event_type, timestamp, details, threat_level, threat_ordinal, threat_signature, blocked)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
    `
	if _, err := s.pool.Exec(ctx, sqlInsertEvent,
		event.EventID, event.SessionID, event.AgentID, string(event.EventType),
		event.Timestamp, detailsJSON, string(event.ThreatLevel),
		event.ThreatLevel.Ordinal(), event.ThreatSignature, event.Blocked,
	); err != nil {
		return schemas.BehaviorEvent{}, fmt.Errorf("failed to insert behavior event: %w", err)
	}

	// DO NOTHING keeps a terminated session terminated even if a late
	// event for it is recorded (e.g. the kill switch's own audit record).
	const sqlUpsertSession = `
        INSERT INTO sessions (session_id, agent_id, status, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (session_id) DO NOTHING;
    `
	if _, err := s.pool.Exec(ctx, sqlUpsertSession,
		event.SessionID, event.AgentID, SessionActive, event.Timestamp,
	); err != nil {
		return schemas.BehaviorEvent{}, fmt.Errorf("failed to register session: %w", err)
	}

	return event, nil
}

// GetThreats returns events at or above minLevel, most recent first.
func (s *PGStore) GetThreats(ctx context.Context, sessionID string, minLevel schemas.ThreatLevel) ([]schemas.BehaviorEvent, error) {
	const query = `
        SELECT event_id, session_id, agent_id, event_type, timestamp, details, threat_level, threat_signature, blocked
        FROM behavior_events
        WHERE threat_ordinal >= $1 AND ($2 = '' OR session_id = $2)
        ORDER BY timestamp DESC;
    `
	rows, err := s.pool.Query(ctx, query, minLevel.Ordinal(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threats: %w", err)
	}
	defer rows.Close()

	var events []schemas.BehaviorEvent
	for rows.Next() {
		var (
			e           schemas.BehaviorEvent
			eventType   string
			level       string
			detailsJSON []byte
		)
		if err := rows.Scan(
			&e.EventID, &e.SessionID, &e.AgentID, &eventType, &e.Timestamp,
			&detailsJSON, &level, &e.ThreatSignature, &e.Blocked,
		); err != nil {
			return nil, fmt.Errorf("failed to scan threat row: %w", err)
		}
		e.EventType = schemas.EventType(eventType)
		e.ThreatLevel = schemas.ThreatLevel(level)
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode details for event %s: %w", e.EventID, err)
			}
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}

// EndSession sets the session status.
func (s *PGStore) EndSession(ctx context.Context, sessionID, status string) error {
	const query = `
        UPDATE sessions SET status = $2, updated_at = $3 WHERE session_id = $1;
    `
	tag, err := s.pool.Exec(ctx, query, sessionID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Warn("EndSession targeted an unknown session", zap.String("session_id", sessionID))
	}
	return nil
}

// ActiveSessions returns the session ids currently active for an agent.
func (s *PGStore) ActiveSessions(ctx context.Context, agentID string) ([]string, error) {
	const query = `
        SELECT session_id FROM sessions WHERE agent_id = $1 AND status = $2;
    `
	rows, err := s.pool.Query(ctx, query, agentID, SessionActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return sessions, nil
}

// GetSkillTrust returns the trust record for a skill, or nil when unseen.
func (s *PGStore) GetSkillTrust(ctx context.Context, skillID string) (*schemas.SkillTrust, error) {
	const query = `
        SELECT skill_id, skill_name, publisher, trust_level, certified_at, last_audit_at, threat_history, behavioral_fingerprint
        FROM skill_trust
        WHERE skill_id = $1;
    `
	var (
		trust schemas.SkillTrust
		level string
	)
	err := s.pool.QueryRow(ctx, query, skillID).Scan(
		&trust.SkillID, &trust.SkillName, &trust.Publisher, &level,
		&trust.CertifiedAt, &trust.LastAuditAt, &trust.ThreatHistory,
		&trust.BehavioralFingerprint,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query skill trust for %s: %w", skillID, err)
	}
	trust.TrustLevel = schemas.TrustLevel(level)
	return &trust, nil
}

// SetSkillTrust inserts or replaces the trust record for a skill.
func (s *PGStore) SetSkillTrust(ctx context.Context, trust schemas.SkillTrust) error {
	const query = `
        INSERT INTO skill_trust
            (skill_id, skill_name, publisher, trust_level, certified_at, last_audit_at, threat_history, behavioral_fingerprint)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (skill_id) DO UPDATE SET
            skill_name = EXCLUDED.skill_name,
            publisher = EXCLUDED.publisher,
            trust_level = EXCLUDED.trust_level,
            certified_at = EXCLUDED.certified_at,
            last_audit_at = EXCLUDED.last_audit_at,
            threat_history = EXCLUDED.threat_history,
            behavioral_fingerprint = EXCLUDED.behavioral_fingerprint;
    `
	if _, err := s.pool.Exec(ctx, query,
		trust.SkillID, trust.SkillName, trust.Publisher, string(trust.TrustLevel),
		trust.CertifiedAt, trust.LastAuditAt, trust.ThreatHistory,
		trust.BehavioralFingerprint,
	); err != nil {
		return fmt.Errorf("failed to upsert skill trust for %s: %w", trust.SkillID, err)
	}
	return nil
}
