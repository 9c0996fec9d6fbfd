package intel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/warden/api/schemas"
	"go.uber.org/zap"
)

// fingerprintLen is the fixed hex length of a behavioral fingerprint.
const fingerprintLen = 32

// GenerateFingerprint derives a fixed-length behavioral fingerprint from
// the shape of an event: its type, level, signature, and the sorted set
// of detail keys. Identical shapes always hash identically; detail values
// deliberately do not participate.
func GenerateFingerprint(event schemas.BehaviorEvent) string {
	keys := make([]string, 0, len(event.Details))
	for k := range event.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	material := strings.Join([]string{
		string(event.EventType),
		string(event.ThreatLevel),
		event.ThreatSignature,
		strings.Join(keys, ","),
	}, "|")

	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// calculateTrustAfterThreat applies the decay rules in fixed precedence:
// a critical threat forces untrusted, a high threat moves exactly one
// rung down, and a threat history of three or more drags anything above
// untrusted down to unknown. Everything else leaves the level alone.
func calculateTrustAfterThreat(current schemas.TrustLevel, threat schemas.ThreatLevel, history int) schemas.TrustLevel {
	switch {
	case threat == schemas.ThreatCritical:
		return schemas.TrustUntrusted
	case threat == schemas.ThreatHigh:
		return current.StepDown()
	case history >= 3 && current != schemas.TrustUntrusted:
		return schemas.TrustUnknown
	default:
		return current
	}
}

// RecordSkillThreat folds one threat event into a skill's trust record.
// Unseen skills are seeded at untrusted with a history of one. Threat
// history only grows and the trust level only decays here; certification
// is an out-of-band action.
func (i *Intelligence) RecordSkillThreat(ctx context.Context, skillID string, event schemas.BehaviorEvent) (*schemas.SkillTrust, error) {
	if skillID == "" {
		return nil, fmt.Errorf("skill id must not be empty")
	}

	trust, err := i.store.GetSkillTrust(ctx, skillID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust for skill %s: %w", skillID, err)
	}

	now := time.Now().UTC()
	if trust == nil {
		trust = &schemas.SkillTrust{
			SkillID:       skillID,
			SkillName:     skillNameFromEvent(skillID, event),
			TrustLevel:    schemas.TrustUntrusted,
			ThreatHistory: 1,
		}
	} else {
		trust.ThreatHistory++
		trust.TrustLevel = calculateTrustAfterThreat(trust.TrustLevel, event.ThreatLevel, trust.ThreatHistory)
	}
	trust.LastAuditAt = now
	trust.BehavioralFingerprint = GenerateFingerprint(event)

	if err := i.store.SetSkillTrust(ctx, *trust); err != nil {
		return nil, fmt.Errorf("failed to persist trust for skill %s: %w", skillID, err)
	}

	i.log.Info("Skill trust updated",
		zap.String("skill_id", skillID),
		zap.String("trust_level", string(trust.TrustLevel)),
		zap.Int("threat_history", trust.ThreatHistory),
	)
	return trust, nil
}

func skillNameFromEvent(skillID string, event schemas.BehaviorEvent) string {
	if name, ok := event.Details["skill_name"].(string); ok && name != "" {
		return name
	}
	return skillID
}
