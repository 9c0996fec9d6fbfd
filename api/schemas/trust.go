package schemas

import "time"

// TrustLevel is an ordered skill-reputation state. Within this core a
// skill's trust only decays; promotion is an out-of-band certification
// action handled elsewhere.
type TrustLevel string

const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustUnknown   TrustLevel = "unknown"
	TrustCommunity TrustLevel = "community"
	TrustVerified  TrustLevel = "verified"
	TrustCertified TrustLevel = "certified"
)

// trustScale is the decay ladder, least trusted first. Decay moves a
// skill toward index 0 and never past it.
var trustScale = []TrustLevel{
	TrustUntrusted,
	TrustUnknown,
	TrustCommunity,
	TrustVerified,
	TrustCertified,
}

// Ordinal returns the rank of the trust level on the decay ladder, or -1
// for an unrecognized value.
func (t TrustLevel) Ordinal() int {
	for i, level := range trustScale {
		if level == t {
			return i
		}
	}
	return -1
}

// IsValid returns true if the trust level is one of the known values.
func (t TrustLevel) IsValid() bool {
	return t.Ordinal() >= 0
}

// StepDown returns the trust level exactly one rung lower, clamped at
// untrusted. Unrecognized levels collapse to untrusted.
func (t TrustLevel) StepDown() TrustLevel {
	ord := t.Ordinal()
	if ord <= 0 {
		return TrustUntrusted
	}
	return trustScale[ord-1]
}

// SkillTrust tracks the reputation state of a single skill. ThreatHistory
// only increases and TrustLevel only moves down within this core.
type SkillTrust struct {
	SkillID               string     `json:"skill_id"`
	SkillName             string     `json:"skill_name"`
	Publisher             string     `json:"publisher,omitempty"`
	TrustLevel            TrustLevel `json:"trust_level"`
	CertifiedAt           *time.Time `json:"certified_at,omitempty"`
	LastAuditAt           time.Time  `json:"last_audit_at"`
	ThreatHistory         int        `json:"threat_history"`
	BehavioralFingerprint string     `json:"behavioral_fingerprint,omitempty"`
}
