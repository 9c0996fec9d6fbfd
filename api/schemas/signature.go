package schemas

import "time"

// SignatureCategory groups threat signatures by the class of behavior
// they detect.
type SignatureCategory string

const (
	CategoryExfiltration    SignatureCategory = "exfiltration"
	CategoryCredentialTheft SignatureCategory = "credential_theft"
	CategoryReverseShell    SignatureCategory = "reverse_shell"
	CategoryDestructive     SignatureCategory = "destructive"
	CategoryPromptInjection SignatureCategory = "prompt_injection"
	CategoryCostAbuse       SignatureCategory = "cost_abuse"
	CategoryCampaign        SignatureCategory = "campaign"
)

// ThreatSignature is a named regex pattern with a severity, used to detect
// known-bad behavioral patterns in event details. Patterns are matched
// case-insensitively against the serialized event details.
type ThreatSignature struct {
	SignatureID string            `json:"signature_id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Pattern     string            `json:"pattern"`
	Category    SignatureCategory `json:"category"`
	Severity    ThreatLevel       `json:"severity"`
	CreatedAt   time.Time         `json:"created_at"`
	// HitCount increments every time the pattern matches an event.
	// It never decrements and is not carried across export/import.
	HitCount int64 `json:"hit_count"`
}

// SignatureExport is the serialized form used by export/import. Only the
// describing fields round-trip; HitCount and CreatedAt reset on import.
type SignatureExport struct {
	SignatureID string            `json:"signature_id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Pattern     string            `json:"pattern"`
	Category    SignatureCategory `json:"category"`
	Severity    ThreatLevel       `json:"severity"`
}
