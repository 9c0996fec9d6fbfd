// Package intel owns the threat-signature registry and the skill-trust
// decay state machine. Signatures are compiled once at registration and
// matched case-insensitively against serialized event details; a stored
// pattern that fails to compile is skipped so one bad entry can never
// break matching for the rest.
package intel

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/warden/api/schemas"
	"github.com/xkilldash9x/warden/internal/store"
	"go.uber.org/zap"
)

type signatureEntry struct {
	sig schemas.ThreatSignature
	re  *regexp.Regexp
}

// Intelligence is the signature registry plus the skill-trust ledger.
// All registry mutation (hit counts, imports) happens under one mutex;
// the store carries the trust records.
type Intelligence struct {
	mu         sync.Mutex
	signatures map[string]*signatureEntry
	order      []string
	store      store.Store
	log        *zap.Logger
}

// New creates an Intelligence seeded with the built-in signature set.
func New(st store.Store, logger *zap.Logger) *Intelligence {
	i := &Intelligence{
		signatures: make(map[string]*signatureEntry),
		store:      st,
		log:        logger.Named("intel"),
	}
	for _, sig := range builtinSignatures() {
		if err := i.RegisterSignature(sig); err != nil {
			// A built-in that fails to compile is a programming error,
			// but matching must survive it.
			i.log.Warn("Skipping built-in signature", zap.String("id", sig.SignatureID), zap.Error(err))
		}
	}
	return i
}

// RegisterSignature adds one signature to the registry, compiling its
// pattern case-insensitively. Re-registering an existing id overwrites it.
func (i *Intelligence) RegisterSignature(sig schemas.ThreatSignature) error {
	re, err := regexp.Compile("(?i)" + sig.Pattern)
	if err != nil {
		return fmt.Errorf("signature %s has an invalid pattern: %w", sig.SignatureID, err)
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.signatures[sig.SignatureID]; !exists {
		i.order = append(i.order, sig.SignatureID)
	}
	i.signatures[sig.SignatureID] = &signatureEntry{sig: sig, re: re}
	return nil
}

// MatchSignatures tests every registered signature against the serialized
// event details and returns the matched set, most severe first within
// registration order. Every match increments that signature's hit count.
func (i *Intelligence) MatchSignatures(event schemas.BehaviorEvent) []schemas.ThreatSignature {
	haystack := serializeDetails(event.Details)
	if haystack == "" {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	var matched []schemas.ThreatSignature
	for _, id := range i.order {
		entry := i.signatures[id]
		if entry.re.MatchString(haystack) {
			entry.sig.HitCount++
			matched = append(matched, entry.sig)
		}
	}
	return matched
}

// Signatures returns a snapshot of the registry.
func (i *Intelligence) Signatures() []schemas.ThreatSignature {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]schemas.ThreatSignature, 0, len(i.order))
	for _, id := range i.order {
		out = append(out, i.signatures[id].sig)
	}
	return out
}

// ExportSignatures serializes the describing fields of every registered
// signature. Hit counts and creation times do not travel.
func (i *Intelligence) ExportSignatures() ([]byte, error) {
	i.mu.Lock()
	exports := make([]schemas.SignatureExport, 0, len(i.order))
	for _, id := range i.order {
		sig := i.signatures[id].sig
		exports = append(exports, schemas.SignatureExport{
			SignatureID: sig.SignatureID,
			Name:        sig.Name,
			Description: sig.Description,
			Pattern:     sig.Pattern,
			Category:    sig.Category,
			Severity:    sig.Severity,
		})
	}
	i.mu.Unlock()

	data, err := json.MarshalIndent(exports, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signatures: %w", err)
	}
	return data, nil
}

// ImportSignatures registers the signatures in data, skipping ids that are
// already present (import never overwrites). Returns the number imported.
func (i *Intelligence) ImportSignatures(data []byte) (int, error) {
	var exports []schemas.SignatureExport
	if err := json.Unmarshal(data, &exports); err != nil {
		return 0, fmt.Errorf("failed to parse signature import: %w", err)
	}

	imported := 0
	for _, exp := range exports {
		i.mu.Lock()
		_, exists := i.signatures[exp.SignatureID]
		i.mu.Unlock()
		if exists {
			continue
		}

		err := i.RegisterSignature(schemas.ThreatSignature{
			SignatureID: exp.SignatureID,
			Name:        exp.Name,
			Description: exp.Description,
			Pattern:     exp.Pattern,
			Category:    exp.Category,
			Severity:    exp.Severity,
		})
		if err != nil {
			i.log.Warn("Skipping imported signature", zap.String("id", exp.SignatureID), zap.Error(err))
			continue
		}
		imported++
	}
	return imported, nil
}

// serializeDetails flattens the details map to a searchable string. HTML
// escaping is disabled so shell redirections like ">&" survive intact for
// the reverse-shell patterns.
func serializeDetails(details map[string]interface{}) string {
	if len(details) == 0 {
		return ""
	}
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(details); err != nil {
		return fmt.Sprintf("%v", details)
	}
	return buf.String()
}

// builtinSignatures is the fixed set loaded at process start.
func builtinSignatures() []schemas.ThreatSignature {
	return []schemas.ThreatSignature{
		{
			SignatureID: "SIG_EXFIL_BASE64",
			Name:        "Base64 exfiltration blob",
			Description: "Long base64 payload embedded in an outbound action",
			Pattern:     `[A-Za-z0-9+/=]{120,}`,
			Category:    schemas.CategoryExfiltration,
			Severity:    schemas.ThreatCritical,
		},
		{
			SignatureID: "SIG_CRED_LEAK",
			Name:        "Credential material in transit",
			Description: "API keys, tokens, or cloud credentials appearing in action details",
			Pattern:     `(api[_-]?key|secret[_-]?key|aws_access_key_id|authorization['"]?\s*[=:]\s*['"]?bearer)\s*['"]?[=:]?\s*['"]?[A-Za-z0-9_\-\.]{12,}`,
			Category:    schemas.CategoryCredentialTheft,
			Severity:    schemas.ThreatHigh,
		},
		{
			SignatureID: "SIG_SSH_KEY_ACCESS",
			Name:        "SSH private key access",
			Description: "References to SSH private key files or PEM key material",
			Pattern:     `(\.ssh/(id_rsa|id_ed25519|id_ecdsa)|-----BEGIN (RSA |OPENSSH |EC )?PRIVATE KEY-----)`,
			Category:    schemas.CategoryCredentialTheft,
			Severity:    schemas.ThreatCritical,
		},
		{
			SignatureID: "SIG_REVERSE_SHELL",
			Name:        "Reverse shell pattern",
			Description: "Classic reverse-shell invocations over nc, /dev/tcp, or socat",
			Pattern:     `(nc\s+(-e|-c)\s|/dev/tcp/\d|bash\s+-i\s+>&|socat\s+\S*exec)`,
			Category:    schemas.CategoryReverseShell,
			Severity:    schemas.ThreatCritical,
		},
		{
			SignatureID: "SIG_DESTRUCTIVE_CMD",
			Name:        "Destructive command",
			Description: "Filesystem-destroying command lines",
			Pattern:     `(rm\s+-rf\s+[/~]|mkfs\.|dd\s+if=/dev/(zero|urandom)\s+of=/dev/|shred\s+-)`,
			Category:    schemas.CategoryDestructive,
			Severity:    schemas.ThreatCritical,
		},
		{
			SignatureID: "SIG_PROMPT_INJECTION",
			Name:        "Prompt injection artifact",
			Description: "Instruction-override phrasing smuggled through tool output",
			Pattern:     `(ignore\s+(all\s+)?(previous|prior)\s+instructions|disregard\s+(your|the)\s+system\s+prompt|you\s+are\s+now\s+(dan|in\s+developer\s+mode))`,
			Category:    schemas.CategoryPromptInjection,
			Severity:    schemas.ThreatHigh,
		},
		{
			SignatureID: "SIG_COST_BOMB",
			Name:        "Cost bomb",
			Description: "Requests engineered to burn tokens in unbounded loops",
			Pattern:     `(repeat\s+.{0,40}(forever|indefinitely|until\s+context)|max[_\s]?tokens\D{0,5}(999999|1000000))`,
			Category:    schemas.CategoryCostAbuse,
			Severity:    schemas.ThreatMedium,
		},
		{
			SignatureID: "SIG_CAMPAIGN_SHAI_HULUD",
			Name:        "Shai-Hulud npm worm",
			Description: "Indicators of the self-replicating npm postinstall campaign",
			Pattern:     `(shai-hulud|postinstall.{0,60}curl.{0,60}\|\s*(ba)?sh)`,
			Category:    schemas.CategoryCampaign,
			Severity:    schemas.ThreatCritical,
		},
		{
			SignatureID: "SIG_CAMPAIGN_PASTE_DROP",
			Name:        "Paste-site dead drop",
			Description: "Staging exfiltrated data on throwaway paste/transfer services",
			Pattern:     `(pastebin\.com/raw|transfer\.sh/|requestbin\.|webhook\.site/)`,
			Category:    schemas.CategoryCampaign,
			Severity:    schemas.ThreatHigh,
		},
	}
}
