// Package policy holds the security policy document and its stateless
// evaluation engine. A policy is immutable once evaluated against; updates
// re-merge a patch with the built-in defaults to produce a new complete
// document, so partial input never leaves a field unset.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
)

// SecurityPolicy is a versioned document with four independent
// sub-policies. Every sub-policy always carries complete defaults.
type SecurityPolicy struct {
	Version    int              `json:"version"`
	Network    NetworkPolicy    `json:"network"`
	Filesystem FilesystemPolicy `json:"filesystem"`
	Process    ProcessPolicy    `json:"process"`
	Cost       CostPolicy       `json:"cost"`
}

// NetworkPolicy governs outbound network requests.
type NetworkPolicy struct {
	// BlockExternalByDefault blocks any hostname not on the allow-list.
	BlockExternalByDefault bool `json:"block_external_by_default"`
	// AllowedDomains are exempt from the external-by-default block.
	// Entries are exact hostnames or "*.suffix" wildcards.
	AllowedDomains []string `json:"allowed_domains"`
	// BlockedDomains are always refused, exact or "*.suffix" wildcard.
	BlockedDomains []string `json:"blocked_domains"`
	// ExfiltrationPatterns are regexes tested against the full URL.
	ExfiltrationPatterns []string `json:"exfiltration_patterns"`
}

// FilesystemPolicy governs file access.
type FilesystemPolicy struct {
	// BlockedPaths are path prefixes that must never be touched. "~" is
	// expanded to the home directory at evaluation time.
	BlockedPaths []string `json:"blocked_paths"`
	// SandboxRoot confines writes when non-empty; writes outside it are
	// flagged. Empty disables the confinement rule.
	SandboxRoot string `json:"sandbox_root"`
}

// ProcessPolicy governs process spawning.
type ProcessPolicy struct {
	// AllowShellExec permits spawning shell binaries directly.
	AllowShellExec bool `json:"allow_shell_exec"`
	// AllowedCommands may run without being flagged, matched exactly or
	// by basename.
	AllowedCommands []string `json:"allowed_commands"`
	// BlockedCommands are substrings that must not appear in the command
	// or the joined command line.
	BlockedCommands []string `json:"blocked_commands"`
}

// CostPolicy governs token-spend anomaly detection.
type CostPolicy struct {
	// MaxTokensPerMinute is the flat rate ceiling.
	MaxTokensPerMinute float64 `json:"max_tokens_per_minute"`
	// SpikeThreshold is the spend-vs-trailing-average multiplier that
	// constitutes an anomaly.
	SpikeThreshold float64 `json:"spike_threshold"`
	// CriticalFactor scales SpikeThreshold to the critical boundary: a
	// spike at or above CriticalFactor*SpikeThreshold is critical and
	// blocked.
	CriticalFactor float64 `json:"critical_factor"`
	// WindowSeconds is the sliding-window size for the trailing average.
	WindowSeconds int `json:"window_seconds"`
}

// Default returns the built-in policy: loopback-only network access, a
// fixed sensitive-path blocklist, shell exec disabled with an allow-list
// of developer tools, and a 3x cost-spike threshold over a 60s window.
func Default() SecurityPolicy {
	return SecurityPolicy{
		Version: 1,
		Network: NetworkPolicy{
			BlockExternalByDefault: true,
			AllowedDomains: []string{
				"localhost",
				"127.0.0.1",
				"::1",
			},
			BlockedDomains: []string{},
			ExfiltrationPatterns: []string{
				// Long base64 blobs smuggled in a URL.
				`[A-Za-z0-9+/=]{100,}`,
				// Long hex blobs (key material, dumped memory).
				`[0-9a-fA-F]{80,}`,
				// Credential-looking query parameters.
				`(?i)[?&](api_?key|access_?token|secret|password|passwd|credentials?|auth)=`,
				// Sensitive file extensions in the path.
				`(?i)\.(pem|key|p12|pfx|ppk|env|kdbx)([?&/#]|$)`,
			},
		},
		Filesystem: FilesystemPolicy{
			BlockedPaths: []string{
				"/etc/passwd",
				"/etc/shadow",
				"/etc/sudoers",
				"/etc/ssl/private",
				"/proc/self/environ",
				"/var/run/secrets",
				"~/.ssh",
				"~/.aws",
				"~/.gnupg",
				"~/.netrc",
				"~/.docker/config.json",
				"~/.config/gcloud",
			},
			SandboxRoot: "",
		},
		Process: ProcessPolicy{
			AllowShellExec: false,
			AllowedCommands: []string{
				"node", "npm", "npx", "yarn",
				"python", "python3", "pip", "pip3",
				"go", "gofmt", "git", "make",
				"cargo", "rustc",
				"ls", "cat", "grep", "find", "head", "tail", "wc",
				"echo", "which", "env", "pwd",
			},
			BlockedCommands: []string{
				"rm -rf /",
				"rm -rf ~",
				"mkfs",
				"dd if=/dev/zero",
				":(){",
				"> /dev/sda",
				"chmod -R 777 /",
				"curl | sh",
				"wget | sh",
			},
		},
		Cost: CostPolicy{
			MaxTokensPerMinute: 100000,
			SpikeThreshold:     3.0,
			CriticalFactor:     2.0,
			WindowSeconds:      60,
		},
	}
}

// Merge produces a complete policy from a JSON patch: fields present in
// the patch override the defaults, everything else keeps them. A patch is
// never applied field-by-field to a live document.
func Merge(patch []byte) (SecurityPolicy, error) {
	doc := Default()
	if len(patch) > 0 {
		if err := json.Unmarshal(patch, &doc); err != nil {
			return SecurityPolicy{}, fmt.Errorf("failed to parse policy patch: %w", err)
		}
	}
	return doc, nil
}

// LoadFile reads a policy patch from disk and merges it with defaults.
func LoadFile(path string) (SecurityPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SecurityPolicy{}, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	doc, err := Merge(data)
	if err != nil {
		return SecurityPolicy{}, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return doc, nil
}

// MarshalDocument serializes the full merged document, suitable for a
// lossless round-trip through Merge.
func MarshalDocument(p SecurityPolicy) ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy: %w", err)
	}
	return data, nil
}
