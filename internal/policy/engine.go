package policy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/xkilldash9x/warden/api/schemas"
	"go.uber.org/zap"
)

// Signature ids attached to policy verdicts.
const (
	SigBlockedDomain       = "NET_BLOCKED_DOMAIN"
	SigExternalBlocked     = "NET_EXTERNAL_BLOCKED"
	SigDataExfiltration    = "NET_DATA_EXFILTRATION"
	SigSensitivePath       = "FS_SENSITIVE_PATH"
	SigWriteOutsideSandbox = "FS_WRITE_OUTSIDE_SANDBOX"
	SigShellExec           = "PROC_SHELL_EXEC"
	SigBlockedCommand      = "PROC_BLOCKED_COMMAND"
	SigUnlistedCommand     = "PROC_UNLISTED_COMMAND"
	SigCostSpike           = "COST_SPIKE_DETECTED"
	SigCostRate            = "COST_RATE_EXCEEDED"
)

// shellBinaries are the interpreters refused while shell exec is disabled.
var shellBinaries = map[string]struct{}{
	"sh": {}, "bash": {}, "zsh": {}, "fish": {}, "dash": {},
	"ksh": {}, "csh": {}, "tcsh": {}, "pwsh": {}, "powershell": {},
}

// Engine evaluates intercepted actions against one merged SecurityPolicy.
// Evaluation is stateless; the only mutation is a wholesale document swap
// via Update, guarded by a read/write mutex.
type Engine struct {
	mu    sync.RWMutex
	doc   SecurityPolicy
	exfil []*regexp.Regexp
	log   *zap.Logger
}

// NewEngine creates an engine over a merged policy document. Exfiltration
// patterns are compiled once here; an invalid pattern is skipped with a
// warning so one bad entry cannot break evaluation for the rest.
func NewEngine(doc SecurityPolicy, logger *zap.Logger) *Engine {
	e := &Engine{log: logger.Named("policy")}
	e.install(doc)
	return e
}

func (e *Engine) install(doc SecurityPolicy) {
	compiled := make([]*regexp.Regexp, 0, len(doc.Network.ExfiltrationPatterns))
	for _, pattern := range doc.Network.ExfiltrationPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			e.log.Warn("Skipping invalid exfiltration pattern",
				zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		compiled = append(compiled, re)
	}

	e.mu.Lock()
	e.doc = doc
	e.exfil = compiled
	e.mu.Unlock()
}

// Document returns the current merged policy document.
func (e *Engine) Document() SecurityPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.doc
}

// Update re-merges a JSON patch against the built-in defaults and swaps
// the complete document in. The previous document is never mutated.
func (e *Engine) Update(patch []byte) error {
	doc, err := Merge(patch)
	if err != nil {
		return fmt.Errorf("policy update rejected: %w", err)
	}
	e.install(doc)
	e.log.Info("Security policy updated", zap.Int("version", doc.Version))
	return nil
}

// domainMatches reports whether a hostname matches a domain pattern,
// either exactly or via a "*.suffix" wildcard. The wildcard also covers
// the bare suffix itself.
func domainMatches(pattern, hostname string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if pattern == "" || hostname == "" {
		return false
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return hostname == suffix || strings.HasSuffix(hostname, "."+suffix)
	}
	return pattern == hostname
}

// EvaluateNetworkRequest classifies one outbound request. Rules apply in
// fixed precedence and only the first match wins: explicit blocked
// domain, then exfiltration-shaped URLs, then the external-by-default
// block. Exfiltration outranks the external block so a critical verdict
// is never masked by a weaker one.
func (e *Engine) EvaluateNetworkRequest(rawURL, method, hostname string) *schemas.ThreatDetection {
	e.mu.RLock()
	net := e.doc.Network
	exfil := e.exfil
	e.mu.RUnlock()

	for _, pattern := range net.BlockedDomains {
		if domainMatches(pattern, hostname) {
			return &schemas.ThreatDetection{
				EventType:       schemas.EventNetworkRequest,
				ThreatLevel:     schemas.ThreatHigh,
				ThreatSignature: SigBlockedDomain,
				Description:     fmt.Sprintf("Hostname %q matches blocked domain pattern %q", hostname, pattern),
				Evidence:        map[string]interface{}{"url": rawURL, "method": method, "hostname": hostname, "pattern": pattern},
				Blocked:         true,
			}
		}
	}

	for _, re := range exfil {
		if match := re.FindString(rawURL); match != "" {
			return &schemas.ThreatDetection{
				EventType:       schemas.EventNetworkRequest,
				ThreatLevel:     schemas.ThreatCritical,
				ThreatSignature: SigDataExfiltration,
				Description:     "URL matches a data-exfiltration pattern",
				Evidence:        map[string]interface{}{"url": rawURL, "method": method, "hostname": hostname, "matched": truncate(match, 120)},
				Blocked:         true,
			}
		}
	}

	if net.BlockExternalByDefault {
		allowed := false
		for _, pattern := range net.AllowedDomains {
			if domainMatches(pattern, hostname) {
				allowed = true
				break
			}
		}
		if !allowed {
			return &schemas.ThreatDetection{
				EventType:       schemas.EventNetworkRequest,
				ThreatLevel:     schemas.ThreatHigh,
				ThreatSignature: SigExternalBlocked,
				Description:     fmt.Sprintf("External hostname %q is not on the allow-list", hostname),
				Evidence:        map[string]interface{}{"url": rawURL, "method": method, "hostname": hostname},
				Blocked:         true,
			}
		}
	}

	return nil
}

// normalizePath expands "~", cleans the path, and strips trailing slashes.
func normalizePath(path string) string {
	expanded, err := homedir.Expand(path)
	if err != nil {
		expanded = path
	}
	cleaned := filepath.Clean(expanded)
	if cleaned != "/" {
		cleaned = strings.TrimRight(cleaned, "/")
	}
	return cleaned
}

// isWriteOperation reports whether the file operation mutates the target.
func isWriteOperation(op string) bool {
	switch strings.ToLower(op) {
	case "write", "create", "append", "truncate":
		return true
	default:
		return false
	}
}

// EvaluateFileAccess classifies one file operation. Sensitive-path
// prefixes are refused outright regardless of sandbox configuration;
// writes are additionally confined to the sandbox root when one is set.
func (e *Engine) EvaluateFileAccess(path, operation string, size int64) *schemas.ThreatDetection {
	e.mu.RLock()
	fs := e.doc.Filesystem
	e.mu.RUnlock()

	normalized := normalizePath(path)

	for _, blocked := range fs.BlockedPaths {
		prefix := normalizePath(blocked)
		if strings.HasPrefix(normalized, prefix) {
			return &schemas.ThreatDetection{
				EventType:       schemas.EventFileAccess,
				ThreatLevel:     schemas.ThreatCritical,
				ThreatSignature: SigSensitivePath,
				Description:     fmt.Sprintf("Access to sensitive path %q (%s)", normalized, operation),
				Evidence:        map[string]interface{}{"path": normalized, "operation": operation, "blocked_prefix": prefix, "size": size},
				Blocked:         true,
			}
		}
	}

	if fs.SandboxRoot != "" && isWriteOperation(operation) {
		root := normalizePath(fs.SandboxRoot)
		if normalized != root && !strings.HasPrefix(normalized, root+string(filepath.Separator)) {
			return &schemas.ThreatDetection{
				EventType:       schemas.EventFileAccess,
				ThreatLevel:     schemas.ThreatHigh,
				ThreatSignature: SigWriteOutsideSandbox,
				Description:     fmt.Sprintf("Write to %q outside sandbox root %q", normalized, root),
				Evidence:        map[string]interface{}{"path": normalized, "operation": operation, "sandbox_root": root, "size": size},
				Blocked:         true,
			}
		}
	}

	return nil
}

// EvaluateProcessSpawn classifies one process spawn. Shell interpreters
// are refused while shell exec is disabled, blocked-command substrings
// are always critical, and commands missing from the allow-list are
// flagged (medium) without being blocked.
func (e *Engine) EvaluateProcessSpawn(command string, args []string) *schemas.ThreatDetection {
	e.mu.RLock()
	proc := e.doc.Process
	e.mu.RUnlock()

	base := filepath.Base(strings.TrimSpace(command))

	if !proc.AllowShellExec {
		if _, isShell := shellBinaries[strings.ToLower(base)]; isShell {
			return &schemas.ThreatDetection{
				EventType:       schemas.EventProcessSpawn,
				ThreatLevel:     schemas.ThreatHigh,
				ThreatSignature: SigShellExec,
				Description:     fmt.Sprintf("Shell execution is disabled; refused %q", command),
				Evidence:        map[string]interface{}{"command": command, "args": strings.Join(args, " ")},
				Blocked:         true,
			}
		}
	}

	joined := strings.ToLower(strings.TrimSpace(command + " " + strings.Join(args, " ")))
	for _, blocked := range proc.BlockedCommands {
		needle := strings.ToLower(blocked)
		if strings.Contains(strings.ToLower(command), needle) || strings.Contains(joined, needle) {
			return &schemas.ThreatDetection{
				EventType:       schemas.EventProcessSpawn,
				ThreatLevel:     schemas.ThreatCritical,
				ThreatSignature: SigBlockedCommand,
				Description:     fmt.Sprintf("Command line contains blocked pattern %q", blocked),
				Evidence:        map[string]interface{}{"command": command, "args": strings.Join(args, " "), "pattern": blocked},
				Blocked:         true,
			}
		}
	}

	if !proc.AllowShellExec {
		listed := false
		for _, allowed := range proc.AllowedCommands {
			if command == allowed || base == allowed || base == filepath.Base(allowed) {
				listed = true
				break
			}
		}
		if !listed {
			// Flag-only: unlisted commands are recorded but not stopped.
			return &schemas.ThreatDetection{
				EventType:       schemas.EventProcessSpawn,
				ThreatLevel:     schemas.ThreatMedium,
				ThreatSignature: SigUnlistedCommand,
				Description:     fmt.Sprintf("Command %q is not on the allow-list", command),
				Evidence:        map[string]interface{}{"command": command, "args": strings.Join(args, " ")},
				Blocked:         false,
			}
		}
	}

	return nil
}

// EvaluateCostAnomaly classifies one token-spend sample against the cost
// sub-policy. A spike at or above CriticalFactor times the threshold is
// critical and blocked; a spike at the threshold is high and flag-only.
func (e *Engine) EvaluateCostAnomaly(current, average, spikeMultiplier float64, window time.Duration) *schemas.ThreatDetection {
	e.mu.RLock()
	cost := e.doc.Cost
	e.mu.RUnlock()

	if cost.SpikeThreshold > 0 && spikeMultiplier >= cost.SpikeThreshold {
		level := schemas.ThreatHigh
		if spikeMultiplier >= cost.CriticalFactor*cost.SpikeThreshold {
			level = schemas.ThreatCritical
		}
		return &schemas.ThreatDetection{
			EventType:       schemas.EventCostAnomaly,
			ThreatLevel:     level,
			ThreatSignature: SigCostSpike,
			Description: fmt.Sprintf("Token spend %.0f is %.1fx the trailing average %.1f (threshold %.1fx)",
				current, spikeMultiplier, average, cost.SpikeThreshold),
			Evidence: map[string]interface{}{
				"current": current, "average": average,
				"spike_multiplier": spikeMultiplier, "window": window.String(),
			},
			Blocked: level == schemas.ThreatCritical,
		}
	}

	if cost.MaxTokensPerMinute > 0 && current > cost.MaxTokensPerMinute {
		return &schemas.ThreatDetection{
			EventType:       schemas.EventCostAnomaly,
			ThreatLevel:     schemas.ThreatHigh,
			ThreatSignature: SigCostRate,
			Description: fmt.Sprintf("Token spend %.0f exceeds the %.0f/minute ceiling",
				current, cost.MaxTokensPerMinute),
			Evidence: map[string]interface{}{
				"current": current, "max_tokens_per_minute": cost.MaxTokensPerMinute,
			},
			Blocked: false,
		}
	}

	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
