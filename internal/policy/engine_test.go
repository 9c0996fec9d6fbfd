package policy

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/warden/api/schemas"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T, mutate func(*SecurityPolicy)) *Engine {
	t.Helper()
	doc := Default()
	if mutate != nil {
		mutate(&doc)
	}
	return NewEngine(doc, zaptest.NewLogger(t))
}

func TestEvaluateNetworkRequest_ExternalBlockedByDefault(t *testing.T) {
	e := newTestEngine(t, nil)

	det := e.EvaluateNetworkRequest("https://example.com/data", "GET", "example.com")
	require.NotNil(t, det)
	assert.Equal(t, schemas.ThreatHigh, det.ThreatLevel)
	assert.Equal(t, SigExternalBlocked, det.ThreatSignature)
	assert.True(t, det.Blocked)
}

func TestEvaluateNetworkRequest_LoopbackAllowed(t *testing.T) {
	e := newTestEngine(t, nil)

	assert.Nil(t, e.EvaluateNetworkRequest("http://localhost:3000/api", "GET", "localhost"))
	assert.Nil(t, e.EvaluateNetworkRequest("http://127.0.0.1:8080/", "POST", "127.0.0.1"))
}

func TestEvaluateNetworkRequest_ExfiltrationOutranksExternalBlock(t *testing.T) {
	e := newTestEngine(t, nil)

	blob := strings.Repeat("QUJDRA", 20) // 120 base64-ish chars
	det := e.EvaluateNetworkRequest("https://drop.example.com/up?d="+blob, "POST", "drop.example.com")
	require.NotNil(t, det)
	assert.Equal(t, schemas.ThreatCritical, det.ThreatLevel)
	assert.Equal(t, SigDataExfiltration, det.ThreatSignature, "critical exfiltration verdict must not be masked by the external block")
	assert.True(t, det.Blocked)
}

func TestEvaluateNetworkRequest_ExfiltrationVariants(t *testing.T) {
	e := newTestEngine(t, func(p *SecurityPolicy) {
		p.Network.BlockExternalByDefault = false
	})

	tests := []struct {
		name string
		url  string
	}{
		{"credential query param", "https://api.example.com/v1?api_key=deadbeef"},
		{"long hex blob", "https://x.example.com/" + strings.Repeat("ab", 48)},
		{"sensitive extension", "https://x.example.com/backup/id_rsa.pem"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			det := e.EvaluateNetworkRequest(tc.url, "GET", "x.example.com")
			require.NotNil(t, det, "url %q must match an exfiltration pattern", tc.url)
			assert.Equal(t, SigDataExfiltration, det.ThreatSignature)
			assert.Equal(t, schemas.ThreatCritical, det.ThreatLevel)
		})
	}
}

func TestEvaluateNetworkRequest_WildcardBlockedDomain(t *testing.T) {
	e := newTestEngine(t, func(p *SecurityPolicy) {
		p.Network.BlockExternalByDefault = false
		p.Network.BlockedDomains = []string{"*.evil.org"}
	})

	for _, hostname := range []string{"sub.evil.org", "evil.org", "deep.sub.evil.org"} {
		det := e.EvaluateNetworkRequest("https://"+hostname+"/", "GET", hostname)
		require.NotNil(t, det, "hostname %q must be blocked", hostname)
		assert.Equal(t, SigBlockedDomain, det.ThreatSignature)
		assert.Equal(t, schemas.ThreatHigh, det.ThreatLevel)
		assert.True(t, det.Blocked)
	}

	assert.Nil(t, e.EvaluateNetworkRequest("https://notevil.org/", "GET", "notevil.org"),
		"wildcard must not match a hostname that merely ends with the text")
}

func TestEvaluateNetworkRequest_BlockedDomainOutranksExfiltration(t *testing.T) {
	e := newTestEngine(t, func(p *SecurityPolicy) {
		p.Network.BlockedDomains = []string{"evil.org"}
	})

	det := e.EvaluateNetworkRequest("https://evil.org/?api_key=x", "GET", "evil.org")
	require.NotNil(t, det)
	assert.Equal(t, SigBlockedDomain, det.ThreatSignature, "only the first matching rule applies")
}

func TestEvaluateFileAccess_SensitivePathIgnoresSandbox(t *testing.T) {
	for _, root := range []string{"", "/workspace", "/etc"} {
		e := newTestEngine(t, func(p *SecurityPolicy) {
			p.Filesystem.SandboxRoot = root
		})
		det := e.EvaluateFileAccess("/etc/passwd", "read", 0)
		require.NotNil(t, det, "sandbox root %q must not matter", root)
		assert.Equal(t, schemas.ThreatCritical, det.ThreatLevel)
		assert.Equal(t, SigSensitivePath, det.ThreatSignature)
		assert.True(t, det.Blocked)
	}
}

func TestEvaluateFileAccess_PathNormalization(t *testing.T) {
	e := newTestEngine(t, nil)

	// Trailing slash and prefix both resolve onto the blocklist.
	det := e.EvaluateFileAccess("/etc/shadow/", "read", 0)
	require.NotNil(t, det)
	assert.Equal(t, SigSensitivePath, det.ThreatSignature)

	det = e.EvaluateFileAccess("~/.ssh/id_ed25519", "read", 0)
	require.NotNil(t, det, "~ must expand before the prefix check")
	assert.Equal(t, SigSensitivePath, det.ThreatSignature)
}

func TestEvaluateFileAccess_SandboxConfinement(t *testing.T) {
	e := newTestEngine(t, func(p *SecurityPolicy) {
		p.Filesystem.SandboxRoot = "/workspace"
	})

	det := e.EvaluateFileAccess("/tmp/out.txt", "write", 128)
	require.NotNil(t, det)
	assert.Equal(t, schemas.ThreatHigh, det.ThreatLevel)
	assert.Equal(t, SigWriteOutsideSandbox, det.ThreatSignature)
	assert.True(t, det.Blocked)

	assert.Nil(t, e.EvaluateFileAccess("/workspace/out.txt", "write", 128))
	assert.Nil(t, e.EvaluateFileAccess("/tmp/in.txt", "read", 128),
		"reads are not confined to the sandbox")
}

func TestEvaluateFileAccess_NoSandboxMeansNoConfinement(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.Nil(t, e.EvaluateFileAccess("/tmp/out.txt", "write", 0))
}

func TestEvaluateProcessSpawn_ShellRefused(t *testing.T) {
	e := newTestEngine(t, nil)

	det := e.EvaluateProcessSpawn("/bin/bash", []string{"-c", "ls"})
	require.NotNil(t, det)
	assert.Equal(t, schemas.ThreatHigh, det.ThreatLevel)
	assert.Equal(t, SigShellExec, det.ThreatSignature)
	assert.True(t, det.Blocked)
}

func TestEvaluateProcessSpawn_ShellAllowedWhenEnabled(t *testing.T) {
	e := newTestEngine(t, func(p *SecurityPolicy) {
		p.Process.AllowShellExec = true
	})
	assert.Nil(t, e.EvaluateProcessSpawn("bash", []string{"-c", "ls"}))
}

func TestEvaluateProcessSpawn_BlockedCommand(t *testing.T) {
	e := newTestEngine(t, func(p *SecurityPolicy) {
		p.Process.AllowShellExec = true
	})

	det := e.EvaluateProcessSpawn("rm", []string{"-rf", "/"})
	require.NotNil(t, det)
	assert.Equal(t, schemas.ThreatCritical, det.ThreatLevel)
	assert.Equal(t, SigBlockedCommand, det.ThreatSignature)
	assert.True(t, det.Blocked)
}

func TestEvaluateProcessSpawn_UnlistedIsFlagOnly(t *testing.T) {
	e := newTestEngine(t, nil)

	det := e.EvaluateProcessSpawn("nmap", []string{"-sS", "10.0.0.0/24"})
	require.NotNil(t, det)
	assert.Equal(t, schemas.ThreatMedium, det.ThreatLevel)
	assert.Equal(t, SigUnlistedCommand, det.ThreatSignature)
	assert.False(t, det.Blocked, "unlisted commands are flagged, never blocked")
}

func TestEvaluateProcessSpawn_AllowListMatchesBasename(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.Nil(t, e.EvaluateProcessSpawn("git", []string{"status"}))
	assert.Nil(t, e.EvaluateProcessSpawn("/usr/bin/git", []string{"status"}))
}

func TestEvaluateCostAnomaly_SpikeSeverityBoundary(t *testing.T) {
	e := newTestEngine(t, nil) // threshold 3.0, critical factor 2.0
	window := time.Minute

	// 10x the trailing average: 10 >= 2*3, so critical and blocked.
	det := e.EvaluateCostAnomaly(10000, 1000, 10, window)
	require.NotNil(t, det)
	assert.Equal(t, schemas.ThreatCritical, det.ThreatLevel)
	assert.Equal(t, SigCostSpike, det.ThreatSignature)
	assert.True(t, det.Blocked)

	// Exactly at the threshold: high, flag-only.
	det = e.EvaluateCostAnomaly(3000, 1000, 3, window)
	require.NotNil(t, det)
	assert.Equal(t, schemas.ThreatHigh, det.ThreatLevel)
	assert.Equal(t, SigCostSpike, det.ThreatSignature)
	assert.False(t, det.Blocked)

	// Just below the critical boundary stays high.
	det = e.EvaluateCostAnomaly(5900, 1000, 5.9, window)
	require.NotNil(t, det)
	assert.Equal(t, schemas.ThreatHigh, det.ThreatLevel)

	assert.Nil(t, e.EvaluateCostAnomaly(2000, 1000, 2, window))
}

func TestEvaluateCostAnomaly_RateCeiling(t *testing.T) {
	e := newTestEngine(t, nil)

	det := e.EvaluateCostAnomaly(150000, 140000, 1.07, time.Minute)
	require.NotNil(t, det)
	assert.Equal(t, schemas.ThreatHigh, det.ThreatLevel)
	assert.Equal(t, SigCostRate, det.ThreatSignature)
	assert.False(t, det.Blocked)
}

func TestEngine_InvalidExfiltrationPatternSkipped(t *testing.T) {
	e := newTestEngine(t, func(p *SecurityPolicy) {
		p.Network.BlockExternalByDefault = false
		p.Network.ExfiltrationPatterns = []string{"([unclosed", `(?i)[?&]token=`}
	})

	det := e.EvaluateNetworkRequest("https://x.example.com/?token=abc", "GET", "x.example.com")
	require.NotNil(t, det, "valid patterns must keep working after an invalid one is skipped")
	assert.Equal(t, SigDataExfiltration, det.ThreatSignature)
}

func TestEngine_UpdateRemergesAgainstDefaults(t *testing.T) {
	e := newTestEngine(t, nil)

	patch := []byte(`{"network": {"blocked_domains": ["*.evil.org"]}, "cost": {"spike_threshold": 5}}`)
	require.NoError(t, e.Update(patch))

	doc := e.Document()
	assert.Equal(t, []string{"*.evil.org"}, doc.Network.BlockedDomains)
	assert.Equal(t, 5.0, doc.Cost.SpikeThreshold)
	// Untouched sub-fields keep their defaults rather than zeroing out.
	assert.Equal(t, 2.0, doc.Cost.CriticalFactor)
	assert.True(t, doc.Network.BlockExternalByDefault)
	assert.NotEmpty(t, doc.Filesystem.BlockedPaths)
}

func TestEngine_UpdateRejectsBadPatchAndKeepsDocument(t *testing.T) {
	e := newTestEngine(t, nil)
	before := e.Document()

	require.Error(t, e.Update([]byte(`{"network": `)))
	assert.Equal(t, before, e.Document())
}
