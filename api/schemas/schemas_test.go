package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThreatLevelOrdering(t *testing.T) {
	ordered := []ThreatLevel{ThreatNone, ThreatLow, ThreatMedium, ThreatHigh, ThreatCritical}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, ordered[i].Ordinal(), ordered[i-1].Ordinal(),
			"%s must rank above %s", ordered[i], ordered[i-1])
		assert.True(t, ordered[i].AtLeast(ordered[i-1]))
		assert.False(t, ordered[i-1].AtLeast(ordered[i]))
	}
}

func TestThreatLevelUnknownValue(t *testing.T) {
	bogus := ThreatLevel("severe")
	assert.False(t, bogus.IsValid())
	// An unknown level must never escalate anything, not even "none".
	assert.Equal(t, -1, bogus.Ordinal())
	assert.Equal(t, ThreatNone, MaxThreatLevel(ThreatNone, bogus))
}

func TestMaxThreatLevel(t *testing.T) {
	assert.Equal(t, ThreatCritical, MaxThreatLevel(ThreatHigh, ThreatCritical))
	assert.Equal(t, ThreatCritical, MaxThreatLevel(ThreatCritical, ThreatHigh))
	assert.Equal(t, ThreatMedium, MaxThreatLevel(ThreatMedium, ThreatMedium))
}

func TestTrustLevelScale(t *testing.T) {
	assert.Equal(t, 0, TrustUntrusted.Ordinal())
	assert.Equal(t, 4, TrustCertified.Ordinal())

	// One rung at a time, clamped at the bottom.
	assert.Equal(t, TrustVerified, TrustCertified.StepDown())
	assert.Equal(t, TrustCommunity, TrustVerified.StepDown())
	assert.Equal(t, TrustUnknown, TrustCommunity.StepDown())
	assert.Equal(t, TrustUntrusted, TrustUnknown.StepDown())
	assert.Equal(t, TrustUntrusted, TrustUntrusted.StepDown())

	// Garbage in, floor out.
	assert.Equal(t, TrustUntrusted, TrustLevel("legendary").StepDown())
	assert.False(t, TrustLevel("legendary").IsValid())
}
