package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPairingScheme(t *testing.T) {
	p := DefaultPairing()

	assert.Equal(t, "a1b", p.BackupID("a1"))
	assert.True(t, p.IsBackupID("a1b"))
	assert.False(t, p.IsBackupID("a1"))
	assert.False(t, p.IsBackupID("b"), "the bare suffix is not a backup id")

	primary, ok := p.PrimaryID("a1b")
	assert.True(t, ok)
	assert.Equal(t, "a1", primary)

	_, ok = p.PrimaryID("a1")
	assert.False(t, ok)
}

func TestDefaultTimingFailureDetection(t *testing.T) {
	timing := DefaultTiming()

	// A node must miss several heartbeats before it can be declared failed.
	assert.Greater(t, timing.HeartbeatTimeout, 2*timing.HeartbeatInterval)
	assert.Greater(t, timing.HealthCheckAttempts, 1)
}
