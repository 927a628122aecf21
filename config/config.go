// Package config holds the shared tunables for the ledger demo: well-known
// ports, background loop intervals, failure detection thresholds and the
// primary/backup naming scheme.
package config

import (
	"strings"
	"time"
)

// Constants for configuration
const (
	DefaultCoordinatorPort = 5010
	DefaultInitialBalance  = 10000

	// BackupSuffix is the deterministic id suffix that pairs a backup
	// replica with its primary (a1 <-> a1b).
	BackupSuffix = "b"
)

// Timing gathers every interval and timeout used by the background loops and
// one-shot network calls. Tests shrink these to keep runs fast.
type Timing struct {
	HeartbeatInterval time.Duration // replica -> coordinator heartbeat period
	SyncInterval      time.Duration // primary -> backup state push period
	MonitorInterval   time.Duration // coordinator liveness scan period
	HeartbeatTimeout  time.Duration // heartbeat age after which a replica is failed
	DialTimeout       time.Duration // request/response call budget
	NotifyTimeout     time.Duration // best-effort role notifications (promotion, demotion)

	// Backup health checks against the primary.
	HealthCheckAttempts int
	HealthCheckTimeout  time.Duration // per-attempt connect budget
	HealthCheckBackoff  time.Duration // base delay, grows linearly per attempt
}

// DefaultTiming returns the production values.
func DefaultTiming() Timing {
	return Timing{
		HeartbeatInterval:   5 * time.Second,
		SyncInterval:        5 * time.Second,
		MonitorInterval:     5 * time.Second,
		HeartbeatTimeout:    15 * time.Second,
		DialTimeout:         3 * time.Second,
		NotifyTimeout:       2 * time.Second,
		HealthCheckAttempts: 5,
		HealthCheckTimeout:  8 * time.Second,
		HealthCheckBackoff:  time.Second,
	}
}

// PairingScheme derives backup ids from primary ids and back. The suffix is
// configuration, not hardcoded slicing at call sites.
type PairingScheme struct {
	Suffix string
}

// DefaultPairing uses the "b" suffix convention.
func DefaultPairing() PairingScheme {
	return PairingScheme{Suffix: BackupSuffix}
}

// BackupID returns the backup id paired with primaryID.
func (p PairingScheme) BackupID(primaryID string) string {
	return primaryID + p.Suffix
}

// PrimaryID returns the primary id a backup id maps to, and whether the id
// actually follows the backup naming convention.
func (p PairingScheme) PrimaryID(backupID string) (string, bool) {
	if !p.IsBackupID(backupID) {
		return "", false
	}
	return strings.TrimSuffix(backupID, p.Suffix), true
}

// IsBackupID reports whether id is named as a backup.
func (p PairingScheme) IsBackupID(id string) bool {
	return len(id) > len(p.Suffix) && strings.HasSuffix(id, p.Suffix)
}
