package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dledger/config"
	"dledger/coordinator"
	"dledger/node"
	"dledger/protocol"
)

func fastTiming() config.Timing {
	return config.Timing{
		HeartbeatInterval:   50 * time.Millisecond,
		SyncInterval:        50 * time.Millisecond,
		MonitorInterval:     50 * time.Millisecond,
		HeartbeatTimeout:    2 * time.Second,
		DialTimeout:         time.Second,
		NotifyTimeout:       500 * time.Millisecond,
		HealthCheckAttempts: 2,
		HealthCheckTimeout:  200 * time.Millisecond,
		HealthCheckBackoff:  20 * time.Millisecond,
	}
}

func startNode(t *testing.T, id string, role protocol.Role, coordinatorAddr string) *node.Node {
	t.Helper()
	n, err := node.New(id, role, t.TempDir(), coordinatorAddr, fastTiming())
	require.NoError(t, err)
	require.NoError(t, n.Start("127.0.0.1:0"))
	t.Cleanup(n.Close)
	return n
}

// TestBankEndToEnd runs a coordinator and three replicas in-process and
// walks the whole lifecycle: registration, initialization, a 2PC transfer,
// replication, failover to the backup and recovery of the failed primary.
func TestBankEndToEnd(t *testing.T) {
	timing := fastTiming()
	coord, err := coordinator.New("coordinator", t.TempDir(), timing)
	require.NoError(t, err)
	require.NoError(t, coord.Start("127.0.0.1:0"))
	t.Cleanup(coord.Close)

	startNode(t, "a1", protocol.RolePrimary, coord.Addr())
	startNode(t, "a2", protocol.RolePrimary, coord.Addr())
	a1b := startNode(t, "a1b", protocol.RoleBackup, coord.Addr())

	c := New(coord.Addr(), 2*time.Second)

	// Registration and pairing settle via heartbeats.
	require.Eventually(t, func() bool {
		accounts, err := c.ListAccounts()
		return err == nil && len(accounts) == 3
	}, 5*time.Second, 20*time.Millisecond, "replicas never registered")
	require.Eventually(t, func() bool {
		st, err := c.CheckNodeStatus("a1")
		return err == nil && st.BackupNode == "a1b"
	}, 5*time.Second, 20*time.Millisecond, "a1/a1b never paired")

	require.NoError(t, c.InitAccounts(0))

	res, err := c.GetBalance("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(config.DefaultInitialBalance), res.Balance)

	// A straightforward transfer commits on both sides.
	tr, err := c.Transfer("a1", "a2", 1000)
	require.NoError(t, err)
	assert.NotEmpty(t, tr.TransactionID)
	assert.False(t, tr.UsedBackup)

	res, err = c.GetBalance("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), res.Balance)
	res, err = c.GetBalance("a2")
	require.NoError(t, err)
	assert.Equal(t, int64(11000), res.Balance)

	// Overdrafts abort during prepare.
	_, err = c.Transfer("a1", "a2", 100000)
	require.Error(t, err)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.CodeInsufficientFunds, perr.Code)

	// Replication catches the backup up to the primary's state.
	require.Eventually(t, func() bool {
		return a1b.Balance() == 9000
	}, 5*time.Second, 20*time.Millisecond, "backup never synced")

	// Failing the primary promotes its backup and reroutes traffic.
	fr, err := c.SimulateFailure("a1")
	require.NoError(t, err)
	assert.Equal(t, "a1b", fr.BackupNode)
	assert.True(t, fr.BackupPromoted)
	assert.Equal(t, "failed", fr.FinalNodeStatus)

	require.Eventually(t, func() bool {
		return a1b.Role() == protocol.RolePrimary
	}, 5*time.Second, 20*time.Millisecond, "backup never took the primary role")

	res, err = c.GetBalance("a1")
	require.NoError(t, err)
	assert.True(t, res.UsedBackup)
	assert.Equal(t, "a1b", res.AccountID)
	assert.Equal(t, int64(9000), res.Balance)

	// Transfers keep working through the promoted backup.
	tr, err = c.Transfer("a1", "a2", 500)
	require.NoError(t, err)
	assert.True(t, tr.UsedBackup)
	assert.Equal(t, int64(8500), a1b.Balance())

	// Recovery resyncs the failed node from the takeover and restores the
	// original topology.
	rec, err := c.RecoverNode("a1")
	require.NoError(t, err)
	require.NotNil(t, rec.Node)
	assert.Equal(t, protocol.RolePrimary, rec.Node.Role)
	require.NotNil(t, rec.Backup)
	assert.Equal(t, protocol.RoleBackup, rec.Backup.Role)

	require.Eventually(t, func() bool {
		return a1b.Role() == protocol.RoleBackup
	}, 5*time.Second, 20*time.Millisecond, "takeover never demoted")

	res, err = c.GetBalance("a1")
	require.NoError(t, err)
	assert.False(t, res.UsedBackup)
	assert.Equal(t, "a1", res.AccountID)
	assert.Equal(t, int64(8500), res.Balance)

	st, err := c.CheckNodeStatus("a1")
	require.NoError(t, err)
	assert.True(t, st.IsActive)
	assert.Equal(t, protocol.RolePrimary, st.Role)
	assert.Equal(t, "a1b", st.BackupNode)
}

// TestConcurrentTransfersConserveTotal fires transfers around a ring of
// three accounts in parallel. Every account sends and receives the same
// total, so each balance must come back to its initial value and the sum
// across accounts must be conserved.
func TestConcurrentTransfersConserveTotal(t *testing.T) {
	coord, err := coordinator.New("coordinator", t.TempDir(), fastTiming())
	require.NoError(t, err)
	require.NoError(t, coord.Start("127.0.0.1:0"))
	t.Cleanup(coord.Close)

	accounts := []string{"a1", "a2", "a3"}
	for _, id := range accounts {
		startNode(t, id, protocol.RolePrimary, coord.Addr())
	}

	c := New(coord.Addr(), 10*time.Second)
	require.Eventually(t, func() bool {
		listed, err := c.ListAccounts()
		return err == nil && len(listed) == len(accounts)
	}, 5*time.Second, 20*time.Millisecond, "replicas never registered")

	require.NoError(t, c.InitAccounts(0))

	ring := [][2]string{{"a1", "a2"}, {"a2", "a3"}, {"a3", "a1"}}
	const rounds = 20
	errs := make(chan error, rounds*len(ring))
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		for _, hop := range ring {
			wg.Add(1)
			go func(from, to string) {
				defer wg.Done()
				if _, err := c.Transfer(from, to, 10); err != nil {
					errs <- err
				}
			}(hop[0], hop[1])
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("transfer failed: %v", err)
	}

	var total int64
	for _, id := range accounts {
		res, err := c.GetBalance(id)
		require.NoError(t, err)
		assert.Equal(t, int64(config.DefaultInitialBalance), res.Balance, "account %s", id)
		total += res.Balance
	}
	assert.Equal(t, int64(len(accounts)*config.DefaultInitialBalance), total)
}

// TestHeartbeatTimeoutFailover exercises the monitor path: a replica that
// stops heartbeating is detected and its backup promoted without any client
// intervention.
func TestHeartbeatTimeoutFailover(t *testing.T) {
	timing := fastTiming()
	timing.HeartbeatTimeout = 400 * time.Millisecond

	coord, err := coordinator.New("coordinator", t.TempDir(), timing)
	require.NoError(t, err)
	require.NoError(t, coord.Start("127.0.0.1:0"))
	t.Cleanup(coord.Close)

	a1, err := node.New("a1", protocol.RolePrimary, t.TempDir(), coord.Addr(), timing)
	require.NoError(t, err)
	require.NoError(t, a1.Start("127.0.0.1:0"))
	a1b := startNode(t, "a1b", protocol.RoleBackup, coord.Addr())

	c := New(coord.Addr(), 2*time.Second)
	require.Eventually(t, func() bool {
		st, err := c.CheckNodeStatus("a1")
		return err == nil && st.BackupNode == "a1b"
	}, 5*time.Second, 20*time.Millisecond, "a1/a1b never paired")

	// Kill the primary outright; its heartbeats stop.
	a1.Close()

	require.Eventually(t, func() bool {
		st, err := c.CheckNodeStatus("a1")
		return err == nil && !st.IsActive
	}, 5*time.Second, 20*time.Millisecond, "failure never detected")
	require.Eventually(t, func() bool {
		return a1b.Role() == protocol.RolePrimary
	}, 5*time.Second, 20*time.Millisecond, "backup never promoted")
}
