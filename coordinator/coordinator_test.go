package coordinator

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dledger/config"
	"dledger/protocol"
)

func testTiming() config.Timing {
	return config.Timing{
		HeartbeatInterval:   50 * time.Millisecond,
		SyncInterval:        50 * time.Millisecond,
		MonitorInterval:     time.Hour, // liveness scans run explicitly in tests
		HeartbeatTimeout:    time.Second,
		DialTimeout:         500 * time.Millisecond,
		NotifyTimeout:       300 * time.Millisecond,
		HealthCheckAttempts: 2,
		HealthCheckTimeout:  200 * time.Millisecond,
		HealthCheckBackoff:  10 * time.Millisecond,
	}
}

// newTestCoordinator builds a coordinator without starting its listener or
// monitor; handlers are exercised through dispatch directly.
func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New("coordinator", t.TempDir(), testTiming())
	require.NoError(t, err)
	t.Cleanup(func() { c.store.Close() })
	return c
}

// fakeReplica is a scripted account node: it answers every request through
// the handler and records what it was asked.
type fakeReplica struct {
	listener net.Listener
	handler  func(protocol.Request) protocol.Response

	mu       sync.Mutex
	requests []protocol.Request
}

func newFakeReplica(t *testing.T, handler func(protocol.Request) protocol.Response) *fakeReplica {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeReplica{listener: listener, handler: handler}
	if f.handler == nil {
		f.handler = func(protocol.Request) protocol.Response { return protocol.OK("ok") }
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				req, err := protocol.ReadRequest(conn)
				if err != nil {
					return
				}
				f.mu.Lock()
				f.requests = append(f.requests, req)
				f.mu.Unlock()
				protocol.WriteResponse(conn, f.handler(req))
			}(conn)
		}
	}()
	return f
}

func (f *fakeReplica) port() int {
	return f.listener.Addr().(*net.TCPAddr).Port
}

// commands returns the request commands received so far, in order.
func (f *fakeReplica) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, req := range f.requests {
		out[i] = req.Command
	}
	return out
}

func (f *fakeReplica) received() []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// register announces a node to the coordinator the way a heartbeat would.
func register(c *Coordinator, id string, role protocol.Role, port int) protocol.Response {
	return c.dispatch(protocol.Request{
		Command:  protocol.CmdHeartbeat,
		NodeID:   id,
		NodeType: protocol.NodeTypeAccount,
		Port:     port,
		Role:     role,
	}, "127.0.0.1")
}

func TestHeartbeatRegistersAndPairs(t *testing.T) {
	c := newTestCoordinator(t)

	resp := register(c, "a1", protocol.RolePrimary, 6001)
	require.True(t, resp.IsSuccess())
	assert.False(t, resp.BackupAssigned, "no backup registered yet")

	resp = register(c, "a1b", protocol.RoleBackup, 6002)
	require.True(t, resp.IsSuccess())
	assert.True(t, resp.PrimaryAssigned)
	require.NotNil(t, resp.PrimaryInfo)
	assert.Equal(t, "a1", resp.PrimaryInfo.NodeID)
	assert.Equal(t, 6001, resp.PrimaryInfo.Port)

	// The primary learns about the pairing on its next heartbeat.
	resp = register(c, "a1", protocol.RolePrimary, 6001)
	require.True(t, resp.IsSuccess())
	assert.True(t, resp.BackupAssigned)
	require.NotNil(t, resp.BackupInfo)
	assert.Equal(t, "a1b", resp.BackupInfo.NodeID)
	assert.Equal(t, "127.0.0.1", resp.BackupInfo.Host)
}

func TestHeartbeatRejectsUnknownNodeType(t *testing.T) {
	c := newTestCoordinator(t)

	resp := c.dispatch(protocol.Request{
		Command:  protocol.CmdHeartbeat,
		NodeID:   "x1",
		NodeType: "gateway",
	}, "127.0.0.1")
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, protocol.CodeInvalidRequest, resp.Code)
}

func TestHeartbeatFrozenOnceFailed(t *testing.T) {
	c := newTestCoordinator(t)
	register(c, "a1", protocol.RolePrimary, 6001)

	resp := c.handleSimulateFailure(protocol.Request{NodeID: "a1"})
	require.True(t, resp.IsSuccess())

	before := c.nodes["a1"].LastHeartbeat
	time.Sleep(5 * time.Millisecond)

	// The failed node keeps heartbeating; only the timestamp moves.
	resp = register(c, "a1", protocol.RoleBackup, 7777)
	require.True(t, resp.IsSuccess())
	assert.False(t, resp.BackupAssigned)

	c.mu.Lock()
	entry := c.nodes["a1"]
	c.mu.Unlock()
	assert.Equal(t, NodeFailed, entry.Status)
	assert.Equal(t, protocol.RolePrimary, entry.Role, "role is frozen while failed")
	assert.Equal(t, 6001, entry.Port, "port is frozen while failed")
	assert.True(t, entry.LastHeartbeat.After(before))
}

func TestListAccountsSorted(t *testing.T) {
	c := newTestCoordinator(t)
	register(c, "a2", protocol.RolePrimary, 6002)
	register(c, "a1", protocol.RolePrimary, 6001)
	register(c, "a1b", protocol.RoleBackup, 6003)

	resp := c.handleListAccounts()
	require.True(t, resp.IsSuccess())
	assert.Equal(t, []string{"a1", "a1b", "a2"}, resp.Accounts)
}

func TestGetBalanceUnknownAccount(t *testing.T) {
	c := newTestCoordinator(t)

	resp := c.handleGetBalance(protocol.Request{AccountID: "nope"})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, protocol.CodeNotFound, resp.Code)
}

func TestGetBalanceFromPrimary(t *testing.T) {
	c := newTestCoordinator(t)
	replica := newFakeReplica(t, func(req protocol.Request) protocol.Response {
		return protocol.Response{Status: protocol.StatusSuccess, Balance: 10000, NodeID: "a1", Role: protocol.RolePrimary}
	})
	register(c, "a1", protocol.RolePrimary, replica.port())

	resp := c.handleGetBalance(protocol.Request{AccountID: "a1"})
	require.True(t, resp.IsSuccess())
	assert.Equal(t, int64(10000), resp.Balance)
	assert.Equal(t, "a1", resp.AccountID)
	assert.False(t, resp.UsedBackup)
}

func TestGetBalanceRedirectsToBackupAfterFailure(t *testing.T) {
	c := newTestCoordinator(t)
	backup := newFakeReplica(t, func(req protocol.Request) protocol.Response {
		return protocol.Response{Status: protocol.StatusSuccess, Balance: 9000, NodeID: "a1b"}
	})

	register(c, "a1", protocol.RolePrimary, 6001) // nothing listens here
	register(c, "a1b", protocol.RoleBackup, backup.port())
	register(c, "a1", protocol.RolePrimary, 6001) // pick up the pairing

	resp := c.handleSimulateFailure(protocol.Request{NodeID: "a1"})
	require.True(t, resp.IsSuccess())
	assert.Equal(t, "a1b", resp.BackupNode)
	assert.True(t, resp.BackupPromoted)
	assert.Equal(t, string(NodeFailed), resp.FinalNodeStatus)

	balance := c.handleGetBalance(protocol.Request{AccountID: "a1"})
	require.True(t, balance.IsSuccess())
	assert.Equal(t, int64(9000), balance.Balance)
	assert.Equal(t, "a1b", balance.AccountID)
	assert.True(t, balance.UsedBackup)

	// The promoted backup was told about its new role.
	assert.Contains(t, backup.commands(), protocol.CmdBecomePrimary)
}

func TestGetBalanceNoTakeover(t *testing.T) {
	c := newTestCoordinator(t)
	register(c, "a1", protocol.RolePrimary, 6001)

	c.handleSimulateFailure(protocol.Request{NodeID: "a1"})

	resp := c.handleGetBalance(protocol.Request{AccountID: "a1"})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, protocol.CodeUnavailable, resp.Code)
}

func TestInitAccountsTargetsPrimariesOnly(t *testing.T) {
	c := newTestCoordinator(t)
	primary := newFakeReplica(t, nil)
	backup := newFakeReplica(t, nil)

	register(c, "a1", protocol.RolePrimary, primary.port())
	register(c, "a1b", protocol.RoleBackup, backup.port())

	resp := c.handleInitAccounts(protocol.Request{})
	require.True(t, resp.IsSuccess())

	reqs := primary.received()
	require.NotEmpty(t, reqs)
	assert.Equal(t, protocol.CmdInitBalance, reqs[0].Command)
	assert.Equal(t, int64(config.DefaultInitialBalance), reqs[0].Amount)
	assert.Empty(t, backup.received(), "backups are initialized via sync, never directly")
}

func TestCheckNodeStatus(t *testing.T) {
	c := newTestCoordinator(t)
	register(c, "a1", protocol.RolePrimary, 6001)
	register(c, "a1b", protocol.RoleBackup, 6002)

	resp := c.handleCheckNodeStatus(protocol.Request{NodeID: "a1"})
	require.True(t, resp.IsSuccess())
	assert.Equal(t, "a1", resp.NodeID)
	assert.True(t, resp.IsActive)
	assert.Equal(t, protocol.RolePrimary, resp.Role)
	assert.Equal(t, "a1b", resp.BackupNode)
	assert.Equal(t, string(NodeActive), resp.State)
	assert.Equal(t, 6001, resp.Port)
	require.NotNil(t, resp.LastHeartbeat)

	resp = c.handleCheckNodeStatus(protocol.Request{NodeID: "ghost"})
	assert.Equal(t, protocol.CodeNotFound, resp.Code)
}

func TestRegistrySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	c, err := New("coordinator", dir, testTiming())
	require.NoError(t, err)
	register(c, "a1", protocol.RolePrimary, 6001)
	register(c, "a1b", protocol.RoleBackup, 6002)
	c.store.Close()

	restarted, err := New("coordinator", dir, testTiming())
	require.NoError(t, err)
	defer restarted.store.Close()

	restarted.mu.Lock()
	defer restarted.mu.Unlock()
	require.Contains(t, restarted.nodes, "a1")
	require.Contains(t, restarted.nodes, "a1b")
	assert.Equal(t, protocol.RolePrimary, restarted.nodes["a1"].Role)
	assert.Equal(t, "a1b", restarted.pairs["a1"])
	assert.Equal(t, "127.0.0.1", restarted.hosts["a1"])
}
