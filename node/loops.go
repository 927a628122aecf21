package node

import (
	"net"
	"strconv"
	"time"

	"dledger/protocol"
)

// heartbeatLoop announces the replica to the coordinator on a fixed interval
// and applies any pairing assignment the coordinator returns.
func (n *Node) heartbeatLoop() {
	ticker := time.NewTicker(n.timing.HeartbeatInterval)
	defer ticker.Stop()

	for {
		n.sendHeartbeat()
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) sendHeartbeat() {
	n.mu.Lock()
	req := protocol.Request{
		Command:  protocol.CmdHeartbeat,
		NodeID:   n.ID,
		NodeType: protocol.NodeTypeAccount,
		Port:     n.port,
		Role:     n.role,
	}
	if n.backup != nil {
		req.BackupNode = n.backup.NodeID
	}
	if n.primary != nil {
		req.PrimaryNode = n.primary.NodeID
	}
	n.mu.Unlock()

	resp, err := protocol.Do(n.coordinatorAddr, req, n.timing.DialTimeout)
	if err != nil {
		n.logger.Printf("heartbeat failed: %v", err)
		return
	}
	n.applyPairing(resp)
}

// applyPairing records the counterpart the coordinator matched us with.
func (n *Node) applyPairing(resp protocol.Response) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.BackupAssigned && resp.BackupInfo != nil && n.role == protocol.RolePrimary {
		n.backup = resp.BackupInfo
		n.logger.Printf("paired with backup %s at %s:%d", n.backup.NodeID, n.backup.Host, n.backup.Port)
	}
	if resp.PrimaryAssigned && resp.PrimaryInfo != nil && n.role == protocol.RoleBackup {
		n.primary = resp.PrimaryInfo
		n.logger.Printf("paired with primary %s at %s:%d", n.primary.NodeID, n.primary.Host, n.primary.Port)
	}
}

// syncLoop drives the replication protocol: a paired primary pushes its full
// state to the backup, a paired backup health-checks its primary.
func (n *Node) syncLoop() {
	ticker := time.NewTicker(n.timing.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
		}

		n.mu.Lock()
		role := n.role
		backup := n.backup
		primary := n.primary
		balance := n.balance
		history := make([]protocol.HistoryEntry, len(n.history))
		copy(history, n.history)
		n.mu.Unlock()

		switch {
		case role == protocol.RolePrimary && backup != nil:
			n.pushSync(*backup, balance, history)
		case role == protocol.RoleBackup && primary != nil:
			n.checkPrimaryHealth(*primary)
		}
	}
}

// pushSync sends the full state to the paired backup, best-effort.
func (n *Node) pushSync(peer protocol.PeerInfo, balance int64, history []protocol.HistoryEntry) {
	addr := peerAddr(peer)
	resp, err := protocol.Do(addr, protocol.Request{
		Command: protocol.CmdSyncData,
		Balance: balance,
		History: history,
	}, n.timing.DialTimeout)
	if err != nil {
		n.logger.Printf("sync to backup %s failed: %v", peer.NodeID, err)
		return
	}
	if !resp.IsSuccess() {
		n.logger.Printf("sync to backup %s rejected: %s", peer.NodeID, resp.Message)
	}
}

// checkPrimaryHealth probes the paired primary with bounded retries and an
// increasing backoff. Only a total failure is reported to the coordinator.
func (n *Node) checkPrimaryHealth(peer protocol.PeerInfo) {
	addr := peerAddr(peer)
	for attempt := 1; attempt <= n.timing.HealthCheckAttempts; attempt++ {
		resp, err := protocol.Do(addr, protocol.Request{Command: protocol.CmdHeartbeat}, n.timing.HealthCheckTimeout)
		if err == nil && resp.IsSuccess() {
			return
		}
		n.logger.Printf("health check %d/%d on primary %s failed", attempt, n.timing.HealthCheckAttempts, peer.NodeID)

		if attempt < n.timing.HealthCheckAttempts {
			select {
			case <-n.shutdown:
				return
			case <-time.After(time.Duration(attempt) * n.timing.HealthCheckBackoff):
			}
		}
	}
	n.reportPrimaryFailure(peer)
}

// reportPrimaryFailure tells the coordinator the paired primary is down. The
// coordinator may defer the report while it still sees fresh heartbeats; the
// next sync tick retries.
func (n *Node) reportPrimaryFailure(peer protocol.PeerInfo) {
	resp, err := protocol.Do(n.coordinatorAddr, protocol.Request{
		Command:      protocol.CmdReportNodeFailure,
		Reporter:     n.ID,
		FailedNode:   peer.NodeID,
		ReporterRole: protocol.RoleBackup,
	}, n.timing.DialTimeout)
	if err != nil {
		n.logger.Printf("failure report for %s not delivered: %v", peer.NodeID, err)
		return
	}
	switch {
	case resp.Deferred:
		n.logger.Printf("failure report for %s deferred, coordinator still sees heartbeats", peer.NodeID)
	case resp.IsSuccess():
		n.logger.Printf("failure report for %s accepted", peer.NodeID)
	default:
		n.logger.Printf("failure report for %s rejected: %s", peer.NodeID, resp.Message)
	}
}

func peerAddr(peer protocol.PeerInfo) string {
	host := peer.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(peer.Port))
}
