package coordinator

import (
	"fmt"
	"time"

	"dledger/protocol"
)

// monitorLoop scans the registry for stale heartbeats until shutdown.
func (c *Coordinator) monitorLoop() {
	ticker := time.NewTicker(c.timing.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.scanLiveness()
		case <-c.shutdown:
			return
		}
	}
}

// scanLiveness marks nodes whose heartbeat aged past the timeout as failed
// and promotes the paired backup of every failed primary. Registry changes
// happen under the lock; promotion notifications go out after it is
// released.
func (c *Coordinator) scanLiveness() {
	type promotion struct {
		backupID string
		failedID string
	}
	var promotions []promotion

	c.mu.Lock()
	now := time.Now()
	changed := false
	for id, entry := range c.nodes {
		if entry.Status == NodeFailed {
			continue
		}
		if now.Sub(entry.LastHeartbeat) <= c.timing.HeartbeatTimeout {
			continue
		}
		c.logger.Printf("node %s heartbeat stale (%v), marking failed",
			id, now.Sub(entry.LastHeartbeat).Round(time.Second))
		entry.Status = NodeFailed
		entry.FailureTime = now
		changed = true

		if entry.Role == protocol.RolePrimary {
			if backupID, ok := c.pairs[id]; ok {
				if b, ok := c.nodes[backupID]; ok && b.Status != NodeFailed {
					promotions = append(promotions, promotion{backupID: backupID, failedID: id})
				}
			}
		}
	}
	if changed {
		c.persistLocked()
	}
	c.mu.Unlock()

	for _, p := range promotions {
		c.promoteBackup(p.backupID, p.failedID)
	}
}

// promoteBackup makes backupID the primary for failedPrimaryID. The registry
// change is authoritative and completes first; telling the replica itself is
// best effort, a missed notification is repaired by routing which always
// consults the registry.
func (c *Coordinator) promoteBackup(backupID, failedPrimaryID string) bool {
	c.mu.Lock()
	entry, ok := c.nodes[backupID]
	if !ok {
		c.mu.Unlock()
		c.logger.Printf("cannot promote %s: not registered", backupID)
		return false
	}
	entry.Role = protocol.RolePrimary
	delete(c.pairs, failedPrimaryID)
	c.persistLocked()
	addr := c.nodeAddrLocked(backupID)
	c.mu.Unlock()

	c.logger.Printf("promoted %s to primary for failed %s", backupID, failedPrimaryID)

	resp, err := protocol.Do(addr, protocol.Request{Command: protocol.CmdBecomePrimary}, c.timing.NotifyTimeout)
	if err != nil {
		c.logger.Printf("become_primary notification to %s failed: %v", backupID, err)
	} else if !resp.IsSuccess() {
		c.logger.Printf("become_primary rejected by %s: %s", backupID, resp.Message)
	}
	return true
}

// handleSimulateFailure force-fails a node for testing, triggering the same
// failover path a heartbeat timeout would.
func (c *Coordinator) handleSimulateFailure(req protocol.Request) protocol.Response {
	c.mu.Lock()
	entry, ok := c.nodes[req.NodeID]
	if !ok {
		c.mu.Unlock()
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeNotFound, "node %s not found", req.NodeID))
	}
	wasPrimary := entry.Role == protocol.RolePrimary
	entry.Status = NodeFailed
	entry.FailureTime = time.Now()
	backupID := c.pairs[req.NodeID]
	c.persistLocked()
	c.mu.Unlock()

	c.logger.Printf("simulated failure of %s", req.NodeID)

	promoted := false
	if wasPrimary && backupID != "" {
		promoted = c.promoteBackup(backupID, req.NodeID)
	}

	return protocol.Response{
		Status:          protocol.StatusSuccess,
		Message:         fmt.Sprintf("node %s marked failed", req.NodeID),
		BackupNode:      backupID,
		BackupPromoted:  promoted,
		FinalNodeStatus: string(NodeFailed),
	}
}

// handleReportNodeFailure processes a backup's claim that its primary is
// down. The claim is only acted on when the reporter really is the recorded
// backup of the failed node and the coordinator's own view of the primary's
// heartbeat agrees it is stale; a fresh heartbeat defers the report instead.
func (c *Coordinator) handleReportNodeFailure(req protocol.Request) protocol.Response {
	if req.Reporter == "" || req.FailedNode == "" {
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeInvalidRequest,
			"failure report requires reporter and failed_node"))
	}
	if req.ReporterRole != protocol.RoleBackup {
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeInvalidRequest,
			"only backups may report primary failures"))
	}

	c.mu.Lock()
	entry, ok := c.nodes[req.FailedNode]
	if !ok {
		c.mu.Unlock()
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeNotFound,
			"reported node %s not found", req.FailedNode))
	}
	if c.pairs[req.FailedNode] != req.Reporter {
		c.mu.Unlock()
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeInvalidRequest,
			"%s is not the recorded backup of %s", req.Reporter, req.FailedNode))
	}

	age := time.Since(entry.LastHeartbeat)
	if entry.Status != NodeFailed && age <= c.timing.HeartbeatTimeout {
		c.mu.Unlock()
		c.logger.Printf("failure report for %s from %s deferred, last heartbeat %v ago",
			req.FailedNode, req.Reporter, age.Round(time.Second))
		return protocol.Response{
			Status:   protocol.StatusSuccess,
			Message:  fmt.Sprintf("heartbeats from %s still fresh, report deferred", req.FailedNode),
			Deferred: true,
		}
	}

	if entry.Status != NodeFailed {
		entry.Status = NodeFailed
		entry.FailureTime = time.Now()
		c.persistLocked()
	}
	c.mu.Unlock()

	c.logger.Printf("failure report for %s from %s accepted", req.FailedNode, req.Reporter)
	promoted := c.promoteBackup(req.Reporter, req.FailedNode)

	return protocol.Response{
		Status:         protocol.StatusSuccess,
		Message:        fmt.Sprintf("failure of %s confirmed", req.FailedNode),
		BackupPromoted: promoted,
	}
}

// handleRecoverNode brings a failed node back: its state is resynchronized
// from the takeover replica via force_set_balance, it resumes the primary
// role, the takeover is demoted back to backup and the pairing is restored.
// With no reachable takeover the node recovers from its own local state.
func (c *Coordinator) handleRecoverNode(req protocol.Request) protocol.Response {
	c.mu.Lock()
	entry, ok := c.nodes[req.NodeID]
	if !ok {
		c.mu.Unlock()
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeNotFound, "node %s not found", req.NodeID))
	}
	if entry.Status != NodeFailed {
		info := c.nodeStatusInfoLocked(req.NodeID)
		c.mu.Unlock()
		resp := protocol.ErrorResponse(protocol.Errorf(protocol.CodeInvalidRequest,
			"node %s is not failed, nothing to recover", req.NodeID))
		resp.NodeInfo = info
		return resp
	}

	takeoverID := c.pairing.BackupID(req.NodeID)
	takeover, hasTakeover := c.nodes[takeoverID]
	takeoverUsable := hasTakeover && takeover.Role == protocol.RolePrimary && takeover.Status != NodeFailed
	recoveringAddr := c.nodeAddrLocked(req.NodeID)
	var takeoverAddr string
	if takeoverUsable {
		takeoverAddr = c.nodeAddrLocked(takeoverID)
	}
	c.mu.Unlock()

	if takeoverUsable {
		state, err := protocol.Do(takeoverAddr, protocol.Request{Command: protocol.CmdGetBalance}, c.timing.DialTimeout)
		if err != nil || !state.IsSuccess() {
			return protocol.ErrorResponse(protocol.Errorf(protocol.CodeUnavailable,
				"cannot read takeover %s state, recovery aborted", takeoverID))
		}
		set, err := protocol.Do(recoveringAddr, protocol.Request{
			Command: protocol.CmdForceSetBalance,
			Balance: state.Balance,
		}, c.timing.DialTimeout)
		if err != nil || !set.IsSuccess() {
			return protocol.ErrorResponse(protocol.Errorf(protocol.CodeUnavailable,
				"state sync to %s failed, recovery aborted", req.NodeID))
		}
		c.logger.Printf("resynced %s from takeover %s (balance %d)", req.NodeID, takeoverID, state.Balance)
	} else {
		c.logger.Printf("no reachable takeover for %s, recovering from local state", req.NodeID)
	}

	c.mu.Lock()
	entry.Status = NodeActive
	entry.FailureTime = time.Time{}
	entry.LastHeartbeat = time.Now()
	entry.Role = protocol.RolePrimary
	if takeoverUsable {
		takeover.Role = protocol.RoleBackup
		c.pairs[req.NodeID] = takeoverID
	}
	c.persistLocked()
	nodeInfo := c.nodeStatusInfoLocked(req.NodeID)
	var backupInfo *protocol.NodeStatusInfo
	if takeoverUsable {
		backupInfo = c.nodeStatusInfoLocked(takeoverID)
	}
	c.mu.Unlock()

	// Role notifications are best effort; the registry already reflects the
	// recovered topology.
	if resp, err := protocol.Do(recoveringAddr, protocol.Request{Command: protocol.CmdBecomePrimary}, c.timing.NotifyTimeout); err != nil {
		c.logger.Printf("become_primary notification to %s failed: %v", req.NodeID, err)
	} else if !resp.IsSuccess() {
		c.logger.Printf("become_primary on %s: %s", req.NodeID, resp.Message)
	}
	if takeoverUsable {
		if resp, err := protocol.Do(takeoverAddr, protocol.Request{Command: protocol.CmdBecomeBackup}, c.timing.NotifyTimeout); err != nil {
			c.logger.Printf("become_backup notification to %s failed: %v", takeoverID, err)
		} else if !resp.IsSuccess() {
			c.logger.Printf("become_backup on %s: %s", takeoverID, resp.Message)
		}
	}

	c.logger.Printf("node %s recovered as primary", req.NodeID)
	return protocol.Response{
		Status:         protocol.StatusSuccess,
		Message:        fmt.Sprintf("node %s recovered", req.NodeID),
		NodeInfo:       nodeInfo,
		BackupNodeInfo: backupInfo,
	}
}

func (c *Coordinator) nodeStatusInfoLocked(nodeID string) *protocol.NodeStatusInfo {
	entry, ok := c.nodes[nodeID]
	if !ok {
		return nil
	}
	return &protocol.NodeStatusInfo{
		NodeID:        nodeID,
		Port:          entry.Port,
		Role:          entry.Role,
		Status:        string(entry.Status),
		LastHeartbeat: entry.LastHeartbeat,
	}
}
