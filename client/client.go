// Package client is a thin wrapper over the coordinator's wire protocol for
// programs (and the interactive CLI) that act on the bank.
package client

import (
	"time"

	"dledger/protocol"
)

// BankClient issues coordinator commands over the JSON-per-connection
// protocol. The zero timeout falls back to a sane default per call.
type BankClient struct {
	coordinatorAddr string
	timeout         time.Duration
}

// New creates a client for the given coordinator address.
func New(coordinatorAddr string, timeout time.Duration) *BankClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BankClient{coordinatorAddr: coordinatorAddr, timeout: timeout}
}

// do sends one request and converts an error-status response into *Error.
func (c *BankClient) do(req protocol.Request) (protocol.Response, error) {
	resp, err := protocol.Do(c.coordinatorAddr, req, c.timeout)
	if err != nil {
		return protocol.Response{}, protocol.Errorf(protocol.CodeTransport,
			"coordinator unreachable: %v", err)
	}
	if !resp.IsSuccess() {
		return resp, protocol.ResponseError(resp)
	}
	return resp, nil
}

// ListAccounts returns every registered replica id, sorted.
func (c *BankClient) ListAccounts() ([]string, error) {
	resp, err := c.do(protocol.Request{Command: protocol.CmdListAccounts})
	if err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// BalanceResult is the outcome of a balance query, including which replica
// actually served it.
type BalanceResult struct {
	AccountID  string
	Balance    int64
	UsedBackup bool
	History    []protocol.HistoryEntry
}

// GetBalance fetches an account's balance through the coordinator, which
// redirects to the backup when the primary has failed.
func (c *BankClient) GetBalance(accountID string) (BalanceResult, error) {
	resp, err := c.do(protocol.Request{Command: protocol.CmdGetBalance, AccountID: accountID})
	if err != nil {
		return BalanceResult{}, err
	}
	return BalanceResult{
		AccountID:  resp.AccountID,
		Balance:    resp.Balance,
		UsedBackup: resp.UsedBackup,
		History:    resp.History,
	}, nil
}

// TransferResult identifies a transfer and whether routing used a promoted
// backup.
type TransferResult struct {
	TransactionID string
	UsedBackup    bool
}

// Transfer moves amount from one account to another via two-phase commit.
// On failure the returned error carries the transfer's outcome code and the
// result still carries the transaction id when one was assigned.
func (c *BankClient) Transfer(from, to string, amount int64) (TransferResult, error) {
	resp, err := c.do(protocol.Request{
		Command: protocol.CmdTransfer,
		From:    from,
		To:      to,
		Amount:  amount,
	})
	result := TransferResult{TransactionID: resp.TransactionID, UsedBackup: resp.UsedBackup}
	if err != nil {
		return result, err
	}
	return result, nil
}

// InitAccounts sets every primary's balance; zero means the default.
func (c *BankClient) InitAccounts(amount int64) error {
	_, err := c.do(protocol.Request{Command: protocol.CmdInitAccounts, Amount: amount})
	return err
}

// FailureResult reports what simulate_failure did.
type FailureResult struct {
	BackupNode      string
	BackupPromoted  bool
	FinalNodeStatus string
}

// SimulateFailure force-fails a node, triggering failover if it was a paired
// primary.
func (c *BankClient) SimulateFailure(nodeID string) (FailureResult, error) {
	resp, err := c.do(protocol.Request{Command: protocol.CmdSimulateFailure, NodeID: nodeID})
	if err != nil {
		return FailureResult{}, err
	}
	return FailureResult{
		BackupNode:      resp.BackupNode,
		BackupPromoted:  resp.BackupPromoted,
		FinalNodeStatus: resp.FinalNodeStatus,
	}, nil
}

// RecoveryResult reports the topology after recover_node.
type RecoveryResult struct {
	Node   *protocol.NodeStatusInfo
	Backup *protocol.NodeStatusInfo
}

// RecoverNode brings a failed node back as primary, resyncing its state from
// the takeover replica when one is reachable.
func (c *BankClient) RecoverNode(nodeID string) (RecoveryResult, error) {
	resp, err := c.do(protocol.Request{Command: protocol.CmdRecoverNode, NodeID: nodeID})
	if err != nil {
		return RecoveryResult{}, err
	}
	return RecoveryResult{Node: resp.NodeInfo, Backup: resp.BackupNodeInfo}, nil
}

// NodeStatus is the registry view of one node.
type NodeStatus struct {
	NodeID        string
	IsActive      bool
	Role          protocol.Role
	BackupNode    string
	State         string
	LastHeartbeat *time.Time
	Port          int
}

// CheckNodeStatus reads a node's registry entry.
func (c *BankClient) CheckNodeStatus(nodeID string) (NodeStatus, error) {
	resp, err := c.do(protocol.Request{Command: protocol.CmdCheckNodeStatus, NodeID: nodeID})
	if err != nil {
		return NodeStatus{}, err
	}
	return NodeStatus{
		NodeID:        resp.NodeID,
		IsActive:      resp.IsActive,
		Role:          resp.Role,
		BackupNode:    resp.BackupNode,
		State:         resp.State,
		LastHeartbeat: resp.LastHeartbeat,
		Port:          resp.Port,
	}, nil
}
