// Package protocol defines the wire format shared by the coordinator, the
// account replicas and the client: a single JSON object per request over a
// freshly opened TCP connection, a single JSON object back, connection closed.
package protocol

import "time"

// Command tags understood by the coordinator.
const (
	CmdHeartbeat         = "heartbeat"
	CmdListAccounts      = "list_accounts"
	CmdGetBalance        = "get_balance"
	CmdTransfer          = "transfer"
	CmdInitAccounts      = "init_accounts"
	CmdSimulateFailure   = "simulate_failure"
	CmdRecoverNode       = "recover_node"
	CmdCheckNodeStatus   = "check_node_status"
	CmdReportNodeFailure = "report_node_failure"
)

// Command tags understood by account replicas. CmdGetBalance and CmdHeartbeat
// are shared with the coordinator-facing set.
const (
	CmdPrepareTransfer = "prepare_transfer"
	CmdExecuteTransfer = "execute_transfer"
	CmdInitBalance     = "init_balance"
	CmdSyncData        = "sync_data"
	CmdBecomePrimary   = "become_primary"
	CmdBecomeBackup    = "become_backup"
	CmdForceSetBalance = "force_set_balance"
)

// Role of an account replica.
type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

// NodeTypeAccount is the node_type reported by account replica heartbeats.
const NodeTypeAccount = "account"

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// HistoryEntry is one applied delta in a replica's transaction history.
type HistoryEntry struct {
	TransactionID string    `json:"transaction_id"`
	Amount        int64     `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
	Note          string    `json:"note,omitempty"`
}

// NoteRecordedAtBackup marks history entries a backup appended for an
// execute_transfer it was asked to witness without mutating its balance.
const NoteRecordedAtBackup = "recorded_at_backup"

// NoteForcedResync marks the audit entry appended by force_set_balance.
const NoteForcedResync = "forced_resync"

// PeerInfo identifies a paired replica in a heartbeat pairing assignment.
type PeerInfo struct {
	NodeID string `json:"node_id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// Request is the closed union of every command's fields; Command selects the
// variant and the handler for it ignores the rest.
type Request struct {
	Command string `json:"command"`

	// heartbeat
	NodeID      string `json:"node_id,omitempty"`
	NodeType    string `json:"node_type,omitempty"`
	Port        int    `json:"port,omitempty"`
	Role        Role   `json:"role,omitempty"`
	BackupNode  string `json:"backup_node,omitempty"`
	PrimaryNode string `json:"primary_node,omitempty"`
	ClientAddr  string `json:"client_addr,omitempty"`

	// balance queries and transfers
	AccountID string `json:"account_id,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Amount    int64  `json:"amount,omitempty"`

	// 2PC sub-operations
	TransactionID string `json:"transaction_id,omitempty"`
	IsSender      bool   `json:"is_sender,omitempty"`

	// sync_data / force_set_balance
	Balance int64          `json:"balance"`
	History []HistoryEntry `json:"history,omitempty"`

	// report_node_failure
	Reporter     string `json:"reporter,omitempty"`
	FailedNode   string `json:"failed_node,omitempty"`
	ReporterRole Role   `json:"reporter_role,omitempty"`
}

// NodeStatusInfo is the registry view of one replica returned by
// check_node_status and recover_node.
type NodeStatusInfo struct {
	NodeID        string    `json:"node_id"`
	Port          int       `json:"port"`
	Role          Role      `json:"role"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Response is the single JSON object sent back for every request. Status is
// always set; the remaining fields depend on the command.
type Response struct {
	Status  string  `json:"status"`
	Message string  `json:"message,omitempty"`
	Code    ErrCode `json:"code,omitempty"`

	// heartbeat pairing assignment
	BackupAssigned  bool      `json:"backup_assigned,omitempty"`
	BackupInfo      *PeerInfo `json:"backup_info,omitempty"`
	PrimaryAssigned bool      `json:"primary_assigned,omitempty"`
	PrimaryInfo     *PeerInfo `json:"primary_info,omitempty"`

	// account queries
	Accounts   []string       `json:"accounts,omitempty"`
	AccountID  string         `json:"account_id,omitempty"`
	Balance    int64          `json:"balance"`
	NewBalance int64          `json:"new_balance,omitempty"`
	Role       Role           `json:"role,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	History    []HistoryEntry `json:"history,omitempty"`

	// transfers
	TransactionID string `json:"transaction_id,omitempty"`
	UsedBackup    bool   `json:"used_backup,omitempty"`

	// failure management
	BackupNode      string          `json:"backup_node,omitempty"`
	BackupPromoted  bool            `json:"backup_promoted,omitempty"`
	FinalNodeStatus string          `json:"final_node_status,omitempty"`
	IsActive        bool            `json:"is_active,omitempty"`
	State           string          `json:"state,omitempty"`
	LastHeartbeat   *time.Time      `json:"last_heartbeat,omitempty"`
	Port            int             `json:"port,omitempty"`
	NodeInfo        *NodeStatusInfo `json:"node_info,omitempty"`
	BackupNodeInfo  *NodeStatusInfo `json:"backup_node_info,omitempty"`

	// report_node_failure: report acknowledged but failover not triggered yet,
	// the reporter should keep checking and retry.
	Deferred bool `json:"deferred,omitempty"`
}

// OK builds a success response with an optional message.
func OK(message string) Response {
	return Response{Status: StatusSuccess, Message: message}
}

// IsSuccess reports whether the response carries a success status.
func (r Response) IsSuccess() bool {
	return r.Status == StatusSuccess
}
