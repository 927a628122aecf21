// Package node implements an account replica: it owns one account's balance
// and history, serves the 2PC sub-operations, tracks its primary/backup role
// and keeps itself registered with the coordinator via heartbeats.
package node

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dledger/config"
	"dledger/protocol"
)

// Node is one account replica process.
type Node struct {
	ID              string
	coordinatorAddr string
	pairing         config.PairingScheme
	timing          config.Timing
	logger          *log.Logger
	store           *Store

	mu       sync.Mutex
	balance  int64
	history  []protocol.HistoryEntry
	role     protocol.Role
	backup   *protocol.PeerInfo // paired backup, set while primary
	primary  *protocol.PeerInfo // paired primary, set while backup
	lastSync time.Time

	listener net.Listener
	port     int
	shutdown chan struct{}
}

// New creates a replica, loading any previous snapshot from dataDir.
func New(id string, role protocol.Role, dataDir, coordinatorAddr string, timing config.Timing) (*Node, error) {
	store, err := OpenStore(filepath.Join(dataDir, fmt.Sprintf("%s_data.db", id)))
	if err != nil {
		return nil, err
	}

	balance, history, err := store.Load()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load snapshot for %s: %v", id, err)
	}

	n := &Node{
		ID:              id,
		coordinatorAddr: coordinatorAddr,
		pairing:         config.DefaultPairing(),
		timing:          timing,
		logger:          log.New(os.Stdout, fmt.Sprintf("[%s] ", id), log.LstdFlags),
		store:           store,
		balance:         balance,
		history:         history,
		role:            role,
		shutdown:        make(chan struct{}),
	}
	n.logger.Printf("replica initialized: role=%s balance=%d history=%d entries", role, balance, len(history))
	return n, nil
}

// Start binds the replica's listener and launches the request loop plus the
// heartbeat and sync background loops. bind may use port 0; the effective
// port is reported to the coordinator in heartbeats.
func (n *Node) Start(bind string) error {
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("listen %s: %v", bind, err)
	}
	n.listener = listener
	n.port = listener.Addr().(*net.TCPAddr).Port
	n.logger.Printf("listening on %s", listener.Addr())

	go n.acceptLoop()
	go n.heartbeatLoop()
	go n.syncLoop()
	return nil
}

// Addr returns the replica's listen address.
func (n *Node) Addr() string {
	return n.listener.Addr().String()
}

// Port returns the effective listen port.
func (n *Node) Port() int {
	return n.port
}

// Balance returns the current balance.
func (n *Node) Balance() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.balance
}

// Role returns the replica's current role.
func (n *Node) Role() protocol.Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// History returns a copy of the transaction history.
func (n *Node) History() []protocol.HistoryEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]protocol.HistoryEntry, len(n.history))
	copy(out, n.history)
	return out
}

// Close stops the background loops, the listener and the snapshot store.
func (n *Node) Close() {
	close(n.shutdown)
	if n.listener != nil {
		n.listener.Close()
	}
	n.store.Close()
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.shutdown:
				return
			default:
				n.logger.Printf("accept error: %v", err)
				continue
			}
		}
		go n.handleConn(conn)
	}
}

// handleConn serves exactly one request and closes the connection.
func (n *Node) handleConn(conn net.Conn) {
	defer conn.Close()

	req, err := protocol.ReadRequest(conn)
	if err != nil {
		n.logger.Printf("decode request from %s: %v", conn.RemoteAddr(), err)
		return
	}

	resp := n.dispatch(req)
	if err := protocol.WriteResponse(conn, resp); err != nil {
		n.logger.Printf("write response to %s: %v", conn.RemoteAddr(), err)
	}
}

func (n *Node) dispatch(req protocol.Request) protocol.Response {
	switch req.Command {
	case protocol.CmdGetBalance:
		return n.handleGetBalance()
	case protocol.CmdPrepareTransfer:
		return n.handlePrepareTransfer(req)
	case protocol.CmdExecuteTransfer:
		return n.handleExecuteTransfer(req)
	case protocol.CmdInitBalance:
		return n.handleInitBalance(req)
	case protocol.CmdSyncData:
		return n.handleSyncData(req)
	case protocol.CmdBecomePrimary:
		return n.handleBecomePrimary()
	case protocol.CmdBecomeBackup:
		return n.handleBecomeBackup()
	case protocol.CmdForceSetBalance:
		return n.handleForceSetBalance(req)
	case protocol.CmdHeartbeat:
		return n.handleHealthCheck()
	default:
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeInvalidRequest, "unknown command %q", req.Command))
	}
}

func (n *Node) handleGetBalance() protocol.Response {
	n.mu.Lock()
	defer n.mu.Unlock()
	history := make([]protocol.HistoryEntry, len(n.history))
	copy(history, n.history)
	return protocol.Response{
		Status:  protocol.StatusSuccess,
		Balance: n.balance,
		Role:    n.role,
		NodeID:  n.ID,
		History: history,
	}
}

// handlePrepareTransfer is phase one of 2PC: a reversible funds check that
// never mutates the balance.
func (n *Node) handlePrepareTransfer(req protocol.Request) protocol.Response {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.IsSender && n.balance < req.Amount {
		n.logger.Printf("prepare rejected: balance=%d amount=%d", n.balance, req.Amount)
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeInsufficientFunds,
			"insufficient funds: balance=%d requested=%d", n.balance, req.Amount))
	}
	return protocol.OK("ready to transfer")
}

// handleExecuteTransfer is phase two of 2PC. A primary applies the delta and
// pushes state to its backup; a backup only records the transaction.
func (n *Node) handleExecuteTransfer(req protocol.Request) protocol.Response {
	delta := req.Amount
	if req.IsSender {
		delta = -req.Amount
	}

	n.mu.Lock()
	if n.role == protocol.RoleBackup {
		n.history = append(n.history, protocol.HistoryEntry{
			TransactionID: req.TransactionID,
			Amount:        delta,
			Timestamp:     time.Now(),
			Note:          protocol.NoteRecordedAtBackup,
		})
		n.persistLocked()
		balance := n.balance
		n.mu.Unlock()
		n.logger.Printf("transfer %s recorded at backup, balance untouched", req.TransactionID)
		return protocol.Response{
			Status:     protocol.StatusSuccess,
			Message:    "transfer recorded at backup",
			Balance:    balance,
			NewBalance: balance,
		}
	}

	n.balance += delta
	n.history = append(n.history, protocol.HistoryEntry{
		TransactionID: req.TransactionID,
		Amount:        delta,
		Timestamp:     time.Now(),
	})
	n.persistLocked()
	balance := n.balance
	backup := n.backup
	history := make([]protocol.HistoryEntry, len(n.history))
	copy(history, n.history)
	n.mu.Unlock()

	n.logger.Printf("transfer %s executed: delta=%d new_balance=%d", req.TransactionID, delta, balance)
	if backup != nil {
		n.pushSync(*backup, balance, history)
	}
	return protocol.Response{
		Status:     protocol.StatusSuccess,
		Message:    "transfer executed",
		Balance:    balance,
		NewBalance: balance,
	}
}

func (n *Node) handleInitBalance(req protocol.Request) protocol.Response {
	n.mu.Lock()
	if n.role != protocol.RolePrimary {
		n.mu.Unlock()
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeInvalidRequest,
			"init_balance rejected: %s is a backup", n.ID))
	}
	n.balance = req.Amount
	n.persistLocked()
	balance := n.balance
	backup := n.backup
	history := make([]protocol.HistoryEntry, len(n.history))
	copy(history, n.history)
	n.mu.Unlock()

	n.logger.Printf("balance initialized to %d", balance)
	if backup != nil {
		n.pushSync(*backup, balance, history)
	}
	return protocol.Response{
		Status:  protocol.StatusSuccess,
		Message: fmt.Sprintf("balance initialized to %d", balance),
		Balance: balance,
	}
}

// handleSyncData replaces a backup's state with the primary's copy.
func (n *Node) handleSyncData(req protocol.Request) protocol.Response {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != protocol.RoleBackup {
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeInvalidRequest,
			"sync_data rejected: %s is a primary", n.ID))
	}

	n.balance = req.Balance
	n.history = append(n.history[:0], req.History...)
	n.lastSync = time.Now()
	n.persistLocked()
	n.logger.Printf("synced from primary: balance=%d history=%d entries", n.balance, len(n.history))
	return protocol.OK("sync applied")
}

func (n *Node) handleBecomePrimary() protocol.Response {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role == protocol.RolePrimary {
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeInvalidRequest,
			"%s is already primary", n.ID))
	}
	n.role = protocol.RolePrimary
	n.primary = nil
	n.backup = nil
	n.logger.Printf("promoted to primary")
	return protocol.OK("now primary")
}

func (n *Node) handleBecomeBackup() protocol.Response {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role == protocol.RoleBackup {
		return protocol.OK("already backup")
	}
	n.role = protocol.RoleBackup
	n.backup = nil
	n.primary = nil
	n.logger.Printf("demoted to backup")
	return protocol.OK("now backup")
}

// handleForceSetBalance overwrites the balance during recovery resync and
// leaves an audit entry in the history.
func (n *Node) handleForceSetBalance(req protocol.Request) protocol.Response {
	n.mu.Lock()
	defer n.mu.Unlock()

	delta := req.Balance - n.balance
	n.balance = req.Balance
	n.history = append(n.history, protocol.HistoryEntry{
		Amount:    delta,
		Timestamp: time.Now(),
		Note:      protocol.NoteForcedResync,
	})
	n.persistLocked()
	n.logger.Printf("balance force-set to %d (delta %d)", n.balance, delta)
	return protocol.Response{
		Status:  protocol.StatusSuccess,
		Message: "balance overwritten",
		Balance: n.balance,
	}
}

func (n *Node) handleHealthCheck() protocol.Response {
	n.mu.Lock()
	defer n.mu.Unlock()
	return protocol.Response{
		Status: protocol.StatusSuccess,
		NodeID: n.ID,
		Role:   n.role,
	}
}

// persistLocked snapshots the current state; the caller holds n.mu. Execute
// is assumed to always succeed once called, so a snapshot failure is logged
// rather than surfaced.
func (n *Node) persistLocked() {
	if err := n.store.Save(n.balance, n.history); err != nil {
		n.logger.Printf("snapshot save failed: %v", err)
	}
}
