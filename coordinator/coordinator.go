// Package coordinator implements the central registry of account replicas,
// the primary/backup pairing table, the transaction table and the protocols
// that drive them: two-phase commit for transfers, heartbeat-based failure
// detection, failover and recovery.
package coordinator

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"dledger/config"
	"dledger/protocol"
)

// NodeStatus is the liveness state of a registry entry.
type NodeStatus string

const (
	NodeActive NodeStatus = "active"
	NodeFailed NodeStatus = "failed"
)

// NodeEntry is the coordinator's view of one account replica. Address and
// port are learned from heartbeats, never configured. Once Status is
// NodeFailed the role and port are frozen until recovery.
type NodeEntry struct {
	Port          int
	Role          protocol.Role
	Status        NodeStatus
	LastHeartbeat time.Time
	FailureTime   time.Time
}

// TxnStatus is a transaction's position in the two-phase commit state
// machine.
type TxnStatus string

const (
	TxnPreparing    TxnStatus = "preparing"
	TxnAborted      TxnStatus = "aborted"
	TxnExecuting    TxnStatus = "executing"
	TxnCompleted    TxnStatus = "completed"
	TxnFailed       TxnStatus = "failed"
	TxnInconsistent TxnStatus = "inconsistent"
	TxnError        TxnStatus = "error"
)

// Transaction is one transfer as routed; From/To may already name a promoted
// backup. Terminal rows are kept for audit, never garbage collected.
type Transaction struct {
	ID         string
	From       string
	To         string
	Amount     int64
	Status     TxnStatus
	Timestamp  time.Time
	UsedBackup bool
	Error      string
}

// Coordinator owns all shared state behind one mutex. Network calls made
// while driving 2PC happen outside the lock, so transfers on disjoint
// accounts run concurrently.
type Coordinator struct {
	ID      string
	pairing config.PairingScheme
	timing  config.Timing
	logger  *log.Logger
	store   *Store

	// Compensate2PC enables the optional stricter mode that credits the
	// sender back when the receiver-side execute fails. Off by default:
	// the inconsistent outcome is part of the observable behavior.
	Compensate2PC bool

	mu    sync.Mutex
	nodes map[string]*NodeEntry
	hosts map[string]string // node id -> host, learned from heartbeats
	pairs map[string]string // primary id -> backup id
	txns  map[string]*Transaction

	listener net.Listener
	shutdown chan struct{}
}

// New creates a coordinator, reloading any previous snapshot from dataDir.
func New(id, dataDir string, timing config.Timing) (*Coordinator, error) {
	store, err := OpenStore(filepath.Join(dataDir, "coordinator_data.db"))
	if err != nil {
		return nil, err
	}

	snap, err := store.Load()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load coordinator snapshot: %v", err)
	}

	c := &Coordinator{
		ID:       id,
		pairing:  config.DefaultPairing(),
		timing:   timing,
		logger:   log.New(os.Stdout, fmt.Sprintf("[%s] ", id), log.LstdFlags),
		store:    store,
		nodes:    make(map[string]*NodeEntry),
		hosts:    snap.Hosts,
		pairs:    snap.Pairs,
		txns:     make(map[string]*Transaction),
		shutdown: make(chan struct{}),
	}
	for id, entry := range snap.Nodes {
		e := entry
		c.nodes[id] = &e
	}
	for id, txn := range snap.Txns {
		t := txn
		c.txns[id] = &t
	}
	c.logger.Printf("coordinator initialized: %d nodes, %d pairs, %d transactions",
		len(c.nodes), len(c.pairs), len(c.txns))
	return c, nil
}

// Start binds the listener and launches the request loop and the liveness
// monitor.
func (c *Coordinator) Start(bind string) error {
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("listen %s: %v", bind, err)
	}
	c.listener = listener
	c.logger.Printf("listening on %s", listener.Addr())

	go c.acceptLoop()
	go c.monitorLoop()
	return nil
}

// Addr returns the coordinator's listen address.
func (c *Coordinator) Addr() string {
	return c.listener.Addr().String()
}

// Close stops the monitor, the listener and the snapshot store.
func (c *Coordinator) Close() {
	close(c.shutdown)
	if c.listener != nil {
		c.listener.Close()
	}
	c.store.Close()
}

func (c *Coordinator) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.shutdown:
				return
			default:
				c.logger.Printf("accept error: %v", err)
				continue
			}
		}
		go c.handleConn(conn)
	}
}

// handleConn serves one request per connection.
func (c *Coordinator) handleConn(conn net.Conn) {
	defer conn.Close()

	req, err := protocol.ReadRequest(conn)
	if err != nil {
		c.logger.Printf("decode request from %s: %v", conn.RemoteAddr(), err)
		return
	}

	remoteHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	resp := c.dispatch(req, remoteHost)
	if err := protocol.WriteResponse(conn, resp); err != nil {
		c.logger.Printf("write response to %s: %v", conn.RemoteAddr(), err)
	}
}

func (c *Coordinator) dispatch(req protocol.Request, remoteHost string) protocol.Response {
	switch req.Command {
	case protocol.CmdHeartbeat:
		return c.handleHeartbeat(req, remoteHost)
	case protocol.CmdListAccounts:
		return c.handleListAccounts()
	case protocol.CmdGetBalance:
		return c.handleGetBalance(req)
	case protocol.CmdTransfer:
		return c.handleTransfer(req)
	case protocol.CmdInitAccounts:
		return c.handleInitAccounts(req)
	case protocol.CmdSimulateFailure:
		return c.handleSimulateFailure(req)
	case protocol.CmdRecoverNode:
		return c.handleRecoverNode(req)
	case protocol.CmdCheckNodeStatus:
		return c.handleCheckNodeStatus(req)
	case protocol.CmdReportNodeFailure:
		return c.handleReportNodeFailure(req)
	default:
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeInvalidRequest, "unknown command %q", req.Command))
	}
}

// handleHeartbeat refreshes the reporting replica's registry entry and
// returns a pairing assignment when one applies. Heartbeats from a node
// marked failed refresh only the timestamp: role and port stay frozen until
// recovery.
func (c *Coordinator) handleHeartbeat(req protocol.Request, remoteHost string) protocol.Response {
	if req.NodeType != protocol.NodeTypeAccount {
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeInvalidRequest,
			"unsupported node type %q", req.NodeType))
	}
	if req.NodeID == "" {
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeInvalidRequest, "heartbeat without node_id"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	host := req.ClientAddr
	if host == "" {
		host = remoteHost
	}
	c.hosts[req.NodeID] = host

	resp := protocol.OK("heartbeat received")

	entry, exists := c.nodes[req.NodeID]
	if exists && entry.Status == NodeFailed {
		entry.LastHeartbeat = time.Now()
		c.persistLocked()
		resp.Message = "heartbeat received from failed node, status unchanged"
		return resp
	}

	role := req.Role
	if role == "" {
		role = protocol.RolePrimary
	}

	if exists {
		entry.Port = req.Port
		entry.Role = role
		entry.LastHeartbeat = time.Now()
	} else {
		entry = &NodeEntry{
			Port:          req.Port,
			Role:          role,
			Status:        NodeActive,
			LastHeartbeat: time.Now(),
		}
		c.nodes[req.NodeID] = entry
		c.logger.Printf("registered new node %s (%s) at %s:%d", req.NodeID, role, host, req.Port)
	}

	c.assignPairingLocked(req, entry, &resp)
	c.persistLocked()
	return resp
}

// assignPairingLocked matches primaries and backups by the id suffix
// convention and tells a paired node about its counterpart whenever its
// heartbeat shows it does not know one yet.
func (c *Coordinator) assignPairingLocked(req protocol.Request, entry *NodeEntry, resp *protocol.Response) {
	switch entry.Role {
	case protocol.RolePrimary:
		if req.BackupNode != "" {
			return
		}
		backupID, paired := c.pairs[req.NodeID]
		if !paired {
			candidate := c.pairing.BackupID(req.NodeID)
			b, ok := c.nodes[candidate]
			if !ok || b.Role != protocol.RoleBackup || b.Status == NodeFailed {
				return
			}
			c.pairs[req.NodeID] = candidate
			backupID = candidate
			c.logger.Printf("paired primary %s with backup %s", req.NodeID, backupID)
		}
		resp.BackupAssigned = true
		resp.BackupInfo = c.peerInfoLocked(backupID)

	case protocol.RoleBackup:
		if req.PrimaryNode != "" {
			return
		}
		primaryID, ok := c.pairing.PrimaryID(req.NodeID)
		if !ok {
			return
		}
		p, ok := c.nodes[primaryID]
		if !ok || p.Role != protocol.RolePrimary || p.Status == NodeFailed {
			return
		}
		if existing, paired := c.pairs[primaryID]; paired && existing != req.NodeID {
			return
		}
		if _, paired := c.pairs[primaryID]; !paired {
			c.pairs[primaryID] = req.NodeID
			c.logger.Printf("paired backup %s with primary %s", req.NodeID, primaryID)
		}
		resp.PrimaryAssigned = true
		resp.PrimaryInfo = c.peerInfoLocked(primaryID)
	}
}

func (c *Coordinator) peerInfoLocked(nodeID string) *protocol.PeerInfo {
	entry, ok := c.nodes[nodeID]
	if !ok {
		return nil
	}
	return &protocol.PeerInfo{NodeID: nodeID, Host: c.hosts[nodeID], Port: entry.Port}
}

func (c *Coordinator) handleListAccounts() protocol.Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	accounts := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)
	return protocol.Response{Status: protocol.StatusSuccess, Accounts: accounts}
}

func (c *Coordinator) handleGetBalance(req protocol.Request) protocol.Response {
	if req.AccountID == "" {
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeInvalidRequest, "get_balance without account_id"))
	}

	c.mu.Lock()
	resolved, usedBackup, perr := c.resolveAccountLocked(req.AccountID)
	c.mu.Unlock()
	if perr != nil {
		return protocol.ErrorResponse(perr)
	}

	resp, err := c.callNode(resolved, protocol.Request{Command: protocol.CmdGetBalance})
	if err != nil {
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeTransport,
			"unable to reach account %s: %v", resolved, err))
	}
	if !resp.IsSuccess() {
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeTransport,
			"unable to fetch balance from account %s: %s", resolved, resp.Message))
	}
	return protocol.Response{
		Status:     protocol.StatusSuccess,
		Balance:    resp.Balance,
		AccountID:  resolved,
		UsedBackup: usedBackup,
		History:    resp.History,
	}
}

func (c *Coordinator) handleInitAccounts(req protocol.Request) protocol.Response {
	amount := req.Amount
	if amount == 0 {
		amount = config.DefaultInitialBalance
	}

	// Only primaries are initialized; backups pick the state up via sync.
	type target struct {
		id   string
		addr string
	}
	c.mu.Lock()
	var targets []target
	for id, entry := range c.nodes {
		if entry.Role == protocol.RolePrimary && entry.Status != NodeFailed {
			targets = append(targets, target{id: id, addr: c.nodeAddrLocked(id)})
		}
	}
	c.mu.Unlock()

	for _, t := range targets {
		resp, err := protocol.Do(t.addr, protocol.Request{
			Command: protocol.CmdInitBalance,
			Amount:  amount,
		}, c.timing.DialTimeout)
		if err != nil {
			return protocol.ErrorResponse(protocol.Errorf(protocol.CodeTransport,
				"failed to initialize account %s: %v", t.id, err))
		}
		if !resp.IsSuccess() {
			return protocol.ErrorResponse(protocol.Errorf(protocol.CodeTransport,
				"failed to initialize account %s: %s", t.id, resp.Message))
		}
		c.logger.Printf("account %s initialized with %d", t.id, amount)
	}
	return protocol.OK(fmt.Sprintf("all accounts initialized with %d", amount))
}

func (c *Coordinator) handleCheckNodeStatus(req protocol.Request) protocol.Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.nodes[req.NodeID]
	if !ok {
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeNotFound, "node %s not found", req.NodeID))
	}

	state := string(NodeActive)
	if entry.Status == NodeFailed {
		state = string(NodeFailed)
	}
	hb := entry.LastHeartbeat
	return protocol.Response{
		Status:        protocol.StatusSuccess,
		NodeID:        req.NodeID,
		IsActive:      entry.Status != NodeFailed,
		Role:          entry.Role,
		BackupNode:    c.pairs[req.NodeID],
		State:         state,
		LastHeartbeat: &hb,
		Port:          entry.Port,
	}
}

// resolveAccountLocked maps an account id to the replica that should serve
// it. A failed id redirects to its paired backup; when the pairing table has
// no entry (pairing removed by an earlier promotion), the suffix-deduced
// backup is used if it has already been promoted to primary.
func (c *Coordinator) resolveAccountLocked(accountID string) (string, bool, *protocol.Error) {
	entry, ok := c.nodes[accountID]
	if !ok {
		return "", false, protocol.Errorf(protocol.CodeNotFound, "account %s not found", accountID)
	}
	if entry.Status != NodeFailed {
		return accountID, false, nil
	}

	if backupID, ok := c.pairs[accountID]; ok {
		if b, ok := c.nodes[backupID]; ok && b.Status != NodeFailed {
			c.logger.Printf("account %s failed, redirecting to backup %s", accountID, backupID)
			return backupID, true, nil
		}
	}

	deduced := c.pairing.BackupID(accountID)
	if b, ok := c.nodes[deduced]; ok && b.Role == protocol.RolePrimary && b.Status != NodeFailed {
		c.logger.Printf("account %s failed, redirecting to promoted takeover %s", accountID, deduced)
		return deduced, true, nil
	}

	return "", false, protocol.Errorf(protocol.CodeUnavailable,
		"account %s unavailable, no takeover node", accountID)
}

// nodeAddrLocked builds the dialable address for a registered node.
func (c *Coordinator) nodeAddrLocked(nodeID string) string {
	host := c.hosts[nodeID]
	if host == "" {
		host = "localhost"
	}
	entry := c.nodes[nodeID]
	return net.JoinHostPort(host, strconv.Itoa(entry.Port))
}

// callNode sends one request to a registered replica.
func (c *Coordinator) callNode(nodeID string, req protocol.Request) (protocol.Response, error) {
	c.mu.Lock()
	_, ok := c.nodes[nodeID]
	if !ok {
		c.mu.Unlock()
		return protocol.Response{}, protocol.Errorf(protocol.CodeNotFound, "node %s not registered", nodeID)
	}
	addr := c.nodeAddrLocked(nodeID)
	c.mu.Unlock()

	return protocol.Do(addr, req, c.timing.DialTimeout)
}

// persistLocked rewrites the coordinator snapshot; the caller holds c.mu.
// State changes are worth more than the snapshot, so a write failure is
// logged rather than propagated.
func (c *Coordinator) persistLocked() {
	snap := Snapshot{
		Nodes: make(map[string]NodeEntry, len(c.nodes)),
		Hosts: make(map[string]string, len(c.hosts)),
		Pairs: make(map[string]string, len(c.pairs)),
		Txns:  make(map[string]Transaction, len(c.txns)),
	}
	for id, entry := range c.nodes {
		snap.Nodes[id] = *entry
	}
	for id, host := range c.hosts {
		snap.Hosts[id] = host
	}
	for p, b := range c.pairs {
		snap.Pairs[p] = b
	}
	for id, txn := range c.txns {
		snap.Txns[id] = *txn
	}
	if err := c.store.Save(snap); err != nil {
		c.logger.Printf("snapshot save failed: %v", err)
	}
}
