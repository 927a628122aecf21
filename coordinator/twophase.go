package coordinator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"dledger/protocol"
)

// handleTransfer validates a transfer, records it in the transaction table
// and drives it through two-phase commit. The transaction row survives in a
// terminal state whatever the outcome.
func (c *Coordinator) handleTransfer(req protocol.Request) protocol.Response {
	if req.Amount <= 0 {
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeInvalidRequest,
			"transfer amount must be positive, got %d", req.Amount))
	}
	if req.From == "" || req.To == "" {
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeInvalidRequest,
			"transfer requires both from and to accounts"))
	}
	if req.From == req.To {
		return protocol.ErrorResponse(protocol.Errorf(protocol.CodeInvalidRequest,
			"cannot transfer from an account to itself"))
	}

	c.mu.Lock()
	from, fromBackup, perr := c.resolveAccountLocked(req.From)
	if perr != nil {
		c.mu.Unlock()
		return protocol.ErrorResponse(perr)
	}
	to, toBackup, perr := c.resolveAccountLocked(req.To)
	if perr != nil {
		c.mu.Unlock()
		return protocol.ErrorResponse(perr)
	}

	txn := &Transaction{
		ID:         uuid.NewString(),
		From:       from,
		To:         to,
		Amount:     req.Amount,
		Status:     TxnPreparing,
		Timestamp:  time.Now(),
		UsedBackup: fromBackup || toBackup,
	}
	c.txns[txn.ID] = txn
	c.persistLocked()
	c.mu.Unlock()

	c.logger.Printf("transaction %s: transfer %d from %s to %s", txn.ID, req.Amount, from, to)

	if perr := c.runTwoPhaseCommit(txn); perr != nil {
		resp := protocol.ErrorResponse(perr)
		resp.TransactionID = txn.ID
		return resp
	}

	return protocol.Response{
		Status:        protocol.StatusSuccess,
		Message:       fmt.Sprintf("transferred %d from %s to %s", req.Amount, from, to),
		TransactionID: txn.ID,
		UsedBackup:    txn.UsedBackup,
	}
}

// runTwoPhaseCommit drives both phases, sender always before receiver.
// Prepare never mutates balances, so a prepare failure aborts cleanly.
// Execute on the sender is the point of no return: a receiver-side execute
// failure after it leaves the transaction inconsistent unless compensation
// is enabled and succeeds.
func (c *Coordinator) runTwoPhaseCommit(txn *Transaction) *protocol.Error {
	if perr := c.prepareTransfer(txn, txn.From, true); perr != nil {
		if perr.Code == protocol.CodeNotFound {
			c.setTxnStatus(txn, TxnError, perr.Message)
			return perr
		}
		c.setTxnStatus(txn, TxnAborted, perr.Message)
		if perr.Code == protocol.CodeInsufficientFunds {
			return perr
		}
		return protocol.Errorf(protocol.CodeTransferAborted,
			"prepare failed for sender %s: %s", txn.From, perr.Message)
	}
	if perr := c.prepareTransfer(txn, txn.To, false); perr != nil {
		if perr.Code == protocol.CodeNotFound {
			c.setTxnStatus(txn, TxnError, perr.Message)
			return perr
		}
		c.setTxnStatus(txn, TxnAborted, perr.Message)
		return protocol.Errorf(protocol.CodeTransferAborted,
			"prepare failed for receiver %s: %s", txn.To, perr.Message)
	}

	c.setTxnStatus(txn, TxnExecuting, "")

	if perr := c.executeTransfer(txn, txn.From, true); perr != nil {
		c.setTxnStatus(txn, TxnFailed, perr.Message)
		return protocol.Errorf(protocol.CodeTransferFailed,
			"execute failed for sender %s, no funds moved: %s", txn.From, perr.Message)
	}
	if perr := c.executeTransfer(txn, txn.To, false); perr != nil {
		if c.Compensate2PC {
			if cerr := c.compensateSender(txn); cerr == nil {
				c.setTxnStatus(txn, TxnFailed, "receiver execute failed, sender compensated: "+perr.Message)
				return protocol.Errorf(protocol.CodeTransferFailed,
					"execute failed for receiver %s, sender %s compensated", txn.To, txn.From)
			}
			c.logger.Printf("transaction %s: compensation of sender %s also failed", txn.ID, txn.From)
		}
		c.setTxnStatus(txn, TxnInconsistent, perr.Message)
		c.logger.Printf("CRITICAL: transaction %s inconsistent, sender %s debited but receiver %s credit failed",
			txn.ID, txn.From, txn.To)
		return protocol.Errorf(protocol.CodeTransferInconsistent,
			"transfer %s left inconsistent: sender debited, receiver credit failed", txn.ID)
	}

	c.setTxnStatus(txn, TxnCompleted, "")
	c.logger.Printf("transaction %s completed", txn.ID)
	return nil
}

// prepareTransfer asks the replica serving accountID whether it can take
// part; the sender side checks funds. Registered backups redirect to their
// primary, the replica that owns the authoritative balance.
func (c *Coordinator) prepareTransfer(txn *Transaction, accountID string, isSender bool) *protocol.Error {
	target, perr := c.authoritativeReplica(accountID)
	if perr != nil {
		return perr
	}
	resp, err := c.callNode(target, protocol.Request{
		Command:       protocol.CmdPrepareTransfer,
		TransactionID: txn.ID,
		Amount:        txn.Amount,
		IsSender:      isSender,
	})
	if err != nil {
		return protocol.Errorf(protocol.CodeTransport, "prepare on %s: %v", target, err)
	}
	if !resp.IsSuccess() {
		return protocol.ResponseError(resp)
	}
	return nil
}

// executeTransfer applies the delta on the replica serving accountID.
func (c *Coordinator) executeTransfer(txn *Transaction, accountID string, isSender bool) *protocol.Error {
	target, perr := c.authoritativeReplica(accountID)
	if perr != nil {
		return perr
	}
	resp, err := c.callNode(target, protocol.Request{
		Command:       protocol.CmdExecuteTransfer,
		TransactionID: txn.ID,
		Amount:        txn.Amount,
		IsSender:      isSender,
	})
	if err != nil {
		return protocol.Errorf(protocol.CodeTransport, "execute on %s: %v", target, err)
	}
	if !resp.IsSuccess() {
		return protocol.ResponseError(resp)
	}
	return nil
}

// compensateSender credits the debited amount back after a receiver-side
// execute failure. Only used when Compensate2PC is enabled.
func (c *Coordinator) compensateSender(txn *Transaction) *protocol.Error {
	target, perr := c.authoritativeReplica(txn.From)
	if perr != nil {
		return perr
	}
	resp, err := c.callNode(target, protocol.Request{
		Command:       protocol.CmdExecuteTransfer,
		TransactionID: txn.ID,
		Amount:        txn.Amount,
		IsSender:      false,
	})
	if err != nil {
		return protocol.Errorf(protocol.CodeTransport, "compensate on %s: %v", target, err)
	}
	if !resp.IsSuccess() {
		return protocol.ResponseError(resp)
	}
	c.logger.Printf("transaction %s: sender %s compensated", txn.ID, txn.From)
	return nil
}

// authoritativeReplica redirects an id still registered as a backup to its
// paired primary; 2PC sub-operations only target primaries.
func (c *Coordinator) authoritativeReplica(accountID string) (string, *protocol.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.nodes[accountID]
	if !ok {
		return "", protocol.Errorf(protocol.CodeNotFound, "account %s not registered", accountID)
	}
	if entry.Role != protocol.RoleBackup {
		return accountID, nil
	}

	primaryID, ok := c.pairing.PrimaryID(accountID)
	if !ok {
		return "", protocol.Errorf(protocol.CodeNotFound,
			"backup %s has no deducible primary", accountID)
	}
	p, ok := c.nodes[primaryID]
	if !ok || p.Status == NodeFailed {
		return "", protocol.Errorf(protocol.CodeUnavailable,
			"primary %s for backup %s unavailable", primaryID, accountID)
	}
	return primaryID, nil
}

// setTxnStatus records a status change and persists the snapshot.
func (c *Coordinator) setTxnStatus(txn *Transaction, status TxnStatus, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn.Status = status
	txn.Error = errMsg
	c.persistLocked()
}

// TransactionStatus reports the recorded state of a transaction.
func (c *Coordinator) TransactionStatus(id string) (Transaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn, ok := c.txns[id]
	if !ok {
		return Transaction{}, false
	}
	return *txn, true
}
