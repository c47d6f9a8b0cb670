// Package transaction coordinates readers and the single writer of a
// gojolite engine: snapshot versions, the bounded writer lock, commit through
// the write-ahead log and checkpoint coordination with open snapshots.
package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/gojolite/core/dberror"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// TransactionState represents the lifecycle state of a transaction.
type TransactionState int

const (
	TxnStateActive     TransactionState = iota // Operations are being applied
	TxnStateCommitting                         // Frames are being appended to the log
	TxnStateCommitted                          // Terminal: changes are durable
	TxnStateRolledBack                         // Terminal: changes were discarded
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateActive:
		return "Active"
	case TxnStateCommitting:
		return "Committing"
	case TxnStateCommitted:
		return "Committed"
	case TxnStateRolledBack:
		return "RolledBack"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

// Transaction is either a read snapshot or the engine's single write
// transaction. Its view resolves pages at the snapshot version and, for a
// writer, holds the dirty pages until commit.
type Transaction struct {
	id        uint64
	writable  bool
	view      *pagemanager.View
	mgr       *Manager
	startedAt time.Time
	held      bool // runs under a lock taken by RunExclusive

	mu    sync.Mutex
	state TransactionState
}

func (t *Transaction) ID() uint64 { return t.id }
func (t *Transaction) Writable() bool { return t.writable }
func (t *Transaction) Version() uint64 { return t.view.Version() }
func (t *Transaction) View() *pagemanager.View { return t.view }
func (t *Transaction) StartedAt() time.Time { return t.startedAt }

// State returns the current state.
func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Active reports whether the transaction can still be used.
func (t *Transaction) Active() bool { return t.State() == TxnStateActive }

// Commit makes the changes of a write transaction durable and visible to new
// snapshots, then releases the writer lock. Ending a read snapshot is a
// commit without changes. If the log append fails the transaction is rolled
// back and the error returned.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TxnStateActive {
		return fmt.Errorf("%w: transaction %d is %s", dberror.ErrTransactionClosed, t.id, t.state)
	}
	if !t.writable {
		t.state = TxnStateCommitted
		t.mgr.endRead(t)
		return nil
	}

	t.state = TxnStateCommitting
	if err := t.mgr.commit(t); err != nil {
		t.state = TxnStateRolledBack
		t.view.Discard()
		t.mgr.endWrite(t, false)
		return err
	}
	t.state = TxnStateCommitted
	t.mgr.endWrite(t, true)
	return nil
}

// Rollback discards every change and releases the writer lock. No version
// is consumed.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TxnStateActive {
		return fmt.Errorf("%w: transaction %d is %s", dberror.ErrTransactionClosed, t.id, t.state)
	}
	t.state = TxnStateRolledBack
	if !t.writable {
		t.mgr.endRead(t)
		return nil
	}
	t.view.Discard()
	t.mgr.endWrite(t, false)
	return nil
}
