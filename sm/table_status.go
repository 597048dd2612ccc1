package sm

import (
	"sync"

	"github.com/pingcap/errors"

	"github.com/emberdb-incubator/embersql/kv/transaction"
	"github.com/emberdb-incubator/embersql/kv/util/codec"
	"github.com/emberdb-incubator/embersql/session"
)

// TableStatus carries the mutable per-table counters kept outside the frozen
// catalog graph.
type TableStatus struct {
	RowCount      int64
	AutoIncrement int64
}

// TableStatusCache serves table statuses. Persisted tables keep their status
// in the KV store under the session's transaction; memory tables keep theirs
// in process memory only.
type TableStatusCache struct {
	txnService *transaction.Service

	mu             sync.Mutex
	memoryStatuses map[int]*TableStatus
}

func NewTableStatusCache(txnService *transaction.Service) *TableStatusCache {
	return &TableStatusCache{
		txnService:     txnService,
		memoryStatuses: make(map[int]*TableStatus),
	}
}

// CreateMemoryTableStatus registers an in-memory status for a memory table.
func (c *TableStatusCache) CreateMemoryTableStatus(tableID int) *TableStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.memoryStatuses[tableID]
	if ts == nil {
		ts = &TableStatus{}
		c.memoryStatuses[tableID] = ts
	}
	return ts
}

// GetTableStatus reads the status for a persisted table, or the in-memory
// status when one is registered. Absent statuses read as zero.
func (c *TableStatusCache) GetTableStatus(sess *session.Session, tableID int) (TableStatus, error) {
	c.mu.Lock()
	if ts := c.memoryStatuses[tableID]; ts != nil {
		out := *ts
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	txn, err := c.txnService.Get(sess)
	if err != nil {
		return TableStatus{}, errors.Trace(err)
	}
	val, err := txn.Get(packedStatusKey(tableID))
	if err != nil {
		return TableStatus{}, errors.Trace(err)
	}
	if val == nil {
		return TableStatus{}, nil
	}
	return decodeTableStatus(val)
}

// SetTableStatus writes the status for a persisted table in the session's
// transaction.
func (c *TableStatusCache) SetTableStatus(sess *session.Session, tableID int, ts TableStatus) error {
	txn, err := c.txnService.Get(sess)
	if err != nil {
		return errors.Trace(err)
	}
	txn.Set(packedStatusKey(tableID), encodeTableStatus(ts))
	return nil
}

// DeleteTableStatus removes both the persisted and the in-memory status.
func (c *TableStatusCache) DeleteTableStatus(sess *session.Session, tableID int) error {
	c.mu.Lock()
	delete(c.memoryStatuses, tableID)
	c.mu.Unlock()

	txn, err := c.txnService.Get(sess)
	if err != nil {
		return errors.Trace(err)
	}
	txn.Clear(packedStatusKey(tableID))
	return nil
}

// DetachAIS drops all in-memory statuses. Nothing here recreates them; only
// RegisterMemoryTable creates one, for the table it installs.
func (c *TableStatusCache) DetachAIS() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memoryStatuses = make(map[int]*TableStatus)
}

func encodeTableStatus(ts TableStatus) []byte {
	return codec.NewTuple(ts.RowCount, ts.AutoIncrement).Pack()
}

func decodeTableStatus(val []byte) (TableStatus, error) {
	elems, err := codec.UnpackTuple(val)
	if err != nil {
		return TableStatus{}, internalErrorf("malformed table status: %v", err)
	}
	if len(elems) != 2 {
		return TableStatus{}, internalErrorf("malformed table status (%d elements)", len(elems))
	}
	rowCount, ok1 := elems[0].(int64)
	autoInc, ok2 := elems[1].(int64)
	if !ok1 || !ok2 {
		return TableStatus{}, internalErrorf("malformed table status element types")
	}
	return TableStatus{RowCount: rowCount, AutoIncrement: autoInc}, nil
}
