package engine

import (
	"github.com/pingcap/errors"
)

// ErrInterrupted is returned by an engine when an in-flight read or write was
// cut short (store shutdown, request cancellation). The layers above map it to
// a query-canceled failure rather than retrying.
var ErrInterrupted = errors.New("storage operation interrupted")

// Engine is an ordered key/value storage engine. Engines are dumb: they hold
// the latest committed state only. Transactionality (buffering, conflict
// detection, retry) is layered on top by the transaction service.
type Engine interface {
	// Get returns the value stored at key, or (nil, nil) when the key is
	// absent.
	Get(key []byte) ([]byte, error)
	// NewIterator returns a forward iterator over the whole keyspace in key
	// order. The caller must Close it.
	NewIterator() Iterator
	// Write applies every entry of the batch atomically.
	Write(wb *WriteBatch) error
	Close() error
}

// Iterator walks engine keys in ascending order.
type Iterator interface {
	Seek(key []byte)
	Valid() bool
	ValidForPrefix(prefix []byte) bool
	Next()
	Key() []byte
	Value() []byte
	Close()
}

type entry struct {
	key   []byte
	value []byte
	// delete entries carry a nil value and the flag, so empty values stay
	// distinguishable from deletions.
	delete bool
}

// WriteBatch accumulates modifications for one atomic engine write.
type WriteBatch struct {
	entries []entry
	size    int
}

func (wb *WriteBatch) Set(key, val []byte) {
	wb.entries = append(wb.entries, entry{key: key, value: val})
	wb.size += len(key) + len(val)
}

func (wb *WriteBatch) Delete(key []byte) {
	wb.entries = append(wb.entries, entry{key: key, delete: true})
	wb.size += len(key)
}

func (wb *WriteBatch) Len() int {
	return len(wb.entries)
}

func (wb *WriteBatch) Size() int {
	return wb.size
}

func (wb *WriteBatch) Reset() {
	wb.entries = wb.entries[:0]
	wb.size = 0
}
