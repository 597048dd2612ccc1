package transaction

import (
	"bytes"

	"github.com/google/btree"
	"github.com/pingcap/errors"

	"github.com/emberdb-incubator/embersql/kv/engine"
	"github.com/emberdb-incubator/embersql/session"
)

type txnState int

const (
	stateActive txnState = iota
	stateCommitted
	stateDiscarded
)

// Txn is one optimistic transaction. It is not safe for concurrent use; a
// session drives its transaction from one goroutine at a time.
type Txn struct {
	svc  *Service
	sess *session.Session

	readVer     uint64
	reads       map[string]struct{}
	prefixReads []string
	writes      *writeBuffer
	state       txnState

	endCallbacks []Callback
}

// Get reads key, observing the transaction's own buffered writes first.
// Absent keys return (nil, nil). The read is tracked for commit validation.
func (t *Txn) Get(key []byte) ([]byte, error) {
	if t.state != stateActive {
		return nil, errors.New("transaction is not active")
	}
	t.reads[string(key)] = struct{}{}
	if w, ok := t.writes.get(string(key)); ok {
		if w.delete {
			return nil, nil
		}
		return w.value, nil
	}
	val, err := t.svc.eng.Get(key)
	return val, errors.Trace(err)
}

// Set buffers a write of key.
func (t *Txn) Set(key, value []byte) {
	if t.state != stateActive {
		panic("write on inactive transaction")
	}
	t.writes.put(writeItem{key: string(key), value: append([]byte(nil), value...)})
}

// Clear buffers a deletion of key.
func (t *Txn) Clear(key []byte) {
	if t.state != stateActive {
		panic("write on inactive transaction")
	}
	t.writes.put(writeItem{key: string(key), delete: true})
}

// ScanPrefix returns a lazy iterator over every key starting with prefix, in
// key order, merging buffered writes over the engine view. The prefix is
// tracked as a range read for commit validation.
func (t *Txn) ScanPrefix(prefix []byte) *PrefixIter {
	if t.state != stateActive {
		panic("scan on inactive transaction")
	}
	t.prefixReads = append(t.prefixReads, string(prefix))
	engIter := t.svc.eng.NewIterator()
	engIter.Seek(prefix)
	var buffered []writeItem
	t.writes.ascend([]byte(prefix), func(w writeItem) bool {
		if !bytes.HasPrefix([]byte(w.key), prefix) {
			return false
		}
		buffered = append(buffered, w)
		return true
	})
	return &PrefixIter{
		prefix:   append([]byte(nil), prefix...),
		engIter:  engIter,
		buffered: buffered,
	}
}

// CommitOrRetry attempts to commit. True asks the caller to re-run the
// transaction body against the reset transaction.
func (t *Txn) CommitOrRetry() (bool, error) {
	if t.state != stateActive {
		return false, errors.New("transaction is not active")
	}
	return t.svc.commitOrRetry(t)
}

// Close discards the transaction unless it already committed. Safe to defer:
// every exit path ends the transaction exactly once.
func (t *Txn) Close() {
	if t.state == stateActive {
		t.finish(stateDiscarded, 0)
	}
}

// resetLocked rearms the transaction against the newest committed state after
// a conflict. Called with the service commit mutex held.
func (t *Txn) resetLocked(commitVer uint64) {
	t.readVer = commitVer
	t.reads = make(map[string]struct{})
	t.prefixReads = nil
	t.writes = newWriteBuffer()
}

func (t *Txn) finish(state txnState, commitVer uint64) {
	t.state = state
	t.sess.Remove(sessionTxnKey)
	for _, fn := range t.endCallbacks {
		fn(t.sess, commitVer)
	}
	t.endCallbacks = nil
}

type writeItem struct {
	key    string
	value  []byte
	delete bool
}

func (w writeItem) Less(than btree.Item) bool {
	return w.key < than.(writeItem).key
}

// writeBuffer is the ordered buffer of a transaction's pending writes.
type writeBuffer struct {
	tree *btree.BTree
}

func newWriteBuffer() *writeBuffer {
	return &writeBuffer{tree: btree.New(8)}
}

func (b *writeBuffer) put(w writeItem) {
	b.tree.ReplaceOrInsert(w)
}

func (b *writeBuffer) get(key string) (writeItem, bool) {
	item := b.tree.Get(writeItem{key: key})
	if item == nil {
		return writeItem{}, false
	}
	return item.(writeItem), true
}

func (b *writeBuffer) len() int {
	return b.tree.Len()
}

// ascend walks items in key order starting at pivot (nil for the start).
func (b *writeBuffer) ascend(pivot []byte, fn func(writeItem) bool) {
	iter := func(i btree.Item) bool {
		return fn(i.(writeItem))
	}
	if pivot == nil {
		b.tree.Ascend(iter)
	} else {
		b.tree.AscendGreaterOrEqual(writeItem{key: string(pivot)}, iter)
	}
}

// PrefixIter merges buffered transaction writes over the engine view in key
// order. Buffered entries shadow engine entries with the same key; buffered
// deletions hide engine entries.
type PrefixIter struct {
	prefix   []byte
	engIter  engine.Iterator
	buffered []writeItem
	bufPos   int

	cur      writeItem
	curValid bool
}

// Next advances to the next visible key. It must be called before the first
// Key/Value access.
func (it *PrefixIter) Next() bool {
	for {
		engValid := it.engIter.ValidForPrefix(it.prefix)
		bufValid := it.bufPos < len(it.buffered)

		switch {
		case !engValid && !bufValid:
			it.curValid = false
			return false
		case engValid && (!bufValid || string(it.engIter.Key()) < it.buffered[it.bufPos].key):
			it.cur = writeItem{key: string(it.engIter.Key()), value: it.engIter.Value()}
			it.engIter.Next()
			it.curValid = true
			return true
		default:
			w := it.buffered[it.bufPos]
			it.bufPos++
			if engValid && string(it.engIter.Key()) == w.key {
				it.engIter.Next()
			}
			if w.delete {
				continue
			}
			it.cur = w
			it.curValid = true
			return true
		}
	}
}

func (it *PrefixIter) Key() []byte {
	if !it.curValid {
		panic("Key on exhausted iterator")
	}
	return []byte(it.cur.key)
}

func (it *PrefixIter) Value() []byte {
	if !it.curValid {
		panic("Value on exhausted iterator")
	}
	return it.cur.value
}

func (it *PrefixIter) Close() {
	it.engIter.Close()
}
