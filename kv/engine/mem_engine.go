package engine

import (
	"bytes"
	"sync"

	"github.com/petar/GoLLRB/llrb"
)

// MemEngine is an ordered engine backed by memory. Data is not written to
// disk. It is intended for testing and for bootstrap runs.
type MemEngine struct {
	mu   sync.RWMutex
	data *llrb.LLRB
}

func NewMemEngine() *MemEngine {
	return &MemEngine{data: llrb.New()}
}

func (e *MemEngine) Get(key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	result := e.data.Get(memItem{key: key})
	if result == nil {
		return nil, nil
	}
	return result.(memItem).value, nil
}

func (e *MemEngine) Write(wb *WriteBatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ent := range wb.entries {
		if ent.delete {
			e.data.Delete(memItem{key: ent.key})
		} else {
			e.data.ReplaceOrInsert(memItem{key: ent.key, value: ent.value})
		}
	}
	return nil
}

// NewIterator materializes the current tree contents. The snapshot keeps the
// iterator stable while concurrent batches land.
func (e *MemEngine) NewIterator() Iterator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	items := make([]memItem, 0, e.data.Len())
	e.data.AscendGreaterOrEqual(memItem{}, func(i llrb.Item) bool {
		items = append(items, i.(memItem))
		return true
	})
	return &memIterator{items: items}
}

func (e *MemEngine) Close() error {
	return nil
}

func (e *MemEngine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data.Len()
}

type memItem struct {
	key   []byte
	value []byte
}

func (it memItem) Less(than llrb.Item) bool {
	other := than.(memItem)
	return bytes.Compare(it.key, other.key) < 0
}

type memIterator struct {
	items []memItem
	pos   int
}

func (it *memIterator) Seek(key []byte) {
	it.pos = 0
	for it.pos < len(it.items) && bytes.Compare(it.items[it.pos].key, key) < 0 {
		it.pos++
	}
}

func (it *memIterator) Valid() bool {
	return it.pos < len(it.items)
}

func (it *memIterator) ValidForPrefix(prefix []byte) bool {
	return it.Valid() && bytes.HasPrefix(it.items[it.pos].key, prefix)
}

func (it *memIterator) Next() {
	it.pos++
}

func (it *memIterator) Key() []byte {
	return it.items[it.pos].key
}

func (it *memIterator) Value() []byte {
	return it.items[it.pos].value
}

func (it *memIterator) Close() {}
