package rowdata

import (
	"sync"

	"github.com/emberdb-incubator/embersql/ais"
)

// RowDefCache holds the row layouts for the currently installed catalog.
// The whole cache is rebuilt whenever a new snapshot is accepted; readers see
// either the old set or the new set, never a mix.
type RowDefCache struct {
	mu      sync.RWMutex
	rowDefs map[int]*RowDef
}

func NewRowDefCache() *RowDefCache {
	return &RowDefCache{rowDefs: make(map[int]*RowDef)}
}

// SetAIS rebuilds every row definition from the snapshot.
func (c *RowDefCache) SetAIS(a *ais.AIS) {
	rowDefs := make(map[int]*RowDef)
	a.UserTables(func(t *ais.Table) {
		rowDefs[t.TableID()] = NewRowDef(t)
	})
	c.mu.Lock()
	c.rowDefs = rowDefs
	c.mu.Unlock()
}

// RowDef returns the layout for a table id, or nil.
func (c *RowDefCache) RowDef(tableID int) *RowDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rowDefs[tableID]
}

// Len returns the number of cached layouts.
func (c *RowDefCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rowDefs)
}
