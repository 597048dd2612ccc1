package ais

import (
	"fmt"
	"sync"
)

// Memory tables draw ids from a high base so they never collide with
// persisted tables allocated from the low range.
const memoryTableIDBase = 1 << 30

// NameGenerator allocates identifiers that must never collide across
// concurrent DDL: table ids, tree names, constraint names. MergeAIS marks
// everything present in a snapshot as used, so allocations after a newer
// catalog is observed cannot reissue its identifiers.
type NameGenerator interface {
	NextTableID(memoryTable bool) int
	GenerateGroupTreeName(schemaName, tableName string) string
	GenerateIndexTreeName(table TableName, indexName string) string
	GenerateSequenceTreeName(name TableName) string
	GenerateConstraintName(table TableName, base string) string
	MergeAIS(a *AIS)
}

// DefaultNameGenerator is not safe for concurrent use; wrap it with
// SynchronizedNameGenerator before sharing.
type DefaultNameGenerator struct {
	usedTableIDs        map[int]bool
	usedTreeNames       map[string]bool
	usedConstraintNames map[string]bool
	nextTableID         int
	nextMemoryTableID   int
}

func NewDefaultNameGenerator() *DefaultNameGenerator {
	return &DefaultNameGenerator{
		usedTableIDs:        make(map[int]bool),
		usedTreeNames:       make(map[string]bool),
		usedConstraintNames: make(map[string]bool),
		nextTableID:         1,
		nextMemoryTableID:   memoryTableIDBase,
	}
}

func (g *DefaultNameGenerator) NextTableID(memoryTable bool) int {
	next := &g.nextTableID
	if memoryTable {
		next = &g.nextMemoryTableID
	}
	for g.usedTableIDs[*next] {
		*next++
	}
	id := *next
	g.usedTableIDs[id] = true
	*next++
	return id
}

func (g *DefaultNameGenerator) GenerateGroupTreeName(schemaName, tableName string) string {
	return g.claimTreeName(schemaName + "." + tableName)
}

func (g *DefaultNameGenerator) GenerateIndexTreeName(table TableName, indexName string) string {
	return g.claimTreeName(table.String() + "." + indexName)
}

func (g *DefaultNameGenerator) GenerateSequenceTreeName(name TableName) string {
	return g.claimTreeName("seq." + name.String())
}

func (g *DefaultNameGenerator) GenerateConstraintName(table TableName, base string) string {
	candidate := table.String() + "." + base
	for n := 2; g.usedConstraintNames[candidate]; n++ {
		candidate = fmt.Sprintf("%s.%s$%d", table, base, n)
	}
	g.usedConstraintNames[candidate] = true
	return candidate
}

// claimTreeName returns base, or base with a $n suffix when base is taken.
func (g *DefaultNameGenerator) claimTreeName(base string) string {
	candidate := base
	for n := 2; g.usedTreeNames[candidate]; n++ {
		candidate = fmt.Sprintf("%s$%d", base, n)
	}
	g.usedTreeNames[candidate] = true
	return candidate
}

// MergeAIS marks every identifier present in the snapshot as used.
func (g *DefaultNameGenerator) MergeAIS(a *AIS) {
	a.UserTables(func(t *Table) {
		g.usedTableIDs[t.TableID()] = true
		if t.GroupTreeName() != "" {
			g.usedTreeNames[t.GroupTreeName()] = true
		}
		t.Indexes(func(idx *Index) {
			if idx.TreeName() != "" {
				g.usedTreeNames[idx.TreeName()] = true
			}
			if idx.Constraint() != ConstraintNone {
				g.usedConstraintNames[t.Name().String()+"."+idx.Name()] = true
			}
		})
	})
	a.Schemas(func(s *Schema) {
		s.Sequences(func(seq *Sequence) {
			if seq.TreeName() != "" {
				g.usedTreeNames[seq.TreeName()] = true
			}
		})
	})
}

// SynchronizedNameGenerator serializes access to a non-thread-safe generator
// with one coarse lock. Callers must not hold an operation across KV I/O.
type SynchronizedNameGenerator struct {
	mu    sync.Mutex
	inner NameGenerator
}

func SynchronizeNameGenerator(inner NameGenerator) *SynchronizedNameGenerator {
	return &SynchronizedNameGenerator{inner: inner}
}

func (g *SynchronizedNameGenerator) NextTableID(memoryTable bool) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.NextTableID(memoryTable)
}

func (g *SynchronizedNameGenerator) GenerateGroupTreeName(schemaName, tableName string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.GenerateGroupTreeName(schemaName, tableName)
}

func (g *SynchronizedNameGenerator) GenerateIndexTreeName(table TableName, indexName string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.GenerateIndexTreeName(table, indexName)
}

func (g *SynchronizedNameGenerator) GenerateSequenceTreeName(name TableName) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.GenerateSequenceTreeName(name)
}

func (g *SynchronizedNameGenerator) GenerateConstraintName(table TableName, base string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.GenerateConstraintName(table, base)
}

func (g *SynchronizedNameGenerator) MergeAIS(a *AIS) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inner.MergeAIS(a)
}
