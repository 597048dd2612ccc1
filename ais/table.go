package ais

import (
	"sort"

	"github.com/pingcap/errors"
)

// Table is one user table: columns in positional order plus its indexes.
// MemoryTable marks tables served from memory-resident factories; they are
// left out of the information_schema and security blobs. In any other schema
// the blob includes them.
type Table struct {
	schema *Schema
	name   TableName

	tableID       int
	version       int
	groupTreeName string
	memoryTable   bool

	columns []*Column
	indexes map[string]*Index
}

func NewTable(name TableName) *Table {
	return &Table{
		name:    name,
		indexes: make(map[string]*Index),
	}
}

func (t *Table) Name() TableName {
	return t.name
}

func (t *Table) TableID() int {
	return t.tableID
}

func (t *Table) Version() int {
	return t.version
}

func (t *Table) GroupTreeName() string {
	return t.groupTreeName
}

func (t *Table) IsMemoryTable() bool {
	return t.memoryTable
}

func (t *Table) frozen() bool {
	return t.schema != nil && t.schema.frozen()
}

func (t *Table) SetTableID(id int) error {
	if t.frozen() {
		return errors.Trace(ErrFrozen)
	}
	t.tableID = id
	return nil
}

func (t *Table) SetVersion(v int) error {
	if t.frozen() {
		return errors.Trace(ErrFrozen)
	}
	t.version = v
	return nil
}

func (t *Table) SetGroupTreeName(name string) error {
	if t.frozen() {
		return errors.Trace(ErrFrozen)
	}
	t.groupTreeName = name
	return nil
}

func (t *Table) SetMemoryTable(memory bool) error {
	if t.frozen() {
		return errors.Trace(ErrFrozen)
	}
	t.memoryTable = memory
	return nil
}

// Columns returns the columns in positional order. Callers must not modify
// the returned slice.
func (t *Table) Columns() []*Column {
	return t.columns
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for _, c := range t.columns {
		if c.name == name {
			return c
		}
	}
	return nil
}

// AddColumn appends a column; its position must be the next free position.
func (t *Table) AddColumn(c *Column) error {
	if t.frozen() {
		return errors.Trace(ErrFrozen)
	}
	if t.Column(c.name) != nil {
		return errors.Errorf("duplicate column %q in table %s", c.name, t.name)
	}
	if c.position != len(t.columns) {
		return errors.Errorf("column %q position %d out of order in table %s", c.name, c.position, t.name)
	}
	c.table = t
	t.columns = append(t.columns, c)
	return nil
}

// Index returns the named index, or nil.
func (t *Table) Index(name string) *Index {
	return t.indexes[name]
}

// Indexes visits indexes in name order.
func (t *Table) Indexes(visit func(*Index)) {
	for _, name := range sortedIndexNames(t.indexes) {
		visit(t.indexes[name])
	}
}

func (t *Table) AddIndex(idx *Index) error {
	if t.frozen() {
		return errors.Trace(ErrFrozen)
	}
	if _, ok := t.indexes[idx.name]; ok {
		return errors.Errorf("duplicate index %q on table %s", idx.name, t.name)
	}
	idx.table = t
	t.indexes[idx.name] = idx
	return nil
}

func (t *Table) equal(other *Table) bool {
	if t.name != other.name ||
		t.tableID != other.tableID ||
		t.version != other.version ||
		t.groupTreeName != other.groupTreeName ||
		t.memoryTable != other.memoryTable ||
		len(t.columns) != len(other.columns) ||
		len(t.indexes) != len(other.indexes) {
		return false
	}
	for i, c := range t.columns {
		if !c.equal(other.columns[i]) {
			return false
		}
	}
	for name, idx := range t.indexes {
		oidx := other.indexes[name]
		if oidx == nil || !idx.equal(oidx) {
			return false
		}
	}
	return true
}

// Column is one table column. Position is the zero-based ordinal.
type Column struct {
	table        *Table
	name         string
	position     int
	typeName     string
	nullable     bool
	defaultValue *string
}

func NewColumn(name string, position int, typeName string, nullable bool) *Column {
	return &Column{
		name:     name,
		position: position,
		typeName: typeName,
		nullable: nullable,
	}
}

func (c *Column) Name() string {
	return c.name
}

func (c *Column) Position() int {
	return c.position
}

func (c *Column) TypeName() string {
	return c.typeName
}

func (c *Column) Nullable() bool {
	return c.nullable
}

// DefaultValue returns the column default, or nil when none is declared.
func (c *Column) DefaultValue() *string {
	return c.defaultValue
}

func (c *Column) frozen() bool {
	return c.table != nil && c.table.frozen()
}

func (c *Column) SetDefaultValue(v string) error {
	if c.frozen() {
		return errors.Trace(ErrFrozen)
	}
	c.defaultValue = &v
	return nil
}

func (c *Column) equal(other *Column) bool {
	if c.name != other.name ||
		c.position != other.position ||
		c.typeName != other.typeName ||
		c.nullable != other.nullable {
		return false
	}
	switch {
	case c.defaultValue == nil:
		return other.defaultValue == nil
	case other.defaultValue == nil:
		return false
	default:
		return *c.defaultValue == *other.defaultValue
	}
}

// Index constraint kinds.
const (
	ConstraintPrimary = "PRIMARY KEY"
	ConstraintUnique  = "UNIQUE"
	ConstraintNone    = ""
)

// Index is one index over a table's columns, backed by the named tree.
type Index struct {
	table      *Table
	name       string
	indexID    int
	treeName   string
	unique     bool
	constraint string
	columns    []IndexColumn
}

// IndexColumn names a table column and its position within the index key.
type IndexColumn struct {
	ColumnName string
	Position   int
}

func NewIndex(name string, indexID int, unique bool, constraint string) *Index {
	return &Index{
		name:       name,
		indexID:    indexID,
		unique:     unique,
		constraint: constraint,
	}
}

func (i *Index) Name() string {
	return i.name
}

func (i *Index) IndexID() int {
	return i.indexID
}

func (i *Index) TreeName() string {
	return i.treeName
}

func (i *Index) frozen() bool {
	return i.table != nil && i.table.frozen()
}

func (i *Index) SetTreeName(name string) error {
	if i.frozen() {
		return errors.Trace(ErrFrozen)
	}
	i.treeName = name
	return nil
}

func (i *Index) IsUnique() bool {
	return i.unique
}

func (i *Index) Constraint() string {
	return i.constraint
}

func (i *Index) Columns() []IndexColumn {
	return i.columns
}

func (i *Index) AddColumn(col IndexColumn) error {
	if i.frozen() {
		return errors.Trace(ErrFrozen)
	}
	i.columns = append(i.columns, col)
	return nil
}

func (i *Index) equal(other *Index) bool {
	if i.name != other.name ||
		i.indexID != other.indexID ||
		i.treeName != other.treeName ||
		i.unique != other.unique ||
		i.constraint != other.constraint ||
		len(i.columns) != len(other.columns) {
		return false
	}
	for pos, c := range i.columns {
		if c != other.columns[pos] {
			return false
		}
	}
	return true
}

func sortedIndexNames(indexes map[string]*Index) []string {
	names := make([]string, 0, len(indexes))
	for n := range indexes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
