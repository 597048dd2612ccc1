package sm

import (
	"github.com/pingcap/errors"

	"github.com/emberdb-incubator/embersql/ais"
	"github.com/emberdb-incubator/embersql/ais/protobuf"
	"github.com/emberdb-incubator/embersql/session"
)

// DDL executors. Each runs inside the commit-or-retry loop: the body clones
// the transaction's snapshot, applies the change, and persists through
// SaveAISChangeWithRowDefs. On a conflict the whole body reruns against the
// newer snapshot, so everything it builds must be rebuildable from scratch.
// Identifiers are allocated after the duplicate checks; allocations from a
// failed attempt stay marked used and are never reissued.

// CreateTableDefinition adds a persisted table. The table id is drawn from the
// name generator; the group tree name and index tree names are drawn from it
// when the request leaves them blank. The request's column and index
// definitions are copied verbatim.
func (m *KVSchemaManager) CreateTableDefinition(sess *session.Session, table *ais.Table) (ais.TableName, error) {
	name := table.Name()
	if table.IsMemoryTable() {
		return name, errors.Errorf("table %s is memory-resident; use RegisterMemoryTable", name)
	}
	err := m.Transactionally(sess, func(sess *session.Session) error {
		cur, err := m.GetAis(sess)
		if err != nil {
			return err
		}
		candidate, err := cloneAIS(cur)
		if err != nil {
			return err
		}
		schema, err := candidate.EnsureSchema(name.SchemaName())
		if err != nil {
			return err
		}
		if schema.Table(name.Name()) != nil {
			return errors.Errorf("table %s already exists", name)
		}

		t, err := copyTable(table)
		if err != nil {
			return err
		}
		if err := t.SetTableID(m.nameGenerator.NextTableID(false)); err != nil {
			return err
		}
		if err := t.SetVersion(1); err != nil {
			return err
		}
		if t.GroupTreeName() == "" {
			if err := t.SetGroupTreeName(m.nameGenerator.GenerateGroupTreeName(name.SchemaName(), name.Name())); err != nil {
				return err
			}
		}
		var treeErr error
		t.Indexes(func(idx *ais.Index) {
			if treeErr != nil || idx.TreeName() != "" {
				return
			}
			treeErr = idx.SetTreeName(m.nameGenerator.GenerateIndexTreeName(name, idx.Name()))
		})
		if treeErr != nil {
			return treeErr
		}
		if err := schema.AddTable(t); err != nil {
			return err
		}
		if err := m.SaveAISChangeWithRowDefs(sess, candidate, []string{name.SchemaName()}); err != nil {
			return err
		}
		return m.tableStatusCache.SetTableStatus(sess, t.TableID(), TableStatus{})
	})
	return name, err
}

// RegisterMemoryTable installs a memory-resident table: no generation bump,
// no blob write, in-memory status only.
func (m *KVSchemaManager) RegisterMemoryTable(sess *session.Session, table *ais.Table) error {
	name := table.Name()
	if !table.IsMemoryTable() {
		return errors.Errorf("table %s is not memory-resident", name)
	}
	return m.Transactionally(sess, func(sess *session.Session) error {
		cur, err := m.GetAis(sess)
		if err != nil {
			return err
		}
		candidate, err := cloneAIS(cur)
		if err != nil {
			return err
		}
		schema, err := candidate.EnsureSchema(name.SchemaName())
		if err != nil {
			return err
		}
		if schema.Table(name.Name()) != nil {
			return errors.Errorf("table %s already exists", name)
		}
		t, err := copyTable(table)
		if err != nil {
			return err
		}
		if err := t.SetTableID(m.nameGenerator.NextTableID(true)); err != nil {
			return err
		}
		if err := t.SetVersion(1); err != nil {
			return err
		}
		if err := schema.AddTable(t); err != nil {
			return err
		}
		if err := m.UnSavedAISChangeWithRowDefs(sess, candidate); err != nil {
			return err
		}
		m.tableStatusCache.CreateMemoryTableStatus(t.TableID())
		return nil
	})
}

// DropTableDefinition removes a table and its status.
func (m *KVSchemaManager) DropTableDefinition(sess *session.Session, name ais.TableName) error {
	return m.Transactionally(sess, func(sess *session.Session) error {
		cur, err := m.GetAis(sess)
		if err != nil {
			return err
		}
		candidate, err := cloneAIS(cur)
		if err != nil {
			return err
		}
		t := candidate.Table(name)
		if t == nil {
			return errors.Errorf("unknown table %s", name)
		}
		tableID := t.TableID()
		if err := candidate.Schema(name.SchemaName()).RemoveTable(name.Name()); err != nil {
			return err
		}
		if err := m.SaveAISChangeWithRowDefs(sess, candidate, []string{name.SchemaName()}); err != nil {
			return err
		}
		return m.DeleteTableStatuses(sess, []int{tableID})
	})
}

// AddColumn appends a column to an existing table and bumps its version.
func (m *KVSchemaManager) AddColumn(sess *session.Session, table ais.TableName, columnName, typeName string, nullable bool) error {
	return m.Transactionally(sess, func(sess *session.Session) error {
		cur, err := m.GetAis(sess)
		if err != nil {
			return err
		}
		candidate, err := cloneAIS(cur)
		if err != nil {
			return err
		}
		t := candidate.Table(table)
		if t == nil {
			return errors.Errorf("unknown table %s", table)
		}
		if t.Column(columnName) != nil {
			return errors.Errorf("column %q already exists in table %s", columnName, table)
		}
		if err := t.AddColumn(ais.NewColumn(columnName, len(t.Columns()), typeName, nullable)); err != nil {
			return err
		}
		if err := t.SetVersion(t.Version() + 1); err != nil {
			return err
		}
		return m.SaveAISChangeWithRowDefs(sess, candidate, []string{table.SchemaName()})
	})
}

// DropSchema removes the whole schema; its blob key is cleared.
func (m *KVSchemaManager) DropSchema(sess *session.Session, schemaName string) error {
	return m.Transactionally(sess, func(sess *session.Session) error {
		cur, err := m.GetAis(sess)
		if err != nil {
			return err
		}
		candidate, err := cloneAIS(cur)
		if err != nil {
			return err
		}
		schema := candidate.Schema(schemaName)
		if schema == nil {
			return errors.Errorf("unknown schema %q", schemaName)
		}
		var tableIDs []int
		schema.Tables(func(t *ais.Table) {
			tableIDs = append(tableIDs, t.TableID())
		})
		if err := candidate.RemoveSchema(schemaName); err != nil {
			return err
		}
		if err := m.SaveAISChangeWithRowDefs(sess, candidate, []string{schemaName}); err != nil {
			return err
		}
		return m.DeleteTableStatuses(sess, tableIDs)
	})
}

// CreateSequence adds a sequence; its tree name is drawn from the name
// generator when the request leaves it blank.
func (m *KVSchemaManager) CreateSequence(sess *session.Session, seq *ais.Sequence) error {
	name := seq.Name()
	return m.Transactionally(sess, func(sess *session.Session) error {
		cur, err := m.GetAis(sess)
		if err != nil {
			return err
		}
		candidate, err := cloneAIS(cur)
		if err != nil {
			return err
		}
		schema, err := candidate.EnsureSchema(name.SchemaName())
		if err != nil {
			return err
		}
		if schema.Sequence(name.Name()) != nil {
			return errors.Errorf("sequence %s already exists", name)
		}
		copied, err := copySequence(seq)
		if err != nil {
			return err
		}
		if copied.TreeName() == "" {
			if err := copied.SetTreeName(m.nameGenerator.GenerateSequenceTreeName(name)); err != nil {
				return err
			}
		}
		if err := schema.AddSequence(copied); err != nil {
			return err
		}
		return m.SaveAISChangeWithRowDefs(sess, candidate, []string{name.SchemaName()})
	})
}

func (m *KVSchemaManager) DropSequence(sess *session.Session, name ais.TableName) error {
	return m.Transactionally(sess, func(sess *session.Session) error {
		cur, err := m.GetAis(sess)
		if err != nil {
			return err
		}
		candidate, err := cloneAIS(cur)
		if err != nil {
			return err
		}
		schema := candidate.Schema(name.SchemaName())
		if schema == nil || schema.Sequence(name.Name()) == nil {
			return errors.Errorf("unknown sequence %s", name)
		}
		if err := schema.RemoveSequence(name.Name()); err != nil {
			return err
		}
		return m.SaveAISChangeWithRowDefs(sess, candidate, []string{name.SchemaName()})
	})
}

func (m *KVSchemaManager) CreateRoutine(sess *session.Session, routine *ais.Routine) error {
	name := routine.Name()
	return m.Transactionally(sess, func(sess *session.Session) error {
		cur, err := m.GetAis(sess)
		if err != nil {
			return err
		}
		candidate, err := cloneAIS(cur)
		if err != nil {
			return err
		}
		schema, err := candidate.EnsureSchema(name.SchemaName())
		if err != nil {
			return err
		}
		if schema.Routine(name.Name()) != nil {
			return errors.Errorf("routine %s already exists", name)
		}
		if err := schema.AddRoutine(ais.NewRoutine(name, routine.Language(), routine.Definition())); err != nil {
			return err
		}
		return m.SaveAISChangeWithRowDefs(sess, candidate, []string{name.SchemaName()})
	})
}

func (m *KVSchemaManager) DropRoutine(sess *session.Session, name ais.TableName) error {
	return m.Transactionally(sess, func(sess *session.Session) error {
		cur, err := m.GetAis(sess)
		if err != nil {
			return err
		}
		candidate, err := cloneAIS(cur)
		if err != nil {
			return err
		}
		schema := candidate.Schema(name.SchemaName())
		if schema == nil || schema.Routine(name.Name()) == nil {
			return errors.Errorf("unknown routine %s", name)
		}
		if err := schema.RemoveRoutine(name.Name()); err != nil {
			return err
		}
		return m.SaveAISChangeWithRowDefs(sess, candidate, []string{name.SchemaName()})
	})
}

// cloneAIS deep-copies a snapshot through the codec, so clone fidelity is
// covered by the same machinery as persistence. The clone is mutable and
// unstamped.
func cloneAIS(a *ais.AIS) (*ais.AIS, error) {
	buffer := protobuf.NewGrowableByteBuffer(0)
	reader := protobuf.NewReader(ais.NewAIS())
	for _, name := range a.SchemaNames() {
		buffer.Clear()
		if err := protobuf.NewWriter(buffer, protobuf.SingleSchemaSelector{Schema: name}).Save(a); err != nil {
			return nil, err
		}
		reader.LoadBuffer(buffer.Bytes())
	}
	return reader.LoadAIS()
}

// copyTable deep-copies a detached table definition.
func copyTable(src *ais.Table) (*ais.Table, error) {
	t := ais.NewTable(src.Name())
	if err := t.SetTableID(src.TableID()); err != nil {
		return nil, err
	}
	if err := t.SetVersion(src.Version()); err != nil {
		return nil, err
	}
	if err := t.SetGroupTreeName(src.GroupTreeName()); err != nil {
		return nil, err
	}
	if err := t.SetMemoryTable(src.IsMemoryTable()); err != nil {
		return nil, err
	}
	for _, c := range src.Columns() {
		copied := ais.NewColumn(c.Name(), c.Position(), c.TypeName(), c.Nullable())
		if dv := c.DefaultValue(); dv != nil {
			if err := copied.SetDefaultValue(*dv); err != nil {
				return nil, err
			}
		}
		if err := t.AddColumn(copied); err != nil {
			return nil, err
		}
	}
	var idxErr error
	src.Indexes(func(idx *ais.Index) {
		if idxErr != nil {
			return
		}
		copied := ais.NewIndex(idx.Name(), idx.IndexID(), idx.IsUnique(), idx.Constraint())
		if idxErr = copied.SetTreeName(idx.TreeName()); idxErr != nil {
			return
		}
		for _, ic := range idx.Columns() {
			if idxErr = copied.AddColumn(ic); idxErr != nil {
				return
			}
		}
		idxErr = t.AddIndex(copied)
	})
	if idxErr != nil {
		return nil, idxErr
	}
	return t, nil
}

func copySequence(src *ais.Sequence) (*ais.Sequence, error) {
	copied := ais.NewSequence(src.Name(), src.Start(), src.Increment(), src.MinValue(), src.MaxValue(), src.Cycle())
	if err := copied.SetTreeName(src.TreeName()); err != nil {
		return nil, err
	}
	return copied, nil
}
