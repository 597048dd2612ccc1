package protobuf

import (
	"github.com/golang/protobuf/proto"
	"github.com/pingcap/errors"

	"github.com/emberdb-incubator/embersql/ais"
)

// Field numbers of the wire format. Unknown fields are skipped on read, so
// additions stay backward compatible; renumbering does not.
const (
	blobFieldSchema = 1

	schemaFieldName     = 1
	schemaFieldTable    = 2
	schemaFieldSequence = 3
	schemaFieldRoutine  = 4
	schemaFieldJar      = 5

	tableFieldName        = 1
	tableFieldTableID     = 2
	tableFieldVersion     = 3
	tableFieldGroupTree   = 4
	tableFieldMemoryTable = 5
	tableFieldColumn      = 6
	tableFieldIndex       = 7

	columnFieldName     = 1
	columnFieldPosition = 2
	columnFieldType     = 3
	columnFieldNullable = 4
	columnFieldDefault  = 5

	indexFieldName       = 1
	indexFieldIndexID    = 2
	indexFieldTreeName   = 3
	indexFieldUnique     = 4
	indexFieldConstraint = 5
	indexFieldColumn     = 6

	indexColumnFieldName     = 1
	indexColumnFieldPosition = 2

	sequenceFieldName      = 1
	sequenceFieldTreeName  = 2
	sequenceFieldStart     = 3
	sequenceFieldIncrement = 4
	sequenceFieldMin       = 5
	sequenceFieldMax       = 6
	sequenceFieldCycle     = 7

	routineFieldName       = 1
	routineFieldLanguage   = 2
	routineFieldDefinition = 3

	jarFieldName = 1
	jarFieldURL  = 2
)

const (
	wireVarint = 0
	wireBytes  = 2
)

// WriteSelector restricts which catalog elements a save pass emits.
// SelectedTable may exclude a table (nil) or substitute a rewritten one.
type WriteSelector interface {
	IsSchemaSelected(name string) bool
	SelectedTable(t *ais.Table) *ais.Table
	IsSequenceSelected(s *ais.Sequence) bool
	IsRoutineSelected(r *ais.Routine) bool
	IsJarSelected(j *ais.SQLJJar) bool
}

// SingleSchemaSelector emits everything in one schema, minus the optional
// exclusions used when persisting system schemas.
type SingleSchemaSelector struct {
	Schema string
	// ExcludeMemoryTables drops memory-resident tables; set when persisting
	// the information_schema and security schemas.
	ExcludeMemoryTables bool
	// ExcludeRoutines drops routines; set when persisting the sys and sqlj
	// schemas.
	ExcludeRoutines bool
}

func (s SingleSchemaSelector) IsSchemaSelected(name string) bool {
	return name == s.Schema
}

func (s SingleSchemaSelector) SelectedTable(t *ais.Table) *ais.Table {
	if s.ExcludeMemoryTables && t.IsMemoryTable() {
		return nil
	}
	return t
}

func (s SingleSchemaSelector) IsSequenceSelected(*ais.Sequence) bool {
	return true
}

func (s SingleSchemaSelector) IsRoutineSelected(*ais.Routine) bool {
	return !s.ExcludeRoutines
}

func (s SingleSchemaSelector) IsJarSelected(*ais.SQLJJar) bool {
	return true
}

// MemoryTableSelector emits just the memory-resident tables plus the system
// routines, across all schemas. No sequences, no jars.
type MemoryTableSelector struct{}

func (MemoryTableSelector) IsSchemaSelected(string) bool {
	return true
}

func (MemoryTableSelector) SelectedTable(t *ais.Table) *ais.Table {
	if t.IsMemoryTable() {
		return t
	}
	return nil
}

func (MemoryTableSelector) IsSequenceSelected(*ais.Sequence) bool {
	return false
}

func (MemoryTableSelector) IsRoutineSelected(r *ais.Routine) bool {
	switch r.Name().SchemaName() {
	case ais.SysSchema, ais.SQLJSchema, ais.SecuritySchema:
		return true
	}
	return false
}

func (MemoryTableSelector) IsJarSelected(*ais.SQLJJar) bool {
	return false
}

// Writer serializes the selected subset of an AIS into a GrowableByteBuffer.
type Writer struct {
	buffer   *GrowableByteBuffer
	selector WriteSelector
}

func NewWriter(buffer *GrowableByteBuffer, selector WriteSelector) *Writer {
	return &Writer{buffer: buffer, selector: selector}
}

// Save emits every selected schema into the buffer. On overflow the buffer
// contents are unspecified and ErrBufferOverflow is returned.
func (w *Writer) Save(a *ais.AIS) error {
	pb := proto.NewBuffer(nil)
	var saveErr error
	a.Schemas(func(s *ais.Schema) {
		if saveErr != nil || !w.selector.IsSchemaSelected(s.Name()) {
			return
		}
		msg, err := w.schemaMessage(s)
		if err != nil {
			saveErr = err
			return
		}
		writeTag(pb, blobFieldSchema, wireBytes)
		if err := pb.EncodeRawBytes(msg); err != nil {
			saveErr = errors.Trace(err)
		}
	})
	if saveErr != nil {
		return saveErr
	}
	_, err := w.buffer.Write(pb.Bytes())
	return err
}

// schemaMessage emits the schema name plus whatever the selector keeps. An
// empty schema still produces a name-only message so it survives a
// round-trip.
func (w *Writer) schemaMessage(s *ais.Schema) ([]byte, error) {
	pb := proto.NewBuffer(nil)
	writeTag(pb, schemaFieldName, wireBytes)
	if err := pb.EncodeStringBytes(s.Name()); err != nil {
		return nil, errors.Trace(err)
	}

	var encErr error
	s.Tables(func(t *ais.Table) {
		if encErr != nil {
			return
		}
		t = w.selector.SelectedTable(t)
		if t == nil {
			return
		}
		encErr = encodeNested(pb, schemaFieldTable, tableMessage(t))
	})
	s.Sequences(func(seq *ais.Sequence) {
		if encErr != nil || !w.selector.IsSequenceSelected(seq) {
			return
		}
		encErr = encodeNested(pb, schemaFieldSequence, sequenceMessage(seq))
	})
	s.Routines(func(r *ais.Routine) {
		if encErr != nil || !w.selector.IsRoutineSelected(r) {
			return
		}
		encErr = encodeNested(pb, schemaFieldRoutine, routineMessage(r))
	})
	s.SQLJJars(func(j *ais.SQLJJar) {
		if encErr != nil || !w.selector.IsJarSelected(j) {
			return
		}
		encErr = encodeNested(pb, schemaFieldJar, jarMessage(j))
	})
	if encErr != nil {
		return nil, encErr
	}
	return pb.Bytes(), nil
}

func tableMessage(t *ais.Table) []byte {
	pb := proto.NewBuffer(nil)
	writeTag(pb, tableFieldName, wireBytes)
	pb.EncodeStringBytes(t.Name().Name())
	writeTag(pb, tableFieldTableID, wireVarint)
	pb.EncodeVarint(uint64(t.TableID()))
	writeTag(pb, tableFieldVersion, wireVarint)
	pb.EncodeVarint(uint64(t.Version()))
	writeTag(pb, tableFieldGroupTree, wireBytes)
	pb.EncodeStringBytes(t.GroupTreeName())
	writeTag(pb, tableFieldMemoryTable, wireVarint)
	pb.EncodeVarint(boolVarint(t.IsMemoryTable()))
	for _, c := range t.Columns() {
		encodeNested(pb, tableFieldColumn, columnMessage(c))
	}
	t.Indexes(func(idx *ais.Index) {
		encodeNested(pb, tableFieldIndex, indexMessage(idx))
	})
	return pb.Bytes()
}

func columnMessage(c *ais.Column) []byte {
	pb := proto.NewBuffer(nil)
	writeTag(pb, columnFieldName, wireBytes)
	pb.EncodeStringBytes(c.Name())
	writeTag(pb, columnFieldPosition, wireVarint)
	pb.EncodeVarint(uint64(c.Position()))
	writeTag(pb, columnFieldType, wireBytes)
	pb.EncodeStringBytes(c.TypeName())
	writeTag(pb, columnFieldNullable, wireVarint)
	pb.EncodeVarint(boolVarint(c.Nullable()))
	if dv := c.DefaultValue(); dv != nil {
		writeTag(pb, columnFieldDefault, wireBytes)
		pb.EncodeStringBytes(*dv)
	}
	return pb.Bytes()
}

func indexMessage(idx *ais.Index) []byte {
	pb := proto.NewBuffer(nil)
	writeTag(pb, indexFieldName, wireBytes)
	pb.EncodeStringBytes(idx.Name())
	writeTag(pb, indexFieldIndexID, wireVarint)
	pb.EncodeVarint(uint64(idx.IndexID()))
	writeTag(pb, indexFieldTreeName, wireBytes)
	pb.EncodeStringBytes(idx.TreeName())
	writeTag(pb, indexFieldUnique, wireVarint)
	pb.EncodeVarint(boolVarint(idx.IsUnique()))
	writeTag(pb, indexFieldConstraint, wireBytes)
	pb.EncodeStringBytes(idx.Constraint())
	for _, ic := range idx.Columns() {
		icpb := proto.NewBuffer(nil)
		writeTag(icpb, indexColumnFieldName, wireBytes)
		icpb.EncodeStringBytes(ic.ColumnName)
		writeTag(icpb, indexColumnFieldPosition, wireVarint)
		icpb.EncodeVarint(uint64(ic.Position))
		encodeNested(pb, indexFieldColumn, icpb.Bytes())
	}
	return pb.Bytes()
}

func sequenceMessage(s *ais.Sequence) []byte {
	pb := proto.NewBuffer(nil)
	writeTag(pb, sequenceFieldName, wireBytes)
	pb.EncodeStringBytes(s.Name().Name())
	writeTag(pb, sequenceFieldTreeName, wireBytes)
	pb.EncodeStringBytes(s.TreeName())
	writeTag(pb, sequenceFieldStart, wireVarint)
	pb.EncodeZigzag64(uint64(s.Start()))
	writeTag(pb, sequenceFieldIncrement, wireVarint)
	pb.EncodeZigzag64(uint64(s.Increment()))
	writeTag(pb, sequenceFieldMin, wireVarint)
	pb.EncodeZigzag64(uint64(s.MinValue()))
	writeTag(pb, sequenceFieldMax, wireVarint)
	pb.EncodeZigzag64(uint64(s.MaxValue()))
	writeTag(pb, sequenceFieldCycle, wireVarint)
	pb.EncodeVarint(boolVarint(s.Cycle()))
	return pb.Bytes()
}

func routineMessage(r *ais.Routine) []byte {
	pb := proto.NewBuffer(nil)
	writeTag(pb, routineFieldName, wireBytes)
	pb.EncodeStringBytes(r.Name().Name())
	writeTag(pb, routineFieldLanguage, wireBytes)
	pb.EncodeStringBytes(r.Language())
	writeTag(pb, routineFieldDefinition, wireBytes)
	pb.EncodeStringBytes(r.Definition())
	return pb.Bytes()
}

func jarMessage(j *ais.SQLJJar) []byte {
	pb := proto.NewBuffer(nil)
	writeTag(pb, jarFieldName, wireBytes)
	pb.EncodeStringBytes(j.Name().Name())
	writeTag(pb, jarFieldURL, wireBytes)
	pb.EncodeStringBytes(j.URL())
	return pb.Bytes()
}

func writeTag(pb *proto.Buffer, field, wire uint64) {
	pb.EncodeVarint(field<<3 | wire)
}

func encodeNested(pb *proto.Buffer, field uint64, msg []byte) error {
	writeTag(pb, field, wireBytes)
	return errors.Trace(pb.EncodeRawBytes(msg))
}

func boolVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
