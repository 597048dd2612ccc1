package protobuf

import (
	"github.com/golang/protobuf/proto"
	"github.com/pingcap/errors"

	"github.com/emberdb-incubator/embersql/ais"
)

// Reader accumulates serialized blobs and decodes them into a draft AIS.
// Blobs may arrive in any order; LoadAIS decodes everything fed so far and
// returns the target.
type Reader struct {
	target *ais.AIS
	blobs  [][]byte
}

func NewReader(target *ais.AIS) *Reader {
	return &Reader{target: target}
}

// LoadBuffer queues one blob for decoding.
func (r *Reader) LoadBuffer(blob []byte) {
	r.blobs = append(r.blobs, blob)
}

// LoadAIS decodes every queued blob into the target and resolves the draft.
func (r *Reader) LoadAIS() (*ais.AIS, error) {
	for _, blob := range r.blobs {
		if err := r.loadBlob(blob); err != nil {
			return nil, err
		}
	}
	r.blobs = nil
	return r.target, nil
}

func (r *Reader) loadBlob(blob []byte) error {
	d := decoder{buf: blob}
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return err
		}
		if field == blobFieldSchema && wire == wireBytes {
			msg, err := d.bytes()
			if err != nil {
				return err
			}
			if err := r.loadSchema(msg); err != nil {
				return err
			}
			continue
		}
		if err := d.skip(wire); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) loadSchema(msg []byte) error {
	d := decoder{buf: msg}
	var schema *ais.Schema
	ensure := func() (*ais.Schema, error) {
		if schema == nil {
			return nil, errors.New("schema content precedes schema name")
		}
		return schema, nil
	}
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return err
		}
		switch {
		case field == schemaFieldName && wire == wireBytes:
			name, err := d.str()
			if err != nil {
				return err
			}
			schema, err = r.target.EnsureSchema(name)
			if err != nil {
				return err
			}
		case field == schemaFieldTable && wire == wireBytes:
			s, err := ensure()
			if err != nil {
				return err
			}
			sub, err := d.bytes()
			if err != nil {
				return err
			}
			if err := loadTable(s, sub); err != nil {
				return err
			}
		case field == schemaFieldSequence && wire == wireBytes:
			s, err := ensure()
			if err != nil {
				return err
			}
			sub, err := d.bytes()
			if err != nil {
				return err
			}
			if err := loadSequence(s, sub); err != nil {
				return err
			}
		case field == schemaFieldRoutine && wire == wireBytes:
			s, err := ensure()
			if err != nil {
				return err
			}
			sub, err := d.bytes()
			if err != nil {
				return err
			}
			if err := loadRoutine(s, sub); err != nil {
				return err
			}
		case field == schemaFieldJar && wire == wireBytes:
			s, err := ensure()
			if err != nil {
				return err
			}
			sub, err := d.bytes()
			if err != nil {
				return err
			}
			if err := loadJar(s, sub); err != nil {
				return err
			}
		default:
			if err := d.skip(wire); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadTable(s *ais.Schema, msg []byte) error {
	d := decoder{buf: msg}
	var name string
	var tableID, version uint64
	var groupTree string
	var memory bool
	var columns, indexes [][]byte
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return err
		}
		switch {
		case field == tableFieldName && wire == wireBytes:
			if name, err = d.str(); err != nil {
				return err
			}
		case field == tableFieldTableID && wire == wireVarint:
			if tableID, err = d.varint(); err != nil {
				return err
			}
		case field == tableFieldVersion && wire == wireVarint:
			if version, err = d.varint(); err != nil {
				return err
			}
		case field == tableFieldGroupTree && wire == wireBytes:
			if groupTree, err = d.str(); err != nil {
				return err
			}
		case field == tableFieldMemoryTable && wire == wireVarint:
			v, err := d.varint()
			if err != nil {
				return err
			}
			memory = v != 0
		case field == tableFieldColumn && wire == wireBytes:
			sub, err := d.bytes()
			if err != nil {
				return err
			}
			columns = append(columns, sub)
		case field == tableFieldIndex && wire == wireBytes:
			sub, err := d.bytes()
			if err != nil {
				return err
			}
			indexes = append(indexes, sub)
		default:
			if err := d.skip(wire); err != nil {
				return err
			}
		}
	}
	if name == "" {
		return errors.New("table message missing name")
	}
	t := ais.NewTable(ais.NewTableName(s.Name(), name))
	if err := t.SetTableID(int(tableID)); err != nil {
		return err
	}
	if err := t.SetVersion(int(version)); err != nil {
		return err
	}
	if err := t.SetGroupTreeName(groupTree); err != nil {
		return err
	}
	if err := t.SetMemoryTable(memory); err != nil {
		return err
	}
	for _, sub := range columns {
		if err := loadColumn(t, sub); err != nil {
			return err
		}
	}
	for _, sub := range indexes {
		if err := loadIndex(t, sub); err != nil {
			return err
		}
	}
	return s.AddTable(t)
}

func loadColumn(t *ais.Table, msg []byte) error {
	d := decoder{buf: msg}
	var name, typeName string
	var position uint64
	var nullable bool
	var defaultValue *string
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return err
		}
		switch {
		case field == columnFieldName && wire == wireBytes:
			if name, err = d.str(); err != nil {
				return err
			}
		case field == columnFieldPosition && wire == wireVarint:
			if position, err = d.varint(); err != nil {
				return err
			}
		case field == columnFieldType && wire == wireBytes:
			if typeName, err = d.str(); err != nil {
				return err
			}
		case field == columnFieldNullable && wire == wireVarint:
			v, err := d.varint()
			if err != nil {
				return err
			}
			nullable = v != 0
		case field == columnFieldDefault && wire == wireBytes:
			dv, err := d.str()
			if err != nil {
				return err
			}
			defaultValue = &dv
		default:
			if err := d.skip(wire); err != nil {
				return err
			}
		}
	}
	c := ais.NewColumn(name, int(position), typeName, nullable)
	if defaultValue != nil {
		if err := c.SetDefaultValue(*defaultValue); err != nil {
			return err
		}
	}
	return t.AddColumn(c)
}

func loadIndex(t *ais.Table, msg []byte) error {
	d := decoder{buf: msg}
	var name, treeName, constraint string
	var indexID uint64
	var unique bool
	var cols [][]byte
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return err
		}
		switch {
		case field == indexFieldName && wire == wireBytes:
			if name, err = d.str(); err != nil {
				return err
			}
		case field == indexFieldIndexID && wire == wireVarint:
			if indexID, err = d.varint(); err != nil {
				return err
			}
		case field == indexFieldTreeName && wire == wireBytes:
			if treeName, err = d.str(); err != nil {
				return err
			}
		case field == indexFieldUnique && wire == wireVarint:
			v, err := d.varint()
			if err != nil {
				return err
			}
			unique = v != 0
		case field == indexFieldConstraint && wire == wireBytes:
			if constraint, err = d.str(); err != nil {
				return err
			}
		case field == indexFieldColumn && wire == wireBytes:
			sub, err := d.bytes()
			if err != nil {
				return err
			}
			cols = append(cols, sub)
		default:
			if err := d.skip(wire); err != nil {
				return err
			}
		}
	}
	idx := ais.NewIndex(name, int(indexID), unique, constraint)
	if err := idx.SetTreeName(treeName); err != nil {
		return err
	}
	for _, sub := range cols {
		cd := decoder{buf: sub}
		var colName string
		var pos uint64
		for !cd.done() {
			field, wire, err := cd.tag()
			if err != nil {
				return err
			}
			switch {
			case field == indexColumnFieldName && wire == wireBytes:
				if colName, err = cd.str(); err != nil {
					return err
				}
			case field == indexColumnFieldPosition && wire == wireVarint:
				if pos, err = cd.varint(); err != nil {
					return err
				}
			default:
				if err := cd.skip(wire); err != nil {
					return err
				}
			}
		}
		if err := idx.AddColumn(ais.IndexColumn{ColumnName: colName, Position: int(pos)}); err != nil {
			return err
		}
	}
	return t.AddIndex(idx)
}

func loadSequence(s *ais.Schema, msg []byte) error {
	d := decoder{buf: msg}
	var name, treeName string
	var start, increment, min, max int64
	var cycle bool
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return err
		}
		switch {
		case field == sequenceFieldName && wire == wireBytes:
			if name, err = d.str(); err != nil {
				return err
			}
		case field == sequenceFieldTreeName && wire == wireBytes:
			if treeName, err = d.str(); err != nil {
				return err
			}
		case field == sequenceFieldStart && wire == wireVarint:
			if start, err = d.zigzag(); err != nil {
				return err
			}
		case field == sequenceFieldIncrement && wire == wireVarint:
			if increment, err = d.zigzag(); err != nil {
				return err
			}
		case field == sequenceFieldMin && wire == wireVarint:
			if min, err = d.zigzag(); err != nil {
				return err
			}
		case field == sequenceFieldMax && wire == wireVarint:
			if max, err = d.zigzag(); err != nil {
				return err
			}
		case field == sequenceFieldCycle && wire == wireVarint:
			v, err := d.varint()
			if err != nil {
				return err
			}
			cycle = v != 0
		default:
			if err := d.skip(wire); err != nil {
				return err
			}
		}
	}
	seq := ais.NewSequence(ais.NewTableName(s.Name(), name), start, increment, min, max, cycle)
	if err := seq.SetTreeName(treeName); err != nil {
		return err
	}
	return s.AddSequence(seq)
}

func loadRoutine(s *ais.Schema, msg []byte) error {
	d := decoder{buf: msg}
	var name, language, definition string
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return err
		}
		switch {
		case field == routineFieldName && wire == wireBytes:
			if name, err = d.str(); err != nil {
				return err
			}
		case field == routineFieldLanguage && wire == wireBytes:
			if language, err = d.str(); err != nil {
				return err
			}
		case field == routineFieldDefinition && wire == wireBytes:
			if definition, err = d.str(); err != nil {
				return err
			}
		default:
			if err := d.skip(wire); err != nil {
				return err
			}
		}
	}
	return s.AddRoutine(ais.NewRoutine(ais.NewTableName(s.Name(), name), language, definition))
}

func loadJar(s *ais.Schema, msg []byte) error {
	d := decoder{buf: msg}
	var name, url string
	for !d.done() {
		field, wire, err := d.tag()
		if err != nil {
			return err
		}
		switch {
		case field == jarFieldName && wire == wireBytes:
			if name, err = d.str(); err != nil {
				return err
			}
		case field == jarFieldURL && wire == wireBytes:
			if url, err = d.str(); err != nil {
				return err
			}
		default:
			if err := d.skip(wire); err != nil {
				return err
			}
		}
	}
	return s.AddSQLJJar(ais.NewSQLJJar(ais.NewTableName(s.Name(), name), url))
}

// decoder is a cursor over one wire-format message.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) done() bool {
	return d.pos >= len(d.buf)
}

func (d *decoder) varint() (uint64, error) {
	v, n := proto.DecodeVarint(d.buf[d.pos:])
	if n == 0 {
		return 0, errors.New("truncated varint")
	}
	d.pos += n
	return v, nil
}

func (d *decoder) zigzag() (int64, error) {
	v, err := d.varint()
	if err != nil {
		return 0, err
	}
	return int64(v>>1) ^ -int64(v&1), nil
}

func (d *decoder) tag() (field uint64, wire uint64, err error) {
	v, err := d.varint()
	if err != nil {
		return 0, 0, err
	}
	return v >> 3, v & 7, nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.varint()
	if err != nil {
		return nil, err
	}
	if uint64(len(d.buf)-d.pos) < n {
		return nil, errors.New("truncated length-delimited field")
	}
	out := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return out, nil
}

func (d *decoder) str() (string, error) {
	b, err := d.bytes()
	return string(b), err
}

func (d *decoder) skip(wire uint64) error {
	switch wire {
	case wireVarint:
		_, err := d.varint()
		return err
	case wireBytes:
		_, err := d.bytes()
		return err
	case 1: // fixed64
		if len(d.buf)-d.pos < 8 {
			return errors.New("truncated fixed64 field")
		}
		d.pos += 8
		return nil
	case 5: // fixed32
		if len(d.buf)-d.pos < 4 {
			return errors.New("truncated fixed32 field")
		}
		d.pos += 4
		return nil
	}
	return errors.Errorf("cannot skip unknown wire type %d", wire)
}
