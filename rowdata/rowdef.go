// Package rowdata derives the physical row layout for each table of a
// catalog snapshot. A RowDef fixes the field order, the fixed-width region
// and the null bitmap so the row codec and the operators agree on offsets
// without consulting the catalog graph.
package rowdata

import (
	"github.com/emberdb-incubator/embersql/ais"
)

// FieldDef is the layout of one column within a row.
type FieldDef struct {
	Name     string
	TypeName string
	// Ordinal is the field's slot in the encoded row, not necessarily the
	// column position: not-null fields pack first, nullable fields follow.
	Ordinal int
	// FixedWidth is the encoded byte width, or 0 for variable-width types.
	FixedWidth int
	// NullBit is the field's bit in the null bitmap, or -1 for not-null
	// fields.
	NullBit int
}

// RowDef is the frozen layout of one table's rows.
type RowDef struct {
	TableID       int
	TableName     ais.TableName
	Version       int
	GroupTreeName string
	Fields        []FieldDef
	// NullBitmapBytes is the size of the per-row null bitmap.
	NullBitmapBytes int
}

// fixedWidths maps type names to their encoded widths. Anything absent is
// variable-width.
var fixedWidths = map[string]int{
	"tinyint":  1,
	"smallint": 2,
	"int":      4,
	"bigint":   8,
	"float":    4,
	"double":   8,
	"date":     4,
	"datetime": 8,
	"boolean":  1,
}

// NewRowDef computes the layout for one table. Not-null columns are assigned
// the leading ordinals so fixed offsets cover the common case.
func NewRowDef(t *ais.Table) *RowDef {
	rd := &RowDef{
		TableID:       t.TableID(),
		TableName:     t.Name(),
		Version:       t.Version(),
		GroupTreeName: t.GroupTreeName(),
	}
	cols := t.Columns()
	rd.Fields = make([]FieldDef, 0, len(cols))

	ordinal := 0
	for _, c := range cols {
		if c.Nullable() {
			continue
		}
		rd.Fields = append(rd.Fields, FieldDef{
			Name:       c.Name(),
			TypeName:   c.TypeName(),
			Ordinal:    ordinal,
			FixedWidth: fixedWidths[c.TypeName()],
			NullBit:    -1,
		})
		ordinal++
	}
	nullBit := 0
	for _, c := range cols {
		if !c.Nullable() {
			continue
		}
		rd.Fields = append(rd.Fields, FieldDef{
			Name:       c.Name(),
			TypeName:   c.TypeName(),
			Ordinal:    ordinal,
			FixedWidth: fixedWidths[c.TypeName()],
			NullBit:    nullBit,
		})
		ordinal++
		nullBit++
	}
	rd.NullBitmapBytes = (nullBit + 7) / 8
	return rd
}

// Field returns the layout of the named column, or nil.
func (rd *RowDef) Field(name string) *FieldDef {
	for i := range rd.Fields {
		if rd.Fields[i].Name == name {
			return &rd.Fields[i]
		}
	}
	return nil
}
