// Package ais holds the information-schema graph: schemas, tables, columns,
// indexes, sequences, routines and SQLJ jars, plus the supporting machinery
// the schema manager needs around it (validation rules, name generation,
// table versions).
//
// An AIS is built mutably, then frozen. Once frozen no mutator succeeds; the
// graph is replaced wholesale by the schema manager, never edited in place.
// The generation stamp identifies the committed catalog version the graph
// corresponds to.
package ais

import (
	"sort"

	"github.com/pingcap/errors"
)

// ErrFrozen is returned by every mutator once Freeze has been called.
var ErrFrozen = errors.New("AIS is frozen")

type AIS struct {
	schemas    map[string]*Schema
	generation int64
	frozen     bool
}

func NewAIS() *AIS {
	return &AIS{
		schemas:    make(map[string]*Schema),
		generation: -1,
	}
}

// Generation returns the committed catalog version this graph was stamped
// with, or -1 before stamping.
func (a *AIS) Generation() int64 {
	return a.generation
}

// SetGeneration stamps the graph. Stamping a frozen graph fails.
func (a *AIS) SetGeneration(gen int64) error {
	if a.frozen {
		return errors.Trace(ErrFrozen)
	}
	a.generation = gen
	return nil
}

// Freeze makes the graph immutable. Idempotent.
func (a *AIS) Freeze() {
	a.frozen = true
}

func (a *AIS) IsFrozen() bool {
	return a.frozen
}

// Schema returns the named schema, or nil.
func (a *AIS) Schema(name string) *Schema {
	return a.schemas[name]
}

// SchemaNames returns all schema names in sorted order.
func (a *AIS) SchemaNames() []string {
	names := make([]string, 0, len(a.schemas))
	for name := range a.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas visits every schema in name order.
func (a *AIS) Schemas(visit func(*Schema)) {
	for _, name := range a.SchemaNames() {
		visit(a.schemas[name])
	}
}

// EnsureSchema returns the named schema, creating it when absent.
func (a *AIS) EnsureSchema(name string) (*Schema, error) {
	if s := a.schemas[name]; s != nil {
		return s, nil
	}
	s := &Schema{
		name:      name,
		tables:    make(map[string]*Table),
		sequences: make(map[string]*Sequence),
		routines:  make(map[string]*Routine),
		sqljJars:  make(map[string]*SQLJJar),
	}
	if err := a.AddSchema(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *AIS) AddSchema(s *Schema) error {
	if a.frozen {
		return errors.Trace(ErrFrozen)
	}
	if _, ok := a.schemas[s.name]; ok {
		return errors.Errorf("duplicate schema %q", s.name)
	}
	s.ais = a
	a.schemas[s.name] = s
	return nil
}

func (a *AIS) RemoveSchema(name string) error {
	if a.frozen {
		return errors.Trace(ErrFrozen)
	}
	delete(a.schemas, name)
	return nil
}

// UserTables visits every table of every schema in deterministic order.
func (a *AIS) UserTables(visit func(*Table)) {
	a.Schemas(func(s *Schema) {
		s.Tables(visit)
	})
}

// Table resolves a qualified table name, or nil.
func (a *AIS) Table(name TableName) *Table {
	s := a.Schema(name.SchemaName())
	if s == nil {
		return nil
	}
	return s.Table(name.Name())
}

// Equal reports deep structural equality, ignoring the generation stamp and
// the frozen flag.
func (a *AIS) Equal(other *AIS) bool {
	if len(a.schemas) != len(other.schemas) {
		return false
	}
	for name, s := range a.schemas {
		os := other.schemas[name]
		if os == nil || !s.equal(os) {
			return false
		}
	}
	return true
}

// Schema groups the tables, sequences, routines and jars sharing one name
// prefix.
type Schema struct {
	ais       *AIS
	name      string
	tables    map[string]*Table
	sequences map[string]*Sequence
	routines  map[string]*Routine
	sqljJars  map[string]*SQLJJar
}

func (s *Schema) Name() string {
	return s.name
}

func (s *Schema) frozen() bool {
	return s.ais != nil && s.ais.frozen
}

func (s *Schema) Table(name string) *Table {
	return s.tables[name]
}

// Tables visits tables in name order.
func (s *Schema) Tables(visit func(*Table)) {
	names := make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		visit(s.tables[n])
	}
}

func (s *Schema) AddTable(t *Table) error {
	if s.frozen() {
		return errors.Trace(ErrFrozen)
	}
	if t.name.SchemaName() != s.name {
		return errors.Errorf("table %s does not belong in schema %q", t.name, s.name)
	}
	if _, ok := s.tables[t.name.Name()]; ok {
		return errors.Errorf("duplicate table %s", t.name)
	}
	t.schema = s
	s.tables[t.name.Name()] = t
	return nil
}

func (s *Schema) RemoveTable(name string) error {
	if s.frozen() {
		return errors.Trace(ErrFrozen)
	}
	delete(s.tables, name)
	return nil
}

func (s *Schema) Sequence(name string) *Sequence {
	return s.sequences[name]
}

func (s *Schema) Sequences(visit func(*Sequence)) {
	names := make([]string, 0, len(s.sequences))
	for n := range s.sequences {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		visit(s.sequences[n])
	}
}

func (s *Schema) AddSequence(seq *Sequence) error {
	if s.frozen() {
		return errors.Trace(ErrFrozen)
	}
	if _, ok := s.sequences[seq.name.Name()]; ok {
		return errors.Errorf("duplicate sequence %s", seq.name)
	}
	seq.schema = s
	s.sequences[seq.name.Name()] = seq
	return nil
}

func (s *Schema) RemoveSequence(name string) error {
	if s.frozen() {
		return errors.Trace(ErrFrozen)
	}
	delete(s.sequences, name)
	return nil
}

func (s *Schema) Routine(name string) *Routine {
	return s.routines[name]
}

func (s *Schema) Routines(visit func(*Routine)) {
	names := make([]string, 0, len(s.routines))
	for n := range s.routines {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		visit(s.routines[n])
	}
}

func (s *Schema) AddRoutine(r *Routine) error {
	if s.frozen() {
		return errors.Trace(ErrFrozen)
	}
	if _, ok := s.routines[r.name.Name()]; ok {
		return errors.Errorf("duplicate routine %s", r.name)
	}
	s.routines[r.name.Name()] = r
	return nil
}

func (s *Schema) RemoveRoutine(name string) error {
	if s.frozen() {
		return errors.Trace(ErrFrozen)
	}
	delete(s.routines, name)
	return nil
}

func (s *Schema) SQLJJar(name string) *SQLJJar {
	return s.sqljJars[name]
}

func (s *Schema) SQLJJars(visit func(*SQLJJar)) {
	names := make([]string, 0, len(s.sqljJars))
	for n := range s.sqljJars {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		visit(s.sqljJars[n])
	}
}

func (s *Schema) AddSQLJJar(j *SQLJJar) error {
	if s.frozen() {
		return errors.Trace(ErrFrozen)
	}
	if _, ok := s.sqljJars[j.name.Name()]; ok {
		return errors.Errorf("duplicate jar %s", j.name)
	}
	s.sqljJars[j.name.Name()] = j
	return nil
}

// IsEmpty reports whether nothing at all lives in the schema.
func (s *Schema) IsEmpty() bool {
	return len(s.tables) == 0 && len(s.sequences) == 0 &&
		len(s.routines) == 0 && len(s.sqljJars) == 0
}

func (s *Schema) equal(other *Schema) bool {
	if s.name != other.name ||
		len(s.tables) != len(other.tables) ||
		len(s.sequences) != len(other.sequences) ||
		len(s.routines) != len(other.routines) ||
		len(s.sqljJars) != len(other.sqljJars) {
		return false
	}
	for name, t := range s.tables {
		ot := other.tables[name]
		if ot == nil || !t.equal(ot) {
			return false
		}
	}
	for name, seq := range s.sequences {
		oseq := other.sequences[name]
		if oseq == nil || !seq.equal(oseq) {
			return false
		}
	}
	for name, r := range s.routines {
		or := other.routines[name]
		if or == nil || *r != *or {
			return false
		}
	}
	for name, j := range s.sqljJars {
		oj := other.sqljJars[name]
		if oj == nil || *j != *oj {
			return false
		}
	}
	return true
}
