package ais

import (
	"github.com/pingcap/errors"
)

// Sequence is a named number generator backed by the named tree.
type Sequence struct {
	schema    *Schema
	name      TableName
	treeName  string
	start     int64
	increment int64
	minValue  int64
	maxValue  int64
	cycle     bool
}

func NewSequence(name TableName, start, increment, minValue, maxValue int64, cycle bool) *Sequence {
	return &Sequence{
		name:      name,
		start:     start,
		increment: increment,
		minValue:  minValue,
		maxValue:  maxValue,
		cycle:     cycle,
	}
}

func (s *Sequence) Name() TableName {
	return s.name
}

func (s *Sequence) TreeName() string {
	return s.treeName
}

func (s *Sequence) frozen() bool {
	return s.schema != nil && s.schema.frozen()
}

func (s *Sequence) SetTreeName(name string) error {
	if s.frozen() {
		return errors.Trace(ErrFrozen)
	}
	s.treeName = name
	return nil
}

func (s *Sequence) Start() int64 {
	return s.start
}

func (s *Sequence) Increment() int64 {
	return s.increment
}

func (s *Sequence) MinValue() int64 {
	return s.minValue
}

func (s *Sequence) MaxValue() int64 {
	return s.maxValue
}

func (s *Sequence) Cycle() bool {
	return s.cycle
}

func (s *Sequence) equal(other *Sequence) bool {
	return s.name == other.name &&
		s.treeName == other.treeName &&
		s.start == other.start &&
		s.increment == other.increment &&
		s.minValue == other.minValue &&
		s.maxValue == other.maxValue &&
		s.cycle == other.cycle
}
