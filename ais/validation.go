package ais

import (
	"fmt"
	"strings"
)

// ValidationFailure describes one inconsistency found in an AIS.
type ValidationFailure struct {
	Message string
}

func (f ValidationFailure) Error() string {
	return f.Message
}

func failf(format string, args ...interface{}) ValidationFailure {
	return ValidationFailure{Message: fmt.Sprintf(format, args...)}
}

// ValidationResult collects failures from a ruleset run.
type ValidationResult struct {
	Failures []ValidationFailure
}

// ThrowIfNecessary returns the combined failure as an error, or nil.
func (r ValidationResult) ThrowIfNecessary() error {
	if len(r.Failures) == 0 {
		return nil
	}
	msgs := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		msgs[i] = f.Message
	}
	return failf("AIS validation failed: %s", strings.Join(msgs, "; "))
}

// Rule checks one structural invariant over the whole graph.
type Rule func(a *AIS, fail func(ValidationFailure))

// LiveAISValidations is the ruleset every catalog must pass before it can be
// installed, persisted or served.
var LiveAISValidations = []Rule{
	tableIDsUnique,
	treeNamesUnique,
	columnPositionsDense,
	indexColumnsExist,
	tableVersionsNotNegative,
}

// Validate runs the ruleset and collects every failure.
func (a *AIS) Validate(rules []Rule) ValidationResult {
	var result ValidationResult
	fail := func(f ValidationFailure) {
		result.Failures = append(result.Failures, f)
	}
	for _, rule := range rules {
		rule(a, fail)
	}
	return result
}

func tableIDsUnique(a *AIS, fail func(ValidationFailure)) {
	seen := make(map[int]TableName)
	a.UserTables(func(t *Table) {
		if prev, ok := seen[t.TableID()]; ok {
			fail(failf("tables %s and %s share table id %d", prev, t.Name(), t.TableID()))
			return
		}
		seen[t.TableID()] = t.Name()
	})
}

func treeNamesUnique(a *AIS, fail func(ValidationFailure)) {
	seen := make(map[string]string)
	claim := func(treeName, owner string) {
		if treeName == "" {
			return
		}
		if prev, ok := seen[treeName]; ok {
			fail(failf("%s and %s share tree name %q", prev, owner, treeName))
			return
		}
		seen[treeName] = owner
	}
	a.UserTables(func(t *Table) {
		claim(t.GroupTreeName(), "table "+t.Name().String())
		t.Indexes(func(idx *Index) {
			claim(idx.TreeName(), fmt.Sprintf("index %s.%s", t.Name(), idx.Name()))
		})
	})
	a.Schemas(func(s *Schema) {
		s.Sequences(func(seq *Sequence) {
			claim(seq.TreeName(), "sequence "+seq.Name().String())
		})
	})
}

func columnPositionsDense(a *AIS, fail func(ValidationFailure)) {
	a.UserTables(func(t *Table) {
		for i, c := range t.Columns() {
			if c.Position() != i {
				fail(failf("table %s column %q has position %d, want %d", t.Name(), c.Name(), c.Position(), i))
				return
			}
		}
	})
}

func indexColumnsExist(a *AIS, fail func(ValidationFailure)) {
	a.UserTables(func(t *Table) {
		t.Indexes(func(idx *Index) {
			for _, ic := range idx.Columns() {
				if t.Column(ic.ColumnName) == nil {
					fail(failf("index %s.%s references unknown column %q", t.Name(), idx.Name(), ic.ColumnName))
				}
			}
		})
	})
}

func tableVersionsNotNegative(a *AIS, fail func(ValidationFailure)) {
	a.UserTables(func(t *Table) {
		if t.Version() < 0 {
			fail(failf("table %s has negative version %d", t.Name(), t.Version()))
		}
	})
}
