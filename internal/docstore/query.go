package docstore

import (
	"fmt"
	"regexp"
)

// IDField addresses the record id in predicates.
const IDField = "id"

// Predicate is a filter over record fields. Implementations are the
// concrete types in this file; stores switch on them.
type Predicate interface {
	predicate()
}

// Equals matches records whose Field equals Value.
type Equals struct {
	Field string
	Value any
}

// In matches records whose Field equals any of Values.
type In struct {
	Field  string
	Values []string
}

// Contains matches records whose array Field holds Value.
type Contains struct {
	Field string
	Value string
}

// ContainsAny matches records whose array Field holds at least one of Values.
type ContainsAny struct {
	Field  string
	Values []string
}

// HasPrefix matches records whose string Field starts with Prefix.
type HasPrefix struct {
	Field  string
	Prefix string
}

// And is a conjunction. An empty And matches everything.
type And []Predicate

func (Equals) predicate()      {}
func (In) predicate()          {}
func (Contains) predicate()    {}
func (ContainsAny) predicate() {}
func (HasPrefix) predicate()   {}
func (And) predicate()         {}

// Query selects records of one type. Results are ordered by id; Fields
// projects the returned field map (empty means all fields) and Limit caps
// the result count (zero means unlimited).
type Query struct {
	Type   string
	Filter Predicate
	Fields []string
	Limit  int
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is safe to use as a record type or
// field name.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// Validate checks identifiers in the query.
func (q Query) Validate() error {
	if !ValidIdentifier(q.Type) {
		return fmt.Errorf("invalid record type %q", q.Type)
	}
	for _, f := range q.Fields {
		if !ValidIdentifier(f) {
			return fmt.Errorf("invalid projected field %q", f)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("negative limit %d", q.Limit)
	}
	return validatePredicate(q.Filter)
}

func validatePredicate(p Predicate) error {
	var field string
	switch pred := p.(type) {
	case nil:
		return nil
	case Equals:
		field = pred.Field
	case In:
		field = pred.Field
	case Contains:
		field = pred.Field
	case ContainsAny:
		field = pred.Field
	case HasPrefix:
		field = pred.Field
	case And:
		for _, inner := range pred {
			if err := validatePredicate(inner); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported predicate type: %T", p)
	}
	if !ValidIdentifier(field) {
		return fmt.Errorf("invalid predicate field %q", field)
	}
	return nil
}
