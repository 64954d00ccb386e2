package validate

import (
	"fmt"
	"strings"

	"github.com/jacentio/lattice/relation"
)

// Severity is the impact of a failed rule.
type Severity string

const (
	// SeverityError blocks the operation.
	SeverityError Severity = "error"

	// SeverityWarning is reported without blocking.
	SeverityWarning Severity = "warning"
)

// Rule is an integrity check over an entity and one of its related entities.
//
// With Relation set, Check runs once per target of that relation, or once
// with a nil related entity when there is none. Otherwise Check runs with a
// nil related entity for the entity itself and once per directly related
// entity across all relations.
type Rule struct {
	Name string

	// EntityType restricts the rule to one type; empty matches all.
	EntityType string

	Relation string

	// Check returns false when the rule fails.
	Check func(entity, related relation.Entity) bool

	Message  string
	Severity Severity
}

func (r Rule) applies(entityType string) bool {
	return r.EntityType == "" || r.EntityType == entityType
}

func (r Rule) severity() Severity {
	if r.Severity == "" {
		return SeverityError
	}
	return r.Severity
}

// RequiredRelation fails when entityType has no target for property.
func RequiredRelation(entityType, property string) Rule {
	return Rule{
		Name:       "required-relation",
		EntityType: entityType,
		Relation:   property,
		Check:      func(_, related relation.Entity) bool { return related != nil },
		Message:    fmt.Sprintf("%s.%s is required", entityType, property),
		Severity:   SeverityError,
	}
}

// ActiveRelated fails when a target of property is archived.
func ActiveRelated(entityType, property string, severity Severity) Rule {
	return Rule{
		Name:       "active-related",
		EntityType: entityType,
		Relation:   property,
		Check: func(_, related relation.Entity) bool {
			return related == nil || relation.IsActive(related)
		},
		Message:  fmt.Sprintf("%s.%s references an archived entity", entityType, property),
		Severity: severity,
	}
}

// Result is one failed rule.
type Result struct {
	Rule     string
	Entity   relation.Ref
	Relation string

	// Related is set when the rule failed for a related entity.
	Related *relation.Ref

	// Path lists the refs of a detected cycle.
	Path []string

	Message  string
	Severity Severity
}

// String returns a readable description.
func (r Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", r.Severity, r.Entity, r.Message)
	if r.Related != nil {
		fmt.Fprintf(&b, " (%s)", r.Related)
	}
	if len(r.Path) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(r.Path, " -> "))
	}
	return b.String()
}

// Errors returns the results with error severity.
func Errors(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Severity == SeverityError {
			out = append(out, r)
		}
	}
	return out
}
