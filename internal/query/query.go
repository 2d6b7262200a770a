// Package query implements the declarative filter/sort resolution pipeline
// behind the list endpoints. Resources register named filter and sort
// definitions once at startup; each incoming request carries an opaque
// filter token and a sort token, which the pipeline decodes, authorizes,
// validates, and applies onto a squirrel select builder. The builder is
// returned unexecuted; running it is the storage layer's job.
package query

import (
	sq "github.com/Masterminds/squirrel"
)

// Kind identifies the value contract of a filter definition. Kind-specific
// filters have their decoded value normalized before the apply function
// runs: timestamps become time.Time, selects collapse to the chosen
// option's underlying value, booleans become a record of named flags.
type Kind string

// Supported filter kinds.
const (
	KindGeneric   Kind = "generic"
	KindTimestamp Kind = "timestamp"
	KindSelect    Kind = "select"
	KindBoolean   Kind = "boolean"
)

// Direction specifies the ordering of a sort request.
type Direction string

// Supported sort directions. The wire token defaults to ascending; a
// leading "-" selects descending and a leading "+" ascending.
const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// SQL returns the SQL ordering keyword for the direction.
func (d Direction) SQL() string {
	if d == Descending {
		return "DESC"
	}
	return "ASC"
}

// Option is one label/value pair in a filter's option catalog. Order is
// preserved as declared by the resource.
type Option struct {
	Label string `json:"label"`
	Value any    `json:"value"`
}

// Caller is the identity an authorization predicate examines. The boundary
// layer builds it from the authenticated principal; the CLI builds it from
// flags.
type Caller struct {
	ActorID     string
	Roles       []string
	Permissions []string
}

// Can reports whether the caller holds the named permission.
func (c Caller) Can(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// ApplyFunc mutates a select builder with the resolved filter value and
// returns the result. Builders are immutable values, so an unapplied
// filter leaves the caller's query untouched.
type ApplyFunc func(query sq.SelectBuilder, value *Value) sq.SelectBuilder

// Filter is a registered, named rule describing how to transform a query
// given a client-supplied value.
type Filter struct {
	// Key is the stable identity of the filter, unique within a registry.
	Key string
	// Kind selects the value normalization contract. Empty means generic.
	Kind Kind
	// Description is surfaced in the introspection catalog.
	Description string
	// Options is the ordered option catalog for select and boolean kinds.
	// Boolean options must carry string values; those strings name the
	// flags of the decoded payload.
	Options []Option
	// Rules maps a value field path to the schema it must satisfy. All
	// rules across all filters in a request are checked before any filter
	// is applied.
	Rules map[string]*RuleSchema
	// Authorize gates the filter per caller. A nil predicate always
	// allows. A false result drops the filter silently; it is not an
	// error.
	Authorize func(Caller) bool
	// Apply performs the query transformation. Required.
	Apply ApplyFunc
}

// RelationBinding names the related entity a sort reaches through. The
// engine joins the relation before ordering by the bound column.
type RelationBinding struct {
	// Name is the relation segment of the wire token, e.g. "author" in
	// "author.attributes.name".
	Name string
	// Join is the SQL join clause that makes the relation visible to the
	// query, e.g. "authors ON authors.id = posts.author_id".
	Join string
	// Column is the qualified column to order by, e.g. "authors.name".
	Column string
}

// SortTransform overrides default column ordering for a sort definition.
type SortTransform func(query sq.SelectBuilder, direction Direction) sq.SelectBuilder

// Sort is a registered, named rule describing how to order a query.
// Exactly one ordering strategy wins per definition: Transform if set,
// otherwise the relation binding, otherwise the bare column.
type Sort struct {
	// Key is either a bare column name or a relation-qualified path of
	// the form "relation.attributes.column".
	Key string
	// Column optionally overrides the emitted ORDER BY expression for
	// bare-column sorts.
	Column string
	// Relation binds the sort to a related entity's column.
	Relation *RelationBinding
	// Transform, when set, takes precedence over both the relation
	// binding and column ordering.
	Transform SortTransform
	// Description is surfaced alongside the sortables group.
	Description string
}
