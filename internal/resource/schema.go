// Package resource is the scope-gated generic CRUD surface over a fixed set
// of registered record types.
package resource

import (
	"sort"
)

// ColumnKind selects how a column is coerced on input and encoded on output.
type ColumnKind int

const (
	Int ColumnKind = iota
	Text
	Bool
	Float
	Time
)

func (k ColumnKind) String() string {
	switch k {
	case Int:
		return "INTEGER"
	case Bool:
		return "BOOLEAN"
	case Float:
		return "FLOAT"
	case Time:
		return "DATETIME"
	default:
		return "TEXT"
	}
}

// Column describes one column of a record type.
type Column struct {
	Name     string
	Kind     ColumnKind
	Nullable bool
}

// Schema describes a record type. Every schema has an integer primary key
// and created_at/updated_at audit columns managed by the gateway.
type Schema struct {
	Name       string
	PrimaryKey string
	Columns    []Column
}

const (
	colCreatedAt = "created_at"
	colUpdatedAt = "updated_at"
)

func (s *Schema) isManaged(name string) bool {
	return name == s.PrimaryKey || name == colCreatedAt || name == colUpdatedAt
}

// Column looks a column up by name.
func (s *Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames lists every column in declaration order.
func (s *Schema) ColumnNames() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// table builds a schema with the standard id and audit columns around fields.
func table(name string, fields ...Column) Schema {
	cols := make([]Column, 0, len(fields)+3)
	cols = append(cols, Column{Name: "id", Kind: Int})
	cols = append(cols, fields...)
	cols = append(cols, Column{Name: colCreatedAt, Kind: Time}, Column{Name: colUpdatedAt, Kind: Time})
	return Schema{Name: name, PrimaryKey: "id", Columns: cols}
}

// DefaultSchemas are the record types shipped with the schema migrations.
func DefaultSchemas() []Schema {
	return []Schema{
		table("labs",
			Column{Name: "name", Kind: Text},
			Column{Name: "description", Kind: Text, Nullable: true},
			Column{Name: "location", Kind: Text, Nullable: true},
		),
		table("samples",
			Column{Name: "lab_id", Kind: Int},
			Column{Name: "code", Kind: Text},
			Column{Name: "status", Kind: Text},
			Column{Name: "description", Kind: Text, Nullable: true},
		),
		table("reagent_kits",
			Column{Name: "name", Kind: Text},
			Column{Name: "description", Kind: Text, Nullable: true},
		),
		table("docs",
			Column{Name: "name", Kind: Text},
			Column{Name: "path", Kind: Text},
			Column{Name: "description", Kind: Text, Nullable: true},
			Column{Name: "owner_id", Kind: Int, Nullable: true},
		),
	}
}

// Registry maps type names to schemas and holds the whitelist of names the
// gateway will serve. It is built at startup and read-only afterwards.
type Registry struct {
	schemas map[string]*Schema
	allowed map[string]bool
}

// NewRegistry registers schemas and whitelists all of them.
func NewRegistry(schemas ...Schema) *Registry {
	r := &Registry{schemas: make(map[string]*Schema, len(schemas)), allowed: map[string]bool{}}
	for i := range schemas {
		s := schemas[i]
		r.schemas[s.Name] = &s
		r.allowed[s.Name] = true
	}
	return r
}

// DefaultRegistry registers DefaultSchemas.
func DefaultRegistry() *Registry {
	return NewRegistry(DefaultSchemas()...)
}

// Allow replaces the whitelist. An empty list whitelists every registered type.
// Names need not be registered; they then fail as unknown rather than forbidden.
func (r *Registry) Allow(names []string) *Registry {
	if len(names) == 0 {
		return r
	}
	r.allowed = make(map[string]bool, len(names))
	for _, n := range names {
		r.allowed[n] = true
	}
	return r
}

// Lookup returns the schema registered under name, ignoring the whitelist.
func (r *Registry) Lookup(name string) (*Schema, bool) {
	s, ok := r.schemas[name]
	return s, ok
}

// Allowed reports whether name is whitelisted.
func (r *Registry) Allowed(name string) bool { return r.allowed[name] }

// Names lists whitelisted, registered type names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		if r.allowed[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
