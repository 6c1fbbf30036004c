package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Rel is a schema-qualified relation reference. All generated DDL/DML goes
// through Rel so identifiers are always quoted via pgx.Identifier and never
// concatenated from raw caller input.
type Rel struct {
	Schema string
	Name   string
}

func NewRel(schema, name string) Rel {
	return Rel{Schema: schema, Name: name}
}

// SQL returns the sanitized, schema-qualified identifier.
func (r Rel) SQL() string {
	return pgx.Identifier{r.Schema, r.Name}.Sanitize()
}

// String is the unquoted display form used in logs and errors.
func (r Rel) String() string {
	return r.Schema + "." + r.Name
}

// Sibling returns a relation in the same schema with the given name.
func (r Rel) Sibling(name string) Rel {
	return Rel{Schema: r.Schema, Name: name}
}

// Ident sanitizes a single identifier (column or unqualified table name).
func Ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// IdentList sanitizes and comma-joins column names for insert lists.
func IdentList(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = Ident(c)
	}
	return strings.Join(parts, ", ")
}

// Placeholders returns "$start, $start+1, ..." for n bound parameters.
func Placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}
