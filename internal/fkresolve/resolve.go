// Package fkresolve propagates identifiers of written or located records into
// the foreign key fields of the records that depend on them.
package fkresolve

import (
	"fmt"

	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

// PartialForeignKeyError reports a composite key where only some columns
// could be resolved from the source record.
type PartialForeignKeyError struct {
	Relation string
	Missing  []string
	Resolved int
	Total    int
}

func (e *PartialForeignKeyError) Error() string {
	return fmt.Sprintf("foreign key for %s resolved %d of %d fields; missing %v", e.Relation, e.Resolved, e.Total, e.Missing)
}

// Value is a fully resolved foreign key: the dependent record's fields
// mapped to the values they must hold.
type Value struct {
	Fields []string
	Values []any
}

// Apply writes the key into dst.
func (v Value) Apply(dst storage.Record) {
	for i, f := range v.Fields {
		dst[f] = v.Values[i]
	}
}

// Filter returns the key as an equality filter.
func (v Value) Filter() storage.Filter {
	f := make(storage.Filter, len(v.Fields))
	for i, name := range v.Fields {
		f[name] = v.Values[i]
	}
	return f
}

// Resolve reads the referenced key of rel out of source, the record on the
// referenced side, and returns it mapped onto the key-holding side's fields.
//
// For LocalOwnsKey the source is a Target record and the result is written to
// rel.LocalFields. For ForeignOwnsKey the source is a Model record and the
// result is written to rel.ForeignFields on the target. ThroughJoin relations
// resolve each endpoint separately with Copy.
func Resolve(source storage.Record, rel *schema.Relation) (Value, error) {
	switch rel.Direction {
	case schema.LocalOwnsKey:
		return Copy(source, rel.ForeignFields, rel.LocalFields, rel.String())
	case schema.ForeignOwnsKey:
		return Copy(source, rel.LocalFields, rel.ForeignFields, rel.String())
	default:
		return Value{}, fmt.Errorf("relation %s goes through %s; resolve each side of the join", rel, rel.Join.Model)
	}
}

// Copy maps source[from[i]] onto to[i]. Either every field resolves or the
// call fails with PartialForeignKeyError.
func Copy(source storage.Record, from, to []string, relation string) (Value, error) {
	if len(from) != len(to) {
		return Value{}, fmt.Errorf("foreign key for %s maps %d fields onto %d", relation, len(from), len(to))
	}
	v := Value{
		Fields: append([]string(nil), to...),
		Values: make([]any, len(from)),
	}
	var missing []string
	for i, name := range from {
		val, ok := source[name]
		if !ok || val == nil {
			missing = append(missing, name)
			continue
		}
		v.Values[i] = val
	}
	if len(missing) > 0 {
		return Value{}, &PartialForeignKeyError{
			Relation: relation,
			Missing:  missing,
			Resolved: len(from) - len(missing),
			Total:    len(from),
		}
	}
	return v, nil
}

// Null returns the value that clears the key-holding fields.
func Null(fields []string) Value {
	return Value{
		Fields: append([]string(nil), fields...),
		Values: make([]any, len(fields)),
	}
}
