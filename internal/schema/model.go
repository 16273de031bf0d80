// Package schema holds the model and relation metadata that every nested
// mutation is validated and planned against. A Registry is built once at
// process start and is read-only afterwards.
package schema

import (
	"slices"
	"sort"
)

// FieldType is the declared scalar type of a model field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeTime   FieldType = "time"
	TypeJSON   FieldType = "json"
	TypeUUID   FieldType = "uuid"
)

// IDStrategy controls how primary key values are assigned on create.
type IDStrategy string

const (
	// IDAuto leaves identifier assignment to the backend.
	IDAuto IDStrategy = "auto"
	// IDUUID generates a random UUID before the write.
	IDUUID IDStrategy = "uuid"
	// IDProvided requires the caller to supply the key.
	IDProvided IDStrategy = "provided"
)

// OnDelete is the policy applied to referencing records when the referenced
// record is deleted.
type OnDelete string

const (
	OnDeleteRestrict OnDelete = "restrict"
	OnDeleteCascade  OnDelete = "cascade"
	OnDeleteSetNull  OnDelete = "set_null"
)

// Field is a scalar field of a model.
type Field struct {
	Name     string    `yaml:"name"`
	Type     FieldType `yaml:"type"`
	Nullable bool      `yaml:"nullable"`
	// Validate is an expression that must evaluate to true for the value.
	Validate string `yaml:"validate,omitempty"`
	// Transform is an expression whose result replaces the value.
	Transform string `yaml:"transform,omitempty"`
}

// ForeignKey declares that Fields reference the key of another model.
type ForeignKey struct {
	Fields           []string `yaml:"fields"`
	References       string   `yaml:"references"`
	ReferencesFields []string `yaml:"references_fields,omitempty"`
	// Name overrides the relation name on the declaring model.
	Name string `yaml:"name,omitempty"`
	// Inverse overrides the relation name on the referenced model.
	Inverse  string   `yaml:"inverse,omitempty"`
	OnDelete OnDelete `yaml:"on_delete,omitempty"`
}

// Model is one persisted record type.
type Model struct {
	Name        string       `yaml:"name"`
	Table       string       `yaml:"table,omitempty"`
	ID          IDStrategy   `yaml:"id,omitempty"`
	PrimaryKey  []string     `yaml:"primary_key"`
	Fields      []Field      `yaml:"fields"`
	Unique      [][]string   `yaml:"unique,omitempty"`
	ForeignKeys []ForeignKey `yaml:"foreign_keys,omitempty"`

	fieldIndex map[string]int
}

// Field returns the named scalar field.
func (m *Model) Field(name string) (*Field, bool) {
	if m.fieldIndex == nil {
		for i := range m.Fields {
			if m.Fields[i].Name == name {
				return &m.Fields[i], true
			}
		}
		return nil, false
	}
	i, ok := m.fieldIndex[name]
	if !ok {
		return nil, false
	}
	return &m.Fields[i], true
}

// HasField reports whether name is a scalar field of the model.
func (m *Model) HasField(name string) bool {
	_, ok := m.Field(name)
	return ok
}

// FieldNames returns scalar field names in declaration order.
func (m *Model) FieldNames() []string {
	names := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		names[i] = f.Name
	}
	return names
}

// UniqueKeys returns the primary key followed by every declared unique key.
func (m *Model) UniqueKeys() [][]string {
	keys := make([][]string, 0, len(m.Unique)+1)
	keys = append(keys, m.PrimaryKey)
	keys = append(keys, m.Unique...)
	return keys
}

// IsUniqueKey reports whether fields, in any order, exactly match the
// primary key or a declared unique key.
func (m *Model) IsUniqueKey(fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	want := sortedCopy(fields)
	for _, key := range m.UniqueKeys() {
		if slices.Equal(sortedCopy(key), want) {
			return true
		}
	}
	return false
}

// CoversUniqueKey reports whether fields contain every field of some unique key.
func (m *Model) CoversUniqueKey(fields []string) bool {
	have := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		have[f] = struct{}{}
	}
	for _, key := range m.UniqueKeys() {
		if len(key) == 0 {
			continue
		}
		covered := true
		for _, k := range key {
			if _, ok := have[k]; !ok {
				covered = false
				break
			}
		}
		if covered {
			return true
		}
	}
	return false
}

// AllNonNullable reports whether every named field is declared non-nullable.
func (m *Model) AllNonNullable(fields []string) bool {
	for _, name := range fields {
		f, ok := m.Field(name)
		if !ok || f.Nullable {
			return false
		}
	}
	return true
}

func (m *Model) index() {
	m.fieldIndex = make(map[string]int, len(m.Fields))
	for i, f := range m.Fields {
		m.fieldIndex[f.Name] = i
	}
}

func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}
