package schema

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"nestwrite/internal/naming"
)

// BuildError aggregates every problem found while building a registry.
type BuildError struct {
	Problems []string
}

func (e *BuildError) Error() string {
	return "invalid schema: " + strings.Join(e.Problems, "; ")
}

type buildOptions struct {
	namer *naming.Namer
}

// Option customizes Build.
type Option func(*buildOptions)

// WithNamer sets the namer used for derived relation names.
func WithNamer(n *naming.Namer) Option {
	return func(o *buildOptions) {
		o.namer = n
	}
}

type builder struct {
	namer    *naming.Namer
	reg      *Registry
	problems []string
}

// Build validates models and derives bidirectional relations from their
// foreign keys. Models that consist only of two foreign keys forming their
// primary key are treated as join models and produce ThroughJoin relations
// on both referenced models.
func Build(models []Model, opts ...Option) (*Registry, error) {
	options := buildOptions{namer: naming.Default()}
	for _, opt := range opts {
		opt(&options)
	}

	b := &builder{
		namer: options.namer,
		reg: &Registry{
			models:    make(map[string]*Model, len(models)),
			relations: make(map[string]map[string]*Relation, len(models)),
			inbound:   make(map[string][]*Relation),
		},
	}

	for i := range models {
		m := models[i]
		m.Fields = append([]Field(nil), m.Fields...)
		m.ForeignKeys = append([]ForeignKey(nil), m.ForeignKeys...)
		b.addModel(&m)
	}
	for _, name := range b.reg.order {
		b.validateModel(b.reg.models[name])
	}
	if len(b.problems) > 0 {
		return nil, &BuildError{Problems: b.problems}
	}

	b.buildRelations()
	if len(b.problems) > 0 {
		return nil, &BuildError{Problems: b.problems}
	}
	return b.reg, nil
}

func (b *builder) problemf(format string, args ...any) {
	b.problems = append(b.problems, fmt.Sprintf(format, args...))
}

func (b *builder) addModel(m *Model) {
	if m.Name == "" {
		b.problemf("model without a name")
		return
	}
	if _, exists := b.reg.models[m.Name]; exists {
		b.problemf("model %s declared twice", m.Name)
		return
	}
	if m.Table == "" {
		m.Table = toSnakeCase(b.namer.Pluralize(m.Name))
	}
	if m.ID == "" {
		m.ID = IDAuto
	}
	m.index()
	b.reg.models[m.Name] = m
	b.reg.order = append(b.reg.order, m.Name)
}

func (b *builder) validateModel(m *Model) {
	if len(m.Fields) != len(m.fieldIndex) {
		b.problemf("model %s declares a field twice", m.Name)
	}
	for _, f := range m.Fields {
		switch f.Type {
		case TypeString, TypeInt, TypeFloat, TypeBool, TypeTime, TypeJSON, TypeUUID:
		default:
			b.problemf("field %s.%s has unsupported type %q", m.Name, f.Name, f.Type)
		}
	}
	if len(m.PrimaryKey) == 0 {
		b.problemf("model %s has no primary key", m.Name)
	}
	for _, key := range m.UniqueKeys() {
		for _, name := range key {
			if !m.HasField(name) {
				b.problemf("key field %s.%s is not declared", m.Name, name)
			}
		}
	}
	switch m.ID {
	case IDAuto, IDProvided:
	case IDUUID:
		if len(m.PrimaryKey) != 1 {
			b.problemf("model %s uses uuid ids with a composite primary key", m.Name)
		}
	default:
		b.problemf("model %s has unsupported id strategy %q", m.Name, m.ID)
	}

	for i := range m.ForeignKeys {
		fk := &m.ForeignKeys[i]
		target, ok := b.reg.models[fk.References]
		if !ok {
			b.problemf("foreign key %s%v references unknown model %s", m.Name, fk.Fields, fk.References)
			continue
		}
		if len(fk.ReferencesFields) == 0 {
			fk.ReferencesFields = append([]string(nil), target.PrimaryKey...)
		}
		if len(fk.Fields) == 0 || len(fk.Fields) != len(fk.ReferencesFields) {
			b.problemf("foreign key %s%v does not match %s%v", m.Name, fk.Fields, target.Name, fk.ReferencesFields)
			continue
		}
		for _, name := range fk.Fields {
			if !m.HasField(name) {
				b.problemf("foreign key field %s.%s is not declared", m.Name, name)
			}
		}
		for _, name := range fk.ReferencesFields {
			if !target.HasField(name) {
				b.problemf("referenced field %s.%s is not declared", target.Name, name)
			}
		}
		if !target.IsUniqueKey(fk.ReferencesFields) {
			b.problemf("foreign key %s%v must reference a unique key of %s", m.Name, fk.Fields, target.Name)
		}
		switch fk.OnDelete {
		case "", OnDeleteRestrict, OnDeleteCascade:
		case OnDeleteSetNull:
			if m.AllNonNullable(fk.Fields) {
				b.problemf("foreign key %s%v uses set_null on non-nullable fields", m.Name, fk.Fields)
			}
		default:
			b.problemf("foreign key %s%v has unsupported on_delete %q", m.Name, fk.Fields, fk.OnDelete)
		}
	}
}

// isJoinModel reports whether m only links two other models: exactly two
// non-null foreign keys to different models whose fields make up the whole
// model and its primary key.
func isJoinModel(m *Model) bool {
	if len(m.ForeignKeys) != 2 {
		return false
	}
	fk1, fk2 := m.ForeignKeys[0], m.ForeignKeys[1]
	if fk1.References == fk2.References {
		return false
	}
	fkFields := make([]string, 0, len(fk1.Fields)+len(fk2.Fields))
	fkFields = append(fkFields, fk1.Fields...)
	fkFields = append(fkFields, fk2.Fields...)
	if !m.AllNonNullable(fkFields) {
		return false
	}
	if len(fkFields) != len(m.Fields) {
		return false
	}
	return slices.Equal(sortedCopy(fkFields), sortedCopy(m.PrimaryKey))
}

func (b *builder) buildRelations() {
	// Count FKs per (source, target) pair so repeated references get
	// disambiguated names.
	fkCount := make(map[string]map[string]int)
	for _, name := range b.reg.order {
		m := b.reg.models[name]
		for _, fk := range m.ForeignKeys {
			if fkCount[m.Name] == nil {
				fkCount[m.Name] = make(map[string]int)
			}
			fkCount[m.Name][fk.References]++
		}
	}

	for _, name := range b.reg.order {
		m := b.reg.models[name]
		join := isJoinModel(m)

		for _, fk := range m.ForeignKeys {
			target := b.reg.models[fk.References]
			onDelete := fk.OnDelete
			if onDelete == "" {
				onDelete = OnDeleteRestrict
				if join {
					onDelete = OnDeleteCascade
				}
			}
			optionality := Optional
			if m.AllNonNullable(fk.Fields) {
				optionality = Required
			}
			isOnly := fkCount[m.Name][target.Name] == 1

			local := &Relation{
				Name:          fk.Name,
				Model:         m.Name,
				Target:        target.Name,
				LocalFields:   append([]string(nil), fk.Fields...),
				ForeignFields: append([]string(nil), fk.ReferencesFields...),
				Direction:     LocalOwnsKey,
				Cardinality:   ToOne,
				Optionality:   optionality,
				OnDelete:      onDelete,
			}
			if local.Name == "" {
				local.Name = b.namer.ToOneFieldName(fk.Fields[0])
			}
			b.addRelation(local)
			b.reg.inbound[target.Name] = append(b.reg.inbound[target.Name], local)

			if join {
				continue
			}

			inverse := &Relation{
				Name:          fk.Inverse,
				Model:         target.Name,
				Target:        m.Name,
				LocalFields:   append([]string(nil), fk.ReferencesFields...),
				ForeignFields: append([]string(nil), fk.Fields...),
				Direction:     ForeignOwnsKey,
				Cardinality:   ToMany,
				Optionality:   optionality,
				OnDelete:      onDelete,
				Inverse:       local.Name,
			}
			if m.IsUniqueKey(fk.Fields) {
				inverse.Cardinality = ToOne
			}
			if inverse.Name == "" {
				if inverse.Cardinality == ToOne {
					inverse.Name = b.namer.InverseToOneFieldName(m.Name, fk.Fields[0], isOnly)
				} else {
					inverse.Name = b.namer.ToManyFieldName(m.Name, fk.Fields[0], isOnly)
				}
			}
			local.Inverse = inverse.Name
			b.addRelation(inverse)
		}

		if join {
			b.addThroughRelations(m)
		}
	}
}

func (b *builder) addThroughRelations(j *Model) {
	left, right := j.ForeignKeys[0], j.ForeignKeys[1]

	leftRel := &Relation{
		Name:          left.Inverse,
		Model:         left.References,
		Target:        right.References,
		LocalFields:   append([]string(nil), left.ReferencesFields...),
		ForeignFields: append([]string(nil), right.ReferencesFields...),
		Direction:     ThroughJoin,
		Join: &Join{
			Model:         j.Name,
			LocalFields:   append([]string(nil), left.Fields...),
			ForeignFields: append([]string(nil), right.Fields...),
		},
		Cardinality: ToMany,
		Optionality: Optional,
		OnDelete:    OnDeleteCascade,
	}
	if leftRel.Name == "" {
		leftRel.Name = b.namer.ThroughFieldName(right.References)
	}

	rightRel := &Relation{
		Name:          right.Inverse,
		Model:         right.References,
		Target:        left.References,
		LocalFields:   append([]string(nil), right.ReferencesFields...),
		ForeignFields: append([]string(nil), left.ReferencesFields...),
		Direction:     ThroughJoin,
		Join: &Join{
			Model:         j.Name,
			LocalFields:   append([]string(nil), right.Fields...),
			ForeignFields: append([]string(nil), left.Fields...),
		},
		Cardinality: ToMany,
		Optionality: Optional,
		OnDelete:    OnDeleteCascade,
	}
	if rightRel.Name == "" {
		rightRel.Name = b.namer.ThroughFieldName(left.References)
	}

	leftRel.Inverse = rightRel.Name
	rightRel.Inverse = leftRel.Name
	b.addRelation(leftRel)
	b.addRelation(rightRel)
}

func (b *builder) addRelation(rel *Relation) {
	m := b.reg.models[rel.Model]
	if m.HasField(rel.Name) {
		b.problemf("relation %s collides with a scalar field", rel)
		return
	}
	byName := b.reg.relations[rel.Model]
	if byName == nil {
		byName = make(map[string]*Relation)
		b.reg.relations[rel.Model] = byName
	}
	if _, exists := byName[rel.Name]; exists {
		b.problemf("relation %s declared twice; set name or inverse on the foreign key", rel)
		return
	}
	byName[rel.Name] = rel
}

// toSnakeCase converts PascalCase or camelCase to snake_case.
func toSnakeCase(s string) string {
	var sb strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
