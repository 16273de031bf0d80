package schema

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownModel is returned when a model name is not registered.
	ErrUnknownModel = errors.New("unknown model")
	// ErrUnknownRelation is returned when a model has no relation with the given name.
	ErrUnknownRelation = errors.New("unknown relation")
)

// Registry is the immutable set of models and relations. It is safe for
// concurrent use once built.
type Registry struct {
	models    map[string]*Model
	order     []string
	relations map[string]map[string]*Relation
	// inbound lists LocalOwnsKey relations whose Target is the keyed model.
	inbound map[string][]*Relation
}

// Model returns the named model.
func (r *Registry) Model(name string) (*Model, error) {
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return m, nil
}

// Models returns every model in declaration order.
func (r *Registry) Models() []*Model {
	out := make([]*Model, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.models[name])
	}
	return out
}

// Lookup returns the relation named field on model.
func (r *Registry) Lookup(model, field string) (*Relation, error) {
	byName, ok := r.relations[model]
	if !ok {
		if _, known := r.models[model]; !known {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
		}
	}
	rel, ok := byName[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownRelation, model, field)
	}
	return rel, nil
}

// Relations returns the relations declared on model, sorted by name.
func (r *Registry) Relations(model string) []*Relation {
	byName := r.relations[model]
	out := make([]*Relation, 0, len(byName))
	for _, rel := range byName {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Inbound returns the key-holding relations of other models that reference
// model. These drive delete policies.
func (r *Registry) Inbound(model string) []*Relation {
	return r.inbound[model]
}

// IsRequired reports whether the relation's foreign key may not be null.
func (r *Registry) IsRequired(rel *Relation) bool {
	return rel.Optionality == Required
}

// FKOwner reports which side of the relation holds the foreign key.
func (r *Registry) FKOwner(rel *Relation) Side {
	switch rel.Direction {
	case LocalOwnsKey:
		return SideLocal
	case ForeignOwnsKey:
		return SideForeign
	default:
		return SideJoin
	}
}

// InverseOf returns the relation pointing back from rel's target, if any.
func (r *Registry) InverseOf(rel *Relation) (*Relation, bool) {
	if rel.Inverse == "" {
		return nil, false
	}
	inv, err := r.Lookup(rel.Target, rel.Inverse)
	if err != nil {
		return nil, false
	}
	return inv, true
}
