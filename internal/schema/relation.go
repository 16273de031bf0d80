package schema

import "fmt"

// Direction says which side holds the foreign key of a relation.
type Direction int

const (
	// LocalOwnsKey means the model declaring the relation holds the FK.
	LocalOwnsKey Direction = iota
	// ForeignOwnsKey means the related model holds the FK.
	ForeignOwnsKey
	// ThroughJoin means a separate join model holds keys to both sides.
	ThroughJoin
)

func (d Direction) String() string {
	switch d {
	case LocalOwnsKey:
		return "LocalOwnsKey"
	case ForeignOwnsKey:
		return "ForeignOwnsKey"
	case ThroughJoin:
		return "ThroughJoin"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Cardinality is how many records a relation links to.
type Cardinality int

const (
	ToOne Cardinality = iota
	ToMany
)

func (c Cardinality) String() string {
	if c == ToMany {
		return "ToMany"
	}
	return "ToOne"
}

// Optionality is whether the referencing side may exist without a link.
type Optionality int

const (
	Optional Optionality = iota
	Required
)

func (o Optionality) String() string {
	if o == Required {
		return "Required"
	}
	return "Optional"
}

// Side identifies the holder of a relation's foreign key.
type Side int

const (
	SideLocal Side = iota
	SideForeign
	SideJoin
)

func (s Side) String() string {
	switch s {
	case SideLocal:
		return "local"
	case SideForeign:
		return "foreign"
	default:
		return "join"
	}
}

// Join describes the join model of a ThroughJoin relation.
// LocalFields reference the owning model, ForeignFields reference the target.
type Join struct {
	Model         string
	LocalFields   []string
	ForeignFields []string
}

// Relation is one named relation field on a model.
//
// For LocalOwnsKey, Model.LocalFields reference Target.ForeignFields.
// For ForeignOwnsKey, Target.ForeignFields reference Model.LocalFields.
// For ThroughJoin, Join.LocalFields reference Model.LocalFields and
// Join.ForeignFields reference Target.ForeignFields.
type Relation struct {
	Name          string
	Model         string
	Target        string
	LocalFields   []string
	ForeignFields []string
	Direction     Direction
	Join          *Join
	Cardinality   Cardinality
	Optionality   Optionality
	OnDelete      OnDelete
	// Inverse is the relation name on Target pointing back, if any.
	Inverse string
}

// String renders the relation as Model.Name for logs and errors.
func (r *Relation) String() string {
	return r.Model + "." + r.Name
}

// IsToMany reports whether the relation links to many records.
func (r *Relation) IsToMany() bool {
	return r.Cardinality == ToMany
}
