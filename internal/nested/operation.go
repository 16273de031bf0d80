// Package nested parses untyped nested-mutation payloads into typed
// operation trees validated against the relation registry.
package nested

import (
	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

// Kind is the tag of a nested operation.
type Kind int

const (
	KindCreate Kind = iota
	KindConnect
	KindConnectOrCreate
	KindSet
	KindUpdate
	KindDisconnect
	KindDelete
)

var kindNames = map[Kind]string{
	KindCreate:          "create",
	KindConnect:         "connect",
	KindConnectOrCreate: "connectOrCreate",
	KindSet:             "set",
	KindUpdate:          "update",
	KindDisconnect:      "disconnect",
	KindDelete:          "delete",
}

var kindsByKey = map[string]Kind{
	"create":          KindCreate,
	"connect":         KindConnect,
	"connectOrCreate": KindConnectOrCreate,
	"set":             KindSet,
	"update":          KindUpdate,
	"disconnect":      KindDisconnect,
	"delete":          KindDelete,
}

// String returns the wire key of the operation.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Rank orders independent sibling operations: new links are attached
// before old ones are detached.
func (k Kind) Rank() int {
	switch k {
	case KindCreate:
		return 0
	case KindConnect, KindConnectOrCreate, KindSet:
		return 1
	case KindUpdate:
		return 2
	case KindDisconnect:
		return 3
	default:
		return 4
	}
}

func (k Kind) establishes() bool {
	return k == KindCreate || k == KindConnect || k == KindConnectOrCreate || k == KindSet
}

func (k Kind) removes() bool {
	return k == KindDisconnect || k == KindDelete
}

// Record is one record payload split into scalar data and nested relation
// operations.
type Record struct {
	Model *schema.Model
	Data  storage.Record
	Tree  Tree
}

// Tree lists the relation fields of a record in name order.
type Tree []*FieldOps

// FieldOps holds the parsed operations for one relation field, ordered by
// kind rank and then by input position.
type FieldOps struct {
	Relation *schema.Relation
	Path     string
	Ops      []*Operation
}

// Operation is one nested operation.
//
// Where is the unique filter for connect, connectOrCreate, set (link form),
// update, disconnect and delete. Record holds the payload for create,
// connectOrCreate, set (create form) and update. A set with neither Where nor
// Record unsets the link.
type Operation struct {
	Kind   Kind
	Index  int
	Path   string
	Where  storage.Filter
	Record *Record
}

// Unset reports whether the operation is a set with no replacement value.
func (o *Operation) Unset() bool {
	return o.Kind == KindSet && o.Where == nil && o.Record == nil
}

// RootKind is the top-level mutation on the root model.
type RootKind int

const (
	RootCreate RootKind = iota
	RootUpdate
	RootDelete
)

func (k RootKind) String() string {
	switch k {
	case RootCreate:
		return "create"
	case RootUpdate:
		return "update"
	default:
		return "delete"
	}
}

// Root is a parsed top-level mutation.
type Root struct {
	Kind   RootKind
	Model  *schema.Model
	Where  storage.Filter
	Record *Record
	Path   string
}
