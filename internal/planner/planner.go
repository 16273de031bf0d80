// Package planner converts a parsed nested-operation tree into a linear
// sequence of pending writes. Every record's foreign key target is written or
// located before the record that references it.
package planner

import (
	"fmt"
	"strings"

	"nestwrite/internal/fkresolve"
	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

// Action is the adapter work a pending write performs.
type Action int

const (
	// ActionCreate inserts a new record.
	ActionCreate Action = iota
	// ActionFind locates an existing record and fails when none matches.
	ActionFind
	// ActionFindOrCreate locates a record or inserts it when missing.
	ActionFindOrCreate
	// ActionUpdate patches one existing record and keeps its pre-image.
	ActionUpdate
	// ActionDelete removes one existing record.
	ActionDelete
	// ActionUnlink clears the foreign key of every record linked to the scope
	// parent, except those kept.
	ActionUnlink
	// ActionJoinCreate inserts a join record unless it already exists.
	ActionJoinCreate
	// ActionJoinDelete removes one join record.
	ActionJoinDelete
	// ActionJoinPrune removes every join record of the scope parent, except
	// those pointing at kept records.
	ActionJoinPrune
)

var actionNames = [...]string{
	ActionCreate:       "create",
	ActionFind:         "find",
	ActionFindOrCreate: "findOrCreate",
	ActionUpdate:       "update",
	ActionDelete:       "delete",
	ActionUnlink:       "unlink",
	ActionJoinCreate:   "joinCreate",
	ActionJoinDelete:   "joinDelete",
	ActionJoinPrune:    "joinPrune",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Writes reports whether the action changes stored data on its own.
func (a Action) Writes() bool {
	return a != ActionFind
}

// BindTarget says where a binding's values go.
type BindTarget int

const (
	// IntoFields writes the values into the record being written.
	IntoFields BindTarget = iota
	// IntoFilter adds the values to the lookup filter.
	IntoFilter
)

// Binding copies key values out of a dependency's record once it has run.
// From and To name the copied fields; for direct relations they follow the
// relation's direction, for join relations they map one endpoint onto the
// join model.
type Binding struct {
	Source   *PendingWrite
	Relation *schema.Relation
	From     []string
	To       []string
	Into     BindTarget
}

// Resolve reads the bound key out of source, the record Source produced.
func (b Binding) Resolve(source storage.Record) (fkresolve.Value, error) {
	if b.Relation.Direction == schema.ThroughJoin {
		return fkresolve.Copy(source, b.From, b.To, b.Relation.String())
	}
	return fkresolve.Resolve(source, b.Relation)
}

// Scope restricts a lookup to records linked to Parent through Relation.
// PreImage reads the parent's key fields as they were before the parent's
// own update ran.
type Scope struct {
	Parent   *PendingWrite
	Relation *schema.Relation
	PreImage bool
}

// PendingWrite is one node of the write graph.
type PendingWrite struct {
	ID     int
	Model  *schema.Model
	Action Action
	Path   string

	// Where selects the target of find, update and delete nodes.
	Where storage.Filter
	Scope *Scope
	// Ref makes the node operate on the record another node produced.
	Ref *PendingWrite

	// Fields holds the scalar data of create and update nodes.
	Fields   storage.Record
	Bindings []Binding

	// Keep and KeepWhere exempt records from unlink and prune nodes.
	Keep      []*PendingWrite
	KeepWhere []storage.Filter

	Deps []*PendingWrite

	seq []int
}

func (w *PendingWrite) String() string {
	return fmt.Sprintf("%s %s (%s)", w.Action, w.Model.Name, w.Path)
}

// DependsOn reports whether other is a direct dependency of w.
func (w *PendingWrite) DependsOn(other *PendingWrite) bool {
	for _, d := range w.Deps {
		if d == other {
			return true
		}
	}
	return false
}

func (w *PendingWrite) addDep(deps ...*PendingWrite) {
	for _, d := range deps {
		if d == nil || d == w || w.DependsOn(d) {
			continue
		}
		w.Deps = append(w.Deps, d)
	}
}

// Plan is the object graph of one mutation in execution order.
type Plan struct {
	Root  *PendingWrite
	Steps []*PendingWrite
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	return len(p.Steps)
}

// Index returns the position of w in the plan, or -1.
func (p *Plan) Index(w *PendingWrite) int {
	for i, s := range p.Steps {
		if s == w {
			return i
		}
	}
	return -1
}

// Describe lists the steps as "action Model (path)" lines.
func (p *Plan) Describe() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.String()
	}
	return out
}

func (p *Plan) String() string {
	return strings.Join(p.Describe(), "\n")
}
