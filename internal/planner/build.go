package planner

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"nestwrite/internal/fkresolve"
	"nestwrite/internal/mutationerr"
	"nestwrite/internal/nested"
	"nestwrite/internal/pipeline"
	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

// Planner builds write plans. It is safe for concurrent use.
type Planner struct {
	reg    *schema.Registry
	hook   pipeline.Hook
	limits Limits
	newID  func() string
}

// Option configures a Planner.
type Option func(*Planner)

// WithHook installs the value hook run on every scalar field written.
func WithHook(h pipeline.Hook) Option {
	return func(p *Planner) {
		p.hook = h
	}
}

// WithLimits sets plan size limits.
func WithLimits(l Limits) Option {
	return func(p *Planner) {
		p.limits = l
	}
}

// WithIDGenerator replaces the generator used for uuid primary keys.
func WithIDGenerator(fn func() string) Option {
	return func(p *Planner) {
		p.newID = fn
	}
}

// New creates a planner over reg.
func New(reg *schema.Registry, opts ...Option) *Planner {
	p := &Planner{reg: reg, newID: uuid.NewString}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type build struct {
	ctx   context.Context
	p     *Planner
	nodes []*PendingWrite
}

// parentLink describes how a node hangs off its parent, for required key checks.
type parentLink struct {
	parent   *PendingWrite
	relation *schema.Relation
}

// Build turns a parsed root mutation into a linear plan. Hook failures and
// structural problems are reported here, before anything is written.
func (p *Planner) Build(ctx context.Context, root *nested.Root) (*Plan, error) {
	b := &build{ctx: ctx, p: p}

	var rootNode *PendingWrite
	switch root.Kind {
	case nested.RootCreate:
		n, err := b.create(root.Model, root.Record, root.Path, nil, parentLink{})
		if err != nil {
			return nil, err
		}
		rootNode = n
	case nested.RootUpdate:
		n, err := b.update(root.Model, root.Record, root.Path, nil)
		if err != nil {
			return nil, err
		}
		n.Where = root.Where
		rootNode = n
	case nested.RootDelete:
		n := b.node(ActionDelete, root.Model, root.Path, nil)
		n.Where = root.Where
		rootNode = n
	}

	steps, err := linearize(b.nodes)
	if err != nil {
		return nil, err
	}
	plan := &Plan{Root: rootNode, Steps: steps}
	if err := p.limits.Check(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (b *build) node(action Action, model *schema.Model, path string, seq []int) *PendingWrite {
	n := &PendingWrite{
		ID:     len(b.nodes),
		Model:  model,
		Action: action,
		Path:   path,
		seq:    seq,
	}
	b.nodes = append(b.nodes, n)
	return n
}

// create adds a create node for rec and expands its nested operations.
func (b *build) create(model *schema.Model, rec *nested.Record, path string, seq []int, link parentLink) (*PendingWrite, error) {
	n := b.node(ActionCreate, model, path, seq)
	fields, err := b.applyHook(model, rec.Data, pipeline.OpCreate, path)
	if err != nil {
		return nil, err
	}
	if model.ID == schema.IDUUID {
		pk := model.PrimaryKey[0]
		if v, ok := fields[pk]; !ok || v == nil {
			fields[pk] = b.p.newID()
		}
	}
	n.Fields = fields
	if link.parent != nil && link.relation.Direction == schema.ForeignOwnsKey {
		n.Bindings = append(n.Bindings, parentBinding(link.parent, link.relation))
		n.addDep(link.parent)
	}
	if err := b.expand(n, rec, false); err != nil {
		return nil, err
	}
	if err := b.checkRequiredKeys(n, link); err != nil {
		return nil, err
	}
	return n, nil
}

// update adds an update node. Its target is filled in by the caller.
func (b *build) update(model *schema.Model, rec *nested.Record, path string, seq []int) (*PendingWrite, error) {
	n := b.node(ActionUpdate, model, path, seq)
	fields, err := b.applyHook(model, rec.Data, pipeline.OpUpdate, path)
	if err != nil {
		return nil, err
	}
	n.Fields = fields
	if err := b.expand(n, rec, true); err != nil {
		return nil, err
	}
	return n, nil
}

func (b *build) applyHook(model *schema.Model, data storage.Record, op pipeline.Op, path string) (storage.Record, error) {
	out := make(storage.Record, len(data))
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := data[name]
		if b.p.hook != nil {
			f, _ := model.Field(name)
			v, err := b.p.hook.Apply(b.ctx, pipeline.Field{
				Model: model,
				Field: f,
				Op:    op,
				Path:  mutationerr.Join(path, name),
				Value: value,
			})
			if err != nil {
				return nil, &mutationerr.Error{
					Kind: mutationerr.KindValidationFailed,
					Path: mutationerr.Join(path, name),
					Err:  err,
				}
			}
			value = v
		}
		out[name] = value
	}
	return out, nil
}

// checkRequiredKeys fails when a new record would be written without a
// required foreign key. When the missing key points back at the parent
// that is itself waiting for this record, no order can satisfy both.
func (b *build) checkRequiredKeys(n *PendingWrite, link parentLink) error {
	bound := make(map[string]bool)
	for _, bind := range n.Bindings {
		if bind.Into == IntoFields {
			for _, f := range bind.To {
				bound[f] = true
			}
		}
	}
	for name, v := range n.Fields {
		if v != nil {
			bound[name] = true
		}
	}

	for _, rel := range b.p.reg.Relations(n.Model.Name) {
		if rel.Direction != schema.LocalOwnsKey || rel.Optionality != schema.Required {
			continue
		}
		satisfied := true
		for _, f := range rel.LocalFields {
			if !bound[f] {
				satisfied = false
				break
			}
		}
		if satisfied {
			continue
		}
		if link.parent != nil && link.relation.Direction == schema.LocalOwnsKey && rel.Target == link.parent.Model.Name {
			return mutationerr.New(mutationerr.KindCyclicRequiredRelation, n.Path,
				"%s requires %s and %s requires %s; neither can be written first",
				n.Model.Name, rel, link.parent.Model.Name, link.relation)
		}
		return mutationerr.New(mutationerr.KindRelationRequired, mutationerr.Join(n.Path, rel.Name),
			"relation %s is required", rel)
	}
	return nil
}

// parentBinding copies the parent's key into a record on the key-holding
// side of rel.
func parentBinding(parent *PendingWrite, rel *schema.Relation) Binding {
	return Binding{
		Source:   parent,
		Relation: rel,
		From:     rel.LocalFields,
		To:       rel.ForeignFields,
		Into:     IntoFields,
	}
}

func childSeq(parent *PendingWrite, rank, field, index, sub int) []int {
	seq := make([]int, 0, len(parent.seq)+4)
	seq = append(seq, parent.seq...)
	return append(seq, rank, field, index, sub)
}

// expand adds nodes for every nested operation under parent.
func (b *build) expand(parent *PendingWrite, rec *nested.Record, existing bool) error {
	for fi, field := range rec.Tree {
		rel := field.Relation
		target, err := b.p.reg.Model(rel.Target)
		if err != nil {
			return mutationerr.Wrap(mutationerr.KindUnknownRelation, field.Path, err)
		}

		switch rel.Direction {
		case schema.LocalOwnsKey:
			err = b.expandLocal(parent, target, field, fi, existing)
		case schema.ForeignOwnsKey:
			err = b.expandForeign(parent, target, field, fi, existing)
		case schema.ThroughJoin:
			err = b.expandJoin(parent, target, field, fi, existing)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func requireExisting(op *nested.Operation, existing bool) error {
	if existing {
		return nil
	}
	return mutationerr.New(mutationerr.KindInvalidNestedOperation, op.Path,
		"%s needs an existing record; it cannot be nested in a create", op.Kind)
}

func rejectNestedInConnectOrCreate(op *nested.Operation) error {
	if op.Record != nil && len(op.Record.Tree) > 0 {
		return mutationerr.New(mutationerr.KindInvalidNestedOperation, op.Path,
			"connectOrCreate cannot carry nested relation operations")
	}
	return nil
}

// expandLocal handles relations where the parent holds the key: the related
// record is written or located first and its key is copied into the parent.
func (b *build) expandLocal(parent *PendingWrite, target *schema.Model, field *nested.FieldOps, fi int, existing bool) error {
	rel := field.Relation
	link := parentLink{parent: parent, relation: rel}
	replaced := false

	bindParent := func(child *PendingWrite) {
		parent.Bindings = append(parent.Bindings, Binding{
			Source:   child,
			Relation: rel,
			From:     rel.ForeignFields,
			To:       rel.LocalFields,
			Into:     IntoFields,
		})
		parent.addDep(child)
		replaced = true
	}
	clearParent := func() {
		if replaced {
			return
		}
		fkresolve.Null(rel.LocalFields).Apply(parent.Fields)
	}

	for _, op := range field.Ops {
		seq := childSeq(parent, op.Kind.Rank(), fi, op.Index, 0)
		switch {
		case op.Kind == nested.KindCreate, op.Kind == nested.KindSet && op.Record != nil:
			child, err := b.create(target, op.Record, op.Path, seq, link)
			if err != nil {
				return err
			}
			bindParent(child)
		case op.Kind == nested.KindConnect, op.Kind == nested.KindSet && op.Where != nil:
			child := b.node(ActionFind, target, op.Path, seq)
			child.Where = op.Where
			bindParent(child)
		case op.Kind == nested.KindConnectOrCreate:
			if err := rejectNestedInConnectOrCreate(op); err != nil {
				return err
			}
			child := b.node(ActionFindOrCreate, target, op.Path, seq)
			child.Where = op.Where
			fields, err := b.applyHook(target, op.Record.Data, pipeline.OpCreate, op.Path)
			if err != nil {
				return err
			}
			child.Fields = fields
			if err := b.checkRequiredKeys(child, link); err != nil {
				return err
			}
			bindParent(child)
		case op.Kind == nested.KindSet:
			clearParent()
		case op.Kind == nested.KindUpdate:
			if err := requireExisting(op, existing); err != nil {
				return err
			}
			child, err := b.update(target, op.Record, op.Path, seq)
			if err != nil {
				return err
			}
			child.Where = op.Where
			child.Scope = &Scope{Parent: parent, Relation: rel, PreImage: true}
			child.addDep(parent)
		case op.Kind == nested.KindDisconnect:
			if err := requireExisting(op, existing); err != nil {
				return err
			}
			if op.Where != nil {
				guard := b.node(ActionFind, target, op.Path, seq)
				guard.Where = op.Where
				guard.Scope = &Scope{Parent: parent, Relation: rel, PreImage: true}
				guard.addDep(parent)
			}
			clearParent()
		case op.Kind == nested.KindDelete:
			if err := requireExisting(op, existing); err != nil {
				return err
			}
			clearParent()
			del := b.node(ActionDelete, target, op.Path, seq)
			del.Where = op.Where
			del.Scope = &Scope{Parent: parent, Relation: rel, PreImage: true}
			del.addDep(parent)
		}
	}
	return nil
}

// expandForeign handles relations where the related records hold the key:
// the parent is written or located first and its key is copied into them.
func (b *build) expandForeign(parent *PendingWrite, target *schema.Model, field *nested.FieldOps, fi int, existing bool) error {
	rel := field.Relation
	link := parentLink{parent: parent, relation: rel}
	scope := &Scope{Parent: parent, Relation: rel}

	// A to-one link on an existing parent replaces whatever is linked now.
	// The old record is detached before the new link is made, since the key
	// is unique on the related side.
	var unlink *PendingWrite
	replaceOne := func(seq []int, keepWhere storage.Filter) *PendingWrite {
		if rel.IsToMany() || !existing {
			return nil
		}
		unlink = b.node(ActionUnlink, target, field.Path, append(seq[:len(seq)-1:len(seq)-1], 0))
		unlink.Scope = scope
		if keepWhere != nil {
			unlink.KeepWhere = append(unlink.KeepWhere, keepWhere)
		}
		unlink.addDep(parent)
		return unlink
	}

	// When a to-one field both replaces and removes, the record to remove is
	// the one linked before the replacement. It is located first and the
	// unlink waits until it has been detached or deleted.
	locateOld := func(op *nested.Operation) *PendingWrite {
		old := b.node(ActionFind, target, op.Path, childSeq(parent, op.Kind.Rank(), fi, op.Index, 1))
		old.Where = op.Where
		old.Scope = scope
		old.addDep(parent)
		return old
	}

	var setKeep []*PendingWrite
	var setLinks []*PendingWrite
	hasSet := false

	for _, op := range field.Ops {
		seq := childSeq(parent, op.Kind.Rank(), fi, op.Index, 1)
		switch {
		case op.Kind == nested.KindCreate, op.Kind == nested.KindSet && op.Record != nil:
			u := replaceOne(seq, nil)
			child, err := b.create(target, op.Record, op.Path, seq, link)
			if err != nil {
				return err
			}
			child.addDep(u)
		case op.Kind == nested.KindConnect, op.Kind == nested.KindSet && op.Where != nil:
			u := replaceOne(seq, op.Where)
			found := b.node(ActionFind, target, op.Path, seq)
			found.Where = op.Where
			linkNode := b.node(ActionUpdate, target, op.Path, childSeq(parent, op.Kind.Rank(), fi, op.Index, 2))
			linkNode.Ref = found
			linkNode.Fields = storage.Record{}
			linkNode.Bindings = append(linkNode.Bindings, parentBinding(parent, rel))
			linkNode.addDep(found, parent, u)
			if op.Kind == nested.KindSet {
				hasSet = true
				setKeep = append(setKeep, found)
				setLinks = append(setLinks, linkNode)
			}
		case op.Kind == nested.KindConnectOrCreate:
			if err := rejectNestedInConnectOrCreate(op); err != nil {
				return err
			}
			u := replaceOne(seq, op.Where)
			child := b.node(ActionFindOrCreate, target, op.Path, seq)
			child.Where = op.Where
			fields, err := b.applyHook(target, op.Record.Data, pipeline.OpCreate, op.Path)
			if err != nil {
				return err
			}
			child.Fields = fields
			child.Bindings = append(child.Bindings, parentBinding(parent, rel))
			if err := b.checkRequiredKeys(child, link); err != nil {
				return err
			}
			child.addDep(parent, u)
		case op.Kind == nested.KindSet:
			hasSet = true
		case op.Kind == nested.KindUpdate:
			if err := requireExisting(op, existing); err != nil {
				return err
			}
			child, err := b.update(target, op.Record, op.Path, seq)
			if err != nil {
				return err
			}
			child.Where = op.Where
			child.Scope = scope
			child.addDep(parent)
		case op.Kind == nested.KindDisconnect:
			if err := requireExisting(op, existing); err != nil {
				return err
			}
			if unlink != nil {
				old := locateOld(op)
				child := b.node(ActionUpdate, target, op.Path, childSeq(parent, op.Kind.Rank(), fi, op.Index, 2))
				child.Ref = old
				child.Fields = storage.Record{}
				fkresolve.Null(rel.ForeignFields).Apply(child.Fields)
				child.addDep(old)
				unlink.addDep(child)
				continue
			}
			child := b.node(ActionUpdate, target, op.Path, seq)
			child.Where = op.Where
			child.Scope = scope
			child.Fields = storage.Record{}
			fkresolve.Null(rel.ForeignFields).Apply(child.Fields)
			child.addDep(parent)
		case op.Kind == nested.KindDelete:
			if err := requireExisting(op, existing); err != nil {
				return err
			}
			if unlink != nil {
				old := locateOld(op)
				del := b.node(ActionDelete, target, op.Path, childSeq(parent, op.Kind.Rank(), fi, op.Index, 2))
				del.Ref = old
				del.addDep(old)
				unlink.addDep(del)
				continue
			}
			child := b.node(ActionDelete, target, op.Path, seq)
			child.Where = op.Where
			child.Scope = scope
			child.addDep(parent)
		}
	}

	if hasSet && (rel.IsToMany() || unlink == nil) {
		if !existing {
			return nil
		}
		prune := b.node(ActionUnlink, target, mutationerr.Join(field.Path, "set"), childSeq(parent, nested.KindDisconnect.Rank(), fi, 0, 0))
		prune.Scope = scope
		prune.Keep = setKeep
		prune.addDep(parent)
		prune.addDep(setLinks...)
	}
	return nil
}

// expandJoin handles relations stored in a join model: both endpoints are
// resolved independently and the join record depends on both.
func (b *build) expandJoin(parent *PendingWrite, target *schema.Model, field *nested.FieldOps, fi int, existing bool) error {
	rel := field.Relation
	joinModel, err := b.p.reg.Model(rel.Join.Model)
	if err != nil {
		return mutationerr.Wrap(mutationerr.KindUnknownRelation, field.Path, err)
	}
	scope := &Scope{Parent: parent, Relation: rel}

	fromParent := Binding{Source: parent, Relation: rel, From: rel.LocalFields, To: rel.Join.LocalFields}
	fromChild := func(child *PendingWrite, into BindTarget) []Binding {
		pb := fromParent
		pb.Into = into
		return []Binding{pb, {Source: child, Relation: rel, From: rel.ForeignFields, To: rel.Join.ForeignFields, Into: into}}
	}
	joinCreate := func(child *PendingWrite, op *nested.Operation) *PendingWrite {
		j := b.node(ActionJoinCreate, joinModel, op.Path, childSeq(parent, op.Kind.Rank(), fi, op.Index, 2))
		j.Fields = storage.Record{}
		j.Bindings = fromChild(child, IntoFields)
		j.addDep(parent, child)
		return j
	}

	var setKeep, setJoins []*PendingWrite
	hasSet := false

	for _, op := range field.Ops {
		seq := childSeq(parent, op.Kind.Rank(), fi, op.Index, 1)
		switch {
		case op.Kind == nested.KindCreate:
			child, err := b.create(target, op.Record, op.Path, seq, parentLink{parent: parent, relation: rel})
			if err != nil {
				return err
			}
			joinCreate(child, op)
		case op.Kind == nested.KindConnect, op.Kind == nested.KindSet && op.Where != nil:
			found := b.node(ActionFind, target, op.Path, seq)
			found.Where = op.Where
			j := joinCreate(found, op)
			if op.Kind == nested.KindSet {
				hasSet = true
				setKeep = append(setKeep, found)
				setJoins = append(setJoins, j)
			}
		case op.Kind == nested.KindConnectOrCreate:
			if err := rejectNestedInConnectOrCreate(op); err != nil {
				return err
			}
			child := b.node(ActionFindOrCreate, target, op.Path, seq)
			child.Where = op.Where
			fields, err := b.applyHook(target, op.Record.Data, pipeline.OpCreate, op.Path)
			if err != nil {
				return err
			}
			child.Fields = fields
			if err := b.checkRequiredKeys(child, parentLink{parent: parent, relation: rel}); err != nil {
				return err
			}
			joinCreate(child, op)
		case op.Kind == nested.KindSet:
			hasSet = true
		case op.Kind == nested.KindUpdate:
			if err := requireExisting(op, existing); err != nil {
				return err
			}
			child, err := b.update(target, op.Record, op.Path, seq)
			if err != nil {
				return err
			}
			child.Where = op.Where
			child.Scope = scope
			child.addDep(parent)
		case op.Kind == nested.KindDisconnect:
			if err := requireExisting(op, existing); err != nil {
				return err
			}
			found := b.node(ActionFind, target, op.Path, seq)
			found.Where = op.Where
			found.Scope = scope
			found.addDep(parent)
			j := b.node(ActionJoinDelete, joinModel, op.Path, childSeq(parent, op.Kind.Rank(), fi, op.Index, 2))
			j.Bindings = fromChild(found, IntoFilter)
			j.addDep(parent, found)
		case op.Kind == nested.KindDelete:
			if err := requireExisting(op, existing); err != nil {
				return err
			}
			found := b.node(ActionFind, target, op.Path, seq)
			found.Where = op.Where
			found.Scope = scope
			found.addDep(parent)
			del := b.node(ActionDelete, target, op.Path, childSeq(parent, op.Kind.Rank(), fi, op.Index, 2))
			del.Ref = found
			del.addDep(found)
		}
	}

	if hasSet && existing {
		prune := b.node(ActionJoinPrune, joinModel, mutationerr.Join(field.Path, "set"), childSeq(parent, nested.KindDisconnect.Rank(), fi, 0, 0))
		prune.Scope = scope
		prune.Keep = setKeep
		prune.addDep(parent)
		prune.addDep(setJoins...)
	}
	return nil
}
