package engine

import (
	"context"
	"errors"
	"sort"

	"nestwrite/internal/fkresolve"
	"nestwrite/internal/mutationerr"
	"nestwrite/internal/nested"
	"nestwrite/internal/planner"
	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

// Include selects relations to load, keyed by relation name.
type Include map[string]Include

// ParseInclude validates a raw include map for model. Leaves are true;
// false leaves are ignored.
func ParseInclude(reg *schema.Registry, model string, raw map[string]any) (Include, error) {
	return parseInclude(reg, model, raw, "include")
}

func parseInclude(reg *schema.Registry, model string, raw map[string]any, path string) (Include, error) {
	inc := Include{}
	for name, v := range raw {
		fieldPath := mutationerr.Join(path, name)
		rel, err := reg.Lookup(model, name)
		if err != nil {
			return nil, mutationerr.Wrap(mutationerr.KindUnknownRelation, fieldPath, err)
		}
		switch val := v.(type) {
		case bool:
			if val {
				inc[name] = Include{}
			}
		case map[string]any:
			sub, err := parseInclude(reg, rel.Target, val, fieldPath)
			if err != nil {
				return nil, err
			}
			inc[name] = sub
		default:
			return nil, mutationerr.New(mutationerr.KindInvalidNestedOperation, fieldPath, "expected true or an object")
		}
	}
	return inc, nil
}

// Merge returns the union of two includes.
func (i Include) Merge(other Include) Include {
	out := Include{}
	for k, v := range i {
		out[k] = v
	}
	for k, v := range other {
		if cur, ok := out[k]; ok {
			out[k] = cur.Merge(v)
			continue
		}
		out[k] = v
	}
	return out
}

// writtenInclude lists every relation a parsed record tree touches.
func writtenInclude(rec *nested.Record) Include {
	inc := Include{}
	if rec == nil {
		return inc
	}
	for _, field := range rec.Tree {
		sub := inc[field.Relation.Name]
		if sub == nil {
			sub = Include{}
		}
		for _, op := range field.Ops {
			if op.Record != nil {
				sub = sub.Merge(writtenInclude(op.Record))
			}
		}
		inc[field.Relation.Name] = sub
	}
	return inc
}

func (e *Engine) resolveInclude(root *nested.Root, raw map[string]any) (Include, error) {
	inc, err := ParseInclude(e.reg, root.Model.Name, raw)
	if err != nil {
		return nil, err
	}
	if e.includeWritten && root.Kind != nested.RootDelete {
		inc = inc.Merge(writtenInclude(root.Record))
	}
	return inc, nil
}

func (x *execution) readBack(ctx context.Context, plan *planner.Plan, include Include) (storage.Record, error) {
	res := x.results[plan.Root]
	if res == nil {
		return nil, errors.New("root step produced no record")
	}
	if plan.Root.Action == planner.ActionDelete {
		return res.before.Clone(), nil
	}
	return x.reader().load(ctx, plan.Root.Model, res.record, include)
}

// reader loads related records inside one session.
type reader struct {
	reg  *schema.Registry
	sess storage.Session
}

// load returns a copy of rec with the included relations attached: a record
// or nil for to-one relations, a list for to-many relations.
func (r *reader) load(ctx context.Context, model *schema.Model, rec storage.Record, inc Include) (storage.Record, error) {
	out := rec.Clone()
	names := make([]string, 0, len(inc))
	for name := range inc {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rel, err := r.reg.Lookup(model.Name, name)
		if err != nil {
			return nil, err
		}
		target, err := r.reg.Model(rel.Target)
		if err != nil {
			return nil, err
		}
		related, err := r.linked(ctx, rel, target, rec, nil)
		if err != nil {
			return nil, err
		}
		loaded := make([]storage.Record, 0, len(related))
		for _, child := range related {
			l, err := r.load(ctx, target, child, inc[name])
			if err != nil {
				return nil, err
			}
			loaded = append(loaded, l)
		}
		switch {
		case rel.IsToMany():
			out[name] = loaded
		case len(loaded) == 0:
			out[name] = nil
		default:
			out[name] = loaded[0]
		}
	}
	return out, nil
}

// linked returns the target records related to rec through rel that also
// match where. A record whose key fields are null has no related records.
func (r *reader) linked(ctx context.Context, rel *schema.Relation, target *schema.Model, rec storage.Record, where storage.Filter) ([]storage.Record, error) {
	if rel.Direction != schema.ThroughJoin {
		key, err := fkresolve.Copy(rec, rel.LocalFields, rel.ForeignFields, rel.String())
		if err != nil {
			return nil, nil
		}
		filter, ok := mergeFilters(where, key.Filter())
		if !ok {
			return nil, nil
		}
		return r.sess.FindMany(ctx, target, filter)
	}

	joinModel, err := r.reg.Model(rel.Join.Model)
	if err != nil {
		return nil, err
	}
	owner, err := fkresolve.Copy(rec, rel.LocalFields, rel.Join.LocalFields, rel.String())
	if err != nil {
		return nil, nil
	}
	rows, err := r.sess.FindMany(ctx, joinModel, owner.Filter())
	if err != nil {
		return nil, err
	}
	var out []storage.Record
	for _, row := range rows {
		key, err := fkresolve.Copy(row, rel.Join.ForeignFields, rel.ForeignFields, rel.String())
		if err != nil {
			continue
		}
		filter, ok := mergeFilters(where, key.Filter())
		if !ok {
			continue
		}
		recs, err := r.sess.FindMany(ctx, target, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}
