package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"nestwrite/internal/fkresolve"
	"nestwrite/internal/logging"
	"nestwrite/internal/mutationerr"
	"nestwrite/internal/planner"
	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

// stepResult is what one executed step left behind for later steps.
type stepResult struct {
	id     storage.Identifier
	record storage.Record
	// before is the record as it was when the step found it.
	before storage.Record
}

// execution is the per-mutation state. It lives for one ExecuteMutation call.
type execution struct {
	engine   *Engine
	sess     storage.Session
	caps     storage.Capabilities
	results  map[*planner.PendingWrite]*stepResult
	deleted  map[string]bool
	affected int
	logger   *logging.Logger
}

func (x *execution) reader() *reader {
	return &reader{reg: x.engine.reg, sess: x.sess}
}

func (x *execution) run(ctx context.Context, plan *planner.Plan, include Include) (*MutationResult, error) {
	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return nil, mutationerr.Wrap(mutationerr.KindInternal, step.Path,
				fmt.Errorf("mutation canceled before step %d of %d: %w", i+1, plan.Len(), err))
		}
		if err := x.step(ctx, step); err != nil {
			return nil, classify(err, step.Path)
		}
	}

	record, err := x.readBack(ctx, plan, include)
	if err != nil {
		return nil, classify(err, plan.Root.Path)
	}
	return &MutationResult{Record: record, Affected: x.affected}, nil
}

func (x *execution) step(ctx context.Context, step *planner.PendingWrite) (err error) {
	ctx, span := startEngineSpan(ctx, "engine.step",
		attribute.String("nestwrite.action", step.Action.String()),
		attribute.String("nestwrite.model", step.Model.Name),
		attribute.String("nestwrite.path", step.Path),
	)
	defer func() { finishEngineSpan(span, err, "") }()

	x.logger.Debug("executing step",
		slog.String("action", step.Action.String()),
		slog.String("step_model", step.Model.Name),
		slog.String("path", step.Path))
	x.engine.metrics.RecordWrite(ctx, step.Model.Name, step.Action.String())

	switch step.Action {
	case planner.ActionCreate:
		return x.create(ctx, step)
	case planner.ActionFind:
		return x.find(ctx, step)
	case planner.ActionFindOrCreate:
		return x.findOrCreate(ctx, step)
	case planner.ActionUpdate:
		return x.update(ctx, step)
	case planner.ActionDelete:
		return x.delete(ctx, step)
	case planner.ActionUnlink:
		return x.unlink(ctx, step)
	case planner.ActionJoinCreate:
		return x.joinCreate(ctx, step)
	case planner.ActionJoinDelete:
		return x.joinDelete(ctx, step)
	case planner.ActionJoinPrune:
		return x.joinPrune(ctx, step)
	default:
		return fmt.Errorf("unsupported plan action %s", step.Action)
	}
}

// bind resolves the step's bindings against the results of earlier steps.
func (x *execution) bind(step *planner.PendingWrite) (storage.Record, storage.Filter, error) {
	fields := storage.Record{}
	filter := storage.Filter{}
	for _, b := range step.Bindings {
		src := x.results[b.Source]
		if src == nil || src.record == nil {
			return nil, nil, fmt.Errorf("step %s reads from %s before it ran", step, b.Source)
		}
		v, err := b.Resolve(src.record)
		if err != nil {
			return nil, nil, err
		}
		switch b.Into {
		case planner.IntoFields:
			v.Apply(fields)
		case planner.IntoFilter:
			for k, val := range v.Filter() {
				filter[k] = val
			}
		}
	}
	return fields, filter, nil
}

// locate returns the records a find, update or delete step applies to.
func (x *execution) locate(ctx context.Context, step *planner.PendingWrite, extra storage.Filter) ([]storage.Record, error) {
	if step.Ref != nil {
		ref := x.results[step.Ref]
		if ref == nil {
			return nil, fmt.Errorf("step %s refers to %s before it ran", step, step.Ref)
		}
		return []storage.Record{ref.record}, nil
	}
	where, ok := mergeFilters(step.Where, extra)
	if !ok {
		return nil, nil
	}
	if step.Scope == nil {
		return x.sess.FindMany(ctx, step.Model, where)
	}
	parent := x.results[step.Scope.Parent]
	if parent == nil {
		return nil, fmt.Errorf("step %s is scoped to %s before it ran", step, step.Scope.Parent)
	}
	rec := parent.record
	if step.Scope.PreImage && parent.before != nil {
		rec = parent.before
	}
	return x.reader().linked(ctx, step.Scope.Relation, step.Model, rec, where)
}

func (x *execution) locateOne(ctx context.Context, step *planner.PendingWrite, extra storage.Filter) (storage.Record, storage.Identifier, error) {
	if step.Ref == nil && step.Scope == nil {
		where, ok := mergeFilters(step.Where, extra)
		if !ok {
			return nil, nil, notFound(step)
		}
		rec, id, found, err := x.findUnique(ctx, step.Model, where)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			return nil, nil, notFound(step)
		}
		return rec, id, nil
	}

	recs, err := x.locate(ctx, step, extra)
	if err != nil {
		return nil, nil, err
	}
	if len(recs) == 0 {
		return nil, nil, notFound(step)
	}
	id, err := storage.IdentifierOf(step.Model, recs[0])
	if err != nil {
		return nil, nil, err
	}
	return recs[0], id, nil
}

func notFound(step *planner.PendingWrite) error {
	switch {
	case step.Scope != nil && len(step.Where) > 0:
		return mutationerr.New(mutationerr.KindRelatedRecordNotFound, step.Path,
			"no %s record matching %v is linked through %s", step.Model.Name, map[string]any(step.Where), step.Scope.Relation)
	case step.Scope != nil:
		return mutationerr.New(mutationerr.KindRelatedRecordNotFound, step.Path,
			"no %s record is linked through %s", step.Model.Name, step.Scope.Relation)
	default:
		return mutationerr.New(mutationerr.KindRelatedRecordNotFound, step.Path,
			"no %s record matches %v", step.Model.Name, map[string]any(step.Where))
	}
}

func (x *execution) create(ctx context.Context, step *planner.PendingWrite) error {
	bound, _, err := x.bind(step)
	if err != nil {
		return err
	}
	fields := mergeRecords(step.Fields, bound)
	if err := x.checkReferences(ctx, step.Model, fields, step.Fields, step.Path); err != nil {
		return err
	}
	id, rec, err := x.insert(ctx, step.Model, fields)
	if err != nil {
		return err
	}
	x.results[step] = &stepResult{id: id, record: rec}
	return nil
}

func (x *execution) find(ctx context.Context, step *planner.PendingWrite) error {
	_, filter, err := x.bind(step)
	if err != nil {
		return err
	}
	rec, id, err := x.locateOne(ctx, step, filter)
	if err != nil {
		return err
	}
	x.results[step] = &stepResult{id: id, record: rec, before: rec}
	return nil
}

func (x *execution) findOrCreate(ctx context.Context, step *planner.PendingWrite) error {
	bound, _, err := x.bind(step)
	if err != nil {
		return err
	}
	before, id, found, err := x.findUnique(ctx, step.Model, step.Where)
	if err != nil {
		return err
	}
	if !found {
		fields := mergeRecords(step.Fields, bound)
		if err := x.checkReferences(ctx, step.Model, fields, step.Fields, step.Path); err != nil {
			return err
		}
		id, rec, err := x.insert(ctx, step.Model, fields)
		if err != nil {
			return err
		}
		x.results[step] = &stepResult{id: id, record: rec}
		return nil
	}

	id, after, err := x.patch(ctx, step.Model, id, before, bound)
	if err != nil {
		return err
	}
	x.results[step] = &stepResult{id: id, record: after, before: before}
	return nil
}

func (x *execution) update(ctx context.Context, step *planner.PendingWrite) error {
	bound, _, err := x.bind(step)
	if err != nil {
		return err
	}
	before, id, err := x.locateOne(ctx, step, nil)
	if err != nil {
		return err
	}
	fields := mergeRecords(step.Fields, bound)
	if err := x.checkReferences(ctx, step.Model, mergeRecords(before, fields), step.Fields, step.Path); err != nil {
		return err
	}
	id, after, err := x.patch(ctx, step.Model, id, before, fields)
	if err != nil {
		return err
	}
	x.results[step] = &stepResult{id: id, record: after, before: before}
	return nil
}

func (x *execution) delete(ctx context.Context, step *planner.PendingWrite) error {
	rec, id, err := x.locateOne(ctx, step, nil)
	if err != nil {
		return err
	}
	if err := x.deleteRecord(ctx, step.Model, rec, step.Path); err != nil {
		return err
	}
	x.results[step] = &stepResult{id: id, record: rec, before: rec}
	return nil
}

// unlink clears the key of every record linked to the scope parent that the
// step does not keep.
func (x *execution) unlink(ctx context.Context, step *planner.PendingWrite) error {
	rel := step.Scope.Relation
	recs, err := x.locate(ctx, step, nil)
	if err != nil {
		return err
	}
	keep := x.keptIdentifiers(step)
	for _, rec := range recs {
		id, err := storage.IdentifierOf(step.Model, rec)
		if err != nil {
			return err
		}
		if containsIdentifier(keep, id) || matchesAny(rec, step.KeepWhere) {
			continue
		}
		if rel.Optionality == schema.Required {
			return mutationerr.New(mutationerr.KindRequiredRelationViolation, step.Path,
				"%s record %s would be left without required relation %s", step.Model.Name, id.Key(), rel)
		}
		patch := storage.Record{}
		fkresolve.Null(rel.ForeignFields).Apply(patch)
		if _, _, err := x.patch(ctx, step.Model, id, rec, patch); err != nil {
			return err
		}
	}
	return nil
}

func (x *execution) joinCreate(ctx context.Context, step *planner.PendingWrite) error {
	bound, _, err := x.bind(step)
	if err != nil {
		return err
	}
	fields := mergeRecords(step.Fields, bound)
	existing, err := x.sess.FindMany(ctx, step.Model, storage.Filter(fields))
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		id, err := storage.IdentifierOf(step.Model, existing[0])
		if err != nil {
			return err
		}
		x.results[step] = &stepResult{id: id, record: existing[0], before: existing[0]}
		return nil
	}
	id, rec, err := x.insert(ctx, step.Model, fields)
	if err != nil {
		return err
	}
	x.results[step] = &stepResult{id: id, record: rec}
	return nil
}

func (x *execution) joinDelete(ctx context.Context, step *planner.PendingWrite) error {
	_, filter, err := x.bind(step)
	if err != nil {
		return err
	}
	rows, err := x.sess.FindMany(ctx, step.Model, filter)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := x.deleteRecord(ctx, step.Model, row, step.Path); err != nil {
			return err
		}
	}
	return nil
}

// joinPrune removes the scope parent's join records except those pointing at
// kept records.
func (x *execution) joinPrune(ctx context.Context, step *planner.PendingWrite) error {
	rel := step.Scope.Relation
	parent := x.results[step.Scope.Parent]
	if parent == nil {
		return fmt.Errorf("step %s is scoped to %s before it ran", step, step.Scope.Parent)
	}
	owner, err := fkresolve.Copy(parent.record, rel.LocalFields, rel.Join.LocalFields, rel.String())
	if err != nil {
		return err
	}
	rows, err := x.sess.FindMany(ctx, step.Model, owner.Filter())
	if err != nil {
		return err
	}

	keep := make([]storage.Filter, 0, len(step.Keep))
	for _, k := range step.Keep {
		res := x.results[k]
		if res == nil {
			continue
		}
		v, err := fkresolve.Copy(res.record, rel.ForeignFields, rel.Join.ForeignFields, rel.String())
		if err != nil {
			return err
		}
		keep = append(keep, v.Filter())
	}
	for _, row := range rows {
		if matchesAny(row, keep) {
			continue
		}
		if err := x.deleteRecord(ctx, step.Model, row, step.Path); err != nil {
			return err
		}
	}
	return nil
}

// insert creates a record and reads it back so generated values are visible
// to later bindings.
func (x *execution) insert(ctx context.Context, model *schema.Model, fields storage.Record) (storage.Identifier, storage.Record, error) {
	id, err := x.sess.Create(ctx, model, fields)
	if err != nil {
		return nil, nil, err
	}
	x.affected++
	rec, err := x.reload(ctx, model, id)
	if err != nil {
		return nil, nil, err
	}
	return id, rec, nil
}

// patch writes the fields of patch that differ from before. It returns the
// possibly changed identifier and the record as stored afterwards.
func (x *execution) patch(ctx context.Context, model *schema.Model, id storage.Identifier, before, patch storage.Record) (storage.Identifier, storage.Record, error) {
	changed := storage.Record{}
	for k, v := range patch {
		if cur, ok := before[k]; ok && storage.Equal(cur, v) {
			continue
		}
		changed[k] = v
	}
	if len(changed) == 0 {
		return id, before, nil
	}
	if err := x.sess.Update(ctx, model, id, changed); err != nil {
		return nil, nil, err
	}
	x.affected++
	newID, err := storage.IdentifierOf(model, mergeRecords(before, changed))
	if err != nil {
		return nil, nil, err
	}
	after, err := x.reload(ctx, model, newID)
	if err != nil {
		return nil, nil, err
	}
	return newID, after, nil
}

// findUnique locates the single record matching a unique filter and reads it.
func (x *execution) findUnique(ctx context.Context, model *schema.Model, where storage.Filter) (storage.Record, storage.Identifier, bool, error) {
	id, found, err := x.sess.FindUnique(ctx, model, where)
	if err != nil || !found {
		return nil, nil, false, err
	}
	rec, err := x.reload(ctx, model, id)
	if err != nil {
		return nil, nil, false, err
	}
	return rec, id, true, nil
}

func (x *execution) reload(ctx context.Context, model *schema.Model, id storage.Identifier) (storage.Record, error) {
	recs, err := x.sess.FindMany(ctx, model, id.Filter())
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s record %s vanished after write", model.Name, id.Key())
	}
	return recs[0], nil
}

// deleteRecord removes rec after applying the on-delete policy of every
// relation that references it.
func (x *execution) deleteRecord(ctx context.Context, model *schema.Model, rec storage.Record, path string) error {
	id, err := storage.IdentifierOf(model, rec)
	if err != nil {
		return err
	}
	key := model.Name + "|" + id.Key()
	if x.deleted[key] {
		return nil
	}
	x.deleted[key] = true

	for _, rel := range x.engine.reg.Inbound(model.Name) {
		refModel, err := x.engine.reg.Model(rel.Model)
		if err != nil {
			return err
		}
		ref, linked, err := referenceKey(rec, rel.ForeignFields, rel.LocalFields, rel.String())
		if err != nil {
			return mutationerr.Wrap(mutationerr.KindPartialForeignKey, path, err)
		}
		if !linked {
			continue
		}
		refs, err := x.sess.FindMany(ctx, refModel, ref.Filter())
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			continue
		}
		switch rel.OnDelete {
		case schema.OnDeleteCascade:
			for _, r := range refs {
				if err := x.deleteRecord(ctx, refModel, r, path); err != nil {
					return err
				}
			}
		case schema.OnDeleteSetNull:
			for _, r := range refs {
				rid, err := storage.IdentifierOf(refModel, r)
				if err != nil {
					return err
				}
				patch := storage.Record{}
				fkresolve.Null(rel.LocalFields).Apply(patch)
				if _, _, err := x.patch(ctx, refModel, rid, r, patch); err != nil {
					return err
				}
			}
		default:
			if x.caps.ForeignKeys {
				continue
			}
			return mutationerr.New(mutationerr.KindRequiredRelationViolation, path,
				"%s record %s is still referenced by %d %s record(s) through %s",
				model.Name, id.Key(), len(refs), refModel.Name, rel)
		}
	}

	if err := x.sess.Delete(ctx, model, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return mutationerr.Wrap(mutationerr.KindRelatedRecordNotFound, path, err)
		}
		return err
	}
	x.affected++
	return nil
}

// checkReferences verifies foreign keys supplied as plain fields. A
// composite key must be set whole or cleared whole; existence is checked
// only when the backend does not enforce it itself.
func (x *execution) checkReferences(ctx context.Context, model *schema.Model, fields, supplied storage.Record, path string) error {
	for _, rel := range x.engine.reg.Relations(model.Name) {
		if rel.Direction != schema.LocalOwnsKey || !touchesAny(supplied, rel.LocalFields) {
			continue
		}
		ref, linked, err := referenceKey(fields, rel.LocalFields, rel.ForeignFields, rel.String())
		if err != nil {
			return mutationerr.Wrap(mutationerr.KindPartialForeignKey, mutationerr.Join(path, rel.Name), err)
		}
		if !linked || x.caps.ForeignKeys {
			continue
		}
		target, err := x.engine.reg.Model(rel.Target)
		if err != nil {
			return err
		}
		found, err := x.sess.FindMany(ctx, target, ref.Filter())
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return mutationerr.New(mutationerr.KindRelatedRecordNotFound, mutationerr.Join(path, rel.Name),
				"no %s record matches %v", target.Name, map[string]any(ref.Filter()))
		}
	}
	return nil
}

func (x *execution) keptIdentifiers(step *planner.PendingWrite) []storage.Identifier {
	var ids []storage.Identifier
	for _, k := range step.Keep {
		if res := x.results[k]; res != nil {
			ids = append(ids, res.id)
		}
	}
	return ids
}

// referenceKey copies a key out of rec. It reports false when every field is
// null, and fails when only some are.
func referenceKey(rec storage.Record, from, to []string, relation string) (fkresolve.Value, bool, error) {
	v, err := fkresolve.Copy(rec, from, to, relation)
	if err == nil {
		return v, true, nil
	}
	var partial *fkresolve.PartialForeignKeyError
	if errors.As(err, &partial) && partial.Resolved == 0 {
		return fkresolve.Value{}, false, nil
	}
	return fkresolve.Value{}, false, err
}

func touchesAny(rec storage.Record, fields []string) bool {
	for _, f := range fields {
		if _, ok := rec[f]; ok {
			return true
		}
	}
	return false
}

func containsIdentifier(ids []storage.Identifier, id storage.Identifier) bool {
	for _, other := range ids {
		if storage.SameIdentifier(other, id) {
			return true
		}
	}
	return false
}

func matchesAny(rec storage.Record, filters []storage.Filter) bool {
	for _, f := range filters {
		if storage.Matches(rec, f) {
			return true
		}
	}
	return false
}

func mergeRecords(base, over storage.Record) storage.Record {
	out := make(storage.Record, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// mergeFilters combines two equality filters. It reports false when they
// demand different values for the same field.
func mergeFilters(a, b storage.Filter) (storage.Filter, bool) {
	out := make(storage.Filter, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if cur, ok := out[k]; ok && !storage.Equal(cur, v) {
			return nil, false
		}
		out[k] = v
	}
	return out, true
}
