package nested

import (
	"sort"

	"nestwrite/internal/mutationerr"
	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

// Parser converts raw payloads into operation trees. It holds no per-call
// state and is safe for concurrent use.
type Parser struct {
	reg      *schema.Registry
	maxDepth int
}

// Option configures a Parser.
type Option func(*Parser)

// WithMaxDepth limits how many relation levels a payload may nest.
// Zero means unlimited.
func WithMaxDepth(depth int) Option {
	return func(p *Parser) {
		p.maxDepth = depth
	}
}

// NewParser creates a parser bound to a registry.
func NewParser(reg *schema.Registry, opts ...Option) *Parser {
	p := &Parser{reg: reg}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseRoot parses a top-level mutation of the form {"create": {...}},
// {"update": {"where": {...}, "data": {...}}} or {"delete": {"where": {...}}}.
func (p *Parser) ParseRoot(modelName string, payload map[string]any) (*Root, error) {
	model, err := p.reg.Model(modelName)
	if err != nil {
		return nil, mutationerr.Wrap(mutationerr.KindUnknownRelation, "", err)
	}
	if len(payload) != 1 {
		if len(payload) == 0 {
			return nil, mutationerr.New(mutationerr.KindInvalidNestedOperation, "", "mutation requires one of create, update or delete")
		}
		return nil, mutationerr.New(mutationerr.KindConflictingNestedOperation, "", "mutation accepts exactly one of create, update or delete")
	}

	for key, raw := range payload {
		switch key {
		case "create":
			obj, ok := raw.(map[string]any)
			if !ok {
				return nil, invalidShape(key, "an object")
			}
			rec, err := p.parseRecord(model, obj, key, 0)
			if err != nil {
				return nil, err
			}
			return &Root{Kind: RootCreate, Model: model, Record: rec, Path: key}, nil
		case "update":
			where, patch, err := p.splitUpdate(model, raw, key, true)
			if err != nil {
				return nil, err
			}
			rec, err := p.parseRecord(model, patch, mutationerr.Join(key, "data"), 0)
			if err != nil {
				return nil, err
			}
			return &Root{Kind: RootUpdate, Model: model, Where: where, Record: rec, Path: key}, nil
		case "delete":
			obj, ok := raw.(map[string]any)
			if !ok {
				return nil, invalidShape(key, "an object")
			}
			whereRaw, ok := obj["where"]
			if !ok {
				whereRaw = obj
			}
			where, err := p.uniqueFilter(model, whereRaw, mutationerr.Join(key, "where"))
			if err != nil {
				return nil, err
			}
			return &Root{Kind: RootDelete, Model: model, Where: where, Path: key}, nil
		default:
			return nil, mutationerr.New(mutationerr.KindInvalidNestedOperation, key, "unknown mutation %q", key)
		}
	}
	return nil, nil
}

// ParseRecord splits a record payload for model into scalar data and a
// relation tree.
func (p *Parser) ParseRecord(modelName string, data map[string]any, path string) (*Record, error) {
	model, err := p.reg.Model(modelName)
	if err != nil {
		return nil, mutationerr.Wrap(mutationerr.KindUnknownRelation, path, err)
	}
	return p.parseRecord(model, data, path, 0)
}

// ParseField parses the nested payload supplied for one relation field.
func (p *Parser) ParseField(rel *schema.Relation, raw any, path string) (*FieldOps, error) {
	return p.parseField(rel, raw, path, 0)
}

func (p *Parser) parseRecord(model *schema.Model, data map[string]any, path string, depth int) (*Record, error) {
	rec := &Record{Model: model, Data: storage.Record{}}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := data[key]
		fieldPath := mutationerr.Join(path, key)
		if model.HasField(key) {
			rec.Data[key] = value
			continue
		}
		rel, err := p.reg.Lookup(model.Name, key)
		if err != nil {
			return nil, mutationerr.Wrap(mutationerr.KindUnknownRelation, fieldPath, err)
		}
		ops, err := p.parseField(rel, value, fieldPath, depth+1)
		if err != nil {
			return nil, err
		}
		if len(ops.Ops) > 0 {
			rec.Tree = append(rec.Tree, ops)
		}
	}
	return rec, nil
}

func (p *Parser) parseField(rel *schema.Relation, raw any, path string, depth int) (*FieldOps, error) {
	if p.maxDepth > 0 && depth > p.maxDepth {
		return nil, mutationerr.New(mutationerr.KindInvalidNestedOperation, path, "nesting exceeds maximum depth %d", p.maxDepth)
	}
	payload, ok := raw.(map[string]any)
	if !ok {
		return nil, invalidShape(path, "an object of nested operations")
	}
	target, err := p.reg.Model(rel.Target)
	if err != nil {
		return nil, mutationerr.Wrap(mutationerr.KindUnknownRelation, path, err)
	}

	// Reject unknown keys before looking at anything else.
	kinds := make([]Kind, 0, len(payload))
	for key := range payload {
		kind, known := kindsByKey[key]
		if !known {
			return nil, mutationerr.New(mutationerr.KindInvalidNestedOperation, mutationerr.Join(path, key), "unknown nested operation %q", key)
		}
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	if err := checkConflicts(rel, kinds, path); err != nil {
		return nil, err
	}

	field := &FieldOps{Relation: rel, Path: path}
	for _, kind := range kinds {
		opPath := mutationerr.Join(path, kind.String())
		ops, err := p.parseOperation(rel, target, kind, payload[kind.String()], opPath, depth)
		if err != nil {
			return nil, err
		}
		field.Ops = append(field.Ops, ops...)
	}

	sort.SliceStable(field.Ops, func(i, j int) bool {
		if field.Ops[i].Kind.Rank() != field.Ops[j].Kind.Rank() {
			return field.Ops[i].Kind.Rank() < field.Ops[j].Kind.Rank()
		}
		return field.Ops[i].Index < field.Ops[j].Index
	})

	if err := checkOptionality(rel, field.Ops, path); err != nil {
		return nil, err
	}
	return field, nil
}

// checkConflicts enforces which keys may appear together. A to-one field
// takes at most one key that establishes a link and at most one that removes
// it; update and set stand alone. On to-many fields only set and disconnect
// contradict each other.
func checkConflicts(rel *schema.Relation, kinds []Kind, path string) error {
	has := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		has[k] = true
	}
	if rel.IsToMany() {
		if has[KindSet] && has[KindDisconnect] {
			return conflict(path, KindSet, KindDisconnect)
		}
		return nil
	}

	var establishing, removing []Kind
	for _, k := range kinds {
		switch {
		case k.establishes():
			establishing = append(establishing, k)
		case k.removes():
			removing = append(removing, k)
		}
	}
	if len(establishing) > 1 {
		return conflict(path, establishing[0], establishing[1])
	}
	if len(removing) > 1 {
		return conflict(path, removing[0], removing[1])
	}
	if has[KindUpdate] && len(kinds) > 1 {
		other := kinds[0]
		if other == KindUpdate {
			other = kinds[1]
		}
		return conflict(path, other, KindUpdate)
	}
	if has[KindSet] && len(kinds) > 1 {
		other := kinds[0]
		if other == KindSet {
			other = kinds[1]
		}
		return conflict(path, other, KindSet)
	}
	return nil
}

// checkOptionality rejects trees that would leave the key-holding side of a
// required relation without a link.
func checkOptionality(rel *schema.Relation, ops []*Operation, path string) error {
	if rel.Optionality != schema.Required {
		return nil
	}
	replaced := false
	for _, op := range ops {
		if op.Kind.establishes() && !op.Unset() {
			replaced = true
		}
	}

	for _, op := range ops {
		switch rel.Direction {
		case schema.LocalOwnsKey:
			if (op.Kind.removes() || op.Unset()) && !replaced {
				return mutationerr.New(mutationerr.KindRelationRequired, op.Path,
					"relation %s is required; %s needs a replacement link", rel, op.Kind)
			}
		case schema.ForeignOwnsKey:
			// The related records hold the key, so detaching them leaves them dangling.
			if op.Kind == KindDisconnect {
				return mutationerr.New(mutationerr.KindRelationRequired, op.Path,
					"relation %s is required; related %s records cannot be disconnected", rel, rel.Target)
			}
			if op.Kind == KindSet && (op.Unset() || rel.IsToMany()) {
				return mutationerr.New(mutationerr.KindRelationRequired, op.Path,
					"relation %s is required; set would detach related %s records", rel, rel.Target)
			}
		}
	}
	return nil
}

func (p *Parser) parseOperation(rel *schema.Relation, target *schema.Model, kind Kind, raw any, path string, depth int) ([]*Operation, error) {
	if rel.IsToMany() {
		if kind == KindSet {
			return p.parseManySet(target, raw, path)
		}
		items, err := asObjects(raw, path)
		if err != nil {
			return nil, err
		}
		ops := make([]*Operation, 0, len(items))
		for i, item := range items {
			itemPath := path
			if _, single := raw.(map[string]any); !single {
				itemPath = mutationerr.Index(path, i)
			}
			op, err := p.parseOne(rel, target, kind, item, itemPath, depth)
			if err != nil {
				return nil, err
			}
			op.Index = i
			ops = append(ops, op)
		}
		return ops, nil
	}

	switch kind {
	case KindDisconnect, KindDelete:
		switch v := raw.(type) {
		case bool:
			if !v {
				return nil, nil
			}
			return []*Operation{{Kind: kind, Path: path}}, nil
		case map[string]any:
			where, err := p.filter(target, v, path, false)
			if err != nil {
				return nil, err
			}
			return []*Operation{{Kind: kind, Path: path, Where: where}}, nil
		default:
			return nil, invalidShape(path, "true or a filter object")
		}
	case KindSet:
		if raw == nil {
			return []*Operation{{Kind: KindSet, Path: path}}, nil
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, invalidShape(path, "an object or null")
		}
		if target.IsUniqueKey(keysOf(obj)) {
			return []*Operation{{Kind: KindSet, Path: path, Where: storage.Filter(obj)}}, nil
		}
		rec, err := p.parseRecord(target, obj, path, depth)
		if err != nil {
			return nil, err
		}
		return []*Operation{{Kind: KindSet, Path: path, Record: rec}}, nil
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, invalidShape(path, "an object")
	}
	op, err := p.parseOne(rel, target, kind, obj, path, depth)
	if err != nil {
		return nil, err
	}
	return []*Operation{op}, nil
}

func (p *Parser) parseOne(rel *schema.Relation, target *schema.Model, kind Kind, obj map[string]any, path string, depth int) (*Operation, error) {
	op := &Operation{Kind: kind, Path: path}
	switch kind {
	case KindCreate:
		rec, err := p.parseRecord(target, obj, path, depth)
		if err != nil {
			return nil, err
		}
		op.Record = rec
	case KindConnect:
		where, err := p.uniqueFilter(target, obj, path)
		if err != nil {
			return nil, err
		}
		op.Where = where
	case KindConnectOrCreate:
		if err := onlyKeys(obj, path, "where", "create"); err != nil {
			return nil, err
		}
		where, err := p.uniqueFilter(target, obj["where"], mutationerr.Join(path, "where"))
		if err != nil {
			return nil, err
		}
		createRaw, ok := obj["create"].(map[string]any)
		if !ok {
			return nil, invalidShape(mutationerr.Join(path, "create"), "an object")
		}
		rec, err := p.parseRecord(target, createRaw, mutationerr.Join(path, "create"), depth)
		if err != nil {
			return nil, err
		}
		op.Where = where
		op.Record = rec
	case KindUpdate:
		where, patch, err := p.splitUpdate(target, obj, path, rel.IsToMany())
		if err != nil {
			return nil, err
		}
		rec, err := p.parseRecord(target, patch, path, depth)
		if err != nil {
			return nil, err
		}
		op.Where = where
		op.Record = rec
	case KindDisconnect, KindDelete:
		where, err := p.uniqueFilter(target, obj, path)
		if err != nil {
			return nil, err
		}
		op.Where = where
	}
	return op, nil
}

func (p *Parser) parseManySet(target *schema.Model, raw any, path string) ([]*Operation, error) {
	items, err := asObjects(raw, path)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []*Operation{{Kind: KindSet, Path: path}}, nil
	}
	ops := make([]*Operation, 0, len(items))
	for i, item := range items {
		itemPath := mutationerr.Index(path, i)
		where, err := p.uniqueFilter(target, item, itemPath)
		if err != nil {
			return nil, err
		}
		ops = append(ops, &Operation{Kind: KindSet, Index: i, Path: itemPath, Where: where})
	}
	return ops, nil
}

// splitUpdate accepts {"where": {...}, "data": {...}} (or "update" in place of
// "data"). When the where clause is optional a bare patch is accepted too.
func (p *Parser) splitUpdate(model *schema.Model, raw any, path string, requireWhere bool) (storage.Filter, map[string]any, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, nil, invalidShape(path, "an object")
	}
	dataRaw, hasData := obj["data"]
	if !hasData {
		dataRaw, hasData = obj["update"]
	}
	if !hasData {
		if requireWhere {
			return nil, nil, mutationerr.New(mutationerr.KindInvalidNestedOperation, path, "update requires where and data")
		}
		return nil, obj, nil
	}
	if err := onlyKeys(obj, path, "where", "data", "update"); err != nil {
		return nil, nil, err
	}
	if _, both := obj["update"]; both && obj["data"] != nil {
		return nil, nil, mutationerr.New(mutationerr.KindConflictingNestedOperation, path, "update accepts data or update, not both")
	}
	patch, ok := dataRaw.(map[string]any)
	if !ok {
		return nil, nil, invalidShape(mutationerr.Join(path, "data"), "an object")
	}

	whereRaw, hasWhere := obj["where"]
	if !hasWhere {
		if requireWhere {
			return nil, nil, mutationerr.New(mutationerr.KindInvalidNestedOperation, path, "update requires where")
		}
		return nil, patch, nil
	}
	where, err := p.uniqueFilter(model, whereRaw, mutationerr.Join(path, "where"))
	if err != nil {
		return nil, nil, err
	}
	return where, patch, nil
}

func (p *Parser) uniqueFilter(model *schema.Model, raw any, path string) (storage.Filter, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, invalidShape(path, "a filter object")
	}
	return p.filter(model, obj, path, true)
}

func (p *Parser) filter(model *schema.Model, obj map[string]any, path string, unique bool) (storage.Filter, error) {
	if len(obj) == 0 {
		return nil, mutationerr.New(mutationerr.KindInvalidNestedOperation, path, "filter must not be empty")
	}
	f := make(storage.Filter, len(obj))
	for k, v := range obj {
		if !model.HasField(k) {
			return nil, mutationerr.New(mutationerr.KindInvalidNestedOperation, mutationerr.Join(path, k), "%s has no field %q", model.Name, k)
		}
		f[k] = storage.Normalize(v)
	}
	if unique && !model.CoversUniqueKey(keysOf(obj)) {
		return nil, mutationerr.New(mutationerr.KindInvalidNestedOperation, path, "filter on %s must include a unique key", model.Name)
	}
	return f, nil
}

func asObjects(raw any, path string) ([]map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []map[string]any:
		return v, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, invalidShape(mutationerr.Index(path, i), "an object")
			}
			out = append(out, obj)
		}
		return out, nil
	default:
		return nil, invalidShape(path, "an object or a list of objects")
	}
}

func onlyKeys(obj map[string]any, path string, allowed ...string) error {
	for key := range obj {
		found := false
		for _, a := range allowed {
			if key == a {
				found = true
				break
			}
		}
		if !found {
			return mutationerr.New(mutationerr.KindInvalidNestedOperation, mutationerr.Join(path, key), "unexpected key %q", key)
		}
	}
	return nil
}

func keysOf(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	return keys
}

func conflict(path string, a, b Kind) error {
	return mutationerr.New(mutationerr.KindConflictingNestedOperation, path, "%s cannot be combined with %s", a, b)
}

func invalidShape(path, want string) error {
	return mutationerr.New(mutationerr.KindInvalidNestedOperation, path, "expected %s", want)
}
