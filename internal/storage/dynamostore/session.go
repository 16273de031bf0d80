package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

// pendingItem is the session's latest view of one record. A nil record is
// a delete.
type pendingItem struct {
	model   *schema.Model
	rec     storage.Record
	existed bool
}

// pendingGuard is the session's latest view of one unique key guard.
type pendingGuard struct {
	owner          string
	committedOwner string
	put            bool
	existed        bool
}

type session struct {
	store   *Store
	pending map[string]map[string]*pendingItem
	guards  map[string]*pendingGuard
	done    bool
}

func (s *session) Create(ctx context.Context, model *schema.Model, fields storage.Record) (storage.Identifier, error) {
	if err := s.usable(ctx); err != nil {
		return nil, err
	}
	rec, err := normalize(model, fields)
	if err != nil {
		return nil, err
	}
	if err := s.assignID(ctx, model, rec); err != nil {
		return nil, err
	}
	for _, f := range model.Fields {
		v, ok := rec[f.Name]
		if (!ok || v == nil) && !f.Nullable {
			return nil, &storage.NotNullError{Model: model.Name, Field: f.Name}
		}
		if !ok {
			rec[f.Name] = nil
		}
	}
	id, err := storage.IdentifierOf(model, rec)
	if err != nil {
		return nil, err
	}
	key := id.Key()
	_, exists, existed, err := s.get(ctx, model, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &storage.UniqueConstraintError{Model: model.Name, Err: fmt.Errorf("primary key %s already exists", key)}
	}
	if err := s.claimGuards(ctx, model, key, nil, rec); err != nil {
		return nil, err
	}
	s.overlay(model)[key] = &pendingItem{model: model, rec: rec, existed: existed}
	return id, nil
}

func (s *session) Update(ctx context.Context, model *schema.Model, id storage.Identifier, patch storage.Record) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	key := id.Normalize().Key()
	old, exists, existed, err := s.get(ctx, model, key)
	if err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	norm, err := normalize(model, patch)
	if err != nil {
		return err
	}
	rec := old.Clone()
	for k, v := range norm {
		if f, _ := model.Field(k); v == nil && !f.Nullable {
			return &storage.NotNullError{Model: model.Name, Field: k}
		}
		rec[k] = v
	}
	newID, err := storage.IdentifierOf(model, rec)
	if err != nil {
		return err
	}
	newKey := newID.Key()
	var newExisted bool
	if newKey != key {
		var taken bool
		_, taken, newExisted, err = s.get(ctx, model, newKey)
		if err != nil {
			return err
		}
		if taken {
			return &storage.UniqueConstraintError{Model: model.Name, Err: fmt.Errorf("primary key %s already exists", newKey)}
		}
	}
	if err := s.claimGuards(ctx, model, newKey, old, rec); err != nil {
		return err
	}
	if newKey == key {
		s.overlay(model)[key] = &pendingItem{model: model, rec: rec, existed: existed}
		return nil
	}
	s.overlay(model)[key] = &pendingItem{model: model, existed: existed}
	s.overlay(model)[newKey] = &pendingItem{model: model, rec: rec, existed: newExisted}
	return nil
}

func (s *session) Delete(ctx context.Context, model *schema.Model, id storage.Identifier) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	key := id.Normalize().Key()
	old, exists, existed, err := s.get(ctx, model, key)
	if err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	if err := s.claimGuards(ctx, model, key, old, nil); err != nil {
		return err
	}
	s.overlay(model)[key] = &pendingItem{model: model, existed: existed}
	return nil
}

func (s *session) FindUnique(ctx context.Context, model *schema.Model, filter storage.Filter) (storage.Identifier, bool, error) {
	recs, err := s.FindMany(ctx, model, filter)
	if err != nil || len(recs) == 0 {
		return nil, false, err
	}
	id, err := storage.IdentifierOf(model, recs[0])
	if err != nil {
		return nil, false, err
	}
	return id, true, nil
}

func (s *session) FindMany(ctx context.Context, model *schema.Model, filter storage.Filter) ([]storage.Record, error) {
	if err := s.usable(ctx); err != nil {
		return nil, err
	}
	if id, ok := keyFilter(model, filter); ok {
		rec, exists, _, err := s.get(ctx, model, id.Key())
		if err != nil || !exists || !storage.Matches(rec, filter) {
			return nil, err
		}
		return []storage.Record{rec}, nil
	}

	committed, err := s.scan(ctx, model)
	if err != nil {
		return nil, err
	}
	view := make(map[string]storage.Record, len(committed))
	for key, rec := range committed {
		view[key] = rec
	}
	for key, p := range s.pending[model.Name] {
		if p.rec == nil {
			delete(view, key)
			continue
		}
		view[key] = p.rec
	}

	var out []storage.Record
	for _, rec := range view {
		if storage.Matches(rec, filter) {
			out = append(out, rec.Clone())
		}
	}
	storage.SortByKey(model.PrimaryKey, out)
	return out, nil
}

func (s *session) Commit(ctx context.Context) error {
	if s.done {
		return fmt.Errorf("session already finished")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.done = true

	items, reasons, err := s.transactItems()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	if len(items) > maxTransactItems {
		return fmt.Errorf("transaction needs %d writes, DynamoDB allows %d", len(items), maxTransactItems)
	}
	_, err = s.store.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return mapTransactionError(err, reasons)
}

func (s *session) Rollback(context.Context) error {
	s.done = true
	s.pending = nil
	s.guards = nil
	return nil
}

func (s *session) usable(ctx context.Context) error {
	if s.done {
		return fmt.Errorf("session already finished")
	}
	return ctx.Err()
}

func (s *session) overlay(model *schema.Model) map[string]*pendingItem {
	o := s.pending[model.Name]
	if o == nil {
		o = make(map[string]*pendingItem)
		s.pending[model.Name] = o
	}
	return o
}

// get returns the session's view of one record, whether it exists in that
// view and whether it existed in the table when first touched.
func (s *session) get(ctx context.Context, model *schema.Model, key string) (storage.Record, bool, bool, error) {
	if p, ok := s.pending[model.Name][key]; ok {
		if p.rec == nil {
			return nil, false, p.existed, nil
		}
		return p.rec.Clone(), true, p.existed, nil
	}
	out, err := s.store.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.store.TableName(model)),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, false, fmt.Errorf("get %s %s: %w", model.Name, key, err)
	}
	if out.Item == nil {
		return nil, false, false, nil
	}
	rec, err := unmarshalRecord(model, out.Item)
	if err != nil {
		return nil, false, false, err
	}
	return rec, true, true, nil
}

func (s *session) scan(ctx context.Context, model *schema.Model) (map[string]storage.Record, error) {
	out := make(map[string]storage.Record)
	input := &dynamodb.ScanInput{
		TableName:      aws.String(s.store.TableName(model)),
		ConsistentRead: aws.Bool(true),
	}
	for {
		page, err := s.store.api.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", model.Name, err)
		}
		for _, item := range page.Items {
			key, ok := item[keyAttr].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			rec, err := unmarshalRecord(model, item)
			if err != nil {
				return nil, err
			}
			out[key.Value] = rec
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// claimGuards moves the unique key guards of a record from old to rec,
// failing when another record already holds one of rec's values.
func (s *session) claimGuards(ctx context.Context, model *schema.Model, owner string, old, rec storage.Record) error {
	release := guardKeys(model, old)
	claim := guardKeys(model, rec)
	for g := range release {
		if _, keep := claim[g]; keep {
			continue
		}
		p, err := s.guard(ctx, g)
		if err != nil {
			return err
		}
		p.put = false
	}
	for g := range claim {
		if _, had := release[g]; had {
			continue
		}
		p, err := s.guard(ctx, g)
		if err != nil {
			return err
		}
		if p.put {
			return &storage.UniqueConstraintError{Model: model.Name, Err: fmt.Errorf("duplicate value for unique key %s", g)}
		}
		p.put = true
		p.owner = model.Name + "#" + owner
	}
	return nil
}

func (s *session) guard(ctx context.Context, key string) (*pendingGuard, error) {
	if p, ok := s.guards[key]; ok {
		return p, nil
	}
	out, err := s.store.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.store.config.UniqueTable),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get unique guard %s: %w", key, err)
	}
	p := &pendingGuard{existed: out.Item != nil, put: out.Item != nil}
	if owner, ok := out.Item["owner"].(*types.AttributeValueMemberS); ok {
		p.owner = owner.Value
		p.committedOwner = owner.Value
	}
	s.guards[key] = p
	return p, nil
}

func (s *session) assignID(ctx context.Context, model *schema.Model, rec storage.Record) error {
	if len(model.PrimaryKey) != 1 {
		return nil
	}
	pk := model.PrimaryKey[0]
	if v, ok := rec[pk]; ok && v != nil {
		return nil
	}
	f, _ := model.Field(pk)
	switch {
	case model.ID == schema.IDUUID:
		rec[pk] = uuid.NewString()
	case model.ID == schema.IDAuto && f != nil && (f.Type == schema.TypeString || f.Type == schema.TypeUUID):
		rec[pk] = uuid.NewString()
	case model.ID == schema.IDAuto:
		n, err := s.nextSeq(ctx, model)
		if err != nil {
			return err
		}
		rec[pk] = n
	}
	return nil
}

// nextSeq increments the model's counter outside the transaction. Values
// taken by a rolled back session are not reused.
func (s *session) nextSeq(ctx context.Context, model *schema.Model) (int64, error) {
	out, err := s.store.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.store.config.CounterTable),
		Key:                       itemKey(model.Name),
		UpdateExpression:          aws.String("ADD #seq :one"),
		ExpressionAttributeNames:  map[string]string{"#seq": seqAttr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": &types.AttributeValueMemberN{Value: "1"}},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("next id for %s: %w", model.Name, err)
	}
	v, ok := out.Attributes[seqAttr].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("next id for %s: counter missing from response", model.Name)
	}
	return strconv.ParseInt(v.Value, 10, 64)
}

// writeKind records what a transaction item guards, for error mapping.
type writeKind int

const (
	writeCreate writeKind = iota
	writeReplace
	writeDelete
	writeGuard
)

type writeReason struct {
	kind  writeKind
	model string
}

// transactItems renders the buffered writes in a stable order.
func (s *session) transactItems() ([]types.TransactWriteItem, []writeReason, error) {
	var items []types.TransactWriteItem
	var reasons []writeReason

	models := make([]string, 0, len(s.pending))
	for name := range s.pending {
		models = append(models, name)
	}
	sort.Strings(models)
	for _, name := range models {
		overlay := s.pending[name]
		keys := make([]string, 0, len(overlay))
		for k := range overlay {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			p := overlay[key]
			table := aws.String(s.store.TableName(p.model))
			switch {
			case p.rec == nil && !p.existed:
				continue
			case p.rec == nil:
				items = append(items, types.TransactWriteItem{Delete: &types.Delete{
					TableName:                table,
					Key:                      itemKey(key),
					ConditionExpression:      aws.String(existsCondition),
					ExpressionAttributeNames: keyNames(),
				}})
				reasons = append(reasons, writeReason{kind: writeDelete, model: name})
			default:
				item, err := marshalRecord(key, p.rec)
				if err != nil {
					return nil, nil, fmt.Errorf("marshal %s %s: %w", name, key, err)
				}
				cond, kind := notExistsCondition, writeCreate
				if p.existed {
					cond, kind = existsCondition, writeReplace
				}
				items = append(items, types.TransactWriteItem{Put: &types.Put{
					TableName:                table,
					Item:                     item,
					ConditionExpression:      aws.String(cond),
					ExpressionAttributeNames: keyNames(),
				}})
				reasons = append(reasons, writeReason{kind: kind, model: name})
			}
		}
	}

	guards := make([]string, 0, len(s.guards))
	for k := range s.guards {
		guards = append(guards, k)
	}
	sort.Strings(guards)
	table := aws.String(s.store.config.UniqueTable)
	for _, key := range guards {
		g := s.guards[key]
		switch {
		case !g.put && !g.existed:
			continue
		case g.put && g.existed && g.owner == g.committedOwner:
			continue
		case !g.put:
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName: table,
				Key:       itemKey(key),
			}})
		case g.existed:
			items = append(items, types.TransactWriteItem{Put: &types.Put{
				TableName: table,
				Item:      guardItem(key, g.owner),
			}})
		default:
			items = append(items, types.TransactWriteItem{Put: &types.Put{
				TableName:                table,
				Item:                     guardItem(key, g.owner),
				ConditionExpression:      aws.String(notExistsCondition),
				ExpressionAttributeNames: keyNames(),
			}})
		}
		reasons = append(reasons, writeReason{kind: writeGuard, model: guardModel(key)})
	}
	return items, reasons, nil
}

const (
	existsCondition    = "attribute_exists(#pk)"
	notExistsCondition = "attribute_not_exists(#pk)"
)

func keyNames() map[string]string {
	return map[string]string{"#pk": keyAttr}
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{keyAttr: &types.AttributeValueMemberS{Value: key}}
}

func guardItem(key, owner string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		keyAttr: &types.AttributeValueMemberS{Value: key},
		"owner": &types.AttributeValueMemberS{Value: owner},
	}
}

// mapTransactionError turns a cancelled transaction into the storage error
// of the first failed condition.
func mapTransactionError(err error, reasons []writeReason) error {
	if err == nil {
		return nil
	}
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) {
		return fmt.Errorf("commit: %w", err)
	}
	for i, reason := range txErr.CancellationReasons {
		if reason.Code == nil || *reason.Code != "ConditionalCheckFailed" || i >= len(reasons) {
			continue
		}
		switch r := reasons[i]; r.kind {
		case writeReplace, writeDelete:
			return fmt.Errorf("%s changed concurrently: %w", r.model, storage.ErrNotFound)
		default:
			return &storage.UniqueConstraintError{Model: r.model, Err: err}
		}
	}
	return fmt.Errorf("commit: %w", err)
}
