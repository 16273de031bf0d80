// Package docstore is an in-memory document adapter. Records are stored
// msgpack-encoded so no caller ever shares memory with the store. It enforces
// unique keys but not foreign keys; the engine emulates those.
package docstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

// Store holds committed documents per model.
type Store struct {
	// sem is the writer lock. A session holds it from Begin until Commit or
	// Rollback.
	sem  chan struct{}
	docs map[string]map[string][]byte
	seq  map[string]int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sem:  make(chan struct{}, 1),
		docs: make(map[string]map[string][]byte),
		seq:  make(map[string]int64),
	}
}

// Capabilities reports that foreign keys are not enforced.
func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{ForeignKeys: false}
}

// Begin opens a session, waiting for any other session to finish.
func (s *Store) Begin(ctx context.Context) (storage.Session, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &session{
		store:   s,
		pending: make(map[string]map[string][]byte),
		seq:     make(map[string]int64),
	}, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Dump returns every committed record, per model, in key order. It waits
// for any open session.
func (s *Store) Dump() map[string][]storage.Record {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	out := make(map[string][]storage.Record, len(s.docs))
	for model, docs := range s.docs {
		keys := make([]string, 0, len(docs))
		for k := range docs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		recs := make([]storage.Record, 0, len(keys))
		for _, k := range keys {
			rec, err := decode(docs[k])
			if err != nil {
				continue
			}
			recs = append(recs, rec)
		}
		if len(recs) > 0 {
			out[model] = recs
		}
	}
	return out
}

type session struct {
	store *Store
	// pending overlays the committed documents. A nil document is a delete.
	pending map[string]map[string][]byte
	seq     map[string]int64
	done    bool
}

func (s *session) Create(ctx context.Context, model *schema.Model, fields storage.Record) (storage.Identifier, error) {
	if err := s.usable(ctx); err != nil {
		return nil, err
	}
	rec, err := s.normalize(model, fields)
	if err != nil {
		return nil, err
	}
	if err := s.assignID(model, rec); err != nil {
		return nil, err
	}
	for _, f := range model.Fields {
		if v, ok := rec[f.Name]; (!ok || v == nil) && !f.Nullable {
			return nil, &storage.NotNullError{Model: model.Name, Field: f.Name}
		}
		if _, ok := rec[f.Name]; !ok {
			rec[f.Name] = nil
		}
	}
	id, err := storage.IdentifierOf(model, rec)
	if err != nil {
		return nil, err
	}
	if _, exists := s.get(model.Name, id.Key()); exists {
		return nil, &storage.UniqueConstraintError{Model: model.Name, Err: fmt.Errorf("primary key %s already exists", id.Key())}
	}
	if err := s.checkUnique(model, rec, ""); err != nil {
		return nil, err
	}
	if err := s.put(model.Name, id.Key(), rec); err != nil {
		return nil, err
	}
	return id, nil
}

func (s *session) Update(ctx context.Context, model *schema.Model, id storage.Identifier, patch storage.Record) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	key := id.Normalize().Key()
	rec, ok := s.get(model.Name, key)
	if !ok {
		return storage.ErrNotFound
	}
	norm, err := s.normalize(model, patch)
	if err != nil {
		return err
	}
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
	if newKey != key {
		if _, exists := s.get(model.Name, newKey); exists {
			return &storage.UniqueConstraintError{Model: model.Name, Err: fmt.Errorf("primary key %s already exists", newKey)}
		}
	}
	if err := s.checkUnique(model, rec, key); err != nil {
		return err
	}
	if newKey != key {
		s.overlay(model.Name)[key] = nil
	}
	return s.put(model.Name, newKey, rec)
}

func (s *session) Delete(ctx context.Context, model *schema.Model, id storage.Identifier) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	key := id.Normalize().Key()
	if _, ok := s.get(model.Name, key); !ok {
		return storage.ErrNotFound
	}
	s.overlay(model.Name)[key] = nil
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
	var out []storage.Record
	for _, rec := range s.all(model.Name) {
		if storage.Matches(rec, filter) {
			out = append(out, rec)
		}
	}
	storage.SortByKey(model.PrimaryKey, out)
	return out, nil
}

func (s *session) Commit(ctx context.Context) error {
	if s.done {
		return fmt.Errorf("session already finished")
	}
	defer s.release()
	if err := ctx.Err(); err != nil {
		return err
	}
	for model, docs := range s.pending {
		committed := s.store.docs[model]
		if committed == nil {
			committed = make(map[string][]byte)
			s.store.docs[model] = committed
		}
		for key, doc := range docs {
			if doc == nil {
				delete(committed, key)
				continue
			}
			committed[key] = doc
		}
	}
	for model, n := range s.seq {
		if n > s.store.seq[model] {
			s.store.seq[model] = n
		}
	}
	return nil
}

func (s *session) Rollback(context.Context) error {
	if s.done {
		return nil
	}
	s.release()
	return nil
}

func (s *session) release() {
	s.done = true
	s.pending = nil
	<-s.store.sem
}

func (s *session) usable(ctx context.Context) error {
	if s.done {
		return fmt.Errorf("session already finished")
	}
	return ctx.Err()
}

func (s *session) overlay(model string) map[string][]byte {
	o := s.pending[model]
	if o == nil {
		o = make(map[string][]byte)
		s.pending[model] = o
	}
	return o
}

func (s *session) get(model, key string) (storage.Record, bool) {
	doc, ok := s.pending[model][key]
	if !ok {
		doc, ok = s.store.docs[model][key]
	}
	if !ok || doc == nil {
		return nil, false
	}
	rec, err := decode(doc)
	if err != nil {
		return nil, false
	}
	return rec, true
}

func (s *session) put(model, key string, rec storage.Record) error {
	doc, err := msgpack.Marshal(map[string]any(rec))
	if err != nil {
		return fmt.Errorf("encode %s record: %w", model, err)
	}
	s.overlay(model)[key] = doc
	return nil
}

// all returns the session's view of a model's records.
func (s *session) all(model string) []storage.Record {
	seen := make(map[string]bool)
	var out []storage.Record
	for key, doc := range s.pending[model] {
		seen[key] = true
		if doc == nil {
			continue
		}
		if rec, err := decode(doc); err == nil {
			out = append(out, rec)
		}
	}
	for key, doc := range s.store.docs[model] {
		if seen[key] {
			continue
		}
		if rec, err := decode(doc); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

// checkUnique rejects rec when another record shares a declared unique key.
// Keys with a null field never collide.
func (s *session) checkUnique(model *schema.Model, rec storage.Record, selfKey string) error {
	for _, key := range model.Unique {
		filter := storage.Filter{}
		hasNull := false
		for _, f := range key {
			if rec[f] == nil {
				hasNull = true
				break
			}
			filter[f] = rec[f]
		}
		if hasNull {
			continue
		}
		for _, other := range s.all(model.Name) {
			if !storage.Matches(other, filter) {
				continue
			}
			otherID, err := storage.IdentifierOf(model, other)
			if err == nil && otherID.Key() == selfKey {
				continue
			}
			return &storage.UniqueConstraintError{Model: model.Name, Err: fmt.Errorf("duplicate value for unique key %v", key)}
		}
	}
	return nil
}

func (s *session) assignID(model *schema.Model, rec storage.Record) error {
	if len(model.PrimaryKey) != 1 {
		return nil
	}
	pk := model.PrimaryKey[0]
	if v, ok := rec[pk]; ok && v != nil {
		return nil
	}
	switch model.ID {
	case schema.IDAuto:
		f, _ := model.Field(pk)
		if f.Type == schema.TypeString || f.Type == schema.TypeUUID {
			rec[pk] = uuid.NewString()
			return nil
		}
		s.seq[model.Name] = max(s.seq[model.Name], s.store.seq[model.Name]) + 1
		rec[pk] = s.seq[model.Name]
	case schema.IDUUID:
		rec[pk] = uuid.NewString()
	}
	return nil
}

func (s *session) normalize(model *schema.Model, fields storage.Record) (storage.Record, error) {
	out := make(storage.Record, len(fields))
	for k, v := range fields {
		if !model.HasField(k) {
			return nil, fmt.Errorf("%s has no field %q", model.Name, k)
		}
		out[k] = storage.Normalize(v)
	}
	return out, nil
}

func decode(doc []byte) (storage.Record, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(doc))
	dec.UseLooseInterfaceDecoding(true)
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	rec := make(storage.Record, len(m))
	for k, v := range m {
		rec[k] = storage.Normalize(v)
	}
	return rec, nil
}
