// Package storage defines the adapter contract the mutation engine writes
// through. Adapters report through Capabilities whether the backend enforces
// foreign keys itself.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"nestwrite/internal/schema"
)

// ErrNotFound is returned when an update or delete targets a missing record.
var ErrNotFound = errors.New("record not found")

// Record is a set of field values keyed by field name.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Filter is an equality conjunction over fields. A nil value matches null.
type Filter map[string]any

// Identifier holds the primary key values of one record.
type Identifier map[string]any

// Key renders the identifier in a stable form for map keys and logs.
func (id Identifier) Key() string {
	names := make([]string, 0, len(id))
	for name := range id {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%v", name, id[name])
	}
	return sb.String()
}

// Filter returns the identifier as an equality filter.
func (id Identifier) Filter() Filter {
	f := make(Filter, len(id))
	for k, v := range id {
		f[k] = v
	}
	return f
}

// IdentifierOf extracts the primary key of model from rec.
func IdentifierOf(model *schema.Model, rec Record) (Identifier, error) {
	id := make(Identifier, len(model.PrimaryKey))
	for _, name := range model.PrimaryKey {
		v, ok := rec[name]
		if !ok || v == nil {
			return nil, fmt.Errorf("record of %s is missing primary key field %s", model.Name, name)
		}
		id[name] = v
	}
	return id, nil
}

// Capabilities describes what a backend enforces natively.
type Capabilities struct {
	// ForeignKeys is true when the backend rejects writes that would leave a
	// dangling reference.
	ForeignKeys bool
}

// Adapter opens sessions against one backend.
type Adapter interface {
	Begin(ctx context.Context) (Session, error)
	Capabilities() Capabilities
}

// Session is a single transaction. Writes made through a session are
// visible to its own reads and to nobody else until Commit. FindMany returns
// records in primary key order.
type Session interface {
	Create(ctx context.Context, model *schema.Model, fields Record) (Identifier, error)
	Update(ctx context.Context, model *schema.Model, id Identifier, patch Record) error
	Delete(ctx context.Context, model *schema.Model, id Identifier) error
	FindUnique(ctx context.Context, model *schema.Model, filter Filter) (Identifier, bool, error)
	FindMany(ctx context.Context, model *schema.Model, filter Filter) ([]Record, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Pinger is implemented by adapters that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// UniqueConstraintError reports a write that collided with a unique key.
type UniqueConstraintError struct {
	Model string
	Err   error
}

func (e *UniqueConstraintError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unique constraint violated on %s", e.Model)
	}
	return fmt.Sprintf("unique constraint violated on %s: %v", e.Model, e.Err)
}

func (e *UniqueConstraintError) Unwrap() error {
	return e.Err
}

// ForeignKeyError reports a write rejected by a backend foreign key.
type ForeignKeyError struct {
	Model string
	Err   error
}

func (e *ForeignKeyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("foreign key constraint violated on %s", e.Model)
	}
	return fmt.Sprintf("foreign key constraint violated on %s: %v", e.Model, e.Err)
}

func (e *ForeignKeyError) Unwrap() error {
	return e.Err
}

// NotNullError reports a write that left a non-nullable field empty.
type NotNullError struct {
	Model string
	Field string
	Err   error
}

func (e *NotNullError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s.%s may not be null", e.Model, e.Field)
	}
	if e.Err == nil {
		return fmt.Sprintf("not null constraint violated on %s", e.Model)
	}
	return fmt.Sprintf("not null constraint violated on %s: %v", e.Model, e.Err)
}

func (e *NotNullError) Unwrap() error {
	return e.Err
}
