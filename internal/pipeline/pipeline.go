// Package pipeline is the validate/transform hook invoked for every scalar
// field written by a create or update.
package pipeline

import (
	"context"
	"fmt"

	"nestwrite/internal/schema"
)

// Op is the write a field value belongs to.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
)

// Field is one scalar value on its way to the adapter.
type Field struct {
	Model *schema.Model
	Field *schema.Field
	Op    Op
	Path  string
	Value any
}

// Hook validates or transforms a field value. Returning an error aborts the
// whole mutation before anything is written.
type Hook interface {
	Apply(ctx context.Context, f Field) (any, error)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, f Field) (any, error)

func (fn HookFunc) Apply(ctx context.Context, f Field) (any, error) {
	return fn(ctx, f)
}

// Chain runs hooks in order, feeding each the previous result.
type Chain []Hook

func (c Chain) Apply(ctx context.Context, f Field) (any, error) {
	for _, h := range c {
		if h == nil {
			continue
		}
		v, err := h.Apply(ctx, f)
		if err != nil {
			return nil, err
		}
		f.Value = v
	}
	return f.Value, nil
}

// ValidationError is a rejected field value.
type ValidationError struct {
	Model   string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Model, e.Field, e.Message)
}

func invalid(f Field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Model:   f.Model.Name,
		Field:   f.Field.Name,
		Message: fmt.Sprintf(format, args...),
	}
}
