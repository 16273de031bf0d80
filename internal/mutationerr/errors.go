// Package mutationerr defines the structured error taxonomy returned by the
// nested mutation engine. Every error carries a kind and the dotted field
// path of the operation that failed so a boundary layer can render it
// without knowing engine internals.
package mutationerr

import (
	"errors"
	"fmt"
)

// Kind classifies a mutation failure.
type Kind string

const (
	KindUnknownRelation            Kind = "unknown_relation"
	KindConflictingNestedOperation Kind = "conflicting_nested_operation"
	KindInvalidNestedOperation     Kind = "invalid_nested_operation"
	KindRelationRequired           Kind = "relation_required"
	KindCyclicRequiredRelation     Kind = "cyclic_required_relation"
	KindPartialForeignKey          Kind = "partial_foreign_key"
	KindRelatedRecordNotFound      Kind = "related_record_not_found"
	KindRequiredRelationViolation  Kind = "required_relation_violation"
	KindUniqueConstraintViolation  Kind = "unique_constraint_violation"
	KindValidationFailed           Kind = "validation_failed"
	KindInternal                   Kind = "internal"
)

// Error is a mutation failure scoped to one request.
type Error struct {
	Kind    Kind
	Path    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Path, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Extensions returns the fields exposed to clients.
func (e *Error) Extensions() map[string]interface{} {
	extensions := map[string]interface{}{
		"code": string(e.Kind),
	}
	if e.Path != "" {
		extensions["path"] = e.Path
	}
	return extensions
}

// New creates an Error with a formatted message.
func New(kind Kind, path, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap attaches a kind and path to err. An existing *Error is returned as is
// so the innermost path wins.
func Wrap(kind Kind, path string, err error) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	return &Error{Kind: kind, Path: path, Err: err}
}

// KindOf reports the kind of err, or KindInternal for unstructured errors.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}

// Is reports whether err is a mutation error of the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// PathOf returns the field path recorded on err, if any.
func PathOf(err error) string {
	var me *Error
	if errors.As(err, &me) {
		return me.Path
	}
	return ""
}

// Join appends a segment to a dotted path.
func Join(path string, segment string) string {
	if path == "" {
		return segment
	}
	return path + "." + segment
}

// Index appends an array index to a dotted path.
func Index(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}
