package mutationerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	err := New(KindRelationRequired, "update.author", "relation %q is required", "author")
	assert.Equal(t, `relation_required at update.author: relation "author" is required`, err.Error())

	err = New(KindInternal, "", "boom")
	assert.Equal(t, "internal: boom", err.Error())
}

func TestWrapKeepsInnermostError(t *testing.T) {
	inner := New(KindRelatedRecordNotFound, "create.game.connect", "no Game matches filter")
	wrapped := Wrap(KindInternal, "create", fmt.Errorf("execute: %w", inner))

	assert.Equal(t, KindRelatedRecordNotFound, KindOf(wrapped))
	assert.Equal(t, "create.game.connect", PathOf(wrapped))
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := errors.New("duplicate entry")
	err := Wrap(KindUniqueConstraintViolation, "create", cause)

	require.Error(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.True(t, Is(err, KindUniqueConstraintViolation))
	assert.Nil(t, Wrap(KindInternal, "x", nil))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, KindInternal))
}

func TestExtensions(t *testing.T) {
	ext := New(KindConflictingNestedOperation, "create.profile", "x").Extensions()
	assert.Equal(t, "conflicting_nested_operation", ext["code"])
	assert.Equal(t, "create.profile", ext["path"])

	ext = New(KindInternal, "", "x").Extensions()
	_, ok := ext["path"]
	assert.False(t, ok)
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "create", Join("", "create"))
	assert.Equal(t, "create.posts", Join("create", "posts"))
	assert.Equal(t, "create.posts.connect[2]", Index("create.posts.connect", 2))
}
