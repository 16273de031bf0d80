package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gameSchema = `
models:
  - name: Game
    primary_key: [id]
    fields:
      - {name: id, type: int}
      - {name: name, type: string}
    unique:
      - [name]
  - name: CommandList
    primary_key: [id]
    fields:
      - {name: id, type: int}
      - {name: name, type: string}
      - {name: gameId, type: int}
    unique:
      - [gameId]
    foreign_keys:
      - fields: [gameId]
        references: Game
        on_delete: cascade
  - name: Author
    id: uuid
    primary_key: [id]
    fields:
      - {name: id, type: uuid}
      - {name: name, type: string}
  - name: Post
    primary_key: [id]
    fields:
      - {name: id, type: int}
      - {name: title, type: string}
      - {name: authorId, type: uuid}
      - {name: editorId, type: uuid, nullable: true}
    foreign_keys:
      - fields: [authorId]
        references: Author
        inverse: posts
      - fields: [editorId]
        references: Author
        inverse: editedPosts
  - name: Tag
    primary_key: [id]
    fields:
      - {name: id, type: int}
      - {name: label, type: string}
    unique:
      - [label]
  - name: PostTag
    primary_key: [postId, tagId]
    fields:
      - {name: postId, type: int}
      - {name: tagId, type: int}
    foreign_keys:
      - {fields: [postId], references: Post}
      - {fields: [tagId], references: Tag}
`

func mustParse(t *testing.T, doc string) *Registry {
	t.Helper()
	reg, err := Parse([]byte(doc))
	require.NoError(t, err)
	return reg
}

func TestParseDerivesOneToOne(t *testing.T) {
	reg := mustParse(t, gameSchema)

	owner, err := reg.Lookup("CommandList", "game")
	require.NoError(t, err)
	assert.Equal(t, LocalOwnsKey, owner.Direction)
	assert.Equal(t, ToOne, owner.Cardinality)
	assert.Equal(t, Required, owner.Optionality)
	assert.Equal(t, []string{"gameId"}, owner.LocalFields)
	assert.Equal(t, []string{"id"}, owner.ForeignFields)
	assert.Equal(t, OnDeleteCascade, owner.OnDelete)
	assert.Equal(t, "commandList", owner.Inverse)

	inverse, err := reg.Lookup("Game", "commandList")
	require.NoError(t, err)
	assert.Equal(t, ForeignOwnsKey, inverse.Direction)
	assert.Equal(t, ToOne, inverse.Cardinality)
	assert.Equal(t, "CommandList", inverse.Target)
	assert.Equal(t, []string{"id"}, inverse.LocalFields)
	assert.Equal(t, []string{"gameId"}, inverse.ForeignFields)
	assert.Equal(t, SideForeign, reg.FKOwner(inverse))
	assert.True(t, reg.IsRequired(inverse))

	back, ok := reg.InverseOf(inverse)
	require.True(t, ok)
	assert.Same(t, owner, back)
}

func TestParseDerivesOneToManyAndOptionality(t *testing.T) {
	reg := mustParse(t, gameSchema)

	author, err := reg.Lookup("Post", "author")
	require.NoError(t, err)
	assert.Equal(t, Required, author.Optionality)
	assert.Equal(t, OnDeleteRestrict, author.OnDelete)

	editor, err := reg.Lookup("Post", "editor")
	require.NoError(t, err)
	assert.Equal(t, Optional, editor.Optionality)
	assert.False(t, reg.IsRequired(editor))

	posts, err := reg.Lookup("Author", "posts")
	require.NoError(t, err)
	assert.Equal(t, ToMany, posts.Cardinality)
	assert.Equal(t, ForeignOwnsKey, posts.Direction)

	edited, err := reg.Lookup("Author", "editedPosts")
	require.NoError(t, err)
	assert.Equal(t, "editor", edited.Inverse)
}

func TestParseDerivesThroughJoin(t *testing.T) {
	reg := mustParse(t, gameSchema)

	tags, err := reg.Lookup("Post", "tags")
	require.NoError(t, err)
	assert.Equal(t, ThroughJoin, tags.Direction)
	assert.Equal(t, ToMany, tags.Cardinality)
	assert.Equal(t, Optional, tags.Optionality)
	require.NotNil(t, tags.Join)
	assert.Equal(t, "PostTag", tags.Join.Model)
	assert.Equal(t, []string{"postId"}, tags.Join.LocalFields)
	assert.Equal(t, []string{"tagId"}, tags.Join.ForeignFields)
	assert.Equal(t, SideJoin, reg.FKOwner(tags))
	assert.Equal(t, "posts", tags.Inverse)

	posts, err := reg.Lookup("Tag", "posts")
	require.NoError(t, err)
	assert.Equal(t, "Post", posts.Target)
	assert.Equal(t, []string{"tagId"}, posts.Join.LocalFields)

	// Join model relations exist for direct writes but have no inverse.
	joinRel, err := reg.Lookup("PostTag", "post")
	require.NoError(t, err)
	assert.Equal(t, OnDeleteCascade, joinRel.OnDelete)
	assert.Empty(t, joinRel.Inverse)
}

func TestInbound(t *testing.T) {
	reg := mustParse(t, gameSchema)

	var names []string
	for _, rel := range reg.Inbound("Post") {
		names = append(names, rel.String())
	}
	assert.Equal(t, []string{"PostTag.post"}, names)

	names = nil
	for _, rel := range reg.Inbound("Author") {
		names = append(names, rel.String())
	}
	assert.Equal(t, []string{"Post.author", "Post.editor"}, names)
}

func TestLookupUnknown(t *testing.T) {
	reg := mustParse(t, gameSchema)

	_, err := reg.Lookup("Game", "nope")
	assert.True(t, errors.Is(err, ErrUnknownRelation))

	_, err = reg.Lookup("Nope", "game")
	assert.True(t, errors.Is(err, ErrUnknownModel))

	_, err = reg.Model("Nope")
	assert.True(t, errors.Is(err, ErrUnknownModel))
}

func TestModelDefaults(t *testing.T) {
	reg := mustParse(t, gameSchema)

	m, err := reg.Model("CommandList")
	require.NoError(t, err)
	assert.Equal(t, "command_lists", m.Table)
	assert.Equal(t, IDAuto, m.ID)
	assert.True(t, m.IsUniqueKey([]string{"gameId"}))
	assert.True(t, m.IsUniqueKey([]string{"id"}))
	assert.False(t, m.IsUniqueKey([]string{"name"}))
	assert.True(t, m.CoversUniqueKey([]string{"name", "gameId"}))

	assert.Len(t, reg.Models(), 6)
	assert.Equal(t, "Game", reg.Models()[0].Name)
}

func TestRelationsSorted(t *testing.T) {
	reg := mustParse(t, gameSchema)

	var names []string
	for _, rel := range reg.Relations("Post") {
		names = append(names, rel.Name)
	}
	assert.Equal(t, []string{"author", "editor", "tags"}, names)
}

func TestBuildRejectsInvalidSchemas(t *testing.T) {
	tests := []struct {
		name    string
		models  []Model
		problem string
	}{
		{
			name:    "missing primary key",
			models:  []Model{{Name: "A", Fields: []Field{{Name: "id", Type: TypeInt}}}},
			problem: "model A has no primary key",
		},
		{
			name: "unknown referenced model",
			models: []Model{{
				Name: "A", PrimaryKey: []string{"id"},
				Fields:      []Field{{Name: "id", Type: TypeInt}, {Name: "bId", Type: TypeInt}},
				ForeignKeys: []ForeignKey{{Fields: []string{"bId"}, References: "B"}},
			}},
			problem: "references unknown model B",
		},
		{
			name: "set_null on required key",
			models: []Model{
				{Name: "B", PrimaryKey: []string{"id"}, Fields: []Field{{Name: "id", Type: TypeInt}}},
				{
					Name: "A", PrimaryKey: []string{"id"},
					Fields:      []Field{{Name: "id", Type: TypeInt}, {Name: "bId", Type: TypeInt}},
					ForeignKeys: []ForeignKey{{Fields: []string{"bId"}, References: "B", OnDelete: OnDeleteSetNull}},
				},
			},
			problem: "uses set_null on non-nullable fields",
		},
		{
			name: "arity mismatch",
			models: []Model{
				{Name: "B", PrimaryKey: []string{"id"}, Fields: []Field{{Name: "id", Type: TypeInt}}},
				{
					Name: "A", PrimaryKey: []string{"id"},
					Fields:      []Field{{Name: "id", Type: TypeInt}, {Name: "bId", Type: TypeInt}, {Name: "bx", Type: TypeInt}},
					ForeignKeys: []ForeignKey{{Fields: []string{"bId", "bx"}, References: "B"}},
				},
			},
			problem: "does not match B[id]",
		},
		{
			name: "relation collides with field",
			models: []Model{
				{Name: "B", PrimaryKey: []string{"id"}, Fields: []Field{{Name: "id", Type: TypeInt}}},
				{
					Name: "A", PrimaryKey: []string{"id"},
					Fields:      []Field{{Name: "id", Type: TypeInt}, {Name: "b", Type: TypeInt}},
					ForeignKeys: []ForeignKey{{Fields: []string{"b"}, References: "B"}},
				},
			},
			problem: "relation A.b collides with a scalar field",
		},
		{
			name: "unsupported field type",
			models: []Model{
				{Name: "B", PrimaryKey: []string{"id"}, Fields: []Field{{Name: "id", Type: "decimal"}}},
			},
			problem: `field B.id has unsupported type "decimal"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.models)
			require.Error(t, err)
			var buildErr *BuildError
			require.True(t, errors.As(err, &buildErr))
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("models:\n  - name: A\n    primary_key: [id]\n    colour: red\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode schema")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(gameSchema), 0o600))

	reg, err := Load(path)
	require.NoError(t, err)
	_, err = reg.Lookup("Game", "commandList")
	assert.NoError(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestToSnakeCase(t *testing.T) {
	assert.Equal(t, "command_lists", toSnakeCase("CommandLists"))
	assert.Equal(t, "games", toSnakeCase("Games"))
	assert.Equal(t, "http_requests", toSnakeCase("HTTPRequests"))
}
