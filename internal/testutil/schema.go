// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"testing"

	"nestwrite/internal/schema"
)

// SchemaYAML is a schema covering every relation shape: a required one-to-one
// (Game/CommandList), an optional one-to-one (Author/Profile), required and
// optional one-to-many (Author/Post), a join
// model (PostTag), a composite key (Team/Member) and a pair of required
// relations pointing at each other (Person/Passport).
const SchemaYAML = `
models:
  - name: Game
    primary_key: [id]
    fields:
      - {name: id, type: int}
      - {name: name, type: string, validate: "len(value) > 0"}
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
      - {fields: [gameId], references: Game, on_delete: cascade}

  - name: Author
    primary_key: [id]
    fields:
      - {name: id, type: int}
      - {name: email, type: string, transform: "lower(value)"}
      - {name: name, type: string, nullable: true}
    unique:
      - [email]

  - name: Profile
    primary_key: [id]
    fields:
      - {name: id, type: int}
      - {name: bio, type: string}
      - {name: authorId, type: int, nullable: true}
    unique:
      - [authorId]
    foreign_keys:
      - {fields: [authorId], references: Author, inverse: profile, on_delete: set_null}

  - name: Post
    primary_key: [id]
    fields:
      - {name: id, type: int}
      - {name: title, type: string}
      - {name: authorId, type: int}
      - {name: editorId, type: int, nullable: true}
    foreign_keys:
      - {fields: [authorId], references: Author, inverse: posts}
      - {fields: [editorId], references: Author, inverse: editedPosts, on_delete: set_null}

  - name: Tag
    primary_key: [id]
    fields:
      - {name: id, type: int}
      - {name: label, type: string}
    unique:
      - [label]

  - name: PostTag
    id: provided
    primary_key: [postId, tagId]
    fields:
      - {name: postId, type: int}
      - {name: tagId, type: int}
    foreign_keys:
      - {fields: [postId], references: Post}
      - {fields: [tagId], references: Tag}

  - name: Team
    id: provided
    primary_key: [tenant, code]
    fields:
      - {name: tenant, type: string}
      - {name: code, type: string}
      - {name: title, type: string, nullable: true}

  - name: Member
    primary_key: [id]
    fields:
      - {name: id, type: int}
      - {name: name, type: string}
      - {name: tenant, type: string, nullable: true}
      - {name: teamCode, type: string, nullable: true}
    foreign_keys:
      - {fields: [tenant, teamCode], references: Team, name: team, inverse: members}

  - name: Person
    primary_key: [id]
    fields:
      - {name: id, type: int}
      - {name: name, type: string}
      - {name: passportId, type: int}
    foreign_keys:
      - {fields: [passportId], references: Passport, inverse: people}

  - name: Passport
    primary_key: [id]
    fields:
      - {name: id, type: int}
      - {name: number, type: string}
      - {name: holderId, type: int}
    foreign_keys:
      - {fields: [holderId], references: Person, name: holder, inverse: passports}
`

// Registry builds the fixture registry.
func Registry(t testing.TB) *schema.Registry {
	t.Helper()
	reg, err := schema.Parse([]byte(SchemaYAML))
	if err != nil {
		t.Fatalf("parse fixture schema: %v", err)
	}
	return reg
}

// Model returns a model from reg or fails the test.
func Model(t testing.TB, reg *schema.Registry, name string) *schema.Model {
	t.Helper()
	m, err := reg.Model(name)
	if err != nil {
		t.Fatalf("model %s: %v", name, err)
	}
	return m
}
