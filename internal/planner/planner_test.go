package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestwrite/internal/mutationerr"
	"nestwrite/internal/nested"
	"nestwrite/internal/pipeline"
	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
	"nestwrite/internal/testutil"
)

func buildPlan(t *testing.T, model string, payload map[string]any, opts ...Option) (*Plan, error) {
	t.Helper()
	reg := testutil.Registry(t)
	root, err := nested.NewParser(reg).ParseRoot(model, payload)
	require.NoError(t, err)
	return New(reg, opts...).Build(context.Background(), root)
}

func TestBuildParentBeforeChildWhenChildHoldsKey(t *testing.T) {
	plan, err := buildPlan(t, "Game", map[string]any{
		"create": map[string]any{
			"name": "KOFXIII",
			"commandList": map[string]any{
				"create": map[string]any{"name": "KOFXIII Command List"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"create Game (create)",
		"create CommandList (create.commandList.create)",
	}, plan.Describe())

	child := plan.Steps[1]
	assert.True(t, child.DependsOn(plan.Root))
	require.Len(t, child.Bindings, 1)
	assert.Equal(t, plan.Root, child.Bindings[0].Source)
	assert.Equal(t, []string{"id"}, child.Bindings[0].From)
	assert.Equal(t, []string{"gameId"}, child.Bindings[0].To)
	assert.Equal(t, IntoFields, child.Bindings[0].Into)
}

func TestBuildChildBeforeParentWhenParentHoldsKey(t *testing.T) {
	plan, err := buildPlan(t, "CommandList", map[string]any{
		"create": map[string]any{
			"name": "List",
			"game": map[string]any{"create": map[string]any{"name": "KOFXIII"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"create Game (create.game.create)",
		"create CommandList (create)",
	}, plan.Describe())
	assert.True(t, plan.Root.DependsOn(plan.Steps[0]))
	require.Len(t, plan.Root.Bindings, 1)
	assert.Equal(t, []string{"gameId"}, plan.Root.Bindings[0].To)
}

func TestBuildJoinRecordDependsOnBothEndpoints(t *testing.T) {
	plan, err := buildPlan(t, "Post", map[string]any{
		"create": map[string]any{
			"title":  "Hello",
			"author": map[string]any{"connect": map[string]any{"email": "a@example.com"}},
			"tags": map[string]any{"connect": []any{
				map[string]any{"label": "go"},
				map[string]any{"label": "sql"},
			}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"find Author (create.author.connect)",
		"create Post (create)",
		"find Tag (create.tags.connect[0])",
		"joinCreate PostTag (create.tags.connect[0])",
		"find Tag (create.tags.connect[1])",
		"joinCreate PostTag (create.tags.connect[1])",
	}, plan.Describe())

	join := plan.Steps[3]
	assert.True(t, join.DependsOn(plan.Root))
	assert.True(t, join.DependsOn(plan.Steps[2]))
	require.Len(t, join.Bindings, 2)
	assert.Equal(t, []string{"postId"}, join.Bindings[0].To)
	assert.Equal(t, []string{"tagId"}, join.Bindings[1].To)
}

func TestBuildIsDeterministic(t *testing.T) {
	payload := map[string]any{
		"create": map[string]any{
			"email": "a@example.com",
			"posts": map[string]any{"create": []any{
				map[string]any{"title": "one", "tags": map[string]any{"create": map[string]any{"label": "x"}}},
				map[string]any{"title": "two"},
			}},
			"editedPosts": map[string]any{"connect": map[string]any{"id": 9}},
		},
	}
	first, err := buildPlan(t, "Author", payload)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := buildPlan(t, "Author", payload)
		require.NoError(t, err)
		assert.Equal(t, first.Describe(), again.Describe())
	}
	assert.Equal(t, []string{
		"create Author (create)",
		"create Post (create.posts.create[0])",
		"create Tag (create.posts.create[0].tags.create)",
		"joinCreate PostTag (create.posts.create[0].tags.create)",
		"create Post (create.posts.create[1])",
		"find Post (create.editedPosts.connect)",
		"update Post (create.editedPosts.connect)",
	}, first.Describe())
}

func TestBuildReplacesToOneLinkBeforeCreating(t *testing.T) {
	plan, err := buildPlan(t, "Game", map[string]any{
		"update": map[string]any{
			"where": map[string]any{"id": 1},
			"data": map[string]any{
				"commandList": map[string]any{"create": map[string]any{"name": "v2"}},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"update Game (update)",
		"unlink CommandList (update.data.commandList)",
		"create CommandList (update.data.commandList.create)",
	}, plan.Describe())
	assert.True(t, plan.Steps[2].DependsOn(plan.Steps[1]))
	assert.Equal(t, storage.Filter{"id": 1}, plan.Root.Where)
}

func TestBuildRemovesPreviousToOneBeforeRelinking(t *testing.T) {
	plan, err := buildPlan(t, "Game", map[string]any{
		"update": map[string]any{
			"where": map[string]any{"id": 1},
			"data": map[string]any{
				"commandList": map[string]any{"create": map[string]any{"name": "v2"}, "delete": true},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"update Game (update)",
		"find CommandList (update.data.commandList.delete)",
		"delete CommandList (update.data.commandList.delete)",
		"unlink CommandList (update.data.commandList)",
		"create CommandList (update.data.commandList.create)",
	}, plan.Describe())

	old, del, unlink := plan.Steps[1], plan.Steps[2], plan.Steps[3]
	require.NotNil(t, old.Scope)
	assert.Equal(t, plan.Root, old.Scope.Parent)
	assert.Equal(t, old, del.Ref)
	assert.True(t, unlink.DependsOn(del))

	plan, err = buildPlan(t, "Author", map[string]any{
		"update": map[string]any{
			"where": map[string]any{"id": 1},
			"data": map[string]any{
				"profile": map[string]any{"connect": map[string]any{"id": 2}, "disconnect": true},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"update Author (update)",
		"find Profile (update.data.profile.connect)",
		"find Profile (update.data.profile.disconnect)",
		"update Profile (update.data.profile.disconnect)",
		"unlink Profile (update.data.profile)",
		"update Profile (update.data.profile.connect)",
	}, plan.Describe())
	detach := plan.Steps[3]
	assert.Equal(t, plan.Steps[2], detach.Ref)
	v, ok := detach.Fields["authorId"]
	assert.True(t, ok)
	assert.Nil(t, v)
	for _, s := range plan.Steps {
		if s.Action == ActionUnlink {
			assert.True(t, s.DependsOn(detach))
			assert.Less(t, plan.Index(detach), plan.Index(s))
		}
	}
}

func TestBuildToManySetUnlinksTheRest(t *testing.T) {
	plan, err := buildPlan(t, "Author", map[string]any{
		"update": map[string]any{
			"where": map[string]any{"id": 1},
			"data": map[string]any{
				"editedPosts": map[string]any{"set": []any{map[string]any{"id": 7}}},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"update Author (update)",
		"find Post (update.data.editedPosts.set[0])",
		"update Post (update.data.editedPosts.set[0])",
		"unlink Post (update.data.editedPosts.set)",
	}, plan.Describe())
	unlink := plan.Steps[3]
	assert.Equal(t, []*PendingWrite{plan.Steps[1]}, unlink.Keep)
	assert.True(t, unlink.DependsOn(plan.Steps[2]))
}

func TestBuildDeleteThroughParentKey(t *testing.T) {
	plan, err := buildPlan(t, "Post", map[string]any{
		"update": map[string]any{
			"where": map[string]any{"id": 1},
			"data":  map[string]any{"editor": map[string]any{"delete": true}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"update Post (update)",
		"delete Author (update.data.editor.delete)",
	}, plan.Describe())
	v, ok := plan.Root.Fields["editorId"]
	assert.True(t, ok)
	assert.Nil(t, v)
	del := plan.Steps[1]
	require.NotNil(t, del.Scope)
	assert.True(t, del.Scope.PreImage)
	assert.Equal(t, plan.Root, del.Scope.Parent)
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		payload map[string]any
		kind    mutationerr.Kind
		path    string
	}{
		{
			name:  "required relations pointing at each other",
			model: "Person",
			payload: map[string]any{"create": map[string]any{
				"name":     "Ada",
				"passport": map[string]any{"create": map[string]any{"number": "X1"}},
			}},
			kind: mutationerr.KindCyclicRequiredRelation,
			path: "create.passport.create",
		},
		{
			name:    "missing required key",
			model:   "Post",
			payload: map[string]any{"create": map[string]any{"title": "orphan"}},
			kind:    mutationerr.KindRelationRequired,
			path:    "create.author",
		},
		{
			name:  "update below a new record",
			model: "Author",
			payload: map[string]any{"create": map[string]any{
				"email": "a@example.com",
				"posts": map[string]any{"update": map[string]any{
					"where": map[string]any{"id": 1},
					"data":  map[string]any{"title": "x"},
				}},
			}},
			kind: mutationerr.KindInvalidNestedOperation,
			path: "create.posts.update",
		},
		{
			name:  "nested relations inside connectOrCreate",
			model: "Post",
			payload: map[string]any{"create": map[string]any{
				"title": "t",
				"author": map[string]any{"connectOrCreate": map[string]any{
					"where": map[string]any{"email": "a@example.com"},
					"create": map[string]any{
						"email":       "a@example.com",
						"editedPosts": map[string]any{"connect": map[string]any{"id": 3}},
					},
				}},
			}},
			kind: mutationerr.KindInvalidNestedOperation,
			path: "create.author.connectOrCreate",
		},
		{
			name:  "connectOrCreate missing required key",
			model: "Author",
			payload: map[string]any{"create": map[string]any{
				"email": "a@example.com",
				"editedPosts": map[string]any{"connectOrCreate": map[string]any{
					"where":  map[string]any{"id": 5},
					"create": map[string]any{"title": "draft"},
				}},
			}},
			kind: mutationerr.KindRelationRequired,
			path: "create.editedPosts.connectOrCreate.author",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildPlan(t, tt.model, tt.payload)
			require.Error(t, err)
			assert.Equal(t, tt.kind, mutationerr.KindOf(err), err.Error())
			assert.Equal(t, tt.path, mutationerr.PathOf(err))
		})
	}
}

func TestBuildRunsHookBeforeWriting(t *testing.T) {
	var seen []string
	hook := pipeline.HookFunc(func(_ context.Context, f pipeline.Field) (any, error) {
		seen = append(seen, f.Path)
		if f.Field.Name == "name" && f.Value == "" {
			return nil, errors.New("name must not be empty")
		}
		if s, ok := f.Value.(string); ok {
			return s + "!", nil
		}
		return f.Value, nil
	})

	plan, err := buildPlan(t, "Game", map[string]any{
		"create": map[string]any{
			"name":        "KOF",
			"commandList": map[string]any{"create": map[string]any{"name": "moves"}},
		},
	}, WithHook(hook))
	require.NoError(t, err)
	assert.Equal(t, "KOF!", plan.Root.Fields["name"])
	assert.Equal(t, "moves!", plan.Steps[1].Fields["name"])
	assert.Equal(t, []string{"create.name", "create.commandList.create.name"}, seen)

	_, err = buildPlan(t, "Game", map[string]any{
		"create": map[string]any{"name": ""},
	}, WithHook(hook))
	require.Error(t, err)
	assert.Equal(t, mutationerr.KindValidationFailed, mutationerr.KindOf(err))
	assert.Equal(t, "create.name", mutationerr.PathOf(err))
}

func TestBuildGeneratesUUIDKeys(t *testing.T) {
	reg, err := schema.Parse([]byte(`
models:
  - name: Device
    id: uuid
    primary_key: [id]
    fields:
      - {name: id, type: uuid}
      - {name: label, type: string}
`))
	require.NoError(t, err)
	root, err := nested.NewParser(reg).ParseRoot("Device", map[string]any{
		"create": map[string]any{"label": "probe"},
	})
	require.NoError(t, err)

	plan, err := New(reg, WithIDGenerator(func() string { return "fixed" })).Build(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, "fixed", plan.Root.Fields["id"])
}

func TestLimitsMaxWrites(t *testing.T) {
	payload := map[string]any{
		"create": map[string]any{
			"name":        "KOF",
			"commandList": map[string]any{"create": map[string]any{"name": "moves"}},
		},
	}
	_, err := buildPlan(t, "Game", payload, WithLimits(Limits{MaxWrites: 1}))
	require.Error(t, err)
	assert.Equal(t, mutationerr.KindInvalidNestedOperation, mutationerr.KindOf(err))

	_, err = buildPlan(t, "Game", payload, WithLimits(Limits{MaxWrites: 2}))
	assert.NoError(t, err)
}

func TestLinearizeReportsCycles(t *testing.T) {
	m := &schema.Model{Name: "A"}
	a := &PendingWrite{ID: 0, Model: m, Path: "a"}
	b := &PendingWrite{ID: 1, Model: m, Path: "b", seq: []int{0}}
	a.addDep(b)
	b.addDep(a)

	_, err := linearize([]*PendingWrite{a, b})
	require.Error(t, err)
	assert.Equal(t, mutationerr.KindCyclicRequiredRelation, mutationerr.KindOf(err))
	assert.Contains(t, err.Error(), "a, b")
}
