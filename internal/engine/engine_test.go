package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestwrite/internal/mutationerr"
	"nestwrite/internal/pipeline"
	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
	"nestwrite/internal/storage/docstore"
	"nestwrite/internal/testutil"
)

type obj = map[string]any

func newEngine(t *testing.T, opts ...Option) (*Engine, *docstore.Store) {
	t.Helper()
	store := docstore.New()
	return New(testutil.Registry(t), store, opts...), store
}

func mustExec(t *testing.T, e *Engine, model string, op obj) *MutationResult {
	t.Helper()
	res, err := e.ExecuteMutation(context.Background(), Request{Model: model, Operation: op})
	require.NoError(t, err)
	return res
}

func findAll(t *testing.T, e *Engine, model string, where storage.Filter, include obj) []storage.Record {
	t.Helper()
	recs, err := e.FindMany(context.Background(), model, where, include)
	require.NoError(t, err)
	return recs
}

func TestGameWithCommandListScenario(t *testing.T) {
	e, _ := newEngine(t)

	res := mustExec(t, e, "Game", obj{
		"create": obj{
			"name":        "KOFXIII",
			"commandList": obj{"create": obj{"name": "KOFXIII Command List"}},
		},
	})
	assert.Equal(t, 2, res.Affected)
	assert.Equal(t, "KOFXIII", res.Record["name"])

	games := findAll(t, e, "Game", storage.Filter{"name": "KOFXIII"}, obj{"commandList": true})
	require.Len(t, games, 1)
	list, ok := games[0]["commandList"].(storage.Record)
	require.True(t, ok, "commandList should be embedded")
	assert.Equal(t, games[0]["id"], list["gameId"])
	assert.Equal(t, "KOFXIII Command List", list["name"])
}

func TestCreateRoundTripsToOneChild(t *testing.T) {
	e, _ := newEngine(t)

	res := mustExec(t, e, "Author", obj{
		"create": obj{
			"email":   "ada@example.com",
			"profile": obj{"create": obj{"bio": "mathematician"}},
		},
	})
	profile, ok := res.Record["profile"].(storage.Record)
	require.True(t, ok, "touched relations are read back by default")
	assert.Equal(t, res.Record["id"], profile["authorId"])

	authors := findAll(t, e, "Author", storage.Filter{"id": res.Record["id"]}, obj{"profile": true})
	require.Len(t, authors, 1)
	read := authors[0]["profile"].(storage.Record)
	assert.Equal(t, "mathematician", read["bio"])
	assert.Equal(t, authors[0]["id"], read["authorId"])
	assert.Equal(t, profile["id"], read["id"])
}

func TestRemovingRequiredToOneIsRejected(t *testing.T) {
	e, store := newEngine(t)
	mustExec(t, e, "Game", obj{
		"create": obj{"name": "KOF", "commandList": obj{"create": obj{"name": "moves"}}},
	})
	before := store.Dump()

	cases := []struct {
		model string
		data  obj
	}{
		{"CommandList", obj{"game": obj{"disconnect": true}}},
		{"CommandList", obj{"game": obj{"delete": true}}},
		{"Game", obj{"commandList": obj{"disconnect": true}}},
		{"Game", obj{"commandList": obj{"set": nil}}},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s %v", tc.model, tc.data), func(t *testing.T) {
			_, err := e.ExecuteMutation(context.Background(), Request{
				Model:     tc.model,
				Operation: obj{"update": obj{"where": obj{"id": 1}, "data": tc.data}},
			})
			require.Error(t, err)
			assert.Equal(t, mutationerr.KindRelationRequired, mutationerr.KindOf(err))
			assert.Equal(t, before, store.Dump())
		})
	}
}

func TestSetToOneLeavesExactlyOneLink(t *testing.T) {
	e, _ := newEngine(t)
	author := mustExec(t, e, "Author", obj{
		"create": obj{"email": "a@example.com", "profile": obj{"create": obj{"bio": "first"}}},
	}).Record
	spare := mustExec(t, e, "Profile", obj{"create": obj{"bio": "second"}}).Record
	assert.Nil(t, spare["authorId"])

	linked := func() []storage.Record {
		return findAll(t, e, "Profile", storage.Filter{"authorId": author["id"]}, nil)
	}

	res := mustExec(t, e, "Author", obj{
		"update": obj{"where": obj{"id": author["id"]}, "data": obj{"profile": obj{"set": obj{"id": spare["id"]}}}},
	})
	require.Len(t, linked(), 1)
	assert.Equal(t, spare["id"], linked()[0]["id"])
	assert.Equal(t, spare["id"], res.Record["profile"].(storage.Record)["id"])

	mustExec(t, e, "Author", obj{
		"update": obj{"where": obj{"id": author["id"]}, "data": obj{"profile": obj{"set": obj{"bio": "third"}}}},
	})
	require.Len(t, linked(), 1)
	assert.Equal(t, "third", linked()[0]["bio"])

	// Setting the record that is already linked keeps it.
	current := linked()[0]
	mustExec(t, e, "Author", obj{
		"update": obj{"where": obj{"id": author["id"]}, "data": obj{"profile": obj{"set": obj{"id": current["id"]}}}},
	})
	require.Len(t, linked(), 1)
	assert.Equal(t, current["id"], linked()[0]["id"])

	assert.Len(t, findAll(t, e, "Profile", nil, nil), 3, "replaced profiles are unlinked, not deleted")
}

func TestToOneReplacementRemovesThePreviousRecord(t *testing.T) {
	e, _ := newEngine(t)
	author := mustExec(t, e, "Author", obj{
		"create": obj{"email": "a@example.com", "profile": obj{"create": obj{"bio": "old"}}},
	}).Record
	byBio := func(bio string) []storage.Record {
		return findAll(t, e, "Profile", storage.Filter{"bio": bio}, nil)
	}
	updateProfile := func(ops obj) *MutationResult {
		return mustExec(t, e, "Author", obj{
			"update": obj{"where": obj{"id": author["id"]}, "data": obj{"profile": ops}},
		})
	}

	res := updateProfile(obj{"create": obj{"bio": "new"}, "delete": true})
	assert.Equal(t, "new", res.Record["profile"].(storage.Record)["bio"])
	assert.Empty(t, byBio("old"), "the previously linked profile is deleted")
	require.Len(t, byBio("new"), 1)
	assert.Equal(t, author["id"], byBio("new")[0]["authorId"])

	spare := mustExec(t, e, "Profile", obj{"create": obj{"bio": "spare"}}).Record
	res = updateProfile(obj{"connect": obj{"id": spare["id"]}, "disconnect": true})
	assert.Equal(t, spare["id"], res.Record["profile"].(storage.Record)["id"])
	require.Len(t, byBio("new"), 1)
	assert.Nil(t, byBio("new")[0]["authorId"], "the previously linked profile is detached")
	assert.Equal(t, author["id"], byBio("spare")[0]["authorId"])
	assert.Len(t, findAll(t, e, "Profile", nil, nil), 2)
}

func TestRequiredToOneReplacementDeletesThePreviousRecord(t *testing.T) {
	e, store := newEngine(t)
	game := mustExec(t, e, "Game", obj{
		"create": obj{"name": "KOF", "commandList": obj{"create": obj{"name": "v1"}}},
	}).Record

	res := mustExec(t, e, "Game", obj{"update": obj{
		"where": obj{"id": game["id"]},
		"data":  obj{"commandList": obj{"create": obj{"name": "v2"}, "delete": true}},
	}})
	assert.Equal(t, "v2", res.Record["commandList"].(storage.Record)["name"])
	lists := findAll(t, e, "CommandList", nil, nil)
	require.Len(t, lists, 1)
	assert.Equal(t, "v2", lists[0]["name"])
	assert.Equal(t, game["id"], lists[0]["gameId"])

	// The old list would be left dangling, so detaching it is refused.
	before := store.Dump()
	_, err := e.ExecuteMutation(context.Background(), Request{Model: "Game", Operation: obj{"update": obj{
		"where": obj{"id": game["id"]},
		"data":  obj{"commandList": obj{"create": obj{"name": "v3"}, "disconnect": true}},
	}}})
	require.Error(t, err)
	assert.Equal(t, mutationerr.KindRelationRequired, mutationerr.KindOf(err))
	assert.Equal(t, before, store.Dump())
}

func TestPartialCompositeKeyIsRejected(t *testing.T) {
	e, store := newEngine(t)
	mustExec(t, e, "Team", obj{"create": obj{"tenant": "acme", "code": "red"}})
	before := store.Dump()

	_, err := e.ExecuteMutation(context.Background(), Request{Model: "Member", Operation: obj{
		"create": obj{"name": "m", "tenant": "acme"},
	}})
	require.Error(t, err)
	assert.Equal(t, mutationerr.KindPartialForeignKey, mutationerr.KindOf(err))
	assert.Equal(t, "create.team", mutationerr.PathOf(err))
	assert.Equal(t, before, store.Dump())

	member := mustExec(t, e, "Member", obj{
		"create": obj{"name": "m", "tenant": "acme", "teamCode": "red"},
	}).Record
	_, err = e.ExecuteMutation(context.Background(), Request{Model: "Member", Operation: obj{
		"update": obj{"where": obj{"id": member["id"]}, "data": obj{"teamCode": nil}},
	}})
	require.Error(t, err)
	assert.Equal(t, mutationerr.KindPartialForeignKey, mutationerr.KindOf(err))

	res := mustExec(t, e, "Member", obj{
		"update": obj{"where": obj{"id": member["id"]}, "data": obj{"tenant": nil, "teamCode": nil}},
	})
	assert.Nil(t, res.Record["tenant"])
	assert.Nil(t, res.Record["teamCode"])
}

// faultyAdapter fails or cancels the context at the n-th write.
type faultyAdapter struct {
	storage.Adapter
	failAt int
	cancel context.CancelFunc
	writes int
}

var errInjected = errors.New("injected failure")

func (a *faultyAdapter) Begin(ctx context.Context) (storage.Session, error) {
	sess, err := a.Adapter.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultySession{Session: sess, adapter: a}, nil
}

type faultySession struct {
	storage.Session
	adapter *faultyAdapter
}

func (s *faultySession) tick() error {
	s.adapter.writes++
	if s.adapter.writes != s.adapter.failAt {
		return nil
	}
	if s.adapter.cancel != nil {
		s.adapter.cancel()
		return nil
	}
	return errInjected
}

func (s *faultySession) Create(ctx context.Context, m *schema.Model, f storage.Record) (storage.Identifier, error) {
	if err := s.tick(); err != nil {
		return nil, err
	}
	return s.Session.Create(ctx, m, f)
}

func (s *faultySession) Update(ctx context.Context, m *schema.Model, id storage.Identifier, p storage.Record) error {
	if err := s.tick(); err != nil {
		return err
	}
	return s.Session.Update(ctx, m, id, p)
}

func (s *faultySession) Delete(ctx context.Context, m *schema.Model, id storage.Identifier) error {
	if err := s.tick(); err != nil {
		return err
	}
	return s.Session.Delete(ctx, m, id)
}

var fiveWrites = obj{
	"create": obj{
		"email": "writer@example.com",
		"posts": obj{"create": []any{
			obj{"title": "one", "tags": obj{"create": obj{"label": "x"}}},
			obj{"title": "two"},
		}},
	},
}

func TestFailureAtAnyStepRollsBackEverything(t *testing.T) {
	reg := testutil.Registry(t)
	for k := 1; k <= 5; k++ {
		t.Run(fmt.Sprintf("fail at write %d", k), func(t *testing.T) {
			store := docstore.New()
			seed := New(reg, store)
			mustExec(t, seed, "Game", obj{"create": obj{"name": "existing"}})
			before := store.Dump()

			var states []State
			e := New(reg, &faultyAdapter{Adapter: store, failAt: k}, WithObserver(func(_ context.Context, _ string, s State) {
				states = append(states, s)
			}))
			_, err := e.ExecuteMutation(context.Background(), Request{Model: "Author", Operation: fiveWrites})
			require.Error(t, err)
			assert.ErrorIs(t, err, errInjected)
			assert.Equal(t, mutationerr.KindInternal, mutationerr.KindOf(err))
			assert.Equal(t, before, store.Dump())
			assert.Equal(t, []State{StatePlanned, StateExecuting, StateRolledBack}, states)
		})
	}

	store := docstore.New()
	res := mustExec(t, New(reg, store), "Author", fiveWrites)
	assert.Equal(t, 5, res.Affected)
}

func TestCancellationRollsBack(t *testing.T) {
	reg := testutil.Registry(t)
	store := docstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := New(reg, &faultyAdapter{Adapter: store, failAt: 2, cancel: cancel})
	_, err := e.ExecuteMutation(ctx, Request{Model: "Author", Operation: fiveWrites})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.Dump())

	// The writer lock was released by the rollback.
	mustExec(t, New(reg, store), "Game", obj{"create": obj{"name": "after"}})
}

func TestConnectToMissingRecord(t *testing.T) {
	e, store := newEngine(t)
	mustExec(t, e, "Author", obj{"create": obj{"email": "a@example.com", "posts": obj{"create": obj{"title": "kept"}}}})
	before := store.Dump()

	_, err := e.ExecuteMutation(context.Background(), Request{Model: "Post", Operation: obj{
		"create": obj{"title": "orphan", "author": obj{"connect": obj{"email": "nobody@example.com"}}},
	}})
	require.Error(t, err)
	assert.Equal(t, mutationerr.KindRelatedRecordNotFound, mutationerr.KindOf(err))
	assert.Equal(t, "create.author.connect", mutationerr.PathOf(err))
	assert.Equal(t, before, store.Dump())

	_, err = e.ExecuteMutation(context.Background(), Request{Model: "Post", Operation: obj{
		"update": obj{
			"where": obj{"id": 1},
			"data":  obj{"title": "changed", "author": obj{"connect": obj{"email": "nobody@example.com"}}},
		},
	}})
	require.Error(t, err)
	assert.Equal(t, mutationerr.KindRelatedRecordNotFound, mutationerr.KindOf(err))
	assert.Equal(t, before, store.Dump())
}

func TestPlainForeignKeyFieldsAreChecked(t *testing.T) {
	e, store := newEngine(t)

	_, err := e.ExecuteMutation(context.Background(), Request{Model: "Post", Operation: obj{
		"create": obj{"title": "orphan", "authorId": 99},
	}})
	require.Error(t, err)
	assert.Equal(t, mutationerr.KindRelatedRecordNotFound, mutationerr.KindOf(err))
	assert.Equal(t, "create.author", mutationerr.PathOf(err))
	assert.Empty(t, store.Dump())
}

func TestUniqueConstraintViolation(t *testing.T) {
	e, _ := newEngine(t)
	mustExec(t, e, "Game", obj{"create": obj{"name": "dup"}})

	_, err := e.ExecuteMutation(context.Background(), Request{Model: "Game", Operation: obj{"create": obj{"name": "dup"}}})
	require.Error(t, err)
	assert.Equal(t, mutationerr.KindUniqueConstraintViolation, mutationerr.KindOf(err))
	var unique *storage.UniqueConstraintError
	require.ErrorAs(t, err, &unique)
	assert.Equal(t, "Game", unique.Model)
}

func TestDeleteAppliesOnDeletePolicies(t *testing.T) {
	e, _ := newEngine(t)
	mustExec(t, e, "Game", obj{
		"create": obj{"name": "KOF", "commandList": obj{"create": obj{"name": "moves"}}},
	})

	res := mustExec(t, e, "Game", obj{"delete": obj{"where": obj{"id": 1}}})
	assert.Equal(t, 2, res.Affected, "command list is cascaded")
	assert.Equal(t, "KOF", res.Record["name"], "delete returns the pre-image")
	assert.Empty(t, findAll(t, e, "CommandList", nil, nil))

	author := mustExec(t, e, "Author", obj{"create": obj{
		"email":   "a@example.com",
		"profile": obj{"create": obj{"bio": "b"}},
	}}).Record
	writer := mustExec(t, e, "Author", obj{"create": obj{
		"email": "w@example.com",
		"posts": obj{"create": obj{"title": "p", "editor": obj{"connect": obj{"id": author["id"]}}}},
	}}).Record

	_, err := e.ExecuteMutation(context.Background(), Request{Model: "Author", Operation: obj{"delete": obj{"id": writer["id"]}}})
	require.Error(t, err)
	assert.Equal(t, mutationerr.KindRequiredRelationViolation, mutationerr.KindOf(err), "posts restrict deleting their author")

	mustExec(t, e, "Author", obj{"delete": obj{"id": author["id"]}})
	posts := findAll(t, e, "Post", nil, nil)
	require.Len(t, posts, 1)
	assert.Nil(t, posts[0]["editorId"])
	profiles := findAll(t, e, "Profile", nil, nil)
	require.Len(t, profiles, 1)
	assert.Nil(t, profiles[0]["authorId"])
}

func TestManyToManyLifecycle(t *testing.T) {
	e, _ := newEngine(t)

	res := mustExec(t, e, "Post", obj{"create": obj{
		"title":  "hello",
		"author": obj{"create": obj{"email": "a@example.com"}},
		"tags": obj{"connectOrCreate": []any{
			obj{"where": obj{"label": "go"}, "create": obj{"label": "go"}},
			obj{"where": obj{"label": "sql"}, "create": obj{"label": "sql"}},
		}},
	}})
	post := res.Record
	tags := post["tags"].([]storage.Record)
	require.Len(t, tags, 2)
	assert.Equal(t, "go", tags[0]["label"])
	assert.Equal(t, "sql", tags[1]["label"])
	assert.Equal(t, "a@example.com", post["author"].(storage.Record)["email"])

	labels := func() []any {
		recs := findAll(t, e, "Post", storage.Filter{"id": post["id"]}, obj{"tags": true})
		var out []any
		for _, tag := range recs[0]["tags"].([]storage.Record) {
			out = append(out, tag["label"])
		}
		return out
	}

	// connectOrCreate on an existing tag links it without creating another.
	mustExec(t, e, "Post", obj{"update": obj{"where": obj{"id": post["id"]}, "data": obj{
		"tags": obj{"connectOrCreate": obj{"where": obj{"label": "go"}, "create": obj{"label": "go"}}},
	}}})
	assert.Len(t, findAll(t, e, "Tag", nil, nil), 2)
	assert.Len(t, findAll(t, e, "PostTag", nil, nil), 2)

	mustExec(t, e, "Post", obj{"update": obj{"where": obj{"id": post["id"]}, "data": obj{
		"tags": obj{"set": []any{obj{"label": "sql"}}},
	}}})
	assert.Equal(t, []any{"sql"}, labels())

	mustExec(t, e, "Post", obj{"update": obj{"where": obj{"id": post["id"]}, "data": obj{
		"tags": obj{"disconnect": obj{"label": "sql"}},
	}}})
	assert.Empty(t, labels())
	assert.Len(t, findAll(t, e, "Tag", nil, nil), 2, "disconnect keeps the tags")

	_, err := e.ExecuteMutation(context.Background(), Request{Model: "Post", Operation: obj{"update": obj{
		"where": obj{"id": post["id"]},
		"data":  obj{"tags": obj{"disconnect": obj{"label": "go"}}},
	}}})
	assert.Equal(t, mutationerr.KindRelatedRecordNotFound, mutationerr.KindOf(err))
}

func TestToManySetAndNestedDelete(t *testing.T) {
	e, _ := newEngine(t)
	author := mustExec(t, e, "Author", obj{"create": obj{
		"email": "a@example.com",
		"posts": obj{"create": []any{
			obj{"title": "one", "tags": obj{"create": obj{"label": "x"}}},
			obj{"title": "two"},
		}},
	}}).Record
	posts := author["posts"].([]storage.Record)
	require.Len(t, posts, 2)
	assert.Len(t, posts[0]["tags"], 1, "nested relations are read back recursively")

	editedBy := func() []storage.Record {
		return findAll(t, e, "Post", storage.Filter{"editorId": author["id"]}, nil)
	}
	mustExec(t, e, "Author", obj{"update": obj{"where": obj{"id": author["id"]}, "data": obj{
		"editedPosts": obj{"set": []any{obj{"id": posts[0]["id"]}, obj{"id": posts[1]["id"]}}},
	}}})
	assert.Len(t, editedBy(), 2)

	mustExec(t, e, "Author", obj{"update": obj{"where": obj{"id": author["id"]}, "data": obj{
		"editedPosts": obj{"set": []any{obj{"id": posts[1]["id"]}}},
	}}})
	require.Len(t, editedBy(), 1)
	assert.Equal(t, posts[1]["id"], editedBy()[0]["id"])

	res := mustExec(t, e, "Author", obj{"update": obj{"where": obj{"id": author["id"]}, "data": obj{
		"posts": obj{"delete": obj{"id": posts[0]["id"]}},
	}}})
	assert.Len(t, res.Record["posts"], 1)
	assert.Empty(t, findAll(t, e, "PostTag", nil, nil), "join records cascade")
	assert.Len(t, findAll(t, e, "Tag", nil, nil), 1)
}

func TestNestedUpdateThroughRelation(t *testing.T) {
	e, _ := newEngine(t)
	mustExec(t, e, "Post", obj{"create": obj{
		"title":  "t",
		"author": obj{"create": obj{"email": "a@example.com"}},
	}})

	res := mustExec(t, e, "Post", obj{"update": obj{"where": obj{"id": 1}, "data": obj{
		"title":  "renamed",
		"author": obj{"update": obj{"name": "Ada"}},
	}}})
	assert.Equal(t, "renamed", res.Record["title"])
	assert.Equal(t, "Ada", res.Record["author"].(storage.Record)["name"])

	_, err := e.ExecuteMutation(context.Background(), Request{Model: "Post", Operation: obj{"update": obj{
		"where": obj{"id": 1},
		"data":  obj{"editor": obj{"update": obj{"name": "nobody"}}},
	}}})
	assert.Equal(t, mutationerr.KindRelatedRecordNotFound, mutationerr.KindOf(err), "no editor is linked")
}

func TestValidationHooksRunBeforeAnyWrite(t *testing.T) {
	reg := testutil.Registry(t)
	rules, err := pipeline.NewRules(reg)
	require.NoError(t, err)
	store := docstore.New()
	var states []State
	e := New(reg, store,
		WithHook(pipeline.TypeCheck()),
		WithHook(rules),
		WithObserver(func(_ context.Context, _ string, s State) { states = append(states, s) }),
	)

	_, err = e.ExecuteMutation(context.Background(), Request{Model: "Game", Operation: obj{"create": obj{"name": ""}}})
	require.Error(t, err)
	assert.Equal(t, mutationerr.KindValidationFailed, mutationerr.KindOf(err))
	assert.Empty(t, states, "nothing was planned")
	assert.Empty(t, store.Dump())

	res := mustExec(t, e, "Author", obj{"create": obj{"email": "ADA@Example.COM"}})
	assert.Equal(t, "ada@example.com", res.Record["email"])
	assert.Equal(t, []State{StatePlanned, StateExecuting, StateCommitted}, states)
}

func TestIncludeOption(t *testing.T) {
	e, _ := newEngine(t, WithIncludeWritten(false))

	res := mustExec(t, e, "Game", obj{"create": obj{"name": "KOF", "commandList": obj{"create": obj{"name": "m"}}}})
	_, embedded := res.Record["commandList"]
	assert.False(t, embedded)

	res, err := e.ExecuteMutation(context.Background(), Request{
		Model:     "Game",
		Operation: obj{"update": obj{"where": obj{"id": 1}, "data": obj{"name": "KOF2"}}},
		Include:   obj{"commandList": obj{"game": true}},
	})
	require.NoError(t, err)
	list := res.Record["commandList"].(storage.Record)
	assert.Equal(t, "KOF2", list["game"].(storage.Record)["name"])

	_, err = e.ExecuteMutation(context.Background(), Request{
		Model:     "Game",
		Operation: obj{"update": obj{"where": obj{"id": 1}, "data": obj{"name": "KOF3"}}},
		Include:   obj{"nope": true},
	})
	assert.Equal(t, mutationerr.KindUnknownRelation, mutationerr.KindOf(err))
}

func TestConcurrentMutationsAreSerializedBySession(t *testing.T) {
	e, store := newEngine(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.ExecuteMutation(context.Background(), Request{Model: "Game", Operation: obj{
				"create": obj{"name": fmt.Sprintf("game-%d", i), "commandList": obj{"create": obj{"name": "m"}}},
			}})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	dump := store.Dump()
	assert.Len(t, dump["Game"], 10)
	assert.Len(t, dump["CommandList"], 10)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "planned", StatePlanned.String())
	assert.Equal(t, "rolled_back", StateRolledBack.String())
	assert.Equal(t, "State(9)", State(9).String())
}
