package dynamostore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestwrite/internal/engine"
	"nestwrite/internal/mutationerr"
	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
	"nestwrite/internal/testutil"
)

type obj = map[string]any

func newTestStore(t *testing.T) (*Store, *fakeDynamo) {
	t.Helper()
	fake := newFakeDynamo("test_nestwrite_unique", "test_nestwrite_counters")
	return New(fake, Config{TablePrefix: "test_"}), fake
}

func TestGameWithCommandListCommitsOnce(t *testing.T) {
	store, fake := newTestStore(t)
	e := engine.New(testutil.Registry(t), store)

	res, err := e.ExecuteMutation(context.Background(), engine.Request{Model: "Game", Operation: obj{
		"create": obj{
			"name":        "KOFXIII",
			"commandList": obj{"create": obj{"name": "KOFXIII Command List"}},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Affected)
	assert.Equal(t, int64(1), res.Record["id"])
	list := res.Record["commandList"].(storage.Record)
	assert.Equal(t, int64(1), list["gameId"])

	assert.Equal(t, 1, fake.transactions)
	assert.Len(t, fake.items("test_games"), 1)
	assert.Len(t, fake.items("test_command_lists"), 1)
	assert.Len(t, fake.items("test_nestwrite_unique"), 2, "Game.name and CommandList.gameId guards")

	games, err := e.FindMany(context.Background(), "Game", nil, obj{"commandList": true})
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, "KOFXIII Command List", games[0]["commandList"].(storage.Record)["name"])
}

func TestFailedMutationWritesNothing(t *testing.T) {
	store, fake := newTestStore(t)
	e := engine.New(testutil.Registry(t), store)
	ctx := context.Background()

	_, err := e.ExecuteMutation(ctx, engine.Request{Model: "Tag", Operation: obj{"create": obj{"label": "x"}}})
	require.NoError(t, err)

	_, err = e.ExecuteMutation(ctx, engine.Request{Model: "Author", Operation: obj{
		"create": obj{
			"email": "writer@example.com",
			"posts": obj{"create": []any{
				obj{"title": "one", "tags": obj{"create": obj{"label": "x"}}},
				obj{"title": "two"},
			}},
		},
	}})
	require.Error(t, err)
	assert.Equal(t, mutationerr.KindUniqueConstraintViolation, mutationerr.KindOf(err))
	assert.Equal(t, 1, fake.transactions)
	assert.Empty(t, fake.items("test_authors"))
	assert.Empty(t, fake.items("test_posts"))
}

func TestConcurrentCreatesConflictAtCommit(t *testing.T) {
	store, _ := newTestStore(t)
	tag := testutil.Model(t, testutil.Registry(t), "Tag")
	ctx := context.Background()

	first, err := store.Begin(ctx)
	require.NoError(t, err)
	second, err := store.Begin(ctx)
	require.NoError(t, err)

	_, err = first.Create(ctx, tag, storage.Record{"label": "go"})
	require.NoError(t, err)
	_, err = second.Create(ctx, tag, storage.Record{"label": "go"})
	require.NoError(t, err, "neither session sees the other's buffered write")

	require.NoError(t, first.Commit(ctx))
	err = second.Commit(ctx)
	var unique *storage.UniqueConstraintError
	require.ErrorAs(t, err, &unique)
	assert.Equal(t, "Tag", unique.Model)
}

func TestSessionReadsItsOwnWrites(t *testing.T) {
	store, fake := newTestStore(t)
	reg := testutil.Registry(t)
	author := testutil.Model(t, reg, "Author")
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	id, err := sess.Create(ctx, author, storage.Record{"email": "a@example.com"})
	require.NoError(t, err)

	recs, err := sess.FindMany(ctx, author, storage.Filter{"email": "a@example.com"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0]["name"], "absent nullable fields are stored as null")

	require.NoError(t, sess.Update(ctx, author, id, storage.Record{"name": "Ada"}))
	got, ok, err := sess.FindUnique(ctx, author, id.Filter())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got)

	require.NoError(t, sess.Delete(ctx, author, id))
	recs, err = sess.FindMany(ctx, author, nil)
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, sess.Commit(ctx))
	assert.Equal(t, 0, fake.transactions, "a record created and deleted in one session is never written")
}

func TestRollbackDiscardsBufferedWrites(t *testing.T) {
	store, fake := newTestStore(t)
	tag := testutil.Model(t, testutil.Registry(t), "Tag")
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = sess.Create(ctx, tag, storage.Record{"label": "go"})
	require.NoError(t, err)
	require.NoError(t, sess.Rollback(ctx))

	assert.Empty(t, fake.items("test_tags"))
	assert.Empty(t, fake.items("test_nestwrite_unique"))
	_, err = sess.FindMany(ctx, tag, nil)
	assert.Error(t, err, "a finished session is unusable")
}

func TestScanFollowsPages(t *testing.T) {
	store, fake := newTestStore(t)
	fake.pageSize = 1
	tag := testutil.Model(t, testutil.Registry(t), "Tag")
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	for _, label := range []string{"c", "a", "b"} {
		_, err := sess.Create(ctx, tag, storage.Record{"label": label})
		require.NoError(t, err)
	}
	require.NoError(t, sess.Commit(ctx))

	sess, err = store.Begin(ctx)
	require.NoError(t, err)
	recs, err := sess.FindMany(ctx, tag, nil)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, want := range []int64{1, 2, 3} {
		assert.Equal(t, want, recs[i]["id"])
	}
	assert.Equal(t, "c", recs[0]["label"])
}

func TestUniqueGuardMovesWithUpdate(t *testing.T) {
	store, _ := newTestStore(t)
	tag := testutil.Model(t, testutil.Registry(t), "Tag")
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	id, err := sess.Create(ctx, tag, storage.Record{"label": "a"})
	require.NoError(t, err)
	require.NoError(t, sess.Commit(ctx))

	sess, err = store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Update(ctx, tag, id, storage.Record{"label": "b"}))
	require.NoError(t, sess.Commit(ctx))

	sess, err = store.Begin(ctx)
	require.NoError(t, err)
	_, err = sess.Create(ctx, tag, storage.Record{"label": "a"})
	require.NoError(t, err, "the old value was released")
	_, err = sess.Create(ctx, tag, storage.Record{"label": "b"})
	var unique *storage.UniqueConstraintError
	assert.ErrorAs(t, err, &unique)
}

func TestUpdateAndDeleteOfMissingRecord(t *testing.T) {
	store, _ := newTestStore(t)
	tag := testutil.Model(t, testutil.Registry(t), "Tag")
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	err = sess.Update(ctx, tag, storage.Identifier{"id": 9}, storage.Record{"label": "x"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	err = sess.Delete(ctx, tag, storage.Identifier{"id": 9})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransactionSizeLimit(t *testing.T) {
	store, fake := newTestStore(t)
	team := testutil.Model(t, testutil.Registry(t), "Team")
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	for i := 0; i <= maxTransactItems; i++ {
		_, err := sess.Create(ctx, team, storage.Record{"tenant": "t", "code": fmt.Sprintf("c%03d", i)})
		require.NoError(t, err)
	}
	err = sess.Commit(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DynamoDB allows 100")
	assert.Equal(t, 0, fake.transactions)
}

func TestValuesRoundTrip(t *testing.T) {
	reg, err := schema.Parse([]byte(`
models:
  - name: Setting
    primary_key: [id]
    id: uuid
    fields:
      - {name: id, type: uuid}
      - {name: enabled, type: bool}
      - {name: data, type: json, nullable: true}
      - {name: ratio, type: float}
      - {name: at, type: time}
`))
	require.NoError(t, err)
	setting := testutil.Model(t, reg, "Setting")
	store, fake := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	id, err := sess.Create(ctx, setting, storage.Record{
		"enabled": true,
		"data":    map[string]any{"k": []any{1, 2.5}},
		"ratio":   0.5,
		"at":      at,
	})
	require.NoError(t, err)
	require.NoError(t, sess.Commit(ctx))

	items := fake.items("test_settings")
	require.Len(t, items, 1)
	_, isString := items[0]["at"].(*types.AttributeValueMemberS)
	assert.True(t, isString, "times are stored as RFC 3339 strings")

	sess, err = store.Begin(ctx)
	require.NoError(t, err)
	recs, err := sess.FindMany(ctx, setting, id.Filter())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, true, rec["enabled"])
	assert.Equal(t, map[string]any{"k": []any{int64(1), 2.5}}, rec["data"])
	assert.Equal(t, 0.5, rec["ratio"])
	assert.True(t, at.Equal(rec["at"].(time.Time)))
}

func TestPing(t *testing.T) {
	store, _ := newTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
	assert.False(t, store.Capabilities().ForeignKeys)

	missing := New(newFakeDynamo(), Config{TablePrefix: "none_"})
	var notFound *types.ResourceNotFoundException
	assert.ErrorAs(t, missing.Ping(context.Background()), &notFound)
}
