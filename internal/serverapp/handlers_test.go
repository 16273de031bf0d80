package serverapp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestwrite/internal/mutationerr"
	"nestwrite/internal/storage"
	"nestwrite/internal/storage/docstore"
	"nestwrite/internal/testutil"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	cfg := testConfig("")
	reg := testutil.Registry(t)
	eng, err := buildEngine(cfg, testLogger(), reg, docstore.New(), nil)
	require.NoError(t, err)
	return wrapHTTPHandler(cfg, testLogger(), buildRouter(cfg, testLogger(), eng, nil))
}

func do(t *testing.T, h http.Handler, method, target, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func errorKind(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected an error object, got %v", body)
	kind, _ := e["kind"].(string)
	return kind
}

func TestMutationEndpoint(t *testing.T) {
	h := newTestHandler(t)

	status, body := do(t, h, http.MethodPost, "/v1/mutations/Game",
		`{"create":{"name":"KOFXIII","commandList":{"create":{"name":"KOFXIII Command List"}}},"include":{"commandList":true}}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 2, body["affected"])
	record := body["record"].(map[string]any)
	assert.Equal(t, "KOFXIII", record["name"])
	list, ok := record["commandList"].(map[string]any)
	require.True(t, ok, "commandList should be embedded")
	assert.Equal(t, record["id"], list["gameId"])

	t.Run("duplicate unique key", func(t *testing.T) {
		status, body := do(t, h, http.MethodPost, "/v1/mutations/Game", `{"create":{"name":"KOFXIII"}}`)
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, string(mutationerr.KindUniqueConstraintViolation), errorKind(t, body))
	})

	t.Run("connect to missing record", func(t *testing.T) {
		status, body := do(t, h, http.MethodPost, "/v1/mutations/Post",
			`{"create":{"title":"orphan","author":{"connect":{"email":"nobody@example.com"}}}}`)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, string(mutationerr.KindRelatedRecordNotFound), errorKind(t, body))
		assert.Equal(t, "create.author.connect", body["error"].(map[string]any)["path"])
	})

	t.Run("validation rule", func(t *testing.T) {
		status, body := do(t, h, http.MethodPost, "/v1/mutations/Game", `{"create":{"name":""}}`)
		assert.Equal(t, http.StatusUnprocessableEntity, status)
		assert.Equal(t, string(mutationerr.KindValidationFailed), errorKind(t, body))
	})

	t.Run("malformed json", func(t *testing.T) {
		status, body := do(t, h, http.MethodPost, "/v1/mutations/Game", `{"create":`)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, string(mutationerr.KindInvalidNestedOperation), errorKind(t, body))
	})

	t.Run("include must be an object", func(t *testing.T) {
		status, body := do(t, h, http.MethodPost, "/v1/mutations/Game", `{"create":{"name":"x"},"include":["commandList"]}`)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, string(mutationerr.KindInvalidNestedOperation), errorKind(t, body))
	})

	t.Run("trailing data", func(t *testing.T) {
		status, _ := do(t, h, http.MethodPost, "/v1/mutations/Game", `{"create":{"name":"y"}} {}`)
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestDecodeMutationKeepsLargeIntegers(t *testing.T) {
	req, err := decodeMutation("Game", strings.NewReader(
		`{"update":{"where":{"id":9007199254740993},"data":{"name":"x"}}}`))
	require.NoError(t, err)
	where := req.Operation["update"].(map[string]any)["where"].(map[string]any)
	assert.Equal(t, int64(9007199254740993), storage.Normalize(where["id"]))
}

func TestRecordsEndpoint(t *testing.T) {
	h := newTestHandler(t)

	status, _ := do(t, h, http.MethodPost, "/v1/mutations/Game",
		`{"create":{"name":"SF6","commandList":{"create":{"name":"SF6 Moves"}}}}`)
	require.Equal(t, http.StatusOK, status)

	status, body := do(t, h, http.MethodGet, "/v1/records/Game?name=SF6&include=commandList", "")
	require.Equal(t, http.StatusOK, status, body)
	records := body["records"].([]any)
	require.Len(t, records, 1)
	game := records[0].(map[string]any)
	assert.Equal(t, "SF6 Moves", game["commandList"].(map[string]any)["name"])

	status, body = do(t, h, http.MethodGet, "/v1/records/Game?name=missing", "")
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["records"])

	status, body = do(t, h, http.MethodGet, "/v1/records/Game?id=abc", "")
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, string(mutationerr.KindValidationFailed), errorKind(t, body))

	status, body = do(t, h, http.MethodGet, "/v1/records/Game?nope=1", "")
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, string(mutationerr.KindValidationFailed), errorKind(t, body))
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandler(t)
	status, body := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
}

func TestStatusForKind(t *testing.T) {
	tests := map[mutationerr.Kind]int{
		mutationerr.KindUnknownRelation:            http.StatusBadRequest,
		mutationerr.KindConflictingNestedOperation: http.StatusBadRequest,
		mutationerr.KindRelatedRecordNotFound:      http.StatusNotFound,
		mutationerr.KindRequiredRelationViolation:  http.StatusConflict,
		mutationerr.KindCyclicRequiredRelation:     http.StatusUnprocessableEntity,
		mutationerr.KindPartialForeignKey:          http.StatusUnprocessableEntity,
		mutationerr.KindInternal:                   http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, statusForKind(kind), kind)
	}
}
