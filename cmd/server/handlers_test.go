package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lychee-technology/esbind"
	"github.com/lychee-technology/esbind/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockBinder struct {
	registry *esbind.TypeRegistry

	searchReq    esbind.SearchRequest
	searchIDs    []int64
	searchErr    error
	docs         map[int64]map[string]any
	fieldsOnly   bool
	syncIDs      []int64
	syncMode     esbind.SyncMode
	syncErr      error
	deletedID    int64
	rebuildOpts  esbind.RebuildOptions
	rebuildCalls int
	// filter compiled for the last rebuild
	rebuildFilter string
	rebuildArgs   []any
	rebuildErr   error
	initialized  bool
	aliasBound   [2]string
	deletedIndex string
}

func newMockBinder(t *testing.T) *mockBinder {
	t.Helper()
	registry := esbind.NewTypeRegistry()
	_, err := registry.Register(&esbind.TypeConfig{Module: "shop", Name: "Book", Table: "books", Key: "id", Fields: []string{"title"}})
	require.NoError(t, err)
	return &mockBinder{registry: registry}
}

func (m *mockBinder) Registry() *esbind.TypeRegistry { return m.registry }

func (m *mockBinder) Identity(t esbind.TrackedType) (esbind.IndexIdentity, error) {
	return esbind.IndexIdentity{BaseName: "shop-book", ReadAlias: "shop-book-read", WriteAlias: "shop-book-write"}, nil
}

func (m *mockBinder) State(ctx context.Context, t esbind.TrackedType) (*esbind.IndexStatus, error) {
	state := esbind.IndexStateUninitialized
	if m.initialized {
		state = esbind.IndexStateSteady
	}
	return &esbind.IndexStatus{State: state}, nil
}

func (m *mockBinder) Initialize(ctx context.Context, t esbind.TrackedType) error {
	m.initialized = true
	return nil
}

func (m *mockBinder) Rebuild(ctx context.Context, t esbind.TrackedType, source esbind.RecordSource, opts esbind.RebuildOptions) (*esbind.RebuildResult, error) {
	m.rebuildOpts = opts
	m.rebuildCalls++
	if m.rebuildErr != nil {
		return nil, m.rebuildErr
	}
	return &esbind.RebuildResult{NewIndex: "shop-book-new", Chunks: 1, Indexed: 2}, nil
}

func (m *mockBinder) BindAlias(ctx context.Context, index, alias string) error {
	m.aliasBound = [2]string{index, alias}
	return nil
}

func (m *mockBinder) DeleteIndex(ctx context.Context, index string) error {
	m.deletedIndex = index
	return nil
}

func (m *mockBinder) OnCreate(ctx context.Context, t esbind.TrackedType, record esbind.Record) error {
	return fmt.Errorf("not implemented")
}

func (m *mockBinder) OnUpdate(ctx context.Context, t esbind.TrackedType, record esbind.Record) error {
	return fmt.Errorf("not implemented")
}

func (m *mockBinder) OnDelete(ctx context.Context, t esbind.TrackedType, id int64) error {
	m.deletedID = id
	return nil
}

func (m *mockBinder) BulkSync(ctx context.Context, t esbind.TrackedType, ids []int64, mode esbind.SyncMode) (*esbind.BulkResult, error) {
	m.syncIDs, m.syncMode = ids, mode
	if m.syncErr != nil {
		return nil, m.syncErr
	}
	return &esbind.BulkResult{Succeeded: ids, Chunks: 1}, nil
}

func (m *mockBinder) Search(ctx context.Context, t esbind.TrackedType, req esbind.SearchRequest) ([]int64, error) {
	m.searchReq = req
	return m.searchIDs, m.searchErr
}

func (m *mockBinder) FetchDocuments(ctx context.Context, t esbind.TrackedType, ids []int64, fieldsOnly bool) (map[int64]map[string]any, error) {
	m.fieldsOnly = fieldsOnly
	out := make(map[int64]map[string]any)
	for _, id := range ids {
		if doc, ok := m.docs[id]; ok {
			out[id] = doc
		}
	}
	return out, nil
}

func (m *mockBinder) Retrieve(ctx context.Context, t esbind.TrackedType, id int64, fieldsOnly bool) (map[string]any, error) {
	doc, ok := m.docs[id]
	if !ok {
		return nil, esbind.NewSyncError(esbind.ErrCodeDocumentNotFound, "document not found", esbind.ErrNotFound)
	}
	return doc, nil
}

func newTestServer(t *testing.T, binder *mockBinder) *Server {
	t.Helper()
	server := NewServer(binder, func(spec *esbind.TypeSpec, cond *esbind.CompositeCondition) (esbind.RecordSource, error) {
		filter, args, err := internal.CompileSQLFilter(spec, cond)
		if err != nil {
			return nil, err
		}
		binder.rebuildFilter, binder.rebuildArgs = filter, args
		return esbind.SliceSource{}, nil
	})
	server.RegisterRoutes(true)
	return server
}

func serve(server *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.mux.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandleAdvancedQuerySuccess(t *testing.T) {
	binder := newMockBinder(t)
	binder.searchIDs = []int64{3, 1}
	binder.docs = map[int64]map[string]any{1: {"title": "B"}, 3: {"title": "A"}}
	server := newTestServer(t, binder)

	payload := []byte(`{
		"type": "shop.Book",
		"condition": {"l": "and", "c": [{"a": "title", "v": "starts_with:A"}]},
		"sort": [{"title": {"order": "asc"}}],
		"page": 2,
		"items_per_page": 10,
		"documents": true
	}`)

	rec := serve(server, http.MethodPost, "/api/v1/advanced_query", payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, map[string]any{"bool": map[string]any{"filter": []any{
		map[string]any{"prefix": map[string]any{"title": "A"}},
	}}}, binder.searchReq.Query)
	assert.Equal(t, 10, binder.searchReq.Size)
	assert.Equal(t, 10, binder.searchReq.From)
	assert.True(t, binder.fieldsOnly)

	resp := decodeResponse(t, rec)
	data := resp.Data.(map[string]any)
	assert.Equal(t, []any{float64(3), float64(1)}, data["ids"])
	assert.Equal(t, []any{
		map[string]any{"title": "A"},
		map[string]any{"title": "B"},
	}, data["documents"])
}

func TestHandleAdvancedQueryValidation(t *testing.T) {
	server := newTestServer(t, newMockBinder(t))

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing type", `{"type": ""}`, http.StatusBadRequest},
		{"missing condition", `{"type": "Book"}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
		{"unknown type", `{"type": "Nope", "condition": {"l": "and", "c": []}}`, http.StatusNotFound},
		{"bad operator", `{"type": "Book", "condition": {"l": "and", "c": [{"a": "x", "v": "near:1"}]}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(server, http.MethodPost, "/api/v1/advanced_query", []byte(tt.body))
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}

	rec := serve(server, http.MethodGet, "/api/v1/advanced_query", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleSearch(t *testing.T) {
	binder := newMockBinder(t)
	binder.searchIDs = []int64{5}
	server := newTestServer(t, binder)

	rec := serve(server, http.MethodGet, "/api/v1/search?type=Book&title=Ada&rank=gte:2&sort_by=rank&sort_order=desc&items_per_page=5", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, map[string]any{"bool": map[string]any{"filter": []any{
		map[string]any{"range": map[string]any{"rank": map[string]any{"gte": "2"}}},
		map[string]any{"term": map[string]any{"title": "Ada"}},
	}}}, binder.searchReq.Query)
	assert.Equal(t, []any{map[string]any{"rank": map[string]any{"order": "desc", "missing": "_last"}}}, binder.searchReq.Sort)
	assert.Equal(t, 5, binder.searchReq.Size)
	assert.Zero(t, binder.searchReq.From)

	rec = serve(server, http.MethodGet, "/api/v1/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSearchEngineFailure(t *testing.T) {
	binder := newMockBinder(t)
	binder.searchErr = fmt.Errorf("search: %w", esbind.ErrCircuitOpen)
	server := newTestServer(t, binder)

	rec := serve(server, http.MethodGet, "/api/v1/search?type=Book", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleDocuments(t *testing.T) {
	binder := newMockBinder(t)
	binder.docs = map[int64]map[string]any{7: {"title": "Dune"}}
	server := newTestServer(t, binder)

	rec := serve(server, http.MethodGet, "/api/v1/Book/7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"title": "Dune"}, decodeResponse(t, rec).Data)

	rec = serve(server, http.MethodGet, "/api/v1/Book/8", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, esbind.ErrCodeDocumentNotFound, decodeResponse(t, rec).Code)

	rec = serve(server, http.MethodGet, "/api/v1/Book?ids=7,8&raw=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, binder.fieldsOnly)
	assert.Equal(t, map[string]any{"7": map[string]any{"title": "Dune"}}, decodeResponse(t, rec).Data)

	rec = serve(server, http.MethodGet, "/api/v1/Book", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodGet, "/api/v1/Book/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodDelete, "/api/v1/Book/7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), binder.deletedID)
}

func TestHandleLifecycleActions(t *testing.T) {
	binder := newMockBinder(t)
	server := newTestServer(t, binder)

	rec := serve(server, http.MethodPost, "/api/v1/shop.Book/_init", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, binder.initialized)
	assert.Equal(t, "STEADY", decodeResponse(t, rec).Data.(map[string]any)["state"])

	rec = serve(server, http.MethodPost, "/api/v1/Book/_rebuild", []byte(`{"chunk_size": 50, "keep_old_index": true}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, esbind.RebuildOptions{ChunkSize: 50, KeepOldIndex: true}, binder.rebuildOpts)

	rec = serve(server, http.MethodGet, "/api/v1/Book/_rebuild", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = serve(server, http.MethodGet, "/api/v1/Book/_unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	binder.rebuildErr = &esbind.RebuildAborted{TrackedType: "shop.Book", FailedChunk: 2, Cause: fmt.Errorf("boom")}
	rec = serve(server, http.MethodPost, "/api/v1/Book/_rebuild", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleRebuildFilter(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantFilter string
		wantArgs   []any
	}{
		{
			name:       "condition compiles to bound parameters",
			body:       `{"condition": {"l": "and", "c": [{"a": "title", "v": "starts_with:Go"}, {"a": "id", "v": "gt:10"}]}}`,
			wantStatus: http.StatusOK,
			wantFilter: `("title"::text LIKE $2 AND "id" > $3)`,
			wantArgs:   []any{"Go%", "10"},
		},
		{
			name:       "raw sql where is rejected",
			body:       `{"where": "true) UNION SELECT usename::text, passwd::text, null FROM pg_shadow --"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown column is rejected",
			body:       `{"condition": {"l": "and", "c": [{"a": "passwd", "v": "x"}]}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "injection in a value stays a parameter",
			body:       `{"condition": {"l": "or", "c": [{"a": "title", "v": "x' OR 1=1 --"}]}}`,
			wantStatus: http.StatusOK,
			wantFilter: `"title" = $2`,
			wantArgs:   []any{"x' OR 1=1 --"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			binder := newMockBinder(t)
			server := newTestServer(t, binder)

			rec := serve(server, http.MethodPost, "/api/v1/Book/_rebuild", []byte(tt.body))
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				assert.Zero(t, binder.rebuildCalls)
				return
			}
			assert.Equal(t, 1, binder.rebuildCalls)
			assert.Equal(t, tt.wantFilter, binder.rebuildFilter)
			assert.Equal(t, tt.wantArgs, binder.rebuildArgs)
		})
	}
}

func TestHandleSync(t *testing.T) {
	binder := newMockBinder(t)
	server := newTestServer(t, binder)

	rec := serve(server, http.MethodPost, "/api/v1/Book/_sync", []byte(`{"ids": [1, 2]}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{1, 2}, binder.syncIDs)
	assert.Equal(t, esbind.SyncModeUpsert, binder.syncMode)

	rec = serve(server, http.MethodPost, "/api/v1/Book/_sync", []byte(`{"ids": [1], "mode": "merge"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodPost, "/api/v1/Book/_sync", []byte(`{"ids": []}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	binder.syncErr = &esbind.BulkPartialFailure{
		TrackedType: "shop.Book",
		Operation:   "bulk_delete",
		Succeeded:   1,
		Failures:    []esbind.ItemFailure{{ID: 2, Operation: "delete", Status: 500, Reason: "shard failure"}},
	}
	rec = serve(server, http.MethodPost, "/api/v1/Book/_sync", []byte(`{"ids": [1, 2], "mode": "delete"}`))
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Equal(t, esbind.SyncModeDelete, binder.syncMode)
}

func TestHandleIndexAdministration(t *testing.T) {
	binder := newMockBinder(t)
	server := newTestServer(t, binder)

	rec := serve(server, http.MethodPost, "/api/v1/_aliases", []byte(`{"index": "shop-book-abc", "alias": "shop-book-read"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [2]string{"shop-book-abc", "shop-book-read"}, binder.aliasBound)

	rec = serve(server, http.MethodPost, "/api/v1/_aliases", []byte(`{"index": "shop-book-abc"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodDelete, "/api/v1/_indices/shop-book-old", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "shop-book-old", binder.deletedIndex)

	rec = serve(server, http.MethodGet, "/api/v1/types", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	types := decodeResponse(t, rec).Data.([]any)
	require.Len(t, types, 1)
	assert.Equal(t, "shop.Book", types[0].(map[string]any)["type"])
}

func TestMetricsAndHealth(t *testing.T) {
	server := newTestServer(t, newMockBinder(t))

	rec := serve(server, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	server.ready = func(context.Context) error { return fmt.Errorf("postgres ping failed") }
	rec = serve(server, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "postgres ping failed", resp.Error)
}
