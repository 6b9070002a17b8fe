package internal

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v9"
	"github.com/lychee-technology/esbind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// esStub is an httptest server answering with canned responses keyed by "METHOD /path".
type esStub struct {
	mu        sync.Mutex
	requests  []capturedRequest
	responses map[string]stubResponse
}

type stubResponse struct {
	status int
	body   string
}

func newESStub(t *testing.T, responses map[string]stubResponse) (*ElasticsearchEngine, *esStub, *CircuitBreaker) {
	t.Helper()
	stub := &esStub{responses: responses}
	srv := httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	breaker := NewCircuitBreaker("test", 2, time.Minute, time.Minute)
	return NewElasticsearchEngine(client, breaker), stub, breaker
}

func (s *esStub) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	key := r.Method + " " + r.URL.Path

	s.mu.Lock()
	s.requests = append(s.requests, capturedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})
	resp, ok := s.responses[key]
	s.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		resp = stubResponse{status: http.StatusNotFound, body: `{"error":{"type":"stub","reason":"no route ` + key + `"},"status":404}`}
	}
	w.WriteHeader(resp.status)
	_, _ = io.WriteString(w, resp.body)
}

func (s *esStub) last() capturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func (s *esStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func TestElasticsearchEngine_CreateIndex(t *testing.T) {
	ctx := context.Background()
	engine, stub, _ := newESStub(t, map[string]stubResponse{
		"PUT /books-1": {status: 200, body: `{"acknowledged":true}`},
		"PUT /books-2": {status: 400, body: `{"error":{"type":"resource_already_exists_exception","reason":"index [books-2] already exists"},"status":400}`},
		"PUT /books-3": {status: 400, body: `{"error":{"type":"mapper_parsing_exception","reason":"bad mapping"},"status":400}`},
	})

	mapping := map[string]any{"mappings": map[string]any{"properties": map[string]any{"title": map[string]any{"type": "text"}}}}
	require.NoError(t, engine.CreateIndex(ctx, "books-1", mapping))
	assert.JSONEq(t, `{"mappings":{"properties":{"title":{"type":"text"}}}}`, stub.last().Body)

	err := engine.CreateIndex(ctx, "books-2", nil)
	assert.ErrorIs(t, err, esbind.ErrIndexAlreadyExists)
	assert.JSONEq(t, `{}`, stub.last().Body)

	err = engine.CreateIndex(ctx, "books-3", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, "mapper_parsing_exception", apiErr.Type)
	assert.NotErrorIs(t, err, esbind.ErrIndexAlreadyExists)
}

func TestElasticsearchEngine_DeleteIndex(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newESStub(t, map[string]stubResponse{
		"DELETE /books-1": {status: 200, body: `{"acknowledged":true}`},
	})

	require.NoError(t, engine.DeleteIndex(ctx, "books-1"))
	assert.ErrorIs(t, engine.DeleteIndex(ctx, "books-9"), esbind.ErrNotFound)
}

func TestElasticsearchEngine_Aliases(t *testing.T) {
	ctx := context.Background()
	engine, stub, _ := newESStub(t, map[string]stubResponse{
		"GET /_alias/books-read": {status: 200, body: `{"books-b":{"aliases":{"books-read":{}}},"books-a":{"aliases":{"books-read":{}}}}`},
		"POST /_aliases":         {status: 200, body: `{"acknowledged":true}`},
	})

	indices, err := engine.AliasIndices(ctx, "books-read")
	require.NoError(t, err)
	assert.Equal(t, []string{"books-a", "books-b"}, indices)

	indices, err = engine.AliasIndices(ctx, "books-write")
	require.NoError(t, err)
	assert.Empty(t, indices, "a missing alias is not an error")

	require.NoError(t, engine.UpdateAliases(ctx, []esbind.AliasAction{
		{Op: esbind.AliasRemove, Index: "books-a", Alias: "books-read"},
		{Op: esbind.AliasAdd, Index: "books-b", Alias: "books-read"},
	}))
	assert.JSONEq(t, `{"actions":[
		{"remove":{"index":"books-a","alias":"books-read"}},
		{"add":{"index":"books-b","alias":"books-read"}}
	]}`, stub.last().Body)
}

func TestElasticsearchEngine_Documents(t *testing.T) {
	ctx := context.Background()
	engine, stub, _ := newESStub(t, map[string]stubResponse{
		"PUT /books-write/_doc/42":    {status: 201, body: `{"result":"created"}`},
		"DELETE /books-write/_doc/42": {status: 200, body: `{"result":"deleted"}`},
		"DELETE /books-write/_doc/43": {status: 404, body: `{"result":"not_found"}`},
	})

	require.NoError(t, engine.IndexDocument(ctx, "books-write", 42, map[string]any{"title": "Dune"}, "wait_for"))
	req := stub.last()
	assert.JSONEq(t, `{"title":"Dune"}`, req.Body)
	assert.Contains(t, req.Query, "refresh=wait_for")
	assert.Contains(t, req.Query, "require_alias=true")

	require.NoError(t, engine.DeleteDocument(ctx, "books-write", 42, ""))
	assert.ErrorIs(t, engine.DeleteDocument(ctx, "books-write", 43, ""), esbind.ErrNotFound)
}

func TestElasticsearchEngine_IndexDocumentWithoutAlias(t *testing.T) {
	engine, stub, _ := newESStub(t, map[string]stubResponse{
		"PUT /books-write/_doc/1": {status: 404, body: `{"error":{"type":"index_not_found_exception","reason":"no such index [books-write] and [require_alias] request flag is [true] and [books-write] is not an alias"},"status":404}`},
	})

	err := engine.IndexDocument(context.Background(), "books-write", 1, map[string]any{"title": "Dune"}, "")
	assert.ErrorIs(t, err, esbind.ErrNotFound)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "index_not_found_exception", apiErr.Type)
	assert.Contains(t, stub.last().Query, "require_alias=true")
}

func TestElasticsearchEngine_Bulk(t *testing.T) {
	ctx := context.Background()
	engine, stub, _ := newESStub(t, map[string]stubResponse{
		"POST /books-write/_bulk": {status: 200, body: `{"errors":true,"items":[
			{"index":{"_id":"1","status":201}},
			{"index":{"_id":"2","status":400,"error":{"type":"mapper_parsing_exception","reason":"failed to parse field [rank]"}}},
			{"delete":{"_id":"3","status":404,"result":"not_found"}}
		]}`},
	})

	items, err := engine.Bulk(ctx, "books-write", true, []esbind.BulkOperation{
		{Type: esbind.BulkIndex, ID: 1, Document: map[string]any{"title": "Dune"}},
		{Type: esbind.BulkIndex, ID: 2, Document: map[string]any{"rank": "x"}},
		{Type: esbind.BulkDelete, ID: 3},
	})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Contains(t, stub.last().Query, "require_alias=true")

	assert.False(t, items[0].Failed())
	assert.True(t, items[1].Failed())
	assert.Equal(t, "mapper_parsing_exception", items[1].ErrorType)
	assert.Equal(t, esbind.BulkDelete, items[2].Type)
	assert.Equal(t, 404, items[2].Status)
	assert.Equal(t, "not_found", items[2].Reason)

	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(stub.last().Body))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 5)
	assert.JSONEq(t, `{"index":{"_id":"1"}}`, lines[0])
	assert.JSONEq(t, `{"title":"Dune"}`, lines[1])
	assert.JSONEq(t, `{"delete":{"_id":"3"}}`, lines[4])
}

func TestElasticsearchEngine_BulkItemMismatch(t *testing.T) {
	engine, _, _ := newESStub(t, map[string]stubResponse{
		"POST /books-write/_bulk": {status: 200, body: `{"errors":false,"items":[]}`},
	})
	_, err := engine.Bulk(context.Background(), "books-write", true, []esbind.BulkOperation{{Type: esbind.BulkDelete, ID: 1}})
	assert.ErrorContains(t, err, "0 items for 1 operations")
}

func TestElasticsearchEngine_BulkPhysicalIndex(t *testing.T) {
	engine, stub, _ := newESStub(t, map[string]stubResponse{
		"POST /books-0001/_bulk": {status: 200, body: `{"errors":false,"items":[{"index":{"_id":"1","status":201}}]}`},
	})
	_, err := engine.Bulk(context.Background(), "books-0001", false, []esbind.BulkOperation{
		{Type: esbind.BulkIndex, ID: 1, Document: map[string]any{"title": "Dune"}},
	})
	require.NoError(t, err)
	assert.NotContains(t, stub.last().Query, "require_alias")
}

func TestElasticsearchEngine_Search(t *testing.T) {
	engine, stub, _ := newESStub(t, map[string]stubResponse{
		"POST /books-read/_search": {status: 200, body: `{"hits":{"total":{"value":7,"relation":"eq"},"hits":[
			{"_index":"books-a","_id":"9","_score":1.5},
			{"_index":"books-a","_id":"4","_score":1.1}
		]}}`},
	})

	res, err := engine.Search(context.Background(), "books-read", map[string]any{"_source": false, "size": 2})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Total)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "9", res.Hits[0].ID)
	assert.Equal(t, "books-a", res.Hits[1].Index)
	assert.Equal(t, 1.5, res.Hits[0].Raw["_score"])

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(stub.last().Body), &body))
	assert.Equal(t, false, body["_source"])
}

func TestElasticsearchEngine_MultiGet(t *testing.T) {
	engine, stub, _ := newESStub(t, map[string]stubResponse{
		"POST /books-read/_mget": {status: 200, body: `{"docs":[
			{"_index":"books-a","_id":"1","found":true,"_source":{"title":"Dune"}},
			{"_index":"books-a","_id":"2","found":false}
		]}`},
	})

	docs, err := engine.MultiGet(context.Background(), "books-read", []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.True(t, docs[0].Found)
	assert.Equal(t, map[string]any{"title": "Dune"}, docs[0].Source)
	assert.Equal(t, "books-a", docs[0].Raw["_index"])
	assert.False(t, docs[1].Found)
	assert.JSONEq(t, `{"ids":["1","2"]}`, stub.last().Body)
}

func TestElasticsearchEngine_CircuitBreaker(t *testing.T) {
	ctx := context.Background()
	engine, stub, breaker := newESStub(t, map[string]stubResponse{
		"POST /books-read/_refresh": {status: 500, body: `{"error":{"type":"internal","reason":"down"},"status":500}`},
	})

	for range 2 {
		err := engine.Refresh(ctx, "books-read")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 500, apiErr.Status)
	}
	assert.True(t, breaker.IsOpen())

	sent := stub.count()
	err := engine.Refresh(ctx, "books-read")
	assert.ErrorIs(t, err, esbind.ErrCircuitOpen)
	assert.Equal(t, sent, stub.count(), "no request is sent while open")
}

func TestElasticsearchEngine_CancelledContextKeepsBreakerClosed(t *testing.T) {
	engine, _, breaker := newESStub(t, map[string]stubResponse{
		"POST /books-read/_refresh": {status: 200, body: `{}`},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 3 {
		err := engine.Refresh(ctx, "books-read")
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.False(t, breaker.IsOpen())
}
