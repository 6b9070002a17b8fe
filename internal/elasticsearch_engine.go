package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	elasticsearch "github.com/elastic/go-elasticsearch/v9"
	"github.com/elastic/go-elasticsearch/v9/esapi"
	"github.com/lychee-technology/esbind"
)

// ElasticsearchEngine implements esbind.SearchEngine on the go-elasticsearch esapi client.
// Every call passes through the circuit breaker; transport errors and 5xx responses count
// as failures.
type ElasticsearchEngine struct {
	es      *elasticsearch.Client
	breaker *CircuitBreaker
}

var _ esbind.SearchEngine = (*ElasticsearchEngine)(nil)

// NewElasticsearchEngine wraps client. breaker may be nil.
func NewElasticsearchEngine(client *elasticsearch.Client, breaker *CircuitBreaker) *ElasticsearchEngine {
	return &ElasticsearchEngine{es: client, breaker: breaker}
}

// APIError is an error response from Elasticsearch.
type APIError struct {
	Status int
	Type   string
	Reason string
}

func (e *APIError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("elasticsearch returned status %d", e.Status)
	}
	return fmt.Sprintf("elasticsearch returned status %d: %s: %s", e.Status, e.Type, e.Reason)
}

type errorBody struct {
	Status int `json:"status"`
	Error  struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func decodeAPIError(res *esapi.Response) *APIError {
	apiErr := &APIError{Status: res.StatusCode}
	var body errorBody
	if err := json.NewDecoder(res.Body).Decode(&body); err == nil {
		apiErr.Type = body.Error.Type
		apiErr.Reason = body.Error.Reason
	}
	return apiErr
}

// do runs call through the breaker. The caller closes the response body. Errors caused by
// ctx ending are the caller's doing and leave the breaker alone.
func (e *ElasticsearchEngine) do(ctx context.Context, op string, call func() (*esapi.Response, error)) (*esapi.Response, error) {
	if e.breaker.IsOpen() {
		return nil, fmt.Errorf("%s: %w", op, esbind.ErrCircuitOpen)
	}
	res, err := call()
	if err != nil {
		if ctx.Err() == nil {
			e.breaker.RecordFailure()
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if res.StatusCode >= http.StatusInternalServerError {
		e.breaker.RecordFailure()
	} else {
		e.breaker.RecordSuccess()
	}
	return res, nil
}

func jsonBody(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

func (e *ElasticsearchEngine) CreateIndex(ctx context.Context, index string, body map[string]any) error {
	if body == nil {
		body = map[string]any{}
	}
	r, err := jsonBody(body)
	if err != nil {
		return fmt.Errorf("encode mapping for %s: %w", index, err)
	}
	res, err := e.do(ctx, "create index", func() (*esapi.Response, error) {
		return e.es.Indices.Create(index,
			e.es.Indices.Create.WithBody(r),
			e.es.Indices.Create.WithContext(ctx),
		)
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		apiErr := decodeAPIError(res)
		if apiErr.Type == "resource_already_exists_exception" {
			return fmt.Errorf("create index %s: %w", index, esbind.ErrIndexAlreadyExists)
		}
		return fmt.Errorf("create index %s: %w", index, apiErr)
	}
	return nil
}

func (e *ElasticsearchEngine) DeleteIndex(ctx context.Context, index string) error {
	res, err := e.do(ctx, "delete index", func() (*esapi.Response, error) {
		return e.es.Indices.Delete([]string{index}, e.es.Indices.Delete.WithContext(ctx))
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("delete index %s: %w", index, esbind.ErrNotFound)
	}
	if res.IsError() {
		return fmt.Errorf("delete index %s: %w", index, decodeAPIError(res))
	}
	return nil
}

func (e *ElasticsearchEngine) AliasIndices(ctx context.Context, alias string) ([]string, error) {
	res, err := e.do(ctx, "get alias", func() (*esapi.Response, error) {
		return e.es.Indices.GetAlias(
			e.es.Indices.GetAlias.WithName(alias),
			e.es.Indices.GetAlias.WithContext(ctx),
		)
	})
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("get alias %s: %w", alias, decodeAPIError(res))
	}

	var bindings map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&bindings); err != nil {
		return nil, fmt.Errorf("decode alias %s: %w", alias, err)
	}
	indices := make([]string, 0, len(bindings))
	for index := range bindings {
		indices = append(indices, index)
	}
	sort.Strings(indices)
	return indices, nil
}

func (e *ElasticsearchEngine) UpdateAliases(ctx context.Context, actions []esbind.AliasAction) error {
	payload := make([]map[string]any, len(actions))
	for i, a := range actions {
		payload[i] = map[string]any{
			string(a.Op): map[string]string{"index": a.Index, "alias": a.Alias},
		}
	}
	r, err := jsonBody(map[string]any{"actions": payload})
	if err != nil {
		return fmt.Errorf("encode alias actions: %w", err)
	}
	res, err := e.do(ctx, "update aliases", func() (*esapi.Response, error) {
		return e.es.Indices.UpdateAliases(r, e.es.Indices.UpdateAliases.WithContext(ctx))
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("update aliases: %w", decodeAPIError(res))
	}
	return nil
}

func (e *ElasticsearchEngine) Refresh(ctx context.Context, index string) error {
	res, err := e.do(ctx, "refresh", func() (*esapi.Response, error) {
		return e.es.Indices.Refresh(
			e.es.Indices.Refresh.WithIndex(index),
			e.es.Indices.Refresh.WithContext(ctx),
		)
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("refresh %s: %w", index, decodeAPIError(res))
	}
	return nil
}

func (e *ElasticsearchEngine) IndexDocument(ctx context.Context, index string, id int64, doc map[string]any, refresh string) error {
	r, err := jsonBody(doc)
	if err != nil {
		return fmt.Errorf("encode document %d: %w", id, err)
	}
	opts := []func(*esapi.IndexRequest){
		e.es.Index.WithDocumentID(strconv.FormatInt(id, 10)),
		e.es.Index.WithRequireAlias(true),
		e.es.Index.WithContext(ctx),
	}
	if refresh != "" {
		opts = append(opts, e.es.Index.WithRefresh(refresh))
	}
	res, err := e.do(ctx, "index document", func() (*esapi.Response, error) {
		return e.es.Index(index, r, opts...)
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		apiErr := decodeAPIError(res)
		if res.StatusCode == http.StatusNotFound {
			return fmt.Errorf("index document %d into %s: %w: %w", id, index, esbind.ErrNotFound, apiErr)
		}
		return fmt.Errorf("index document %d into %s: %w", id, index, apiErr)
	}
	return nil
}

func (e *ElasticsearchEngine) DeleteDocument(ctx context.Context, index string, id int64, refresh string) error {
	opts := []func(*esapi.DeleteRequest){e.es.Delete.WithContext(ctx)}
	if refresh != "" {
		opts = append(opts, e.es.Delete.WithRefresh(refresh))
	}
	res, err := e.do(ctx, "delete document", func() (*esapi.Response, error) {
		return e.es.Delete(index, strconv.FormatInt(id, 10), opts...)
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("delete document %d from %s: %w", id, index, esbind.ErrNotFound)
	}
	if res.IsError() {
		return fmt.Errorf("delete document %d from %s: %w", id, index, decodeAPIError(res))
	}
	return nil
}

type bulkResponse struct {
	Errors bool                                `json:"errors"`
	Items  []map[string]bulkResponseItemDetail `json:"items"`
}

type bulkResponseItemDetail struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

// Bulk sends ops as one NDJSON request and returns the item results in request order.
// With requireAlias, writes fail per item instead of creating index when it is not an alias.
func (e *ElasticsearchEngine) Bulk(ctx context.Context, index string, requireAlias bool, ops []esbind.BulkOperation) ([]esbind.BulkItemResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		meta := map[string]any{string(op.Type): map[string]string{"_id": strconv.FormatInt(op.ID, 10)}}
		if err := enc.Encode(meta); err != nil {
			return nil, fmt.Errorf("encode bulk action for %d: %w", op.ID, err)
		}
		if op.Type == esbind.BulkIndex {
			if err := enc.Encode(op.Document); err != nil {
				return nil, fmt.Errorf("encode bulk document %d: %w", op.ID, err)
			}
		}
	}

	opts := []func(*esapi.BulkRequest){
		e.es.Bulk.WithIndex(index),
		e.es.Bulk.WithContext(ctx),
	}
	if requireAlias {
		opts = append(opts, e.es.Bulk.WithRequireAlias(true))
	}
	res, err := e.do(ctx, "bulk", func() (*esapi.Response, error) {
		return e.es.Bulk(bytes.NewReader(buf.Bytes()), opts...)
	})
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("bulk into %s: %w", index, decodeAPIError(res))
	}

	var body bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	if len(body.Items) != len(ops) {
		return nil, fmt.Errorf("bulk response has %d items for %d operations", len(body.Items), len(ops))
	}

	results := make([]esbind.BulkItemResult, len(ops))
	for i, item := range body.Items {
		op := ops[i]
		detail, ok := item[string(op.Type)]
		if !ok {
			return nil, fmt.Errorf("bulk response item %d has no %q entry", i, op.Type)
		}
		results[i] = esbind.BulkItemResult{ID: op.ID, Type: op.Type, Status: detail.Status}
		if detail.Error != nil {
			results[i].ErrorType = detail.Error.Type
			results[i].Reason = detail.Error.Reason
		} else if op.Type == esbind.BulkDelete && detail.Status == http.StatusNotFound {
			results[i].Reason = "not_found"
		}
	}
	return results, nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []json.RawMessage `json:"hits"`
	} `json:"hits"`
}

type hitEnvelope struct {
	ID     string         `json:"_id"`
	Index  string         `json:"_index"`
	Found  *bool          `json:"found,omitempty"`
	Source map[string]any `json:"_source,omitempty"`
}

func (e *ElasticsearchEngine) Search(ctx context.Context, index string, body map[string]any) (*esbind.SearchResponse, error) {
	r, err := jsonBody(body)
	if err != nil {
		return nil, fmt.Errorf("encode search body: %w", err)
	}
	res, err := e.do(ctx, "search", func() (*esapi.Response, error) {
		return e.es.Search(
			e.es.Search.WithIndex(index),
			e.es.Search.WithBody(r),
			e.es.Search.WithContext(ctx),
		)
	})
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("search %s: %w", index, decodeAPIError(res))
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	out := &esbind.SearchResponse{Total: parsed.Hits.Total.Value, Hits: make([]esbind.SearchHit, 0, len(parsed.Hits.Hits))}
	for _, raw := range parsed.Hits.Hits {
		env, full, err := decodeHit(raw)
		if err != nil {
			return nil, err
		}
		out.Hits = append(out.Hits, esbind.SearchHit{ID: env.ID, Index: env.Index, Source: env.Source, Raw: full})
	}
	return out, nil
}

type mgetResponse struct {
	Docs []json.RawMessage `json:"docs"`
}

func (e *ElasticsearchEngine) MultiGet(ctx context.Context, index string, ids []int64) ([]esbind.GetResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = strconv.FormatInt(id, 10)
	}
	r, err := jsonBody(map[string]any{"ids": strIDs})
	if err != nil {
		return nil, fmt.Errorf("encode mget body: %w", err)
	}
	res, err := e.do(ctx, "mget", func() (*esapi.Response, error) {
		return e.es.Mget(r,
			e.es.Mget.WithIndex(index),
			e.es.Mget.WithContext(ctx),
		)
	})
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("mget %s: %w", index, decodeAPIError(res))
	}

	var body mgetResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode mget response: %w", err)
	}
	out := make([]esbind.GetResult, 0, len(body.Docs))
	for _, raw := range body.Docs {
		env, full, err := decodeHit(raw)
		if err != nil {
			return nil, err
		}
		found := env.Found != nil && *env.Found
		out = append(out, esbind.GetResult{ID: env.ID, Found: found, Source: env.Source, Raw: full})
	}
	return out, nil
}

func decodeHit(raw json.RawMessage) (hitEnvelope, map[string]any, error) {
	var env hitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, nil, fmt.Errorf("decode hit: %w", err)
	}
	var full map[string]any
	if err := json.Unmarshal(raw, &full); err != nil {
		return env, nil, fmt.Errorf("decode hit: %w", err)
	}
	return env, full, nil
}
