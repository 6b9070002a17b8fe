package internal

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lychee-technology/esbind"
	"go.uber.org/zap"
)

// QueryEngine runs searches against a type's read alias and maps hits back to record ids.
type QueryEngine struct {
	engine      esbind.SearchEngine
	defaultSize int
}

// NewQueryEngine creates a query engine. defaultSize is sent as the size of searches that
// name none; values below 1 mean 10.
func NewQueryEngine(engine esbind.SearchEngine, defaultSize int) *QueryEngine {
	if defaultSize <= 0 {
		defaultSize = 10
	}
	return &QueryEngine{engine: engine, defaultSize: defaultSize}
}

// Search returns the ids of matching records in the order the search engine ranked them.
// Query and sort are passed through unchanged; a nil query matches everything. Size is
// always sent, falling back to the engine's default size.
func (q *QueryEngine) Search(ctx context.Context, spec *esbind.TypeSpec, req esbind.SearchRequest) ([]int64, error) {
	alias := Identity(spec).ReadAlias
	body := map[string]any{"_source": false}
	if req.Query != nil {
		body["query"] = req.Query
	} else {
		body["query"] = map[string]any{"match_all": map[string]any{}}
	}
	if len(req.Sort) > 0 {
		body["sort"] = req.Sort
	}
	body["size"] = q.defaultSize
	if req.Size > 0 {
		body["size"] = req.Size
	}
	if req.From > 0 {
		body["from"] = req.From
	}

	res, err := q.engine.Search(ctx, alias, body)
	if err != nil {
		return nil, esbind.NewSyncError(esbind.ErrCodeSearchFailed, "search request failed", err).
			WithType(spec.Name()).WithDetail("index", alias)
	}

	ids := make([]int64, 0, len(res.Hits))
	for _, hit := range res.Hits {
		id, err := parseDocumentID(hit.ID)
		if err != nil {
			return nil, esbind.NewSyncError(esbind.ErrCodeSearchFailed, "search hit has a non-numeric id", err).
				WithType(spec.Name()).WithDetail("index", hit.Index)
		}
		ids = append(ids, id)
	}
	zap.S().Debugw("search executed", "type", spec.Name(), "index", alias, "hits", len(ids), "total", res.Total)
	return ids, nil
}

// FetchDocuments multi-gets ids from the read alias. With fieldsOnly the stored fields are
// returned, otherwise the full hit. Ids that are not indexed are omitted.
func (q *QueryEngine) FetchDocuments(ctx context.Context, spec *esbind.TypeSpec, ids []int64, fieldsOnly bool) (map[int64]map[string]any, error) {
	out := make(map[int64]map[string]any, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	alias := Identity(spec).ReadAlias
	results, err := q.engine.MultiGet(ctx, alias, uniqueIDs(ids))
	if err != nil {
		return nil, esbind.NewSyncError(esbind.ErrCodeFetchFailed, "multi-get request failed", err).
			WithType(spec.Name()).WithDetail("index", alias)
	}

	for _, r := range results {
		if !r.Found {
			continue
		}
		id, err := parseDocumentID(r.ID)
		if err != nil {
			return nil, esbind.NewSyncError(esbind.ErrCodeFetchFailed, "document has a non-numeric id", err).
				WithType(spec.Name()).WithDetail("index", alias)
		}
		if fieldsOnly {
			source := r.Source
			if source == nil {
				source = map[string]any{}
			}
			out[id] = source
		} else {
			out[id] = r.Raw
		}
	}
	return out, nil
}

// Retrieve fetches a single document and fails with DOCUMENT_NOT_FOUND when it is not indexed.
func (q *QueryEngine) Retrieve(ctx context.Context, spec *esbind.TypeSpec, id int64, fieldsOnly bool) (map[string]any, error) {
	docs, err := q.FetchDocuments(ctx, spec, []int64{id}, fieldsOnly)
	if err != nil {
		return nil, err
	}
	doc, ok := docs[id]
	if !ok {
		return nil, esbind.NewSyncError(esbind.ErrCodeDocumentNotFound, "document is not indexed", esbind.ErrNotFound).
			WithType(spec.Name()).WithDocument(id)
	}
	return doc, nil
}

func parseDocumentID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse document id %q: %w", raw, err)
	}
	return id, nil
}
