package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/lychee-technology/esbind"
	"go.uber.org/zap"
)

// searchResult is returned by both search endpoints. Documents follow the order of IDs.
type searchResult struct {
	IDs          []int64          `json:"ids"`
	Documents    []map[string]any `json:"documents,omitempty"`
	Page         int              `json:"page"`
	ItemsPerPage int              `json:"items_per_page"`
}

// advancedQueryRequest is the body of POST /api/v1/advanced_query
type advancedQueryRequest struct {
	Type         string                     `json:"type"`
	Condition    *esbind.CompositeCondition `json:"condition"`
	Sort         []any                      `json:"sort"`
	Page         int                        `json:"page"`
	ItemsPerPage int                        `json:"items_per_page"`
	Documents    bool                       `json:"documents"`
	Raw          bool                       `json:"raw"`
}

// rebuildRequest is the body of POST /api/v1/{type}/_rebuild. Condition restricts the
// rebuilt rows by column.
type rebuildRequest struct {
	ChunkSize    int                        `json:"chunk_size"`
	KeepOldIndex bool                       `json:"keep_old_index"`
	Condition    *esbind.CompositeCondition `json:"condition"`
}

type syncRequest struct {
	IDs  []int64 `json:"ids"`
	Mode string  `json:"mode"`
}

type aliasRequest struct {
	Index string `json:"index"`
	Alias string `json:"alias"`
}

// lookup resolves a type name from the URL into its registered spec.
func (s *Server) lookup(w http.ResponseWriter, typeName string) (*esbind.TypeSpec, bool) {
	spec, err := s.binder.Registry().ByName(typeName)
	if err != nil {
		writeBinderError(w, err)
		return nil, false
	}
	return spec, true
}

func (s *Server) runSearch(ctx context.Context, spec *esbind.TypeSpec, query map[string]any, sort []any, page, itemsPerPage int, documents, raw bool) (*searchResult, error) {
	ids, err := s.binder.Search(ctx, spec.Type, esbind.SearchRequest{
		Query: query,
		Sort:  sort,
		Size:  itemsPerPage,
		From:  (page - 1) * itemsPerPage,
	})
	if err != nil {
		return nil, err
	}

	result := &searchResult{IDs: ids, Page: page, ItemsPerPage: itemsPerPage}
	if !documents || len(ids) == 0 {
		return result, nil
	}
	docs, err := s.binder.FetchDocuments(ctx, spec.Type, ids, !raw)
	if err != nil {
		return nil, err
	}
	result.Documents = make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if doc, ok := docs[id]; ok {
			result.Documents = append(result.Documents, doc)
		}
	}
	return result, nil
}

// handleSearch handles GET /api/v1/search?type=...&{attr}={op}:{value}&sort_by=...&page=...
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	queryParams := r.URL.Query()
	typeName := queryParams.Get("type")
	if typeName == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	spec, ok := s.lookup(w, typeName)
	if !ok {
		return
	}

	page, itemsPerPage := parsePagination(queryParams)
	sort, err := parseSortParams(queryParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid sort parameters: %v", err))
		return
	}
	condition, err := buildConditions(queryParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid filter: %v", err))
		return
	}
	query, err := condition.ToQuery()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid filter: %v", err))
		return
	}

	result, err := s.runSearch(r.Context(), spec, query, sort, page, itemsPerPage,
		isTruthy(queryParams, "documents"), isTruthy(queryParams, "raw"))
	if err != nil {
		writeBinderError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

// handleAdvancedQuery handles POST /api/v1/advanced_query
func (s *Server) handleAdvancedQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload advancedQueryRequest
	if err := readJSONBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}

	if payload.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	if payload.Condition == nil {
		writeError(w, http.StatusBadRequest, "condition is required")
		return
	}

	spec, ok := s.lookup(w, payload.Type)
	if !ok {
		return
	}
	query, err := payload.Condition.ToQuery()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid condition: %v", err))
		return
	}

	page, itemsPerPage := payload.Page, payload.ItemsPerPage
	if page <= 0 {
		page = 1
	}
	if itemsPerPage <= 0 {
		itemsPerPage = 20
	} else if itemsPerPage > 100 {
		itemsPerPage = 100
	}

	result, err := s.runSearch(r.Context(), spec, query, payload.Sort, page, itemsPerPage, payload.Documents, payload.Raw)
	if err != nil {
		writeBinderError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

// handleListTypes handles GET /api/v1/types
func (s *Server) handleListTypes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	specs := s.binder.Registry().List()
	out := make([]map[string]any, 0, len(specs))
	for _, spec := range specs {
		identity, err := s.binder.Identity(spec.Type)
		if err != nil {
			writeBinderError(w, err)
			return
		}
		out = append(out, map[string]any{
			"type":         spec.Name(),
			"fields":       spec.CachedFields,
			"extra_fields": len(spec.Resolvers),
			"identity":     identity,
		})
	}
	writeSuccess(w, http.StatusOK, out)
}

// handleFetch handles GET /api/v1/{type}?ids=1,2,3&raw=true
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request, spec *esbind.TypeSpec) {
	queryParams := r.URL.Query()
	ids, err := esbind.ParseIDs(queryParams.Get("ids"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	docs, err := s.binder.FetchDocuments(r.Context(), spec.Type, ids, !isTruthy(queryParams, "raw"))
	if err != nil {
		writeBinderError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, docs)
}

// handleRetrieve handles GET /api/v1/{type}/{id}
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request, spec *esbind.TypeSpec, id int64) {
	doc, err := s.binder.Retrieve(r.Context(), spec.Type, id, !isTruthy(r.URL.Query(), "raw"))
	if err != nil {
		writeBinderError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, doc)
}

// handleDeleteDocument handles DELETE /api/v1/{type}/{id}
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request, spec *esbind.TypeSpec, id int64) {
	if err := s.binder.OnDelete(r.Context(), spec.Type, id); err != nil {
		writeBinderError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// handleState handles GET /api/v1/{type}/_state
func (s *Server) handleState(w http.ResponseWriter, r *http.Request, spec *esbind.TypeSpec) {
	status, err := s.binder.State(r.Context(), spec.Type)
	if err != nil {
		writeBinderError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, status)
}

// handleInitialize handles POST /api/v1/{type}/_init
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, spec *esbind.TypeSpec) {
	if err := s.binder.Initialize(r.Context(), spec.Type); err != nil {
		writeBinderError(w, err)
		return
	}
	s.handleState(w, r, spec)
}

// handleRebuild handles POST /api/v1/{type}/_rebuild
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request, spec *esbind.TypeSpec) {
	if s.sources == nil {
		writeError(w, http.StatusNotImplemented, "rebuild requires a record source")
		return
	}

	var payload rebuildRequest
	if r.ContentLength != 0 {
		if err := readStrictJSONBody(r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
			return
		}
	}

	source, err := s.sources(spec, payload.Condition)
	if err != nil {
		writeBinderError(w, err)
		return
	}
	result, err := s.binder.Rebuild(r.Context(), spec.Type, source, esbind.RebuildOptions{
		ChunkSize:    payload.ChunkSize,
		KeepOldIndex: payload.KeepOldIndex,
	})
	if err != nil && result == nil {
		writeBinderError(w, err)
		return
	}
	if err != nil {
		// Cutover happened but cleanup failed.
		zap.S().Warnw("rebuild completed with cleanup error", "type", spec.Name(), "error", err)
	}
	writeSuccess(w, http.StatusOK, result)
}

// handleSync handles POST /api/v1/{type}/_sync
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, spec *esbind.TypeSpec) {
	var payload syncRequest
	if err := readJSONBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}
	if payload.Mode == "" {
		payload.Mode = string(esbind.SyncModeUpsert)
	}
	mode, err := esbind.ParseSyncMode(payload.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(payload.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "empty ids array not allowed")
		return
	}

	result, err := s.binder.BulkSync(r.Context(), spec.Type, payload.IDs, mode)
	if err != nil {
		writeBinderError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

// handleAliases handles POST /api/v1/_aliases and DELETE /api/v1/_indices/{index}
func (s *Server) handleAliases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload aliasRequest
	if err := readJSONBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}
	if payload.Index == "" || payload.Alias == "" {
		writeError(w, http.StatusBadRequest, "index and alias are required")
		return
	}
	if err := s.binder.BindAlias(r.Context(), payload.Index, payload.Alias); err != nil {
		writeBinderError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, payload)
}

func (s *Server) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	index := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/_indices/"), "/")
	if index == "" || strings.Contains(index, "/") {
		writeError(w, http.StatusBadRequest, "invalid index name")
		return
	}
	if err := s.binder.DeleteIndex(r.Context(), index); err != nil {
		writeBinderError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"index": index, "deleted": true})
}

// apiHandler is the main router that dispatches to specific handlers
func (s *Server) apiHandler(w http.ResponseWriter, r *http.Request) {
	typeName, rest, err := parsePath(r.URL.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid path: %v", err))
		return
	}
	zap.S().Debugw("handling request", "method", r.Method, "path", r.URL.Path)

	spec, ok := s.lookup(w, typeName)
	if !ok {
		return
	}

	if rest == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleFetch(w, r, spec)
		return
	}

	if strings.HasPrefix(rest, "_") {
		type route struct {
			method  string
			handler func(http.ResponseWriter, *http.Request, *esbind.TypeSpec)
		}
		routes := map[string]route{
			"_state":   {http.MethodGet, s.handleState},
			"_init":    {http.MethodPost, s.handleInitialize},
			"_rebuild": {http.MethodPost, s.handleRebuild},
			"_sync":    {http.MethodPost, s.handleSync},
		}
		rt, found := routes[rest]
		if !found {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", rest))
			return
		}
		if r.Method != rt.method {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		rt.handler(w, r, spec)
		return
	}

	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid id: %v", err))
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleRetrieve(w, r, spec, id)
	case http.MethodDelete:
		s.handleDeleteDocument(w, r, spec, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleReady handles GET /readyz
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			zap.S().Warnw("readiness check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeSuccess(w, http.StatusOK, "ready")
}
