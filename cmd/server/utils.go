package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/lychee-technology/esbind"
)

// parsePath parses /api/v1/{type} or /api/v1/{type}/{id_or_action}
func parsePath(path string) (typeName string, rest string, err error) {
	path = strings.TrimPrefix(path, "/api/v1/")
	path = strings.Trim(path, "/")

	if path == "" {
		return "", "", fmt.Errorf("invalid path: empty type name")
	}

	parts := strings.Split(path, "/")

	switch len(parts) {
	case 1:
		return parts[0], "", nil
	case 2:
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("invalid path format")
	}
}

// buildConditions turns the non-reserved query parameters into an and-composite of
// "attr=op:value" conditions.
func buildConditions(queryParams url.Values) (*esbind.CompositeCondition, error) {
	reservedParams := map[string]bool{
		"type":           true,
		"page":           true,
		"items_per_page": true,
		"sort_by":        true,
		"sort_order":     true,
		"documents":      true,
		"raw":            true,
	}

	keys := make([]string, 0, len(queryParams))
	for key, values := range queryParams {
		if !reservedParams[key] && len(values) > 0 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	exprs := make([]string, len(keys))
	for i, key := range keys {
		exprs[i] = key + "=" + queryParams.Get(key)
	}
	return esbind.ParseConditions(exprs)
}

// parsePagination extracts page and items_per_page from query parameters
func parsePagination(queryParams url.Values) (int, int) {
	page := 1
	itemsPerPage := 20

	if p := queryParams.Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
		}
	}

	if ipp := queryParams.Get("items_per_page"); ipp != "" {
		if parsed, err := strconv.Atoi(ipp); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			itemsPerPage = parsed
		}
	}

	return page, itemsPerPage
}

// parseSortParams reads sort_by (repeatable, comma separated) and sort_order into a search
// engine sort clause.
func parseSortParams(queryParams url.Values) ([]any, error) {
	var fields []string
	for _, raw := range queryParams["sort_by"] {
		for _, field := range strings.Split(raw, ",") {
			if field = strings.TrimSpace(field); field != "" {
				fields = append(fields, field)
			}
		}
	}

	order := strings.ToLower(strings.TrimSpace(queryParams.Get("sort_order")))
	if len(fields) == 0 {
		if order != "" {
			return nil, fmt.Errorf("sort_order requires sort_by")
		}
		return nil, nil
	}
	if order == "" {
		order = "asc"
	}

	entries := make([]string, len(fields))
	for i, field := range fields {
		entries[i] = field + ":" + order
	}
	return esbind.ParseSort(entries)
}

// APIResponse is the standard response format
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// writeJSON writes JSON response to http.ResponseWriter
func writeJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) error {
	return writeJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

// writeBinderError maps esbind errors onto HTTP statuses.
func writeBinderError(w http.ResponseWriter, err error) error {
	var partial *esbind.BulkPartialFailure
	if errors.As(err, &partial) {
		return writeJSON(w, http.StatusMultiStatus, APIResponse{
			Success: false,
			Data:    partial.Failures,
			Error:   err.Error(),
		})
	}

	status := http.StatusInternalServerError
	code := esbind.ErrorCode(err)
	switch code {
	case esbind.ErrCodeTypeNotRegistered, esbind.ErrCodeDocumentNotFound:
		status = http.StatusNotFound
	case esbind.ErrCodeInvalidType, esbind.ErrCodeInvalidMapping:
		status = http.StatusBadRequest
	default:
		var aborted *esbind.RebuildAborted
		if errors.As(err, &aborted) {
			status = http.StatusConflict
		} else if errors.Is(err, esbind.ErrCircuitOpen) {
			status = http.StatusServiceUnavailable
		}
	}
	return writeJSON(w, status, APIResponse{Success: false, Error: err.Error(), Code: code})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, statusCode int, data any) error {
	return writeJSON(w, statusCode, APIResponse{Success: true, Data: data})
}

// readJSONBody reads and decodes JSON from request body
func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// readStrictJSONBody is readJSONBody rejecting unknown fields.
func readStrictJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// isTruthy reports whether a query flag is set ("1", "true", "yes" or present and empty).
func isTruthy(queryParams url.Values, key string) bool {
	values, ok := queryParams[key]
	if !ok {
		return false
	}
	if len(values) == 0 || values[0] == "" {
		return true
	}
	b, err := strconv.ParseBool(values[0])
	if err != nil {
		return values[0] == "yes"
	}
	return b
}
