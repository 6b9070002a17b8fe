package esbind

import (
	"context"
	"errors"
)

// Sentinel errors returned by SearchEngine implementations.
var (
	ErrIndexAlreadyExists = errors.New("index already exists")
	ErrNotFound           = errors.New("not found")
	ErrCircuitOpen        = errors.New("search engine circuit breaker is open")
)

// AliasOp is an alias update action.
type AliasOp string

const (
	AliasAdd    AliasOp = "add"
	AliasRemove AliasOp = "remove"
)

// AliasAction is one entry of an atomic alias update.
type AliasAction struct {
	Op    AliasOp `json:"op"`
	Index string  `json:"index"`
	Alias string  `json:"alias"`
}

// BulkOpType is the kind of a bulk item.
type BulkOpType string

const (
	BulkIndex  BulkOpType = "index"
	BulkDelete BulkOpType = "delete"
)

// BulkOperation is one item of a bulk request.
type BulkOperation struct {
	Type     BulkOpType     `json:"type"`
	ID       int64          `json:"id"`
	Document map[string]any `json:"document,omitempty"`
}

// BulkItemResult is the per-item status of a bulk response, in request order.
type BulkItemResult struct {
	ID        int64      `json:"id"`
	Type      BulkOpType `json:"type"`
	Status    int        `json:"status"`
	ErrorType string     `json:"errorType,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Failed reports whether the item did not succeed. A delete of a missing document is
// reported with status 404 and left to the caller to interpret.
func (r BulkItemResult) Failed() bool {
	return r.Status < 200 || r.Status >= 300
}

// SearchHit is one search result.
type SearchHit struct {
	ID     string         `json:"_id"`
	Index  string         `json:"_index"`
	Source map[string]any `json:"_source,omitempty"`
	Raw    map[string]any `json:"-"`
}

// SearchResponse holds ordered hits.
type SearchResponse struct {
	Total int64       `json:"total"`
	Hits  []SearchHit `json:"hits"`
}

// GetResult is one multi-get entry.
type GetResult struct {
	ID     string         `json:"_id"`
	Found  bool           `json:"found"`
	Source map[string]any `json:"_source,omitempty"`
	Raw    map[string]any `json:"-"`
}

// SearchEngine is the subset of the search engine API used by esbind. Index arguments may
// name a physical index or an alias.
type SearchEngine interface {
	// CreateIndex returns ErrIndexAlreadyExists (wrapped) if the index exists.
	CreateIndex(ctx context.Context, index string, body map[string]any) error
	DeleteIndex(ctx context.Context, index string) error
	// AliasIndices lists the physical indices an alias resolves to; none if the alias is unknown.
	AliasIndices(ctx context.Context, alias string) ([]string, error)
	// UpdateAliases applies all actions atomically.
	UpdateAliases(ctx context.Context, actions []AliasAction) error
	Refresh(ctx context.Context, index string) error

	// IndexDocument writes through the alias index and never creates an index. It returns
	// ErrNotFound (wrapped) if index is not an existing alias.
	IndexDocument(ctx context.Context, index string, id int64, doc map[string]any, refresh string) error
	// DeleteDocument returns ErrNotFound (wrapped) if the document does not exist.
	DeleteDocument(ctx context.Context, index string, id int64, refresh string) error
	// Bulk applies ops to index. With requireAlias, index must be an existing alias and
	// the affected items fail otherwise.
	Bulk(ctx context.Context, index string, requireAlias bool, ops []BulkOperation) ([]BulkItemResult, error)

	Search(ctx context.Context, index string, body map[string]any) (*SearchResponse, error)
	MultiGet(ctx context.Context, index string, ids []int64) ([]GetResult, error)
}

// RecordSource streams records for a rebuild.
type RecordSource interface {
	// ForEachChunk calls fn with consecutive chunks of at most chunkSize records until the
	// source is exhausted or fn returns an error.
	ForEachChunk(ctx context.Context, chunkSize int, fn func(chunk []Record) error) error
}

// RecordLoader loads records by primary key for bulk sync.
type RecordLoader interface {
	// LoadRecords returns the records that exist, in the order of ids.
	LoadRecords(ctx context.Context, spec *TypeSpec, ids []int64) ([]Record, error)
}

// IndexManager drives the index/alias lifecycle of tracked types.
type IndexManager interface {
	Identity(t TrackedType) (IndexIdentity, error)
	State(ctx context.Context, t TrackedType) (*IndexStatus, error)
	Initialize(ctx context.Context, t TrackedType) error
	Rebuild(ctx context.Context, t TrackedType, source RecordSource, opts RebuildOptions) (*RebuildResult, error)
	BindAlias(ctx context.Context, index, alias string) error
	DeleteIndex(ctx context.Context, index string) error
}

// Synchronizer mirrors record lifecycle events into the write alias.
type Synchronizer interface {
	OnCreate(ctx context.Context, t TrackedType, record Record) error
	OnUpdate(ctx context.Context, t TrackedType, record Record) error
	OnDelete(ctx context.Context, t TrackedType, id int64) error
	// BulkSync is the explicit path for mass changes that bypass per-record hooks.
	BulkSync(ctx context.Context, t TrackedType, ids []int64, mode SyncMode) (*BulkResult, error)
}

// QueryBridge turns search engine queries into ordered record ids.
type QueryBridge interface {
	Search(ctx context.Context, t TrackedType, req SearchRequest) ([]int64, error)
	FetchDocuments(ctx context.Context, t TrackedType, ids []int64, fieldsOnly bool) (map[int64]map[string]any, error)
	Retrieve(ctx context.Context, t TrackedType, id int64, fieldsOnly bool) (map[string]any, error)
}

// Binder bundles the index manager, synchronizer and query bridge over one registry.
type Binder interface {
	IndexManager
	Synchronizer
	QueryBridge
	Registry() *TypeRegistry
}
