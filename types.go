package esbind

import (
	"context"
	"fmt"
	"time"
)

// DateTimeLayout is the fixed format used for every date/time value written to the index.
// No offset is encoded; callers normalise to one timezone before syncing.
const DateTimeLayout = "2006-01-02 15:04:05"

// Default alias postfixes.
const (
	DefaultReadAliasPostfix  = "read"
	DefaultWriteAliasPostfix = "write"
)

// TypeIdentity identifies a tracked type: the module (or namespace) it lives in and its name.
type TypeIdentity struct {
	Module string `json:"module" yaml:"module"`
	Name   string `json:"name" yaml:"name"`
}

func (id TypeIdentity) String() string {
	if id.Module == "" {
		return id.Name
	}
	return id.Module + "." + id.Name
}

// Keyed is anything carrying a primary key. A field value implementing Keyed is treated
// as a reference to another tracked record.
type Keyed interface {
	ID() int64
}

// Record is a snapshot of one relational row.
type Record interface {
	Keyed
	// Value returns the value stored under field and whether the field exists.
	Value(field string) (any, bool)
}

// MapRecord is a Record backed by a plain map.
type MapRecord struct {
	PK     int64
	Fields map[string]any
}

func (r MapRecord) ID() int64 { return r.PK }

func (r MapRecord) Value(field string) (any, bool) {
	v, ok := r.Fields[field]
	return v, ok
}

// Ref is a reference to another record by primary key.
type Ref int64

func (r Ref) ID() int64 { return int64(r) }

// ExtraFieldResolver computes a derived, non-stored field for many records at once.
type ExtraFieldResolver interface {
	// FieldName is the document field the resolved values are stored under.
	FieldName() string
	// ResolveMany returns the value for each requested id. Ids without a value are omitted.
	ResolveMany(ctx context.Context, ids []int64) (map[int64]any, error)
}

// TrackedType is a record schema opted into search index synchronization.
type TrackedType interface {
	Identity() TypeIdentity
	CachedFields() []string
	ExtraResolvers() []ExtraFieldResolver
	// IndexMapping is the create-index body (settings and mappings). May be nil.
	IndexMapping() map[string]any
}

// IndexNamer overrides the generated index base name.
type IndexNamer interface {
	IndexBaseName() string
}

// AliasPostfixer overrides the alias postfixes appended to the base name.
type AliasPostfixer interface {
	ReadAliasPostfix() string
	WriteAliasPostfix() string
}

// AliasNamer overrides the alias names entirely. Empty names fall back to the defaults.
type AliasNamer interface {
	ReadAliasName() string
	WriteAliasName() string
}

// ReferenceLister names cached fields whose stored value is the primary key of another
// record. Adapters that read raw rows wrap those values in Ref.
type ReferenceLister interface {
	ReferenceFields() []string
}

// CastOverrider is consulted before the default casting rules for every field value.
// Returning false hands the value to the default rules.
type CastOverrider interface {
	CastOverride(value any) (any, bool)
}

// AttributeLister exposes the attributes a type stores, so cached fields can be checked
// at registration time.
type AttributeLister interface {
	Attributes() []string
}

// TableBinding tells the Postgres adapters where the type's rows live.
type TableBinding interface {
	TableName() string
	KeyColumn() string
}

// CastFunc is a per-type cast hook.
type CastFunc func(value any) (any, bool)

// TypeSpec is a TrackedType resolved once at registration.
type TypeSpec struct {
	Type              TrackedType
	Identity          TypeIdentity
	CachedFields      []string
	Resolvers         []ExtraFieldResolver
	Mapping           map[string]any
	IndexBaseName     string
	ReadAliasPostfix  string
	WriteAliasPostfix string
	ReadAliasName     string
	WriteAliasName    string
	Cast              CastFunc
	Table             string
	KeyColumn         string
	References        []string
}

// Name returns a printable identifier used in logs and errors.
func (s *TypeSpec) Name() string {
	if s == nil {
		return ""
	}
	return s.Identity.String()
}

// IndexIdentity holds the names derived for a tracked type.
type IndexIdentity struct {
	BaseName   string `json:"baseName"`
	ReadAlias  string `json:"readAlias"`
	WriteAlias string `json:"writeAlias"`
}

// Document is the search-engine-safe form of one record.
type Document struct {
	ID     int64          `json:"id"`
	Fields map[string]any `json:"fields"`
}

// ExtraFieldBatch maps record id -> resolved extra field name -> cast value.
type ExtraFieldBatch map[int64]map[string]any

// SyncMode selects what a bulk sync does.
type SyncMode string

const (
	SyncModeUpsert SyncMode = "upsert"
	SyncModeDelete SyncMode = "delete"
)

// ParseSyncMode validates a mode string.
func ParseSyncMode(s string) (SyncMode, error) {
	switch SyncMode(s) {
	case SyncModeUpsert, SyncModeDelete:
		return SyncMode(s), nil
	default:
		return "", fmt.Errorf("unknown sync mode %q (expected upsert or delete)", s)
	}
}

// IndexState is the lifecycle state of a tracked type, derived from alias bindings.
type IndexState string

const (
	IndexStateUninitialized IndexState = "UNINITIALIZED"
	IndexStateSteady        IndexState = "STEADY"
	IndexStateRebuilding    IndexState = "REBUILDING"
	// IndexStatePartial means only one of the two aliases is bound.
	IndexStatePartial IndexState = "PARTIAL"
)

// IndexStatus is the observed alias state for a tracked type.
type IndexStatus struct {
	State        IndexState    `json:"state"`
	Identity     IndexIdentity `json:"identity"`
	ReadIndices  []string      `json:"readIndices"`
	WriteIndices []string      `json:"writeIndices"`
}

// ReadIndex returns the index behind the read alias, or "".
func (s IndexStatus) ReadIndex() string {
	if len(s.ReadIndices) == 0 {
		return ""
	}
	return s.ReadIndices[0]
}

// WriteIndex returns the index behind the write alias, or "".
func (s IndexStatus) WriteIndex() string {
	if len(s.WriteIndices) == 0 {
		return ""
	}
	return s.WriteIndices[0]
}

// RebuildOptions tunes a rebuild.
type RebuildOptions struct {
	// ChunkSize bounds the records per bulk request. Zero uses the configured default.
	ChunkSize int
	// KeepOldIndex leaves the previous read index in place after cutover.
	KeepOldIndex bool
}

// RebuildResult summarises a completed rebuild.
type RebuildResult struct {
	OldIndex string        `json:"oldIndex,omitempty"`
	NewIndex string        `json:"newIndex"`
	Chunks   int           `json:"chunks"`
	Indexed  int           `json:"indexed"`
	Duration time.Duration `json:"duration"`
}

// ItemFailure describes one failed item of a bulk request.
type ItemFailure struct {
	ID        int64  `json:"id"`
	Operation string `json:"operation"`
	Status    int    `json:"status,omitempty"`
	Type      string `json:"type,omitempty"`
	Reason    string `json:"reason"`
}

// BulkResult is the per-item outcome of a bulk sync.
type BulkResult struct {
	Succeeded []int64       `json:"succeeded"`
	Failed    []ItemFailure `json:"failed"`
	Chunks    int           `json:"chunks"`
	Duration  int64         `json:"duration"` // microseconds
}

// Merge folds another result into r.
func (r *BulkResult) Merge(other *BulkResult) {
	if other == nil {
		return
	}
	r.Succeeded = append(r.Succeeded, other.Succeeded...)
	r.Failed = append(r.Failed, other.Failed...)
	r.Chunks += other.Chunks
}

// SearchRequest is a query against a type's read alias. Query and Sort are passed to the
// search engine verbatim. Size 0 uses the configured default search size.
type SearchRequest struct {
	Query map[string]any `json:"query,omitempty"`
	Sort  []any          `json:"sort,omitempty"`
	Size  int            `json:"size,omitempty"`
	From  int            `json:"from,omitempty"`
}
