package internal

import (
	"context"

	"github.com/lychee-technology/esbind"
)

// Binder resolves tracked types through a registry and dispatches to the lifecycle manager,
// sync engine and query engine.
type Binder struct {
	registry  *esbind.TypeRegistry
	lifecycle *IndexLifecycle
	sync      *SyncEngine
	query     *QueryEngine
}

var _ esbind.Binder = (*Binder)(nil)

// NewBinder wires the components over one search engine. loader may be nil if bulk upserts
// by id are not needed.
func NewBinder(registry *esbind.TypeRegistry, engine esbind.SearchEngine, loader esbind.RecordLoader, cfg esbind.SyncConfig) *Binder {
	syncEngine := NewSyncEngine(engine, loader, cfg)
	return &Binder{
		registry:  registry,
		lifecycle: NewIndexLifecycle(engine, syncEngine),
		sync:      syncEngine,
		query:     NewQueryEngine(engine, cfg.SearchSize),
	}
}

func (b *Binder) Registry() *esbind.TypeRegistry {
	return b.registry
}

func (b *Binder) Identity(t esbind.TrackedType) (esbind.IndexIdentity, error) {
	spec, err := b.registry.Spec(t)
	if err != nil {
		return esbind.IndexIdentity{}, err
	}
	return Identity(spec), nil
}

func (b *Binder) State(ctx context.Context, t esbind.TrackedType) (*esbind.IndexStatus, error) {
	spec, err := b.registry.Spec(t)
	if err != nil {
		return nil, err
	}
	return b.lifecycle.Status(ctx, spec)
}

func (b *Binder) Initialize(ctx context.Context, t esbind.TrackedType) error {
	spec, err := b.registry.Spec(t)
	if err != nil {
		return err
	}
	return b.lifecycle.Initialize(ctx, spec)
}

func (b *Binder) Rebuild(ctx context.Context, t esbind.TrackedType, source esbind.RecordSource, opts esbind.RebuildOptions) (*esbind.RebuildResult, error) {
	spec, err := b.registry.Spec(t)
	if err != nil {
		return nil, err
	}
	return b.lifecycle.Rebuild(ctx, spec, source, opts)
}

func (b *Binder) BindAlias(ctx context.Context, index, alias string) error {
	return b.lifecycle.BindAlias(ctx, index, alias)
}

func (b *Binder) DeleteIndex(ctx context.Context, index string) error {
	return b.lifecycle.DeleteIndex(ctx, index)
}

func (b *Binder) OnCreate(ctx context.Context, t esbind.TrackedType, record esbind.Record) error {
	spec, err := b.registry.Spec(t)
	if err != nil {
		return err
	}
	return b.sync.Upsert(ctx, spec, record, opCreate)
}

func (b *Binder) OnUpdate(ctx context.Context, t esbind.TrackedType, record esbind.Record) error {
	spec, err := b.registry.Spec(t)
	if err != nil {
		return err
	}
	return b.sync.Upsert(ctx, spec, record, opUpdate)
}

func (b *Binder) OnDelete(ctx context.Context, t esbind.TrackedType, id int64) error {
	spec, err := b.registry.Spec(t)
	if err != nil {
		return err
	}
	return b.sync.Delete(ctx, spec, id)
}

func (b *Binder) BulkSync(ctx context.Context, t esbind.TrackedType, ids []int64, mode esbind.SyncMode) (*esbind.BulkResult, error) {
	spec, err := b.registry.Spec(t)
	if err != nil {
		return nil, err
	}
	return b.sync.BulkSync(ctx, spec, ids, mode)
}

// BulkUpsertRecords indexes already loaded records into index, or the write alias when
// index is empty.
func (b *Binder) BulkUpsertRecords(ctx context.Context, t esbind.TrackedType, index string, records []esbind.Record) (*esbind.BulkResult, error) {
	spec, err := b.registry.Spec(t)
	if err != nil {
		return nil, err
	}
	return b.sync.BulkUpsertRecords(ctx, spec, index, records)
}

func (b *Binder) Search(ctx context.Context, t esbind.TrackedType, req esbind.SearchRequest) ([]int64, error) {
	spec, err := b.registry.Spec(t)
	if err != nil {
		return nil, err
	}
	return b.query.Search(ctx, spec, req)
}

func (b *Binder) FetchDocuments(ctx context.Context, t esbind.TrackedType, ids []int64, fieldsOnly bool) (map[int64]map[string]any, error) {
	spec, err := b.registry.Spec(t)
	if err != nil {
		return nil, err
	}
	return b.query.FetchDocuments(ctx, spec, ids, fieldsOnly)
}

func (b *Binder) Retrieve(ctx context.Context, t esbind.TrackedType, id int64, fieldsOnly bool) (map[string]any, error) {
	spec, err := b.registry.Spec(t)
	if err != nil {
		return nil, err
	}
	return b.query.Retrieve(ctx, spec, id, fieldsOnly)
}
