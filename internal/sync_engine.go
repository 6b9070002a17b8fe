package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lychee-technology/esbind"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sync operation names used in errors, failures and metrics.
const (
	opCreate     = "create"
	opUpdate     = "update"
	opDelete     = "delete"
	opBulkUpsert = "bulk_upsert"
	opBulkDelete = "bulk_delete"
)

// SyncEngine mirrors record changes into a type's write alias.
type SyncEngine struct {
	engine    esbind.SearchEngine
	loader    esbind.RecordLoader
	chunkSize int
	refresh   string
}

// NewSyncEngine creates a sync engine. loader may be nil when BulkSync upserts are not used.
func NewSyncEngine(engine esbind.SearchEngine, loader esbind.RecordLoader, cfg esbind.SyncConfig) *SyncEngine {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = esbind.DefaultConfig().Sync.ChunkSize
	}
	return &SyncEngine{
		engine:    engine,
		loader:    loader,
		chunkSize: chunkSize,
		refresh:   cfg.Refresh,
	}
}

// ChunkSize is the default number of records per bulk request.
func (s *SyncEngine) ChunkSize() int {
	return s.chunkSize
}

// Upsert indexes record at the write alias under its primary key. operation is opCreate or
// opUpdate and only affects errors and metrics.
func (s *SyncEngine) Upsert(ctx context.Context, spec *esbind.TypeSpec, record esbind.Record, operation string) error {
	err := s.upsert(ctx, spec, record, operation)
	recordSyncOperation(spec.Name(), operation, err)
	return err
}

func (s *SyncEngine) upsert(ctx context.Context, spec *esbind.TypeSpec, record esbind.Record, operation string) error {
	doc, err := EncodeRecord(spec, record)
	if err != nil {
		return err
	}
	batch, err := ResolveExtraFields(ctx, spec, []int64{doc.ID})
	if err != nil {
		return err
	}
	docs := []esbind.Document{doc}
	MergeExtraFields(docs, batch)

	alias := Identity(spec).WriteAlias
	if err := s.engine.IndexDocument(ctx, alias, doc.ID, docs[0].Fields, s.refresh); err != nil {
		return esbind.NewSyncError(esbind.ErrCodeIndexFailed, "search engine rejected document write", err).
			WithType(spec.Name()).WithDocument(doc.ID).WithOperation(operation).WithDetail("index", alias)
	}
	zap.S().Debugw("document synced", "type", spec.Name(), "id", doc.ID, "operation", operation, "index", alias)
	return nil
}

// Delete removes the document for id from the write alias. A missing document is success.
func (s *SyncEngine) Delete(ctx context.Context, spec *esbind.TypeSpec, id int64) error {
	alias := Identity(spec).WriteAlias
	err := s.engine.DeleteDocument(ctx, alias, id, s.refresh)
	if errors.Is(err, esbind.ErrNotFound) {
		zap.S().Debugw("document already absent", "type", spec.Name(), "id", id, "index", alias)
		err = nil
	}
	if err != nil {
		err = esbind.NewSyncError(esbind.ErrCodeDeleteFailed, "search engine rejected document delete", err).
			WithType(spec.Name()).WithDocument(id).WithOperation(opDelete).WithDetail("index", alias)
	}
	recordSyncOperation(spec.Name(), opDelete, err)
	return err
}

// BulkSync upserts or deletes ids at the write alias, one bulk request per chunk. Items that
// fail are collected; when any did, the result comes back with a *esbind.BulkPartialFailure.
func (s *SyncEngine) BulkSync(ctx context.Context, spec *esbind.TypeSpec, ids []int64, mode esbind.SyncMode) (*esbind.BulkResult, error) {
	start := time.Now()
	ids = uniqueIDs(ids)
	alias := Identity(spec).WriteAlias

	var (
		result    *esbind.BulkResult
		err       error
		operation string
	)
	switch mode {
	case esbind.SyncModeUpsert:
		operation = opBulkUpsert
		if s.loader == nil {
			return nil, esbind.NewError(esbind.ErrorTypeConfig, esbind.ErrCodeInvalidType,
				"bulk upsert requires a record loader").WithType(spec.Name())
		}
		source := &loaderSource{loader: s.loader, spec: spec, ids: ids}
		result, err = s.streamUpserts(ctx, spec, alias, source, s.chunkSize, nil)
		result.Failed = append(result.Failed, source.missing...)
	case esbind.SyncModeDelete:
		operation = opBulkDelete
		result, err = s.bulkDelete(ctx, spec, alias, ids)
	default:
		return nil, esbind.NewError(esbind.ErrorTypeConfig, esbind.ErrCodeInvalidType,
			fmt.Sprintf("unknown sync mode %q", mode)).WithType(spec.Name())
	}
	result.Duration = time.Since(start).Microseconds()

	return result, s.finishBulk(spec, operation, alias, result, err)
}

// BulkUpsertRecords indexes records into index in chunks. An empty index means the write alias.
func (s *SyncEngine) BulkUpsertRecords(ctx context.Context, spec *esbind.TypeSpec, index string, records []esbind.Record) (*esbind.BulkResult, error) {
	start := time.Now()
	if index == "" {
		index = Identity(spec).WriteAlias
	}
	result, err := s.streamUpserts(ctx, spec, index, esbind.SliceSource(records), s.chunkSize, nil)
	result.Duration = time.Since(start).Microseconds()
	return result, s.finishBulk(spec, opBulkUpsert, index, result, err)
}

func (s *SyncEngine) finishBulk(spec *esbind.TypeSpec, operation, index string, result *esbind.BulkResult, err error) error {
	recordBulkItems(spec.Name(), operation, len(result.Succeeded), len(result.Failed))
	if err != nil {
		recordSyncOperation(spec.Name(), operation, err)
		var e *esbind.Error
		if !errors.As(err, &e) {
			e = esbind.NewSyncError(esbind.ErrCodeBulkFailed, "bulk request failed", err).
				WithType(spec.Name()).WithOperation(operation).WithDetail("index", index)
		}
		var ce *chunkError
		if errors.As(err, &ce) {
			e = e.WithDetail("chunk", ce.chunk)
		}
		return e
	}

	if len(result.Failed) > 0 {
		partial := &esbind.BulkPartialFailure{
			TrackedType: spec.Name(),
			Operation:   operation,
			Succeeded:   len(result.Succeeded),
			Failures:    result.Failed,
		}
		recordSyncOperation(spec.Name(), operation, partial)
		zap.S().Warnw("bulk sync finished with failed items", "type", spec.Name(), "operation", operation,
			"index", index, "succeeded", len(result.Succeeded), "failed", len(result.Failed))
		return partial
	}

	recordSyncOperation(spec.Name(), operation, nil)
	zap.S().Infow("bulk sync finished", "type", spec.Name(), "operation", operation, "index", index,
		"succeeded", len(result.Succeeded), "chunks", result.Chunks, "durationUs", result.Duration)
	return nil
}

func (s *SyncEngine) bulkDelete(ctx context.Context, spec *esbind.TypeSpec, index string, ids []int64) (*esbind.BulkResult, error) {
	result := &esbind.BulkResult{}
	for i, chunk := range esbind.ChunkIDs(ids, s.chunkSize) {
		ops := make([]esbind.BulkOperation, len(chunk))
		for j, id := range chunk {
			ops[j] = esbind.BulkOperation{Type: esbind.BulkDelete, ID: id}
		}
		items, err := s.sendBulk(ctx, spec, index, ops)
		if err != nil {
			return result, &chunkError{chunk: i + 1, err: err}
		}
		chunkResult := &esbind.BulkResult{Chunks: 1}
		collectItems(chunkResult, items)
		result.Merge(chunkResult)
	}
	return result, nil
}

// chunkError marks the 1-based chunk a bulk stream stopped at.
type chunkError struct {
	chunk int
	err   error
}

func (e *chunkError) Error() string { return fmt.Sprintf("chunk %d: %v", e.chunk, e.err) }

func (e *chunkError) Unwrap() error { return e.err }

type preparedChunk struct {
	number   int
	ops      []esbind.BulkOperation
	failures []esbind.ItemFailure
}

// streamUpserts encodes chunks from source on one goroutine while the previous chunk's bulk
// request runs on another. Bulk requests are issued in source order. Per-item failures are
// collected in the result; a failed request, a resolver error or cancellation stops the
// stream. afterChunk, if set, runs after each chunk's bulk request completes with that
// chunk's own result.
func (s *SyncEngine) streamUpserts(
	ctx context.Context,
	spec *esbind.TypeSpec,
	index string,
	source esbind.RecordSource,
	chunkSize int,
	afterChunk func(number int, result *esbind.BulkResult),
) (*esbind.BulkResult, error) {
	result := &esbind.BulkResult{}
	prepared := make(chan preparedChunk, 1)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(prepared)
		number := 0
		err := source.ForEachChunk(gctx, chunkSize, func(records []esbind.Record) error {
			number++
			pc, err := s.prepareUpserts(gctx, spec, records)
			if err != nil {
				return &chunkError{chunk: number, err: err}
			}
			pc.number = number
			select {
			case prepared <- pc:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		var ce *chunkError
		if err != nil && !errors.As(err, &ce) && gctx.Err() == nil {
			return &chunkError{chunk: number + 1, err: fmt.Errorf("read records: %w", err)}
		}
		return err
	})

	g.Go(func() error {
		for pc := range prepared {
			if err := gctx.Err(); err != nil {
				return &chunkError{chunk: pc.number, err: err}
			}
			chunk := &esbind.BulkResult{Failed: pc.failures, Chunks: 1}
			if len(pc.ops) > 0 {
				items, err := s.sendBulk(gctx, spec, index, pc.ops)
				if err != nil {
					result.Failed = append(result.Failed, pc.failures...)
					return &chunkError{chunk: pc.number, err: err}
				}
				collectItems(chunk, items)
			}
			result.Merge(chunk)
			if afterChunk != nil {
				afterChunk(pc.number, chunk)
			}
		}
		return nil
	})

	err := g.Wait()
	return result, err
}

// prepareUpserts encodes records and resolves their extra fields in one batch per resolver.
// Records that fail to encode become item failures.
func (s *SyncEngine) prepareUpserts(ctx context.Context, spec *esbind.TypeSpec, records []esbind.Record) (preparedChunk, error) {
	var pc preparedChunk
	docs := make([]esbind.Document, 0, len(records))
	for _, record := range records {
		doc, err := EncodeRecord(spec, record)
		if err != nil {
			var id int64
			if record != nil {
				id = record.ID()
			}
			pc.failures = append(pc.failures, esbind.ItemFailure{
				ID:        id,
				Operation: string(esbind.BulkIndex),
				Type:      esbind.ErrorCode(err),
				Reason:    err.Error(),
			})
			continue
		}
		docs = append(docs, doc)
	}

	ids := make([]int64, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	batch, err := ResolveExtraFields(ctx, spec, ids)
	if err != nil {
		return pc, err
	}
	MergeExtraFields(docs, batch)

	pc.ops = make([]esbind.BulkOperation, len(docs))
	for i, doc := range docs {
		pc.ops[i] = esbind.BulkOperation{Type: esbind.BulkIndex, ID: doc.ID, Document: doc.Fields}
	}
	return pc, nil
}

func (s *SyncEngine) sendBulk(ctx context.Context, spec *esbind.TypeSpec, index string, ops []esbind.BulkOperation) ([]esbind.BulkItemResult, error) {
	start := time.Now()
	// Writes through the write alias must never auto-create an index under its name.
	items, err := s.engine.Bulk(ctx, index, index == Identity(spec).WriteAlias, ops)
	observeBulkRequest(spec.Name(), string(ops[0].Type), start)
	if err != nil {
		return nil, err
	}
	if len(items) != len(ops) {
		return nil, fmt.Errorf("bulk response has %d items for %d operations", len(items), len(ops))
	}
	return items, nil
}

// collectItems sorts bulk items into successes and failures. Deleting a missing document
// counts as success.
func collectItems(result *esbind.BulkResult, items []esbind.BulkItemResult) {
	for _, item := range items {
		if item.Type == esbind.BulkDelete && item.Status == 404 {
			result.Succeeded = append(result.Succeeded, item.ID)
			continue
		}
		if item.Failed() {
			result.Failed = append(result.Failed, esbind.ItemFailure{
				ID:        item.ID,
				Operation: string(item.Type),
				Status:    item.Status,
				Type:      item.ErrorType,
				Reason:    item.Reason,
			})
			continue
		}
		result.Succeeded = append(result.Succeeded, item.ID)
	}
}

// loaderSource turns a list of ids into a RecordSource backed by a RecordLoader. Ids the
// loader does not return are remembered as missing.
type loaderSource struct {
	loader  esbind.RecordLoader
	spec    *esbind.TypeSpec
	ids     []int64
	missing []esbind.ItemFailure
}

func (l *loaderSource) ForEachChunk(ctx context.Context, chunkSize int, fn func([]esbind.Record) error) error {
	for _, chunk := range esbind.ChunkIDs(l.ids, chunkSize) {
		records, err := l.loader.LoadRecords(ctx, l.spec, chunk)
		if err != nil {
			return esbind.NewSyncError(esbind.ErrCodeLoadFailed, "failed to load records", err).WithType(l.spec.Name())
		}
		found := make(map[int64]struct{}, len(records))
		for _, r := range records {
			found[r.ID()] = struct{}{}
		}
		for _, id := range chunk {
			if _, ok := found[id]; !ok {
				l.missing = append(l.missing, esbind.ItemFailure{
					ID:        id,
					Operation: string(esbind.BulkIndex),
					Status:    404,
					Type:      esbind.ErrCodeRecordNotFound,
					Reason:    "record does not exist in the relational store",
				})
			}
		}
		if len(records) == 0 {
			continue
		}
		if err := fn(records); err != nil {
			return err
		}
	}
	return nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
