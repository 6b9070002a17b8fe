package internal

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/lychee-technology/esbind"
	"go.uber.org/zap"
)

// IndexLifecycle creates physical indices and moves the read and write aliases between them.
// State is never cached: every operation reads the alias bindings from the search engine.
type IndexLifecycle struct {
	engine esbind.SearchEngine
	sync   *SyncEngine
}

// NewIndexLifecycle creates a lifecycle manager that streams rebuilds through sync.
func NewIndexLifecycle(engine esbind.SearchEngine, sync *SyncEngine) *IndexLifecycle {
	return &IndexLifecycle{engine: engine, sync: sync}
}

// Status reads the current alias bindings of spec and derives its state.
func (m *IndexLifecycle) Status(ctx context.Context, spec *esbind.TypeSpec) (*esbind.IndexStatus, error) {
	id := Identity(spec)
	read, err := m.aliasIndices(ctx, spec, id.ReadAlias)
	if err != nil {
		return nil, err
	}
	write, err := m.aliasIndices(ctx, spec, id.WriteAlias)
	if err != nil {
		return nil, err
	}

	status := &esbind.IndexStatus{
		State:        deriveState(read, write),
		Identity:     id,
		ReadIndices:  read,
		WriteIndices: write,
	}
	if len(write) > 1 {
		zap.S().Warnw("write alias is bound to more than one index", "type", spec.Name(),
			"alias", id.WriteAlias, "indices", write)
	}
	return status, nil
}

func (m *IndexLifecycle) aliasIndices(ctx context.Context, spec *esbind.TypeSpec, alias string) ([]string, error) {
	indices, err := m.engine.AliasIndices(ctx, alias)
	if err != nil {
		return nil, esbind.NewLifecycleError(esbind.ErrCodeAliasLookupFailed, "failed to read alias bindings", err).
			WithType(spec.Name()).WithDetail("alias", alias)
	}
	indices = slices.Clone(indices)
	slices.Sort(indices)
	return indices, nil
}

func deriveState(read, write []string) esbind.IndexState {
	switch {
	case len(read) == 0 && len(write) == 0:
		return esbind.IndexStateUninitialized
	case len(read) == 0 || len(write) == 0:
		return esbind.IndexStatePartial
	case slices.Equal(read, write) && len(read) == 1:
		return esbind.IndexStateSteady
	default:
		return esbind.IndexStateRebuilding
	}
}

// Initialize creates the first index of spec and binds both aliases to it. It does nothing
// for a type that is already initialized, and binds the missing alias of a partially bound
// type. Concurrent callers converge on the same index: its name is derived from the base
// name and an existing index counts as success.
func (m *IndexLifecycle) Initialize(ctx context.Context, spec *esbind.TypeSpec) error {
	status, err := m.Status(ctx, spec)
	if err != nil {
		return err
	}
	switch status.State {
	case esbind.IndexStateSteady, esbind.IndexStateRebuilding:
		zap.S().Debugw("index already initialized", "type", spec.Name(), "state", status.State)
		return nil
	case esbind.IndexStatePartial:
		return m.repairPartial(ctx, spec, status)
	}

	id := status.Identity
	index := BootstrapIndexName(id.BaseName)
	err = m.engine.CreateIndex(ctx, index, spec.Mapping)
	switch {
	case errors.Is(err, esbind.ErrIndexAlreadyExists):
		zap.S().Debugw("bootstrap index already exists", "type", spec.Name(), "index", index)
	case err != nil:
		return esbind.NewLifecycleError(esbind.ErrCodeCreateIndexFailed, "failed to create index", err).
			WithType(spec.Name()).WithDetail("index", index)
	default:
		zap.S().Infow("created index", "type", spec.Name(), "index", index)
	}

	// Another process may have bound the aliases while the index was being created.
	status, err = m.Status(ctx, spec)
	if err != nil {
		return err
	}
	switch status.State {
	case esbind.IndexStateSteady, esbind.IndexStateRebuilding:
		return nil
	case esbind.IndexStatePartial:
		return m.repairPartial(ctx, spec, status)
	}

	actions := []esbind.AliasAction{
		{Op: esbind.AliasAdd, Index: index, Alias: id.ReadAlias},
		{Op: esbind.AliasAdd, Index: index, Alias: id.WriteAlias},
	}
	if err := m.engine.UpdateAliases(ctx, actions); err != nil {
		return esbind.NewLifecycleError(esbind.ErrCodeAliasUpdateFailed, "failed to bind aliases", err).
			WithType(spec.Name()).WithDetail("index", index)
	}
	recordTransition(spec.Name(), "initialize")
	zap.S().Infow("index initialized", "type", spec.Name(), "index", index,
		"readAlias", id.ReadAlias, "writeAlias", id.WriteAlias)
	return nil
}

func (m *IndexLifecycle) repairPartial(ctx context.Context, spec *esbind.TypeSpec, status *esbind.IndexStatus) error {
	id := status.Identity
	var index, alias string
	if len(status.ReadIndices) == 0 {
		index, alias = status.WriteIndex(), id.ReadAlias
	} else {
		index, alias = status.ReadIndex(), id.WriteAlias
	}
	zap.S().Warnw("binding missing alias", "type", spec.Name(), "alias", alias, "index", index)
	if err := m.BindAlias(ctx, index, alias); err != nil {
		return err
	}
	recordTransition(spec.Name(), "repair")
	return nil
}

// BindAlias points alias at index alone, in one atomic update.
func (m *IndexLifecycle) BindAlias(ctx context.Context, index, alias string) error {
	current, err := m.engine.AliasIndices(ctx, alias)
	if err != nil {
		return esbind.NewLifecycleError(esbind.ErrCodeAliasLookupFailed, "failed to read alias bindings", err).
			WithDetail("alias", alias)
	}
	if len(current) == 1 && current[0] == index {
		return nil
	}

	actions := make([]esbind.AliasAction, 0, len(current)+1)
	for _, old := range current {
		if old != index {
			actions = append(actions, esbind.AliasAction{Op: esbind.AliasRemove, Index: old, Alias: alias})
		}
	}
	actions = append(actions, esbind.AliasAction{Op: esbind.AliasAdd, Index: index, Alias: alias})
	if err := m.engine.UpdateAliases(ctx, actions); err != nil {
		return esbind.NewLifecycleError(esbind.ErrCodeAliasUpdateFailed, "failed to move alias", err).
			WithDetail("alias", alias).WithDetail("index", index)
	}
	zap.S().Infow("alias moved", "alias", alias, "index", index, "previous", current)
	return nil
}

// DeleteIndex removes a physical index.
func (m *IndexLifecycle) DeleteIndex(ctx context.Context, index string) error {
	if err := m.engine.DeleteIndex(ctx, index); err != nil {
		return esbind.NewLifecycleError(esbind.ErrCodeDeleteIndexFailed, "failed to delete index", err).
			WithDetail("index", index)
	}
	zap.S().Infow("index deleted", "index", index)
	return nil
}

// Rebuild creates a new index, moves the write alias to it, streams source into it, then
// moves the read alias and deletes the previous read index.
//
// Live writes issued after the write alias moves land in the new index. A record changed
// after the source read it but before its bulk write is indexed reflects whichever write
// reaches the search engine last.
//
// If streaming fails the write alias stays on the new index, the read alias stays where it
// was and the new index is kept. The returned *esbind.RebuildAborted names both indices and
// the failing chunk; calling Rebuild again starts over with a fresh index.
func (m *IndexLifecycle) Rebuild(ctx context.Context, spec *esbind.TypeSpec, source esbind.RecordSource, opts esbind.RebuildOptions) (*esbind.RebuildResult, error) {
	start := time.Now()
	status, err := m.Status(ctx, spec)
	if err != nil {
		return nil, err
	}
	id := status.Identity
	oldIndex := status.ReadIndex()
	if status.State == esbind.IndexStateRebuilding {
		zap.S().Warnw("write alias points at an unfinished index from an earlier rebuild; leaving it in place",
			"type", spec.Name(), "index", status.WriteIndex())
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = m.sync.ChunkSize()
	}

	newIndex := NewIndexName(id.BaseName)
	aborted := func(state esbind.IndexState, cause error) *esbind.RebuildAborted {
		observeRebuild(spec.Name(), outcomeAborted, start)
		return &esbind.RebuildAborted{
			TrackedType: spec.Name(),
			OldIndex:    oldIndex,
			NewIndex:    newIndex,
			State:       state,
			Cause:       cause,
		}
	}

	if err := m.engine.CreateIndex(ctx, newIndex, spec.Mapping); err != nil {
		return nil, aborted(status.State, esbind.NewLifecycleError(esbind.ErrCodeCreateIndexFailed,
			"failed to create index", err).WithType(spec.Name()).WithDetail("index", newIndex))
	}
	zap.S().Infow("rebuild started", "type", spec.Name(), "index", newIndex, "readIndex", oldIndex, "chunkSize", chunkSize)

	if err := m.BindAlias(ctx, newIndex, id.WriteAlias); err != nil {
		return nil, aborted(status.State, err)
	}
	recordTransition(spec.Name(), "write_cutover")

	// Until the read alias moves, an empty read side means the type was never initialized.
	midState := esbind.IndexStateRebuilding
	if oldIndex == "" {
		midState = esbind.IndexStatePartial
	}

	result, err := m.sync.streamUpserts(ctx, spec, newIndex, source, chunkSize,
		func(number int, r *esbind.BulkResult) {
			recordRebuildChunk(spec.Name())
			zap.S().Debugw("rebuild chunk indexed", "type", spec.Name(), "index", newIndex,
				"chunk", number, "indexed", len(r.Succeeded), "failed", len(r.Failed))
		})
	recordBulkItems(spec.Name(), opBulkUpsert, len(result.Succeeded), len(result.Failed))
	if err != nil {
		abort := aborted(midState, err)
		abort.Failures = result.Failed
		var ce *chunkError
		if errors.As(err, &ce) {
			abort.FailedChunk = ce.chunk
			abort.Cause = ce.err
		}
		zap.S().Errorw("rebuild aborted", "type", spec.Name(), "index", newIndex,
			"chunk", abort.FailedChunk, "error", err)
		return nil, abort
	}
	if len(result.Failed) > 0 {
		abort := aborted(midState, &esbind.BulkPartialFailure{
			TrackedType: spec.Name(),
			Operation:   opBulkUpsert,
			Succeeded:   len(result.Succeeded),
			Failures:    result.Failed,
		})
		abort.Failures = result.Failed
		zap.S().Errorw("rebuild aborted by failed items", "type", spec.Name(), "index", newIndex,
			"failed", len(result.Failed))
		return nil, abort
	}

	if err := m.engine.Refresh(ctx, newIndex); err != nil {
		return nil, aborted(midState, esbind.NewLifecycleError(esbind.ErrCodeRefreshFailed,
			"failed to refresh index", err).WithType(spec.Name()).WithDetail("index", newIndex))
	}
	if err := m.BindAlias(ctx, newIndex, id.ReadAlias); err != nil {
		return nil, aborted(midState, err)
	}
	recordTransition(spec.Name(), "read_cutover")

	rebuilt := &esbind.RebuildResult{
		OldIndex: oldIndex,
		NewIndex: newIndex,
		Chunks:   result.Chunks,
		Indexed:  len(result.Succeeded),
	}

	if !opts.KeepOldIndex {
		// Every index the read alias left behind goes, not only the first.
		var cleanupErr error
		for _, stale := range status.ReadIndices {
			if stale == newIndex {
				continue
			}
			if err := m.DeleteIndex(ctx, stale); err != nil {
				zap.S().Errorw("rebuild finished but an old index could not be deleted", "type", spec.Name(),
					"index", stale, "error", err)
				cleanupErr = errors.Join(cleanupErr, err)
			}
		}
		if cleanupErr != nil {
			rebuilt.Duration = time.Since(start)
			observeRebuild(spec.Name(), outcomeSuccess, start)
			return rebuilt, cleanupErr
		}
	}

	rebuilt.Duration = time.Since(start)
	observeRebuild(spec.Name(), outcomeSuccess, start)
	zap.S().Infow("rebuild finished", "type", spec.Name(), "index", newIndex, "previous", oldIndex,
		"chunks", rebuilt.Chunks, "indexed", rebuilt.Indexed, "duration", rebuilt.Duration)
	return rebuilt, nil
}
