package internal

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/lychee-technology/esbind"
)

// fakeEngine is an in-memory esbind.SearchEngine with alias semantics close enough to
// Elasticsearch for lifecycle tests. Hooks run without the lock held.
type fakeEngine struct {
	mu      sync.Mutex
	indices map[string]map[int64]map[string]any
	aliases map[string][]string

	created      []string
	deleted      []string
	refreshed    []string
	aliasUpdates [][]esbind.AliasAction
	bulkSizes    []int
	bulkTargets  []string
	bulkAliased  []bool
	lastSearch   map[string]any

	createIndexErr func(index string) error
	bulkErr        func(call int, ops []esbind.BulkOperation) error
	itemStatus     func(op esbind.BulkOperation) (int, string)
	afterBulk      func(call int)
	updateAliasErr error
	deleteIndexErr error
	searchErr      error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		indices: make(map[string]map[int64]map[string]any),
		aliases: make(map[string][]string),
	}
}

func (f *fakeEngine) resolveLocked(name string) []string {
	if _, ok := f.indices[name]; ok {
		return []string{name}
	}
	return slices.Clone(f.aliases[name])
}

func (f *fakeEngine) writeTargetLocked(name string) (string, error) {
	targets := f.resolveLocked(name)
	switch len(targets) {
	case 0:
		return "", fmt.Errorf("no such index [%s]: %w", name, esbind.ErrNotFound)
	case 1:
		return targets[0], nil
	default:
		return "", fmt.Errorf("alias [%s] has more than one index associated with it", name)
	}
}

func (f *fakeEngine) CreateIndex(_ context.Context, index string, _ map[string]any) error {
	if f.createIndexErr != nil {
		if err := f.createIndexErr(index); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.indices[index]; ok {
		return fmt.Errorf("create index %s: %w", index, esbind.ErrIndexAlreadyExists)
	}
	if _, ok := f.aliases[index]; ok {
		return fmt.Errorf("create index %s: name is an alias", index)
	}
	f.indices[index] = make(map[int64]map[string]any)
	f.created = append(f.created, index)
	return nil
}

func (f *fakeEngine) DeleteIndex(_ context.Context, index string) error {
	if f.deleteIndexErr != nil {
		return f.deleteIndexErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.indices[index]; !ok {
		return fmt.Errorf("delete index %s: %w", index, esbind.ErrNotFound)
	}
	delete(f.indices, index)
	for alias, bound := range f.aliases {
		f.aliases[alias] = slices.DeleteFunc(bound, func(i string) bool { return i == index })
		if len(f.aliases[alias]) == 0 {
			delete(f.aliases, alias)
		}
	}
	f.deleted = append(f.deleted, index)
	return nil
}

func (f *fakeEngine) AliasIndices(_ context.Context, alias string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := slices.Clone(f.aliases[alias])
	sort.Strings(out)
	return out, nil
}

func (f *fakeEngine) UpdateAliases(_ context.Context, actions []esbind.AliasAction) error {
	if f.updateAliasErr != nil {
		return f.updateAliasErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range actions {
		if _, ok := f.indices[a.Index]; !ok {
			return fmt.Errorf("update aliases: no such index [%s]", a.Index)
		}
		if a.Op == esbind.AliasRemove && !slices.Contains(f.aliases[a.Alias], a.Index) {
			return fmt.Errorf("update aliases: alias [%s] missing on [%s]", a.Alias, a.Index)
		}
	}
	for _, a := range actions {
		switch a.Op {
		case esbind.AliasAdd:
			if !slices.Contains(f.aliases[a.Alias], a.Index) {
				f.aliases[a.Alias] = append(f.aliases[a.Alias], a.Index)
			}
		case esbind.AliasRemove:
			f.aliases[a.Alias] = slices.DeleteFunc(f.aliases[a.Alias], func(i string) bool { return i == a.Index })
			if len(f.aliases[a.Alias]) == 0 {
				delete(f.aliases, a.Alias)
			}
		}
	}
	f.aliasUpdates = append(f.aliasUpdates, slices.Clone(actions))
	return nil
}

func (f *fakeEngine) Refresh(_ context.Context, index string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.resolveLocked(index)) == 0 {
		return fmt.Errorf("refresh %s: %w", index, esbind.ErrNotFound)
	}
	f.refreshed = append(f.refreshed, index)
	return nil
}

func (f *fakeEngine) IndexDocument(_ context.Context, index string, id int64, doc map[string]any, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.aliases[index]; !ok {
		return fmt.Errorf("no such index [%s] and [require_alias] is true: %w", index, esbind.ErrNotFound)
	}
	target, err := f.writeTargetLocked(index)
	if err != nil {
		return err
	}
	f.indices[target][id] = maps.Clone(doc)
	return nil
}

func (f *fakeEngine) DeleteDocument(_ context.Context, index string, id int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target, err := f.writeTargetLocked(index)
	if err != nil {
		return err
	}
	if _, ok := f.indices[target][id]; !ok {
		return fmt.Errorf("delete document %d: %w", id, esbind.ErrNotFound)
	}
	delete(f.indices[target], id)
	return nil
}

func (f *fakeEngine) Bulk(_ context.Context, index string, requireAlias bool, ops []esbind.BulkOperation) ([]esbind.BulkItemResult, error) {
	f.mu.Lock()
	f.bulkSizes = append(f.bulkSizes, len(ops))
	f.bulkTargets = append(f.bulkTargets, index)
	f.bulkAliased = append(f.bulkAliased, requireAlias)
	call := len(f.bulkSizes)
	f.mu.Unlock()

	if f.bulkErr != nil {
		if err := f.bulkErr(call, ops); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	if _, ok := f.aliases[index]; requireAlias && !ok {
		f.mu.Unlock()
		results := make([]esbind.BulkItemResult, len(ops))
		for i, op := range ops {
			results[i] = esbind.BulkItemResult{ID: op.ID, Type: op.Type, Status: 404,
				ErrorType: "index_not_found_exception", Reason: "no such index [" + index + "]"}
		}
		return results, nil
	}
	target, err := f.writeTargetLocked(index)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	results := make([]esbind.BulkItemResult, len(ops))
	for i, op := range ops {
		res := esbind.BulkItemResult{ID: op.ID, Type: op.Type, Status: 200}
		if f.itemStatus != nil {
			if status, reason := f.itemStatus(op); status != 0 {
				res.Status, res.Reason, res.ErrorType = status, reason, "mapper_parsing_exception"
			}
		}
		if !res.Failed() {
			switch op.Type {
			case esbind.BulkIndex:
				res.Status = 201
				f.indices[target][op.ID] = maps.Clone(op.Document)
			case esbind.BulkDelete:
				if _, ok := f.indices[target][op.ID]; !ok {
					res.Status, res.Reason = 404, "not_found"
				}
				delete(f.indices[target], op.ID)
			}
		}
		results[i] = res
	}
	f.mu.Unlock()

	if f.afterBulk != nil {
		f.afterBulk(call)
	}
	return results, nil
}

func (f *fakeEngine) Search(_ context.Context, index string, body map[string]any) (*esbind.SearchResponse, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSearch = body
	targets := f.resolveLocked(index)
	if len(targets) == 0 {
		return nil, fmt.Errorf("search %s: %w", index, esbind.ErrNotFound)
	}

	query, _ := body["query"].(map[string]any)
	type hit struct {
		index string
		id    int64
		doc   map[string]any
	}
	var hits []hit
	for _, target := range targets {
		for id, doc := range f.indices[target] {
			if matchesQuery(query, doc) {
				hits = append(hits, hit{index: target, id: id, doc: doc})
			}
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].id < hits[j].id })
	if sortSpec, ok := body["sort"].([]any); ok && len(sortSpec) > 0 {
		field, desc, missingFirst := parseSort(sortSpec[0])
		sort.SliceStable(hits, func(i, j int) bool {
			a, aok := hits[i].doc[field]
			b, bok := hits[j].doc[field]
			if !aok || !bok {
				if aok == bok {
					return false
				}
				return bok == missingFirst
			}
			if desc {
				return fmt.Sprint(a) > fmt.Sprint(b)
			}
			return fmt.Sprint(a) < fmt.Sprint(b)
		})
	}

	total := int64(len(hits))
	from, _ := body["from"].(int)
	size := 10
	if s, ok := body["size"].(int); ok {
		size = s
	}
	from = min(from, len(hits))
	end := min(from+size, len(hits))

	res := &esbind.SearchResponse{Total: total}
	for _, h := range hits[from:end] {
		res.Hits = append(res.Hits, esbind.SearchHit{ID: strconv.FormatInt(h.id, 10), Index: h.index})
	}
	return res, nil
}

func matchesQuery(query map[string]any, doc map[string]any) bool {
	if query == nil {
		return true
	}
	for kind, arg := range query {
		switch kind {
		case "match_all":
			return true
		case "term", "match":
			for field, want := range arg.(map[string]any) {
				if fmt.Sprint(doc[field]) != fmt.Sprint(want) {
					return false
				}
			}
			return true
		}
	}
	return false
}

func parseSort(spec any) (field string, desc, missingFirst bool) {
	switch s := spec.(type) {
	case string:
		return s, false, false
	case map[string]any:
		for f, opts := range s {
			field = f
			if o, ok := opts.(map[string]any); ok {
				desc = o["order"] == "desc"
				missingFirst = o["missing"] == "_first"
			} else {
				desc = opts == "desc"
			}
		}
	}
	return field, desc, missingFirst
}

func (f *fakeEngine) MultiGet(_ context.Context, index string, ids []int64) ([]esbind.GetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target, err := f.writeTargetLocked(index)
	if err != nil {
		return nil, err
	}
	out := make([]esbind.GetResult, len(ids))
	for i, id := range ids {
		sid := strconv.FormatInt(id, 10)
		doc, ok := f.indices[target][id]
		out[i] = esbind.GetResult{ID: sid, Found: ok}
		if ok {
			out[i].Source = maps.Clone(doc)
			out[i].Raw = map[string]any{"_index": target, "_id": sid, "found": true, "_source": maps.Clone(doc)}
		}
	}
	return out, nil
}

// Test helpers.

func (f *fakeEngine) aliasTargets(alias string) []string {
	out, _ := f.AliasIndices(context.Background(), alias)
	return out
}

func (f *fakeEngine) hasIndex(index string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.indices[index]
	return ok
}

func (f *fakeEngine) doc(index string, id int64) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.resolveLocked(index)
	if len(target) != 1 {
		return nil, false
	}
	d, ok := f.indices[target[0]][id]
	return d, ok
}

func (f *fakeEngine) docCount(index string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.resolveLocked(index)
	if len(target) != 1 {
		return 0
	}
	return len(f.indices[target[0]])
}

func (f *fakeEngine) indexCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.indices)
}

var errBoom = errors.New("boom")
