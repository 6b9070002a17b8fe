package internal

import (
	"context"
	"fmt"

	"github.com/lychee-technology/esbind"
	"go.uber.org/zap"
)

// ResolveExtraFields runs every resolver of spec once for the whole id batch and casts the
// results. Ids a resolver has no value for are left out of the batch.
func ResolveExtraFields(ctx context.Context, spec *esbind.TypeSpec, ids []int64) (esbind.ExtraFieldBatch, error) {
	batch := make(esbind.ExtraFieldBatch)
	if len(spec.Resolvers) == 0 || len(ids) == 0 {
		return batch, nil
	}

	requested := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		requested[id] = struct{}{}
	}

	for _, resolver := range spec.Resolvers {
		field := resolver.FieldName()
		values, err := resolver.ResolveMany(ctx, ids)
		if err != nil {
			return nil, esbind.NewResolverError(esbind.ErrCodeResolveFailed, "extra field resolver failed").
				WithType(spec.Name()).WithField(field).WithCause(err)
		}

		for id, raw := range values {
			if _, ok := requested[id]; !ok {
				return nil, esbind.NewResolverError(esbind.ErrCodeStrayID,
					fmt.Sprintf("resolver returned id %d which was not requested", id)).
					WithType(spec.Name()).WithField(field).WithDocument(id)
			}
			value, err := CastValue(raw, spec.Cast)
			if err != nil {
				return nil, annotateEncodingError(err, spec, id, field)
			}
			fields, ok := batch[id]
			if !ok {
				fields = make(map[string]any, len(spec.Resolvers))
				batch[id] = fields
			}
			fields[field] = value
		}

		zap.S().Debugw("resolved extra field", "type", spec.Name(), "field", field,
			"requested", len(ids), "resolved", len(values))
	}
	return batch, nil
}

// MergeExtraFields copies resolved extra fields into docs. Extra fields overwrite cached
// fields of the same name, which registration already rules out.
func MergeExtraFields(docs []esbind.Document, batch esbind.ExtraFieldBatch) {
	if len(batch) == 0 {
		return
	}
	for i := range docs {
		for field, value := range batch[docs[i].ID] {
			docs[i].Fields[field] = value
		}
	}
}
