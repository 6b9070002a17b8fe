package internal

import (
	"context"
	"fmt"

	"github.com/lychee-technology/esbind"
)

// PostgresValueResolver computes an extra field with one SQL statement per batch. The
// statement receives the ids as $1 (bigint[]) and returns (id, value) rows.
type PostgresValueResolver struct {
	db    Querier
	field string
	query string
}

var _ esbind.ExtraFieldResolver = (*PostgresValueResolver)(nil)

func NewPostgresValueResolver(db Querier, field, query string) *PostgresValueResolver {
	return &PostgresValueResolver{db: db, field: field, query: query}
}

func (r *PostgresValueResolver) FieldName() string {
	return r.field
}

func (r *PostgresValueResolver) ResolveMany(ctx context.Context, ids []int64) (map[int64]any, error) {
	out := make(map[int64]any, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := r.db.Query(ctx, r.query, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", r.field, err)
	}
	defer rows.Close()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", r.field, err)
		}
		if len(values) < 2 {
			return nil, fmt.Errorf("resolve %s: query must return (id, value), got %d column(s)", r.field, len(values))
		}
		id, ok := toInt64(values[0])
		if !ok {
			return nil, fmt.Errorf("resolve %s: non-integer id %v (%T)", r.field, values[0], values[0])
		}
		out[id] = values[1]
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", r.field, err)
	}
	return out, nil
}
