package internal

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/esbind"
	"go.uber.org/zap"
)

// Querier is the part of pgxpool.Pool the Postgres adapters need.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRecordSource streams a type's table in primary key order using keyset pagination.
type PostgresRecordSource struct {
	db     Querier
	spec   *esbind.TypeSpec
	filter string
	args   []any
}

var _ esbind.RecordSource = (*PostgresRecordSource)(nil)

// NewPostgresRecordSource creates a source over spec's table. filter is an optional SQL
// boolean expression ANDed into the WHERE clause; its placeholders start at $2 and are bound
// to args.
func NewPostgresRecordSource(db Querier, spec *esbind.TypeSpec, filter string, args ...any) *PostgresRecordSource {
	return &PostgresRecordSource{db: db, spec: spec, filter: filter, args: args}
}

func (s *PostgresRecordSource) ForEachChunk(ctx context.Context, chunkSize int, fn func([]esbind.Record) error) error {
	if chunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	table, key, err := tableBinding(s.spec)
	if err != nil {
		return err
	}

	where := fmt.Sprintf("%s > $1", sanitizeIdentifier(key))
	if s.filter != "" {
		where += " AND (" + s.filter + ")"
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY %s LIMIT %d",
		sanitizeIdentifier(table), where, sanitizeIdentifier(key), chunkSize)

	last := int64(math.MinInt64)
	for page := 1; ; page++ {
		args := append([]any{last}, s.args...)
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query %s page %d: %w", table, page, err)
		}
		records, err := collectRecords(rows, key, s.spec.References)
		if err != nil {
			return fmt.Errorf("read %s page %d: %w", table, page, err)
		}
		if len(records) == 0 {
			return nil
		}
		zap.S().Debugw("read record page", "type", s.spec.Name(), "table", table, "page", page, "records", len(records))
		if err := fn(records); err != nil {
			return err
		}
		if len(records) < chunkSize {
			return nil
		}
		last = records[len(records)-1].ID()
	}
}

// PostgresRecordLoader loads records of a type by primary key.
type PostgresRecordLoader struct {
	db Querier
}

var _ esbind.RecordLoader = (*PostgresRecordLoader)(nil)

func NewPostgresRecordLoader(db Querier) *PostgresRecordLoader {
	return &PostgresRecordLoader{db: db}
}

// LoadRecords returns the rows for ids in the order of ids. Missing ids are skipped.
func (l *PostgresRecordLoader) LoadRecords(ctx context.Context, spec *esbind.TypeSpec, ids []int64) ([]esbind.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	table, key, err := tableBinding(spec)
	if err != nil {
		return nil, err
	}
	col := sanitizeIdentifier(key)
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ANY($1::bigint[]) ORDER BY array_position($1::bigint[], %s::bigint)",
		sanitizeIdentifier(table), col, col)

	rows, err := l.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("load %s records: %w", table, err)
	}
	records, err := collectRecords(rows, key, spec.References)
	if err != nil {
		return nil, fmt.Errorf("load %s records: %w", table, err)
	}
	return records, nil
}

func tableBinding(spec *esbind.TypeSpec) (table, key string, err error) {
	if spec.Table == "" {
		return "", "", esbind.NewError(esbind.ErrorTypeConfig, esbind.ErrCodeInvalidType,
			"tracked type has no table binding").WithType(spec.Name())
	}
	key = spec.KeyColumn
	if key == "" {
		key = "id"
	}
	return spec.Table, key, nil
}

// collectRecords reads every row into a MapRecord keyed by column name and closes rows.
// Non-null values of refs columns become esbind.Ref.
func collectRecords(rows pgx.Rows, key string, refs []string) ([]esbind.Record, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var records []esbind.Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			if i < len(values) {
				row[fd.Name] = values[i]
			}
		}
		pk, ok := toInt64(row[key])
		if !ok {
			return nil, fmt.Errorf("key column %q has non-integer value %v (%T)", key, row[key], row[key])
		}
		for _, ref := range refs {
			v, present := row[ref]
			if !present || v == nil {
				continue
			}
			id, ok := toInt64(v)
			if !ok {
				return nil, fmt.Errorf("reference column %q has non-integer value %v (%T)", ref, v, v)
			}
			row[ref] = esbind.Ref(id)
		}
		records = append(records, esbind.MapRecord{PK: pk, Fields: row})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
