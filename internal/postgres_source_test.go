package internal

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/lychee-technology/esbind"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tableType struct {
	*testType
	table string
	key   string
}

func (t tableType) TableName() string { return t.table }
func (t tableType) KeyColumn() string { return t.key }

func authorTableSpec(t *testing.T, key string) *esbind.TypeSpec {
	t.Helper()
	spec, err := esbind.ResolveType(tableType{testType: authorType(), table: "authors", key: key})
	require.NoError(t, err)
	return spec
}

func TestPostgresRecordSource_KeysetPagination(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	columns := []string{"id", "name", "owner"}
	mock.ExpectQuery(`SELECT \* FROM "authors" WHERE "id" > \$1 AND \(owner = \$2\) ORDER BY "id" LIMIT 2`).
		WithArgs(int64(math.MinInt64), int64(7)).
		WillReturnRows(pgxmock.NewRows(columns).AddRow(int64(1), "Ada", int64(7)).AddRow(int64(4), "Grace", int64(7)))
	mock.ExpectQuery(`SELECT \* FROM "authors"`).
		WithArgs(int64(4), int64(7)).
		WillReturnRows(pgxmock.NewRows(columns).AddRow(int64(9), "Edsger", int64(7)))

	source := NewPostgresRecordSource(mock, authorTableSpec(t, ""), "owner = $2", int64(7))
	var pages [][]int64
	err = source.ForEachChunk(ctx, 2, func(records []esbind.Record) error {
		ids := make([]int64, len(records))
		for i, r := range records {
			ids[i] = r.ID()
		}
		pages = append(pages, ids)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{1, 4}, {9}}, pages)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordSource_StopsOnEmptyPage(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	columns := []string{"author_id", "name", "owner"}
	mock.ExpectQuery(`SELECT \* FROM "authors" WHERE "author_id" > \$1 ORDER BY "author_id" LIMIT 1`).
		WithArgs(int64(math.MinInt64)).
		WillReturnRows(pgxmock.NewRows(columns).AddRow(int32(3), "Ada", nil))
	mock.ExpectQuery(`SELECT \* FROM "authors"`).
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows(columns))

	var seen []esbind.Record
	err = NewPostgresRecordSource(mock, authorTableSpec(t, "author_id"), "").
		ForEachChunk(context.Background(), 1, func(records []esbind.Record) error {
			seen = append(seen, records...)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	name, ok := seen[0].Value("name")
	assert.True(t, ok)
	assert.Equal(t, "Ada", name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordSource_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("query failure", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		mock.ExpectQuery(`SELECT \* FROM "authors"`).
			WithArgs(int64(math.MinInt64)).
			WillReturnError(errBoom)

		err = NewPostgresRecordSource(mock, authorTableSpec(t, ""), "").
			ForEachChunk(ctx, 10, func([]esbind.Record) error { return nil })
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("callback error stops the stream", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		mock.ExpectQuery(`SELECT \* FROM "authors"`).
			WithArgs(int64(math.MinInt64)).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))

		stop := errors.New("stop")
		err = NewPostgresRecordSource(mock, authorTableSpec(t, ""), "").
			ForEachChunk(ctx, 2, func([]esbind.Record) error { return stop })
		assert.ErrorIs(t, err, stop)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-integer key", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		mock.ExpectQuery(`SELECT \* FROM "authors"`).
			WithArgs(int64(math.MinInt64)).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("abc"))

		err = NewPostgresRecordSource(mock, authorTableSpec(t, ""), "").
			ForEachChunk(ctx, 2, func([]esbind.Record) error { return nil })
		assert.ErrorContains(t, err, "non-integer")
	})

	t.Run("type without a table", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		err = NewPostgresRecordSource(mock, resolveSpec(t, authorType()), "").
			ForEachChunk(ctx, 2, func([]esbind.Record) error { return nil })
		assert.Equal(t, esbind.ErrCodeInvalidType, esbind.ErrorCode(err))
	})
}

func TestPostgresRecordLoader(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ids := []int64{9, 1, 404}
	mock.ExpectQuery(`SELECT \* FROM "authors" WHERE "id" = ANY\(\$1::bigint\[\]\) ORDER BY array_position`).
		WithArgs(ids).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "owner"}).
			AddRow(int64(9), "Edsger", int64(7)).
			AddRow(int64(1), "Ada", nil))

	records, err := NewPostgresRecordLoader(mock).LoadRecords(ctx, authorTableSpec(t, ""), ids)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(9), records[0].ID())
	assert.Equal(t, int64(1), records[1].ID())

	none, err := NewPostgresRecordLoader(mock).LoadRecords(ctx, authorTableSpec(t, ""), nil)
	require.NoError(t, err)
	assert.Empty(t, none)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordLoader_References(t *testing.T) {
	file, err := esbind.ParseTypesFile([]byte(`
types:
  - name: Author
    table: authors
    fields: [name, owner]
    references: [owner]
`))
	require.NoError(t, err)
	spec, err := esbind.ResolveType(file.Types[0])
	require.NoError(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.ExpectQuery(`SELECT \* FROM "authors" WHERE "id" = ANY`).
		WithArgs([]int64{42, 43}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "owner"}).
			AddRow(int64(42), "Ada", int64(7)).
			AddRow(int64(43), "Grace", nil))

	records, err := NewPostgresRecordLoader(mock).LoadRecords(context.Background(), spec, []int64{42, 43})
	require.NoError(t, err)
	require.Len(t, records, 2)

	doc, err := EncodeRecord(spec, records[0])
	require.NoError(t, err)
	assert.Equal(t, int64(42), doc.ID)
	assert.Equal(t, map[string]any{"name": "Ada", "owner": int64(7)}, doc.Fields)

	doc, err = EncodeRecord(spec, records[1])
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Grace", "owner": nil}, doc.Fields)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordLoader_NonIntegerReference(t *testing.T) {
	spec, err := esbind.ResolveType(&esbind.TypeConfig{
		Name: "Author", Table: "authors", Key: "id", Fields: []string{"owner"}, References: []string{"owner"},
	})
	require.NoError(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.ExpectQuery(`SELECT \* FROM "authors"`).
		WithArgs([]int64{1}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "owner"}).AddRow(int64(1), "seven"))

	_, err = NewPostgresRecordLoader(mock).LoadRecords(context.Background(), spec, []int64{1})
	assert.ErrorContains(t, err, `reference column "owner"`)
}

func TestPostgresValueResolver(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	query := "SELECT author_id, count(*) FROM books WHERE author_id = ANY($1) GROUP BY author_id"
	ids := []int64{1, 2, 3}
	mock.ExpectQuery(`SELECT author_id, count\(\*\) FROM books`).
		WithArgs(ids).
		WillReturnRows(pgxmock.NewRows([]string{"author_id", "count"}).
			AddRow(int32(1), int64(4)).
			AddRow(int32(3), int64(1)))

	resolver := NewPostgresValueResolver(mock, "book_count", query)
	assert.Equal(t, "book_count", resolver.FieldName())

	values, err := resolver.ResolveMany(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, map[int64]any{1: int64(4), 3: int64(1)}, values)

	empty, err := resolver.ResolveMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresValueResolver_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("single column", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		mock.ExpectQuery(`SELECT`).
			WithArgs([]int64{1}).
			WillReturnRows(pgxmock.NewRows([]string{"author_id"}).AddRow(int64(1)))

		_, err = NewPostgresValueResolver(mock, "book_count", "SELECT author_id FROM books").ResolveMany(ctx, []int64{1})
		assert.ErrorContains(t, err, "got 1 column(s)")
	})

	t.Run("query failure feeds the resolver error", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		mock.ExpectQuery(`SELECT`).
			WithArgs([]int64{1}).
			WillReturnError(errBoom)

		resolver := NewPostgresValueResolver(mock, "book_count", "SELECT author_id, 1 FROM books")
		spec := resolveSpec(t, authorType(resolver))
		_, err = ResolveExtraFields(ctx, spec, []int64{1})
		assert.True(t, esbind.IsResolverError(err))
		assert.ErrorIs(t, err, errBoom)
	})
}
