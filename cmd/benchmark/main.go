package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/esbind"
	"github.com/lychee-technology/esbind/factory"
	"go.uber.org/zap"
)

type options struct {
	authorCount  int
	booksPer     int
	copyChunk    int
	syncChunk    int
	syncSample   int
	purge        bool
	skipSeed     bool
	seed         int64
	seedProvided bool
}

var firstNames = []string{"Ada", "Grace", "Alan", "Edsger", "Barbara", "Donald", "Ken", "Margaret", "Niklaus", "Frances"}

var genres = []string{"essay", "fiction", "history", "poetry", "reference", "science"}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Errorf("failed to set up logger: %w", err))
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	opts := parseFlags()
	ctx := context.Background()

	cfg := factory.ConfigFromEnv()
	cfg.Sync.ChunkSize = opts.syncChunk
	if cfg.Sync.MaxChunkSize < opts.syncChunk {
		cfg.Sync.MaxChunkSize = opts.syncChunk
	}

	pool, err := factory.NewPostgresPool(ctx, cfg.Database)
	if err != nil {
		sugar.Fatalf("failed to create connection pool: %v", err)
	}
	defer pool.Close()

	if !opts.skipSeed {
		if !opts.seedProvided {
			sugar.Infof("using random seed %d", opts.seed)
		}
		if err := seed(ctx, pool, opts); err != nil {
			sugar.Fatalf("failed to seed tables: %v", err)
		}
	}

	client, err := factory.NewElasticsearchClient(ctx, cfg.Elasticsearch)
	if err != nil {
		sugar.Fatalf("failed to create elasticsearch client: %v", err)
	}

	authors, books := benchmarkTypes()
	binder, err := factory.NewBinderWithConfig(ctx, cfg, pool, client, authors, books)
	if err != nil {
		sugar.Fatalf("failed to create binder: %v", err)
	}

	for _, t := range []*esbind.TypeConfig{authors, books} {
		spec, err := binder.Registry().Spec(t)
		if err != nil {
			sugar.Fatalf("type %s: %v", t.Name, err)
		}
		if err := binder.Initialize(ctx, t); err != nil {
			sugar.Fatalf("initialize %s: %v", spec.Name(), err)
		}

		result, err := binder.Rebuild(ctx, t, factory.NewRecordSource(pool, spec, ""), esbind.RebuildOptions{})
		if result == nil {
			sugar.Fatalf("rebuild %s: %v", spec.Name(), err)
		}
		if err != nil {
			sugar.Warnw("rebuild cleanup failed", "type", spec.Name(), "error", err)
		}
		sugar.Infow("rebuild finished",
			"type", spec.Name(),
			"indexed", result.Indexed,
			"chunks", result.Chunks,
			"duration", result.Duration,
			"docsPerSecond", rate(result.Indexed, result.Duration))
	}

	if opts.syncSample > 0 {
		random := rand.New(rand.NewSource(opts.seed))
		total := opts.authorCount * opts.booksPer
		ids := make([]int64, opts.syncSample)
		for i := range ids {
			ids[i] = int64(random.Intn(max(total, 1)) + 1)
		}

		start := time.Now()
		result, err := binder.BulkSync(ctx, books, ids, esbind.SyncModeUpsert)
		elapsed := time.Since(start)
		if err != nil && result == nil {
			sugar.Fatalf("bulk sync: %v", err)
		}
		sugar.Infow("bulk sync finished",
			"requested", len(ids),
			"succeeded", len(result.Succeeded),
			"failed", len(result.Failed),
			"chunks", result.Chunks,
			"duration", elapsed,
			"docsPerSecond", rate(len(result.Succeeded), elapsed))
	}
}

// benchmarkTypes describes the seeded tables. Authors carry a computed book count.
func benchmarkTypes() (*esbind.TypeConfig, *esbind.TypeConfig) {
	authors := &esbind.TypeConfig{
		Module: "bench",
		Name:   "Author",
		Table:  "bench_authors",
		Key:    "id",
		Fields: []string{"name", "born"},
		ExtraFields: []esbind.ExtraFieldConfig{{
			Name:  "book_count",
			Query: "SELECT author_id, count(*) FROM bench_books WHERE author_id = ANY($1) GROUP BY author_id",
		}},
	}
	books := &esbind.TypeConfig{
		Module: "bench",
		Name:   "Book",
		Table:  "bench_books",
		Key:    "id",
		Fields: []string{"title", "genre", "pages", "price", "published_at", "author_id"},
		Mapping: map[string]any{
			"mappings": map[string]any{"properties": map[string]any{
				"genre": map[string]any{"type": "keyword"},
				"title": map[string]any{"type": "text"},
			}},
		},
	}
	return authors, books
}

func parseFlags() options {
	var opts options

	flag.IntVar(&opts.authorCount, "authors", 10*1000, "number of author rows to generate")
	flag.IntVar(&opts.booksPer, "books-per-author", 10, "book rows per author")
	flag.IntVar(&opts.copyChunk, "copy-chunk", 5000, "rows copied per COPY batch")
	flag.IntVar(&opts.syncChunk, "sync-chunk", getenvDefaultInt("SYNC_CHUNK_SIZE", 1000), "records per bulk request")
	flag.IntVar(&opts.syncSample, "sync-sample", 10*1000, "random book ids to bulk sync after the rebuild")
	flag.BoolVar(&opts.purge, "purge", false, "truncate the benchmark tables before seeding")
	flag.BoolVar(&opts.skipSeed, "skip-seed", false, "reuse existing rows")
	seed := flag.Int64("seed", 0, "random seed (0 uses current time)")

	flag.Parse()

	if *seed == 0 {
		opts.seed = time.Now().UnixNano()
		opts.seedProvided = false
	} else {
		opts.seed = *seed
		opts.seedProvided = true
	}

	if opts.copyChunk < 1000 {
		opts.copyChunk = 1000
	}
	if opts.syncChunk <= 0 {
		opts.syncChunk = 1000
	}
	return opts
}

func seed(ctx context.Context, pool *pgxpool.Pool, opts options) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if err := withTx(ctx, conn, func(tx pgx.Tx) error {
		if err := ensureTables(ctx, tx); err != nil {
			return err
		}
		if opts.purge {
			_, err := tx.Exec(ctx, `TRUNCATE bench_books, bench_authors`)
			return err
		}
		return nil
	}); err != nil {
		return err
	}

	random := rand.New(rand.NewSource(opts.seed))
	start := time.Now()

	authorRows := make([][]any, 0, opts.authorCount)
	for i := 1; i <= opts.authorCount; i++ {
		authorRows = append(authorRows, []any{
			int64(i),
			randomChoice(random, firstNames) + " " + strconv.Itoa(i),
			time.Date(1900+random.Intn(100), time.Month(1+random.Intn(12)), 1+random.Intn(28), 0, 0, 0, 0, time.UTC),
		})
	}
	if err := copyInChunks(ctx, conn, "bench_authors", []string{"id", "name", "born"}, authorRows, opts.copyChunk); err != nil {
		return err
	}

	bookRows := make([][]any, 0, opts.authorCount*opts.booksPer)
	id := int64(1)
	for author := 1; author <= opts.authorCount; author++ {
		for j := 0; j < opts.booksPer; j++ {
			bookRows = append(bookRows, []any{
				id,
				fmt.Sprintf("Volume %d of author %d", j+1, author),
				randomChoice(random, genres),
				int32(50 + random.Intn(900)),
				float64(random.Intn(10000)) / 100,
				time.Now().Add(-time.Duration(random.Intn(24*365*30)) * time.Hour).UTC(),
				int64(author),
			})
			id++
		}
	}
	if err := copyInChunks(ctx, conn, "bench_books",
		[]string{"id", "title", "genre", "pages", "price", "published_at", "author_id"}, bookRows, opts.copyChunk); err != nil {
		return err
	}

	zap.S().Infow("seeded benchmark tables", "authors", len(authorRows), "books", len(bookRows), "duration", time.Since(start))
	return nil
}

func withTx(ctx context.Context, conn *pgxpool.Conn, fn func(pgx.Tx) error) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func ensureTables(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS bench_authors (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			born TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS bench_books (
			id BIGINT PRIMARY KEY,
			title TEXT NOT NULL,
			genre TEXT,
			pages INTEGER,
			price DOUBLE PRECISION,
			published_at TIMESTAMPTZ,
			author_id BIGINT REFERENCES bench_authors(id)
		)`,
		`CREATE INDEX IF NOT EXISTS bench_books_author_id_idx ON bench_books (author_id)`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create benchmark tables: %w", err)
		}
	}
	return nil
}

func copyInChunks(ctx context.Context, conn *pgxpool.Conn, table string, columns []string, rows [][]any, chunkSize int) error {
	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		copied, err := conn.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows[start:end]))
		if err != nil {
			return fmt.Errorf("failed to copy rows into %s: %w", table, err)
		}
		zap.S().Debugw("copied rows", "table", table, "rows", copied, "offset", start)
	}
	return nil
}

func randomChoice(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}

func rate(count int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(count) / d.Seconds()
}

func getenvDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
