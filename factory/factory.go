package factory

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"
	elasticsearch "github.com/elastic/go-elasticsearch/v9"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/esbind"
	"github.com/lychee-technology/esbind/internal"
	"go.uber.org/zap"
)

// queryPool is the subset of pgxpool.Pool used here, so tests can pass a pgxmock pool.
type queryPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var tableCollector = collectTablesFromPool

// NewBinderWithConfig creates a Binder over a Postgres pool and an Elasticsearch client and
// registers types.
//
// Types that bind a table must find it in the database. *esbind.TypeConfig entries get a
// Postgres resolver for each configured extra field.
//
// Usage:
//
//	cfg := esbind.DefaultConfig()
//	pool, err := factory.NewPostgresPool(ctx, cfg.Database)
//	client, err := factory.NewElasticsearchClient(ctx, cfg.Elasticsearch)
//	binder, err := factory.NewBinderWithConfig(ctx, cfg, pool, client, authorType)
func NewBinderWithConfig(ctx context.Context, cfg *esbind.Config, pool queryPool, client *elasticsearch.Client, types ...esbind.TrackedType) (esbind.Binder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pool == nil || client == nil {
		return nil, fmt.Errorf("a database pool and an elasticsearch client are required")
	}

	tables, err := tableCollector(ctx, pool)
	if err != nil {
		return nil, err
	}

	registry := esbind.NewTypeRegistry()
	for _, t := range types {
		if tc, ok := t.(*esbind.TypeConfig); ok {
			for _, extra := range tc.ExtraFields {
				tc.BindResolvers(internal.NewPostgresValueResolver(pool, extra.Name, extra.Query))
			}
		}
		spec, err := registry.Register(t)
		if err != nil {
			return nil, err
		}
		if spec.Table != "" && !slices.Contains(tables, unqualifiedTable(spec.Table)) {
			return nil, esbind.NewError(esbind.ErrorTypeConfig, esbind.ErrCodeInvalidType,
				fmt.Sprintf("table %q does not exist", spec.Table)).WithType(spec.Name())
		}
		zap.S().Infow("tracked type registered", "type", spec.Name(), "table", spec.Table,
			"fields", len(spec.CachedFields), "extraFields", len(spec.Resolvers))
	}

	es := cfg.Elasticsearch
	breaker := internal.NewCircuitBreaker("elasticsearch", es.BreakerThreshold, es.BreakerWindow, es.BreakerOpenDuration)
	engine := internal.NewElasticsearchEngine(client, breaker)
	return internal.NewBinder(registry, engine, internal.NewPostgresRecordLoader(pool), cfg.Sync), nil
}

// NewElasticsearchClient creates a client and pings the cluster.
func NewElasticsearchClient(ctx context.Context, cfg esbind.ElasticsearchConfig) (*elasticsearch.Client, error) {
	return internal.NewElasticsearchClient(ctx, cfg)
}

// NewRecordSource streams spec's table for a rebuild. filter is an optional SQL condition
// whose placeholders start at $2.
func NewRecordSource(pool queryPool, spec *esbind.TypeSpec, filter string, args ...any) esbind.RecordSource {
	return internal.NewPostgresRecordSource(pool, spec, filter, args...)
}

// NewConditionRecordSource streams the rows of spec's table matching cond. Attributes must
// name columns of the type and values are bound as parameters, so cond may come from
// untrusted callers.
func NewConditionRecordSource(pool queryPool, spec *esbind.TypeSpec, cond *esbind.CompositeCondition) (esbind.RecordSource, error) {
	filter, args, err := internal.CompileSQLFilter(spec, cond)
	if err != nil {
		return nil, err
	}
	return internal.NewPostgresRecordSource(pool, spec, filter, args...), nil
}

// NewPostgresPool creates a PostgreSQL connection pool from cfg. With UseIAM a DSQL connect
// token replaces the password; if the token cannot be generated the password is used.
func NewPostgresPool(ctx context.Context, cfg esbind.DatabaseConfig) (*pgxpool.Pool, error) {
	password := cfg.Password
	if cfg.UseIAM {
		if token, err := generateAuthToken(ctx, cfg, nil); err == nil && token != "" {
			password = token
			zap.S().Infow("generated IAM auth token for Postgres connection", "host", cfg.Host)
		} else {
			zap.S().Warnw("failed to generate IAM auth token; falling back to password", "error", err)
		}
	}

	connURL := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, password),
		Host:     cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=" + url.QueryEscape(cfg.SSLMode),
	}
	poolConfig, err := pgxpool.ParseConfig(connURL.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime
	poolConfig.ConnConfig.ConnectTimeout = cfg.Timeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// generateAuthToken presigns a DSQL connect token. A nil provider or an empty region is
// filled from the default AWS config chain.
func generateAuthToken(ctx context.Context, cfg esbind.DatabaseConfig, creds aws.CredentialsProvider) (string, error) {
	region := cfg.Region
	if creds == nil || region == "" {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return "", fmt.Errorf("load aws config: %w", err)
		}
		if creds == nil {
			creds = awsCfg.Credentials
		}
		if region == "" {
			region = awsCfg.Region
		}
	}
	endpoint := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return auth.GenerateDbConnectAuthToken(ctx, endpoint, region, creds)
}

// collectTablesFromPool lists the base tables of the public schema.
func collectTablesFromPool(ctx context.Context, pool queryPool) ([]string, error) {
	rows, err := pool.Query(ctx, `SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'`)
	if err != nil {
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	zap.S().Debugw("database tables", "tables", tables)
	return tables, nil
}

func unqualifiedTable(name string) string {
	name = strings.Trim(name, `"`)
	if i := strings.LastIndex(name, "."); i >= 0 {
		return strings.Trim(name[i+1:], `"`)
	}
	return name
}
