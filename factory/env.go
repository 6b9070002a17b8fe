package factory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v9"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/esbind"
	"github.com/lychee-technology/esbind/internal"
	"go.uber.org/zap"
)

// ConfigFromEnv overlays environment variables on esbind.DefaultConfig.
func ConfigFromEnv() *esbind.Config {
	cfg := esbind.DefaultConfig()

	es := &cfg.Elasticsearch
	es.Addresses = getEnvList("ES_ADDRESSES", es.Addresses)
	es.Username = getEnv("ES_USERNAME", es.Username)
	es.Password = getEnv("ES_PASSWORD", es.Password)
	es.APIKey = getEnv("ES_API_KEY", es.APIKey)
	es.CloudID = getEnv("ES_CLOUD_ID", es.CloudID)
	es.Timeout = getEnvSeconds("ES_TIMEOUT_SECONDS", es.Timeout)
	es.InsecureSkipVerify = getEnvBool("ES_INSECURE_SKIP_VERIFY", es.InsecureSkipVerify)
	es.BreakerThreshold = getEnvInt("ES_BREAKER_THRESHOLD", es.BreakerThreshold)
	es.BreakerWindow = getEnvSeconds("ES_BREAKER_WINDOW_SECONDS", es.BreakerWindow)
	es.BreakerOpenDuration = getEnvSeconds("ES_BREAKER_OPEN_SECONDS", es.BreakerOpenDuration)

	db := &cfg.Database
	db.Host = getEnv("DB_HOST", db.Host)
	db.Port = getEnvInt("DB_PORT", db.Port)
	db.Database = getEnv("DB_NAME", "postgres")
	db.Username = getEnv("DB_USER", "postgres")
	db.Password = getEnv("DB_PASSWORD", "")
	db.SSLMode = getEnv("DB_SSL_MODE", db.SSLMode)
	db.MaxConnections = getEnvInt("DB_MAX_CONNECTIONS", db.MaxConnections)
	db.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", db.MaxIdleConns)
	db.ConnMaxLifetime = getEnvSeconds("DB_CONN_MAX_LIFETIME_SECONDS", db.ConnMaxLifetime)
	db.ConnMaxIdleTime = getEnvSeconds("DB_CONN_MAX_IDLE_TIME_SECONDS", db.ConnMaxIdleTime)
	db.Timeout = getEnvSeconds("DB_TIMEOUT_SECONDS", db.Timeout)
	db.UseIAM = getEnvBool("DB_USE_IAM", db.UseIAM)
	db.Region = getEnv("AWS_REGION", db.Region)

	cfg.Sync.ChunkSize = getEnvInt("SYNC_CHUNK_SIZE", cfg.Sync.ChunkSize)
	cfg.Sync.MaxChunkSize = getEnvInt("SYNC_MAX_CHUNK_SIZE", cfg.Sync.MaxChunkSize)
	cfg.Sync.Refresh = getEnv("SYNC_REFRESH", cfg.Sync.Refresh)
	cfg.Sync.KeepOldIndex = getEnvBool("SYNC_KEEP_OLD_INDEX", cfg.Sync.KeepOldIndex)
	cfg.Sync.SearchSize = getEnvInt("SEARCH_DEFAULT_SIZE", cfg.Sync.SearchSize)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
	cfg.Metrics.Enabled = getEnvBool("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Listen = getEnv("METRICS_LISTEN", cfg.Metrics.Listen)
	return cfg
}

// LoadTrackedTypes reads a YAML types file.
func LoadTrackedTypes(path string) ([]esbind.TrackedType, error) {
	file, err := esbind.LoadTypesFile(path)
	if err != nil {
		return nil, err
	}
	types := make([]esbind.TrackedType, 0, len(file.Types))
	for _, tc := range file.Types {
		types = append(types, tc)
	}
	return types, nil
}

// Runtime holds a Binder and the connections behind it.
type Runtime struct {
	Binder esbind.Binder
	Pool   *pgxpool.Pool
	Client *elasticsearch.Client
	Config *esbind.Config
}

// Open connects to Postgres and Elasticsearch and builds a Binder for the types in typesPath.
// Callers must Close the runtime.
func Open(ctx context.Context, cfg *esbind.Config, typesPath string) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	types, err := LoadTrackedTypes(typesPath)
	if err != nil {
		return nil, err
	}

	pool, err := NewPostgresPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	client, err := NewElasticsearchClient(ctx, cfg.Elasticsearch)
	if err != nil {
		pool.Close()
		return nil, err
	}
	binder, err := NewBinderWithConfig(ctx, cfg, pool, client, types...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	zap.S().Infow("esbind runtime ready", "types", len(types), "database", cfg.Database.Database)
	return &Runtime{Binder: binder, Pool: pool, Client: client, Config: cfg}, nil
}

// Close releases the database pool.
func (r *Runtime) Close() {
	if r != nil && r.Pool != nil {
		r.Pool.Close()
	}
}

// Health checks both connections. It bypasses the binder's circuit breaker.
func (r *Runtime) Health(ctx context.Context) error {
	if r.Pool == nil {
		return fmt.Errorf("no database pool")
	}
	if err := internal.PostgresHealthCheck(ctx, r.Pool, r.Config.Database.Timeout); err != nil {
		return err
	}
	if r.Client == nil {
		return fmt.Errorf("no elasticsearch client")
	}
	return internal.ElasticsearchHealthCheck(ctx, internal.NewElasticsearchEngine(r.Client, nil), r.Config.Elasticsearch.Timeout)
}

// Spec looks a registered type up by name.
func (r *Runtime) Spec(name string) (*esbind.TypeSpec, error) {
	return r.Binder.Registry().ByName(name)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
