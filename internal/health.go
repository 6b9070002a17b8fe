package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v9/esapi"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PostgresHealthCheck pings the pool. timeout may be 0 to use a sensible default (5s).
func PostgresHealthCheck(ctx context.Context, db Pinger, timeout time.Duration) error {
	if db == nil {
		return fmt.Errorf("no database pool")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

// ClusterHealth returns the cluster status ("green", "yellow" or "red").
func (e *ElasticsearchEngine) ClusterHealth(ctx context.Context) (string, error) {
	res, err := e.do(ctx, "cluster_health", func() (*esapi.Response, error) {
		return e.es.Cluster.Health(e.es.Cluster.Health.WithContext(ctx))
	})
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.IsError() {
		return "", fmt.Errorf("cluster health: %w", decodeAPIError(res))
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode cluster health: %w", err)
	}
	return body.Status, nil
}

// ElasticsearchHealthCheck fails when the cluster is unreachable or red. A yellow cluster is
// healthy enough to serve reads and writes on single-node setups.
func ElasticsearchHealthCheck(ctx context.Context, engine *ElasticsearchEngine, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, err := engine.ClusterHealth(ctx)
	if err != nil {
		return fmt.Errorf("elasticsearch health check failed: %w", err)
	}
	if status == "red" {
		return fmt.Errorf("elasticsearch cluster status is red")
	}
	return nil
}
