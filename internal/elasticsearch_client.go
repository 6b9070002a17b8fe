package internal

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v9"
	"github.com/lychee-technology/esbind"
	"go.uber.org/zap"
)

// NewElasticsearchClient creates a client from cfg and verifies the connection with an Info
// call bounded by cfg.Timeout.
func NewElasticsearchClient(ctx context.Context, cfg esbind.ElasticsearchConfig) (*elasticsearch.Client, error) {
	if len(cfg.Addresses) == 0 && cfg.CloudID == "" {
		return nil, fmt.Errorf("elasticsearch: no addresses or cloud ID configured")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		CloudID:   cfg.CloudID,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
		Transport: buildElasticsearchTransport(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: create client: %w", err)
	}

	zap.S().Infow("elasticsearch client configured",
		"addresses", cfg.Addresses,
		"cloudID", cfg.CloudID != "",
		"basicAuth", cfg.Username != "",
		"apiKey", cfg.APIKey != "",
		"insecureTLS", cfg.InsecureSkipVerify)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := client.Info(client.Info.WithContext(pingCtx))
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: info call failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch: info call returned error status: %s", res.Status())
	}
	return client, nil
}

func buildElasticsearchTransport(cfg esbind.ElasticsearchConfig) http.RoundTripper {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, // local and dev clusters only
		}
	}
	return transport
}
