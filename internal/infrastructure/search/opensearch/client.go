// Package opensearch mirrors evidence chunks into an OpenSearch index and
// serves the BM25 side of hybrid retrieval.
package opensearch

import (
	"context"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/grantline/grantline/internal/config"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

// Client wraps the OpenSearch transport with retry defaults suitable for a
// single-node deployment behind an occasionally busy queue.
type Client struct {
	client *opensearch.Client
	logger logging.Logger
}

// NewClient builds a client for the configured cluster. No round trip
// happens here; the first index operation surfaces connectivity problems.
func NewClient(cfg config.OpenSearchConfig, logger logging.Logger) (*Client, error) {
	osClient, err := opensearch.NewClient(opensearch.Config{
		Addresses:     []string{cfg.URL},
		Username:      cfg.User,
		Password:      cfg.Password,
		MaxRetries:    3,
		RetryBackoff:  func(int) time.Duration { return 200 * time.Millisecond },
		RetryOnStatus: []int{502, 503, 504, 429},
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "create opensearch client failed")
	}
	return &Client{client: osClient, logger: logger.Named("opensearch")}, nil
}

// Ping verifies the cluster answers.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.client.Ping(c.client.Ping.WithContext(ctx))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "opensearch ping failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.IsError() {
		return apperrors.Newf(apperrors.ErrCodeInternal, "opensearch ping returned status %d", resp.StatusCode)
	}
	return nil
}

// API exposes the underlying client for request structs.
func (c *Client) API() *opensearch.Client {
	return c.client
}
