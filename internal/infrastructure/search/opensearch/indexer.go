package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/grantline/grantline/internal/domain/patent"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

// chunkMapping declares explicit types for every chunk field: identity and
// facet fields as keywords, the evidence text analyzed for BM25.
var chunkMapping = map[string]interface{}{
	"settings": map[string]interface{}{
		"index": map[string]interface{}{
			"number_of_shards":   1,
			"number_of_replicas": 0,
		},
	},
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"chunk_id":           map[string]interface{}{"type": "keyword"},
			"publication_number": map[string]interface{}{"type": "keyword"},
			"section_type":       map[string]interface{}{"type": "keyword"},
			"claim_num":          map[string]interface{}{"type": "keyword"},
			"para_id":            map[string]interface{}{"type": "keyword"},
			"text_hash":          map[string]interface{}{"type": "keyword"},
			"is_dependent":       map[string]interface{}{"type": "boolean"},
			"text":               map[string]interface{}{"type": "text"},
			"metadata":           map[string]interface{}{"type": "object", "enabled": false},
		},
	},
}

// ChunkIndex implements patent.LexicalIndex over one OpenSearch index.
type ChunkIndex struct {
	client *Client
	index  string
	logger logging.Logger
}

// NewChunkIndex binds a ChunkIndex to the named index.
func NewChunkIndex(client *Client, index string, logger logging.Logger) *ChunkIndex {
	return &ChunkIndex{client: client, index: index, logger: logger.Named("opensearch.chunks")}
}

// EnsureIndex creates the chunk index if it does not exist. Losing the
// creation race to a concurrent ingest run counts as success.
func (x *ChunkIndex) EnsureIndex(ctx context.Context) error {
	existsReq := opensearchapi.IndicesExistsRequest{Index: []string{x.index}}
	resp, err := existsReq.Do(ctx, x.client.API())
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeIndexCreate, "check index existence failed")
	}
	resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		// fall through to create
	default:
		return apperrors.Newf(apperrors.ErrCodeIndexCreate,
			"check index %s returned status %d", x.index, resp.StatusCode)
	}

	body, err := json.Marshal(chunkMapping)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeIndexCreate, "encode index mapping failed")
	}
	createReq := opensearchapi.IndicesCreateRequest{
		Index: x.index,
		Body:  bytes.NewReader(body),
	}
	createResp, err := createReq.Do(ctx, x.client.API())
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeIndexCreate, "create index %s failed", x.index)
	}
	defer createResp.Body.Close() //nolint:errcheck

	if createResp.IsError() {
		detail, _ := io.ReadAll(createResp.Body)
		if strings.Contains(string(detail), "resource_already_exists_exception") {
			return nil
		}
		return apperrors.New(apperrors.ErrCodeIndexCreate,
			fmt.Sprintf("create index %s failed: %s", x.index, string(detail)))
	}

	x.logger.Info("index created", logging.String("index", x.index))
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// IndexChunks bulk-upserts chunks by chunk_id with per-document refresh
// disabled, then refreshes the index once so the batch becomes searchable
// together.
func (x *ChunkIndex) IndexChunks(ctx context.Context, chunks []patent.EvidenceChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, c := range chunks {
		meta := fmt.Sprintf(`{"index":{"_index":%q,"_id":%q}}`, x.index, c.ChunkID)
		buf.WriteString(meta)
		buf.WriteByte('\n')

		doc, err := json.Marshal(c)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeIndexWrite,
				"encode chunk %s failed", c.ChunkID)
		}
		buf.Write(doc)
		buf.WriteByte('\n')
	}

	bulkReq := opensearchapi.BulkRequest{
		Body:    bytes.NewReader(buf.Bytes()),
		Refresh: "false",
	}
	resp, err := bulkReq.Do(ctx, x.client.API())
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeIndexWrite, "bulk index request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.IsError() {
		detail, _ := io.ReadAll(resp.Body)
		return apperrors.New(apperrors.ErrCodeIndexWrite,
			fmt.Sprintf("bulk index returned status %d: %s", resp.StatusCode, string(detail)))
	}

	var bulk bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&bulk); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeIndexWrite, "decode bulk response failed")
	}
	if bulk.Errors {
		failed := 0
		reason := ""
		for _, item := range bulk.Items {
			for _, op := range item {
				if op.Error != nil {
					failed++
					if reason == "" {
						reason = op.Error.Reason
					}
				}
			}
		}
		return apperrors.Newf(apperrors.ErrCodeIndexWrite,
			"bulk index rejected %d of %d chunks: %s", failed, len(chunks), reason)
	}

	refreshReq := opensearchapi.IndicesRefreshRequest{Index: []string{x.index}}
	refreshResp, err := refreshReq.Do(ctx, x.client.API())
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeIndexWrite, "refresh index failed")
	}
	defer refreshResp.Body.Close() //nolint:errcheck

	if refreshResp.IsError() {
		return apperrors.Newf(apperrors.ErrCodeIndexWrite,
			"refresh index returned status %d", refreshResp.StatusCode)
	}

	x.logger.Debug("chunks indexed", logging.Int("count", len(chunks)))
	return nil
}
