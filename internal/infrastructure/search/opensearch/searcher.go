package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/grantline/grantline/internal/domain/patent"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

const (
	highlightFragmentSize = 160
	highlightFragments    = 2
)

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score     float64             `json:"_score"`
			Source    chunkSource         `json:"_source"`
			Highlight map[string][]string `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
}

type chunkSource struct {
	ChunkID           string `json:"chunk_id"`
	PublicationNumber string `json:"publication_number"`
	SectionType       string `json:"section_type"`
	Text              string `json:"text"`
}

// BM25Search runs a match query over chunk text and returns hits best first,
// each with up to two highlight fragments.
func (x *ChunkIndex) BM25Search(ctx context.Context, query string, topK int) ([]patent.ChunkHit, error) {
	dsl := map[string]interface{}{
		"size": topK,
		"query": map[string]interface{}{
			"match": map[string]interface{}{
				"text": map[string]interface{}{"query": query},
			},
		},
		"highlight": map[string]interface{}{
			"fields": map[string]interface{}{
				"text": map[string]interface{}{
					"fragment_size":       highlightFragmentSize,
					"number_of_fragments": highlightFragments,
				},
			},
		},
	}
	body, err := json.Marshal(dsl)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeIndexSearch, "encode search query failed")
	}

	req := opensearchapi.SearchRequest{
		Index: []string{x.index},
		Body:  bytes.NewReader(body),
	}
	resp, err := req.Do(ctx, x.client.API())
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeIndexSearch, "search request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.IsError() {
		detail, _ := io.ReadAll(resp.Body)
		return nil, apperrors.New(apperrors.ErrCodeIndexSearch,
			fmt.Sprintf("search returned status %d: %s", resp.StatusCode, string(detail)))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeIndexSearch, "decode search response failed")
	}

	hits := make([]patent.ChunkHit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, patent.ChunkHit{
			ChunkID:           h.Source.ChunkID,
			PublicationNumber: h.Source.PublicationNumber,
			SectionType:       patent.SectionType(h.Source.SectionType),
			Text:              h.Source.Text,
			Score:             h.Score,
			Highlights:        h.Highlight["text"],
		})
	}
	return hits, nil
}
