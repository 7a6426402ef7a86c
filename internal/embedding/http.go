// Package embedding turns chunk text into fixed-width vectors through an
// Ollama-compatible HTTP endpoint, with a file-backed cache so re-ingesting
// a week never re-embeds unchanged text.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/grantline/grantline/internal/config"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

// ExpectedDim is the width of the chunks table's vector column. Vectors of
// any other width cannot be stored, so a mismatch fails immediately instead
// of surfacing later as a batch of database errors.
const ExpectedDim = 768

const embedTimeout = 60 * time.Second

// HTTPProvider embeds text through the /api/embeddings endpoint of an
// Ollama-style server, one prompt per request.
type HTTPProvider struct {
	cfg    config.EmbeddingConfig
	client *http.Client
	logger logging.Logger
}

// NewHTTPProvider builds a provider for the configured embedding server.
func NewHTTPProvider(cfg config.EmbeddingConfig, logger logging.Logger) *HTTPProvider {
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: embedTimeout},
		logger: logger.Named("embedding"),
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns one vector per input text, in input order.
func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := p.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

func (p *HTTPProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: p.cfg.Model, Prompt: text})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeEmbeddingFailed, "encode embedding request failed")
	}

	endpoint := strings.TrimRight(p.cfg.URL, "/") + "/api/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeEmbeddingFailed, "build embedding request failed")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeEmbeddingFailed, "embedding request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Newf(apperrors.ErrCodeEmbeddingFailed,
			"embedding API returned status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeEmbeddingFailed, "decode embedding response failed")
	}
	if len(out.Embedding) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeEmbeddingFailed, "embedding API returned an empty vector")
	}
	if len(out.Embedding) != ExpectedDim {
		return nil, apperrors.New(apperrors.ErrCodeEmbeddingDimension,
			fmt.Sprintf("model %s returned %d dimensions, which does not fit the vector(%d) column",
				p.cfg.Model, len(out.Embedding), ExpectedDim))
	}
	return out.Embedding, nil
}
