// Package retrieval implements hybrid evidence search over the chunk
// corpus: lexical and vector retrieval run in parallel, both score sets
// are max-normalized and fused with fixed weights, and an optional graph
// pass boosts chunks from publications adjacent to the top results.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grantline/grantline/internal/domain/patent"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/metrics"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

// Fusion weights. BM25 and cosine scores live on different scales, so
// each side is divided by its own maximum before the weighted sum.
const (
	weightBM25 = 0.45
	weightVec  = 0.55
)

// fuseFloor keeps the fused pool large enough for aggregation and graph
// expansion even when the caller asks for a small topk.
const fuseFloor = 200

// Graph expansion parameters: the top fused hits seed the neighborhood
// query, and every hit from a neighboring publication gets one boost.
const (
	graphSeedLimit     = 50
	graphBoost         = 1.05
	graphNeighborLimit = 2000
)

// Default request parameters, applied when the caller leaves them zero.
const (
	DefaultTopK     = 50
	DefaultTopKBM25 = 200
	DefaultTopKVec  = 200
)

// Params are the per-request search arguments.
type Params struct {
	Query       string
	TopK        int
	TopKBM25    int
	TopKVec     int
	GraphExpand bool
}

func (p *Params) applyDefaults() {
	if p.TopK <= 0 {
		p.TopK = DefaultTopK
	}
	if p.TopKBM25 <= 0 {
		p.TopKBM25 = DefaultTopKBM25
	}
	if p.TopKVec <= 0 {
		p.TopKVec = DefaultTopKVec
	}
}

// fingerprint derives the cache key for this request. Every parameter
// that changes the response participates.
func (p Params) fingerprint() string {
	return patent.SHA256Hex(fmt.Sprintf("%s|%d|%d|%d|%t",
		p.Query, p.TopK, p.TopKBM25, p.TopKVec, p.GraphExpand))
}

// FusedChunk is one chunk in the fused ranking, carrying both raw
// per-side scores and the combined hybrid score.
type FusedChunk struct {
	ChunkID           string             `json:"chunk_id"`
	PublicationNumber string             `json:"publication_number"`
	SectionType       patent.SectionType `json:"section_type"`
	Text              string             `json:"text"`
	Highlights        []string           `json:"highlights,omitempty"`
	BM25Score         float64            `json:"bm25_score"`
	VecScore          float64            `json:"vec_score"`
	HybridScore       float64            `json:"hybrid_score"`
}

// PatentAggregate rolls the fused chunks of one publication up to a
// patent-level result.
type PatentAggregate struct {
	PublicationNumber string  `json:"publication_number"`
	Score             float64 `json:"score"`
	SupportingChunks  int     `json:"supporting_chunks"`
}

// Response is the full search result: the fused chunk ranking and the
// per-patent rollup derived from it.
type Response struct {
	Chunks  []FusedChunk      `json:"chunks"`
	Patents []PatentAggregate `json:"patents"`
}

// ResultCache is the best-effort response cache consumed by the search
// path. Get returning nil means a usable cached response was decoded
// into dest; any other error is treated as a miss. A nil ResultCache
// disables caching entirely.
type ResultCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}) error
}

// Service answers hybrid evidence searches.
type Service interface {
	Search(ctx context.Context, params Params) (*Response, error)
}

type serviceImpl struct {
	index    patent.LexicalIndex
	chunks   patent.ChunkStore
	patents  patent.PatentStore
	embedder patent.Embedder
	cache    ResultCache
	metrics  *metrics.Metrics
	logger   logging.Logger
}

// NewService wires the search path. cache may be nil.
func NewService(
	index patent.LexicalIndex,
	chunks patent.ChunkStore,
	patents patent.PatentStore,
	embedder patent.Embedder,
	cache ResultCache,
	m *metrics.Metrics,
	logger logging.Logger,
) Service {
	return &serviceImpl{
		index:    index,
		chunks:   chunks,
		patents:  patents,
		embedder: embedder,
		cache:    cache,
		metrics:  m,
		logger:   logger.Named("retrieval"),
	}
}

// Search runs one hybrid search. Cached responses are returned as-is;
// otherwise both retrieval sides run in parallel, their results are
// fused, optionally graph-boosted, trimmed to topk, and aggregated.
func (s *serviceImpl) Search(ctx context.Context, params Params) (*Response, error) {
	params.Query = strings.TrimSpace(params.Query)
	if params.Query == "" {
		return nil, apperrors.New(apperrors.ErrCodeSearchInvalidParam, "query must not be empty")
	}
	params.applyDefaults()

	timer := metrics.NewTimer(s.metrics.SearchDuration)
	defer timer.ObserveDuration()
	start := time.Now()

	cacheKey := params.fingerprint()
	if s.cache == nil {
		s.metrics.SearchRequests.WithLabelValues(metrics.CacheOff).Inc()
	} else {
		var cached Response
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			s.metrics.SearchRequests.WithLabelValues(metrics.CacheHit).Inc()
			s.logger.Debug("search served from cache", logging.String("key", cacheKey))
			return &cached, nil
		}
		s.metrics.SearchRequests.WithLabelValues(metrics.CacheMiss).Inc()
	}

	resp, err := s.runSearch(ctx, params)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, cacheKey, resp)
	}

	s.logger.Info("search complete",
		logging.Int("chunks", len(resp.Chunks)),
		logging.Int("patents", len(resp.Patents)),
		logging.Duration("elapsed", time.Since(start)))
	return resp, nil
}

func (s *serviceImpl) runSearch(ctx context.Context, params Params) (*Response, error) {
	var bm25Hits, vecHits []patent.ChunkHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := s.index.BM25Search(gctx, params.Query, params.TopKBM25)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeSearchFailed, "lexical search failed")
		}
		bm25Hits = hits
		return nil
	})
	g.Go(func() error {
		vectors, err := s.embedder.Embed(gctx, []string{params.Query})
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeSearchFailed, "query embedding failed")
		}
		if len(vectors) == 0 {
			return apperrors.New(apperrors.ErrCodeSearchFailed, "query embedding returned no vector")
		}
		hits, err := s.chunks.VectorSearch(gctx, vectors[0], params.TopKVec)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeSearchFailed, "vector search failed")
		}
		vecHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fuseLimit := params.TopK
	if fuseLimit < fuseFloor {
		fuseLimit = fuseFloor
	}
	fused := MergeHybrid(bm25Hits, vecHits, fuseLimit)

	if params.GraphExpand {
		if err := s.expandGraph(ctx, fused); err != nil {
			return nil, err
		}
	}
	if len(fused) > params.TopK {
		fused = fused[:params.TopK]
	}

	return &Response{Chunks: fused, Patents: AggregatePatents(fused)}, nil
}

// MergeHybrid fuses the two result sets into one ranking. Each side is
// normalized by its own maximum score, a side's missing score counts as
// zero, and chunks present on both sides combine once. Ties rank by
// chunk id so equal inputs always fuse to equal output.
func MergeHybrid(bm25, vec []patent.ChunkHit, topK int) []FusedChunk {
	bm25Max := maxScore(bm25)
	vecMax := maxScore(vec)

	merged := make(map[string]*FusedChunk, len(bm25)+len(vec))
	for _, hit := range bm25 {
		merged[hit.ChunkID] = &FusedChunk{
			ChunkID:           hit.ChunkID,
			PublicationNumber: hit.PublicationNumber,
			SectionType:       hit.SectionType,
			Text:              hit.Text,
			Highlights:        hit.Highlights,
			BM25Score:         hit.Score,
		}
	}
	for _, hit := range vec {
		fc, ok := merged[hit.ChunkID]
		if !ok {
			fc = &FusedChunk{
				ChunkID:           hit.ChunkID,
				PublicationNumber: hit.PublicationNumber,
				SectionType:       hit.SectionType,
				Text:              hit.Text,
			}
			merged[hit.ChunkID] = fc
		}
		fc.VecScore = hit.Score
	}

	fused := make([]FusedChunk, 0, len(merged))
	for _, fc := range merged {
		fc.HybridScore = weightBM25*safeDiv(fc.BM25Score, bm25Max) +
			weightVec*safeDiv(fc.VecScore, vecMax)
		fused = append(fused, *fc)
	}
	sortFused(fused)
	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused
}

// AggregatePatents rolls fused chunks up by publication: the patent
// score is the best hybrid score among its chunks, and every chunk
// counts as support. Sorted by score, then publication number.
func AggregatePatents(fused []FusedChunk) []PatentAggregate {
	byPub := make(map[string]*PatentAggregate, len(fused))
	for _, fc := range fused {
		agg, ok := byPub[fc.PublicationNumber]
		if !ok {
			agg = &PatentAggregate{PublicationNumber: fc.PublicationNumber}
			byPub[fc.PublicationNumber] = agg
		}
		agg.SupportingChunks++
		if fc.HybridScore > agg.Score {
			agg.Score = fc.HybridScore
		}
	}

	patents := make([]PatentAggregate, 0, len(byPub))
	for _, agg := range byPub {
		patents = append(patents, *agg)
	}
	sort.Slice(patents, func(i, j int) bool {
		if patents[i].Score != patents[j].Score {
			return patents[i].Score > patents[j].Score
		}
		return patents[i].PublicationNumber < patents[j].PublicationNumber
	})
	return patents
}

// expandGraph boosts fused hits whose publication is in the neighborhood
// of the top of the ranking. The boost is applied in one pass before the
// re-sort, so no hit is ever boosted twice. Seed publications usually sit
// in their own neighborhood (via shared CPC subclass), which boosts the
// whole head uniformly and lets graph-adjacent tail hits catch up.
func (s *serviceImpl) expandGraph(ctx context.Context, fused []FusedChunk) error {
	if len(fused) == 0 {
		return nil
	}

	seedCount := graphSeedLimit
	if len(fused) < seedCount {
		seedCount = len(fused)
	}
	seedSet := make(map[string]struct{}, seedCount)
	seeds := make([]string, 0, seedCount)
	for _, fc := range fused[:seedCount] {
		if _, ok := seedSet[fc.PublicationNumber]; ok {
			continue
		}
		seedSet[fc.PublicationNumber] = struct{}{}
		seeds = append(seeds, fc.PublicationNumber)
	}

	neighbors, err := s.patents.GraphNeighbors(ctx, seeds, graphNeighborLimit)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSearchFailed, "graph expansion failed")
	}
	if len(neighbors) == 0 {
		return nil
	}

	var boosted int
	for i := range fused {
		if _, ok := neighbors[fused[i].PublicationNumber]; ok {
			fused[i].HybridScore *= graphBoost
			boosted++
		}
	}
	if boosted > 0 {
		sortFused(fused)
		s.logger.Debug("graph expansion boosted hits",
			logging.Int("seeds", len(seeds)),
			logging.Int("neighbors", len(neighbors)),
			logging.Int("boosted", boosted))
	}
	return nil
}

func sortFused(fused []FusedChunk) {
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].HybridScore != fused[j].HybridScore {
			return fused[i].HybridScore > fused[j].HybridScore
		}
		return fused[i].ChunkID < fused[j].ChunkID
	})
}

func maxScore(hits []patent.ChunkHit) float64 {
	if len(hits) == 0 {
		return 1.0
	}
	var m float64
	for _, h := range hits {
		if h.Score > m {
			m = h.Score
		}
	}
	return m
}

func safeDiv(x, y float64) float64 {
	if y == 0 {
		return 0
	}
	return x / y
}
