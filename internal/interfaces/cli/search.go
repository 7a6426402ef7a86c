package cli

import (
	"github.com/spf13/cobra"

	"github.com/grantline/grantline/internal/application/retrieval"
	"github.com/grantline/grantline/internal/embedding"
	"github.com/grantline/grantline/internal/infrastructure/database/postgres"
	"github.com/grantline/grantline/internal/infrastructure/database/postgres/repositories"
	"github.com/grantline/grantline/internal/infrastructure/database/redis"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/metrics"
	"github.com/grantline/grantline/internal/infrastructure/search/opensearch"
)

// newSearchCmd creates the search subcommand.
func newSearchCmd() *cobra.Command {
	var (
		query       string
		topK        int
		topKBM25    int
		topKVec     int
		graphExpand bool
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run a hybrid evidence search and print JSON results",
		Long: "Run the query through BM25 and vector retrieval in parallel, fuse the\n" +
			"two rankings, optionally boost chunks from publications adjacent to\n" +
			"the top results, and print the fused chunks plus a per-patent rollup\n" +
			"as indented JSON on stdout. Assumes a prior ingest run created the\n" +
			"schema and index.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := envFrom(cmd)
			if err != nil {
				return err
			}
			return runSearch(cmd, env, retrieval.Params{
				Query:       query,
				TopK:        topK,
				TopKBM25:    topKBM25,
				TopKVec:     topKVec,
				GraphExpand: graphExpand,
			})
		},
	}

	cmd.Flags().StringVar(&query, "query", "", "natural-language query (required)")
	cmd.Flags().IntVar(&topK, "topk", retrieval.DefaultTopK, "number of fused chunks to return")
	cmd.Flags().IntVar(&topKBM25, "topk-bm25", retrieval.DefaultTopKBM25, "number of lexical candidates to fetch")
	cmd.Flags().IntVar(&topKVec, "topk-vec", retrieval.DefaultTopKVec, "number of vector candidates to fetch")
	cmd.Flags().BoolVar(&graphExpand, "graph-expand", false, "boost chunks from publications adjacent to the top results")
	cmd.MarkFlagRequired("query")
	return cmd
}

// runSearch wires the search path and prints the response.
func runSearch(cmd *cobra.Command, env *Env, params retrieval.Params) error {
	ctx := cmd.Context()
	cfg, logger := env.Config, env.Logger

	m := metrics.New()
	if cfg.Metrics.Enabled() {
		srv, err := metrics.StartServer(cfg.Metrics.Addr, m, logger)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	conn, err := postgres.NewConnection(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	osClient, err := opensearch.NewClient(cfg.OpenSearch, logger)
	if err != nil {
		return err
	}
	index := opensearch.NewChunkIndex(osClient, cfg.OpenSearch.Index, logger)

	var cache retrieval.ResultCache
	if cfg.Cache.Enabled() {
		rc := redis.NewCache(cfg.Cache, logger)
		defer rc.Close()
		cache = rc
	}

	embedder := embedding.NewCachedProvider(
		embedding.NewHTTPProvider(cfg.Embedding, logger),
		embedding.OpenFileCache(cfg.Data.EmbeddingCachePath(), logger),
		logger,
	)

	svc := retrieval.NewService(
		index,
		repositories.NewChunkRepository(conn.Pool(), logger),
		repositories.NewPatentRepository(conn.Pool(), logger),
		embedder,
		cache,
		m,
		logger,
	)

	resp, err := svc.Search(ctx, params)
	if err != nil {
		return err
	}
	return printJSON(cmd, resp)
}
