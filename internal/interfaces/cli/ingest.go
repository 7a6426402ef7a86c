package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/grantline/grantline/internal/application/ingest"
	"github.com/grantline/grantline/internal/embedding"
	"github.com/grantline/grantline/internal/infrastructure/database/postgres"
	"github.com/grantline/grantline/internal/infrastructure/database/postgres/repositories"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/metrics"
	"github.com/grantline/grantline/internal/infrastructure/search/opensearch"
	"github.com/grantline/grantline/internal/ptgrxml"
)

// newIngestCmd creates the ingest subcommand.
func newIngestCmd() *cobra.Command {
	var (
		weeks     int
		cpcPrefix string
		sinceLast bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Download, parse, and index recent grant weeks",
		Long: "Discover the most recent PTGRXML weekly batches, download the ones not\n" +
			"yet processed, extract evidence chunks from grants matching the CPC\n" +
			"prefix, write them to Postgres and OpenSearch, and backfill missing\n" +
			"embeddings. Already-processed weeks are skipped, so reruns only pick\n" +
			"up new batches.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := envFrom(cmd)
			if err != nil {
				return err
			}
			return runIngest(cmd.Context(), env, ingest.Params{
				Weeks:     weeks,
				CPCPrefix: cpcPrefix,
				SinceLast: sinceLast,
			})
		},
	}

	cmd.Flags().IntVar(&weeks, "weeks", 12, "number of recent weekly batches to consider")
	cmd.Flags().StringVar(&cpcPrefix, "cpc", "G06F", "CPC prefix a grant must carry to be kept")
	cmd.Flags().BoolVar(&sinceLast, "since-last", false, "only consider weeks after the last completed one")
	return cmd
}

// runIngest migrates the schema, wires the pipeline, and runs it.
func runIngest(ctx context.Context, env *Env, params ingest.Params) error {
	cfg, logger := env.Config, env.Logger

	m := metrics.New()
	if cfg.Metrics.Enabled() {
		srv, err := metrics.StartServer(cfg.Metrics.Addr, m, logger)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	if err := postgres.Migrate(cfg.Postgres.DSN, logger); err != nil {
		return err
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

	embedder := embedding.NewCachedProvider(
		embedding.NewHTTPProvider(cfg.Embedding, logger),
		embedding.OpenFileCache(cfg.Data.EmbeddingCachePath(), logger),
		logger,
	)

	svc := ingest.NewService(
		*cfg,
		ptgrxml.NewDownloader(cfg.Downloader, cfg.Data.RawDir(), logger),
		ptgrxml.NewWeekState(cfg.Data.RawDir()),
		repositories.NewPatentRepository(conn.Pool(), logger),
		repositories.NewChunkRepository(conn.Pool(), logger),
		repositories.NewStateRepository(conn.Pool(), logger),
		opensearch.NewChunkIndex(osClient, cfg.OpenSearch.Index, logger),
		embedder,
		m,
		logger,
	)
	return svc.Run(ctx, params)
}
