// Package ingest orchestrates the weekly pipeline: discover and download
// grant archives, parse their XML members, filter by CPC prefix, persist
// patents and evidence chunks to the relational store and the lexical
// index, and backfill missing embeddings.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/grantline/grantline/internal/config"
	"github.com/grantline/grantline/internal/domain/patent"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/metrics"
	"github.com/grantline/grantline/internal/ptgrxml"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

// backfillFetchLimit bounds one round of the missing-embeddings query.
const backfillFetchLimit = 500

// maxParseWorkers caps the member-parsing pool regardless of CPU count.
const maxParseWorkers = 8

// Params are the per-run ingest arguments.
type Params struct {
	Weeks     int
	CPCPrefix string
	SinceLast bool
}

// BatchSource discovers and fetches weekly grant archives.
type BatchSource interface {
	DiscoverWeeks(ctx context.Context, weeks int) ([]ptgrxml.WeekBatch, error)
	DownloadWeek(ctx context.Context, batch ptgrxml.WeekBatch) (string, error)
}

// ProcessedState tracks which weeks have fully completed. It survives
// restarts; a week is marked only after all of its writes landed.
type ProcessedState interface {
	Load() (map[string]struct{}, error)
	MarkProcessed(week string) error
}

// Service drives one ingest run end to end.
type Service interface {
	Run(ctx context.Context, params Params) error
}

type serviceImpl struct {
	cfg      config.Config
	source   BatchSource
	state    ProcessedState
	patents  patent.PatentStore
	chunks   patent.ChunkStore
	runState patent.StateStore
	index    patent.LexicalIndex
	embedder patent.Embedder
	metrics  *metrics.Metrics
	logger   logging.Logger
}

// NewService wires the ingest pipeline.
func NewService(
	cfg config.Config,
	source BatchSource,
	state ProcessedState,
	patents patent.PatentStore,
	chunks patent.ChunkStore,
	runState patent.StateStore,
	index patent.LexicalIndex,
	embedder patent.Embedder,
	m *metrics.Metrics,
	logger logging.Logger,
) Service {
	return &serviceImpl{
		cfg:      cfg,
		source:   source,
		state:    state,
		patents:  patents,
		chunks:   chunks,
		runState: runState,
		index:    index,
		embedder: embedder,
		metrics:  m,
		logger:   logger.Named("ingest"),
	}
}

// Run executes one ingest: week selection, per-week processing in
// ascending week order, then the embedding backfill. A week whose
// archive is gone upstream is skipped and left unmarked; any other
// failure aborts the run before the failed week is marked, so a rerun
// resumes there.
func (s *serviceImpl) Run(ctx context.Context, params Params) error {
	logger := s.logger.With(logging.String("run_id", uuid.NewString()))

	if err := s.ensureDirs(); err != nil {
		return err
	}
	if err := s.index.EnsureIndex(ctx); err != nil {
		return err
	}

	processed, err := s.state.Load()
	if err != nil {
		return err
	}

	sinceWeek := ""
	if params.SinceLast {
		sinceWeek, err = s.runState.LastWeek(ctx, patent.SourcePTGRXML)
		if err != nil {
			return err
		}
	}

	discovered, err := s.source.DiscoverWeeks(ctx, params.Weeks)
	if err != nil {
		return err
	}
	selected, skipped := ptgrxml.SelectWeeks(discovered, params.Weeks, processed, sinceWeek)
	if len(skipped) > 0 {
		s.metrics.IngestWeeks.WithLabelValues(metrics.StatusSkipped).Add(float64(len(skipped)))
		logger.Info("skipping processed weeks", logging.Int("count", len(skipped)))
	}
	if len(selected) == 0 {
		logger.Info("no new weeks to ingest")
		return nil
	}

	for _, batch := range selected {
		if err := s.processWeek(ctx, logger, batch, params.CPCPrefix); err != nil {
			s.metrics.IngestWeeks.WithLabelValues(metrics.StatusFailed).Inc()
			if errors.Is(err, ptgrxml.ErrNotFound) {
				logger.Warn("week archive missing upstream, skipping",
					logging.String("week", batch.WeekID), logging.Err(err))
				continue
			}
			return err
		}
		s.metrics.IngestWeeks.WithLabelValues(metrics.StatusOK).Inc()
	}

	return s.backfillEmbeddings(ctx, logger)
}

func (s *serviceImpl) ensureDirs() error {
	dirs := []string{
		s.cfg.Data.RawDir(),
		s.cfg.Data.ParsedDir(),
		s.cfg.Data.DerivedDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeConfigInvalid,
				"create data directory %s failed", dir)
		}
	}
	return nil
}

func (s *serviceImpl) processWeek(ctx context.Context, logger logging.Logger, batch ptgrxml.WeekBatch, cpcPrefix string) error {
	timer := metrics.NewTimer(s.metrics.IngestWeekDuration)
	defer timer.ObserveDuration()
	logger = logger.With(logging.String("week", batch.WeekID))

	archivePath, err := s.source.DownloadWeek(ctx, batch)
	if err != nil {
		return err
	}

	records, err := s.parseArchive(logger, archivePath)
	if err != nil {
		return err
	}

	var accepted int
	var weekChunks []patent.EvidenceChunk
	for _, rec := range records {
		if !rec.HasCPCPrefix(cpcPrefix) {
			s.metrics.IngestPatents.WithLabelValues(metrics.PatentFiltered).Inc()
			continue
		}
		chunks, err := s.storePatent(ctx, rec)
		if err != nil {
			return err
		}
		s.metrics.IngestPatents.WithLabelValues(metrics.PatentStored).Inc()
		weekChunks = append(weekChunks, chunks...)
		accepted++
	}

	if err := s.writeWeekChunks(batch.WeekID, weekChunks); err != nil {
		return err
	}
	if err := s.runState.SetLastWeek(ctx, patent.SourcePTGRXML, batch.WeekID); err != nil {
		return err
	}
	if err := s.state.MarkProcessed(batch.WeekID); err != nil {
		return err
	}

	logger.Info("week ingested",
		logging.Int("patents", accepted),
		logging.Int("chunks", len(weekChunks)))
	return nil
}

// parseArchive reads every XML member and parses the byte buffers on a
// bounded pool. A member that fails to parse is logged and dropped; the
// rest of the archive proceeds. Record order follows member completion,
// which is fine because every downstream write is a keyed upsert.
func (s *serviceImpl) parseArchive(logger logging.Logger, archivePath string) ([]*patent.PatentRecord, error) {
	var (
		mu      sync.Mutex
		records []*patent.PatentRecord
		g       errgroup.Group
	)
	g.SetLimit(parseWorkers())

	walkErr := ptgrxml.WalkArchiveMembers(archivePath, func(name string, r io.Reader) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeArchiveInvalid,
				"read member %s failed", name)
		}
		g.Go(func() error {
			recs, err := ptgrxml.ParseBytes(data)
			if err != nil {
				logger.Warn("skipping unparseable member",
					logging.String("member", name), logging.Err(err))
				s.metrics.IngestPatents.WithLabelValues(metrics.PatentInvalid).Inc()
				return nil
			}
			mu.Lock()
			records = append(records, recs...)
			mu.Unlock()
			return nil
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}
	return records, nil
}

func parseWorkers() int {
	n := runtime.GOMAXPROCS(0)
	if n > maxParseWorkers {
		n = maxParseWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// storePatent persists one accepted record: JSON sidecar, relational
// upsert, then chunk upsert and lexical indexing.
func (s *serviceImpl) storePatent(ctx context.Context, rec *patent.PatentRecord) ([]patent.EvidenceChunk, error) {
	if err := s.writeSidecar(rec); err != nil {
		return nil, err
	}
	if err := s.patents.UpsertPatent(ctx, rec); err != nil {
		return nil, err
	}

	chunks := patent.BuildChunks(rec)
	if len(chunks) == 0 {
		return nil, nil
	}
	if err := s.chunks.UpsertChunks(ctx, chunks); err != nil {
		return nil, err
	}
	if err := s.index.IndexChunks(ctx, chunks); err != nil {
		return nil, err
	}
	s.metrics.IngestChunks.Add(float64(len(chunks)))
	return chunks, nil
}

func (s *serviceImpl) writeSidecar(rec *patent.PatentRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode patent sidecar failed")
	}
	path := filepath.Join(s.cfg.Data.ParsedDir(), rec.PublicationNumber+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeInternal, "write patent sidecar %s failed", path)
	}
	return nil
}

// writeWeekChunks writes the week's accepted chunks as JSONL, one chunk
// per line, in emission order. The file is written even when no chunk
// was accepted so every completed week leaves a derived artifact.
func (s *serviceImpl) writeWeekChunks(week string, chunks []patent.EvidenceChunk) error {
	path := filepath.Join(s.cfg.Data.DerivedDir(), "ipg"+week+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeInternal, "create chunk log %s failed", path)
	}
	enc := json.NewEncoder(f)
	for i := range chunks {
		if err := enc.Encode(&chunks[i]); err != nil {
			_ = f.Close()
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "write chunk log failed")
		}
	}
	if err := f.Close(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "close chunk log failed")
	}
	return nil
}

// backfillEmbeddings drains chunks whose embedding is still NULL,
// issuing provider batches until none remain. Restart-safe: every
// update is keyed by chunk_id.
func (s *serviceImpl) backfillEmbeddings(ctx context.Context, logger logging.Logger) error {
	batchSize := s.cfg.Embedding.BatchSize
	if batchSize <= 0 {
		batchSize = backfillFetchLimit
	}

	var total int
	for {
		pending, err := s.chunks.MissingEmbeddings(ctx, backfillFetchLimit)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			break
		}
		for start := 0; start < len(pending); start += batchSize {
			end := start + batchSize
			if end > len(pending) {
				end = len(pending)
			}
			if err := s.embedBatch(ctx, pending[start:end]); err != nil {
				return err
			}
		}
		total += len(pending)
	}
	if total > 0 {
		logger.Info("embedding backfill complete", logging.Int("chunks", total))
	}
	return nil
}

func (s *serviceImpl) embedBatch(ctx context.Context, batch []patent.ChunkText) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(batch) {
		return apperrors.Newf(apperrors.ErrCodeInternal,
			"embedder returned %d vectors for %d texts", len(vectors), len(batch))
	}

	updates := make([]patent.ChunkVector, len(batch))
	for i, c := range batch {
		updates[i] = patent.ChunkVector{ChunkID: c.ChunkID, Vector: vectors[i]}
	}
	if err := s.chunks.UpdateEmbeddings(ctx, updates); err != nil {
		return err
	}
	s.metrics.EmbedBatches.Inc()
	return nil
}
