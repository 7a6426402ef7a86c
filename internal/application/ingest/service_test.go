package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantline/grantline/internal/config"
	"github.com/grantline/grantline/internal/domain/patent"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/metrics"
	"github.com/grantline/grantline/internal/ptgrxml"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

const grantG06F = `<?xml version="1.0" encoding="UTF-8"?>
<us-patent-grant>
  <us-bibliographic-data-grant>
    <publication-reference>
      <document-id><doc-number>US11111111B2</doc-number><date>20240102</date></document-id>
    </publication-reference>
    <invention-title>Incremental vector index maintenance</invention-title>
    <classifications-cpc>
      <classification-cpc-text>G06F 16/22</classification-cpc-text>
    </classifications-cpc>
  </us-bibliographic-data-grant>
  <abstract><p>Maintaining vector indexes incrementally as documents change.</p></abstract>
  <claims>
    <claim id="CLM-00001" num="00001">
      <claim-text>1. A method of maintaining a vector index comprising updating entries in place.</claim-text>
    </claim>
    <claim id="CLM-00002" num="00002">
      <claim-text>2. The method of claim 1, wherein stale entries are rebuilt lazily.</claim-text>
    </claim>
  </claims>
</us-patent-grant>`

const grantH04L = `<?xml version="1.0" encoding="UTF-8"?>
<us-patent-grant>
  <us-bibliographic-data-grant>
    <publication-reference>
      <document-id><doc-number>US22222222B2</doc-number><date>20240102</date></document-id>
    </publication-reference>
    <invention-title>Mail relay scheduling</invention-title>
    <classifications-cpc>
      <classification-cpc-text>H04L 12/58</classification-cpc-text>
    </classifications-cpc>
  </us-bibliographic-data-grant>
  <abstract><p>Scheduling relay windows for store-and-forward mail.</p></abstract>
  <claims>
    <claim id="CLM-00001" num="00001">
      <claim-text>1. A relay scheduler.</claim-text>
    </claim>
  </claims>
</us-patent-grant>`

const memberMalformed = `<us-patent-grant><claims><1bad></claims></us-patent-grant>`

func writeArchive(t *testing.T, week string, members map[string]string) string {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(members[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "ipg"+week+".zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

type fakeSource struct {
	batches   []ptgrxml.WeekBatch
	archives  map[string]string
	notFound  map[string]bool
	downloads []string
}

func (f *fakeSource) DiscoverWeeks(context.Context, int) ([]ptgrxml.WeekBatch, error) {
	return f.batches, nil
}

func (f *fakeSource) DownloadWeek(_ context.Context, batch ptgrxml.WeekBatch) (string, error) {
	if f.notFound[batch.WeekID] {
		return "", apperrors.Wrapf(ptgrxml.ErrNotFound, apperrors.ErrCodeDownloadFailed,
			"download %s returned status 404", batch.FileName)
	}
	f.downloads = append(f.downloads, batch.WeekID)
	return f.archives[batch.WeekID], nil
}

type fakeProcessed struct {
	weeks map[string]struct{}
}

func (f *fakeProcessed) Load() (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(f.weeks))
	for w := range f.weeks {
		out[w] = struct{}{}
	}
	return out, nil
}

func (f *fakeProcessed) MarkProcessed(week string) error {
	f.weeks[week] = struct{}{}
	return nil
}

type fakePatentStore struct {
	mu       sync.Mutex
	upserted []string
}

func (f *fakePatentStore) UpsertPatent(_ context.Context, rec *patent.PatentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, rec.PublicationNumber)
	return nil
}

func (f *fakePatentStore) GraphNeighbors(context.Context, []string, int) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

type fakeChunkStore struct {
	mu       sync.Mutex
	upserted map[string]patent.EvidenceChunk
	embedded map[string][]float32
}

func newFakeChunkStore() *fakeChunkStore {
	return &fakeChunkStore{
		upserted: make(map[string]patent.EvidenceChunk),
		embedded: make(map[string][]float32),
	}
}

func (f *fakeChunkStore) UpsertChunks(_ context.Context, chunks []patent.EvidenceChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range chunks {
		f.upserted[c.ChunkID] = c
	}
	return nil
}

func (f *fakeChunkStore) MissingEmbeddings(_ context.Context, limit int) ([]patent.ChunkText, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.upserted))
	for id := range f.upserted {
		if _, done := f.embedded[id]; !done {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]patent.ChunkText, len(ids))
	for i, id := range ids {
		out[i] = patent.ChunkText{ChunkID: id, Text: f.upserted[id].Text}
	}
	return out, nil
}

func (f *fakeChunkStore) UpdateEmbeddings(_ context.Context, updates []patent.ChunkVector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range updates {
		f.embedded[u.ChunkID] = u.Vector
	}
	return nil
}

func (f *fakeChunkStore) VectorSearch(context.Context, []float32, int) ([]patent.ChunkHit, error) {
	return nil, nil
}

type fakeStateStore struct {
	lastWeek string
}

func (f *fakeStateStore) LastWeek(context.Context, string) (string, error) {
	return f.lastWeek, nil
}

func (f *fakeStateStore) SetLastWeek(_ context.Context, _ string, week string) error {
	f.lastWeek = week
	return nil
}

type fakeIndex struct {
	mu         sync.Mutex
	ensured    int
	indexed    map[string]patent.EvidenceChunk
	failEnsure error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{indexed: make(map[string]patent.EvidenceChunk)}
}

func (f *fakeIndex) EnsureIndex(context.Context) error {
	f.ensured++
	return f.failEnsure
}

func (f *fakeIndex) IndexChunks(_ context.Context, chunks []patent.EvidenceChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range chunks {
		f.indexed[c.ChunkID] = c
	}
	return nil
}

func (f *fakeIndex) BM25Search(context.Context, string, int) ([]patent.ChunkHit, error) {
	return nil, nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	sizes []int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.sizes = append(f.sizes, len(texts))
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1, 0}
	}
	return out, nil
}

type testEnv struct {
	cfg      config.Config
	source   *fakeSource
	state    *fakeProcessed
	patents  *fakePatentStore
	chunks   *fakeChunkStore
	runState *fakeStateStore
	index    *fakeIndex
	embedder *fakeEmbedder
	metrics  *metrics.Metrics
	svc      Service
}

func newTestEnv(t *testing.T, source *fakeSource) *testEnv {
	t.Helper()

	env := &testEnv{
		cfg: config.Config{
			Data:      config.DataConfig{Root: t.TempDir()},
			Embedding: config.EmbeddingConfig{BatchSize: 2},
		},
		source:   source,
		state:    &fakeProcessed{weeks: make(map[string]struct{})},
		patents:  &fakePatentStore{},
		chunks:   newFakeChunkStore(),
		runState: &fakeStateStore{},
		index:    newFakeIndex(),
		embedder: &fakeEmbedder{},
		metrics:  metrics.New(),
	}
	env.svc = NewService(
		env.cfg,
		env.source,
		env.state,
		env.patents,
		env.chunks,
		env.runState,
		env.index,
		env.embedder,
		env.metrics,
		logging.NewNopLogger(),
	)
	return env
}

func weekBatch(week string) ptgrxml.WeekBatch {
	return ptgrxml.WeekBatch{
		WeekID:   week,
		FileName: "ipg" + week + ".zip",
		URL:      "https://bulkdata.example/ipg" + week + ".zip",
	}
}

func TestRun_EndToEnd(t *testing.T) {
	archive := writeArchive(t, "20240102", map[string]string{
		"ipg240102-001.xml": grantG06F,
		"ipg240102-002.xml": grantH04L,
		"ipg240102-003.xml": memberMalformed,
	})
	source := &fakeSource{
		batches:  []ptgrxml.WeekBatch{weekBatch("20240102")},
		archives: map[string]string{"20240102": archive},
	}
	env := newTestEnv(t, source)

	err := env.svc.Run(context.Background(), Params{Weeks: 12, CPCPrefix: "G06F"})
	require.NoError(t, err)

	assert.Equal(t, 1, env.index.ensured)
	assert.Equal(t, []string{"US11111111B2"}, env.patents.upserted)

	// Abstract plus two claims.
	assert.Len(t, env.chunks.upserted, 3)
	assert.Len(t, env.index.indexed, 3)
	for id := range env.chunks.upserted {
		assert.Contains(t, env.index.indexed, id)
	}

	sidecar := filepath.Join(env.cfg.Data.ParsedDir(), "US11111111B2.json")
	data, err := os.ReadFile(sidecar)
	require.NoError(t, err)
	var rec patent.PatentRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "US11111111B2", rec.PublicationNumber)
	assert.NoFileExists(t, filepath.Join(env.cfg.Data.ParsedDir(), "US22222222B2.json"))

	jsonl, err := os.ReadFile(filepath.Join(env.cfg.Data.DerivedDir(), "ipg20240102.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(jsonl)), "\n")
	assert.Len(t, lines, 3)
	var chunk patent.EvidenceChunk
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &chunk))
	assert.Equal(t, "US11111111B2", chunk.PublicationNumber)

	_, done := env.state.weeks["20240102"]
	assert.True(t, done)
	assert.Equal(t, "20240102", env.runState.lastWeek)

	// Backfill drained every chunk in provider-sized batches.
	assert.Len(t, env.chunks.embedded, 3)
	assert.Equal(t, []int{2, 1}, env.embedder.sizes)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.IngestWeeks.WithLabelValues(metrics.StatusOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.IngestPatents.WithLabelValues(metrics.PatentStored)))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.IngestPatents.WithLabelValues(metrics.PatentFiltered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.IngestPatents.WithLabelValues(metrics.PatentInvalid)))
	assert.Equal(t, 3.0, testutil.ToFloat64(env.metrics.IngestChunks))
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.EmbedBatches))
}

func TestRun_SecondRunSkipsProcessedWeek(t *testing.T) {
	archive := writeArchive(t, "20240102", map[string]string{
		"ipg240102-001.xml": grantG06F,
	})
	source := &fakeSource{
		batches:  []ptgrxml.WeekBatch{weekBatch("20240102")},
		archives: map[string]string{"20240102": archive},
	}
	env := newTestEnv(t, source)

	require.NoError(t, env.svc.Run(context.Background(), Params{Weeks: 12, CPCPrefix: "G06F"}))
	embedCalls := len(env.embedder.sizes)

	require.NoError(t, env.svc.Run(context.Background(), Params{Weeks: 12, CPCPrefix: "G06F"}))

	assert.Equal(t, []string{"20240102"}, env.source.downloads)
	assert.Len(t, env.embedder.sizes, embedCalls)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.IngestWeeks.WithLabelValues(metrics.StatusSkipped)))
}

func TestRun_MissingArchiveSkipsWeek(t *testing.T) {
	archive := writeArchive(t, "20240102", map[string]string{
		"ipg240102-001.xml": grantG06F,
	})
	source := &fakeSource{
		batches:  []ptgrxml.WeekBatch{weekBatch("20240109"), weekBatch("20240102")},
		archives: map[string]string{"20240102": archive},
		notFound: map[string]bool{"20240109": true},
	}
	env := newTestEnv(t, source)

	err := env.svc.Run(context.Background(), Params{Weeks: 12, CPCPrefix: "G06F"})
	require.NoError(t, err)

	_, done := env.state.weeks["20240102"]
	assert.True(t, done)
	_, done = env.state.weeks["20240109"]
	assert.False(t, done)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.IngestWeeks.WithLabelValues(metrics.StatusOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.IngestWeeks.WithLabelValues(metrics.StatusFailed)))
}

func TestRun_SinceLastNarrowsWindow(t *testing.T) {
	archive := writeArchive(t, "20240116", map[string]string{
		"ipg240116-001.xml": grantG06F,
	})
	source := &fakeSource{
		batches:  []ptgrxml.WeekBatch{weekBatch("20240116"), weekBatch("20240109"), weekBatch("20240102")},
		archives: map[string]string{"20240116": archive},
	}
	env := newTestEnv(t, source)
	env.runState.lastWeek = "20240109"

	err := env.svc.Run(context.Background(), Params{Weeks: 12, CPCPrefix: "G06F", SinceLast: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"20240116"}, env.source.downloads)
	assert.Equal(t, "20240116", env.runState.lastWeek)
}

func TestRun_IndexCreationFailureIsFatal(t *testing.T) {
	source := &fakeSource{batches: []ptgrxml.WeekBatch{weekBatch("20240102")}}
	env := newTestEnv(t, source)
	env.index.failEnsure = apperrors.New(apperrors.ErrCodeIndexCreate, "index creation refused")

	err := env.svc.Run(context.Background(), Params{Weeks: 12, CPCPrefix: "G06F"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeIndexCreate))
	assert.Empty(t, env.source.downloads)
}
