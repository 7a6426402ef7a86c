package patent

import "context"

// ChunkText pairs a chunk identity with its text, for embedding backfill.
type ChunkText struct {
	ChunkID string
	Text    string
}

// ChunkVector pairs a chunk identity with its embedding vector.
type ChunkVector struct {
	ChunkID string
	Vector  []float32
}

// ChunkHit is one scored chunk returned by either retrieval side. Score is
// the raw engine score (BM25 or cosine similarity); fusion and normalization
// happen in the retrieval service.
type ChunkHit struct {
	ChunkID           string      `json:"chunk_id"`
	PublicationNumber string      `json:"publication_number"`
	SectionType       SectionType `json:"section_type"`
	Text              string      `json:"text"`
	Score             float64     `json:"score"`
	Highlights        []string    `json:"highlights,omitempty"`
}

// PatentStore persists patent rows and their CPC/citation associations and
// answers graph-neighborhood queries over them.
type PatentStore interface {
	// UpsertPatent inserts or overwrites the patent row and replaces its
	// CPC and citation association rows in the same transaction.
	UpsertPatent(ctx context.Context, rec *PatentRecord) error

	// GraphNeighbors returns the union of publications cited by any input
	// publication and publications sharing a CPC subclass with any input,
	// bounded by limit per branch.
	GraphNeighbors(ctx context.Context, publications []string, limit int) (map[string]struct{}, error)
}

// ChunkStore persists evidence chunks and their embedding vectors and
// answers vector-similarity queries.
type ChunkStore interface {
	// UpsertChunks writes chunks keyed by chunk_id. On conflict the text,
	// metadata, and per-section key fields are updated; the embedding
	// column is left untouched.
	UpsertChunks(ctx context.Context, chunks []EvidenceChunk) error

	// MissingEmbeddings returns up to limit (chunk_id, text) pairs whose
	// embedding is null. No ordering guarantee.
	MissingEmbeddings(ctx context.Context, limit int) ([]ChunkText, error)

	// UpdateEmbeddings writes embedding vectors for existing chunk rows.
	UpdateEmbeddings(ctx context.Context, vectors []ChunkVector) error

	// VectorSearch returns the topK chunks with a non-null embedding by
	// cosine similarity to the query vector, best first.
	VectorSearch(ctx context.Context, queryVector []float32, topK int) ([]ChunkHit, error)
}

// StateStore persists per-source ingestion progress.
type StateStore interface {
	// LastWeek returns the most recent completed week for source, or the
	// empty string when the source has never completed a week.
	LastWeek(ctx context.Context, source string) (string, error)

	// SetLastWeek records week as the most recent completed week for source.
	SetLastWeek(ctx context.Context, source, week string) error
}

// LexicalIndex mirrors chunks into a BM25-searchable index.
type LexicalIndex interface {
	// EnsureIndex creates the chunk index if it does not exist. Idempotent.
	EnsureIndex(ctx context.Context) error

	// IndexChunks upserts chunks by chunk_id without per-document refresh,
	// then issues one refresh at batch end.
	IndexChunks(ctx context.Context, chunks []EvidenceChunk) error

	// BM25Search runs a match query over chunk text and returns ordered
	// hits with highlight fragments.
	BM25Search(ctx context.Context, query string, topK int) ([]ChunkHit, error)
}

// Embedder turns texts into fixed-dimension vectors. Implementations must
// return one vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
