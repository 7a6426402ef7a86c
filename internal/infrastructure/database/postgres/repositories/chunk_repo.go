package repositories

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/grantline/grantline/internal/domain/patent"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

// ChunkRepository implements patent.ChunkStore over pgx with a pgvector
// embedding column.
type ChunkRepository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewChunkRepository constructs a ready-to-use ChunkRepository.
func NewChunkRepository(pool *pgxpool.Pool, logger logging.Logger) *ChunkRepository {
	return &ChunkRepository{pool: pool, logger: logger.Named("postgres.chunks")}
}

// UpsertChunks writes chunks keyed by chunk_id. A conflicting row has its
// text and per-section fields refreshed while the embedding column is left
// untouched; since the id covers the text hash, a changed text is a new row
// and starts unembedded.
func (r *ChunkRepository) UpsertChunks(ctx context.Context, chunks []patent.EvidenceChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDBTransaction, "begin chunk upsert failed")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, c := range chunks {
		meta := c.Metadata
		if meta == nil {
			meta = map[string]interface{}{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeDBQuery,
				"encode metadata for chunk %s failed", c.ChunkID)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO chunks (
				chunk_id, publication_number, section_type, claim_num,
				para_id, is_dependent, text, text_hash, metadata, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
			ON CONFLICT (chunk_id) DO UPDATE SET
				text         = EXCLUDED.text,
				text_hash    = EXCLUDED.text_hash,
				metadata     = EXCLUDED.metadata,
				claim_num    = EXCLUDED.claim_num,
				para_id      = EXCLUDED.para_id,
				is_dependent = EXCLUDED.is_dependent,
				updated_at   = now()`,
			c.ChunkID, c.PublicationNumber, c.SectionType.String(), nullable(c.ClaimNum),
			nullable(c.ParaID), c.IsDependent, c.Text, c.TextHash, metaJSON)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeDBQuery,
				"upsert chunk %s failed", c.ChunkID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDBTransaction, "commit chunk upsert failed")
	}
	return nil
}

// MissingEmbeddings returns up to limit chunks whose embedding is null.
func (r *ChunkRepository) MissingEmbeddings(ctx context.Context, limit int) ([]patent.ChunkText, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT chunk_id, text
		FROM chunks
		WHERE embedding IS NULL
		ORDER BY chunk_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDBQuery, "missing embeddings query failed")
	}
	defer rows.Close()

	var out []patent.ChunkText
	for rows.Next() {
		var ct patent.ChunkText
		if err := rows.Scan(&ct.ChunkID, &ct.Text); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeDBQuery, "scan missing embedding failed")
		}
		out = append(out, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDBQuery, "missing embeddings query failed")
	}
	return out, nil
}

// UpdateEmbeddings stores vectors for existing chunk rows.
func (r *ChunkRepository) UpdateEmbeddings(ctx context.Context, vectors []patent.ChunkVector) error {
	if len(vectors) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDBTransaction, "begin embedding update failed")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, v := range vectors {
		if _, err := tx.Exec(ctx,
			`UPDATE chunks SET embedding = $1, updated_at = now() WHERE chunk_id = $2`,
			pgvector.NewVector(v.Vector), v.ChunkID); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeDBQuery,
				"update embedding for chunk %s failed", v.ChunkID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDBTransaction, "commit embedding update failed")
	}
	return nil
}

// VectorSearch returns the topK embedded chunks nearest to the query vector
// by cosine distance, scored as 1 - distance so larger is better.
func (r *ChunkRepository) VectorSearch(ctx context.Context, queryVector []float32, topK int) ([]patent.ChunkHit, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT chunk_id, publication_number, section_type, text,
		       1 - (embedding <=> $1) AS score
		FROM chunks
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2`, pgvector.NewVector(queryVector), topK)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDBQuery, "vector search failed")
	}
	defer rows.Close()

	var hits []patent.ChunkHit
	for rows.Next() {
		var hit patent.ChunkHit
		var section string
		if err := rows.Scan(&hit.ChunkID, &hit.PublicationNumber, &section, &hit.Text, &hit.Score); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeDBQuery, "scan vector hit failed")
		}
		hit.SectionType = patent.SectionType(section)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDBQuery, "vector search failed")
	}
	return hits, nil
}
