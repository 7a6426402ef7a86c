package repositories

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grantline/grantline/internal/domain/patent"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

// PatentRepository implements patent.PatentStore over pgx.
type PatentRepository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPatentRepository constructs a ready-to-use PatentRepository.
func NewPatentRepository(pool *pgxpool.Pool, logger logging.Logger) *PatentRepository {
	return &PatentRepository{pool: pool, logger: logger.Named("postgres.patents")}
}

// UpsertPatent writes the patent row and replaces its CPC and citation
// association rows in a single transaction, so a re-ingested week converges
// on the latest parse instead of accumulating stale associations.
func (r *PatentRepository) UpsertPatent(ctx context.Context, rec *patent.PatentRecord) error {
	rawJSON, err := json.Marshal(rec.Raw)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeDBQuery,
			"encode raw snapshot for %s failed", rec.PublicationNumber)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDBTransaction, "begin patent upsert failed")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO patents (publication_number, grant_date, title, abstract, raw, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (publication_number) DO UPDATE SET
			grant_date = EXCLUDED.grant_date,
			title      = EXCLUDED.title,
			abstract   = EXCLUDED.abstract,
			raw        = EXCLUDED.raw,
			updated_at = now()`,
		rec.PublicationNumber, nullable(rec.GrantDate), rec.Title, rec.Abstract, rawJSON)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeDBQuery,
			"upsert patent %s failed", rec.PublicationNumber)
	}

	if _, err = tx.Exec(ctx,
		`DELETE FROM patent_cpc WHERE publication_number = $1`, rec.PublicationNumber); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeDBQuery,
			"clear CPC codes for %s failed", rec.PublicationNumber)
	}
	for _, code := range rec.CPCCodes {
		if _, err = tx.Exec(ctx, `
			INSERT INTO patent_cpc (publication_number, cpc_code)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			rec.PublicationNumber, code); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeDBQuery,
				"insert CPC code for %s failed", rec.PublicationNumber)
		}
	}

	if _, err = tx.Exec(ctx,
		`DELETE FROM patent_citations WHERE publication_number = $1`, rec.PublicationNumber); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeDBQuery,
			"clear citations for %s failed", rec.PublicationNumber)
	}
	for _, cited := range rec.Citations {
		if _, err = tx.Exec(ctx, `
			INSERT INTO patent_citations (publication_number, cited_publication_number)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			rec.PublicationNumber, cited); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeDBQuery,
				"insert citation for %s failed", rec.PublicationNumber)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDBTransaction, "commit patent upsert failed")
	}
	return nil
}

// GraphNeighbors collects publications adjacent to the input set: every
// publication cited by an input, plus every publication sharing a CPC
// subclass (the code up to the first slash) with an input. Each branch is
// bounded by limit. The CPC side matches the inputs themselves too, so
// seed publications carrying CPC codes appear in the result.
func (r *PatentRepository) GraphNeighbors(ctx context.Context, publications []string, limit int) (map[string]struct{}, error) {
	neighbors := make(map[string]struct{})
	if len(publications) == 0 || limit <= 0 {
		return neighbors, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT cited_publication_number
		FROM patent_citations
		WHERE publication_number = ANY($1)
		LIMIT $2`, publications, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDBQuery, "citation neighbors query failed")
	}
	defer rows.Close()
	for rows.Next() {
		var cited string
		if err := rows.Scan(&cited); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeDBQuery, "scan citation neighbor failed")
		}
		neighbors[cited] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDBQuery, "citation neighbors query failed")
	}

	rows, err = r.pool.Query(ctx, `
		SELECT DISTINCT b.publication_number
		FROM patent_cpc a
		JOIN patent_cpc b
		  ON split_part(a.cpc_code, '/', 1) = split_part(b.cpc_code, '/', 1)
		WHERE a.publication_number = ANY($1)
		LIMIT $2`, publications, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDBQuery, "CPC neighbors query failed")
	}
	defer rows.Close()
	for rows.Next() {
		var pub string
		if err := rows.Scan(&pub); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeDBQuery, "scan CPC neighbor failed")
		}
		neighbors[pub] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDBQuery, "CPC neighbors query failed")
	}

	return neighbors, nil
}
