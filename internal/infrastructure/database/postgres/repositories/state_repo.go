package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

// StateRepository implements patent.StateStore over the ingestion_state
// table.
type StateRepository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewStateRepository constructs a ready-to-use StateRepository.
func NewStateRepository(pool *pgxpool.Pool, logger logging.Logger) *StateRepository {
	return &StateRepository{pool: pool, logger: logger.Named("postgres.state")}
}

// LastWeek returns the most recent completed week for source, or "" when the
// source has never completed one.
func (r *StateRepository) LastWeek(ctx context.Context, source string) (string, error) {
	var week string
	err := r.pool.QueryRow(ctx,
		`SELECT last_week FROM ingestion_state WHERE source = $1`, source).Scan(&week)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrCodeDBQuery,
			"read last week for %s failed", source)
	}
	return week, nil
}

// SetLastWeek records week as the most recent completed week for source.
func (r *StateRepository) SetLastWeek(ctx context.Context, source, week string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ingestion_state (source, last_week, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (source) DO UPDATE SET
			last_week  = EXCLUDED.last_week,
			updated_at = now()`, source, week)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeDBQuery,
			"set last week for %s failed", source)
	}
	return nil
}
