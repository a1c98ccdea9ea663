package history

import (
	"context"
	"database/sql"
	"time"

	"pricewatch/internal/logger"
	"pricewatch/internal/models"

	"go.uber.org/zap"
)

// Store persists periodic price samples and purges them past the
// retention window.
type Store interface {
	InsertSamples(ctx context.Context, snaps []models.PriceSnapshot) error
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// PostgresStore implements Store on Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InsertSamples(ctx context.Context, snaps []models.PriceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	query := `
		INSERT INTO price_history (symbol, price, change_24h, change_percent_24h, market_cap, volume_24h, sampled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, snap := range snaps {
		if _, err := tx.ExecContext(
			ctx,
			query,
			snap.Symbol,
			snap.Price,
			snap.Change24h,
			snap.ChangePercent24h,
			snap.MarketCap,
			snap.Volume24h,
			snap.FetchedAt,
		); err != nil {
			logger.Log.Error("Failed to insert price sample",
				zap.String("symbol", snap.Symbol),
				zap.Error(err),
			)
			return err
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM price_history WHERE sampled_at < $1`

	result, err := s.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		logger.Log.Error("Failed to purge price history", zap.Error(err))
		return 0, err
	}

	return result.RowsAffected()
}
