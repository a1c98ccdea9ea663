package database

import (
	"context"
	"database/sql"
	"time"

	"pricewatch/internal/logger"

	_ "github.com/lib/pq"
)

// Open connects to Postgres, configures the pool, and verifies the
// connection before returning it.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Log.Info("Database connection established")
	return db, nil
}
