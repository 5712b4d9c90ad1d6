package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/noah-isme/timetable-engine/pkg/config"
)

const qtableSchema = `CREATE TABLE IF NOT EXISTS repair_qtables (
	scope      TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	q_values   JSONB NOT NULL,
	updates    BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
)`

// DSN renders the lib/pq connection string.
func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)
}

// NewPostgres returns a configured PostgreSQL client.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", DSN(cfg))
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// EnsureQTableSchema creates the Q-table store's table when missing. The
// scheduling records themselves are owned by the record store.
func EnsureQTableSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, qtableSchema); err != nil {
		return fmt.Errorf("create repair_qtables: %w", err)
	}
	return nil
}
