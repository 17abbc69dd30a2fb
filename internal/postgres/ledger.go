package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhythm-ranking/internal/config"
	"github.com/rhythm-ranking/internal/domain"
)

// LedgerRepository is the append-only store of accepted score submissions
type LedgerRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewLedgerRepository creates a new PostgreSQL ledger repository
func NewLedgerRepository(ctx context.Context, cfg *config.PostgresConfig, logger *slog.Logger) (*LedgerRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &LedgerRepository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *LedgerRepository) Close() {
	r.pool.Close()
}

// Ping checks that the database is reachable
func (r *LedgerRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations creates the ledger schema
func (r *LedgerRepository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS score_submissions (
			id UUID PRIMARY KEY,
			nickname VARCHAR(32) NOT NULL,
			chart_id VARCHAR(128) NOT NULL,
			score BIGINT NOT NULL,
			accuracy DOUBLE PRECISION NOT NULL,
			max_combo BIGINT NOT NULL,
			client_at TIMESTAMPTZ NOT NULL,
			server_created_at TIMESTAMPTZ NOT NULL,
			integrity_hash CHAR(64) NOT NULL,
			user_agent TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_score_submissions_chart ON score_submissions(chart_id, server_created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_score_submissions_integrity ON score_submissions(integrity_hash, server_created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := r.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// Append durably inserts an immutable submission record
func (r *LedgerRepository) Append(ctx context.Context, rec *domain.ScoreRecord) error {
	query := `
		INSERT INTO score_submissions (
			id, nickname, chart_id, score, accuracy, max_combo,
			client_at, server_created_at, integrity_hash, user_agent
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.Nickname,
		rec.ChartID,
		rec.Score,
		rec.Accuracy,
		rec.MaxCombo,
		rec.ClientAt,
		rec.ServerCreatedAt,
		rec.IntegrityHash,
		rec.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("appending submission: %w", err)
	}
	return nil
}
