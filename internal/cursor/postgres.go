package cursor

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/flowsink/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresConfig configures the Postgres cursor store.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
	Migrate  bool
}

// Migrate applies the cursor table migrations.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// PostgresStore keeps one row per (topic, partition).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool and verifies it.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// one writer per partition plus the CLI
	config.MaxConns = 8
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Load(ctx context.Context, topic string, partition int32) (models.CommitCursor, bool, error) {
	c := models.CommitCursor{Topic: topic, Partition: partition}
	err := s.pool.QueryRow(ctx, `
		SELECT committed_offset, updated_at
		FROM flowsink_cursors
		WHERE topic = $1 AND partition_id = $2
	`, topic, partition).Scan(&c.Offset, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CommitCursor{}, false, nil
	}
	if err != nil {
		return models.CommitCursor{}, false, fmt.Errorf("failed to load cursor: %w", err)
	}
	return c, true, nil
}

func (s *PostgresStore) Save(ctx context.Context, c models.CommitCursor) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO flowsink_cursors (topic, partition_id, committed_offset, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (topic, partition_id) DO UPDATE
		SET committed_offset = EXCLUDED.committed_offset, updated_at = EXCLUDED.updated_at
		WHERE flowsink_cursors.committed_offset < EXCLUDED.committed_offset
	`, c.Topic, c.Partition, c.Offset, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: partition %d offset %d", ErrStaleOffset, c.Partition, c.Offset)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, topic string) ([]models.CommitCursor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT partition_id, committed_offset, updated_at
		FROM flowsink_cursors
		WHERE topic = $1
		ORDER BY partition_id
	`, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var out []models.CommitCursor
	for rows.Next() {
		c := models.CommitCursor{Topic: topic}
		if err := rows.Scan(&c.Partition, &c.Offset, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
