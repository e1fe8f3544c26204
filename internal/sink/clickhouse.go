package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/internal/models"
)

// ErrSchemaIncompatible is returned by Check when the target table cannot hold EventRecords.
var ErrSchemaIncompatible = errors.New("sink schema incompatible")

// Columns are the target table columns in insert order.
var Columns = []string{"sslsni", "subscriberid", "hour_key", "count", "up", "down", "inserted_time"}

// Config holds ClickHouse connection and table settings.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	Table          string
	DialTimeout    time.Duration
	MaxOpenConns   int
	Compression    bool
	DedupWindow    int
	CreateIfAbsent bool
}

// DefaultConfig returns settings matching a local single-node ClickHouse.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         9000,
		User:         "default",
		Database:     "default",
		Table:        "raw_url",
		DialTimeout:  10 * time.Second,
		MaxOpenConns: 4,
		Compression:  true,
		DedupWindow:  1000,
	}
}

// QualifiedTable returns the backtick-quoted database.table identifier.
func (c Config) QualifiedTable() string {
	return quoteIdent(c.Database) + "." + quoteIdent(c.Table)
}

type conn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	Exec(ctx context.Context, query string, args ...any) error
	Ping(ctx context.Context) error
	Close() error
}

// ClickHouseWriter appends batches with a single native-protocol INSERT each.
type ClickHouseWriter struct {
	conn   conn
	config Config
	query  string
	logger *logging.Logger

	withSettings func(context.Context, clickhouse.Settings) context.Context
}

// NewClickHouseWriter opens a connection pool and verifies it with a ping.
func NewClickHouseWriter(ctx context.Context, cfg Config, logger *logging.Logger) (*ClickHouseWriter, error) {
	if logger == nil {
		logger = logging.Default()
	}

	opts := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout:  cfg.DialTimeout,
		MaxOpenConns: cfg.MaxOpenConns,
	}
	if cfg.Compression {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}

	c, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return newClickHouseWriter(c, cfg, logger), nil
}

func newClickHouseWriter(c conn, cfg Config, logger *logging.Logger) *ClickHouseWriter {
	return &ClickHouseWriter{
		conn:         c,
		config:       cfg,
		query:        insertQuery(cfg),
		logger:       logger,
		withSettings: settingsContext,
	}
}

func settingsContext(ctx context.Context, settings clickhouse.Settings) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(settings))
}

// insertSettings returns the per-query settings for inserting batch.
func insertSettings(batch *models.Batch) clickhouse.Settings {
	return clickhouse.Settings{
		"insert_deduplication_token": batch.Token(),
	}
}

func insertQuery(cfg Config) string {
	return fmt.Sprintf("INSERT INTO %s (%s)", cfg.QualifiedTable(), strings.Join(Columns, ", "))
}

// CreateTableQuery returns the DDL used when CreateIfAbsent is set.
func CreateTableQuery(cfg Config) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    sslsni String,
    subscriberid String,
    hour_key Int32,
    count Int32,
    up Int32,
    down Int32,
    inserted_time DateTime
) ENGINE = MergeTree
ORDER BY (hour_key, subscriberid)
SETTINGS non_replicated_deduplication_window = %d`, cfg.QualifiedTable(), cfg.DedupWindow)
}

// Initialize creates the table when configured to and verifies its columns.
func (w *ClickHouseWriter) Initialize(ctx context.Context) error {
	if w.config.CreateIfAbsent {
		if err := w.conn.Exec(ctx, CreateTableQuery(w.config)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", w.config.QualifiedTable(), err)
		}
		w.logger.Info("Ensured sink table", slog.String("table", w.config.QualifiedTable()))
	}
	return w.Check(ctx)
}

// Check verifies that every insert column exists on the target table.
func (w *ClickHouseWriter) Check(ctx context.Context) error {
	rows, err := w.conn.Query(ctx,
		"SELECT name, type FROM system.columns WHERE database = ? AND table = ?",
		w.config.Database, w.config.Table)
	if err != nil {
		return fmt.Errorf("failed to describe %s: %w", w.config.QualifiedTable(), err)
	}
	defer rows.Close()

	found := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return fmt.Errorf("failed to scan column: %w", err)
		}
		found[name] = typ
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read columns: %w", err)
	}

	return checkColumns(w.config.QualifiedTable(), found)
}

func checkColumns(table string, found map[string]string) error {
	if len(found) == 0 {
		return fmt.Errorf("%w: table %s does not exist", ErrSchemaIncompatible, table)
	}
	var missing []string
	for _, col := range Columns {
		if _, ok := found[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: table %s is missing columns %s", ErrSchemaIncompatible, table, strings.Join(missing, ", "))
	}
	return nil
}

// Write sends the batch as one INSERT. The batch token is passed as
// insert_deduplication_token so a replay of the same range is dropped by MergeTree.
func (w *ClickHouseWriter) Write(ctx context.Context, batch *models.Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	ctx = w.withSettings(ctx, insertSettings(batch))

	b, err := w.conn.PrepareBatch(ctx, w.query)
	if err != nil {
		return Classify(fmt.Errorf("prepare batch: %w", err))
	}

	for i, rec := range batch.Records {
		if err := b.Append(RowValues(rec)...); err != nil {
			_ = b.Abort()
			return &Error{
				Kind: ConstraintViolation,
				Err:  fmt.Errorf("append row at offset %d: %w", batch.Sources[i].Offset, err),
			}
		}
	}

	if err := b.Send(); err != nil {
		return Classify(fmt.Errorf("send batch: %w", err))
	}
	return nil
}

// Close releases the connection pool.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

// RowValues returns rec's column values in Columns order.
func RowValues(rec models.EventRecord) []any {
	return []any{
		rec.ClientIdentifier,
		rec.SubscriberIdentifier,
		rec.HourBucket,
		rec.Count,
		rec.BytesUp,
		rec.BytesDown,
		rec.IngestedAt,
	}
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}
