// Package postgres writes verification results into Postgres with COPY.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "link_reports"

var columns = []string{
	"run_id",
	"resource_id",
	"verified_url",
	"original_url",
	"parent_url",
	"internal",
	"kind",
	"status",
	"status_text",
	"size_bytes",
	"content_type",
	"checked_at",
	"duration_ms",
}

const schema = `
CREATE TABLE IF NOT EXISTS %s (
	run_id       TEXT        NOT NULL,
	resource_id  BIGINT      NOT NULL,
	verified_url TEXT        NOT NULL,
	original_url TEXT        NOT NULL,
	parent_url   TEXT,
	internal     BOOLEAN     NOT NULL,
	kind         TEXT        NOT NULL,
	status       INTEGER     NOT NULL,
	status_text  TEXT        NOT NULL,
	size_bytes   BIGINT      NOT NULL,
	content_type TEXT,
	checked_at   TIMESTAMPTZ NOT NULL,
	duration_ms  BIGINT      NOT NULL,
	PRIMARY KEY (run_id, resource_id)
)`

// Config controls the connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type copier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Close()
}

// Writer copies result batches into one table, tagged with the run id.
type Writer struct {
	pool  copier
	table string
	runID string
}

// New connects to Postgres and creates the table when missing.
func New(ctx context.Context, cfg Config, runID string) (*Writer, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("report.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	w, err := NewWithPool(ctx, pool, cfg.Table, runID)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return w, nil
}

// NewWithPool builds a Writer on an existing pool.
func NewWithPool(ctx context.Context, pool copier, table, runID string) (*Writer, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(schema, table)); err != nil {
		return nil, fmt.Errorf("create report table: %w", err)
	}
	return &Writer{pool: pool, table: table, runID: runID}, nil
}

// Name implements report.Writer.
func (w *Writer) Name() string { return "postgres" }

// Write copies batch into the table.
func (w *Writer) Write(ctx context.Context, batch []crawler.VerificationResult) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(batch))
	for _, res := range batch {
		rows = append(rows, []any{
			w.runID,
			int64(res.ID),
			res.VerifiedURL,
			res.OriginalURL,
			nullable(res.ParentURL),
			res.Internal,
			string(res.Kind),
			int32(res.Status),
			res.Status.String(),
			res.Size,
			nullable(res.ContentType),
			res.CheckedAt,
			res.Duration.Milliseconds(),
		})
	}
	n, err := w.pool.CopyFrom(ctx, pgx.Identifier{w.table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy reports: %w", err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("copy reports: wrote %d of %d rows", n, len(rows))
	}
	return nil
}

// Close releases the pool.
func (w *Writer) Close(context.Context) error {
	w.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
