package writer

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"snowpulse/config"
	"snowpulse/logger"
	"snowpulse/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const rawTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
    id              BIGSERIAL PRIMARY KEY,
    record_content  JSONB       NOT NULL,
    record_metadata JSONB       NOT NULL,
    channel_name    TEXT        NOT NULL,
    row_offset      BIGINT      NOT NULL,
    inserted_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

const (
	openChannelSQL = `
INSERT INTO channel_offsets (table_name, channel_name, start_offset, end_offset)
VALUES ($1, $2, 0, 0)
ON CONFLICT (table_name, channel_name) DO UPDATE
SET start_offset = 0,
    end_offset   = 0,
    opened_at    = NOW(),
    committed_at = NOW();`

	previousOffsetSQL = `
SELECT COALESCE((SELECT end_offset FROM channel_offsets WHERE table_name = $1 AND channel_name = $2), 0);`

	lockOffsetSQL = `
SELECT end_offset FROM channel_offsets
WHERE table_name = $1 AND channel_name = $2
FOR UPDATE;`

	commitOffsetSQL = `
UPDATE channel_offsets
SET start_offset = $3,
    end_offset   = $4,
    rows_total   = rows_total + $5,
    committed_at = NOW()
WHERE table_name = $1 AND channel_name = $2;`
)

var rawColumns = []string{"record_content", "record_metadata", "channel_name", "row_offset"}

// ApplyMigrations brings the schema reachable through dsn up to date. When
// schema is set it becomes the search path, so the offset table and the
// migration history live next to the raw tables.
func ApplyMigrations(ctx context.Context, dsn, schema string) error {
	log := logger.GetLogger().WithComponent("postgres_channel")

	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	if schema != "" {
		connCfg.RuntimeParams["search_path"] = schema
	}
	db := stdlib.OpenDB(*connCfg)
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.WithError(cerr).Warn("database migrations close")
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			log.WithError(sourceErr).Warn("database migrations source close")
		}
		if dbErr != nil {
			log.WithError(dbErr).Warn("database migrations db close")
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("database migrations up-to-date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.WithFields(logger.Fields{"schema": schema}).Info("database migrations applied")
	return nil
}

// PostgresClient stores envelopes as JSONB rows and records every
// committed offset window in channel_offsets, in the same transaction.
type PostgresClient struct {
	name  string
	table string
	pool  *pgxpool.Pool
	log   *logger.Log
}

func NewPostgresClient(ctx context.Context, cfg config.PostgresConfig, ch config.ChannelConfig) (*PostgresClient, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.Schema != "" {
		poolCfg.ConnConfig.RuntimeParams["search_path"] = cfg.Schema
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{cfg.Schema}.Sanitize()); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema %s: %w", cfg.Schema, err)
		}
	}
	if cfg.Migrate {
		if err := ApplyMigrations(ctx, cfg.DSN, cfg.Schema); err != nil {
			pool.Close()
			return nil, err
		}
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(rawTableDDL, pgx.Identifier{ch.Table}.Sanitize())); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure table %s: %w", ch.Table, err)
	}

	c := &PostgresClient{name: ch.Client, table: ch.Table, pool: pool, log: logger.GetLogger()}
	c.log.WithComponent("postgres_channel").WithFields(logger.Fields{
		"client":    ch.Client,
		"table":     ch.Table,
		"schema":    cfg.Schema,
		"max_conns": poolCfg.MaxConns,
	}).Info("postgres client initialized")
	return c, nil
}

func (c *PostgresClient) Name() string  { return c.name }
func (c *PostgresClient) Table() string { return c.table }

// OpenChannel starts a new generation of the channel: its committed window
// is reset to (0,0) so that a fresh offset counter is accepted.
func (c *PostgresClient) OpenChannel(ctx context.Context, name string) (IngestChannel, error) {
	var previousEnd int64
	if err := c.pool.QueryRow(ctx, previousOffsetSQL, c.table, name).Scan(&previousEnd); err != nil {
		return nil, fmt.Errorf("read channel %s offset: %w", name, err)
	}
	if _, err := c.pool.Exec(ctx, openChannelSQL, c.table, name); err != nil {
		return nil, fmt.Errorf("open channel %s: %w", name, err)
	}
	c.log.WithComponent("postgres_channel").WithFields(logger.Fields{
		"table":               c.table,
		"channel":             name,
		"previous_end_offset": previousEnd,
	}).Info("channel opened")
	return &postgresChannel{name: name, client: c}, nil
}

func (c *PostgresClient) Close() error {
	c.pool.Close()
	return nil
}

type postgresChannel struct {
	name   string
	client *PostgresClient
}

func (ch *postgresChannel) Name() string { return ch.name }

// AppendRows inserts rows with COPY. A window that ends at or before the
// committed end has already been stored and is skipped.
func (ch *postgresChannel) AppendRows(ctx context.Context, rows []models.Envelope, startOffset, endOffset string) error {
	window, err := parseWindow(startOffset, endOffset, len(rows))
	if err != nil {
		return err
	}
	c := ch.client
	log := c.log.WithComponent("postgres_channel").WithFields(logger.Fields{
		"table":        c.table,
		"channel":      ch.name,
		"start_offset": startOffset,
		"end_offset":   endOffset,
	})

	copyRows := make([][]any, 0, len(rows))
	for i, row := range rows {
		content, metadata, err := encodeDocuments(row)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		copyRows = append(copyRows, []any{content, metadata, ch.name, window.Start + int64(i)})
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var committed int64
	if err := tx.QueryRow(ctx, lockOffsetSQL, c.table, ch.name).Scan(&committed); err != nil {
		return fmt.Errorf("lock channel offset: %w", err)
	}
	if window.End <= committed {
		log.WithFields(logger.Fields{"committed_offset": committed}).Debug("window already committed, skipping")
		return nil
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{c.table}, rawColumns, pgx.CopyFromRows(copyRows))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", c.table, err)
	}
	if _, err := tx.Exec(ctx, commitOffsetSQL, c.table, ch.name, window.Start, window.End, n); err != nil {
		return fmt.Errorf("commit channel offset: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	logger.LogDataFlowEntry(log, ch.name, c.table, int(n), "rows")
	return nil
}

func (ch *postgresChannel) Close() error { return nil }
