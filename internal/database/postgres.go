// Package database provides the PostgreSQL adapter behind the Database port.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
)

// DB implements the Database interface for PostgreSQL.
type DB struct {
	conn    *sqlx.DB
	cfg     *config.DatabaseConfig
	logger  observability.Logger
	metrics observability.Metrics
}

// NewPostgres opens a pooled PostgreSQL connection and verifies it with a
// ping.
func NewPostgres(cfg *config.DatabaseConfig, logger observability.Logger, metrics observability.Metrics) (Database, error) {
	logger.Info("connecting to PostgreSQL",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database)

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.Username,
		cfg.Password,
		cfg.Database,
		cfg.SSLMode,
	)

	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		logger.Error("failed to open database connection", "error", err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("connected to PostgreSQL")

	return &DB{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}, nil
}

func (d *DB) Execute(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	startTime := time.Now()

	result, err := d.conn.ExecContext(ctx, query, args...)

	d.record("execute", time.Since(startTime), err)
	if err != nil {
		d.logger.Error("failed to execute query", "error", err)
		return nil, err
	}

	return result, nil
}

func (d *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	startTime := time.Now()

	rows, err := d.conn.QueryContext(ctx, query, args...)

	d.record("query", time.Since(startTime), err)
	if err != nil {
		d.logger.Error("failed to query", "error", err)
		return nil, err
	}

	return rows, nil
}

func (d *DB) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	startTime := time.Now()

	err := d.conn.GetContext(ctx, dest, query, args...)

	d.record("get", time.Since(startTime), err)
	if err != nil && err != sql.ErrNoRows {
		d.logger.Error("failed to get row", "error", err)
	}

	return err
}

func (d *DB) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	startTime := time.Now()

	err := d.conn.SelectContext(ctx, dest, query, args...)

	d.record("select", time.Since(startTime), err)
	if err != nil {
		d.logger.Error("failed to select rows", "error", err)
	}

	return err
}

func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) record(operation string, dur time.Duration, err error) {
	d.metrics.RecordDuration("db_"+operation, dur.Seconds())
	if err != nil && err != sql.ErrNoRows {
		d.metrics.RecordError("db_"+operation, "query_failed")
	}
}
