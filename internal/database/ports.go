package database

import (
	"context"
	"database/sql"
)

// Database defines the interface for relational store operations. It narrows
// sqlx to what the repositories need so tests can fake it.
type Database interface {
	// Execute runs a statement that doesn't return rows.
	Execute(ctx context.Context, query string, args ...interface{}) (sql.Result, error)

	// Query runs a query that returns rows.
	Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)

	// Get executes a query and scans a single row into dest.
	Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error

	// Select executes a query and scans all rows into dest.
	Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection pool.
	Close() error
}
