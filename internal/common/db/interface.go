package db

import (
	"context"
	"database/sql"
	"time"
)

// Database is the relational store used by repositories.
type Database interface {
	Querier

	// Transaction runs fn inside one transaction; it commits when fn returns
	// nil and rolls back otherwise.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	BeginTx(ctx context.Context, opts *TxOptions) (Transaction, error)
	Ping(ctx context.Context) error
	Close() error
	Stats() Stats
}

// Querier abstracts operations shared by Database and Transaction.
type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// Transaction is a Querier bound to one database transaction.
type Transaction interface {
	Querier
	Commit() error
	Rollback() error
}

type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

type Row interface {
	Scan(dest ...interface{}) error
}

type Result interface {
	RowsAffected() (int64, error)
}

// TxOptions mirrors sql.TxOptions without leaking database/sql into callers.
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

// Stats is a snapshot of connection pool counters.
type Stats struct {
	OpenConnections int
	InUse           int
	Idle            int
	WaitCount       int64
	WaitDuration    time.Duration
}
