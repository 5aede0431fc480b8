// Package storage is the PostgreSQL persistence layer for madoguchi.
//
// Queries run on a pgxpool.Pool. An optional dedicated connection carries
// LISTEN/NOTIFY so outbound-message events reach every process.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool for queries and a pgx.Conn for LISTEN. The listen
// connection is used by one goroutine at a time; notifyMu only guards
// swapping it after a reconnect.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	notifyMu   sync.Mutex
	notifyCfg  *pgx.ConnConfig
	notifyConn *pgx.Conn
}

// applicationName tags sessions in pg_stat_activity so the listen
// connection can be told apart from pooled queries.
const applicationName = "madoguchi"

// New connects the pool and, when notifyDSN is set, the listen connection.
// notifyDSN must reach Postgres directly; poolers drop LISTEN state.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	// Wakeup sweeps and webhook bursts are short; idle connections are not
	// worth holding for long.
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{pool: pool, logger: logger}
	if notifyDSN == "" {
		logger.Info("storage: no notify DSN, outbound events stay in-process")
		return db, nil
	}
	connCfg, err := pgx.ParseConfig(notifyDSN)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: parse notify DSN: %w", err)
	}
	connCfg.RuntimeParams["application_name"] = applicationName + "-listen"
	db.notifyCfg = connCfg
	db.notifyConn, err = pgx.ConnectConfig(ctx, connCfg.Copy())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: connect notify: %w", err)
	}
	return db, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotifyConn reports whether LISTEN is available.
func (db *DB) HasNotifyConn() bool {
	return db.notifyCfg != nil
}

// Ping checks the pool. The listen connection is not pinged: it is busy
// inside WaitForNotification and pgx connections are not safe for
// concurrent use.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the pool and the notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	db.notifyMu.Lock()
	conn := db.notifyConn
	db.notifyConn = nil
	db.notifyMu.Unlock()
	if conn != nil {
		if err := conn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
