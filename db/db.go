package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/parchmint/countersign/config"
	"github.com/parchmint/countersign/logger"
	"github.com/parchmint/countersign/pkg/metrics"
)

//go:embed schema.sql
var schema string

// Database wraps the pgx connection pool and carries all store operations
// for documents, approval tokens and the audit log.
type Database struct {
	Pool *pgxpool.Pool
}

// NewDatabaseFromConfig creates a connection pool from configuration, pings
// it and applies the embedded schema.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	sslMode := "disable"
	if dbConfig.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		dbConfig.User, dbConfig.Password, dbConfig.Host, dbConfig.Port, dbConfig.Name, sslMode)

	logger.Info("Connecting to database",
		"host", dbConfig.Host, "port", dbConfig.Port, "name", dbConfig.Name, "sslmode", sslMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if dbConfig.LogQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}

	if dbConfig.MaxConns > 0 {
		poolConfig.MaxConns = int32(dbConfig.MaxConns)
	}
	if dbConfig.MinConns > 0 {
		poolConfig.MinConns = int32(dbConfig.MinConns)
	}
	if dbConfig.MaxConnLifetime != "" {
		lifetime, err := dbConfig.GetMaxConnLifetime()
		if err != nil {
			return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
		}
		poolConfig.MaxConnLifetime = lifetime
	}
	if dbConfig.MaxConnIdleTime != "" {
		idleTime, err := dbConfig.GetMaxConnIdleTime()
		if err != nil {
			return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
		}
		poolConfig.MaxConnIdleTime = idleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	db := &Database{Pool: pool}

	if err := db.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *Database) migrate(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, schema)
	return err
}

// StartPoolMetrics starts a goroutine that periodically collects connection pool metrics
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Pool.Stat()
				metrics.DBPoolTotalConns.Set(float64(stats.TotalConns()))
				metrics.DBPoolIdleConns.Set(float64(stats.IdleConns()))
				metrics.DBPoolInUseConns.Set(float64(stats.AcquiredConns()))
			}
		}
	}()
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
}

// BeginTx starts a new transaction and wraps it for metric collection.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}

	return &measuredTx{
		Tx:    tx,
		start: time.Now(),
	}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	if err == nil {
		metrics.DBTransactionsTotal.WithLabelValues("commit").Inc()
	}
	return err
}

func (mtx *measuredTx) Rollback(ctx context.Context) error {
	err := mtx.Tx.Rollback(ctx)
	// A rollback attempt is counted even if the rollback itself fails.
	metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
	return err
}

// TimedQueryRow wraps QueryRow with duration metrics
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...interface{}) pgx.Row {
	start := time.Now()
	row := db.Pool.QueryRow(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	return row
}

// TimedQuery wraps Query with duration metrics
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...interface{}) (pgx.Rows, error) {
	start := time.Now()
	rows, err := db.Pool.Query(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	}
	return rows, err
}

// TimedExec wraps Exec with duration metrics
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...interface{}) (int64, error) {
	start := time.Now()
	tag, err := db.Pool.Exec(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure").Inc()
		return 0, err
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	return tag.RowsAffected(), nil
}
