package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/parchmint/countersign/logger"
)

// queryTracer logs every SQL statement when database.log_queries is enabled.
type queryTracer struct{}

type traceQueryKey struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("SQL query start", "sql", data.SQL, "args", data.Args)
	return context.WithValue(ctx, traceQueryKey{}, data.SQL)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	sql, _ := ctx.Value(traceQueryKey{}).(string)
	if data.Err != nil {
		logger.Debug("SQL query failed", "sql", sql, "error", data.Err)
		return
	}
	logger.Debug("SQL query end", "sql", sql, "rows", data.CommandTag.RowsAffected())
}
