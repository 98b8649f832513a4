package db

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Conn is satisfied by both *sql.DB and *sql.Tx.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// LogAndQuery logs the statement and runs it.
func LogAndQuery(ctx context.Context, conn Conn, log *zap.Logger, query string, args ...interface{}) (*sql.Rows, error) {
	log.Debug("query", zap.String("sql", query), zap.Any("args", args))

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rows, nil
}

func LogAndQueryRow(ctx context.Context, conn Conn, log *zap.Logger, query string, args ...interface{}) *sql.Row {
	log.Debug("query row", zap.String("sql", query), zap.Any("args", args))

	return conn.QueryRowContext(ctx, query, args...)
}

func LogAndExec(ctx context.Context, conn Conn, log *zap.Logger, query string, args ...interface{}) (sql.Result, error) {
	log.Debug("exec", zap.String("sql", query), zap.Any("args", args))

	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	return res, nil
}
