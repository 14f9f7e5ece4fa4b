package postgres

import (
	"context"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"kb-research-agent/internal/domain"
)

// The repo methods accept the executor as `qx any`: a pgx.Tx when running
// inside TxManager.WithTx, a *pgxpool.Conn for pinned connections, or nil for
// the plain pool. These helpers funnel every call through getExecutor so the
// switch lives in one place.

type executor interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func getExecutor(pool *pgxpool.Pool, qx any) (executor, error) {
	switch v := qx.(type) {
	case pgx.Tx:
		return v, nil
	case *pgxpool.Conn:
		return v, nil
	case *pgxpool.Pool:
		return v, nil
	case nil:
		if pool != nil {
			return pool, nil
		}
		return nil, domain.ErrInvalidArgument
	default:
		return nil, domain.ErrInvalidExecContext
	}
}

func pickRow(ctx context.Context, pool *pgxpool.Pool, qx any, sql string, args ...any) (pgx.Row, error) {
	ex, err := getExecutor(pool, qx)
	if err != nil {
		return nil, err
	}
	return ex.QueryRow(ctx, sql, args...), nil
}

func execSQL(ctx context.Context, pool *pgxpool.Pool, qx any, sql string, args ...any) (pgconn.CommandTag, error) {
	ex, err := getExecutor(pool, qx)
	if err != nil {
		return nil, err
	}
	return ex.Exec(ctx, sql, args...)
}

func queryRows(ctx context.Context, pool *pgxpool.Pool, qx any, sql string, args ...any) (pgx.Rows, error) {
	ex, err := getExecutor(pool, qx)
	if err != nil {
		return nil, err
	}
	return ex.Query(ctx, sql, args...)
}
