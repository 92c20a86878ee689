// Package postgres provides a core.QueryExecutor on top of pgx. Statements
// use Postgres placeholders ($1, $2, ...), which line up with the positional
// parameters a binding builds.
package postgres

import (
	"context"
	"fmt"

	"github.com/asaidimu/go-sqlm/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Result mirrors sqldb.Result for pgx connections.
type Result struct {
	Columns      []string        `json:"columns"`
	Rows         []core.Document `json:"rows"`
	RowsAffected int64           `json:"rowsAffected"`
}

// Executor runs statements through pgx and reports to the caller's callback
// before Query returns.
type Executor struct {
	q      Querier
	logger *zap.Logger
}

var _ core.QueryExecutor = (*Executor)(nil)

// New creates an Executor over q.
func New(q Querier, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{q: q, logger: logger}
}

// Connect opens a pgx pool for dsn and verifies it answers.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return pool, nil
}

// Query runs sql with params and passes a *Result or the pgx error to done.
func (e *Executor) Query(ctx context.Context, sql string, params []any, done core.Callback) {
	e.logger.Debug("Executing SQL", zap.String("sql", sql), zap.Any("params", params))

	result, err := e.query(ctx, sql, params)
	if err != nil {
		e.logger.Error("Failed to execute query", zap.Error(err), zap.String("sql", sql))
	}
	if done == nil {
		return
	}
	if err != nil {
		done(err, nil)
		return
	}
	done(nil, result)
}

func (e *Executor) query(ctx context.Context, sql string, params []any) (*Result, error) {
	rows, err := e.q.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, fd := range fields {
		columns[i] = fd.Name
	}

	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}

	docs := make([]core.Document, len(maps))
	for i, row := range maps {
		docs[i] = core.Document(row)
	}
	return &Result{
		Columns:      columns,
		Rows:         docs,
		RowsAffected: rows.CommandTag().RowsAffected(),
	}, nil
}
