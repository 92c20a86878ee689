// Package sqldb provides a core.QueryExecutor backed by database/sql. It works
// with any registered driver; sqlm's tools wire it to SQLite (mattn/go-sqlite3)
// and PostgreSQL (lib/pq). It can run against the connection pool or inside a
// transaction.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/asaidimu/go-sqlm/core"
	"go.uber.org/zap"
)

// dbRunner abstracts the methods shared by *sql.DB and *sql.Tx so the same
// code serves both transactional and non-transactional execution.
type dbRunner interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Result is what the executor reports to a callback on success.
type Result struct {
	Columns []string        `json:"columns"`
	Rows    []core.Document `json:"rows"`
}

// Executor runs statements through database/sql and reports rows to the
// caller's callback. It runs synchronously: the callback has fired by the
// time Query returns.
type Executor struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *zap.Logger
}

var _ core.QueryExecutor = (*Executor)(nil)

// New creates an Executor over db. A non-nil tx makes it transactional.
func New(db *sql.DB, logger *zap.Logger, tx *sql.Tx) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		db:     db,
		tx:     tx,
		logger: logger,
	}
}

// runner returns the active transaction, or the pool when there is none.
func (e *Executor) runner() dbRunner {
	if e.tx != nil {
		return e.tx
	}
	return e.db
}

// Query runs sqlText with params and passes a *Result or the driver error to
// done. A nil params slice runs the statement without arguments. Errors from
// the driver are passed through unwrapped.
func (e *Executor) Query(ctx context.Context, sqlText string, params []any, done core.Callback) {
	e.logger.Debug("Executing SQL", zap.String("sql", sqlText), zap.Any("params", params))

	result, err := e.query(ctx, sqlText, params)
	if err != nil {
		e.logger.Error("Failed to execute query", zap.Error(err), zap.String("sql", sqlText))
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

// query runs the statement and drains its rows before returning, so the
// connection is free again when the callback runs.
func (e *Executor) query(ctx context.Context, sqlText string, params []any) (*Result, error) {
	rows, err := e.runner().QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return readRows(rows)
}

// readRows reads all rows into documents keyed by column name. Text columns
// that the driver hands back as bytes are converted to strings; binary
// columns keep their bytes.
func readRows(rows *sql.Rows) (*Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	binary := make([]bool, len(columns))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			binary[i] = isBinaryType(ct.DatabaseTypeName())
		}
	}

	result := &Result{Columns: columns, Rows: []core.Document{}}
	for rows.Next() {
		values := make([]any, len(columns))
		scanArgs := make([]any, len(columns))
		for i := range values {
			scanArgs[i] = &values[i]
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(core.Document, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok && !binary[i] {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		result.Rows = append(result.Rows, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func isBinaryType(name string) bool {
	switch strings.ToUpper(name) {
	case "BLOB", "BYTEA", "BINARY", "VARBINARY":
		return true
	default:
		return false
	}
}

// StartTransaction begins a transaction and returns an Executor scoped to it.
// Bindings are tied to one executor, so transactional work is usually done
// through a Model built on the returned Executor.
func (e *Executor) StartTransaction(ctx context.Context) (*Executor, error) {
	if e.tx != nil {
		return nil, fmt.Errorf("cannot start a new transaction from an existing transactional executor")
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	e.logger.Debug("Transaction initiated, returning new transactional executor")
	return New(e.db, e.logger, tx), nil
}

// Commit commits the current transaction.
func (e *Executor) Commit(ctx context.Context) error {
	if e.tx == nil {
		return fmt.Errorf("commit not applicable: not in a transactional context")
	}
	e.logger.Debug("Committing transaction")
	return e.tx.Commit()
}

// Rollback rolls back the current transaction.
func (e *Executor) Rollback(ctx context.Context) error {
	if e.tx == nil {
		return fmt.Errorf("rollback not applicable: not in a transactional context")
	}
	e.logger.Debug("Rolling back transaction")
	return e.tx.Rollback()
}
