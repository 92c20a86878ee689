package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/asaidimu/go-sqlm/core"
	"github.com/asaidimu/go-sqlm/core/binding"
	"github.com/asaidimu/go-sqlm/core/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRows struct {
	columns []string
	data    [][]any
	tag     string
	i       int
	closed  bool
}

func (r *fakeRows) Close()                        { r.closed = true }
func (r *fakeRows) Err() error                    { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag(r.tag) }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.columns))
	for i, c := range r.columns {
		fds[i] = pgconn.FieldDescription{Name: c}
	}
	return fds
}

func (r *fakeRows) Next() bool {
	if r.closed || r.i >= len(r.data) {
		r.closed = true
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if len(dest) == 1 {
		if rs, ok := dest[0].(pgx.RowScanner); ok {
			return rs.ScanRow(r)
		}
	}
	return errors.New("fakeRows: unsupported scan target")
}

func (r *fakeRows) Values() ([]any, error) {
	return r.data[r.i-1], nil
}

type fakeQuerier struct {
	sql  string
	args []any
	rows *fakeRows
	err  error
}

func (q *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.sql, q.args = sql, args
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

func TestExecutor_CollectsRows(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{
		columns: []string{"id", "username"},
		data:    [][]any{{int64(1), "werle"}, {int64(2), "joseph"}},
		tag:     "SELECT 2",
	}}
	e := New(q, nil)

	out, err := core.Await(func(done core.Callback) error {
		e.Query(context.Background(), "SELECT id, username FROM users WHERE email = $1", []any{"x"}, done)
		return nil
	})
	require.NoError(t, err)

	result := out.(*Result)
	assert.Equal(t, []string{"id", "username"}, result.Columns)
	assert.Equal(t, []core.Document{
		{"id": int64(1), "username": "werle"},
		{"id": int64(2), "username": "joseph"},
	}, result.Rows)
	assert.Equal(t, int64(2), result.RowsAffected)
	assert.Equal(t, []any{"x"}, q.args)
	assert.True(t, q.rows.closed)
}

func TestExecutor_ErrorPassesThrough(t *testing.T) {
	boom := errors.New("connection refused")
	e := New(&fakeQuerier{err: boom}, nil)

	out, err := core.Await(func(done core.Callback) error {
		e.Query(context.Background(), "SELECT 1", nil, done)
		return nil
	})
	assert.Same(t, boom, err)
	assert.Nil(t, out)
}

func TestExecutor_BindingParameters(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{tag: "INSERT 0 1"}}
	m, err := model.New(New(q, nil))
	require.NoError(t, err)
	require.NoError(t, m.Bind("create", binding.Positions(map[string]any{"username": "$1", "email": "$2"}),
		"INSERT INTO users (username, email) VALUES ($1, $2)"))

	out, err := core.Await(func(done core.Callback) error {
		return m.Invoke(context.Background(), "create", core.Document{"email": "e", "username": "u"}, done)
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"u", "e"}, q.args)
	assert.Equal(t, int64(1), out.(*Result).RowsAffected)
}

// TestPostgres_Integration runs against a live database when SQLM_PG_DSN is set.
func TestPostgres_Integration(t *testing.T) {
	dsn := os.Getenv("SQLM_PG_DSN")
	if dsn == "" {
		t.Skip("SQLM_PG_DSN not set")
	}
	ctx := context.Background()

	pool, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	m, err := model.New(New(pool, nil))
	require.NoError(t, err)
	require.NoError(t, m.Bind("echo", binding.Sequence("a", "b"), "SELECT $1::text AS a, $2::text AS b"))

	out, err := core.Await(func(done core.Callback) error {
		return m.Invoke(ctx, "echo", core.Document{"b": "second", "a": "first"}, done)
	})
	require.NoError(t, err)
	rows := out.(*Result).Rows
	require.Len(t, rows, 1)
	assert.Equal(t, "first", rows[0]["a"])
	assert.Equal(t, "second", rows[0]["b"])
}
