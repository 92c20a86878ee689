package model

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/asaidimu/go-sqlm/core"
	"github.com/asaidimu/go-sqlm/core/binding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type executorCall struct {
	sql    string
	params []any
	done   bool
}

type fakeExecutor struct {
	mu     sync.Mutex
	calls  []executorCall
	err    error
	result any
}

func (f *fakeExecutor) Query(_ context.Context, sql string, params []any, done core.Callback) {
	f.mu.Lock()
	f.calls = append(f.calls, executorCall{sql: sql, params: params, done: done != nil})
	f.mu.Unlock()
	if done != nil {
		done(f.err, f.result)
	}
}

func newModel(t *testing.T, exec core.QueryExecutor) *Model {
	t.Helper()
	m, err := New(exec, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return m
}

func md5Hex(value any) any {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestNew(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	assert.NotNil(t, m.logger)
	assert.NotNil(t, m.bus)
	assert.Empty(t, m.Bindings())

	bus, err := NewEventBus()
	require.NoError(t, err)
	m, err = New(nil, WithEventBus(bus))
	require.NoError(t, err)
	assert.Same(t, bus, m.bus)
}

func TestModel_Exec(t *testing.T) {
	ctx := context.Background()

	t.Run("without callback", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := newModel(t, exec)
		assert.NoError(t, m.Exec(ctx, "CREATE TABLE t (id INTEGER)", nil))
		require.Len(t, exec.calls, 1)
		assert.Equal(t, "CREATE TABLE t (id INTEGER)", exec.calls[0].sql)
		assert.Nil(t, exec.calls[0].params)
		assert.False(t, exec.calls[0].done)
	})

	t.Run("with callback", func(t *testing.T) {
		boom := errors.New("syntax error")
		exec := &fakeExecutor{err: boom}
		m := newModel(t, exec)

		var got error
		assert.NoError(t, m.Exec(ctx, "SELECT $1", []any{1}, func(err error, _ any) { got = err }))
		require.Len(t, exec.calls, 1)
		assert.Equal(t, []any{1}, exec.calls[0].params)
		assert.Same(t, boom, got)
	})

	t.Run("too many callbacks", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := newModel(t, exec)
		err := m.Exec(ctx, "SELECT 1", nil, nil, nil)
		var arity *core.ArityError
		require.ErrorAs(t, err, &arity)
		assert.Equal(t, 4, arity.Got)
		assert.Empty(t, exec.calls)
	})

	t.Run("no executor", func(t *testing.T) {
		m := newModel(t, nil)
		assert.ErrorIs(t, m.Exec(ctx, "SELECT 1", nil), core.ErrNotImplemented)
	})
}

func TestModel_Filter(t *testing.T) {
	t.Run("filters run in registration order", func(t *testing.T) {
		m := newModel(t, nil)
		m.Use("name", core.Transform(func(v any) any { return v.(string) + "-a" }))
		m.Use("name", core.Transform(func(v any) any { return v.(string) + "-b" }))

		doc, err := m.Filter(core.Document{"name": "x"})
		require.NoError(t, err)
		assert.Equal(t, "x-a-b", doc["name"])
	})

	t.Run("falsy result leaves the value", func(t *testing.T) {
		m := newModel(t, nil)
		m.Use("name", core.Transform(func(v any) any { return "first" }))
		m.Use("name", core.Transform(func(v any) any { return "" }))
		m.Use("name", core.Transform(func(v any) any { return nil }))
		m.Use("name", core.Transform(func(v any) any { return false }))

		doc, err := m.Filter(core.Document{"name": "x"})
		require.NoError(t, err)
		assert.Equal(t, "first", doc["name"])
	})

	t.Run("later truthy result overrides earlier", func(t *testing.T) {
		m := newModel(t, nil)
		m.Use("n", core.Transform(func(v any) any { return 1 }))
		m.Use("n", core.Transform(func(v any) any { return 2 }))

		doc, err := m.Filter(core.Document{"n": 0})
		require.NoError(t, err)
		assert.Equal(t, 2, doc["n"])
	})

	t.Run("duplicate filters all run", func(t *testing.T) {
		m := newModel(t, nil)
		inc := core.Transform(func(v any) any { return v.(int) + 1 })
		m.Use("n", inc).Use("n", inc).Use("n", inc)
		assert.Equal(t, 3, m.Filters("n"))

		doc, err := m.Filter(core.Document{"n": 1})
		require.NoError(t, err)
		assert.Equal(t, 4, doc["n"])
	})

	t.Run("unfiltered document is returned by reference", func(t *testing.T) {
		m := newModel(t, nil)
		m.Use("password", core.Transform(md5Hex))
		doc := core.Document{"username": "werle", "extra": []int{1}}
		out, err := m.Filter(doc)
		require.NoError(t, err)
		assert.Equal(t, core.Document{"username": "werle", "extra": []int{1}}, out)

		out["marker"] = true
		assert.Equal(t, true, doc["marker"])
	})

	t.Run("filters only see keys present in the document", func(t *testing.T) {
		m := newModel(t, nil)
		called := false
		m.Use("password", core.Transform(func(v any) any { called = true; return v }))
		_, err := m.Filter(core.Document{"username": "a"})
		require.NoError(t, err)
		assert.False(t, called)
	})

	t.Run("filter error stops the run", func(t *testing.T) {
		m := newModel(t, nil)
		boom := errors.New("too long")
		m.Use("password", func(any) (any, error) { return nil, boom })
		_, err := m.Filter(core.Document{"password": "x"})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("nil filter is ignored", func(t *testing.T) {
		m := newModel(t, nil)
		m.Use("a", nil)
		assert.Equal(t, 0, m.Filters("a"))
	})
}

func TestModel_Bind(t *testing.T) {
	t.Run("duplicate name is rejected and the first stays", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := newModel(t, exec)
		require.NoError(t, m.Bind("read", binding.Sequence("username"), "SELECT 1"))

		err := m.Bind("read", binding.Sequence("email"), "SELECT 2")
		var dup *core.DuplicateBindingError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "read", dup.Name)
		assert.ErrorIs(t, err, core.ErrDuplicateBinding)

		require.NoError(t, m.Invoke(context.Background(), "read", core.Document{"username": "u", "email": "e"}))
		require.Len(t, exec.calls, 1)
		assert.Equal(t, "SELECT 1", exec.calls[0].sql)
		assert.Equal(t, []any{"u"}, exec.calls[0].params)
	})

	t.Run("invalid names", func(t *testing.T) {
		m := newModel(t, nil)
		for _, name := range []string{"", "1st", "with space", "dash-ed"} {
			assert.ErrorIs(t, m.Bind(name, binding.Sequence("a"), ""), core.ErrInvalidBindingName, name)
		}
	})

	t.Run("invalid field map", func(t *testing.T) {
		m := newModel(t, nil)
		err := m.Bind("bad", binding.Positions(map[string]any{"a": "x"}), "")
		assert.ErrorIs(t, err, binding.ErrInvalidFieldMap)
		_, ok := m.Binding("bad")
		assert.False(t, ok)
	})

	t.Run("bindings are listed sorted", func(t *testing.T) {
		m := newModel(t, nil)
		require.NoError(t, m.Bind("update", binding.Sequence("a"), ""))
		require.NoError(t, m.Bind("create", binding.Sequence("a"), ""))
		assert.Equal(t, []string{"create", "update"}, m.Bindings())
	})
}

func TestModel_Invoke_Scenarios(t *testing.T) {
	ctx := context.Background()
	userFields := binding.Positions(map[string]any{"username": 1, "email": 2, "password": 3})

	t.Run("all fields", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := newModel(t, exec)
		require.NoError(t, m.Bind("create", userFields, "INSERT"))
		require.NoError(t, m.Invoke(ctx, "create", core.Document{"username": "a", "email": "b", "password": "c"}, func(error, any) {}))
		assert.Equal(t, []any{"a", "b", "c"}, exec.calls[0].params)
		assert.True(t, exec.calls[0].done)
	})

	t.Run("missing field", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := newModel(t, exec)
		require.NoError(t, m.Bind("create", userFields, "INSERT"))
		require.NoError(t, m.Invoke(ctx, "create", core.Document{"username": "a", "email": "b"}))
		assert.Equal(t, []any{"a", "b", nil}, exec.calls[0].params)
		assert.False(t, exec.calls[0].done)
	})

	t.Run("sequence map", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := newModel(t, exec)
		require.NoError(t, m.Bind("read", binding.Sequence("username", "email"), "SELECT"))
		require.NoError(t, m.Invoke(ctx, "read", core.Document{"email": "x", "username": "y"}))
		assert.Equal(t, []any{"y", "x"}, exec.calls[0].params)
	})

	t.Run("password filter applies across bindings", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := newModel(t, exec)
		m.Use("password", core.Transform(md5Hex))
		require.NoError(t, m.Bind("create", userFields, "INSERT"))
		require.NoError(t, m.Bind("update", binding.Sequence("password", "username"), "UPDATE"))

		require.NoError(t, m.Invoke(ctx, "create", core.Document{"username": "werle", "email": "e", "password": "yes"}))
		require.NoError(t, m.Invoke(ctx, "update", core.Document{"username": "werle", "password": "no"}))

		assert.Equal(t, md5Hex("yes"), exec.calls[0].params[2])
		assert.NotEqual(t, "yes", exec.calls[0].params[2])
		assert.Equal(t, md5Hex("no"), exec.calls[1].params[0])
	})

	t.Run("executor error reaches the callback unchanged", func(t *testing.T) {
		boom := errors.New("unique violation")
		exec := &fakeExecutor{err: boom, result: "ignored"}
		m := newModel(t, exec)
		require.NoError(t, m.Bind("create", userFields, "INSERT"))

		var gotErr error
		var gotResult any
		require.NoError(t, m.Invoke(ctx, "create", core.Document{}, func(err error, result any) {
			gotErr, gotResult = err, result
		}))
		assert.Same(t, boom, gotErr)
		assert.Equal(t, "ignored", gotResult)
	})

	t.Run("unknown binding", func(t *testing.T) {
		m := newModel(t, &fakeExecutor{})
		assert.ErrorIs(t, m.Invoke(ctx, "missing", core.Document{}), core.ErrUnknownBinding)
	})

	t.Run("too many callbacks", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := newModel(t, exec)
		require.NoError(t, m.Bind("create", userFields, "INSERT"))
		err := m.Invoke(ctx, "create", core.Document{}, func(error, any) {}, func(error, any) {})
		assert.ErrorIs(t, err, core.ErrArity)
		assert.Empty(t, exec.calls)
	})

	t.Run("filter error goes to the callback", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := newModel(t, exec)
		boom := errors.New("cannot hash")
		m.Use("password", func(any) (any, error) { return nil, boom })
		require.NoError(t, m.Bind("create", userFields, "INSERT"))

		var gotErr error
		require.NoError(t, m.Invoke(ctx, "create", core.Document{"password": "x"}, func(err error, _ any) { gotErr = err }))
		assert.ErrorIs(t, gotErr, boom)
		assert.Empty(t, exec.calls)

		assert.ErrorIs(t, m.Invoke(ctx, "create", core.Document{"password": "x"}), boom)
		assert.Empty(t, exec.calls)
	})

	t.Run("nil document binds nulls", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := newModel(t, exec)
		require.NoError(t, m.Bind("create", userFields, "INSERT"))
		require.NoError(t, m.Invoke(ctx, "create", nil))
		assert.Equal(t, []any{nil, nil, nil}, exec.calls[0].params)
	})

	t.Run("no executor", func(t *testing.T) {
		m := newModel(t, nil)
		require.NoError(t, m.Bind("create", userFields, "INSERT"))
		assert.ErrorIs(t, m.Invoke(ctx, "create", core.Document{}), core.ErrNotImplemented)
	})
}

func TestModel_Handler(t *testing.T) {
	exec := &fakeExecutor{}
	m := newModel(t, exec)
	m.Use("email", core.Transform(func(v any) any { return strings.ToLower(v.(string)) }))
	require.NoError(t, m.Bind("read", binding.Sequence("email"), "SELECT"))

	read, err := m.Handler("read")
	require.NoError(t, err)
	require.NoError(t, read(context.Background(), core.Document{"email": "A@B.IO"}))
	assert.Equal(t, []any{"a@b.io"}, exec.calls[0].params)

	_, err = m.Handler("nope")
	assert.ErrorIs(t, err, core.ErrUnknownBinding)
}

func TestModel_Call(t *testing.T) {
	ctx := context.Background()

	type user struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	}

	setup := func(t *testing.T) (*Model, *fakeExecutor) {
		exec := &fakeExecutor{}
		m := newModel(t, exec)
		require.NoError(t, m.Bind("read", binding.Sequence("username", "email"), "SELECT"))
		return m, exec
	}

	t.Run("zero and three arguments fail without executing", func(t *testing.T) {
		m, exec := setup(t)
		err := m.Call(ctx, "read")
		var arity *core.ArityError
		require.ErrorAs(t, err, &arity)
		assert.Equal(t, 0, arity.Got)

		err = m.Call(ctx, "read", core.Document{}, nil, nil)
		require.ErrorAs(t, err, &arity)
		assert.Equal(t, 3, arity.Got)
		assert.Empty(t, exec.calls)
	})

	t.Run("document only", func(t *testing.T) {
		m, exec := setup(t)
		require.NoError(t, m.Call(ctx, "read", map[string]any{"username": "u"}))
		assert.Equal(t, []any{"u", nil}, exec.calls[0].params)
		assert.False(t, exec.calls[0].done)
	})

	t.Run("document and callback", func(t *testing.T) {
		m, exec := setup(t)
		called := false
		require.NoError(t, m.Call(ctx, "read", core.Document{"email": "e"}, func(error, any) { called = true }))
		assert.True(t, called)
		assert.Equal(t, []any{nil, "e"}, exec.calls[0].params)
	})

	t.Run("struct input", func(t *testing.T) {
		m, exec := setup(t)
		require.NoError(t, m.Call(ctx, "read", user{Username: "u", Email: "e"}))
		assert.Equal(t, []any{"u", "e"}, exec.calls[0].params)
	})

	t.Run("bad argument types", func(t *testing.T) {
		m, exec := setup(t)
		assert.ErrorIs(t, m.Call(ctx, "read", 42), core.ErrArity)
		assert.ErrorIs(t, m.Call(ctx, "read", core.Document{}, "callback"), core.ErrArity)
		assert.Empty(t, exec.calls)
	})
}

func TestModel_Events(t *testing.T) {
	exec := &fakeExecutor{result: "rows"}
	m := newModel(t, exec)

	var mu sync.Mutex
	var received []Event
	record := func(_ context.Context, event Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, event)
		return nil
	}

	label := "test"
	startID := m.RegisterSubscription(RegisterSubscriptionOptions{Event: InvokeStart, Label: &label, Callback: record})
	m.RegisterSubscription(RegisterSubscriptionOptions{Event: InvokeSuccess, Callback: record})
	assert.Len(t, m.Subscriptions(), 2)

	require.NoError(t, m.Bind("read", binding.Sequence("id"), "SELECT"))
	require.NoError(t, m.Invoke(context.Background(), "read", core.Document{"id": 1}, func(error, any) {}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	var start, success *Event
	for i := range received {
		switch received[i].Type {
		case InvokeStart:
			start = &received[i]
		case InvokeSuccess:
			success = &received[i]
		}
	}
	mu.Unlock()

	require.NotNil(t, start)
	require.NotNil(t, success)
	assert.Equal(t, "read", *start.Binding)
	assert.Equal(t, []any{1}, start.Params)
	assert.Equal(t, start.InvocationID, success.InvocationID)
	assert.Equal(t, "rows", success.Output)
	assert.NotNil(t, success.Duration)

	m.UnregisterSubscription(startID)
	m.UnregisterSubscription("unknown")
	assert.Len(t, m.Subscriptions(), 1)
}
