// Package model provides the Model, a registry of named bindings and
// per-field filters that sit in front of a single query executor.
//
// A Model is configured during setup (Use, Bind) and then invoked by name.
// Invoking a binding filters the input document, builds its positional
// parameters and hands both to the executor. Filters are keyed by field name
// and apply to every binding that reads that field.
package model

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/asaidimu/go-sqlm/core"
	"github.com/asaidimu/go-sqlm/core/binding"
	"github.com/asaidimu/go-sqlm/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var bindingName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Handler is the callable form of a declared binding. It accepts the
// document and at most one callback.
type Handler func(ctx context.Context, doc core.Document, done ...core.Callback) error

// Model owns a query executor, the declared bindings and the filter table.
// Both tables only grow. They are safe for concurrent reads once setup is
// done; the executor decides how overlapping calls are ordered.
type Model struct {
	exec     core.QueryExecutor
	bindings map[string]*binding.Binding
	filters  map[string][]core.Filter
	mu       sync.RWMutex
	logger   *zap.Logger

	bus           *EventBus
	subscriptions map[string]*SubscriptionInfo
	subMu         sync.Mutex
}

// Option configures a Model at construction.
type Option func(*Model)

// WithLogger sets the logger. A nil logger is replaced by a no-op one.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Model) {
		m.logger = logger
	}
}

// WithEventBus publishes events on bus instead of a private one, so several
// models can feed the same subscribers.
func WithEventBus(bus *EventBus) Option {
	return func(m *Model) {
		m.bus = bus
	}
}

// New creates a Model that delegates every query to exec.
func New(exec core.QueryExecutor, opts ...Option) (*Model, error) {
	m := &Model{
		exec:          exec,
		bindings:      make(map[string]*binding.Binding),
		filters:       make(map[string][]core.Filter),
		subscriptions: make(map[string]*SubscriptionInfo),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.bus == nil {
		bus, err := NewEventBus()
		if err != nil {
			return nil, fmt.Errorf("could not initialize event bus: %w", err)
		}
		m.bus = bus
	}
	return m, nil
}

// Exec runs sql with params directly, bypassing filters and bindings. It
// accepts at most one callback; sql and params reach the executor unchanged.
func (m *Model) Exec(ctx context.Context, sql string, params []any, done ...core.Callback) error {
	if len(done) > 1 {
		return &core.ArityError{Op: "exec", Got: 2 + len(done)}
	}
	if m.exec == nil {
		return core.ErrNotImplemented
	}

	id := uuid.New().String()
	startTime := time.Now()
	m.emitEvent(createEvent(ExecStart, "exec", "", id, params, nil, nil, time.Time{}))
	m.logger.Debug("Executing SQL", zap.String("sql", sql), zap.Any("params", params), zap.String("invocation_id", id))

	var cb core.Callback
	if len(done) == 1 {
		cb = done[0]
	}
	m.exec.Query(ctx, sql, params, m.observe("exec", "", id, startTime, cb))
	return nil
}

// Use appends fn to the filters of field. Filters run in registration order
// and duplicates all run.
func (m *Model) Use(field string, fn core.Filter) *Model {
	if fn == nil {
		m.logger.Warn("Ignoring nil filter", zap.String("field", field))
		return m
	}
	m.mu.Lock()
	m.filters[field] = append(m.filters[field], fn)
	count := len(m.filters[field])
	m.mu.Unlock()

	m.logger.Info("Registered filter", zap.String("field", field), zap.Int("count", count))
	m.emitEvent(createEvent(FilterRegister, "use", field, "", nil, nil, nil, time.Time{}))
	return m
}

// Filters returns how many filters are registered for field.
func (m *Model) Filters(field string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.filters[field])
}

// Filter runs the registered filters over every key of doc that has any.
// A truthy result replaces the value; a falsy one leaves it. doc is
// modified in place and returned. The first filter error stops the run.
func (m *Model) Filter(doc core.Document) (core.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key, value := range doc {
		fns := m.filters[key]
		if len(fns) == 0 {
			continue
		}
		for _, fn := range fns {
			r, err := fn(value)
			if err != nil {
				return doc, fmt.Errorf("sqlm: filter on field %q: %w", key, err)
			}
			if core.Truthy(r) {
				value = r
			}
		}
		doc[key] = value
	}
	return doc, nil
}

// Bind declares a binding under name. Names must be identifiers and may be
// declared only once; a second declaration fails and the first stays active.
func (m *Model) Bind(name string, fields binding.FieldMap, sql string) error {
	if !bindingName.MatchString(name) {
		return fmt.Errorf("%w: %q", core.ErrInvalidBindingName, name)
	}

	m.mu.Lock()
	if _, exists := m.bindings[name]; exists {
		m.mu.Unlock()
		return &core.DuplicateBindingError{Name: name}
	}
	b, err := binding.New(fields, sql, m.exec)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("binding %q: %w", name, err)
	}
	m.bindings[name] = b
	m.mu.Unlock()

	m.logger.Info("Declared binding", zap.String("name", name), zap.Strings("fields", b.Fields()))
	m.emitEvent(createEvent(BindingDeclare, "bind", name, "", nil, nil, nil, time.Time{}))
	return nil
}

// Binding returns the binding declared under name.
func (m *Model) Binding(name string) (*binding.Binding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[name]
	return b, ok
}

// Bindings returns the declared binding names, sorted.
func (m *Model) Bindings() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.bindings))
	for name := range m.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler returns the callable for the binding declared under name.
func (m *Model) Handler(name string) (Handler, error) {
	b, ok := m.Binding(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownBinding, name)
	}
	return func(ctx context.Context, doc core.Document, done ...core.Callback) error {
		return m.invoke(ctx, name, b, doc, done)
	}, nil
}

// Invoke filters doc, binds it to the named binding and runs it. At most one
// callback is accepted. Executor errors reach done unchanged. A filter error
// is a data error: it goes to done when there is one and is returned
// otherwise; the executor is not called in either case.
func (m *Model) Invoke(ctx context.Context, name string, doc core.Document, done ...core.Callback) error {
	b, ok := m.Binding(name)
	if !ok {
		return fmt.Errorf("%w: %q", core.ErrUnknownBinding, name)
	}
	return m.invoke(ctx, name, b, doc, done)
}

// Call is the dynamic form of Invoke: args must be (doc) or (doc, callback).
// doc may be a core.Document, a map[string]any or a struct, which is
// converted through its json tags.
func (m *Model) Call(ctx context.Context, name string, args ...any) error {
	if len(args) != 1 && len(args) != 2 {
		return &core.ArityError{Op: name, Got: len(args)}
	}

	doc, err := toDocument(args[0])
	if err != nil {
		return err
	}

	if len(args) == 1 {
		return m.Invoke(ctx, name, doc)
	}
	switch cb := args[1].(type) {
	case nil:
		return m.Invoke(ctx, name, doc, nil)
	case core.Callback:
		return m.Invoke(ctx, name, doc, cb)
	case func(error, any):
		return m.Invoke(ctx, name, doc, cb)
	default:
		return fmt.Errorf("%w: %s expects a callback, got %T", core.ErrArity, name, args[1])
	}
}

func (m *Model) invoke(ctx context.Context, name string, b *binding.Binding, doc core.Document, done []core.Callback) error {
	if len(done) > 1 {
		return &core.ArityError{Op: name, Got: 1 + len(done)}
	}
	var cb core.Callback
	if len(done) == 1 {
		cb = done[0]
	}
	if doc == nil {
		doc = core.Document{}
	}

	id := uuid.New().String()
	startTime := time.Now()

	if _, err := m.Filter(doc); err != nil {
		m.logger.Error("Failed to apply filters", zap.String("binding", name), zap.Error(err))
		m.emitEvent(createEvent(InvokeFailed, "invoke", name, id, nil, nil, err, startTime))
		if cb != nil {
			cb(err, nil)
			return nil
		}
		return err
	}

	params := b.BuildParameters(doc)
	m.emitEvent(createEvent(InvokeStart, "invoke", name, id, params, nil, nil, time.Time{}))
	m.logger.Debug("Invoking binding",
		zap.String("binding", name),
		zap.String("sql", b.SQL()),
		zap.Any("params", params),
		zap.String("invocation_id", id),
	)

	return b.QueryWithParams(ctx, doc, m.observe("invoke", name, id, startTime, cb))
}

func toDocument(v any) (core.Document, error) {
	if doc, ok := binding.AsDocument(v); ok {
		return doc, nil
	}
	doc, err := utils.StructToMap(v)
	if err != nil {
		return nil, fmt.Errorf("%w: expected a document: %v", core.ErrArity, err)
	}
	return doc, nil
}
