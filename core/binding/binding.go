// Package binding turns named-field documents into positional parameter
// arrays for a fixed SQL template and hands them to a query executor.
package binding

import (
	"context"
	"fmt"

	"github.com/asaidimu/go-sqlm/core"
)

// Binding is a reusable parameterized statement. It is immutable once built
// and safe to share between goroutines.
type Binding struct {
	slots []slot
	sql   string
	exec  core.QueryExecutor
}

// New resolves fields into their canonical order and returns a Binding that
// delegates to exec. The SQL template is stored verbatim and never inspected.
func New(fields FieldMap, sql string, exec core.QueryExecutor) (*Binding, error) {
	slots, err := fields.resolve()
	if err != nil {
		return nil, err
	}
	return &Binding{slots: slots, sql: sql, exec: exec}, nil
}

// SQL returns the statement template.
func (b *Binding) SQL() string {
	return b.sql
}

// Fields returns the mapped field names in parameter order.
func (b *Binding) Fields() []string {
	names := make([]string, len(b.slots))
	for i, s := range b.slots {
		names[i] = s.name
	}
	return names
}

// BuildParameters returns one value per mapped field, in parameter order.
// Fields missing from doc are bound as nil (SQL NULL) so the result always
// has exactly as many entries as the field map. Keys of doc that are not
// mapped are ignored.
func (b *Binding) BuildParameters(doc core.Document) []any {
	params := make([]any, len(b.slots))
	for i, s := range b.slots {
		if v, ok := doc[s.name]; ok {
			params[i] = v
		}
	}
	return params
}

// QueryRaw runs the template without bound data.
func (b *Binding) QueryRaw(ctx context.Context, done core.Callback) error {
	if b.exec == nil {
		return core.ErrNotImplemented
	}
	b.exec.Query(ctx, b.sql, nil, done)
	return nil
}

// QueryWithParams binds doc and runs the template.
func (b *Binding) QueryWithParams(ctx context.Context, doc core.Document, done core.Callback) error {
	if b.exec == nil {
		return core.ErrNotImplemented
	}
	b.exec.Query(ctx, b.sql, b.BuildParameters(doc), done)
	return nil
}

// Query dispatches on its arguments: (callback) runs the raw template,
// (document, callback) binds the document first. A nil callback is allowed
// in either position. Any other shape is an *core.ArityError and nothing
// reaches the executor.
func (b *Binding) Query(ctx context.Context, args ...any) error {
	switch len(args) {
	case 1:
		done, err := asCallback(args[0])
		if err != nil {
			return err
		}
		return b.QueryRaw(ctx, done)
	case 2:
		doc, ok := AsDocument(args[0])
		if !ok {
			return fmt.Errorf("%w: expected a document, got %T", core.ErrArity, args[0])
		}
		done, err := asCallback(args[1])
		if err != nil {
			return err
		}
		return b.QueryWithParams(ctx, doc, done)
	default:
		return &core.ArityError{Op: "query", Got: len(args)}
	}
}

// AsDocument accepts the document shapes callers commonly hold.
func AsDocument(v any) (core.Document, bool) {
	switch d := v.(type) {
	case core.Document:
		return d, true
	case map[string]any:
		return core.Document(d), true
	case nil:
		return core.Document{}, true
	default:
		return nil, false
	}
}

func asCallback(v any) (core.Callback, error) {
	switch fn := v.(type) {
	case nil:
		return nil, nil
	case core.Callback:
		return fn, nil
	case func(error, any):
		return fn, nil
	default:
		return nil, fmt.Errorf("%w: expected a callback, got %T", core.ErrArity, v)
	}
}
