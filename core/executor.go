// Package core holds the types shared by every layer of sqlm: the document
// shape that flows into a binding, the query executor contract the bindings
// delegate to, and the filter functions applied before parameters are built.
package core

import (
	"context"
)

// Document represents a single named-field record handed to a binding.
// Keys are field names; values are bound as-is once filters have run.
type Document map[string]any

// Callback receives the outcome of a query. It follows the error-first
// convention: err is whatever the executor reported, result is opaque to sqlm.
type Callback func(err error, result any)

// QueryExecutor is the single external collaborator of sqlm. It runs a SQL
// statement and reports back through done.
//
// A nil params slice is the raw form (statement text only). A non-nil slice,
// even an empty one, is the parameterized form. done may be nil when the
// caller does not care about the outcome.
type QueryExecutor interface {
	Query(ctx context.Context, sql string, params []any, done Callback)
}

// QueryFunc adapts an ordinary function to the QueryExecutor interface.
type QueryFunc func(ctx context.Context, sql string, params []any, done Callback)

// Query calls f(ctx, sql, params, done).
func (f QueryFunc) Query(ctx context.Context, sql string, params []any, done Callback) {
	f(ctx, sql, params, done)
}

// Filter transforms a field value before it is bound. A falsy result
// (see Truthy) leaves the current value in place. A non-nil error aborts
// the filter chain for the whole document.
type Filter func(value any) (any, error)

// Transform adapts a pure value transform that cannot fail into a Filter.
func Transform(fn func(value any) any) Filter {
	return func(value any) (any, error) {
		return fn(value), nil
	}
}

// Await runs fn with a callback and blocks until that callback fires,
// returning the reported result and error. fn's own error is returned
// immediately without waiting.
func Await(fn func(done Callback) error) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	if err := fn(func(err error, result any) {
		ch <- outcome{result: result, err: err}
	}); err != nil {
		return nil, err
	}
	out := <-ch
	return out.result, out.err
}
