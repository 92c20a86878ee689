// Package batch runs a list of calls through a bounded worker pool. With the
// default concurrency of one, calls run strictly in the order they were
// pushed, each starting only after the previous one has reported back.
package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/asaidimu/go-sqlm/core"
	"github.com/asaidimu/go-sqlm/core/model"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Task is one unit of work. It must block until its call has completed.
type Task func(ctx context.Context) error

// Batch collects tasks and runs them with bounded concurrency.
type Batch struct {
	concurrency int
	tasks       []Task
	logger      *zap.Logger
}

// New creates a Batch running at most concurrency tasks at once. Values below
// one are raised to one.
func New(concurrency int, logger *zap.Logger) *Batch {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batch{concurrency: concurrency, logger: logger}
}

// Push appends t and returns the batch for chaining.
func (b *Batch) Push(t Task) *Batch {
	b.tasks = append(b.tasks, t)
	return b
}

// Len returns the number of pushed tasks.
func (b *Batch) Len() int {
	return len(b.tasks)
}

// Run executes every task and returns the first error. Once a task fails, the
// context handed to later tasks is cancelled and tasks that have not started
// are skipped. Tasks already running finish before Run returns.
func (b *Batch) Run(ctx context.Context) error {
	if len(b.tasks) == 0 {
		return nil
	}

	pool, err := ants.NewPool(b.concurrency)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	parent := ctx
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(i int, err error) {
		once.Do(func() {
			firstErr = err
			b.logger.Error("Batch task failed", zap.Int("task", i), zap.Error(err))
			cancel()
		})
	}

	for i, task := range b.tasks {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		i, task := i, task
		submitErr := pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					fail(i, fmt.Errorf("task %d panicked: %v", i, r))
				}
			}()
			if ctx.Err() != nil {
				return
			}
			if err := task(ctx); err != nil {
				fail(i, err)
			}
		})
		if submitErr != nil {
			wg.Done()
			fail(i, fmt.Errorf("failed to submit task %d: %w", i, submitErr))
			break
		}
	}
	wg.Wait()

	if firstErr == nil {
		return parent.Err()
	}
	return firstErr
}

// Invocation returns a Task that invokes the named binding with doc, waits
// for the executor's callback and hands the result to sink when it is set.
func Invocation(m *model.Model, name string, doc core.Document, sink func(result any)) Task {
	return func(ctx context.Context) error {
		result, err := core.Await(func(done core.Callback) error {
			return m.Invoke(ctx, name, doc, done)
		})
		if err != nil {
			return err
		}
		if sink != nil {
			sink(result)
		}
		return nil
	}
}
