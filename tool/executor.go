package tool

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// ExecutorOptions configure an Executor.
type ExecutorOptions struct {
	// MaxParallel bounds concurrent calls per batch; <= 1 runs them one after
	// another in listed order.
	MaxParallel int
	Logger      logging.Logger
}

// Hooks observe a batch. With MaxParallel > 1 they may be called concurrently.
type Hooks struct {
	OnStart func(call core.ToolCall)
	OnDone  func(res Result)
}

// Executor runs the tool calls of one model turn against a Registry.
type Executor struct {
	registry *Registry
	opts     ExecutorOptions
}

// NewExecutor constructs an executor over registry.
func NewExecutor(registry *Registry, optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{MaxParallel: 1, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Executor{registry: registry, opts: opts}
}

// Execute runs calls and returns exactly one Result per call, in the order the
// calls were listed regardless of completion order. Calls not started before
// ctx is cancelled get a cancellation result.
func (e *Executor) Execute(ctx context.Context, calls []core.ToolCall, hooks Hooks) []Result {
	n := len(calls)
	results := make([]Result, n)
	if n == 0 {
		return results
	}

	maxPar := e.opts.MaxParallel
	if maxPar <= 1 || n == 1 {
		for i, c := range calls {
			results[i] = e.executeOne(ctx, c, hooks)
		}
		return results
	}
	if maxPar > n {
		maxPar = n
	}

	batchStart := time.Now()
	sem := make(chan struct{}, maxPar)
	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, call core.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = e.executeOne(ctx, call, hooks)
		}(i, c)
	}
	wg.Wait()

	e.opts.Logger.Debug(
		"tool.batch.complete",
		"count", n,
		"parallelism", maxPar,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)

	return results
}

func (e *Executor) executeOne(ctx context.Context, call core.ToolCall, hooks Hooks) Result {
	if err := ctx.Err(); err != nil {
		return Result{Call: call, Content: FormatError(err), Err: err}
	}
	if hooks.OnStart != nil {
		hooks.OnStart(call)
	}
	res := e.registry.InvokeAsResult(ctx, call)
	if hooks.OnDone != nil {
		hooks.OnDone(res)
	}
	return res
}
