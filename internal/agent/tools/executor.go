package tools

import (
	"context"
	"sync"

	"github.com/loopcore/agentd/internal/agent/ai"
)

// DefaultWorkers bounds how many tool calls from one model turn run at once.
const DefaultWorkers = 4

// Preflight is run for each call before execution; a non-nil error turns
// the call into a failed result without invoking the handler. The loop uses
// this for the confirmation gate and the persona allowed-set check.
type Preflight func(call *ai.ToolCall) error

// Executor runs the tool calls of one model turn on a bounded worker pool.
// Calls that mutate the same resource are serialized by resource key; result
// ordering always matches the original call order.
type Executor struct {
	registry *Registry
	workers  int
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry, workers int) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Executor{registry: registry, workers: workers}
}

// ExecuteAll runs every call and returns one result per call, in call order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []*ai.ToolCall, preflight Preflight) []*ExecutionResult {
	results := make([]*ExecutionResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	// One mutex per resource key serializes same-resource calls; all other
	// calls only contend for worker slots.
	resourceLocks := make(map[string]*sync.Mutex)
	for _, call := range calls {
		if key := e.resourceKey(call); key != "" {
			if _, ok := resourceLocks[key]; !ok {
				resourceLocks[key] = &sync.Mutex{}
			}
		}
	}

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call *ai.ToolCall) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if key := e.resourceKey(call); key != "" {
				lock := resourceLocks[key]
				lock.Lock()
				defer lock.Unlock()
			}

			if preflight != nil {
				if err := preflight(call); err != nil {
					results[idx] = &ExecutionResult{
						Call:    call,
						Success: false,
						Error:   err.Error(),
					}
					return
				}
			}

			results[idx] = e.registry.Execute(ctx, call)
		}(i, call)
	}

	wg.Wait()
	return results
}

// resourceKey derives the serialization key for a call, namespaced by
// resource so a file write and an unrelated tool never contend.
func (e *Executor) resourceKey(call *ai.ToolCall) string {
	desc, ok := e.registry.Get(call.Name)
	if !ok || desc.ResourceKey == nil {
		return ""
	}
	key := desc.ResourceKey(call.Input)
	if key == "" {
		return ""
	}
	return key
}
