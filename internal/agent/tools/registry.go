// Package tools manages the tool catalog and execution. Tools register a
// descriptor with a handler factory; the handler itself is built lazily on
// first use and cached for the process lifetime. Execution is wrapped with a
// timeout and panic recovery so a broken handler becomes an error result the
// model can react to, never a crash.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loopcore/agentd/internal/agent/ai"
	"github.com/loopcore/agentd/internal/agent/gate"
	"github.com/loopcore/agentd/internal/logging"
)

// Result is what a handler returns.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Handler executes one tool call.
type Handler interface {
	Execute(ctx context.Context, input json.RawMessage) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, input json.RawMessage) (*Result, error)

func (f HandlerFunc) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	return f(ctx, input)
}

// Descriptor declares a tool without constructing it. Registration at
// startup is cheap; Factory runs at most once per process.
type Descriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Tier        gate.RiskTier
	Factory     func() (Handler, error)

	// ResourceKey, when set, maps a call's input to the resource it mutates
	// (e.g., a file path). Calls sharing a key are serialized by the executor.
	ResourceKey func(input json.RawMessage) string

	once    sync.Once
	handler Handler
	initErr error
}

// resolve materializes the handler on first call and caches it.
func (d *Descriptor) resolve() (Handler, error) {
	d.once.Do(func() {
		d.handler, d.initErr = d.Factory()
	})
	return d.handler, d.initErr
}

// ExecutionResult is the outcome of one tool call, folded into the
// transcript by the loop.
type ExecutionResult struct {
	Call     *ai.ToolCall  `json:"call"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Registry manages available tool descriptors.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
	timeout     time.Duration
}

// NewRegistry creates an empty registry. Timeout bounds each handler call;
// zero means a 2 minute default.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Registry{
		descriptors: make(map[string]*Descriptor),
		timeout:     timeout,
	}
}

// Register adds a descriptor. Registering over an existing name replaces it.
func (r *Registry) Register(desc *Descriptor) {
	r.mu.Lock()
	if _, ok := r.descriptors[desc.Name]; ok {
		logging.Warnf("[Registry] tool %q already registered, overwritten", desc.Name)
	}
	r.descriptors[desc.Name] = desc
	r.mu.Unlock()
}

// Get returns a descriptor by name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptors[name]
	return desc, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool catalog for the model, restricted to names
// the allowed predicate accepts. A nil predicate allows everything.
func (r *Registry) Definitions(allowed func(string) bool) []ai.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ai.ToolDefinition, 0, len(r.descriptors))
	for _, desc := range r.descriptors {
		if allowed != nil && !allowed(desc.Name) {
			continue
		}
		defs = append(defs, ai.ToolDefinition{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: desc.Schema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a single tool call and always returns a result; handler
// errors and panics become failed results so the loop never propagates a
// tool exception upward.
func (r *Registry) Execute(ctx context.Context, call *ai.ToolCall) *ExecutionResult {
	start := time.Now()

	desc, ok := r.Get(call.Name)
	if !ok {
		// Tell the model exactly what it has so it can self-correct
		return &ExecutionResult{
			Call:    call,
			Success: false,
			Error: fmt.Sprintf(
				"TOOL ERROR: %q does not exist. Do NOT call it again. Your available tools are: %s",
				call.Name, strings.Join(r.Names(), ", ")),
			Duration: time.Since(start),
		}
	}

	handler, err := desc.resolve()
	if err != nil {
		return &ExecutionResult{
			Call:     call,
			Success:  false,
			Error:    fmt.Sprintf("tool %q failed to initialize: %v", call.Name, err),
			Duration: time.Since(start),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.invoke(ctx, handler, call.Input)
	duration := time.Since(start)

	switch {
	case err != nil:
		return &ExecutionResult{Call: call, Success: false, Error: err.Error(), Duration: duration}
	case result == nil:
		return &ExecutionResult{Call: call, Success: false, Error: "tool returned no result", Duration: duration}
	case result.IsError:
		return &ExecutionResult{Call: call, Success: false, Error: result.Content, Duration: duration}
	default:
		return &ExecutionResult{Call: call, Success: true, Output: result.Content, Duration: duration}
	}
}

// invoke calls the handler with panic recovery.
func (r *Registry) invoke(ctx context.Context, handler Handler, input json.RawMessage) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Errorf("[Registry] tool handler panicked: %v", rec)
			result = nil
			err = fmt.Errorf("tool handler panicked: %v", rec)
		}
	}()
	return handler.Execute(ctx, input)
}
