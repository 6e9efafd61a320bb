// Package tools implements the typed tool surface the orchestrator dispatches
// planner operations to: a fixed registry of named handlers with per-tool
// locking, bounded execution time, call recording, and engine-shadow gating.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fableforge/internal/logging"
)

// Result is the in-band tool outcome. Every tool returns at least
// {success: bool}; failures add {error: string} plus recovery context.
type Result map[string]interface{}

// OK builds a success result with an optional payload.
func OK(payload map[string]interface{}) Result {
	res := Result{"success": true}
	for k, v := range payload {
		res[k] = v
	}
	return res
}

// Fail builds a failure result. context pairs are appended as extra fields
// (recovery hints like available_connections).
func Fail(errMsg string, kvpairs ...interface{}) Result {
	res := Result{"success": false, "error": errMsg}
	for i := 0; i+1 < len(kvpairs); i += 2 {
		if key, ok := kvpairs[i].(string); ok {
			res[key] = kvpairs[i+1]
		}
	}
	return res
}

// Success reports the success flag of a result.
func (r Result) Success() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// ErrorMessage returns the error field, empty on success.
func (r Result) ErrorMessage() string {
	s, _ := r["error"].(string)
	return s
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]interface{}) Result

// Record is one entry of the tool-call log. Duration is recorded even for
// failures so callers can debounce slow tools.
type Record struct {
	Name     string                 `json:"name"`
	Args     map[string]interface{} `json:"args"`
	Duration time.Duration          `json:"duration"`
	Success  bool                   `json:"success"`
	Error    string                 `json:"error,omitempty"`
	Result   Result                 `json:"result"`
	At       time.Time              `json:"at"`
}

// Registry is the dispatch table. Tool names are a fixed enumeration;
// unknown names are rejected at call time.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]Handler
	locks    map[string]*sync.Mutex
	timeout  time.Duration
	records  []Record
	shadowed map[string]bool
}

// NewRegistry builds an empty registry. timeout bounds every call; zero
// means no bound.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		locks:    make(map[string]*sync.Mutex),
		timeout:  timeout,
		shadowed: make(map[string]bool),
	}
}

// Register adds a tool. Re-registering a name is a programmer error.
func (r *Registry) Register(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.handlers[name] = h
	r.locks[name] = &sync.Mutex{}
	return nil
}

// Names lists registered tools, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MarkEngineExecuted flags a tool as already run by engine-side rules this
// turn; planner re-attempts short-circuit.
func (r *Registry) MarkEngineExecuted(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shadowed[name] = true
}

// ResetTurn clears the engine-shadow set at the start of each turn.
func (r *Registry) ResetTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shadowed = make(map[string]bool)
}

// Records returns a copy of the call log.
func (r *Registry) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record{}, r.records...)
}

// ClearRecords drops the call log (between turns).
func (r *Registry) ClearRecords() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}

// Call dispatches one tool call: per-tool lock, timeout bound, recorded
// outcome. A timed-out handler's effects are abandoned and the turn
// proceeds without them.
func (r *Registry) Call(ctx context.Context, name string, args map[string]interface{}) Result {
	start := time.Now()

	r.mu.Lock()
	handler, known := r.handlers[name]
	lock := r.locks[name]
	shadowed := r.shadowed[name]
	timeout := r.timeout
	r.mu.Unlock()

	if !known {
		res := Fail(fmt.Sprintf("unknown tool %q", name))
		r.record(name, args, time.Since(start), res)
		return res
	}
	if shadowed {
		res := Result{"success": true, "already_executed_by_engine": true}
		r.record(name, args, time.Since(start), res)
		logging.ToolsDebug("Tool %s short-circuited: already executed by engine", name)
		return res
	}

	lock.Lock()
	defer lock.Unlock()

	res := r.invoke(ctx, name, handler, args, timeout)
	elapsed := time.Since(start)
	r.record(name, args, elapsed, res)

	if res.Success() {
		logging.Tools("Tool %s ok in %s", name, elapsed)
	} else {
		logging.Tools("Tool %s failed in %s: %s", name, elapsed, res.ErrorMessage())
	}
	return res
}

func (r *Registry) invoke(ctx context.Context, name string, handler Handler, args map[string]interface{}, timeout time.Duration) Result {
	if timeout <= 0 {
		return handler(ctx, args)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		done <- handler(callCtx, args)
	}()

	select {
	case res := <-done:
		return res
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return Fail(fmt.Sprintf("tool cancelled: %s", name))
		}
		return Fail(fmt.Sprintf("tool timeout: %s", name))
	}
}

func (r *Registry) record(name string, args map[string]interface{}, d time.Duration, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{
		Name:     name,
		Args:     args,
		Duration: d,
		Success:  res.Success(),
		Error:    res.ErrorMessage(),
		Result:   res,
		At:       time.Now(),
	})
}
