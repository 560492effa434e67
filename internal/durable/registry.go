// Package durable is an event-sourced orchestration engine: workflows are replayed from their
// history to resume after every activity, timer or sub-orchestration completes.
package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// WorkflowFunc is orchestration code. It must be deterministic: all side effects and all
// waiting go through the Context.
type WorkflowFunc func(ctx *Context) (any, error)

// ActivityFunc performs one side effect. It is executed at least once per scheduled call.
type ActivityFunc func(ctx context.Context, input Payload) (any, error)

// Payload is a JSON encoded value recorded in history
type Payload []byte

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (p Payload) Decode(v any) error {
	if len(p) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(p, v)
}

func encode(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case Payload:
		return json.RawMessage(val), nil
	case json.RawMessage:
		return val, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// Registry maps workflow and activity names to code
type Registry struct {
	mu         sync.RWMutex
	workflows  map[string]WorkflowFunc
	activities map[string]ActivityFunc
}

func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]WorkflowFunc),
		activities: make(map[string]ActivityFunc),
	}
}

// AddWorkflow registers fn under name
func (r *Registry) AddWorkflow(name string, fn WorkflowFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || fn == nil {
		return fmt.Errorf("workflow registration needs a name and a function")
	}
	if _, ok := r.workflows[name]; ok {
		return fmt.Errorf("workflow %q already registered", name)
	}
	r.workflows[name] = fn
	return nil
}

// AddActivity registers fn under name
func (r *Registry) AddActivity(name string, fn ActivityFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || fn == nil {
		return fmt.Errorf("activity registration needs a name and a function")
	}
	if _, ok := r.activities[name]; ok {
		return fmt.Errorf("activity %q already registered", name)
	}
	r.activities[name] = fn
	return nil
}

func (r *Registry) workflow(name string) (WorkflowFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[name]
	return fn, ok
}

func (r *Registry) activity(name string) (ActivityFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[name]
	return fn, ok
}
