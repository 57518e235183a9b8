package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ProgressFunc reports intermediate stage progress (0-100) and a short
// human-readable message. Handlers may call it any number of times; every
// call is persisted and fanned out to subscribed observers.
type ProgressFunc func(progress int, message string)

// Request carries the inputs a stage handler needs. Stage and Pipeline are
// read-only views of the last committed state.
type Request struct {
	DocumentID string
	Pipeline   *Pipeline
	Stage      *Stage
}

// Handler performs the actual work of one stage. Handlers are opaque to the
// orchestrator: the returned payload is stored verbatim as the stage result.
// Cancellation of the supplied context is cooperative; a handler that
// ignores it keeps running even after the executor has moved on.
type Handler func(ctx context.Context, req Request, report ProgressFunc) (json.RawMessage, error)

// HandlerRegistry maps stage-type tags to handlers. New stage types are
// added by registering a handler, never by changing the executor.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

func (r *HandlerRegistry) Register(stageType string, h Handler) error {
	if stageType == "" {
		return fmt.Errorf("stage type is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", stageType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[stageType]; exists {
		return fmt.Errorf("handler already registered for %q", stageType)
	}
	r.handlers[stageType] = h
	return nil
}

func (r *HandlerRegistry) Resolve(stageType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stageType]
	return h, ok
}

// Types returns the registered stage types in sorted order.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
