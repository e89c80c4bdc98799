// Package stage maps stage-type identifiers to pluggable processing handlers.
// Everything above this package is agnostic to what a stage actually does.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"docflow/internal/storage"
	"docflow/internal/store"

	"github.com/google/uuid"
)

// ErrUnknownStageType is returned by Resolve for a type nobody registered.
// It signals a configuration or deployment error and is never retried.
var ErrUnknownStageType = errors.New("unknown stage type")

// Handler runs one stage against one document.
// Implementations must not mutate the document; all output flows back through the Result.
type Handler interface {
	Run(ctx context.Context, doc store.Document, cfg json.RawMessage, sc Context) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, doc store.Document, cfg json.RawMessage, sc Context) Result

func (f HandlerFunc) Run(ctx context.Context, doc store.Document, cfg json.RawMessage, sc Context) Result {
	return f(ctx, doc, cfg, sc)
}

// ConfigValidator is implemented by handlers that can reject a configuration blob
// before running. A validation error is a configuration error.
type ConfigValidator interface {
	ValidateConfig(cfg json.RawMessage) error
}

// Factory constructs a handler. It is called once per Resolve.
type Factory func() Handler

// Context is what a stage may know about its surroundings.
type Context struct {
	TenantID uuid.UUID
	JobID    uuid.UUID
	Cursor   int
	Attempt  int
	// Prior is a copy of the document metadata accumulated by earlier stages.
	Prior map[string]any
	// Storage reads document bytes. It is read-only by construction.
	Storage storage.Reader
}

// Outcome tags a Result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeInvalid is a failure caused by the stage configuration. Retrying cannot fix it.
	OutcomeInvalid
)

// Result is the tagged outcome of a stage run.
type Result struct {
	Outcome Outcome
	Payload map[string]any
	Message string
}

// Success carries the structured output of a stage.
func Success(payload map[string]any) Result {
	if payload == nil {
		payload = map[string]any{}
	}
	return Result{Outcome: OutcomeSuccess, Payload: payload}
}

// Failure is a transient stage failure; the orchestrator retries it.
func Failure(format string, args ...any) Result {
	return Result{Outcome: OutcomeFailure, Message: fmt.Sprintf(format, args...)}
}

// Invalid is a configuration failure detected inside a stage; the orchestrator fails fast.
func Invalid(format string, args ...any) Result {
	return Result{Outcome: OutcomeInvalid, Message: fmt.Sprintf(format, args...)}
}

// Registry maps stage types to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering the same type twice is an error.
func (r *Registry) Register(stageType string, factory Factory) error {
	if stageType == "" {
		return errors.New("stage type is required")
	}
	if factory == nil {
		return fmt.Errorf("stage %q: factory is nil", stageType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[stageType]; exists {
		return fmt.Errorf("stage %q already registered", stageType)
	}
	r.factories[stageType] = factory
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(stageType string, factory Factory) {
	if err := r.Register(stageType, factory); err != nil {
		panic(err)
	}
}

// Resolve returns a handler for stageType or ErrUnknownStageType.
func (r *Registry) Resolve(stageType string) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[stageType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStageType, stageType)
	}
	h := factory()
	if h == nil {
		return nil, fmt.Errorf("stage %q: factory returned nil handler", stageType)
	}
	return h, nil
}

// Types lists registered stage types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
