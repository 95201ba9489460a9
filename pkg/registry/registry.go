// Package registry holds the named building blocks a topology is assembled
// from: valve factories and handlers.
//
// Configuration refers to valves and handlers by name. The registry turns
// those names into instances, decoding each valve's params map into the
// valve's own options struct.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/portico/pkg/container"
)

// ValveFactory builds a valve from its decoded params.
type ValveFactory func(params map[string]any) (container.Valve, error)

// Registry manages valve factories and handlers by name.
// It provides thread-safe registration and lookup.
//
// Example usage:
//
//	reg := NewRegistry()
//	reg.RegisterValve("requestid", valves.RequestIDFactory)
//	reg.RegisterHandler("hello", helloHandler)
//
//	v, _ := reg.BuildValve("requestid", map[string]any{"header": "X-Trace-Id"})
//	h, _ := reg.GetHandler("hello")
type Registry struct {
	mu       sync.RWMutex
	valves   map[string]ValveFactory
	handlers map[string]container.Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		valves:   make(map[string]ValveFactory),
		handlers: make(map[string]container.Handler),
	}
}

// RegisterValve adds a named valve factory.
// Returns an error if a factory with the same name already exists.
func (r *Registry) RegisterValve(name string, factory ValveFactory) error {
	if factory == nil {
		return fmt.Errorf("cannot register nil valve factory")
	}
	if name == "" {
		return fmt.Errorf("cannot register valve factory with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.valves[name]; exists {
		return fmt.Errorf("valve %q already registered", name)
	}

	r.valves[name] = factory
	return nil
}

// RegisterHandler adds a named handler.
// Returns an error if a handler with the same name already exists.
func (r *Registry) RegisterHandler(name string, h container.Handler) error {
	if h == nil {
		return fmt.Errorf("cannot register nil handler")
	}
	if name == "" {
		return fmt.Errorf("cannot register handler with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}

	r.handlers[name] = h
	return nil
}

// BuildValve creates a new valve instance from the named factory.
//
// Parameters:
//   - name: Registered factory name
//   - params: Valve options, decoded by the factory
//
// Returns:
//   - container.Valve: A fresh instance; valves are never shared between
//     pipelines
//   - error: If the name is unknown or the params are invalid
func (r *Registry) BuildValve(name string, params map[string]any) (container.Valve, error) {
	r.mu.RLock()
	factory, exists := r.valves[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("valve %q not found", name)
	}
	if params == nil {
		params = map[string]any{}
	}

	v, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("failed to build valve %q: %w", name, err)
	}
	return v, nil
}

// GetHandler retrieves a handler by name.
func (r *Registry) GetHandler(name string) (container.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, exists := r.handlers[name]
	if !exists {
		return nil, fmt.Errorf("handler %q not found", name)
	}
	return h, nil
}

// ListValves returns all registered valve names, sorted.
func (r *Registry) ListValves() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.valves)
}

// ListHandlers returns all registered handler names, sorted.
func (r *Registry) ListHandlers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.handlers)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeParams decodes a valve params map into out, which must be a pointer
// to a struct with mapstructure tags. Unknown keys are rejected and string
// durations ("5s") are converted.
func DecodeParams(params map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(params); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
