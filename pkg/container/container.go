// Package container implements the request-processing hierarchy:
//
//	Engine ─┬─ Host ─┬─ Context ─┬─ Wrapper (Handler)
//	        │        │           └─ Wrapper
//	        │        └─ Context ...
//	        └─ Host ...
//
// Every level is the same Container type tagged with a Level. Each container
// owns a Pipeline of valves that ends in a basic valve forwarding to the
// next level down; the Wrapper's basic valve calls its Handler.
//
// Containers are built once, started, and then only read. Topology changes
// after Start are rejected.
package container

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/marmos91/portico/internal/logger"
)

var (
	// ErrPipelineSealed is returned by AddValve once the container started.
	ErrPipelineSealed = errors.New("pipeline is sealed after start")

	// ErrTopologySealed is returned by AddChild once the container started.
	ErrTopologySealed = errors.New("container topology is sealed after start")

	// ErrNotStarted is returned when invoking a pipeline that was never compiled.
	ErrNotStarted = errors.New("container not started")
)

// Level is the position of a container in the hierarchy.
type Level int

const (
	LevelEngine Level = iota
	LevelHost
	LevelContext
	LevelWrapper
)

func (l Level) String() string {
	switch l {
	case LevelEngine:
		return "engine"
	case LevelHost:
		return "host"
	case LevelContext:
		return "context"
	case LevelWrapper:
		return "wrapper"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// LifecycleState is the lifecycle position of a container.
type LifecycleState int

const (
	StateNew LifecycleState = iota
	StateInitializing
	StateInitialized
	StateStarting
	StateStarted
	StateStopping
	StateStopped
	StateFailed
	StateDestroyed
)

var lifecycleNames = [...]string{
	"NEW", "INITIALIZING", "INITIALIZED", "STARTING", "STARTED",
	"STOPPING", "STOPPED", "FAILED", "DESTROYED",
}

func (s LifecycleState) String() string {
	if s >= 0 && int(s) < len(lifecycleNames) {
		return lifecycleNames[s]
	}
	return fmt.Sprintf("LifecycleState(%d)", int(s))
}

// lifecycleTransitions lists the legal next states.
var lifecycleTransitions = map[LifecycleState][]LifecycleState{
	StateNew:          {StateInitializing, StateDestroyed},
	StateInitializing: {StateInitialized, StateFailed},
	StateInitialized:  {StateStarting, StateDestroyed},
	StateStarting:     {StateStarted, StateFailed},
	StateStarted:      {StateStopping},
	StateStopping:     {StateStopped, StateFailed},
	StateStopped:      {StateStarting, StateDestroyed},
	StateFailed:       {StateStopping, StateDestroyed},
	StateDestroyed:    {},
}

// LifecycleError reports an illegal lifecycle transition.
type LifecycleError struct {
	Container string
	From      LifecycleState
	To        LifecycleState
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("container %s: illegal lifecycle transition %s -> %s", e.Container, e.From, e.To)
}

// Hooks are optional callbacks run during lifecycle transitions.
type Hooks struct {
	Init  func(c *Container) error
	Start func(c *Container) error
	Stop  func(c *Container) error
}

// Container is one node of the hierarchy.
//
// Thread safety:
// Lifecycle and topology methods are serialized by an internal lock. After
// Start, lookups and pipeline invocation are lock-free reads of immutable
// state.
type Container struct {
	name   string
	level  Level
	parent *Container

	mu       sync.RWMutex
	state    LifecycleState
	children []*Container
	byName   map[string]*Container
	hooks    Hooks
	pipeline *Pipeline

	// Host
	aliases []string

	// Context
	path string

	// Wrapper
	patterns []string
	handler  Handler

	// Engine
	defaultHost string
	mapper      *Mapper
}

func newContainer(name string, level Level) *Container {
	c := &Container{
		name:     name,
		level:    level,
		byName:   make(map[string]*Container),
		pipeline: NewPipeline(),
	}
	c.pipeline.SetBasic(basicValve(c))
	return c
}

// NewEngine creates the root container. defaultHost names the host used when
// a request's Host matches nothing.
func NewEngine(name, defaultHost string) *Container {
	c := newContainer(name, LevelEngine)
	c.defaultHost = strings.ToLower(defaultHost)
	return c
}

// NewHost creates a virtual host. The name and aliases are matched
// case-insensitively against the request Host, without port.
func NewHost(name string, aliases ...string) *Container {
	c := newContainer(strings.ToLower(name), LevelHost)
	for _, a := range aliases {
		c.aliases = append(c.aliases, strings.ToLower(a))
	}
	return c
}

// NewContext creates an application context rooted at path ("" or "/" for
// the root context, otherwise "/name" without trailing slash).
func NewContext(path string) *Container {
	path = strings.TrimSuffix(path, "/")
	if path != "" && path[0] != '/' {
		path = "/" + path
	}
	c := newContainer(path, LevelContext)
	c.path = path
	return c
}

// NewWrapper creates a leaf that serves requests with h. Patterns follow the
// mapping rules of Mapper: exact ("/hello"), prefix ("/api/*"), extension
// ("*.txt") or default ("/").
func NewWrapper(name string, h Handler, patterns ...string) *Container {
	c := newContainer(name, LevelWrapper)
	c.handler = h
	c.patterns = append(c.patterns, patterns...)
	return c
}

// Name returns the container name.
func (c *Container) Name() string { return c.name }

// Level returns the hierarchy level.
func (c *Container) Level() Level { return c.level }

// Parent returns the parent container, nil for an Engine.
func (c *Container) Parent() *Container { return c.parent }

// Path returns the context path (Context only).
func (c *Container) Path() string { return c.path }

// Aliases returns the host aliases (Host only).
func (c *Container) Aliases() []string { return c.aliases }

// Patterns returns the URL patterns (Wrapper only).
func (c *Container) Patterns() []string { return c.patterns }

// Handler returns the handler (Wrapper only).
func (c *Container) Handler() Handler { return c.handler }

// Pipeline returns the container's pipeline.
func (c *Container) Pipeline() *Pipeline { return c.pipeline }

// Mapper returns the mapper built at Start (Engine only).
func (c *Container) Mapper() *Mapper {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mapper
}

// SetHooks installs lifecycle hooks. Must be called before Init.
func (c *Container) SetHooks(h Hooks) {
	c.mu.Lock()
	c.hooks = h
	c.mu.Unlock()
}

// State returns the lifecycle state.
func (c *Container) State() LifecycleState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// AddChild attaches child one level below c.
//
// Returns an error if the level is wrong, the name is taken, or c already
// started.
func (c *Container) AddChild(child *Container) error {
	if child.level != c.level+1 {
		return fmt.Errorf("container %s: cannot add %s %q under %s", c.name, child.level, child.name, c.level)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateNew && c.state != StateInitialized && c.state != StateStopped {
		return ErrTopologySealed
	}
	if _, exists := c.byName[child.name]; exists {
		return fmt.Errorf("container %s: %s %q already exists", c.name, child.level, child.name)
	}
	child.parent = c
	c.children = append(c.children, child)
	c.byName[child.name] = child
	return nil
}

// FindChild returns the child with the given name, or nil.
func (c *Container) FindChild(name string) *Container {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byName[name]
}

// Children returns the children in insertion order.
func (c *Container) Children() []*Container {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Container, len(c.children))
	copy(out, c.children)
	return out
}

func (c *Container) transition(to LifecycleState) error {
	for _, next := range lifecycleTransitions[c.state] {
		if next == to {
			c.state = to
			return nil
		}
	}
	return &LifecycleError{Container: c.name, From: c.state, To: to}
}

// Init runs the init hooks of c and its descendants.
func (c *Container) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initLocked()
}

func (c *Container) initLocked() error {
	if err := c.transition(StateInitializing); err != nil {
		return err
	}
	if c.hooks.Init != nil {
		if err := c.hooks.Init(c); err != nil {
			c.state = StateFailed
			return fmt.Errorf("init %s %s: %w", c.level, c.name, err)
		}
	}
	for _, child := range c.children {
		if err := child.Init(); err != nil {
			c.state = StateFailed
			return err
		}
	}
	return c.transition(StateInitialized)
}

// Start initializes c if needed, starts the children, compiles the pipeline
// and, for an Engine, builds the mapper.
func (c *Container) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateNew {
		if err := c.initLocked(); err != nil {
			return err
		}
	}
	if err := c.transition(StateStarting); err != nil {
		return err
	}

	if c.hooks.Start != nil {
		if err := c.hooks.Start(c); err != nil {
			c.state = StateFailed
			return fmt.Errorf("start %s %s: %w", c.level, c.name, err)
		}
	}
	for _, child := range c.children {
		if err := child.Start(); err != nil {
			c.state = StateFailed
			return err
		}
	}

	if c.level == LevelEngine {
		m, err := buildMapper(c)
		if err != nil {
			c.state = StateFailed
			return err
		}
		c.mapper = m
	}
	if c.level == LevelWrapper && c.handler == nil {
		c.state = StateFailed
		return fmt.Errorf("wrapper %s has no handler", c.name)
	}

	c.pipeline.seal()
	logger.Debug("Started %s %s (%d valves)", c.level, c.displayName(), len(c.pipeline.Valves()))
	return c.transition(StateStarted)
}

// Stop stops the children in reverse order, then c. The pipeline is
// unsealed so valves may be added before the next Start.
func (c *Container) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.transition(StateStopping); err != nil {
		return err
	}

	var errs []error
	for i := len(c.children) - 1; i >= 0; i-- {
		if err := c.children[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.hooks.Stop != nil {
		if err := c.hooks.Stop(c); err != nil {
			errs = append(errs, fmt.Errorf("stop %s %s: %w", c.level, c.name, err))
		}
	}
	c.pipeline.unseal()

	if len(errs) > 0 {
		c.state = StateFailed
		return errors.Join(errs...)
	}
	return c.transition(StateStopped)
}

// Destroy releases c and its descendants. A destroyed container can not be
// restarted.
func (c *Container) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, child := range c.children {
		if child.State() != StateDestroyed {
			if err := child.Destroy(); err != nil {
				return err
			}
		}
	}
	return c.transition(StateDestroyed)
}

func (c *Container) displayName() string {
	if c.level == LevelContext && c.name == "" {
		return "ROOT"
	}
	return c.name
}
