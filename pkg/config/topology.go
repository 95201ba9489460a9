package config

import (
	"fmt"

	"github.com/marmos91/portico/internal/logger"
	"github.com/marmos91/portico/pkg/container"
	"github.com/marmos91/portico/pkg/registry"
)

// EngineConfig describes the container hierarchy.
//
// Every level (engine, host, context, wrapper) carries an ordered valve list.
// Valves run outermost first: engine valves, then host, context and finally
// wrapper valves, before the wrapper's handler.
type EngineConfig struct {
	// Name identifies the engine in logs
	Name string `mapstructure:"name" validate:"required" yaml:"name"`

	// DefaultHost serves requests whose Host header matches no host or alias
	DefaultHost string `mapstructure:"default_host" validate:"required" yaml:"default_host"`

	Valves []ValveConfig `mapstructure:"valves" validate:"dive" yaml:"valves,omitempty"`

	Hosts []HostConfig `mapstructure:"hosts" validate:"required,min=1,dive" yaml:"hosts"`
}

// HostConfig is a virtual host.
type HostConfig struct {
	Name    string   `mapstructure:"name" validate:"required" yaml:"name"`
	Aliases []string `mapstructure:"aliases" yaml:"aliases,omitempty"`

	Valves []ValveConfig `mapstructure:"valves" validate:"dive" yaml:"valves,omitempty"`

	Contexts []ContextConfig `mapstructure:"contexts" validate:"required,min=1,dive" yaml:"contexts"`
}

// ContextConfig is an application mounted at a path prefix. "/" is the root
// context.
type ContextConfig struct {
	Path string `mapstructure:"path" validate:"required,startswith=/" yaml:"path"`

	Valves []ValveConfig `mapstructure:"valves" validate:"dive" yaml:"valves,omitempty"`

	Wrappers []WrapperConfig `mapstructure:"wrappers" validate:"required,min=1,dive" yaml:"wrappers"`
}

// WrapperConfig binds a named handler to URL patterns.
//
// Pattern forms: "/exact", "/prefix/*", "*.ext" and "/" for the default
// wrapper of the context.
type WrapperConfig struct {
	Name string `mapstructure:"name" validate:"required" yaml:"name"`

	// Handler names a handler registered with the registry
	Handler string `mapstructure:"handler" validate:"required" yaml:"handler"`

	Mappings []string `mapstructure:"mappings" validate:"required,min=1" yaml:"mappings"`

	Valves []ValveConfig `mapstructure:"valves" validate:"dive" yaml:"valves,omitempty"`
}

// ValveConfig selects a valve type and its options.
type ValveConfig struct {
	// Type names a valve factory registered with the registry
	Type string `mapstructure:"type" validate:"required" yaml:"type"`

	// Params is decoded into the valve type's own options struct
	Params map[string]any `mapstructure:"params" yaml:"params,omitempty"`
}

// BuildEngine creates the container tree described by cfg. The engine is
// returned unstarted; Start compiles the pipelines and builds the mapper.
//
// Parameters:
//   - cfg: The engine topology
//   - reg: Resolves valve types and handler names
//
// Returns an error naming the offending container when a valve cannot be
// built, a handler is unknown, or two containers collide.
func BuildEngine(cfg EngineConfig, reg *registry.Registry) (*container.Container, error) {
	engine := container.NewEngine(cfg.Name, cfg.DefaultHost)
	if err := addValves(engine, cfg.Valves, reg); err != nil {
		return nil, fmt.Errorf("engine %s: %w", cfg.Name, err)
	}

	for _, hc := range cfg.Hosts {
		host := container.NewHost(hc.Name, hc.Aliases...)
		if err := addValves(host, hc.Valves, reg); err != nil {
			return nil, fmt.Errorf("host %s: %w", hc.Name, err)
		}

		for _, cc := range hc.Contexts {
			ctx, err := buildContext(cc, reg)
			if err != nil {
				return nil, fmt.Errorf("host %s: %w", hc.Name, err)
			}
			if err := host.AddChild(ctx); err != nil {
				return nil, err
			}
		}

		if err := engine.AddChild(host); err != nil {
			return nil, err
		}
	}

	logger.Debug("Built engine %s with %d host(s)", cfg.Name, len(cfg.Hosts))
	return engine, nil
}

func buildContext(cc ContextConfig, reg *registry.Registry) (*container.Container, error) {
	ctx := container.NewContext(cc.Path)
	if err := addValves(ctx, cc.Valves, reg); err != nil {
		return nil, fmt.Errorf("context %s: %w", cc.Path, err)
	}

	for _, wc := range cc.Wrappers {
		h, err := reg.GetHandler(wc.Handler)
		if err != nil {
			return nil, fmt.Errorf("context %s: wrapper %s: %w", cc.Path, wc.Name, err)
		}
		w := container.NewWrapper(wc.Name, h, wc.Mappings...)
		if err := addValves(w, wc.Valves, reg); err != nil {
			return nil, fmt.Errorf("context %s: wrapper %s: %w", cc.Path, wc.Name, err)
		}
		if err := ctx.AddChild(w); err != nil {
			return nil, err
		}
	}
	return ctx, nil
}

func addValves(c *container.Container, valves []ValveConfig, reg *registry.Registry) error {
	for i, vc := range valves {
		v, err := reg.BuildValve(vc.Type, vc.Params)
		if err != nil {
			return fmt.Errorf("valves[%d] (%s): %w", i, vc.Type, err)
		}
		if err := c.Pipeline().AddValve(v); err != nil {
			return fmt.Errorf("valves[%d] (%s): %w", i, vc.Type, err)
		}
	}
	return nil
}
