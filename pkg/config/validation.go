package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if len(cfg.Connectors) == 0 {
		return fmt.Errorf("connectors: at least one connector must be configured")
	}

	names := make(map[string]bool)
	ports := make(map[int]string)
	for i := range cfg.Connectors {
		c := &cfg.Connectors[i]
		if names[c.Name] {
			return fmt.Errorf("connectors[%d]: duplicate connector name %q", i, c.Name)
		}
		names[c.Name] = true

		if c.Port != 0 {
			if other, ok := ports[c.Port]; ok {
				return fmt.Errorf("connectors[%d]: port %d already used by connector %q", i, c.Port, other)
			}
			ports[c.Port] = c.Name
		}

		if err := c.Validate(); err != nil {
			return fmt.Errorf("connectors[%d]: %w", i, err)
		}
	}

	if cfg.Server.Metrics.Enabled {
		if other, ok := ports[cfg.Server.Metrics.Port]; ok {
			return fmt.Errorf("server.metrics: port %d already used by connector %q", cfg.Server.Metrics.Port, other)
		}
	}

	return validateEngine(&cfg.Engine)
}

// validateEngine checks the topology for collisions the container tree would
// only report at build time.
func validateEngine(cfg *EngineConfig) error {
	hosts := make(map[string]bool)
	defaultFound := false
	for i, h := range cfg.Hosts {
		if h.Name == cfg.DefaultHost {
			defaultFound = true
		}
		for _, name := range append([]string{h.Name}, h.Aliases...) {
			if hosts[name] {
				return fmt.Errorf("engine.hosts[%d]: host name %q declared twice", i, name)
			}
			hosts[name] = true
		}

		paths := make(map[string]bool)
		for j, c := range h.Contexts {
			if paths[c.Path] {
				return fmt.Errorf("engine.hosts[%d].contexts[%d]: duplicate context path %q", i, j, c.Path)
			}
			paths[c.Path] = true

			wrappers := make(map[string]bool)
			for k, w := range c.Wrappers {
				if wrappers[w.Name] {
					return fmt.Errorf("engine.hosts[%d].contexts[%d].wrappers[%d]: duplicate wrapper name %q", i, j, k, w.Name)
				}
				wrappers[w.Name] = true
			}
		}
	}

	if !defaultFound {
		return fmt.Errorf("engine: default_host %q is not a configured host", cfg.DefaultHost)
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
