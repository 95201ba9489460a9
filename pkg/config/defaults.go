package config

import (
	"strings"
	"time"

	"github.com/marmos91/portico/pkg/connector"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Connector defaults are handled by connector.Config.ApplyDefaults
//   - A config without connectors gets one plain HTTP connector on 8080
//   - A config without hosts gets the sample topology
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)

	if len(cfg.Connectors) == 0 {
		cfg.Connectors = []connector.Config{{Name: "http", Port: 8080}}
	}
	for i := range cfg.Connectors {
		cfg.Connectors[i].ApplyDefaults()
	}

	applyEngineDefaults(&cfg.Engine)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ResponseBufferSize == 0 {
		cfg.ResponseBufferSize = 8 << 10
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

func applyEngineDefaults(cfg *EngineConfig) {
	if cfg.Name == "" {
		cfg.Name = "portico"
	}
	if len(cfg.Hosts) == 0 {
		*cfg = sampleEngine(cfg.Name, cfg.Valves)
	}
	if cfg.DefaultHost == "" {
		cfg.DefaultHost = cfg.Hosts[0].Name
	}
}

// sampleEngine is the topology served when none is configured: one host
// with the built-in demo handlers.
func sampleEngine(name string, valves []ValveConfig) EngineConfig {
	if valves == nil {
		valves = []ValveConfig{
			{Type: "requestid"},
			{Type: "accesslog", Params: map[string]any{"sink": "logger"}},
			{Type: "errorreport"},
		}
	}
	return EngineConfig{
		Name:        name,
		DefaultHost: "localhost",
		Valves:      valves,
		Hosts: []HostConfig{
			{
				Name:    "localhost",
				Aliases: []string{"127.0.0.1", "::1"},
				Contexts: []ContextConfig{
					{
						Path: "/",
						Wrappers: []WrapperConfig{
							{Name: "hello", Handler: "hello", Mappings: []string{"/"}},
							{Name: "echo", Handler: "echo", Mappings: []string{"/echo"}},
							{Name: "status", Handler: "status", Mappings: []string{"/status"}},
							{Name: "async", Handler: "async", Mappings: []string{"/async/*"}},
						},
					},
				},
			},
		},
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
