package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/portico/internal/logger"
	"github.com/marmos91/portico/pkg/adapter"
	"github.com/marmos91/portico/pkg/config"
	"github.com/marmos91/portico/pkg/connector"
	"github.com/marmos91/portico/pkg/container"
	"github.com/marmos91/portico/pkg/registry"
	"github.com/marmos91/portico/pkg/server"
	"github.com/marmos91/portico/pkg/valves"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/portico/config.yaml)")
	initOnly := flag.Bool("init", false, "Write a sample config file and exit")
	force := flag.Bool("force", false, "Overwrite an existing config file with -init")
	logLevel := flag.String("log-level", "", "Override the configured log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	if *initOnly {
		path, err := initConfig(*configPath, *force)
		if err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Configuration written to %s\n", path)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := setupLogging(cfg.Logging); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server error: %v", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func initConfig(path string, force bool) (string, error) {
	if path == "" {
		return config.InitConfig(force)
	}
	return path, config.InitConfigToPath(path, force)
}

func setupLogging(cfg config.LoggingConfig) error {
	logger.SetLevel(cfg.Level)
	logger.SetFormat(cfg.Format)
	return logger.SetOutput(cfg.Output)
}

// run builds the topology and connectors from cfg and serves until ctx ends.
func run(ctx context.Context, cfg *config.Config) error {
	fmt.Println("Portico - embeddable request server")
	logger.Info("Log level set to: %s", cfg.Logging.Level)

	var endpoints []*connector.Endpoint

	reg := registry.NewRegistry()
	if err := valves.RegisterBuiltins(reg); err != nil {
		return err
	}
	if err := registerHandlers(reg, func() []*connector.Endpoint { return endpoints }); err != nil {
		return err
	}

	engine, err := config.BuildEngine(cfg.Engine, reg)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	a := adapter.New(engine, adapter.Config{OutputBufferSize: cfg.Server.ResponseBufferSize})
	if rl := requestLogger(engine); rl != nil {
		a.SetRequestLogger(rl)
	}

	srv := server.New(engine, a)
	srv.StopTimeout = cfg.Server.ShutdownTimeout

	m := config.InitializeMetrics(cfg)
	if m.Server != nil {
		go func() {
			if err := m.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	for _, cc := range cfg.Connectors {
		ep := connector.New(cc, m.ConnectorMetrics(cc.Name))
		if err := srv.AddConnector(ep); err != nil {
			return err
		}
		endpoints = append(endpoints, ep)
	}

	logger.Info("Server is running. Press Ctrl+C to stop.")
	return srv.Serve(ctx)
}

// requestLogger returns the first engine valve that can also log requests
// rejected before the pipeline, so those land in the same access log.
func requestLogger(engine *container.Container) adapter.RequestLogger {
	for _, v := range engine.Pipeline().Valves() {
		if rl, ok := v.(adapter.RequestLogger); ok {
			return rl
		}
	}
	return nil
}
