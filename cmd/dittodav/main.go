package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/marmos91/dittodav/internal/logger"
	"github.com/marmos91/dittodav/pkg/config"
	"github.com/marmos91/dittodav/pkg/server"
)

const usage = `DittoDAV - WebDAV server with admission control

Usage:
  dittodav [flags] [command]

Commands:
  start   Start the server (default)
  init    Write a configuration file with all defaults

Flags:
`

func main() {
	configPath := flag.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/dittodav/config.yaml)")
	logLevel := flag.String("log-level", "", "Override logging.level (DEBUG, INFO, WARN, ERROR)")
	force := flag.Bool("force", false, "init: overwrite an existing config file")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	command := "start"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	var err error
	switch command {
	case "init":
		err = runInit(*configPath, *force)
	case "start":
		err = runStart(*configPath, *logLevel)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func runInit(configPath string, force bool) error {
	if configPath == "" {
		path, err := config.InitConfig(force)
		if err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	}

	if err := config.InitConfigToPath(configPath, force); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", configPath)
	return nil
}

func runStart(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := logger.Configure(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics first: the core registers its snapshot collector on creation
	metricsResult := config.InitializeMetrics(cfg)
	if metricsResult.Server != nil {
		go func() {
			if err := metricsResult.Server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	core, err := config.InitializeCore(ctx, cfg, metricsResult.PoolMetrics)
	if err != nil {
		return fmt.Errorf("failed to initialize core: %w", err)
	}
	defer func() {
		if err := core.Close(); err != nil {
			logger.Warn("Closing backend: %v", err)
		}
	}()

	adapters, err := config.CreateAdapters(cfg, metricsResult.DAVMetrics)
	if err != nil {
		_ = core.Manager.Shutdown(context.Background())
		return err
	}

	srv := server.New(core.Manager, server.Options{StopTimeout: cfg.Server.ShutdownTimeout})
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			_ = core.Manager.Shutdown(context.Background())
			return fmt.Errorf("failed to add %s adapter: %w", a.Protocol(), err)
		}
	}

	logger.Info("DittoDAV is running (backend=%s, dav=%s:%d). Press Ctrl+C to stop.",
		cfg.Backend.Type, cfg.Adapters.DAV.BindAddress, cfg.Adapters.DAV.Port)

	err = srv.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("Server stopped gracefully")
	return nil
}
