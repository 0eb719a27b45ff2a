package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ernijsansons/pgrouter/config"
	"github.com/ernijsansons/pgrouter/logger"
	"github.com/ernijsansons/pgrouter/manager"
	"github.com/ernijsansons/pgrouter/server/httpapi"
)

func main() {
	cfg := config.NewDefaultConfig()

	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")

	// These flags override values from the config file if set. Their
	// defaults come from the initial cfg for consistent -help messages.
	fHTTPAddr := flag.String("httpaddr", cfg.HTTP.Addr, "Status/metrics HTTP listen address (overrides config)")
	fLogLevel := flag.String("loglevel", cfg.Logging.Level, "Log level: debug, info, warn, error (overrides config)")
	fLogOutput := flag.String("logoutput", cfg.Logging.Output, "Log output: 'stdout', 'stderr' or a file path (overrides config)")
	fDebug := flag.Bool("debug", cfg.Database.Debug, "Log every SQL statement (overrides config)")

	flag.Parse()

	if err := config.Load(*configPath, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) && !isFlagSet("config") {
			fmt.Fprintf(os.Stderr, "WARNING: default configuration file '%s' not found, using application defaults\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
			os.Exit(1)
		}
	}

	if isFlagSet("httpaddr") {
		cfg.HTTP.Addr = *fHTTPAddr
	}
	if isFlagSet("loglevel") {
		cfg.Logging.Level = *fLogLevel
	}
	if isFlagSet("logoutput") {
		cfg.Logging.Output = *fLogOutput
	}
	if isFlagSet("debug") {
		cfg.Database.Debug = *fDebug
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := manager.NewFromConfig(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to initialize pool manager", "error", err)
	}
	defer m.Shutdown()

	errChan := make(chan error, 1)
	go httpapi.Start(ctx, m, httpapi.ServerOptions{
		Addr:         cfg.HTTP.Addr,
		APIKey:       cfg.HTTP.APIKey,
		AllowedHosts: cfg.HTTP.AllowedHosts,
	}, errChan)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errChan:
		logger.Error("server error, shutting down", "error", err)
	}

	cancel()
	m.Shutdown()
	logger.Info("shutdown complete")
}

// isFlagSet reports whether a flag was explicitly set on the command
// line.
func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
