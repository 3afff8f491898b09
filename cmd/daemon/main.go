// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command daemon runs the mixlink connection manager.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ManuGH/mixlink/internal/config"
	"github.com/ManuGH/mixlink/internal/daemon"
	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/ManuGH/mixlink/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			os.Exit(runConfigCLI(os.Args[2:], os.Stdout, os.Stderr))
		case "healthcheck":
			os.Exit(runHealthcheckCLI(os.Args[2:], os.Stdout, os.Stderr))
		}
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	os.Exit(run(strings.TrimSpace(*configPath)))
}

func run(explicitPath string) int {
	// Safe defaults until the config is loaded
	logger := xglog.Component(xglog.New(xglog.Config{Level: "info", Version: version.Version}), "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := explicitPath
	if path == "" {
		path = resolveDefaultConfigPath()
	}

	loader := config.NewLoader(path, logger)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error().
			Err(err).
			Str(xglog.FieldEvent, "config.load_failed").
			Str("config_path", path).
			Msg("failed to load configuration")
		return 1
	}

	base := xglog.New(xglog.Config{Level: cfg.LogLevel, Version: version.Version})
	logger = xglog.Component(base, "main")

	source := "file"
	switch {
	case path == "":
		source = "env+defaults"
	case explicitPath == "":
		source = "file(auto)"
	}
	logger.Info().
		Str(xglog.FieldEvent, "config.loaded").
		Str("source", source).
		Str("path", path).
		Int("connections", len(cfg.Connections)).
		Msg("configuration loaded")

	app, err := daemon.New(ctx, daemon.Deps{
		Logger:  base,
		Config:  cfg,
		Loader:  loader,
		Version: version.Version,
	})
	if err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "daemon.init_failed").Msg("failed to initialise daemon")
		return 1
	}

	logger.Info().
		Str(xglog.FieldEvent, "daemon.starting").
		Str(xglog.FieldAddr, cfg.API.Listen).
		Str("version", version.String()).
		Msg("starting mixlink")

	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "daemon.failed").Msg("daemon exited with error")
		return 1
	}
	return 0
}
