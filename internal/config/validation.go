// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/rs/zerolog"
)

// Validate reports every problem in cfg. Each error wraps mixer.ErrConfig.
func Validate(cfg Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{mixer.ErrConfig}, args...)...))
	}

	if cfg.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil {
			add("logLevel %q is not a valid level", cfg.LogLevel)
		}
	}
	if strings.TrimSpace(cfg.API.Listen) == "" {
		add("api.listen is required")
	}
	if cfg.API.RateLimit < 0 {
		add("api.rateLimit must not be negative")
	}
	if cfg.API.ShutdownTimeout <= 0 {
		add("api.shutdownTimeout must be positive")
	}
	if cfg.Device.HTTPTimeout <= 0 {
		add("device.httpTimeout must be positive")
	}
	if cfg.Device.HTTPRetries < 0 || cfg.Device.HTTPRetries > 5 {
		add("device.httpRetries %d out of range [0, 5]", cfg.Device.HTTPRetries)
	}
	if cfg.Device.HTTPRateLimit < 0 {
		add("device.httpRateLimit must not be negative")
	}
	if cfg.Device.TCPDialTimeout <= 0 {
		add("device.tcpDialTimeout must be positive")
	}
	if cfg.Scheduler.Tick <= 0 {
		add("scheduler.tick must be positive")
	}
	if cfg.Telemetry.Enabled {
		switch cfg.Telemetry.Exporter {
		case "grpc", "http":
		default:
			add("telemetry.exporter %q must be grpc or http", cfg.Telemetry.Exporter)
		}
		if cfg.Telemetry.Endpoint == "" {
			add("telemetry.endpoint is required when telemetry is enabled")
		}
	}
	if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
		add("telemetry.samplingRate %v out of range [0, 1]", cfg.Telemetry.SamplingRate)
	}

	seen := make(map[string]int, len(cfg.Connections))
	for i, rec := range cfg.Connections {
		if err := validateRecord(rec); err != nil {
			errs = append(errs, fmt.Errorf("connections[%d]: %w", i, err))
			continue
		}
		if first, dup := seen[rec.Host]; dup {
			add("connections[%d]: host %q duplicates connections[%d]", i, rec.Host, first)
			continue
		}
		seen[rec.Host] = i
	}
	return errors.Join(errs...)
}

func validateRecord(rec ConnectionRecord) error {
	if strings.TrimSpace(rec.Host) == "" {
		return fmt.Errorf("%w: host is required", mixer.ErrConfig)
	}
	if _, err := mixer.ParseTransport(rec.Transport); err != nil {
		return err
	}
	if rec.Port < 0 || rec.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", mixer.ErrConfig, rec.Port)
	}
	return rec.Connection().AutoRefresh.Validate()
}
