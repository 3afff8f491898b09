// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/rs/zerolog"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "MIXLINK_"

// envReader applies overrides and collects malformed values.
type envReader struct {
	logger  zerolog.Logger
	lookup  func(string) (string, bool)
	invalid []error
}

func (r *envReader) value(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	lowerKey := strings.ToLower(key)
	if strings.Contains(lowerKey, "password") || strings.Contains(lowerKey, "token") {
		r.logger.Debug().Str("key", key).Str("source", "environment").Bool("sensitive", true).Msg("using environment variable")
	} else {
		r.logger.Debug().Str("key", key).Str("value", v).Str("source", "environment").Msg("using environment variable")
	}
	return strings.TrimSpace(v), true
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.value(key); ok {
		*dst = v
	}
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.invalid = append(r.invalid, fmt.Errorf("%w: %s=%q is not an integer", mixer.ErrConfig, key, v))
		return
	}
	*dst = n
}

func (r *envReader) float(key string, dst *float64) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.invalid = append(r.invalid, fmt.Errorf("%w: %s=%q is not a number", mixer.ErrConfig, key, v))
		return
	}
	*dst = f
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.invalid = append(r.invalid, fmt.Errorf("%w: %s=%q is not a boolean", mixer.ErrConfig, key, v))
		return
	}
	*dst = b
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.invalid = append(r.invalid, fmt.Errorf("%w: %s=%q is not a duration", mixer.ErrConfig, key, v))
		return
	}
	*dst = d
}

// applyEnv overlays MIXLINK_* variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool), logger zerolog.Logger) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	r := &envReader{logger: logger, lookup: lookup}

	r.str(EnvPrefix+"LOG_LEVEL", &cfg.LogLevel)

	r.str(EnvPrefix+"LISTEN", &cfg.API.Listen)
	r.integer(EnvPrefix+"RATE_LIMIT", &cfg.API.RateLimit)
	r.duration(EnvPrefix+"SHUTDOWN_TIMEOUT", &cfg.API.ShutdownTimeout)

	r.duration(EnvPrefix+"HTTP_TIMEOUT", &cfg.Device.HTTPTimeout)
	r.integer(EnvPrefix+"HTTP_RETRIES", &cfg.Device.HTTPRetries)
	r.float(EnvPrefix+"HTTP_RATE_LIMIT", &cfg.Device.HTTPRateLimit)
	r.str(EnvPrefix+"DEVICE_USERNAME", &cfg.Device.Username)
	r.str(EnvPrefix+"DEVICE_PASSWORD", &cfg.Device.Password)
	r.duration(EnvPrefix+"TCP_DIAL_TIMEOUT", &cfg.Device.TCPDialTimeout)

	r.duration(EnvPrefix+"SCHEDULER_TICK", &cfg.Scheduler.Tick)

	r.str(EnvPrefix+"REDIS_ADDR", &cfg.Redis.Addr)
	r.str(EnvPrefix+"REDIS_PASSWORD", &cfg.Redis.Password)
	r.integer(EnvPrefix+"REDIS_DB", &cfg.Redis.DB)
	r.str(EnvPrefix+"REDIS_PREFIX", &cfg.Redis.Prefix)

	r.boolean(EnvPrefix+"TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)
	r.str(EnvPrefix+"OTLP_EXPORTER", &cfg.Telemetry.Exporter)
	r.str(EnvPrefix+"OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	r.float(EnvPrefix+"TRACE_SAMPLING_RATE", &cfg.Telemetry.SamplingRate)

	return errors.Join(r.invalid...)
}
