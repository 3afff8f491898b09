// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads, validates, watches and persists the daemon's YAML
// configuration, including the ordered list of mixer connections.
package config

import (
	"time"

	"github.com/ManuGH/mixlink/internal/mixer"
)

// Config is the complete daemon configuration. Precedence is
// ENV > file > defaults.
type Config struct {
	LogLevel    string             `yaml:"logLevel,omitempty"`
	API         APIConfig          `yaml:"api"`
	Device      DeviceConfig       `yaml:"device"`
	Scheduler   SchedulerConfig    `yaml:"scheduler"`
	Redis       RedisConfig        `yaml:"redis,omitempty"`
	Telemetry   TelemetryConfig    `yaml:"telemetry,omitempty"`
	Connections []ConnectionRecord `yaml:"connections"`
}

// APIConfig configures the JSON control API.
type APIConfig struct {
	Listen          string        `yaml:"listen"`
	RateLimit       int           `yaml:"rateLimit"` // requests per minute per client, 0 disables
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DeviceConfig tunes both transports.
type DeviceConfig struct {
	HTTPTimeout    time.Duration `yaml:"httpTimeout"`
	HTTPRetries    int           `yaml:"httpRetries"`
	HTTPRateLimit  float64       `yaml:"httpRateLimit,omitempty"` // requests per second per host, 0 selects the default
	Username       string        `yaml:"username,omitempty"`
	Password       string        `yaml:"password,omitempty"`
	TCPDialTimeout time.Duration `yaml:"tcpDialTimeout"`
}

// SchedulerConfig tunes the HTTP auto refresh loop.
type SchedulerConfig struct {
	Tick time.Duration `yaml:"tick"`
}

// RedisConfig enables the Redis event sink when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter,omitempty"` // grpc or http
	Endpoint     string  `yaml:"endpoint,omitempty"`
	Environment  string  `yaml:"environment,omitempty"`
	SamplingRate float64 `yaml:"samplingRate,omitempty"`
}

// ConnectionRecord is one persisted connection.
type ConnectionRecord struct {
	Host        string            `yaml:"host"`
	Port        int               `yaml:"port,omitempty"`
	Label       string            `yaml:"label,omitempty"`
	Transport   string            `yaml:"transport"`
	AutoRefresh AutoRefreshRecord `yaml:"auto_refresh,omitempty"`
}

// AutoRefreshRecord is the persisted form of mixer.AutoRefresh. Omitted
// fields take the defaults.
type AutoRefreshRecord struct {
	Enabled  *bool         `yaml:"enabled,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// Connection converts a validated record to the registry's form.
func (r ConnectionRecord) Connection() mixer.Connection {
	t, _ := mixer.ParseTransport(r.Transport)
	port := r.Port
	if port == 0 {
		port = t.DefaultPort()
	}
	ar := mixer.DefaultAutoRefresh()
	if r.AutoRefresh.Enabled != nil {
		ar.Enabled = *r.AutoRefresh.Enabled
	}
	if r.AutoRefresh.Interval != 0 {
		ar.Interval = r.AutoRefresh.Interval
	}
	return mixer.Connection{Host: r.Host, Port: port, Transport: t, Label: r.Label, AutoRefresh: ar}
}

// RecordOf is the inverse of ConnectionRecord.Connection.
func RecordOf(c mixer.Connection) ConnectionRecord {
	enabled := c.AutoRefresh.Enabled
	return ConnectionRecord{
		Host:      c.Host,
		Port:      c.Port,
		Label:     c.Label,
		Transport: string(c.Transport),
		AutoRefresh: AutoRefreshRecord{
			Enabled:  &enabled,
			Interval: c.AutoRefresh.Interval,
		},
	}
}

// ConnectionList converts every record.
func (c Config) ConnectionList() []mixer.Connection {
	out := make([]mixer.Connection, 0, len(c.Connections))
	for _, r := range c.Connections {
		out = append(out, r.Connection())
	}
	return out
}

// Defaults returns the configuration used for every unset field.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		API: APIConfig{
			Listen:          ":8470",
			RateLimit:       600,
			ShutdownTimeout: 10 * time.Second,
		},
		Device: DeviceConfig{
			HTTPTimeout:    10 * time.Second,
			TCPDialTimeout: 3 * time.Second,
		},
		Scheduler: SchedulerConfig{Tick: time.Second},
		Redis:     RedisConfig{Prefix: "mixlink"},
		Telemetry: TelemetryConfig{Exporter: "grpc", SamplingRate: 1.0},
	}
}
