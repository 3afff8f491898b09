// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "mixlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newTestLoader(path string, env map[string]string) *Loader {
	l := NewLoader(path, zerolog.Nop())
	l.lookup = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return l
}

const sampleYAML = `
logLevel: debug
api:
  listen: "127.0.0.1:9000"
connections:
  - host: studio-a
    transport: http
    label: Studio A
  - host: 10.0.0.7
    port: 9099
    transport: tcp
    auto_refresh:
      enabled: false
      interval: 30s
`

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := newTestLoader("", nil).Load()
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := newTestLoader(filepath.Join(t.TempDir(), "absent.yaml"), nil).Load()
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), sampleYAML)

	cfg, err := newTestLoader(path, nil).Load()
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "127.0.0.1:9000", cfg.API.Listen)
	require.Equal(t, Defaults().API.ShutdownTimeout, cfg.API.ShutdownTimeout)
	require.Equal(t, 10*time.Second, cfg.Device.HTTPTimeout)

	want := []mixer.Connection{
		{Host: "studio-a", Port: 8088, Transport: mixer.TransportHTTP, Label: "Studio A", AutoRefresh: mixer.DefaultAutoRefresh()},
		{Host: "10.0.0.7", Port: 9099, Transport: mixer.TransportTCP, AutoRefresh: mixer.AutoRefresh{Enabled: false, Interval: 30 * time.Second}},
	}
	if diff := cmp.Diff(want, cfg.ConnectionList()); diff != "" {
		t.Fatalf("connections mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), sampleYAML)

	cfg, err := newTestLoader(path, map[string]string{
		"MIXLINK_LOG_LEVEL":    "warn",
		"MIXLINK_LISTEN":       ":7000",
		"MIXLINK_REDIS_ADDR":   "redis:6379",
		"MIXLINK_HTTP_TIMEOUT": "4s",
		"MIXLINK_HTTP_RETRIES": "2",
		"MIXLINK_REDIS_PREFIX": "  ",
	}).Load()
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.LogLevel)
	require.Equal(t, ":7000", cfg.API.Listen)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 4*time.Second, cfg.Device.HTTPTimeout)
	require.Equal(t, 2, cfg.Device.HTTPRetries)
	require.Equal(t, "mixlink", cfg.Redis.Prefix, "blank env values are ignored")
}

func TestLoad_MalformedEnv(t *testing.T) {
	_, err := newTestLoader("", map[string]string{
		"MIXLINK_HTTP_TIMEOUT":      "soon",
		"MIXLINK_TELEMETRY_ENABLED": "maybe",
	}).Load()
	require.Error(t, err)
	require.ErrorIs(t, err, mixer.ErrConfig)
	require.Contains(t, err.Error(), "MIXLINK_HTTP_TIMEOUT")
	require.Contains(t, err.Error(), "MIXLINK_TELEMETRY_ENABLED")
}

func TestLoad_StrictParsing(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		unknown bool
	}{
		{name: "unknown top-level key", body: "colour: blue\n", unknown: true},
		{name: "unknown connection key", body: "connections:\n  - host: a\n    transport: http\n    speed: 3\n", unknown: true},
		{name: "multiple documents", body: "logLevel: info\n---\nlogLevel: debug\n"},
		{name: "bad duration", body: "api:\n  shutdownTimeout: forever\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.body)
			_, err := newTestLoader(path, nil).Load()
			require.Error(t, err)
			require.ErrorIs(t, err, mixer.ErrConfig)
			require.Equal(t, tt.unknown, errors.Is(err, ErrUnknownConfigField))
		})
	}
}

func TestValidate(t *testing.T) {
	enabled := true
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, want: "logLevel"},
		{name: "empty listen", mutate: func(c *Config) { c.API.Listen = "" }, want: "api.listen"},
		{name: "retries", mutate: func(c *Config) { c.Device.HTTPRetries = 9 }, want: "httpRetries"},
		{name: "exporter", mutate: func(c *Config) {
			c.Telemetry = TelemetryConfig{Enabled: true, Exporter: "zipkin", Endpoint: "x:1"}
		}, want: "telemetry.exporter"},
		{name: "transport", mutate: func(c *Config) {
			c.Connections = []ConnectionRecord{{Host: "a", Transport: "udp"}}
		}, want: "unknown transport"},
		{name: "port", mutate: func(c *Config) {
			c.Connections = []ConnectionRecord{{Host: "a", Transport: "tcp", Port: 70000}}
		}, want: "port 70000"},
		{name: "interval", mutate: func(c *Config) {
			c.Connections = []ConnectionRecord{{Host: "a", Transport: "http", AutoRefresh: AutoRefreshRecord{Enabled: &enabled, Interval: time.Millisecond}}}
		}, want: "auto refresh interval"},
		{name: "duplicate host", mutate: func(c *Config) {
			c.Connections = []ConnectionRecord{{Host: "a", Transport: "http"}, {Host: "a", Transport: "tcp"}}
		}, want: "duplicates connections[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			require.ErrorIs(t, err, mixer.ErrConfig)
			require.Contains(t, err.Error(), tt.want)
		})
	}

	require.NoError(t, Validate(Defaults()))
}

func TestSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mixlink.yaml")

	conns := []mixer.Connection{
		{Host: "studio-a", Port: 8088, Transport: mixer.TransportHTTP, Label: "A", AutoRefresh: mixer.DefaultAutoRefresh()},
		{Host: "studio-b", Port: 8099, Transport: mixer.TransportTCP, AutoRefresh: mixer.AutoRefresh{Enabled: false, Interval: 2 * time.Minute}},
	}
	cfg := Defaults().WithConnections(conns)
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := newTestLoader(path, nil).Load()
	require.NoError(t, err)
	if diff := cmp.Diff(conns, loaded.ConnectionList()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

func TestSave_RejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixlink.yaml")
	cfg := Defaults()
	cfg.Connections = []ConnectionRecord{{Host: "", Transport: "http"}}

	require.ErrorIs(t, Save(path, cfg), mixer.ErrConfig)
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestLoadFile_IgnoresEnvironment(t *testing.T) {
	path := writeFile(t, t.TempDir(), sampleYAML)
	cfg, err := newTestLoader(path, map[string]string{"MIXLINK_REDIS_PASSWORD": "secret"}).LoadFile()
	require.NoError(t, err)
	require.Empty(t, cfg.Redis.Password)
}
