// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrUnknownConfigField classifies strict YAML parse failures caused by unknown keys.
var ErrUnknownConfigField = errors.New("unknown config field")

// Loader builds a Config from defaults, an optional file and the environment.
type Loader struct {
	path   string
	lookup func(string) (string, bool)
	logger zerolog.Logger
}

// NewLoader creates a loader for path. An empty path means defaults and
// environment only; a path that does not exist yet is treated as empty.
func NewLoader(path string, logger zerolog.Logger) *Loader {
	return &Loader{path: path, lookup: os.LookupEnv, logger: xglog.Component(logger, "config")}
}

// Path returns the config file path.
func (l *Loader) Path() string {
	return l.path
}

// Load returns a validated Config.
func (l *Loader) Load() (Config, error) {
	cfg, err := l.LoadFile()
	if err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg, l.lookup, l.logger); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile returns defaults overlaid with the file only. This is the base
// for writing the file back, so environment overrides are never persisted.
func (l *Loader) LoadFile() (Config, error) {
	cfg := Defaults()
	if l.path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		l.logger.Info().Str("path", l.path).Str(xglog.FieldEvent, "config.file_missing").Msg("config file not found, using defaults")
		return cfg, nil
	case err != nil:
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := decodeStrict(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeStrict decodes a single YAML document onto cfg, rejecting unknown keys.
func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("%w: %w: %w", mixer.ErrConfig, ErrUnknownConfigField, err)
		}
		return fmt.Errorf("%w: strict config parse error: %w", mixer.ErrConfig, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: config file contains multiple documents or trailing content", mixer.ErrConfig)
	}
	return nil
}
