// SPDX-License-Identifier: MIT

package daemon

import (
	"net"

	"github.com/ManuGH/mixlink/internal/config"
	"github.com/rs/zerolog"
)

// Deps contains dependencies required by the daemon App.
type Deps struct {
	// Logger is the structured logger for the daemon
	Logger zerolog.Logger

	// Config is the validated startup configuration
	Config config.Config

	// Loader reads the config file for reloads and for persisting
	// connections on shutdown
	Loader *config.Loader

	// Version is reported by the health endpoints and traces
	Version string

	// Listener replaces listening on Config.API.Listen when set
	Listener net.Listener
}

// Validate checks if the dependencies are valid.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.Loader == nil {
		return ErrMissingLoader
	}
	return nil
}
