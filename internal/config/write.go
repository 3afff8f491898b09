// SPDX-License-Identifier: MIT

package config

import (
	"fmt"

	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

const fileHeader = "# mixlink configuration. Connections are rewritten on shutdown.\n"

// Save writes cfg to path atomically: fsync before rename, so a crash leaves
// either the old or the new file, never a torn one.
func Save(path string, cfg Config) (err error) {
	if err := Validate(cfg); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	pendingFile, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o600), renameio.WithExistingPermissions())
	if err != nil {
		return fmt.Errorf("create pending config file: %w", err)
	}
	defer func() {
		// removes the temp file unless it was committed
		if cerr := pendingFile.Cleanup(); cerr != nil && err == nil {
			err = fmt.Errorf("cleanup pending config file: %w", cerr)
		}
	}()

	if _, err := pendingFile.WriteString(fileHeader); err != nil {
		return fmt.Errorf("write config header: %w", err)
	}
	if _, err := pendingFile.Write(data); err != nil {
		return fmt.Errorf("write config data: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace config file: %w", err)
	}
	return nil
}

// WithConnections returns a copy of cfg whose connection list is conns.
func (c Config) WithConnections(conns []mixer.Connection) Config {
	out := c
	out.Connections = make([]ConnectionRecord, 0, len(conns))
	for _, conn := range conns {
		out.Connections = append(out.Connections, RecordOf(conn))
	}
	return out
}
