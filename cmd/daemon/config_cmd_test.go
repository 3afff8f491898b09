// SPDX-License-Identifier: MIT
package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mixlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestConfigValidate(t *testing.T) {
	valid := writeConfig(t, "connections:\n  - host: studio-a\n    transport: tcp\n")
	invalid := writeConfig(t, "connections:\n  - host: studio-a\n    transport: serial\n")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"valid", []string{"validate", "-f", valid}, 0},
		{"invalid", []string{"validate", "--file", invalid}, 1},
		{"missing flag", []string{"validate"}, 2},
		{"unknown subcommand", []string{"frobnicate"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MIXLINK_DATA", "")
			var stdout, stderr bytes.Buffer
			assert.Equal(t, tt.want, runConfigCLI(tt.args, &stdout, &stderr), stderr.String())
		})
	}
}

func TestConfigDump_RedactsSecrets(t *testing.T) {
	path := writeConfig(t, "device:\n  username: admin\n  password: hunter2\nredis:\n  addr: localhost:6379\n  password: s3cret\n")

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, runConfigCLI([]string{"dump", "-f", path}, &stdout, &stderr), stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "username: admin")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, redacted)
	assert.Contains(t, out, "8470", "defaults are part of the effective config")
}

func TestResolveDefaultConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MIXLINK_DATA", dir)
	assert.Empty(t, resolveDefaultConfigPath())

	path := filepath.Join(dir, "mixlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))
	assert.Equal(t, path, resolveDefaultConfigPath())
}
