package control

import (
	"bytes"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestControlImportPurity ensures the control layer never depends on its
// outer surfaces (the HTTP API and the daemon wiring).
func TestControlImportPurity(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go tool not on PATH")
	}
	cmd := exec.Command("go", "list", "-deps", "github.com/ManuGH/mixlink/internal/control")
	cmd.Env = append(os.Environ(), "GOWORK=off")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	require.NoError(t, err, "Failed to run go list -deps: %s", stderr.String())

	forbidden := []string{
		"github.com/ManuGH/mixlink/internal/api",
		"github.com/ManuGH/mixlink/internal/daemon",
	}
	for _, d := range strings.Split(stdout.String(), "\n") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		for _, prefix := range forbidden {
			assert.False(t, strings.HasPrefix(d, prefix),
				"control layer has a transitive dependency on %q", d)
		}
	}
}
