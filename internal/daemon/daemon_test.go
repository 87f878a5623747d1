package daemon

import (
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// TestRunServesUntilSigtermThenExits exercises the full startup
// sequence (systemd mode, so daemonize is skipped) against a temporary
// plugin/socket/conf tree holding one fake plugin, then signals SIGTERM
// and asserts Run returns cleanly.
func TestRunServesUntilSigtermThenExits(t *testing.T) {
	pluginDir := t.TempDir()
	socketDir := t.TempDir()
	confDir := t.TempDir()

	pluginPath := filepath.Join(pluginDir, "fake_lsmplugin")
	copySelf(t, pluginPath)

	opts := Options{
		PluginDir: pluginDir,
		SocketDir: socketDir,
		ConfDir:   confDir,
		Verbose:   false,
		Systemd:   true,
	}

	done := make(chan error, 1)
	go func() {
		done <- Run(opts)
	}()

	// Give the serve loop time to complete its first scan and enter
	// the select loop before signaling.
	time.Sleep(200 * time.Millisecond)

	p, err := os.FindProcess(os.Getpid())
	assert.NilError(t, err)
	assert.NilError(t, p.Signal(syscall.SIGTERM))

	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run never observed SIGTERM and returned")
	}

	entries, err := os.ReadDir(socketDir)
	assert.NilError(t, err)
	assert.Equal(t, len(entries), 0, "socket directory must be empty after a clean shutdown")
}

// copySelf writes a minimal executable shell script to dst, since the
// fake plugin is never actually exec'd in this test (no client ever
// connects); it only needs to exist and be discoverable.
func copySelf(t *testing.T, dst string) {
	t.Helper()
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	assert.NilError(t, err)
	defer f.Close()
	_, err = io.WriteString(f, "#!/bin/sh\nexit 0\n")
	assert.NilError(t, err)
}
