package spawner

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"

	"github.com/libstorage/libstoragemgmt-sub003/internal/daemonlog"
	"github.com/libstorage/libstoragemgmt-sub003/internal/registry"
)

func TestBuildArgvPlain(t *testing.T) {
	entry := &registry.Entry{ExecutablePath: "/usr/bin/nfs_lsmplugin"}

	path, argv, err := buildArgv(entry, false)
	assert.NilError(t, err)
	assert.Equal(t, path, "/usr/bin/nfs_lsmplugin")
	assert.DeepEqual(t, argv, []string{"nfs_lsmplugin", "3"})
}

func TestBuildArgvValgrindMissingIsError(t *testing.T) {
	restore := os.Getenv("PATH")
	os.Setenv("PATH", "")
	defer os.Setenv("PATH", restore)

	entry := &registry.Entry{ExecutablePath: "/usr/bin/nfs_lsmplugin"}
	_, _, err := buildArgv(entry, true)
	assert.ErrorContains(t, err, "valgrind")
}

func TestBuildArgvValgrindWraps(t *testing.T) {
	dir := t.TempDir()
	fake := filepath.Join(dir, "valgrind")
	assert.NilError(t, os.WriteFile(fake, []byte("#!/bin/sh\n"), 0o755))
	restore := os.Getenv("PATH")
	os.Setenv("PATH", dir)
	defer os.Setenv("PATH", restore)

	entry := &registry.Entry{ExecutablePath: "/usr/bin/nfs_lsmplugin"}
	path, argv, err := buildArgv(entry, true)
	assert.NilError(t, err)
	assert.Equal(t, path, fake)
	assert.Equal(t, argv[0], "valgrind")
	assert.Equal(t, argv[len(argv)-2], entry.ExecutablePath)
	assert.Equal(t, argv[len(argv)-1], "3")
	assert.Assert(t, strings.HasPrefix(argv[3], "--log-file=/tmp/leaking_"))
}

// TestSpawnClosesAcceptedFD exercises the full Spawn path against a
// real socketpair, using /bin/true as a non-root, non-memdebug plugin
// stand-in. It only asserts the
// accepted fd is closed by Spawn; the child's own lifetime is not
// observed here (the reaper package covers reaping).
func TestSpawnClosesAcceptedFD(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	assert.NilError(t, err)
	parentFD, childSideFD := fds[0], fds[1]
	defer unix.Close(parentFD)

	log, err := daemonlog.New(false, true)
	assert.NilError(t, err)

	entry := &registry.Entry{Name: "truthy", ExecutablePath: "/bin/true", RequiresRoot: false}
	Spawn(log, entry, childSideFD, Options{AllowPluginRootPrivilege: false, MemDebug: false})

	// Spawn always closes its local copy of the accepted fd; a second
	// close must fail with EBADF.
	err = unix.Close(childSideFD)
	assert.ErrorIs(t, err, unix.EBADF)
}

// TestSpawnDoesNotAttachCredentialWhenNotRoot covers the common
// allow-plugin-root-privilege=false deployment: the daemon itself is
// already unprivileged by the time it spawns, so decision.Drop is true
// but there must be no attempt to attach a Credential (that would make
// os/exec call setgroups(2), which fails with EPERM for a non-root
// parent and would mean no plugin is ever spawned). This test runs as
// whatever uid the test binary has; it only has teeth when that uid is
// non-zero, which is the case for every CI and developer environment
// that is not deliberately run as root.
func TestSpawnDoesNotAttachCredentialWhenNotRoot(t *testing.T) {
	if unix.Geteuid() == 0 {
		t.Skip("test only meaningful when not running as root")
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	assert.NilError(t, err)
	parentFD, childSideFD := fds[0], fds[1]
	defer unix.Close(parentFD)

	log, err := daemonlog.New(false, true)
	assert.NilError(t, err)
	var logBuf bytes.Buffer
	log.SetOutput(&logBuf)

	// RequiresRoot true + AllowPluginRootPrivilege true: since the daemon
	// is not root, DecideChild returns Drop=true at its daemon-not-root
	// check, before any peer-credential lookup on childSideFD.
	entry := &registry.Entry{Name: "truthy", ExecutablePath: "/bin/true", RequiresRoot: true}
	Spawn(log, entry, childSideFD, Options{AllowPluginRootPrivilege: true, MemDebug: false})

	// If Spawn had attached a Credential here, cmd.Start() would have
	// failed with EPERM, and Spawn logs that failure as a warning.
	assert.Assert(t, !strings.Contains(logBuf.String(), "error exec'ing plugin"), logBuf.String())

	// Spawn closes its local copy of the accepted fd on every path.
	err = unix.Close(childSideFD)
	assert.ErrorIs(t, err, unix.EBADF)
}
