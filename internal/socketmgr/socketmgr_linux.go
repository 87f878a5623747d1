// Package socketmgr creates, closes, and sweeps the per-plugin UNIX
// domain sockets that live under the daemon's configured socket
// directory.
package socketmgr

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const listenBacklog = 5

// socketMode is world-readable/writable, matching the C reference's
// S_IREAD|S_IWRITE|S_IRGRP|S_IWGRP|S_IROTH|S_IWOTH (0666). Any client on
// the host may connect; the daemon relies on peer-credential inspection,
// not filesystem permissions, for privilege decisions.
const socketMode = 0o666

// CreateListener unlinks any existing path at <socketDir>/name, then
// creates, binds, chmods, and listens on a new AF_UNIX stream socket
// there. It returns the listening file descriptor.
func CreateListener(socketDir, name string) (int, error) {
	path := filepath.Join(socketDir, name)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return -1, errors.Wrapf(err, "removing existing path %s", path)
	}

	// SOCK_CLOEXEC keeps this listener out of every spawned plugin child.
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrapf(err, "creating socket for %s", path)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrapf(err, "binding socket %s", path)
	}

	if err := unix.Chmod(path, socketMode); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrapf(err, "chmod socket %s", path)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrapf(err, "listening on socket %s", path)
	}

	return fd, nil
}

// CloseListener closes fd without unlinking its path; the unlink is the
// responsibility of Sweep during teardown.
func CloseListener(fd int) error {
	return errors.Wrap(unix.Close(fd), "closing listener")
}

// Sweep unlinks every UNIX socket file directly inside socketDir,
// leaving regular files and other entries untouched. It is used on
// startup (to clear sockets left over from a crashed prior run) and on
// shutdown (to remove every socket this run created).
func Sweep(socketDir string) error {
	entries, err := os.ReadDir(socketDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading socket directory %s", socketDir)
	}

	for _, entry := range entries {
		path := filepath.Join(socketDir, entry.Name())
		if err := removeIfSocket(path); err != nil {
			return errors.Wrapf(err, "sweeping %s", path)
		}
	}
	return nil
}

func removeIfSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
