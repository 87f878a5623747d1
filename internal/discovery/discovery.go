// Package discovery walks the plugin directory and populates a registry
// with one entry per recognised plugin executable.
package discovery

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/libstorage/libstoragemgmt-sub003/internal/config"
	"github.com/libstorage/libstoragemgmt-sub003/internal/privilege"
	"github.com/libstorage/libstoragemgmt-sub003/internal/registry"
	"github.com/libstorage/libstoragemgmt-sub003/internal/socketmgr"
)

// PluginSuffix is the sole filter discovery uses to recognise plugin
// executables; file mode bits are never inspected.
const PluginSuffix = "_lsmplugin"

// Options configures a Scan.
type Options struct {
	PluginDir                string
	SocketDir                string
	ConfDir                  string
	AllowPluginRootPrivilege bool
}

// Scan clears reg and repopulates it by walking opts.PluginDir. It
// returns an error for any fatal discovery condition (duplicate plugin
// name, failed socket setup, unreadable config). On success, if
// opts.AllowPluginRootPrivilege is true but no discovered plugin requires
// root, the daemon's root privilege is dropped immediately and dropped
// is set true.
func Scan(reg *registry.Registry, opts Options) (dropped bool, err error) {
	reg.Teardown()
	if err := socketmgr.Sweep(opts.SocketDir); err != nil {
		return false, errors.Wrap(err, "sweeping socket directory before scan")
	}

	walkErr := filepath.WalkDir(opts.PluginDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != opts.PluginDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := os.Lstat(path)
		if err != nil {
			return errors.Wrapf(err, "lstat %s", path)
		}
		if !info.Mode().IsRegular() {
			// Non-regular entries (symlinks to directories, devices,
			// etc.) are never treated as plugins; lstat on the
			// original path (not the symlink target) is what rules
			// out following a symlinked directory cycle.
			return nil
		}

		name := d.Name()
		if !strings.HasSuffix(name, PluginSuffix) || len(name) <= len(PluginSuffix) {
			return nil
		}
		pluginName := strings.TrimSuffix(name, PluginSuffix)

		return addPlugin(reg, opts, pluginName, path)
	})
	if walkErr != nil {
		return false, errors.Wrap(walkErr, "scanning plugin directory")
	}

	if opts.AllowPluginRootPrivilege && !reg.HasRootPlugin() {
		if err := privilege.DropUnconditional(); err != nil {
			return false, errors.Wrap(err, "dropping privileges after scan")
		}
		if err := FlightCheck(opts.PluginDir, opts.SocketDir); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func addPlugin(reg *registry.Registry, opts Options, pluginName, execPath string) error {
	absPath, err := filepath.Abs(execPath)
	if err != nil {
		return errors.Wrapf(err, "resolving absolute path for %s", execPath)
	}

	fd, err := socketmgr.CreateListener(opts.SocketDir, pluginName)
	if err != nil {
		return errors.Wrapf(err, "creating listener for plugin %s", pluginName)
	}

	requiresRoot, err := config.PluginRequiresRoot(opts.ConfDir, pluginName)
	if err != nil {
		_ = socketmgr.CloseListener(fd)
		return errors.Wrapf(err, "reading config for plugin %s", pluginName)
	}

	entry := &registry.Entry{
		Name:           pluginName,
		ExecutablePath: absPath,
		ListenFD:       fd,
		RequiresRoot:   requiresRoot,
	}
	if err := reg.Add(entry); err != nil {
		_ = socketmgr.CloseListener(fd)
		return err
	}
	return nil
}

// FlightCheck verifies the daemon (under its current, possibly just
// dropped, identity) can still read/write the socket directory and
// read/execute the plugin directory.
func FlightCheck(pluginDir, socketDir string) error {
	if err := unix.Access(socketDir, unix.R_OK|unix.W_OK); err != nil {
		return errors.Wrapf(err, "unable to access socket directory %s", socketDir)
	}
	if err := unix.Access(pluginDir, unix.R_OK|unix.X_OK); err != nil {
		return errors.Wrapf(err, "unable to access plugin directory %s", pluginDir)
	}
	return nil
}
