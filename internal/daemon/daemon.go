// Package daemon wires together config, discovery, the multiplexer and
// the spawner into the supervisor's startup sequence and main serve
// loop.
package daemon

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"

	"github.com/libstorage/libstoragemgmt-sub003/internal/config"
	"github.com/libstorage/libstoragemgmt-sub003/internal/daemonlog"
	"github.com/libstorage/libstoragemgmt-sub003/internal/discovery"
	"github.com/libstorage/libstoragemgmt-sub003/internal/lifecycle"
	"github.com/libstorage/libstoragemgmt-sub003/internal/multiplexer"
	"github.com/libstorage/libstoragemgmt-sub003/internal/privilege"
	"github.com/libstorage/libstoragemgmt-sub003/internal/registry"
	"github.com/libstorage/libstoragemgmt-sub003/internal/socketmgr"
	"github.com/libstorage/libstoragemgmt-sub003/internal/spawner"
)

// daemonizedEnv marks a re-exec'd background copy of the process, so the
// re-exec happens exactly once.
const daemonizedEnv = "LSMD_DAEMONIZED"

// Options carries the daemon's fully parsed startup configuration.
type Options struct {
	PluginDir string
	SocketDir string
	ConfDir   string
	Verbose   bool
	Systemd   bool
	// MemDebug wraps every spawned plugin in valgrind; sourced from the
	// LSM_VALGRIND environment variable by the caller.
	MemDebug bool
}

// Run executes the full startup sequence and then the main serve loop.
// It returns only on a clean SIGTERM-driven exit or a fatal error (at
// startup, during a rescan, or from the serve loop).
func Run(opts Options) error {
	global, err := config.LoadGlobal(opts.ConfDir)
	if err != nil {
		return errors.Wrap(err, "loading global configuration")
	}

	log, err := daemonlog.New(opts.Verbose, opts.Systemd)
	if err != nil {
		return errors.Wrap(err, "initializing logger")
	}

	lc := lifecycle.New()
	defer lc.Close()

	if !global.AllowPluginRootPrivilege {
		if err := privilege.DropUnconditional(); err != nil {
			return errors.Wrap(err, "dropping privileges at startup")
		}
	}
	if err := discovery.FlightCheck(opts.PluginDir, opts.SocketDir); err != nil {
		return errors.Wrap(err, "flight check")
	}

	if !opts.Systemd {
		if err := daemonize(); err != nil {
			return errors.Wrap(err, "daemonizing")
		}
	}

	reg := registry.New()
	defer reg.Teardown()

	notified := false
	spawnOpts := spawner.Options{
		AllowPluginRootPrivilege: global.AllowPluginRootPrivilege,
		MemDebug:                 opts.MemDebug,
	}
	spawn := func(entry *registry.Entry, acceptedFD int) {
		spawner.Spawn(log, entry, acceptedFD, spawnOpts)
	}

	discoverOpts := discovery.Options{
		PluginDir:                opts.PluginDir,
		SocketDir:                opts.SocketDir,
		ConfDir:                  opts.ConfDir,
		AllowPluginRootPrivilege: global.AllowPluginRootPrivilege,
	}

	for {
		log.Infof("scanning plugin directory %s", opts.PluginDir)
		if _, err := discovery.Scan(reg, discoverOpts); err != nil {
			return errors.Wrap(err, "scanning plugins")
		}

		if opts.Systemd && !notified {
			if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				log.Warnf("sd_notify failed: %v", err)
			}
			notified = true
		}

		if err := multiplexer.Run(reg, lc, log, spawn); err != nil {
			return errors.Wrap(err, "serve loop")
		}

		switch lc.State() {
		case lifecycle.Restart:
			log.Infof("SIGHUP received, rebuilding plugin registry")
			lc.Reset()
			continue
		case lifecycle.Exit:
			log.Infof("SIGTERM received, shutting down")
			reg.Teardown()
			if err := socketmgr.Sweep(opts.SocketDir); err != nil {
				return errors.Wrap(err, "sweeping socket directory on shutdown")
			}
			return nil
		default:
			// multiplexer.Run only returns nil once the state has left
			// Running, so this is unreachable in practice.
			return nil
		}
	}
}

// daemonize detaches the process from its controlling terminal by
// re-executing itself in a new session with stdio redirected to
// /dev/null, then exits the foreground parent. It is a no-op on the
// re-exec'd copy.
func daemonize() error {
	if os.Getenv(daemonizedEnv) != "" {
		return nil
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "opening /dev/null")
	}
	defer devNull.Close()

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "starting background copy")
	}
	os.Exit(0)
	return nil
}
