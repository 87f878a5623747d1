// Package spawner execs a plugin executable for one accepted client
// connection, applying the per-child privilege decision and handing the
// connection off via ExtraFiles.
//
// The C reference forks the daemon itself and has the post-fork child
// destroy its copy of the registry (closing sibling listen fds) before
// execve, because a raw fork() duplicates the entire address space
// including every open fd. Go's os/exec performs clone+execve directly
// in a child created by the syscall package, without forking the Go
// runtime itself, and every fd the os/net packages open already carries
// O_CLOEXEC, as do the listen sockets internal/socketmgr creates — so
// sibling listen sockets are never inherited in the first place, and
// there is no registry copy to destroy. ExtraFiles is the
// sole, explicit fd-handoff channel.
package spawner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/libstorage/libstoragemgmt-sub003/internal/daemonlog"
	"github.com/libstorage/libstoragemgmt-sub003/internal/privilege"
	"github.com/libstorage/libstoragemgmt-sub003/internal/registry"
)

// childFD is the fd a plugin sees its connection at, since ExtraFiles
// are placed immediately after stdin/stdout/stderr.
const childFD = 3

// Options carries the global policy the spawner needs beyond a single
// registry entry.
type Options struct {
	AllowPluginRootPrivilege bool
	MemDebug                 bool
}

// Spawn execs entry.ExecutablePath for the client connected on
// acceptedFD. The caller hands ownership of acceptedFD to Spawn; Spawn
// always closes its local copy exactly once, whether or not the spawn
// succeeded, matching the "parent closes the accepted fd" step — the
// plugin keeps its own copy via ExtraFiles regardless.
func Spawn(log *daemonlog.Logger, entry *registry.Entry, acceptedFD int, opts Options) {
	f := os.NewFile(uintptr(acceptedFD), entry.Name+"-conn")
	defer f.Close()

	log.Infof("exec'ing plugin = %s", entry.ExecutablePath)

	decision := privilege.DecideChild(entry.RequiresRoot, opts.AllowPluginRootPrivilege, acceptedFD)
	if decision.Reason != "" {
		log.Warnf("plugin %s: %s, dropping privilege", entry.Name, decision.Reason)
	} else if !decision.Drop {
		log.Infof("plugin %s is running as root privilege", entry.Name)
	}

	path, argv, err := buildArgv(entry, opts.MemDebug)
	if err != nil {
		log.Warnf("building argv for plugin %s: %v", entry.Name, err)
		return
	}

	cmd := &exec.Cmd{
		Path:       path,
		Args:       argv,
		Env:        os.Environ(),
		ExtraFiles: []*os.File{f},
	}

	// Only attach a Credential when the daemon is still root: if it has
	// already dropped privilege at startup (the common
	// allow-plugin-root-privilege=false deployment), the child inherits
	// that identity for free, and os/exec's setgroups(2) call to apply a
	// Credential would fail with EPERM for a non-root parent.
	if decision.Drop && unix.Geteuid() == 0 {
		uid, gid, found, lookupErr := privilege.Lookup()
		if lookupErr != nil {
			log.Warnf("looking up service user for plugin %s: %v", entry.Name, lookupErr)
			return
		}
		if found {
			cmd.SysProcAttr = &syscall.SysProcAttr{
				Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
			}
		}
	}

	if err := cmd.Start(); err != nil {
		log.Warnf("error exec'ing plugin %s: %v", entry.ExecutablePath, err)
		return
	}

	// The daemon is not involved in the child's I/O from here on. This
	// goroutine races reaper.Reap's own wait4(-1, ...) for the same pid;
	// whichever reaps first wins and the other observes ECHILD. When this
	// goroutine wins, it logs a non-zero exit or a killing signal at info
	// level, as the reaper does; an ECHILD failure of Wait is discarded.
	go func(pid int) {
		if exitErr, ok := cmd.Wait().(*exec.ExitError); ok {
			log.Infof("plugin process %d exited: %v", pid, exitErr)
		}
	}(cmd.Process.Pid)
}

// buildArgv returns the executable path to exec and its full argv
// (argv[0] included), including the valgrind wrapper form when memDebug
// is set.
func buildArgv(entry *registry.Entry, memDebug bool) (string, []string, error) {
	fdStr := fmt.Sprintf("%d", childFD)

	if !memDebug {
		return entry.ExecutablePath, []string{filepath.Base(entry.ExecutablePath), fdStr}, nil
	}

	valgrindPath, err := exec.LookPath("valgrind")
	if err != nil {
		return "", nil, errors.Wrap(err, "LSM_VALGRIND set but valgrind not found on PATH")
	}
	logFile := fmt.Sprintf("--log-file=/tmp/leaking_%d-%d", os.Getppid(), os.Getpid())
	argv := []string{
		"valgrind",
		"--leak-check=full",
		"--show-reachable=no",
		logFile,
		entry.ExecutablePath,
		fdStr,
	}
	return valgrindPath, argv, nil
}
