// Package reaper drains exited plugin children so they do not remain as
// zombies. It is invoked once per multiplexer iteration.
package reaper

import (
	"golang.org/x/sys/unix"

	"github.com/libstorage/libstoragemgmt-sub003/internal/daemonlog"
)

// Reap performs a non-blocking wait for every currently exited child,
// looping until none remain. Non-zero exits are logged at info level,
// ECHILD (no children to wait on) is silent, and any other error is
// logged at warning level.
func Reap(log *daemonlog.Logger) {
	var status unix.WaitStatus
	for {
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.ECHILD {
				return
			}
			log.Warnf("waitpid: %v", err)
			return
		}
		if pid <= 0 {
			return
		}
		if status.Exited() && status.ExitStatus() != 0 {
			log.Infof("plugin process %d exited with %d", pid, status.ExitStatus())
		} else if status.Signaled() {
			log.Infof("plugin process %d killed by signal %v", pid, status.Signal())
		}
	}
}
