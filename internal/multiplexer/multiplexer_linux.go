// Package multiplexer implements the select-based wait over every
// registered plugin listener, handing off accepted connections to a
// spawn callback.
package multiplexer

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/libstorage/libstoragemgmt-sub003/internal/daemonlog"
	"github.com/libstorage/libstoragemgmt-sub003/internal/lifecycle"
	"github.com/libstorage/libstoragemgmt-sub003/internal/reaper"
	"github.com/libstorage/libstoragemgmt-sub003/internal/registry"
)

// selectTimeoutSeconds is the interval at which the loop wakes up even
// absent new connections, so signal-driven state changes and child
// reaping proceed.
const selectTimeoutSeconds = 15

// SpawnFunc hands an accepted connection on the given registry entry off
// to the spawner. It must close acceptedFD itself once the child has it
// (the parent-side close).
type SpawnFunc func(entry *registry.Entry, acceptedFD int)

// Run executes the select loop until the lifecycle controller reports a
// state other than Running, or a fatal error occurs (empty registry at
// the top of an iteration, or a failure from select itself while still
// Running). It returns nil on a clean, signal-observed exit from the
// loop.
func Run(reg *registry.Registry, lc *lifecycle.Controller, log *daemonlog.Logger, spawn SpawnFunc) error {
	for lc.State() == lifecycle.Running {
		if reg.Len() == 0 {
			return errors.New("no plugins found in plugin directory")
		}

		var fdSet unix.FdSet
		maxFD := 0
		for _, e := range reg.Entries() {
			fdSetSet(&fdSet, e.ListenFD)
			if e.ListenFD > maxFD {
				maxFD = e.ListenFD
			}
		}

		tv := unix.Timeval{Sec: selectTimeoutSeconds, Usec: 0}
		n, err := unix.Select(maxFD+1, &fdSet, nil, nil, &tv)
		if err != nil {
			if err == unix.EINTR {
				if lc.State() != lifecycle.Running {
					return nil
				}
				continue
			}
			return errors.Wrap(err, "select on plugin listeners")
		}

		if n > 0 {
			for fd := 0; fd <= maxFD; fd++ {
				if !fdSetIsSet(&fdSet, fd) {
					continue
				}
				entry := reg.Lookup(fd)
				if entry == nil {
					continue
				}
				acceptedFD, _, acceptErr := unix.Accept(fd)
				if acceptErr != nil {
					log.Infof("accept on plugin %s failed: %v", entry.Name, acceptErr)
					continue
				}
				spawn(entry, acceptedFD)
			}
		}

		reaper.Reap(log)
	}
	return nil
}

// fdSetSet and fdSetIsSet manipulate a unix.FdSet's bitmask directly,
// since the x/sys/unix package exposes only the raw struct, not
// FD_SET/FD_ISSET helpers (mirrored from the C reference's FD_SET/
// FD_ISSET macros).
func fdSetSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdSetIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
