// Package privilege decides whether the daemon, or a spawned plugin
// child, should run as the unprivileged service account, and performs
// the drop.
package privilege

import (
	"os/user"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ServiceUser is the unprivileged account the daemon and non-root
// plugins run as.
const ServiceUser = "libstoragemgmt"

// Decision is the outcome of evaluating a spawned child's privilege
// policy.
type Decision struct {
	// Drop is true if the child should run as ServiceUser rather than
	// retaining the daemon's current identity.
	Drop bool
	// Reason is a short human-readable explanation, used for the
	// warning log line when Drop is true for a plugin that asked for
	// root.
	Reason string
}

// DropUnconditional drops the current process to ServiceUser if it
// exists and the caller is currently effective UID 0. A missing service
// account is not fatal — the daemon continues running as whatever
// identity it already has. Any syscall failure during the drop itself is
// fatal: a partial drop (e.g. gid changed but uid not) must never be left
// in place.
func DropUnconditional() error {
	if unix.Geteuid() != 0 {
		return nil
	}

	u, err := user.Lookup(ServiceUser)
	if err != nil {
		if _, ok := err.(user.UnknownUserError); ok {
			return nil
		}
		return errors.Wrapf(err, "looking up service user %s", ServiceUser)
	}

	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return errors.Wrapf(err, "parsing gid %q for %s", u.Gid, ServiceUser)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return errors.Wrapf(err, "parsing uid %q for %s", u.Uid, ServiceUser)
	}

	if err := unix.Setgid(gid); err != nil {
		return errors.Wrap(err, "setgid")
	}
	if err := unix.Setgroups([]int{gid}); err != nil {
		return errors.Wrap(err, "setgroups")
	}
	if err := unix.Setuid(uid); err != nil {
		return errors.Wrap(err, "setuid")
	}
	return nil
}

// Lookup resolves ServiceUser's numeric uid/gid, reporting found=false if
// the account does not exist on this system.
func Lookup() (uid, gid int, found bool, err error) {
	u, err := user.Lookup(ServiceUser)
	if err != nil {
		if _, ok := err.(user.UnknownUserError); ok {
			return 0, 0, false, nil
		}
		return 0, 0, false, errors.Wrapf(err, "looking up service user %s", ServiceUser)
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, false, errors.Wrapf(err, "parsing uid %q", u.Uid)
	}
	gid, err = strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, false, errors.Wrapf(err, "parsing gid %q", u.Gid)
	}
	return uid, gid, true, nil
}

// DecideChild implements the per-child privilege drop/retain policy:
//
//   - plugin does not require root -> drop
//   - plugin requires root but daemon is not root -> warn, drop
//   - plugin requires root but allowRootPlugin is false -> warn, drop
//   - otherwise, inspect the peer credentials on clientFD: uid 0 ->
//     retain; any failure or non-root client -> drop
func DecideChild(requiresRoot, allowRootPlugin bool, clientFD int) Decision {
	if !requiresRoot {
		return Decision{Drop: true}
	}

	if unix.Geteuid() != 0 {
		return Decision{Drop: true, Reason: "daemon not running as root"}
	}

	if !allowRootPlugin {
		return Decision{Drop: true, Reason: "root privilege disabled globally"}
	}

	cred, err := unix.GetsockoptUcred(clientFD, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return Decision{Drop: true, Reason: "failed to get client peer credentials"}
	}
	if cred.Uid != 0 {
		return Decision{Drop: true, Reason: "client is not running as root"}
	}
	return Decision{Drop: false}
}
