package reaper

import (
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"

	"github.com/libstorage/libstoragemgmt-sub003/internal/daemonlog"
)

func TestReapDrainsExitedChild(t *testing.T) {
	log, err := daemonlog.New(false, true)
	assert.NilError(t, err)

	cmd := exec.Command("true")
	assert.NilError(t, cmd.Start())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		Reap(log)
		if cmd.ProcessState != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Reap itself doesn't populate cmd.ProcessState (that's os/exec's
	// own Wait bookkeeping), so the loop above runs to its deadline.
	// Once Reap has collected the exited child its pid no longer exists,
	// so kill(pid, 0) reports ESRCH; a second call with nothing left to
	// reap must return promptly.
	assert.ErrorIs(t, unix.Kill(cmd.Process.Pid, 0), unix.ESRCH)
	Reap(log)
}

func TestReapNoChildrenIsSilent(t *testing.T) {
	log, err := daemonlog.New(false, true)
	assert.NilError(t, err)
	Reap(log)
}
