// Command lsmd is the storage plugin supervisor daemon: it discovers
// plugin executables, listens on one Unix-domain socket per plugin, and
// spawns a plugin process per accepted client connection.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/libstorage/libstoragemgmt-sub003/internal/daemon"
)

const (
	defaultPluginDir = "/usr/bin"
	defaultSocketDir = "/var/run/lsm/ipc"
	defaultConfDir   = "/etc/lsm/"
)

func main() {
	fs := pflag.NewFlagSet("lsmd", pflag.ContinueOnError)
	fs.Usage = func() { usage(fs) }

	pluginDir := fs.String("plugindir", defaultPluginDir, "directory to scan for *_lsmplugin executables")
	socketDir := fs.String("socketdir", defaultSocketDir, "directory in which to create per-plugin listening sockets")
	confDir := fs.String("confdir", defaultConfDir, "root directory of lsmd configuration")
	verbose := fs.BoolP("verbose", "v", false, "enable info-level logging")
	systemd := fs.BoolP("systemd", "d", false, "systemd mode: log to stdout, skip daemonizing and syslog")
	help := fs.BoolP("help", "h", false, "print usage and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		// getopt_long's default case for an unrecognized option
		// character is abort(); pflag's equivalent is any parse
		// error other than the help request handled above.
		_ = unix.Kill(os.Getpid(), unix.SIGABRT)
		os.Exit(1)
	}

	if *help {
		usage(fs)
		os.Exit(0)
	}

	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "lsmd: unrecognized arguments: %v\n", fs.Args())
		os.Exit(1)
	}

	opts := daemon.Options{
		PluginDir: *pluginDir,
		SocketDir: *socketDir,
		ConfDir:   *confDir,
		Verbose:   *verbose,
		Systemd:   *systemd,
		MemDebug:  os.Getenv("LSM_VALGRIND") != "",
	}

	if err := daemon.Run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "lsmd: %v\n", err)
		os.Exit(1)
	}
}

func usage(fs *pflag.FlagSet) {
	fmt.Fprintln(os.Stderr, "usage: lsmd [options]")
	fs.PrintDefaults()
}
