// Package registry holds the in-memory set of discovered plugins and
// their listening sockets. It is mutated only from the daemon's main
// goroutine, between multiplexer iterations; no synchronization is
// needed.
package registry

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Entry is one discovered plugin.
type Entry struct {
	// Name is the plugin's stripped filename, e.g. "nfs" for
	// "nfs_lsmplugin".
	Name string
	// ExecutablePath is the absolute path to the plugin binary.
	ExecutablePath string
	// ListenFD is the owned listening UNIX socket bound to
	// <socket_dir>/<Name>.
	ListenFD int
	// RequiresRoot is read from the plugin's pluginconf.d entry.
	RequiresRoot bool
}

// Registry is the ordered set of discovered plugins, plus an index from
// listen fd to entry for fast reverse lookup on accept.
type Registry struct {
	entries []*Entry
	byFD    map[int]*Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byFD: make(map[int]*Entry)}
}

// Add inserts a new entry. It returns an error if the name is already
// present; discovery treats that as a fatal duplicate-plugin condition.
func (r *Registry) Add(e *Entry) error {
	for _, existing := range r.entries {
		if existing.Name == e.Name {
			return errors.Errorf("duplicate plugin name %q (existing executable %s, new %s)", e.Name, existing.ExecutablePath, e.ExecutablePath)
		}
	}
	r.entries = append(r.entries, e)
	r.byFD[e.ListenFD] = e
	return nil
}

// Entries returns the discovered plugins in discovery order. The slice
// must not be mutated by callers.
func (r *Registry) Entries() []*Entry {
	return r.entries
}

// Len reports how many plugins are currently registered.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Lookup finds the entry owning listenFD, or nil if none does.
func (r *Registry) Lookup(listenFD int) *Entry {
	return r.byFD[listenFD]
}

// HasRootPlugin reports whether any registered entry requires root.
func (r *Registry) HasRootPlugin() bool {
	for _, e := range r.entries {
		if e.RequiresRoot {
			return true
		}
	}
	return false
}

// Teardown closes every listen fd and clears the registry. It does not
// unlink socket paths; that is the socket manager's sweep responsibility,
// kept as a separate step so a mid-crash leaves files the next startup
// sweep can find.
func (r *Registry) Teardown() {
	for _, e := range r.entries {
		// Best effort; a close failure here does not prevent the rest
		// of teardown from proceeding.
		_ = unix.Close(e.ListenFD)
	}
	r.entries = nil
	r.byFD = make(map[int]*Entry)
}
