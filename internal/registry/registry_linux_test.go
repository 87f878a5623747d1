package registry

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestAddAndLookup(t *testing.T) {
	r := New()
	assert.NilError(t, r.Add(&Entry{Name: "foo", ListenFD: 10}))
	assert.NilError(t, r.Add(&Entry{Name: "bar", ListenFD: 11}))

	assert.Equal(t, r.Len(), 2)
	assert.Equal(t, r.Lookup(10).Name, "foo")
	assert.Equal(t, r.Lookup(11).Name, "bar")
	assert.Assert(t, r.Lookup(99) == nil)
}

func TestAddDuplicateNameFails(t *testing.T) {
	r := New()
	assert.NilError(t, r.Add(&Entry{Name: "foo", ListenFD: 10}))
	err := r.Add(&Entry{Name: "foo", ListenFD: 11})
	assert.ErrorContains(t, err, "duplicate plugin name")
}

func TestHasRootPlugin(t *testing.T) {
	r := New()
	assert.NilError(t, r.Add(&Entry{Name: "foo", ListenFD: 10}))
	assert.Assert(t, !r.HasRootPlugin())

	assert.NilError(t, r.Add(&Entry{Name: "bar", ListenFD: 11, RequiresRoot: true}))
	assert.Assert(t, r.HasRootPlugin())
}

func TestEntriesPreservesOrder(t *testing.T) {
	r := New()
	assert.NilError(t, r.Add(&Entry{Name: "b", ListenFD: 1}))
	assert.NilError(t, r.Add(&Entry{Name: "a", ListenFD: 2}))

	names := []string{}
	for _, e := range r.Entries() {
		names = append(names, e.Name)
	}
	assert.DeepEqual(t, names, []string{"b", "a"})
}
