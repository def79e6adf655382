package roster_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"partyline/internal/roster"
)

func TestContains(t *testing.T) {
	assert.False(t, roster.Contains(nil, "alice"))

	r := roster.NewStatic("alice", "bob")
	assert.True(t, roster.Contains(r, "alice"))
	assert.False(t, roster.Contains(r, "carol"))

	r.Set("carol")
	assert.False(t, roster.Contains(r, "alice"))
	assert.True(t, roster.Contains(r, "carol"))
}

func TestFuncAdapter(t *testing.T) {
	var f roster.Func
	assert.Nil(t, f.Names())

	f = func() []string { return []string{"dave"} }
	assert.Equal(t, []string{"dave"}, f.Names())
	assert.True(t, roster.Contains(f, "dave"))
}

func TestStaticSnapshotIsolation(t *testing.T) {
	r := roster.NewStatic("alice")
	names := r.Names()
	names[0] = "mallory"
	assert.Equal(t, []string{"alice"}, r.Names())
}
