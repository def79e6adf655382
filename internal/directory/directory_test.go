package directory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAt(t *testing.T, now *time.Time) *Directory {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)
	d.now = func() time.Time { return *now }
	return d
}

func TestOpenInitializesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "peers.json")
	d, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Len())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestReconcileSkipsClosedAndUnauthenticated(t *testing.T) {
	now := time.Unix(1000, 0)
	d := openAt(t, &now)
	d.Reconcile([]Snapshot{
		{RemoteName: "Alice", Address: "a1"},
		{Closed: true, RemoteName: "Bob", Address: "b1"},
		{RemoteName: "", Address: "c1"},
	})
	assert.Equal(t, 1, d.Len())
	entry, ok := d.Get("Alice")
	require.True(t, ok)
	assert.Equal(t, "a1", entry.Address)
	assert.Equal(t, int64(1000), entry.LastSeen)
}

func TestReconcileIdempotent(t *testing.T) {
	now := time.Unix(1000, 0)
	d := openAt(t, &now)
	snaps := []Snapshot{{RemoteName: "Alice", Address: "a1"}}

	d.Reconcile(snaps)
	first, _ := d.Get("Alice")
	d.Reconcile(snaps)
	second, _ := d.Get("Alice")
	assert.Equal(t, first, second)

	// LastSeen is monotonically non-decreasing even if the clock runs back.
	now = time.Unix(500, 0)
	d.Reconcile(snaps)
	third, _ := d.Get("Alice")
	assert.Equal(t, int64(1000), third.LastSeen)
}

func TestSeenMovesAddressForward(t *testing.T) {
	now := time.Unix(1000, 0)
	d := openAt(t, &now)
	d.Seen("Carol", "c1")

	now = time.Unix(2000, 0)
	d.Seen("Carol", "c2")

	entry, ok := d.Get("Carol")
	require.True(t, ok)
	assert.Equal(t, "c2", entry.Address)
	assert.Equal(t, int64(2000), entry.LastSeen)
}

func TestSaveReloadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	d, err := Open(path)
	require.NoError(t, err)
	d.Seen("Alice", "a1")
	d.Seen("Bob", "b1")
	require.NoError(t, d.Save())

	g, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob"}, g.Names())
	entry, ok := g.Get("Alice")
	require.True(t, ok)
	assert.Equal(t, "a1", entry.Address)
}

func TestReloadDiscardsUnsavedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	d, err := Open(path)
	require.NoError(t, err)
	d.Seen("Alice", "a1")
	require.NoError(t, d.Save())

	d.Seen("Bob", "b1")
	require.NoError(t, d.Reload())
	assert.Equal(t, []string{"Alice"}, d.Names())
}

func TestLoaderIgnoresUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	blob := `{"Alice":{"address":"a1","lastSeen":42,"note":"ignored"}}`
	require.NoError(t, os.WriteFile(path, []byte(blob), 0600))

	d, err := Open(path)
	require.NoError(t, err)
	entry, ok := d.Get("Alice")
	require.True(t, ok)
	assert.Equal(t, "a1", entry.Address)
	assert.Equal(t, int64(42), entry.LastSeen)
}

func TestRemoveIsManualOnly(t *testing.T) {
	now := time.Unix(1000, 0)
	d := openAt(t, &now)
	d.Seen("Alice", "a1")
	assert.True(t, d.Remove("Alice"))
	assert.False(t, d.Remove("Alice"))
	assert.Equal(t, 0, d.Len())
}
