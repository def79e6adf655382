// Package roster is the boundary to the externally observed set of account
// names currently co-located with the local player. It is best-effort: an
// unavailable roster reads as empty, never as an error.
package roster

import "sync"

type Roster interface {
	Names() []string
}

// Contains reports whether name is present in r. A nil roster contains nobody.
func Contains(r Roster, name string) bool {
	if r == nil {
		return false
	}
	for _, n := range r.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// Static is a fixed, mutable roster, used by the CLI and tests.
type Static struct {
	mu    sync.Mutex
	names []string
}

func NewStatic(names ...string) *Static {
	r := &Static{}
	r.Set(names...)
	return r
}

func (r *Static) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func (r *Static) Set(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names[:0:0], names...)
}

// Func adapts a snapshot function to the Roster interface.
type Func func() []string

func (f Func) Names() []string {
	if f == nil {
		return nil
	}
	return f()
}
