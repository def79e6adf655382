// Package session holds the per-connection trust state. A context starts
// unauthenticated and may transition exactly once, after its peer's identity
// assertion verified, to authenticated; there is no way back.
package session

import (
	"errors"
	"sync"

	"partyline/internal/identity"
)

// Source records who initiated the underlying connection.
type Source int

const (
	Outgoing Source = iota
	Incoming
)

func (s Source) String() string {
	switch s {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	default:
		return "unknown"
	}
}

var ErrAlreadyAuthenticated = errors.New("session already authenticated")

// authState exists only for authenticated sessions, so "authenticated implies
// identity present" holds by construction instead of by runtime check.
type authState struct {
	assertion  identity.Assertion
	remoteName string
}

// Context is owned by one connection. Reads are cheap snapshots; maintenance
// tasks poll them without blocking the dispatch path.
type Context struct {
	source Source

	mu   sync.Mutex
	auth *authState
}

func NewContext(source Source) *Context {
	return &Context{source: source}
}

func (c *Context) Source() Source {
	return c.source
}

// Authenticate installs the verified peer identity and flips the session to
// authenticated. Callers must only pass assertions that already verified.
func (c *Context) Authenticate(a identity.Assertion) error {
	name := a.Claims[identity.ClaimAccountName]
	if name == "" {
		return errors.New("assertion missing account name")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth != nil {
		return ErrAlreadyAuthenticated
	}
	c.auth = &authState{assertion: a, remoteName: name}
	return nil
}

func (c *Context) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth != nil
}

// RemoteName returns the authenticated peer's account name, if any.
func (c *Context) RemoteName() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth == nil {
		return "", false
	}
	return c.auth.remoteName, true
}

// Identity returns the verified peer assertion, if any.
func (c *Context) Identity() (identity.Assertion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth == nil {
		return identity.Assertion{}, false
	}
	return c.auth.assertion, true
}
