// Package node assembles the transport, dispatch, identity, directory, and
// configuration pieces into one running peer.
package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"partyline/internal/chat"
	"partyline/internal/config"
	"partyline/internal/directory"
	"partyline/internal/dispatch"
	"partyline/internal/identity"
	"partyline/internal/metrics"
	"partyline/internal/roster"
	"partyline/internal/session"
	"partyline/internal/transport"
	"partyline/internal/wire"
)

var ErrNotConnected = errors.New("no authenticated session for peer")

const requestTimeout = 10 * time.Second

type Options struct {
	Log        zerolog.Logger
	ListenAddr string

	AccountName string
	AccountID   uuid.UUID
	Sign        identity.SignFunc
	PublicKey   []byte

	Resolver  identity.Resolver
	Roster    roster.Roster
	Events    chat.Events
	Config    *config.File
	Directory *directory.Directory
}

type Node struct {
	log      zerolog.Logger
	opts     Options
	events   chat.Events
	cfg      *config.File
	dir      *directory.Directory
	rost     roster.Roster
	resolver identity.Resolver
	stats    *metrics.Metrics

	transport *transport.Transport

	mu        sync.Mutex
	assertion identity.Assertion

	dialMu sync.Mutex
	dials  map[string]*dialState

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// fatal terminates the process when a maintenance task finds the
	// transport dead underneath a live node. Tests replace it.
	fatal func(task string)
}

func New(opts Options) (*Node, error) {
	if opts.AccountName == "" {
		return nil, fmt.Errorf("%w: no account name", identity.ErrLocalState)
	}
	if opts.Sign == nil || len(opts.PublicKey) == 0 {
		return nil, fmt.Errorf("%w: no signing key", identity.ErrLocalState)
	}
	if opts.Resolver == nil || opts.Config == nil || opts.Directory == nil {
		return nil, errors.New("node: resolver, config, and directory are required")
	}
	if opts.Events == nil {
		opts.Events = chat.Discard{}
	}
	n := &Node{
		log:      opts.Log,
		opts:     opts,
		events:   opts.Events,
		cfg:      opts.Config,
		dir:      opts.Directory,
		rost:     opts.Roster,
		resolver: opts.Resolver,
		stats:    metrics.New(),
		dials:    make(map[string]*dialState),
		done:     make(chan struct{}),
	}
	n.fatal = func(task string) {
		n.log.Fatal().Str("task", task).Msg("maintenance task found the transport closed, shutting down")
	}
	n.transport = transport.New(transport.Options{
		Log:            opts.Log,
		OnSessionClose: n.sessionClosed,
	})
	registry, err := dispatch.Protocol(dispatch.Deps{
		Log:        opts.Log,
		Resolver:   opts.Resolver,
		Roster:     opts.Roster,
		Events:     n.events,
		SelfName:   opts.AccountName,
		Candidates: n.Candidates,
		Connect:    n.connectToken,
		Connected:  n.connectedTo,
		Metrics:    n.stats,
	})
	if err != nil {
		return nil, err
	}
	n.transport.SetHandler(registry)
	return n, nil
}

// Start binds the listen address, issues the local identity assertion for the
// bound address, and launches the maintenance tasks.
func (n *Node) Start() error {
	if err := n.transport.Listen(n.opts.ListenAddr); err != nil {
		return err
	}
	assertion, err := identity.Issue(
		n.transport.AddrToken(),
		n.opts.AccountName,
		n.opts.AccountID,
		n.opts.Sign,
		n.opts.PublicKey,
	)
	if err != nil {
		n.transport.Close()
		return err
	}
	n.mu.Lock()
	n.assertion = assertion
	n.mu.Unlock()
	n.log.Info().
		Str("account", n.opts.AccountName).
		Str("token", n.transport.AddrToken()).
		Msg("node started")

	n.wg.Add(4)
	go n.runTask("directory sync", func(c config.Config) time.Duration { return c.LastSeenUpdateInterval.Duration }, n.syncDirectory)
	go n.runTask("session reaper", func(c config.Config) time.Duration { return c.SessionRemoverInterval.Duration }, n.reapSessions)
	go n.runTask("auto connector", func(c config.Config) time.Duration { return c.AutoConnectInterval.Duration }, n.autoConnect)
	go n.runTask("peer exchange", func(c config.Config) time.Duration { return c.PexInterval.Duration }, n.announcePeers)
	return nil
}

// Assertion is the local identity assertion. Zero before Start.
func (n *Node) Assertion() identity.Assertion {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.assertion
}

// AddrToken is the local transport address token. Empty before Start.
func (n *Node) AddrToken() string {
	return n.transport.AddrToken()
}

// Close shuts the node down: maintenance tasks first, then the transport.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
		n.transport.Close()
		n.wg.Wait()
		if err := n.dir.Save(); err != nil {
			n.log.Warn().Err(err).Msg("final directory save failed")
		}
	})
}

// ConnectPeer dials an address token and starts the handshake. The session
// becomes usable for chat once the peer's AuthAccepted arrives.
func (n *Node) ConnectPeer(ctx context.Context, token string) error {
	return n.connectToken(ctx, token)
}

func (n *Node) connectToken(ctx context.Context, token string) error {
	s, err := n.transport.Connect(ctx, token)
	if err != nil {
		return err
	}
	env, err := wire.NewEnvelope(wire.TypeAuthRequest, wire.AuthRequest{Assertion: n.Assertion()})
	if err != nil {
		s.Close("handshake failed")
		return err
	}
	if err := s.Notify(env); err != nil {
		s.Close("handshake failed")
		return err
	}
	return nil
}

// Broadcast sends content to every authenticated peer. Per-peer failures are
// logged and do not stop delivery to the rest.
func (n *Node) Broadcast(ctx context.Context, content string) {
	for _, s := range n.authenticatedSessions() {
		n.sendText(ctx, s, wire.ScopeBroadcast, content)
	}
}

// Whisper sends content to the named peer only.
func (n *Node) Whisper(ctx context.Context, name, content string) error {
	s := n.sessionFor(name)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, name)
	}
	if !n.sendText(ctx, s, wire.ScopeWhisper, content) {
		return fmt.Errorf("whisper to %s failed", name)
	}
	n.events.OutgoingWhisper(name, content)
	return nil
}

func (n *Node) sendText(ctx context.Context, s *transport.Session, scope, content string) bool {
	env, err := wire.NewEnvelope(wire.TypeTextRequest, wire.TextMessage{Scope: scope, Content: content})
	if err != nil {
		n.log.Warn().Err(err).Msg("could not encode text message")
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	reply, err := s.Request(ctx, env)
	if err != nil {
		n.log.Warn().Err(err).Str("peer", s.DisplayName()).Msg("text delivery failed")
		return false
	}
	if reply.Type == wire.TypeError {
		var rep wire.ErrorReply
		_ = reply.Decode(&rep)
		n.log.Warn().Str("peer", s.DisplayName()).Str("reason", rep.Reason).Msg("peer refused text message")
		return false
	}
	return true
}

// Candidates is this node's peer-exchange offer: itself plus every
// authenticated peer, each with a reconnectable address token.
func (n *Node) Candidates() []wire.Candidate {
	self := n.Assertion()
	out := []wire.Candidate{{Assertion: self, Addr: self.Claims[identity.ClaimAddr]}}
	for _, s := range n.authenticatedSessions() {
		a, ok := s.Context().Identity()
		if !ok {
			continue
		}
		out = append(out, wire.Candidate{Assertion: a, Addr: s.PeerAddrToken()})
	}
	return out
}

// Stats is a point-in-time view of the dispatch counters.
func (n *Node) Stats() metrics.Snapshot {
	return n.stats.Snapshot()
}

// WriteStats dumps the dispatch counters to a JSON file.
func (n *Node) WriteStats(path string) error {
	return n.stats.WriteSnapshot(path)
}

// PeerNames lists the account names of all authenticated peers, sorted.
func (n *Node) PeerNames() []string {
	var out []string
	for _, s := range n.authenticatedSessions() {
		if name, ok := s.Context().RemoteName(); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (n *Node) authenticatedSessions() []*transport.Session {
	var out []*transport.Session
	for _, s := range n.transport.Sessions() {
		if s.Context().Authenticated() && !s.IsClosed() {
			out = append(out, s)
		}
	}
	return out
}

func (n *Node) sessionFor(name string) *transport.Session {
	for _, s := range n.authenticatedSessions() {
		if got, ok := s.Context().RemoteName(); ok && got == name {
			return s
		}
	}
	return nil
}

func (n *Node) connectedTo(name string) bool {
	return n.sessionFor(name) != nil
}

func (n *Node) sessionClosed(s *transport.Session) {
	name, ok := s.Context().RemoteName()
	if !ok {
		return
	}
	n.log.Info().Str("account", name).Msg("session closed")
	if s.Context().Source() == session.Outgoing {
		n.clearDialState(name)
	}
	n.events.System(name + " disconnected")
}
