package node

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partyline/internal/chat"
	"partyline/internal/config"
	"partyline/internal/directory"
	"partyline/internal/identity"
	"partyline/internal/roster"
)

type eventLog struct {
	mu         sync.Mutex
	system     []string
	broadcasts []string
	whispers   []string
	outgoing   []string
}

func (e *eventLog) System(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.system = append(e.system, text)
}

func (e *eventLog) Broadcast(sender, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcasts = append(e.broadcasts, sender+": "+text)
}

func (e *eventLog) IncomingWhisper(sender, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.whispers = append(e.whispers, sender+": "+text)
}

func (e *eventLog) OutgoingWhisper(recipient, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outgoing = append(e.outgoing, recipient+": "+text)
}

func (e *eventLog) Disconnected(peer, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.system = append(e.system, "disconnected "+peer+": "+reason)
}

func (e *eventLog) broadcastCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.broadcasts)
}

var _ chat.Events = (*eventLog)(nil)

type harness struct {
	resolver identity.StaticResolver
	roster   *roster.Static
}

func newHarness(names ...string) *harness {
	return &harness{
		resolver: make(identity.StaticResolver),
		roster:   roster.NewStatic(names...),
	}
}

func (h *harness) startNode(t *testing.T, name string, events chat.Events) *Node {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id := uuid.New()
	h.resolver[id] = identity.Key{Public: pub, ExpiresAt: time.Now().Add(time.Hour)}

	dir := t.TempDir()
	cfg, err := config.Open(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	book, err := directory.Open(filepath.Join(dir, "peers.json"))
	require.NoError(t, err)

	n, err := New(Options{
		Log:         zerolog.Nop(),
		ListenAddr:  "127.0.0.1:0",
		AccountName: name,
		AccountID:   id,
		Sign: func(digest []byte) ([]byte, error) {
			return ed25519.Sign(priv, digest), nil
		},
		PublicKey: pub,
		Resolver:  h.resolver,
		Roster:    h.roster,
		Events:    events,
		Config:    cfg,
		Directory: book,
	})
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(n.Close)
	return n
}

func connectNodes(t *testing.T, from, to *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, from.ConnectPeer(ctx, to.AddrToken()))
	require.Eventually(t, func() bool {
		return from.connectedTo(to.opts.AccountName) && to.connectedTo(from.opts.AccountName)
	}, 5*time.Second, 10*time.Millisecond, "handshake never completed")
}

func TestNewRequiresIdentity(t *testing.T) {
	_, err := New(Options{Log: zerolog.Nop()})
	assert.ErrorIs(t, err, identity.ErrLocalState)

	_, err = New(Options{Log: zerolog.Nop(), AccountName: "alice"})
	assert.ErrorIs(t, err, identity.ErrLocalState)
}

func TestHandshakeBroadcastAndWhisper(t *testing.T) {
	h := newHarness("alice", "bob")
	aliceEvents := &eventLog{}
	bobEvents := &eventLog{}
	alice := h.startNode(t, "alice", aliceEvents)
	bob := h.startNode(t, "bob", bobEvents)

	connectNodes(t, alice, bob)
	assert.Equal(t, []string{"bob"}, alice.PeerNames())
	assert.Equal(t, []string{"alice"}, bob.PeerNames())

	ctx := context.Background()
	alice.Broadcast(ctx, "hello everyone")
	require.Eventually(t, func() bool {
		return bobEvents.broadcastCount() > 0
	}, 5*time.Second, 10*time.Millisecond)
	bobEvents.mu.Lock()
	assert.Equal(t, []string{"alice: hello everyone"}, bobEvents.broadcasts)
	bobEvents.mu.Unlock()

	require.NoError(t, alice.Whisper(ctx, "bob", "psst"))
	require.Eventually(t, func() bool {
		bobEvents.mu.Lock()
		defer bobEvents.mu.Unlock()
		return len(bobEvents.whispers) > 0
	}, 5*time.Second, 10*time.Millisecond)
	aliceEvents.mu.Lock()
	assert.Equal(t, []string{"bob: psst"}, aliceEvents.outgoing)
	aliceEvents.mu.Unlock()

	assert.ErrorIs(t, alice.Whisper(ctx, "carol", "nobody home"), ErrNotConnected)
}

func TestSyncDirectoryRecordsAuthenticatedPeers(t *testing.T) {
	h := newHarness("alice", "bob")
	alice := h.startNode(t, "alice", nil)
	bob := h.startNode(t, "bob", nil)
	connectNodes(t, alice, bob)

	alice.syncDirectory()
	entry, ok := alice.dir.Get("bob")
	require.True(t, ok)
	assert.Equal(t, bob.AddrToken(), entry.Address)
	assert.NotZero(t, entry.LastSeen)
	_, ok = alice.dir.Get("alice")
	assert.False(t, ok)
}

func TestReaperClosesRosterAbsentSessions(t *testing.T) {
	h := newHarness("alice", "bob")
	alice := h.startNode(t, "alice", nil)
	bob := h.startNode(t, "bob", nil)
	connectNodes(t, alice, bob)

	alice.syncDirectory()
	before, ok := alice.dir.Get("bob")
	require.True(t, ok)

	h.roster.Set("alice")
	alice.reapSessions()
	require.Eventually(t, func() bool {
		return !alice.connectedTo("bob")
	}, 5*time.Second, 10*time.Millisecond)

	// The reaper never touches the directory.
	after, ok := alice.dir.Get("bob")
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestAutoConnectDialsKnownRosterMembers(t *testing.T) {
	h := newHarness("alice", "bob")
	alice := h.startNode(t, "alice", nil)
	bob := h.startNode(t, "bob", nil)

	alice.dir.Seen("bob", bob.AddrToken())
	alice.autoConnect()
	require.Eventually(t, func() bool {
		return alice.connectedTo("bob") && bob.connectedTo("alice")
	}, 5*time.Second, 10*time.Millisecond, "auto connect never authenticated")
}

func TestAutoConnectSkipsUnknownAndConnected(t *testing.T) {
	h := newHarness("alice", "bob", "carol")
	alice := h.startNode(t, "alice", nil)
	bob := h.startNode(t, "bob", nil)
	connectNodes(t, alice, bob)

	// carol is in the roster but not in the directory; bob is connected.
	// A pass produces no new sessions.
	sessions := len(alice.transport.Sessions())
	alice.autoConnect()
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, alice.transport.Sessions(), sessions)
}

func TestAnnouncePeersReachesEverySession(t *testing.T) {
	h := newHarness("alice", "bob", "carol")
	alice := h.startNode(t, "alice", nil)
	bob := h.startNode(t, "bob", nil)
	carol := h.startNode(t, "carol", nil)
	connectNodes(t, alice, bob)
	connectNodes(t, alice, carol)

	// One pass fans the same offer out to every authenticated session.
	alice.announcePeers()
	require.Eventually(t, func() bool {
		return bob.Stats().Pex.CandidatesSeen > 0 && carol.Stats().Pex.CandidatesSeen > 0
	}, 5*time.Second, 10*time.Millisecond, "peer exchange never reached both peers")
}

func TestDialBackoffThrottlesFailures(t *testing.T) {
	h := newHarness("alice", "bob")
	alice := h.startNode(t, "alice", nil)

	assert.True(t, alice.dialAllowed("bob"))
	alice.recordDialFailure("bob")
	assert.False(t, alice.dialAllowed("bob"))
	alice.clearDialState("bob")
	assert.True(t, alice.dialAllowed("bob"))
}

func TestMaintenanceFatalOnDeadTransport(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id := uuid.New()
	resolver := identity.StaticResolver{id: identity.Key{Public: pub, ExpiresAt: time.Now().Add(time.Hour)}}

	dir := t.TempDir()
	cfg, err := config.Open(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	cfg.Update(func(c *config.Config) {
		c.LastSeenUpdateInterval = config.Duration{Duration: 10 * time.Millisecond}
	})
	book, err := directory.Open(filepath.Join(dir, "peers.json"))
	require.NoError(t, err)

	alice, err := New(Options{
		Log:         zerolog.Nop(),
		ListenAddr:  "127.0.0.1:0",
		AccountName: "alice",
		AccountID:   id,
		Sign: func(digest []byte) ([]byte, error) {
			return ed25519.Sign(priv, digest), nil
		},
		PublicKey: pub,
		Resolver:  resolver,
		Roster:    roster.NewStatic("alice"),
		Config:    cfg,
		Directory: book,
	})
	require.NoError(t, err)
	fatal := make(chan string, 4)
	alice.fatal = func(task string) { fatal <- task }
	require.NoError(t, alice.Start())
	t.Cleanup(alice.Close)

	// Kill the transport without closing the node.
	alice.transport.Close()
	select {
	case task := <-fatal:
		assert.Equal(t, "directory sync", task)
	case <-time.After(5 * time.Second):
		t.Fatal("maintenance task never reported the dead transport")
	}
}
