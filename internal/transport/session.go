package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"partyline/internal/identity"
	"partyline/internal/session"
	"partyline/internal/wire"
)

var ErrSessionClosed = errors.New("session closed")

// Session is one live connection to a remote peer: a single bidirectional
// stream carrying framed envelopes, plus the connection's trust state.
type Session struct {
	trust       *session.Context
	conn        *quic.Conn
	stream      *quic.Stream
	dialedToken string
	log         zerolog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan wire.Envelope

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func(*Session)
}

func newSession(conn *quic.Conn, stream *quic.Stream, source session.Source, dialedToken string, log zerolog.Logger, onClose func(*Session)) *Session {
	return &Session{
		trust:       session.NewContext(source),
		conn:        conn,
		stream:      stream,
		dialedToken: dialedToken,
		log:         log,
		pending:     make(map[string]chan wire.Envelope),
		closed:      make(chan struct{}),
		onClose:     onClose,
	}
}

// Context exposes the session's trust state.
func (s *Session) Context() *session.Context {
	return s.trust
}

func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// RemoteAddr is the observed network address of the other end.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// PeerAddrToken is the reconnectable address token of the peer: the verified
// claim once authenticated, otherwise the token this side dialed. Empty for
// unauthenticated incoming sessions.
func (s *Session) PeerAddrToken() string {
	if a, ok := s.trust.Identity(); ok {
		return a.Claims[identity.ClaimAddr]
	}
	return s.dialedToken
}

// DisplayName names the peer for logs and chat events: the authenticated
// account name when known, the observed address otherwise.
func (s *Session) DisplayName() string {
	if name, ok := s.trust.RemoteName(); ok {
		return name
	}
	return s.RemoteAddr()
}

// Notify sends an envelope without waiting for a reply.
func (s *Session) Notify(env wire.Envelope) error {
	return s.write(env)
}

// Reply sends a payload correlated to the request id re.
func (s *Session) Reply(typ, re string, payload any) error {
	env, err := wire.NewReply(typ, re, payload)
	if err != nil {
		return err
	}
	return s.write(env)
}

// Request sends an envelope and blocks until the correlated reply arrives,
// the context ends, or the session closes.
func (s *Session) Request(ctx context.Context, env wire.Envelope) (wire.Envelope, error) {
	ch := make(chan wire.Envelope, 1)
	s.pendingMu.Lock()
	s.pending[env.ID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, env.ID)
		s.pendingMu.Unlock()
	}()

	if err := s.write(env); err != nil {
		return wire.Envelope{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	case <-s.closed:
		return wire.Envelope{}, ErrSessionClosed
	}
}

// Close tears down the underlying connection with a reason visible to the
// other side. Safe to call more than once.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.CloseWithError(0, reason)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

func (s *Session) write(env wire.Envelope) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.stream.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	if err := wire.WriteEnvelope(s.stream, env); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// run reads envelopes until the stream dies. Correlated replies with a waiter
// go to that waiter; everything else is dispatched to the handler on its own
// goroutine, so slow handlers never stall the read path.
func (s *Session) run(handler Handler) {
	defer s.Close("connection closed")
	for {
		env, err := wire.ReadEnvelope(s.stream)
		if err != nil {
			s.log.Debug().Err(err).Str("peer", s.DisplayName()).Msg("session read ended")
			return
		}
		if env.Re != "" && s.deliverReply(env) {
			continue
		}
		if handler == nil {
			s.log.Warn().Str("type", env.Type).Msg("no handler installed, dropping message")
			continue
		}
		go handler.Dispatch(context.Background(), s, env)
	}
}

func (s *Session) deliverReply(env wire.Envelope) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[env.Re]
	if ok {
		delete(s.pending, env.Re)
	}
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}
