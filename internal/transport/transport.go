// Package transport moves framed envelopes between peers over QUIC. It knows
// nothing about the chat protocol beyond the envelope shape; inbound messages
// are handed to a pluggable Handler.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"partyline/internal/session"
	"partyline/internal/wire"
)

// Handler consumes inbound envelopes. Implementations must be safe for
// concurrent calls across sessions.
type Handler interface {
	Dispatch(ctx context.Context, s *Session, env wire.Envelope)
}

var ErrTransportClosed = errors.New("transport closed")

const (
	dialTimeout     = 15 * time.Second
	maxIdleTimeout  = 90 * time.Second
	keepAlivePeriod = 20 * time.Second
)

type Transport struct {
	log     zerolog.Logger
	handler Handler
	onClose func(*Session)

	mu       sync.Mutex
	listener *quic.Listener
	sessions map[*Session]struct{}
	closed   bool
}

type Options struct {
	Log zerolog.Logger
	// OnSessionClose runs once per session after it closes.
	OnSessionClose func(*Session)
}

func New(opts Options) *Transport {
	return &Transport{
		log:      opts.Log,
		onClose:  opts.OnSessionClose,
		sessions: make(map[*Session]struct{}),
	}
}

// SetHandler installs the inbound message handler. Must be called before
// Listen or Connect.
func (t *Transport) SetHandler(h Handler) {
	t.handler = h
}

// Listen binds addr and accepts inbound sessions until Close.
func (t *Transport) Listen(addr string) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = listener.Close()
		return ErrTransportClosed
	}
	t.listener = listener
	t.mu.Unlock()
	t.log.Info().Str("addr", listener.Addr().String()).Msg("transport listening")
	go t.acceptLoop(listener)
	return nil
}

// Addr returns the bound listen address, empty before Listen.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// AddrToken returns the local address as an exchangeable token.
func (t *Transport) AddrToken() string {
	addr := t.Addr()
	if addr == "" {
		return ""
	}
	return EncodeAddr(addr)
}

// Connect dials the peer behind an address token and returns the new
// outgoing session.
func (t *Transport) Connect(ctx context.Context, token string) (*Session, error) {
	if t.IsClosed() {
		return nil, ErrTransportClosed
	}
	addr, err := DecodeAddr(token)
	if err != nil {
		return nil, err
	}
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	s := newSession(conn, stream, session.Outgoing, token, t.log, t.sessionClosed)
	if !t.track(s) {
		s.Close("transport closed")
		return nil, ErrTransportClosed
	}
	go s.run(t.handler)
	t.log.Debug().Str("addr", addr).Msg("outgoing session established")
	return s, nil
}

// Sessions snapshots all sessions not yet closed.
func (t *Transport) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		out = append(out, s)
	}
	return out
}

func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close stops accepting and closes every session.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	listener := t.listener
	open := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		open = append(open, s)
	}
	t.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	for _, s := range open {
		s.Close("shutting down")
	}
}

func (t *Transport) acceptLoop(listener *quic.Listener) {
	for {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			if !t.IsClosed() {
				t.log.Warn().Err(err).Msg("transport accept failed")
			}
			return
		}
		go t.acceptSession(conn)
	}
}

func (t *Transport) acceptSession(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		t.log.Debug().Err(err).Msg("no stream from inbound connection")
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	s := newSession(conn, stream, session.Incoming, "", t.log, t.sessionClosed)
	if !t.track(s) {
		s.Close("transport closed")
		return
	}
	t.log.Debug().Str("remote", s.RemoteAddr()).Msg("incoming session established")
	go s.run(t.handler)
}

func (t *Transport) track(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.sessions[s] = struct{}{}
	return true
}

func (t *Transport) sessionClosed(s *Session) {
	t.mu.Lock()
	delete(t.sessions, s)
	t.mu.Unlock()
	if t.onClose != nil {
		t.onClose(s)
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  maxIdleTimeout,
		KeepAlivePeriod: keepAlivePeriod,
	}
}
