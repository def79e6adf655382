package dispatch

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"partyline/internal/chat"
	"partyline/internal/identity"
	"partyline/internal/metrics"
	"partyline/internal/roster"
	"partyline/internal/session"
	"partyline/internal/transport"
	"partyline/internal/wire"
)

// Authentication failure reasons sent to the peer.
const (
	ReasonVerificationFailed = "verification failed"
	ReasonNotInSameServer    = "not in same server"
)

// Deps are the collaborators the built-in protocol handlers close over.
type Deps struct {
	Log      zerolog.Logger
	Resolver identity.Resolver
	Roster   roster.Roster
	Events   chat.Events
	SelfName string
	// Candidates supplies this node's peer-exchange offer.
	Candidates func() []wire.Candidate
	// Connect fires a best-effort connection attempt toward an address token.
	Connect func(ctx context.Context, token string) error
	// Connected reports whether an authenticated session for name exists.
	Connected func(name string) bool
	// Metrics may be nil; all count sites tolerate that.
	Metrics *metrics.Metrics
}

// Protocol assembles the registry for the full message universe. Every wire
// type gets exactly one handler; duplicates fail here, at construction.
func Protocol(deps Deps) (*Registry, error) {
	r := NewRegistry(deps.Log)
	for _, err := range []error{
		r.Request(wire.TypeAuthRequest, deps.handleAuthRequest),
		r.Notification(wire.TypeAuthAccepted, deps.handleAuthAccepted),
		r.Notification(wire.TypePexRequest, deps.handlePexRequest),
		r.Notification(wire.TypePexReply, deps.handlePexReply),
		r.Request(wire.TypeTextRequest, deps.handleTextRequest),
		r.Notification(wire.TypeBye, deps.handleBye),
		r.Notification(wire.TypeError, deps.handleErrorReply),
		r.Notification(wire.TypeNoContent, func(context.Context, *transport.Session, wire.Envelope) {}),
	} {
		if err != nil {
			return nil, err
		}
	}
	r.Fallback(deps.handleUnknown)
	return r, nil
}

// handleAuthRequest verifies the carried assertion and the co-location
// policy. It always produces a reply: AuthAccepted with our own assertion on
// success, an error reply with a readable reason otherwise.
func (d *Deps) handleAuthRequest(ctx context.Context, s *transport.Session, env wire.Envelope) Reply {
	var req wire.AuthRequest
	if err := env.Decode(&req); err != nil {
		d.Log.Debug().Err(err).Msg("malformed auth request")
		d.Metrics.IncAuthRejected()
		return Reply{Type: wire.TypeError, Payload: wire.ErrorReply{Reason: ReasonVerificationFailed}}
	}
	verified, err := identity.Verify(ctx, req.Assertion, d.Resolver)
	if err != nil {
		d.Log.Debug().Err(err).Msg("auth request rejected")
		d.Metrics.IncAuthRejected()
		return Reply{Type: wire.TypeError, Payload: wire.ErrorReply{Reason: ReasonVerificationFailed}}
	}
	if !roster.Contains(d.Roster, verified.AccountName) {
		d.Log.Debug().Str("account", verified.AccountName).Msg("auth request from outside the roster")
		d.Metrics.IncAuthRejected()
		return Reply{Type: wire.TypeError, Payload: wire.ErrorReply{Reason: ReasonNotInSameServer}}
	}
	if err := s.Context().Authenticate(req.Assertion); err != nil && !errors.Is(err, session.ErrAlreadyAuthenticated) {
		d.Log.Warn().Err(err).Msg("could not install peer identity")
		d.Metrics.IncAuthRejected()
		return Reply{Type: wire.TypeError, Payload: wire.ErrorReply{Reason: ReasonVerificationFailed}}
	}
	d.Log.Info().Str("account", verified.AccountName).Msg("authenticated incoming peer")
	d.Metrics.IncAuthAccepted()
	d.Metrics.RecordMessage(metrics.MessageHeader{Type: env.Type, Peer: verified.AccountName})
	d.Events.System(verified.AccountName + " connected")
	own := wire.AuthAccepted{}
	if d.Candidates != nil {
		if self := d.selfCandidate(); self != nil {
			own.Assertion = self.Assertion
		}
	}
	return Reply{Type: wire.TypeAuthAccepted, Payload: own}
}

// handleAuthAccepted runs on the side that sent AuthRequest. The accepter's
// assertion goes through the same verification and roster policy before the
// local session flips to authenticated.
func (d *Deps) handleAuthAccepted(ctx context.Context, s *transport.Session, env wire.Envelope) {
	var acc wire.AuthAccepted
	if err := env.Decode(&acc); err != nil {
		d.Log.Debug().Err(err).Msg("malformed auth accepted")
		return
	}
	verified, err := identity.Verify(ctx, acc.Assertion, d.Resolver)
	if err != nil {
		d.Log.Debug().Err(err).Msg("auth accepted carried an unverifiable assertion")
		return
	}
	if !roster.Contains(d.Roster, verified.AccountName) {
		d.Log.Debug().Str("account", verified.AccountName).Msg("accepting peer left the roster")
		return
	}
	if err := s.Context().Authenticate(acc.Assertion); err != nil && !errors.Is(err, session.ErrAlreadyAuthenticated) {
		d.Log.Warn().Err(err).Msg("could not install peer identity")
		return
	}
	d.Log.Info().Str("account", verified.AccountName).Msg("outgoing peer accepted us")
	d.Metrics.IncAuthAccepted()
	d.Metrics.RecordMessage(metrics.MessageHeader{Type: env.Type, Peer: verified.AccountName})
	d.Events.System("connected to " + verified.AccountName)
}

func (d *Deps) handlePexRequest(ctx context.Context, s *transport.Session, env wire.Envelope) {
	d.connectCandidates(ctx, env)
	if d.Candidates == nil {
		return
	}
	reply, err := wire.NewReply(wire.TypePexReply, env.ID, wire.PeerExchange{Candidates: d.Candidates()})
	if err != nil {
		d.Log.Debug().Err(err).Msg("could not build pex reply")
		return
	}
	if err := s.Notify(reply); err != nil {
		d.Log.Debug().Err(err).Msg("pex reply failed")
	}
}

func (d *Deps) handlePexReply(ctx context.Context, _ *transport.Session, env wire.Envelope) {
	d.connectCandidates(ctx, env)
}

// connectCandidates verifies each offered candidate independently and fires
// one best-effort connect per verified stranger. A bad or unreachable
// candidate never aborts the rest of the batch.
func (d *Deps) connectCandidates(ctx context.Context, env wire.Envelope) {
	var pex wire.PeerExchange
	if err := env.Decode(&pex); err != nil {
		d.Log.Debug().Err(err).Msg("malformed peer exchange")
		return
	}
	for _, c := range pex.Candidates {
		d.Metrics.IncPexCandidatesSeen()
		verified, err := identity.Verify(ctx, c.Assertion, d.Resolver)
		if err != nil {
			d.Log.Debug().Err(err).Msg("dropping unverifiable pex candidate")
			continue
		}
		if verified.AccountName == d.SelfName {
			continue
		}
		if d.Connected != nil && d.Connected(verified.AccountName) {
			continue
		}
		if d.Connect == nil {
			continue
		}
		addr := c.Addr
		if addr == "" {
			addr = verified.Addr
		}
		name := verified.AccountName
		d.Metrics.IncPexDials()
		go func() {
			if err := d.Connect(context.Background(), addr); err != nil {
				d.Log.Info().Err(err).Str("account", name).Msg("failed to connect pex discovered peer")
			}
		}()
	}
}

// handleTextRequest delivers chat content from an authenticated peer and
// always acknowledges. An unauthenticated sender is a protocol violation and
// gets an error reply instead of a chat event.
func (d *Deps) handleTextRequest(_ context.Context, s *transport.Session, env wire.Envelope) Reply {
	name, ok := s.Context().RemoteName()
	if !ok {
		d.Log.Warn().Str("remote", s.RemoteAddr()).Msg("text message on unauthenticated session")
		d.Metrics.IncTextRefused()
		return Reply{Type: wire.TypeError, Payload: wire.ErrorReply{Reason: "unauthorized"}}
	}
	var msg wire.TextMessage
	if err := env.Decode(&msg); err != nil {
		d.Log.Debug().Err(err).Msg("malformed text message")
		d.Metrics.IncTextRefused()
		return Reply{Type: wire.TypeError, Payload: wire.ErrorReply{Reason: "malformed message"}}
	}
	switch msg.Scope {
	case wire.ScopeBroadcast:
		d.Events.Broadcast(name, msg.Content)
		d.Metrics.IncTextDelivered()
		d.Metrics.RecordMessage(metrics.MessageHeader{Type: env.Type, Peer: name, Scope: msg.Scope})
	case wire.ScopeWhisper:
		d.Events.IncomingWhisper(name, msg.Content)
		d.Metrics.IncTextDelivered()
		d.Metrics.RecordMessage(metrics.MessageHeader{Type: env.Type, Peer: name, Scope: msg.Scope})
	default:
		d.Log.Warn().Str("scope", msg.Scope).Str("from", name).Msg("unknown message scope")
		d.Metrics.IncDropped()
	}
	return Reply{Type: wire.TypeNoContent, Payload: wire.NoContent{}}
}

func (d *Deps) handleBye(_ context.Context, s *transport.Session, env wire.Envelope) {
	var bye wire.Bye
	if err := env.Decode(&bye); err != nil {
		d.Log.Debug().Err(err).Msg("malformed bye")
		return
	}
	d.Events.Disconnected(s.DisplayName(), bye.Reason)
}

// handleErrorReply surfaces peer-reported errors for authenticated sessions
// only; pre-auth noise stays out of the chat window.
func (d *Deps) handleErrorReply(_ context.Context, s *transport.Session, env wire.Envelope) {
	name, ok := s.Context().RemoteName()
	if !ok {
		return
	}
	var rep wire.ErrorReply
	if err := env.Decode(&rep); err != nil {
		d.Log.Debug().Err(err).Msg("malformed error reply")
		return
	}
	d.Log.Warn().Str("account", name).Str("reason", rep.Reason).Msg("peer reported an error")
	d.Events.System(name + " reported an error")
}

func (d *Deps) handleUnknown(_ context.Context, s *transport.Session, env wire.Envelope) {
	d.Log.Error().Str("type", env.Type).Str("peer", s.DisplayName()).Msg("unhandled message type")
	d.Metrics.IncDropped()
	d.Events.System("received an unsupported message")
}

func (d *Deps) selfCandidate() *wire.Candidate {
	for _, c := range d.Candidates() {
		if c.Assertion.Claims[identity.ClaimAccountName] == d.SelfName {
			return &c
		}
	}
	return nil
}
