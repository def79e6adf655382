// Package dispatch routes inbound envelopes to exactly one handler per
// message type. Handlers are total: every failure becomes a typed error reply
// or a logged drop, and nothing unwinds past Dispatch.
package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"partyline/internal/transport"
	"partyline/internal/wire"
)

// Reply is what a request handler produces; the registry sends it back
// correlated to the request.
type Reply struct {
	Type    string
	Payload any
}

// RequestHandler answers messages that expect a reply.
type RequestHandler func(ctx context.Context, s *transport.Session, env wire.Envelope) Reply

// NotificationHandler consumes messages with no reply.
type NotificationHandler func(ctx context.Context, s *transport.Session, env wire.Envelope)

type Registry struct {
	log           zerolog.Logger
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
	fallback      NotificationHandler
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:           log,
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
	}
}

// Request binds a request handler to a message type. Double registration of
// a type is a construction-time error.
func (r *Registry) Request(typ string, h RequestHandler) error {
	if err := r.reserve(typ); err != nil {
		return err
	}
	r.requests[typ] = h
	return nil
}

// Notification binds a notification handler to a message type.
func (r *Registry) Notification(typ string, h NotificationHandler) error {
	if err := r.reserve(typ); err != nil {
		return err
	}
	r.notifications[typ] = h
	return nil
}

// Fallback installs the handler for wire tags nobody registered. It exists
// for forward compatibility with future peers, not for internal omissions.
func (r *Registry) Fallback(h NotificationHandler) {
	r.fallback = h
}

func (r *Registry) reserve(typ string) error {
	if typ == "" {
		return fmt.Errorf("empty message type")
	}
	if _, ok := r.requests[typ]; ok {
		return fmt.Errorf("handler for %q already registered", typ)
	}
	if _, ok := r.notifications[typ]; ok {
		return fmt.Errorf("handler for %q already registered", typ)
	}
	return nil
}

// Dispatch routes one envelope. Safe for concurrent use across sessions.
func (r *Registry) Dispatch(ctx context.Context, s *transport.Session, env wire.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Str("type", env.Type).Any("panic", rec).Msg("handler panicked, message dropped")
		}
	}()
	if h, ok := r.requests[env.Type]; ok {
		reply := h(ctx, s, env)
		if reply.Type == "" {
			return
		}
		if err := s.Reply(reply.Type, env.ID, reply.Payload); err != nil {
			r.log.Debug().Err(err).Str("type", env.Type).Msg("reply failed")
		}
		return
	}
	if h, ok := r.notifications[env.Type]; ok {
		h(ctx, s, env)
		return
	}
	if r.fallback != nil {
		r.fallback(ctx, s, env)
		return
	}
	r.log.Warn().Str("type", env.Type).Msg("no handler for message type")
}
