// Package chat is the one-way boundary to the chat presentation layer. The
// protocol core only pushes events; it never reads UI state back.
package chat

import "github.com/rs/zerolog"

type Events interface {
	System(text string)
	Broadcast(sender, text string)
	IncomingWhisper(sender, text string)
	OutgoingWhisper(recipient, text string)
	Disconnected(peer, reason string)
}

// Console renders chat events through a zerolog logger. It stands in for the
// game client's chat window when running from the CLI.
type Console struct {
	Log zerolog.Logger
}

func (c Console) System(text string) {
	c.Log.Info().Str("kind", "system").Msg(text)
}

func (c Console) Broadcast(sender, text string) {
	c.Log.Info().Str("kind", "broadcast").Str("from", sender).Msg(text)
}

func (c Console) IncomingWhisper(sender, text string) {
	c.Log.Info().Str("kind", "whisper").Str("from", sender).Msg(text)
}

func (c Console) OutgoingWhisper(recipient, text string) {
	c.Log.Info().Str("kind", "whisper").Str("to", recipient).Msg(text)
}

func (c Console) Disconnected(peer, reason string) {
	c.Log.Info().Str("kind", "system").Str("peer", peer).Str("reason", reason).Msg("disconnected")
}

// Discard drops every event.
type Discard struct{}

func (Discard) System(string)                  {}
func (Discard) Broadcast(string, string)       {}
func (Discard) IncomingWhisper(string, string) {}
func (Discard) OutgoingWhisper(string, string) {}
func (Discard) Disconnected(string, string)    {}
