package app

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"chatrelay/internal/domain"
	"chatrelay/pkg/protocol"
)

// MessageStore is the external persistence the chat path writes to.
type MessageStore interface {
	CreateMessage(ctx context.Context, sender, recipient domain.UserID, text string) (*domain.Message, error)
}

// Router inspects each inbound frame's declared type and dispatches to the
// chat path or the signaling relay. Malformed or unrecognized frames are
// logged and dropped; nothing is surfaced to the sender.
type Router struct {
	reg   *Registry
	store MessageStore
	relay *Relay
}

func NewRouter(reg *Registry, store MessageStore, relay *Relay) *Router {
	return &Router{reg: reg, store: store, relay: relay}
}

// HandleFrame processes one inbound frame. sender is nil for a connection
// with no verified identity; such connections may only listen.
func (rt *Router) HandleFrame(ctx context.Context, sender *domain.User, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Warn().Err(err).Str("module", "app.router").Msg("malformed frame dropped")
		return
	}

	if sender == nil {
		log.Warn().Str("module", "app.router").Str("kind", string(env.Type)).Msg("frame from unauthenticated connection dropped")
		return
	}

	switch {
	case env.Type == protocol.KindChat:
		rt.handleChat(ctx, sender, raw)
	case env.Type.IsSignal():
		var f protocol.SignalFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Warn().Err(err).Str("module", "app.router").Msg("malformed signal frame dropped")
			return
		}
		rt.relay.Forward(sender, f)
	default:
		log.Warn().Str("module", "app.router").Str("kind", string(env.Type)).Msg("unknown frame kind dropped")
	}
}

// handleChat persists the message, then delivers the full persisted record
// (with its assigned id) to both the sender's and the recipient's
// connections. An offline recipient still gets the write; history is the
// delivery path then. A persistence failure delivers nothing.
func (rt *Router) handleChat(ctx context.Context, sender *domain.User, raw []byte) {
	var p protocol.ChatSend
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Str("module", "app.router").Msg("malformed chat frame dropped")
		return
	}
	if p.RecipientID == "" || p.Text == "" {
		log.Warn().Str("module", "app.router").Str("from", string(sender.ID)).Msg("chat frame missing recipient or text")
		return
	}

	msg, err := rt.store.CreateMessage(ctx, sender.ID, domain.UserID(p.RecipientID), p.Text)
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").Str("from", string(sender.ID)).Msg("persist chat message")
		return
	}

	payload, err := json.Marshal(&protocol.ChatDelivery{
		Type:      protocol.KindChatMessage,
		Sender:    string(msg.Sender),
		Recipient: string(msg.Recipient),
		Text:      msg.Text,
		ID:        msg.ID,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").Msg("marshal chat delivery")
		return
	}

	rt.deliver(sender.ID, payload)
	if msg.Recipient != sender.ID {
		rt.deliver(msg.Recipient, payload)
	}
}

func (rt *Router) deliver(to domain.UserID, payload []byte) {
	conn, ok := rt.reg.Lookup(to)
	if !ok {
		return
	}
	if err := conn.TrySend(payload); err != nil {
		log.Warn().Err(err).Str("module", "app.router").Str("to", string(to)).Msg("chat delivery dropped")
	}
}
