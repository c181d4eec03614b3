package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"chatrelay/internal/domain"
	"chatrelay/pkg/protocol"
)

// Relay forwards call-signaling frames between two identities. It is
// payload-opaque: descriptions and candidates pass through byte-for-byte.
// The only state it consults is the registry, for target liveness.
type Relay struct {
	reg *Registry
}

func NewRelay(reg *Registry) *Relay {
	return &Relay{reg: reg}
}

const reasonUnavailable = "user is not available"

// Forward relays the frame to its target if the target is live. The sender
// identity stamped onto the forwarded frame comes from the verified
// connection, never from the inbound payload. Per-kind policy when the
// target is unreachable: call-invite and offer earn the sender an explicit
// rejection; everything else is dropped silently.
func (r *Relay) Forward(sender *domain.User, f protocol.SignalFrame) {
	if err := f.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("kind", string(f.Type)).Str("from", string(sender.ID)).Msg("invalid signal frame dropped")
		return
	}

	out := f
	out.From = string(sender.ID)
	if f.Type == protocol.KindCallInvite {
		out.FromDisplayName = sender.Username
	}

	target, ok := r.reg.Lookup(domain.UserID(f.To))
	if !ok {
		switch f.Type {
		case protocol.KindCallInvite, protocol.KindOffer:
			r.reject(sender, f.To)
		default:
			log.Debug().Str("module", "app.relay").Str("kind", string(f.Type)).Str("to", f.To).Msg("target offline, dropped")
		}
		return
	}

	payload, err := json.Marshal(&out)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("marshal forward")
		return
	}
	if err := target.TrySend(payload); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("kind", string(f.Type)).Str("to", f.To).Msg("forward dropped")
	}
}

// reject tells the sender its target is unreachable. The rejection names
// the target as the rejecting party so the client tears down the right
// session.
func (r *Relay) reject(sender *domain.User, target string) {
	conn, ok := r.reg.Lookup(sender.ID)
	if !ok {
		return
	}
	payload, err := json.Marshal(&protocol.SignalFrame{
		Type:   protocol.KindCallRejected,
		To:     string(sender.ID),
		From:   target,
		Reason: reasonUnavailable,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("marshal rejection")
		return
	}
	if err := conn.TrySend(payload); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("to", string(sender.ID)).Msg("rejection dropped")
	}
}
