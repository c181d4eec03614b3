package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"chatrelay/internal/core"
	"chatrelay/internal/domain"
	"chatrelay/pkg/protocol"
)

// Directory resolves profile data the registry does not carry itself.
// A miss is not an error for presence purposes; it yields an empty link.
type Directory interface {
	AvatarLink(ctx context.Context, id domain.UserID) (string, error)
}

const directoryTimeout = 2 * time.Second

// Presence computes the authoritative online snapshot and pushes it to
// every live connection. No diffing: each broadcast is the full set, and
// clients treat it as such.
type Presence struct {
	reg *Registry
	dir Directory
}

func NewPresence(reg *Registry, dir Directory) *Presence {
	return &Presence{reg: reg, dir: dir}
}

// Snapshot builds the current online set from the registry.
func (p *Presence) Snapshot() protocol.PresencePayload {
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()

	users := p.reg.Users()
	online := make([]protocol.OnlineUser, 0, len(users))
	for _, u := range users {
		link := u.AvatarLink
		if link == "" && p.dir != nil {
			got, err := p.dir.AvatarLink(ctx, u.ID)
			if err == nil {
				link = got
			}
		}
		online = append(online, protocol.OnlineUser{
			UserID:     string(u.ID),
			Username:   u.Username,
			AvatarLink: link,
		})
	}
	return protocol.PresencePayload{Type: protocol.KindOnlineUsers, Online: online}
}

// Broadcast serializes the snapshot once and fans the identical payload out
// to every connection, guests included.
func (p *Presence) Broadcast() {
	payload, err := json.Marshal(p.Snapshot())
	if err != nil {
		log.Error().Err(err).Str("module", "app.presence").Msg("marshal snapshot")
		return
	}
	n := 0
	p.reg.EachConn(func(c core.SignalConnection) {
		if err := c.TrySend(payload); err != nil {
			log.Warn().Err(err).Str("module", "app.presence").Msg("presence send dropped")
			return
		}
		n++
	})
	log.Debug().Str("module", "app.presence").Int("delivered", n).Msg("presence broadcast")
}

// SendSnapshot pushes the current snapshot to a single connection, used
// when a socket opens so a new client sees the world immediately.
func (p *Presence) SendSnapshot(c core.SignalConnection) {
	payload, err := json.Marshal(p.Snapshot())
	if err != nil {
		log.Error().Err(err).Str("module", "app.presence").Msg("marshal snapshot")
		return
	}
	if err := c.TrySend(payload); err != nil {
		log.Warn().Err(err).Str("module", "app.presence").Msg("snapshot send dropped")
	}
}
