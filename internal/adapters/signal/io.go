package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/auth"
	"chatrelay/internal/domain"
)

const writeDeadline = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, c *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump processes the connection's frames in receipt order. On any read
// failure (including a heartbeat termination) it unwinds: the registry
// entry goes away, which also triggers the presence broadcast.
func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, identity *auth.Identity, guestToken string, c *Conn) {
	var user *domain.User
	if identity != nil {
		user, _ = identity.User()
	}

	defer func() {
		if user != nil {
			ctl.Reg.Unregister(user.ID, c)
		} else {
			ctl.Reg.RemoveGuest(guestToken)
		}
		c.Close()
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Msg("readPump closing")
				return
			}
			ctl.Router.HandleFrame(ctx, user, data)
		}
	}
}
