package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// heartbeat pings the peer every PingInterval and arms the PongDeadline
// after each ping. A peer that stops answering is evicted within
// PingInterval + PongDeadline of its last pong; the termination flows
// through the read pump into the registry like any other close. Ordinary
// closes cancel ctx here, so the timers never outlive the connection.
func (ctl *Controller) heartbeat(ctx context.Context, c *Conn) {
	ticker := time.NewTicker(ctl.Cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeDeadline)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Info().Err(err).Str("module", "signal").Msg("heartbeat ping failed")
				c.Close()
				return
			}
			c.armDeath(ctl.Cfg.PongDeadline)
		}
	}
}
