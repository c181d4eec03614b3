// Package signal owns the websocket side of the relay: the upgrade, the
// per-connection pumps, and the heartbeat that evicts dead peers.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/app"
	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// IdentityKey is the gin context key the auth middleware fills with a
// *auth.Identity when the connection presented a valid token.
const IdentityKey = "identity"

// GuestTokenKey is the gin context key holding the per-browser guest token.
const GuestTokenKey = "client_token"

type Controller struct {
	Reg      *app.Registry
	Presence *app.Presence
	Router   *app.Router
	Cfg      *config.Config
}

func NewController(reg *app.Registry, presence *app.Presence, router *app.Router, cfg *config.Config) *Controller {
	return &Controller{Reg: reg, Presence: presence, Router: router, Cfg: cfg}
}

// Conn wraps one websocket with a buffered outbound queue. TrySend never
// blocks; writes happen on the write pump only.
type Conn struct {
	ws   *websocket.Conn
	send chan core.Frame

	mu     sync.Mutex
	closed bool
	death  *time.Timer

	lastPong time.Time
}

func newConn(ws *websocket.Conn, buffer int) *Conn {
	return &Conn{
		ws:       ws,
		send:     make(chan core.Frame, buffer),
		lastPong: time.Now(),
	}
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.death != nil {
		c.death.Stop()
		c.death = nil
	}
	close(c.send)
	_ = c.ws.Close()
	c.mu.Unlock()
}

// armDeath starts the pong deadline after a ping. If it fires before
// pongReceived disarms it, the connection is terminated, which unwinds the
// read pump into unregistration.
func (c *Conn) armDeath(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.death != nil {
		return
	}
	c.death = time.AfterFunc(d, func() {
		log.Warn().Str("module", "signal").Msg("pong deadline elapsed, terminating")
		c.Close()
	})
}

func (c *Conn) pongReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.death != nil {
		c.death.Stop()
		c.death = nil
	}
	c.lastPong = time.Now()
}

// LastPong reports when the peer last proved liveness.
func (c *Conn) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and wires the connection into the
// registry. A connection without a verified identity stays open for
// presence only; its guest token keys it in the registry.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	var identity *auth.Identity
	if v, ok := c.Get(IdentityKey); ok {
		identity, _ = v.(*auth.Identity)
	}
	guestToken := c.GetString(GuestTokenKey)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Cfg.ReadLimit)

	conn := newConn(ws, ctl.Cfg.SendBuffer)
	ws.SetPongHandler(func(string) error {
		conn.pongReceived()
		return nil
	})

	ctx, cancel := context.WithCancel(ctx)

	if identity != nil {
		user, err := identity.User()
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("user", string(identity.ID)).Msg("rejecting identity, treating as guest")
			identity = nil
		} else {
			log.Info().Str("module", "signal").Str("user", string(user.ID)).Str("username", user.Username).Msg("new connection")
			ctl.Reg.Register(user, conn)
		}
	}
	if identity == nil {
		log.Info().Str("module", "signal").Str("guest", guestToken).Msg("new unauthenticated connection")
		ctl.Reg.AddGuest(guestToken, conn)
		ctl.Presence.SendSnapshot(conn)
	}

	go ctl.writePump(ctx, conn)
	go ctl.heartbeat(ctx, conn)
	go ctl.readPump(ctx, cancel, identity, guestToken, conn)
}
