package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/adapters/signal"
	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/internal/domain"
	"chatrelay/internal/store"
)

// ClientTokenMiddleware hands every browser a stable guest token so
// identity-free connections still have a registry key.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set(signal.GuestTokenKey, token)
		c.Next()
	}
}

// IdentityMiddleware verifies the auth cookie if present. Verification
// failure is not fatal: the request proceeds without an identity and the
// connection is treated as a guest.
func IdentityMiddleware(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(auth.CookieName)
		if err == nil && token != "" {
			identity, err := verifier.Verify(token)
			if err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("auth token rejected")
			} else {
				c.Set(signal.IdentityKey, identity)
			}
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, verifier *auth.Verifier, ctl *signal.Controller, st *store.Store) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	sessionStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RelaySessions", sessionStore))
	r.Use(ClientTokenMiddleware())
	r.Use(IdentityMiddleware(verifier))

	api := r.Group("/api")

	api.GET("/ws", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	api.GET("/messages/:userId", func(c *gin.Context) {
		v, ok := c.Get(signal.IdentityKey)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		identity := v.(*auth.Identity)
		other := domain.UserID(c.Param("userId"))

		msgs, err := st.History(c.Request.Context(), identity.ID, other)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("module", "adapters.http").Msg("history read")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
			return
		}
		if msgs == nil {
			msgs = []domain.Message{}
		}
		c.JSON(http.StatusOK, msgs)
	})

	return r
}
