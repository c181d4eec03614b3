package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "chatrelay/internal/adapters/http"
	signaladapter "chatrelay/internal/adapters/signal"
	"chatrelay/internal/app"
	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open store")
	}
	defer st.Close()

	reg := app.NewRegistry()
	presence := app.NewPresence(reg, st)
	reg.OnChange(presence.Broadcast)
	relay := app.NewRelay(reg)
	msgRouter := app.NewRouter(reg, st, relay)

	verifier := auth.NewVerifier(cfg.Secret)
	ctl := signaladapter.NewController(reg, presence, msgRouter, cfg)

	r := router.SetupRouter(ctx, cfg, verifier, ctl, st)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("relay server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	// Shutdown does not touch hijacked websocket connections; close them
	// through the registry so their read pumps unwind.
	reg.CloseAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
