package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/meetroom/internal/adapters/http"
	wssignal "github.com/dkeye/meetroom/internal/adapters/signal"
	"github.com/dkeye/meetroom/internal/app"
	"github.com/dkeye/meetroom/internal/config"
	"github.com/dkeye/meetroom/internal/storage"
	"github.com/dkeye/meetroom/internal/store"
	"github.com/dkeye/meetroom/internal/transcribe"
	"github.com/dkeye/meetroom/internal/turn"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Str("dsn", cfg.Database.DSN).Msg("failed to open database")
	}
	defer db.Close()

	hub := app.NewHub(app.SimplePolicy{MaxStrikes: 64})
	reg := app.NewRegistry()
	limiter := wssignal.NewRoomRateLimiter(cfg.Signaling.RateLimit, cfg.Signaling.RateInterval)
	ctl := wssignal.NewSignalWSController(hub, reg, limiter, wssignal.Options{
		SendBuffer: cfg.Signaling.SendBuffer,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	})

	var relay *turn.Server
	if cfg.TURN.Enabled {
		relay, err = turn.Start(cfg.TURN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start TURN server")
		}
		defer relay.Close()
	}
	iceServers := func(host string) []config.ICEServer {
		out := append([]config.ICEServer(nil), cfg.ICEServers...)
		if relay != nil {
			out = append(out, relay.ICEServers(host)...)
		}
		return out
	}

	quartz := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger)))
	if _, err := quartz.AddFunc(cfg.Signaling.PruneSchedule, func() {
		rooms := hub.Prune()
		limits := limiter.Forget()
		log.Debug().Int("rooms", rooms).Int("limits", limits).Msg("pruned idle signaling state")
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Signaling.PruneSchedule).Msg("invalid prune schedule")
	}
	quartz.Start()

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Signal:  ctl,
		Hub:     hub,
		Store:   db,
		Storage: storage.NewLocal(cfg.Storage.Root, cfg.Storage.PublicBaseURL),
		Transcriber: transcribe.New(transcribe.Config{
			GoogleAPIKey:   cfg.Transcription.GoogleAPIKey,
			OpenAIAPIKey:   cfg.Transcription.OpenAIAPIKey,
			GoogleEndpoint: cfg.Transcription.GoogleEndpoint,
			OpenAIEndpoint: cfg.Transcription.OpenAIEndpoint,
			LanguageCode:   cfg.Transcription.LanguageCode,
			Timeout:        cfg.Transcription.Timeout,
		}),
		ICEServers: iceServers,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("meetroom server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	reg.CancelAll()
	<-quartz.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
