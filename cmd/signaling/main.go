package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/calls"
	"github.com/mossy-p/call-signaling/internal/dedup"
	"github.com/mossy-p/call-signaling/internal/handlers"
	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/redis"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/signaling"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	reg := registry.New()
	store := calls.NewStore(nil)
	m := metrics.New()

	srv := &handlers.Server{
		Registry:       reg,
		Calls:          store,
		Metrics:        m,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		ICEServers:     cfg.ICEServers(),
		Transport: handlers.TransportConfig{
			PingPeriod: cfg.PingPeriod,
			PongWait:   cfg.PongWait,
			WriteWait:  cfg.WriteWait,
			ReadLimit:  cfg.ReadLimit,
			SendBuffer: cfg.SendBuffer,
		},
	}

	dispatcherCfg := signaling.Config{
		CallTimeout: cfg.CallTimeout,
		Metrics:     m,
	}

	// Redis only carries presence and history; the relay runs without it.
	if cfg.Redis.Enabled {
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err := redis.Connect(connectCtx, cfg.Redis)
		connectCancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer rdb.Close()
		srv.Presence = rdb
		srv.History = rdb
		dispatcherCfg.Recorder = rdb
	} else {
		log.Warn().Str("module", "main").Msg("Redis disabled, presence and call history are off")
	}

	dispatcher := signaling.NewDispatcher(reg, store, dedup.New(), dispatcherCfg)
	defer dispatcher.Close()
	srv.Dispatcher = dispatcher

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handlers.NewRouter(srv, !cfg.IsProduction()),
	}

	go func() {
		log.Info().Str("module", "main").Str("addr", httpSrv.Addr).Dur("call_timeout", cfg.CallTimeout).Msg("call signaling server started")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func setupLogging(cfg *config.Config) {
	if cfg.IsProduction() {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
