package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nzcbass/refsession/rse"
	"github.com/nzcbass/refsession/rse/api"
	"github.com/nzcbass/refsession/rse/config"
	"github.com/nzcbass/refsession/rse/db"
	"github.com/nzcbass/refsession/rse/polish"
	"github.com/nzcbass/refsession/rse/session"
	"github.com/nzcbass/refsession/rse/storage"
	"github.com/nzcbass/refsession/rse/template"

	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (defaults to config.yaml in . or "+rse.DefaultConfigPath+")")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := newLogger(&cfg.Logging)

	registry := template.NewRegistry(cfg.Template.Dir, logger)
	if err := registry.Load(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load question templates")
	}
	if cfg.Template.Watch {
		if err := registry.Watch(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to watch template directory")
		}
		defer registry.Close()
	}

	var (
		sessions session.SessionStore
		versions session.VersionStore
		turns    session.TurnLog
		seals    session.SealStore
	)
	if cfg.Database.InMemory {
		logger.Warn().Msg("Using in-memory storage; sessions will not survive a restart")
		mem := storage.NewMemoryStore()
		sessions, versions, turns, seals = mem, mem, mem, mem
	} else {
		conn, err := db.Connect(&cfg.Database)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Failed to open database")
		}
		defer conn.Close()
		store := storage.NewLibSQLStore(conn)
		sessions, versions, turns, seals = store, store, store, store
	}

	var dispatcher session.PolishDispatcher
	if cfg.Polish.Enabled {
		transformer := polish.NewOpenAITransformer(&cfg.Polish)
		worker := polish.NewWorker(transformer, versions, cfg.Polish.Concurrency, cfg.Polish.Timeout, logger)
		defer worker.Close()
		dispatcher = worker
	} else {
		logger.Info().Msg("Answer polishing disabled")
	}

	manager := session.NewManager(sessions, versions, turns, seals, registry, dispatcher, logger)
	server := api.NewServer(&cfg.Server, manager, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")

		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}
}

func newLogger(cfg *config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stderr)
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", rse.DefaultAppName).Logger()
}
