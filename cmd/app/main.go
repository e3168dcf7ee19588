package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hydrogen602/ElectronicsInventorySystem/config"
	"github.com/hydrogen602/ElectronicsInventorySystem/internal/database"
	"github.com/hydrogen602/ElectronicsInventorySystem/internal/eventbus"
	"github.com/hydrogen602/ElectronicsInventorySystem/internal/processor"
	"github.com/hydrogen602/ElectronicsInventorySystem/internal/server"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level from config
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("appName", cfg.AppName).Msg("Application starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initializations ---

	// Initialize Database
	db, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Database")
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	// Initialize RabbitMQ Connection Manager. A broker that is down at
	// startup is tolerated; the manager reconnects in the background.
	rmqManager := eventbus.NewRabbitMQManager(cfg)
	defer rmqManager.Close()

	// Initialize the product-details processor and start consuming
	msgProcessor := processor.New(db)
	if err := rmqManager.StartConsuming(ctx, msgProcessor.MessageHandler); err != nil {
		log.Error().Err(err).Msg("Failed to start consumer; it will restart on reconnect")
	}

	// Initialize the HTTP API
	srv := server.New(db, rmqManager)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Handler(),
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().Msg("Application setup complete. Running and waiting for requests.")
	log.Info().Msg("Press Ctrl+C to exit.")

	// --- Wait for shutdown signal ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// --- Graceful Shutdown ---
	log.Info().Msg("Application shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel() // Signal context cancellation to long-running tasks
	// Deferred calls to db.Close() and rmqManager.Close() will execute here.
}
