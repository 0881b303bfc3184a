package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/telepy/telepy/internal/api"
	"github.com/telepy/telepy/internal/config"
	"github.com/telepy/telepy/internal/liveness"
	"github.com/telepy/telepy/internal/notify"
	"github.com/telepy/telepy/internal/registry"
	"github.com/telepy/telepy/internal/script"
	"github.com/telepy/telepy/internal/session"
	"github.com/telepy/telepy/internal/sharing"
	"github.com/telepy/telepy/internal/storage"
	"github.com/telepy/telepy/internal/ticket"
)

var (
	version = "dev"
	cfgFile = flag.String("config", "", "Path to config file")
	debug   = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().
		Str("version", version).
		Str("addr", cfg.ListenAddr).
		Str("gateway", cfg.GatewayHost).
		Int("pool_min", cfg.PortPoolMin).
		Int("pool_max", cfg.PortPoolMax).
		Msg("Starting telepy broker")

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewStore(cfg.DBPath, cfg.PortPoolMin, cfg.PortPoolMax)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer store.Close()

	perms := sharing.NewManager(store)
	tickets := ticket.NewStore()
	defer tickets.Close()

	hub := notify.NewHub(log.Logger)

	tracker := session.NewTracker()

	signer, err := session.LoadSigner(cfg.ServiceKeyPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.ServiceKeyPath).Msg("Failed to load service key")
	}
	dialer := session.NewDialer(cfg.GatewayHost, signer, cfg.SSHDialTimeout, log.Logger)

	reg := registry.NewRegistry(store, perms, hub, tracker, log.Logger)

	// Probe listener state over SSH on the gateway itself; fall back to
	// plain TCP dials when the broker runs co-located with the gateway
	var prober liveness.Prober = liveness.NewGatewayProber(
		cfg.GatewayHost, cfg.GatewayUser, signer, cfg.SSHDialTimeout)
	if cfg.GatewayHost == "localhost" || cfg.GatewayHost == "127.0.0.1" {
		prober = liveness.NewTCPProber(cfg.GatewayHost, cfg.SSHDialTimeout)
	}
	monitor := liveness.NewMonitor(prober, store, hub, cfg.ProbeInterval, log.Logger)

	pty := session.NewPTY(dialer, tracker, log.Logger)
	fm := session.NewFileManager(dialer, tracker, tickets, log.Logger)
	transfers := session.NewTransfers(dialer, tickets, store, log.Logger)

	auth := api.NewAuthMiddleware(cfg.JWTSecret, 24*time.Hour, store)
	scripts := script.NewRenderer(cfg.PublicHostname, cfg.GatewaySSHPort, cfg.GatewayUser)

	server := api.NewServer(ctx, api.Config{
		Addr:      cfg.ListenAddr,
		Logger:    log.Logger,
		Store:     store,
		Registry:  reg,
		Sharing:   perms,
		Tickets:   tickets,
		Scripts:   scripts,
		Monitor:   monitor,
		Hub:       hub,
		PTY:       pty,
		FM:        fm,
		Transfers: transfers,
		Auth:      auth,
	})

	hub.Start()
	monitor.Start()

	// Start server in goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	log.Info().Msg("Broker started successfully")
	log.Info().Msgf("API available at http://localhost%s/api", cfg.ListenAddr)
	log.Info().Msgf("Health check: http://localhost%s/api/health", cfg.ListenAddr)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Received shutdown signal")

	monitor.Stop()
	hub.Stop()
	tracker.CloseAll()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		os.Exit(1)
	}

	log.Info().Msg("Broker stopped gracefully")
}
