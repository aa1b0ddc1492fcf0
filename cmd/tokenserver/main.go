package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/spf13/pflag"

	"wellcoach/internal/bootstrap"
	"wellcoach/internal/config"
	"wellcoach/internal/logging"
	"wellcoach/internal/tokenserver"
)

func main() {
	envFile := cli.StringP("env", "e", "", "Env file path")
	configFile := cli.StringP("config", "c", "", "YAML config file")
	listenAddr := cli.StringP("listen", "l", "", "Listen address (default from COACH_LISTEN_ADDR or :8787)")
	logLevel := cli.String("log", "", "Log level (debug, info, warn, error)")
	cli.Parse()

	cfg, err := config.LoadWith(config.Options{EnvFile: *envFile, ConfigFile: *configFile})
	if err != nil {
		slog.Error("Failed to load config", "err", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("Booting token server")

	issuer, err := bootstrap.SignedURLIssuer(cfg, logger)
	if err != nil {
		logger.Error("Failed to build ElevenLabs client", "err", err)
		os.Exit(1)
	}
	if !issuer.Configured() {
		logger.Warn("ELEVENLABS_API_KEY not set, signed url requests will fail")
	}

	handler := tokenserver.NewHandler(issuer, tokenserver.Options{
		AllowedOrigin: cfg.Server.AllowedOrigin,
		Metrics:       tokenserver.NewMetrics(),
		Logger:        logger,
	})

	listener, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		logger.Error("Failed to listen", "addr", cfg.Server.ListenAddr, "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tokenserver.Serve(ctx, listener, handler, logger); err != nil {
		logger.Error("Token server stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("Token server stopped")
}
