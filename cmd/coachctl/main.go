package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cli "github.com/spf13/pflag"

	"wellcoach/internal/bootstrap"
	"wellcoach/internal/config"
	"wellcoach/internal/domain"
	"wellcoach/internal/logging"
)

func main() {
	envFile := cli.StringP("env", "e", "", "Env file path")
	configFile := cli.StringP("config", "c", "", "YAML config file")
	agentID := cli.StringP("agent", "a", "", "Agent id (default from COACH_AGENT_ID)")
	logLevel := cli.String("log", "", "Log level (debug, info, warn, error)")
	cli.Parse()

	os.Exit(run(*envFile, *configFile, *agentID, *logLevel))
}

func run(envFile, configFile, agentID, logLevel string) int {
	cfg, err := config.LoadWith(config.Options{EnvFile: envFile, ConfigFile: configFile})
	if err != nil {
		slog.Error("Failed to load config", "err", err)
		return 1
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if strings.TrimSpace(agentID) == "" {
		agentID = cfg.ElevenLabs.AgentID
	}

	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	sink := newTerminalSink(os.Stdout)
	services, err := bootstrap.Assemble(cfg, sink, logger)
	if err != nil {
		logger.Error("Failed to wire voice session", "err", err)
		return 1
	}
	controller := services.Controller

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting voice session", "agent", agentID, "token_mode", cfg.Token.Mode)
	if err := controller.Start(ctx, agentID); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		logger.Error("Voice session failed", "err", err)
		return 1
	}
	fmt.Fprintln(os.Stdout, "Connected. Speak to your coach, Ctrl+C to end.")

	select {
	case <-ctx.Done():
		if err := controller.Stop(); err != nil {
			logger.Warn("Session closed with error", "err", err)
		}
		return 0
	case final := <-sink.ended:
		if final.State == domain.SessionStateFailed {
			return 1
		}
		return 0
	}
}
