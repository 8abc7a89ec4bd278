package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/udisondev/mmolobby/internal/config"
	"github.com/udisondev/mmolobby/internal/loginsrv"
)

const ConfigPath = "config/loginserver.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := ConfigPath
	if p := os.Getenv("MMOLOBBY_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadLoginapp(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	slog.Info("mmolobby login server starting",
		"bind", cfg.BindAddress, "port", cfg.Port,
		"internal", cfg.InternalPort,
		"registration", cfg.AccountRegistrationEnable,
		"encryption", cfg.ExternalChannelEncryptType)

	service := loginsrv.New(cfg)

	go func() {
		<-ctx.Done()
		service.Shutdown()
	}()

	if err := service.Run(ctx); err != nil {
		return fmt.Errorf("running login service: %w", err)
	}
	return nil
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
