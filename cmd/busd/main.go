// busd hosts the inter-process message bus endpoint. Clients in other
// processes connect, register their machine ids, and exchange events.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"

	"github.com/digitect38/xstatenet/pipebus"
)

type config struct {
	PipeName string `env:"XSTATENET_PIPE_NAME" envDefault:"XStateNet.MessageBus"`
	LogLevel string `env:"XSTATENET_LOG_LEVEL" envDefault:"info"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		slog.Error("config parse failed", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := pipebus.NewServer(cfg.PipeName, pipebus.WithServerLogger(logger))
	if err := server.Start(ctx); err != nil {
		logger.Error("bus start failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	if err := server.Stop(); err != nil {
		logger.Error("bus stop reported error", "error", err)
	}
}
