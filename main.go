package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/HawaTechnologies/virtualpad-server/config"
	"github.com/HawaTechnologies/virtualpad-server/supervisor"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(cfg, log)
	log.Info("starting virtualpad-server",
		zap.Int("pad_port", cfg.PadPort),
		zap.Int("broadcast_port", cfg.BroadcastPort),
		zap.String("admin_socket", cfg.AdminSocketPath),
		zap.Int("slot_count", cfg.SlotCount),
	)
	return sup.Run(ctx)
}
