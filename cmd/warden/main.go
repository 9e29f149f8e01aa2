package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/wardenhq/warden/internal/warden/app"
	"github.com/wardenhq/warden/internal/warden/config"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	gateway, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize warden: %v\n", err)
		os.Exit(1)
	}

	slog.Info("warden starting",
		"version", app.Version,
		"node", cfg.ClusterNodeID,
		"runtime", cfg.WorkerRuntime,
		"hardening", cfg.Hardening)

	if err := gateway.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error running warden: %v\n", err)
		os.Exit(1)
	}
}
