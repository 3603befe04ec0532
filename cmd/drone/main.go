package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/plane-run/plane/internal/app"
	"github.com/plane-run/plane/internal/config"
)

func main() {
	name := flag.String("name", "", "this drone's node name (overrides PLANE_NODE_NAME)")
	pool := flag.String("pool", "", "scheduling pool this drone belongs to (overrides PLANE_POOL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}
	if *name != "" {
		cfg.NodeName = *name
	}
	if *pool != "" {
		cfg.Pool = *pool
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.RunDrone(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
