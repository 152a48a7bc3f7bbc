package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"restock-watcher/internal/config"
	"restock-watcher/internal/watcher"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to watcher configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	engine, err := watcher.NewEngine(*cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if _, err := engine.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "run stopped with error: %v\n", err)
		os.Exit(1)
	}
}
