package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"proxy-reseller/internal/config"
	"proxy-reseller/internal/store/postgres"
	"proxy-reseller/pkg/logger"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate <command> [args]")
		fmt.Fprintln(os.Stderr, "commands: up, up-by-one, up-to V, down, down-to V, redo, reset, status, version")
	}
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadDatabase()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := postgres.RunMigrations(ctx, log, cfg.PostgresDSN(), args[0], args[1:]...); err != nil {
		log.Error("migration failed", "command", args[0], "err", err)
		os.Exit(1)
	}
	log.Info("migration finished", "command", args[0])
}
