package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"actuation-core/utils"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := loadConfig(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: " + err.Error() + "\n")
		os.Exit(2)
	}

	log, err := utils.NewFileLogger(cfg.LogFile, utils.ParseLevel(cfg.LogLevel), true)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: cannot open " + cfg.LogFile + ": " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()

	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		log.Warn("Error loading .env file: %v", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(ctx, cfg, log)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		os.Exit(1)
	}
	defer runner.Close()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Run failed: %v", err)
		os.Exit(1)
	}
}
