// Command agent is the external collaborator that drives the Realtime
// Speech Loop core (pkg/realtime): it loads configuration, wires a
// structured logger, and runs the Loop Supervisor until the process
// receives a shutdown signal. Per spec §6, the core itself has no CLI, no
// config file, and no persisted state — all of that lives here.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lokutor-ai/qwen-realtime-agent/pkg/realtime"
)

func main() {
	log := realtime.NewCharmLogger()
	if err := run(log); err != nil {
		log.Error("realtime_session_error", "error", err)
		os.Exit(1)
	}
}

func run(log *realtime.CharmLogger) error {
	configPath := flag.String("config", "config.yaml", "path to the YAML config overlay")
	sessionMaxAge := flag.Duration("session-max-age", 28*time.Minute, "proactively rotate the realtime session before it reaches this age")
	flag.Parse()

	// Load .env file the same way the teacher's cmd/agent/main.go does,
	// before reading any environment variables.
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "note: no .env file found, using system environment variables")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	sup, err := realtime.NewSupervisor(cfg, log, *sessionMaxAge)
	if err != nil {
		return err
	}
	defer sup.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("realtime: shutdown signal received")
		cancel()
	}()

	log.Info("realtime_connected", "source", cfg.Audio.Input.Source)

	err = sup.Run(ctx)
	if err != nil && ctx.Err() != nil {
		// Clean shutdown: Run returns ctx.Err() once the signal handler
		// cancels the context. Not a failure worth a non-zero exit.
		return nil
	}
	return err
}
