package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"nakshatra-call/internal/auth"
	"nakshatra-call/internal/backend"
	"nakshatra-call/internal/config"
	"nakshatra-call/internal/engine"
	"nakshatra-call/internal/realtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	// Initialize Components
	tokens := auth.NewTokenSource([]byte(cfg.AuthSecret), cfg.UserID, hostDeviceID())
	be := backend.NewClient(cfg.BackendURL, tokens)
	sub := realtime.NewSubscriber(cfg.RedisAddr)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctl := engine.NewController(ctx, be, sub, engine.Config{
		PollInterval:         cfg.PollInterval,
		BalancePollInterval:  cfg.BalancePollInterval,
		DefaultAcceptTimeout: cfg.AcceptTimeout,
	})
	api := engine.NewControlAPI(ctl)

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down call engine...")
		ctl.GoHome()
		sub.Close()
		cancel()
		os.Exit(0)
	}()

	log.Printf("Control API starting on %s (backend %s)", cfg.APIAddr, cfg.BackendURL)
	if err := api.Start(cfg.APIAddr); err != nil {
		log.Fatalf("Control API failed: %v", err)
	}
}

func hostDeviceID() string {
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown-device"
}
