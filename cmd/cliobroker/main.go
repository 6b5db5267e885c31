// Command cliobroker runs the coordination broker for clio agents sharing
// one workspace: file and git locks, the global LLM request budget, and the
// agent-to-agent message bus.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"clio.dev/broker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

func defaultSocket() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "clio", "broker.sock")
	}
	return filepath.Join(os.TempDir(), "clio-broker.sock")
}

func run() error {
	socket := flag.String("socket", defaultSocket(), "unix socket to listen on")
	maxParallel := flag.Int("max-parallel", broker.DefaultMaxParallel, "LLM requests allowed in flight across all agents")
	minDelay := flag.Duration("min-delay", broker.DefaultMinDelay, "minimum spacing between LLM requests")
	liveness := flag.Duration("liveness", broker.DefaultLiveness, "drop agents silent for longer than this")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	srv := broker.NewServer(*socket, broker.Options{
		MaxParallel: *maxParallel,
		MinDelay:    *minDelay,
		Liveness:    *liveness,
	})
	if err := srv.Start(); err != nil {
		return err
	}
	slog.Info("broker listening", "socket", *socket,
		"max_parallel", *maxParallel, "min_delay", *minDelay)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	done := make(chan error, 1)
	go func() { done <- srv.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("broker did not shut down cleanly")
	}
}
