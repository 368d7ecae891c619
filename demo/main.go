// Demo runs a simulated witness group behind a JSON control API.
//
// Run with:
//
//	go run ./demo -addr :8080 -start
//
// Then drive it with curl, e.g. POST /api/crash?node=0 and GET /api/state.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirZayers/Nimble/demo/server"
	"github.com/SirZayers/Nimble/internal/nodeconfig"
	"github.com/SirZayers/Nimble/simulator"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP server address")
	faults := flag.Int("f", 1, "crashed witnesses tolerated (witnesses = 2f+1)")
	ledgers := flag.Int("ledgers", 2, "ledgers written each step")
	start := flag.Bool("start", false, "start stepping immediately")
	debug := flag.Bool("debug", false, "development logging")
	flag.Parse()

	logger, err := nodeconfig.NewLogger(*debug)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := simulator.DefaultConfig()
	cfg.FaultTolerance = *faults
	cfg.Ledgers = *ledgers

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create simulator", zap.Error(err))
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *start {
		if err := srv.Start(); err != nil {
			logger.Fatal("failed to start simulation", zap.Error(err))
		}
	}

	if err := srv.ListenAndServe(ctx, *addr); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}
