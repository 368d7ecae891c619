// Command witness serves one witness over HTTP.
//
//	witness -config witness.toml
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	nimble "github.com/SirZayers/Nimble"
	"github.com/SirZayers/Nimble/internal/nodeconfig"
	"github.com/SirZayers/Nimble/transport"
)

func main() {
	configPath := flag.String("config", "witness.toml", "configuration file")
	debug := flag.Bool("debug", false, "development logging")
	flag.Parse()

	logger, err := nodeconfig.NewLogger(*debug)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*configPath, logger); err != nil {
		logger.Error("witness stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := nodeconfig.LoadWitness(configPath)
	if err != nil {
		return err
	}
	key, err := nodeconfig.LoadKey(cfg.KeyFile)
	if err != nil {
		return err
	}
	genesis, err := cfg.GenesisView()
	if err != nil {
		return err
	}
	store, err := cfg.Store.Open()
	if err != nil {
		return err
	}

	opts := []nimble.WitnessOption{
		nimble.WithKey(key),
		nimble.WithStore(store),
		nimble.WithEndorseFloor(cfg.MinRetainedFraction),
		nimble.WithWitnessLogger(logger),
	}
	if genesis != nil {
		opts = append(opts, nimble.WithGenesis(genesis))
	}
	wcfg, err := nimble.NewWitnessConfig(opts...)
	if err != nil {
		_ = store.Close()
		return err
	}
	w, err := nimble.NewWitness(wcfg)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.Warn("closing witness failed", zap.Error(err))
		}
	}()

	handler := transport.NewServer(w,
		transport.WithServerLogger(logger),
		transport.WithRequestTimeout(cfg.RequestTimeout.Duration),
	)
	srv := &http.Server{Addr: cfg.Listen, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("witness listening",
		zap.String("addr", cfg.Listen),
		zap.Stringer("witness", w.ID()),
		zap.Stringer("mode", w.Mode()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
