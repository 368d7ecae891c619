// Command coordinator runs the orchestrator in front of a witness group and
// serves the ledger API over HTTP.
//
//	coordinator -config coordinator.toml
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
	configPath := flag.String("config", "coordinator.toml", "configuration file")
	debug := flag.Bool("debug", false, "development logging")
	flag.Parse()

	logger, err := nodeconfig.NewLogger(*debug)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*configPath, logger); err != nil {
		logger.Error("coordinator stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := nodeconfig.LoadCoordinator(configPath)
	if err != nil {
		return err
	}
	genesis, err := cfg.Genesis.View()
	if err != nil {
		return err
	}
	store, err := cfg.Store.Open()
	if err != nil {
		return err
	}

	opts := append(cfg.OrchestratorOptions(),
		nimble.WithOrchestratorGenesis(genesis),
		nimble.WithDialer(transport.Dialer()),
		nimble.WithOrchestratorStore(store),
		nimble.WithLogger(logger),
	)
	ocfg, err := nimble.NewOrchestratorConfig(opts...)
	if err != nil {
		_ = store.Close()
		return err
	}
	o, err := nimble.NewOrchestrator(ocfg)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() {
		if err := o.Close(); err != nil {
			logger.Warn("closing orchestrator failed", zap.Error(err))
		}
	}()

	serverOpts := []transport.CoordinatorOption{
		transport.WithCoordinatorLogger(logger),
		transport.WithOperationTimeout(cfg.OperationTimeout.Duration),
	}
	if cfg.Monitor.Enabled {
		m, err := nimble.NewMonitor(o, cfg.MonitorConfig())
		if err != nil {
			return err
		}
		m.Start()
		defer m.Stop()
		serverOpts = append(serverOpts, transport.WithMonitor(m))
	}

	handler := transport.NewCoordinatorServer(o, serverOpts...)
	srv := &http.Server{Addr: cfg.Listen, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	view := o.View()
	logger.Info("coordinator listening",
		zap.String("addr", cfg.Listen),
		zap.Uint64("epoch", view.Epoch),
		zap.Int("members", view.Size()),
		zap.Int("quorum", view.Quorum),
		zap.Stringer("group", o.GroupIdentity()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
