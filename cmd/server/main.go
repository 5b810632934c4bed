// Command server runs the scanfleet control plane: the REST API, the
// task dispatcher, and the result-ingestion supervisor. Invoked with the
// hidden correlate subcommand it instead runs one correlation pass and
// exits; the supervisor spawns it that way.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/oswatch/scanfleet/internal/adapter/broker/rabbit"
	"github.com/oswatch/scanfleet/internal/adapter/httpserver"
	"github.com/oswatch/scanfleet/internal/adapter/store/sqlite"
	"github.com/oswatch/scanfleet/internal/app"
	"github.com/oswatch/scanfleet/internal/config"
	"github.com/oswatch/scanfleet/internal/domain"
	"github.com/oswatch/scanfleet/internal/engine"
	"github.com/oswatch/scanfleet/internal/observability"
	"github.com/oswatch/scanfleet/internal/usecase"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "correlate" {
		os.Exit(runCorrelate(os.Args[2:]))
	}
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

// runCorrelate is the child-process path.
func runCorrelate(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: server correlate <scan_id>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		return 1
	}
	return app.RunCorrelateChild(context.Background(), cfg.DataPath, cfg.CorrelationRulesDir, args[0])
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(observability.SetupLogger(cfg, "server"))
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(sqlite.SharedPath(cfg.DataPath))
	if err != nil {
		return err
	}
	defer store.Close()

	scans := sqlite.NewScanRepo(store)
	events := sqlite.NewEventRepo(store)
	logs := sqlite.NewLogRepo(store)
	workers := sqlite.NewWorkerRepo(store)

	brokerCfg := rabbit.Config{
		URL:             cfg.BrokerURL,
		CACert:          cfg.BrokerCACert,
		SocketTimeout:   cfg.BrokerSocketTimeout,
		ConnectAttempts: cfg.BrokerConnectAttempts,
		ConnectDelay:    cfg.BrokerConnectDelay,
	}
	publisher := rabbit.NewTaskPublisher(brokerCfg)
	defer publisher.Close()

	classifier := domain.NewClassifier(cfg.SlowModules)
	dispatch := usecase.NewDispatch(scans, publisher, classifier, cfg.APIURL)
	correlator := app.NewSubprocessCorrelator(cfg.CorrelationTimeout)

	// In-process fallback: when the broker is down the scan runs inside
	// the server with results stored directly. The sink carries the
	// correlator because the supervisor never consumes direct-mode scans.
	dispatch.Engine = engine.New()
	dispatch.Sink = usecase.NewDirectSink(scans, events, logs, correlator)
	dispatch.OpenTask = func(scanID string) (domain.TaskLocalStore, func(), error) {
		if err := sqlite.WipeTaskLocal(cfg.DataPath, scanID); err != nil {
			return nil, nil, err
		}
		local, err := sqlite.OpenTaskLocal(cfg.DataPath, scanID)
		if err != nil {
			return nil, nil, err
		}
		return local, func() { _ = local.Remove() }, nil
	}

	handlers := httpserver.NewHandlers(dispatch, usecase.NewScans(scans), usecase.NewWorkers(workers))
	server := httpserver.NewServer(cfg, app.NewRouter(cfg, handlers))

	supervisor := app.NewSupervisor(app.SupervisorConfig{
		MonitorInterval:      cfg.MonitorInterval,
		StaleConsumerTimeout: cfg.StaleConsumerTimeout,
		WorkerSweepInterval:  cfg.WorkerSweepInterval,
		WorkerStaleAfter:     cfg.WorkerStaleAfter,
		WorkerCleanupTimeout: cfg.WorkerCleanupTimeout,
	}, brokerCfg, scans, events, logs, workers, correlator)

	supervisorDone := make(chan struct{})
	if cfg.BrokerEnabled() {
		go func() {
			defer close(supervisorDone)
			supervisor.Run(ctx)
		}()
	} else {
		slog.Warn("broker not configured, scans will run in-process")
		close(supervisorDone)
	}

	err = server.Run(ctx)
	stop()
	<-supervisorDone
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("server stopped")
	return nil
}
