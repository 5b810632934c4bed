// Command worker runs one scan worker: it consumes tasks from a queue
// class, executes scans, and streams results back through the broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oswatch/scanfleet/internal/adapter/broker/rabbit"
	"github.com/oswatch/scanfleet/internal/config"
	"github.com/oswatch/scanfleet/internal/domain"
	"github.com/oswatch/scanfleet/internal/engine"
	"github.com/oswatch/scanfleet/internal/observability"
	"github.com/oswatch/scanfleet/internal/worker"
)

func main() {
	var (
		queueType   string
		concurrency int
	)

	root := &cobra.Command{
		Use:          "worker",
		Short:        "scanfleet scan worker",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if queueType != domain.QueueFast && queueType != domain.QueueSlow {
				return fmt.Errorf("invalid --queue %q: must be %s or %s", queueType, domain.QueueFast, domain.QueueSlow)
			}
			if concurrency < 1 {
				return fmt.Errorf("invalid --concurrency %d: must be at least 1", concurrency)
			}
			return run(queueType, concurrency)
		},
	}
	root.Flags().StringVar(&queueType, "queue", domain.QueueFast, "task queue class to consume (fast|slow)")
	root.Flags().IntVar(&concurrency, "concurrency", 1, "maximum concurrent scans")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(queueType string, concurrency int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(observability.SetupLogger(cfg, "worker"))
	observability.InitMetrics()

	if !cfg.BrokerEnabled() {
		return fmt.Errorf("BROKER_URL is required for workers")
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	workerID := uuid.NewString()
	name := cfg.WorkerName
	if name == "" {
		name = fmt.Sprintf("%s-%s", host, queueType)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brokerCfg := rabbit.Config{
		URL:             cfg.BrokerURL,
		CACert:          cfg.BrokerCACert,
		SocketTimeout:   cfg.BrokerSocketTimeout,
		ConnectAttempts: cfg.BrokerConnectAttempts,
		ConnectDelay:    cfg.BrokerConnectDelay,
	}

	sink := rabbit.NewResultPublisher(brokerCfg)
	defer sink.Close()

	api := worker.NewAPIClient(cfg.APIURL)
	tracker := worker.NewStatusTracker()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.NewHeartbeater(api, tracker, workerID, name, host, queueType, cfg.HeartbeatInterval).Run(ctx)
	}()

	runtime := worker.NewRuntime(cfg.DataPath, engine.New(), sink, api, tracker, cfg.AbortBridgeInterval)
	consumer := rabbit.NewTaskConsumer(brokerCfg, queueType, concurrency, runtime.HandleTask)

	slog.Info("worker starting",
		slog.String("worker_id", workerID),
		slog.String("name", name),
		slog.String("queue_type", queueType),
		slog.Int("concurrency", concurrency))

	err = consumer.Run(ctx)
	stop()
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("worker stopped")
	return nil
}
