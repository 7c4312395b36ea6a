package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/katasec/dstream-ingester-lake/internal/changelog"
	"github.com/katasec/dstream-ingester-lake/internal/checkpoint"
	"github.com/katasec/dstream-ingester-lake/internal/config"
	"github.com/katasec/dstream-ingester-lake/internal/connector"
	"github.com/katasec/dstream-ingester-lake/internal/deadletter"
	"github.com/katasec/dstream-ingester-lake/internal/envelope"
	"github.com/katasec/dstream-ingester-lake/internal/health"
	"github.com/katasec/dstream-ingester-lake/internal/lake"
	"github.com/katasec/dstream-ingester-lake/internal/locking"
	"github.com/katasec/dstream-ingester-lake/internal/logging"
	"github.com/katasec/dstream-ingester-lake/internal/materializer"
	"github.com/katasec/dstream-ingester-lake/internal/metrics"
	"github.com/katasec/dstream-ingester-lake/internal/objectstore"
	"github.com/katasec/dstream-ingester-lake/internal/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Ingester stopped with error", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("Ingester stopped")
}

func run(ctx context.Context, cfg *config.Config, logger hclog.Logger) error {
	m := metrics.New()

	store, err := objectstore.Open(ctx, cfg.Lake)
	if err != nil {
		return fmt.Errorf("failed to open lake store: %w", err)
	}
	encoder, err := lake.NewEncoder(cfg.Lake.Format, cfg.Lake.Compression)
	if err != nil {
		return err
	}
	writer := lake.NewWriter(store, encoder, logger)

	mappings, err := lake.NewMappings(cfg.Mappings)
	if err != nil {
		return fmt.Errorf("invalid table mappings: %w", err)
	}
	decoder, err := envelope.NewDecoder(cfg.Routing.TopicPattern, mappings)
	if err != nil {
		return err
	}

	checkpoints, err := checkpoint.Open(ctx, cfg.Checkpoint, logger)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer checkpoints.Close()

	deadLetters, err := deadletter.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter sink: %w", err)
	}
	defer deadLetters.Close()

	locks := locking.NewLockerFactory(cfg.Lock.Backend, cfg.Lock.ConnectionString, cfg.Lock.ContainerName, cfg.Source.Host, logger)

	var manager *connector.Manager
	if !cfg.Connect.Skip {
		manager = connector.NewManager(cfg.Connect, logger)
		if _, err := manager.EnsureRegistered(ctx, connector.DebeziumSpec(cfg)); err != nil {
			return fmt.Errorf("failed to register connector: %w", err)
		}
	} else {
		logger.Info("Connector registration skipped")
	}

	pipeline := materializer.NewPipeline(materializer.Options{
		Batch:       cfg.Batch,
		Source:      changelog.NewKafkaSource(cfg.Kafka.BootstrapServers, cfg.Kafka.GroupID, logger),
		Decoder:     decoder,
		Mappings:    mappings,
		Writer:      writer,
		Checkpoints: checkpoints,
		DeadLetters: deadLetters,
		Metrics:     m,
		Retry:       retry.DefaultPolicy,
		Logger:      logger,
	}, cfg.Topics(), locks)

	var status health.ConnectorStatus
	if manager != nil {
		status = manager
	}
	server := health.NewServer(cfg.HTTPAddr, status, pipeline, m.Handler(), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		err := pipeline.Run(gctx)
		if err == nil && ctx.Err() == nil {
			err = fmt.Errorf("pipeline exited unexpectedly")
		}
		return err
	})

	logger.Info("Ingester started", "topics", cfg.Topics(), "lake", cfg.Lake.Backend, "format", cfg.Lake.Format)
	return g.Wait()
}
