package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/api"
	"github.com/buildtall-systems/ordersaga/internal/bus"
	"github.com/buildtall-systems/ordersaga/internal/choreography"
	"github.com/buildtall-systems/ordersaga/internal/config"
	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/httpclient"
	"github.com/buildtall-systems/ordersaga/internal/inbox"
	"github.com/buildtall-systems/ordersaga/internal/inventory"
	"github.com/buildtall-systems/ordersaga/internal/metrics"
	"github.com/buildtall-systems/ordersaga/internal/observability"
	"github.com/buildtall-systems/ordersaga/internal/orchestrator"
	"github.com/buildtall-systems/ordersaga/internal/order"
	"github.com/buildtall-systems/ordersaga/internal/outbox"
	"github.com/buildtall-systems/ordersaga/internal/payment"
	"github.com/buildtall-systems/ordersaga/internal/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const purgeInterval = time.Hour

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the ordersaga service",
	Long: `Start the HTTP API, the inventory and payment participants, and the saga
coordinator for the configured mode. Shuts down gracefully on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runService,
}

func init() {
	runCmd.Flags().String("mode", "", "saga mode: choreography or orchestration")
	runCmd.Flags().String("addr", "", "HTTP listen address")
	runCmd.Flags().String("bus", "", "bus backend: memory, kafka or rabbitmq")
	_ = viper.BindPFlag("mode", runCmd.Flags().Lookup("mode"))
	_ = viper.BindPFlag("http.addr", runCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("bus.backend", runCmd.Flags().Lookup("bus"))

	rootCmd.AddCommand(runCmd)
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Endpoint:    cfg.Otel.Endpoint,
		URLPath:     cfg.Otel.URLPath,
		Insecure:    cfg.Otel.Insecure,
		ServiceName: cfg.Otel.ServiceName,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("ordersaga starting",
		zap.String("version", version),
		zap.String("mode", cfg.Mode),
		zap.String("bus", cfg.Bus.Backend),
		zap.String("database", cfg.Database.Path))

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = database.Close() }()
	if err := database.Migrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	inv := inventory.NewService(database, logger, m)
	pay := payment.NewService(database, logger, m)

	g, ctx := errgroup.WithContext(ctx)

	var starter order.Starter
	switch cfg.Mode {
	case config.ModeChoreography:
		b, err := newBus(ctx, cfg, database, tp, logger, m)
		if err != nil {
			return err
		}
		defer func() { _ = b.Close() }()

		relay := outbox.NewRelay(database, b, cfg.Outbox.Interval, cfg.Outbox.BatchSize, logger, m)
		coord := choreography.NewCoordinator(database, relay, logger, m)
		if err := subscribeChoreography(b, inv, pay, coord); err != nil {
			return err
		}

		g.Go(func() error { return b.Run(ctx) })
		g.Go(func() error { return relay.Run(ctx) })
		g.Go(func() error { return purgeOutbox(ctx, relay, cfg.Outbox.Retention, logger) })
		starter = choreography.NewStarter(relay)

	case config.ModeOrchestration:
		orch := newOrchestrator(cfg, database, inv, pay, logger, m)
		g.Go(func() error { return orch.Run(ctx) })
		starter = orch
	}

	orders := order.NewService(database, starter, cfg.Mode, logger, m)
	srv := api.NewServer(orders, inv, pay, reg, logger, m)
	g.Go(func() error { return srv.Serve(ctx, cfg.HTTP.Addr) })

	err = g.Wait()
	logger.Info("ordersaga stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newBus builds the configured backend over a dispatcher that dedups through
// Redis when configured and SQLite otherwise.
func newBus(ctx context.Context, cfg *config.Config, database *db.DB, tp trace.TracerProvider, logger *zap.Logger, m *metrics.Metrics) (bus.Bus, error) {
	var in inbox.Inbox = inbox.NewSQLite(database)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis %s: %w", cfg.Redis.Addr, err)
		}
		in = inbox.NewRedis(client, cfg.Redis.Prefix, cfg.Redis.InboxTTL)
		logger.Info("using redis inbox", zap.String("addr", cfg.Redis.Addr))
	}

	d := bus.NewDispatcher(in, database, bus.RetryOptions{
		MaxAttempts: uint64(cfg.Bus.MaxAttempts),
		BaseDelay:   cfg.Bus.RetryBase,
		MaxDelay:    cfg.Bus.RetryMax,
	}, logger, m)

	switch cfg.Bus.Backend {
	case config.BackendMemory:
		return bus.NewMemory(d, cfg.Bus.Partitions, logger), nil
	case config.BackendKafka:
		k, err := bus.NewKafka(bus.KafkaOptions{
			Brokers:     cfg.Bus.Kafka.Brokers,
			GroupPrefix: cfg.Bus.Kafka.GroupPrefix,
			ClientID:    cfg.Bus.Kafka.ClientID,
		}, d, tp, logger)
		if err != nil {
			return nil, fmt.Errorf("creating kafka bus: %w", err)
		}
		return k, nil
	case config.BackendRabbitMQ:
		r, err := bus.DialRabbitMQ(ctx, cfg.Bus.RabbitMQ.URL, cfg.Bus.RabbitMQ.Exchange, d, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: unknown bus backend %q", config.ErrInvalidConfig, cfg.Bus.Backend)
}

func subscribeChoreography(b bus.Bus, inv *inventory.Service, pay *payment.Service, coord *choreography.Coordinator) error {
	if err := b.Subscribe(events.TopicOrders, inventory.Consumer, inventory.NewHandler(inv, b)); err != nil {
		return err
	}
	if err := b.Subscribe(events.TopicOrders, payment.Consumer, payment.NewHandler(pay, b)); err != nil {
		return err
	}
	return coord.Subscribe(b)
}

// newOrchestrator calls remote participants when their URLs are configured and
// the in-process services otherwise.
func newOrchestrator(cfg *config.Config, database *db.DB, inv *inventory.Service, pay *payment.Service, logger *zap.Logger, m *metrics.Metrics) *orchestrator.Orchestrator {
	var invClient orchestrator.InventoryClient = inv
	if cfg.Participants.InventoryURL != "" {
		invClient = httpclient.NewInventory(cfg.Participants.InventoryURL, nil)
	}
	var payClient orchestrator.PaymentClient = pay
	if cfg.Participants.PaymentURL != "" {
		payClient = httpclient.NewPayment(cfg.Participants.PaymentURL, nil)
	}

	policy := resilience.Policy{
		Timeout:     cfg.Saga.CommandTimeout,
		MaxRetries:  cfg.Saga.MaxRetries,
		BaseDelay:   cfg.Saga.RetryBase,
		MaxDelay:    cfg.Saga.RetryMax,
		MinRequests: cfg.Saga.BreakerMinRequests,
		FailureRate: cfg.Saga.BreakerFailureRate,
		OpenTimeout: cfg.Saga.BreakerOpenTimeout,
	}
	return orchestrator.New(database, invClient, payClient, orchestrator.Options{
		Concurrency:  cfg.Saga.Concurrency,
		Inventory:    policy,
		Payment:      policy,
		RetryBackoff: cfg.Saga.CompensationBackoff,
		RetryMaxWait: cfg.Saga.CommandTimeout,
	}, logger, m)
}

func purgeOutbox(ctx context.Context, relay *outbox.Relay, retention time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := relay.Purge(ctx, retention)
			if err != nil {
				logger.Warn("outbox purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("outbox purged", zap.Int64("rows", n))
			}
		}
	}
}
