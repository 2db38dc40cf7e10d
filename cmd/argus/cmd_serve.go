package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/argus/enforcer"
	"github.com/yairfalse/argus/internal/daemon"
	"github.com/yairfalse/argus/internal/pipeline"
	"github.com/yairfalse/argus/internal/telemetry"
	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/queue"
	argustelemetry "github.com/yairfalse/argus/telemetry"
)

var serveMetricsAddr string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run Argus as a daemon",
	Long: `Run Argus continuously:
- Consume cloud events from the Redis events queue
- Record them in the temporal graph and evaluate every policy
- Enforce matches inline or through the deferred enforcement queue
- Reload policies and sweep for anomalous access on a schedule
- Serve /metrics, /health, /-/healthy and /-/ready

Without a Redis address the daemon only serves health, reloads policies
and runs sweeps.`,
	Example: `  argus serve                        # Run with defaults
  argus serve -c /etc/argus.toml     # Run with a config file
  argus serve --metrics-addr :9100   # Serve metrics on another port`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Override the metrics and health address")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	provider, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	metrics, err := argustelemetry.NewMetrics(provider.Meter())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}()
	a.metrics = metrics

	deps := daemon.Deps{
		Store:    a.store,
		Registry: a.registry,
		Loader:   policy.NewLoader(cfg.Policies.Path),
		WAL:      a.wal,
		Metrics:  metrics,
	}
	if reg := provider.PrometheusRegistry(); reg != nil {
		deps.Gatherer = reg
	}

	var client *redis.Client
	var scheduled *queue.Queue
	dispatchOpts := []enforcer.Option{enforcer.WithTracer(provider.Tracer())}
	if cfg.Redis.Addr != "" {
		client, err = queue.Connect(ctx, queue.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		scheduled = queue.New(client, cfg.Redis.QueueKey)
		dispatchOpts = append(dispatchOpts, enforcer.WithScheduler(scheduled))
	}

	p, d, err := a.pipeline(ctx, policy.Context(cfg.Enforcement.Context), dispatchOpts...)
	if err != nil {
		return err
	}

	if client != nil {
		events := queue.New(client, cfg.Redis.EventsKey)
		deps.Queues = []daemon.Queue{events, scheduled}
		deps.Runners = []daemon.Runner{
			pipeline.NewIntake(events, p, cfg.Redis.BlockTimeout),
			enforcer.NewWorker(scheduled, d, cfg.Redis.BlockTimeout),
		}
	}

	addr := cfg.Server.Addr
	if serveMetricsAddr != "" {
		addr = serveMetricsAddr
	}
	dmn, err := daemon.NewDaemon(daemon.Config{
		MetricsAddr:     addr,
		ReloadSchedule:  cfg.Policies.ReloadSchedule,
		AnomalySchedule: cfg.Anomaly.Schedule,
		AnomalyWindow:   cfg.Anomaly.Window,
		Thresholds:      cfg.Anomaly.AnomalyThresholds,
	}, deps)
	if err != nil {
		return err
	}

	log.Info().
		Str("version", version).
		Str("backend", cfg.Store.Backend).
		Str("context", cfg.Enforcement.Context).
		Bool("redis", client != nil).
		Str("addr", addr).
		Msg("argus starting")

	return dmn.Start(ctx)
}
