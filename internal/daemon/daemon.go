package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/queue"
	"github.com/yairfalse/argus/storage"
	"github.com/yairfalse/argus/telemetry"
	"github.com/yairfalse/argus/wal"
)

// Config holds daemon configuration
type Config struct {
	MetricsAddr     string
	ReloadSchedule  string
	AnomalySchedule string
	AnomalyWindow   time.Duration
	Thresholds      storage.AnomalyThresholds
	CleanupSchedule string
}

// PolicyLoader reads the full policy set.
type PolicyLoader interface {
	Load(ctx context.Context) ([]*policy.Policy, error)
}

// Runner is a long-lived consumer such as event intake or the scheduled
// worker. Run returns when ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// Queue is a Redis queue the daemon recovers at startup and reports on.
type Queue interface {
	Key() string
	Depth(ctx context.Context) (queue.Depth, error)
	Recover(ctx context.Context) (int, error)
}

// Deps are the components the daemon drives. Nil members are skipped.
type Deps struct {
	Store    storage.AccessAnalyzer
	Registry *policy.Registry
	Loader   PolicyLoader
	Runners  []Runner
	Queues   []Queue
	WAL      *wal.WAL
	Metrics  *telemetry.Metrics
	Gatherer prometheus.Gatherer
}

// Daemon runs intake, deferred enforcement and periodic sweeps until
// interrupted.
type Daemon struct {
	config        Config
	deps          Deps
	cron          *cron.Cron
	logger        *telemetry.Logger
	daemonMetrics *DaemonMetrics
	startTime     time.Time
	listener      atomic.Pointer[net.Listener]
	ready         atomic.Bool
	reloadCount   atomic.Int64
	sweepCount    atomic.Int64
	lastAnomalies atomic.Int64
}

// NewDaemon creates a new daemon instance
func NewDaemon(config Config, deps Deps) (*Daemon, error) {
	if deps.Registry == nil {
		return nil, errors.New("daemon: policy registry is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NoopMetrics()
	}
	if config.CleanupSchedule == "" {
		config.CleanupSchedule = "@daily"
	}

	dm, err := NewDaemonMetrics()
	if err != nil {
		return nil, fmt.Errorf("daemon metrics: %w", err)
	}

	d := &Daemon{
		config:        config,
		deps:          deps,
		cron:          cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		logger:        telemetry.NewLogger("daemon"),
		daemonMetrics: dm,
		startTime:     time.Now(),
	}
	if err := d.schedule(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) schedule() error {
	jobs := []struct {
		name string
		spec string
		fn   func(context.Context)
		on   bool
	}{
		{"policy_reload", d.config.ReloadSchedule, func(ctx context.Context) { _ = d.ReloadPolicies(ctx) }, d.deps.Loader != nil},
		{"anomaly_sweep", d.config.AnomalySchedule, func(ctx context.Context) { _, _ = d.SweepAnomalies(ctx) }, d.deps.Store != nil},
		{"wal_cleanup", d.config.CleanupSchedule, func(context.Context) { d.CleanupWAL() }, d.deps.WAL != nil},
	}
	for _, job := range jobs {
		if !job.on || job.spec == "" {
			continue
		}
		fn := job.fn
		if _, err := d.cron.AddFunc(job.spec, func() { fn(context.Background()) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", job.name, job.spec, err)
		}
	}
	return nil
}

// Start runs every actor until ctx is cancelled or one of them fails.
func (d *Daemon) Start(ctx context.Context) error {
	if d.deps.Loader != nil {
		if err := d.ReloadPolicies(ctx); err != nil {
			return fmt.Errorf("initial policy load: %w", err)
		}
	}
	d.ready.Store(true)

	for _, q := range d.deps.Queues {
		n, err := q.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover queue %s: %w", q.Key(), err)
		}
		if n > 0 {
			d.logger.Warn().Str("queue", q.Key()).Int("items", n).Msg("recovered unacknowledged items")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group

	g.Add(func() error {
		<-ctx.Done()
		return nil
	}, func(error) {
		cancel()
	})

	g.Add(func() error {
		d.cron.Start()
		<-ctx.Done()
		return nil
	}, func(error) {
		<-d.cron.Stop().Done()
	})

	if d.config.MetricsAddr != "" {
		ln, err := net.Listen("tcp", d.config.MetricsAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", d.config.MetricsAddr, err)
		}
		d.listener.Store(&ln)
		srv := &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Add(func() error {
			d.logger.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	for _, r := range d.deps.Runners {
		g.Add(func() error {
			return r.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	d.logger.Info().
		Int("runners", len(d.deps.Runners)).
		Int("queues", len(d.deps.Queues)).
		Msg("daemon started")
	err := g.Run()
	d.logger.Info().Err(err).Msg("daemon stopped")
	return err
}

// ReloadPolicies loads the policy set and swaps it in atomically. A failed
// load keeps the current snapshot.
func (d *Daemon) ReloadPolicies(ctx context.Context) error {
	start := time.Now()
	d.reloadCount.Add(1)

	policies, err := d.deps.Loader.Load(ctx)
	if err == nil {
		var snap *policy.Snapshot
		snap, err = d.deps.Registry.Replace(ctx, policies)
		if err == nil {
			d.deps.Metrics.RecordPoliciesLoaded(ctx, snap.Len(), snap.Version())
			d.daemonMetrics.RecordReload(ctx, "success", time.Since(start).Seconds())
			d.logReviewDue(ctx, snap)
			return nil
		}
	}

	d.daemonMetrics.RecordReload(ctx, "failure", time.Since(start).Seconds())
	d.logger.WithContext(ctx).Error().Err(err).Msg("policy reload failed, keeping current policies")
	return err
}

func (d *Daemon) logReviewDue(ctx context.Context, snap *policy.Snapshot) {
	now := time.Now()
	for _, p := range snap.Policies() {
		if p.NeedsReview(now) {
			d.logger.WithContext(ctx).Warn().Str("policy_id", p.ID).Msg("policy is due for review")
		}
	}
}

// SweepAnomalies runs anomalous access detection over the configured window.
func (d *Daemon) SweepAnomalies(ctx context.Context) ([]storage.AccessAnomaly, error) {
	start := time.Now()
	d.sweepCount.Add(1)

	anomalies, err := d.deps.Store.DetectAnomalousAccess(ctx, d.config.AnomalyWindow, d.config.Thresholds)
	if err != nil {
		d.daemonMetrics.RecordSweep(ctx, "failure", time.Since(start).Seconds())
		d.logger.WithContext(ctx).Error().Err(err).Msg("anomaly sweep failed")
		return nil, err
	}

	d.lastAnomalies.Store(int64(len(anomalies)))
	d.deps.Metrics.RecordAnomalies(ctx, len(anomalies))
	d.daemonMetrics.RecordSweep(ctx, "success", time.Since(start).Seconds())
	for _, a := range anomalies {
		d.logger.WithContext(ctx).Warn().
			Str("identity_id", a.IdentityID).
			Int("actions", a.Actions).
			Float64("z_score", a.ZScore).
			Strs("reasons", a.Reasons).
			Msg("anomalous access")
	}
	return anomalies, nil
}

// CleanupWAL prunes audit files past retention.
func (d *Daemon) CleanupWAL() {
	stats, err := d.deps.WAL.Cleanup()
	if err != nil {
		d.logger.Error().Err(err).Msg("WAL cleanup failed")
		return
	}
	d.daemonMetrics.RecordWALCleanup(context.Background(), stats.FilesRemoved)
	if stats.FilesRemoved > 0 {
		d.logger.Info().Int("files", stats.FilesRemoved).Int64("bytes", stats.BytesFreed).Msg("WAL cleanup")
	}
}

// Handler serves metrics and health endpoints.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	if d.deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(d.deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !d.ready.Load() {
			writeText(w, http.StatusServiceUnavailable, "policies not loaded")
			return
		}
		writeText(w, http.StatusOK, "ok")
	})
	return mux
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := d.Health(r.Context())
	code := http.StatusOK
	if h.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(h)
}

// Daemon health states.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// HealthStatus represents daemon health
type HealthStatus struct {
	Status        string                 `json:"status"`
	Uptime        int64                  `json:"uptime_seconds"`
	PolicyVersion uint64                 `json:"policy_version"`
	Policies      int                    `json:"policies"`
	Reloads       int64                  `json:"reloads"`
	Sweeps        int64                  `json:"sweeps"`
	LastAnomalies int64                  `json:"last_anomalies"`
	Queues        map[string]queue.Depth `json:"queues,omitempty"`
	WAL           *wal.HealthStatus      `json:"wal,omitempty"`
	Issues        []string               `json:"issues,omitempty"`
}

// Health returns daemon health status
func (d *Daemon) Health(ctx context.Context) HealthStatus {
	snap := d.deps.Registry.Snapshot()
	h := HealthStatus{
		Status:        StatusHealthy,
		Uptime:        int64(time.Since(d.startTime).Seconds()),
		PolicyVersion: snap.Version(),
		Policies:      snap.Len(),
		Reloads:       d.reloadCount.Load(),
		Sweeps:        d.sweepCount.Load(),
		LastAnomalies: d.lastAnomalies.Load(),
	}

	if len(d.deps.Queues) > 0 {
		h.Queues = make(map[string]queue.Depth, len(d.deps.Queues))
		for _, q := range d.deps.Queues {
			depth, err := q.Depth(ctx)
			if err != nil {
				h.Issues = append(h.Issues, fmt.Sprintf("queue %s: %v", q.Key(), err))
				continue
			}
			h.Queues[q.Key()] = depth
			d.daemonMetrics.RecordQueueDepth(ctx, q.Key(), depth)
		}
	}

	if d.deps.WAL != nil {
		wh := d.deps.WAL.GetHealth()
		h.WAL = &wh
		h.Issues = append(h.Issues, wh.Issues...)
	}

	if len(h.Issues) > 0 {
		h.Status = StatusDegraded
	}
	return h
}

// MetricsAddr returns the bound metrics address once the server listens.
func (d *Daemon) MetricsAddr() string {
	ln := d.listener.Load()
	if ln == nil {
		return ""
	}
	return (*ln).Addr().String()
}

// ReloadCount returns total policy reloads attempted
func (d *Daemon) ReloadCount() int64 {
	return d.reloadCount.Load()
}
