package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/argus/enforcer"
	"github.com/yairfalse/argus/evaluator"
	"github.com/yairfalse/argus/executor"
	"github.com/yairfalse/argus/internal/config"
	"github.com/yairfalse/argus/internal/pipeline"
	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/storage"
	"github.com/yairfalse/argus/telemetry"
	"github.com/yairfalse/argus/wal"
)

// app holds the components every command shares. Fields a command does not
// need stay nil.
type app struct {
	cfg      *config.Config
	store    storage.Store
	wal      *wal.WAL
	metrics  *telemetry.Metrics
	registry *policy.Registry
}

func newApp(ctx context.Context, c *config.Config) (*app, error) {
	store, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      c,
		store:    store,
		metrics:  telemetry.NoopMetrics(),
		registry: policy.NewRegistry(),
	}
	if c.WAL.Dir != "" {
		a.wal, err = wal.OpenWithConfig(c.WAL.Dir, walConfig(c.WAL))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
	}
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.wal != nil {
		errs = append(errs, a.wal.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// loadPolicies reads the configured policy path into the registry.
func (a *app) loadPolicies(ctx context.Context) (*policy.Snapshot, error) {
	policies, err := policy.NewLoader(a.cfg.Policies.Path).Load(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := a.registry.Replace(ctx, policies)
	if err != nil {
		return nil, err
	}
	a.metrics.RecordPoliciesLoaded(ctx, snap.Len(), snap.Version())
	return snap, nil
}

// dispatcher builds the executor engine and the dispatcher around it.
func (a *app) dispatcher(ctx context.Context, opts ...enforcer.Option) (*enforcer.Dispatcher, error) {
	engine, denier, err := buildEngine(ctx, a.cfg, a.wal, a.metrics)
	if err != nil {
		return nil, err
	}
	base := []enforcer.Option{
		enforcer.WithMetrics(a.metrics),
		enforcer.WithDetectionWindow(a.cfg.Evaluator.DetectionWindow),
		enforcer.WithStoreRetries(a.cfg.Enforcement.StoreRetries),
		enforcer.WithPolicies(a.registry),
	}
	if a.wal != nil {
		base = append(base, enforcer.WithWAL(a.wal))
	}
	if denier != nil {
		base = append(base, enforcer.WithDenier(denier))
	}
	return enforcer.New(a.store, engine, append(base, opts...)...), nil
}

func (a *app) evaluator(opts ...evaluator.Option) *evaluator.Evaluator {
	base := []evaluator.Option{
		evaluator.WithMetrics(a.metrics),
		evaluator.WithConcurrency(a.cfg.Evaluator.Concurrency),
	}
	return evaluator.New(a.store, append(base, opts...)...)
}

// pipeline wires evaluator and dispatcher for the given context.
func (a *app) pipeline(ctx context.Context, pc policy.Context, opts ...enforcer.Option) (*pipeline.Pipeline, *enforcer.Dispatcher, error) {
	d, err := a.dispatcher(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	p := pipeline.New(a.store, a.evaluator(), d, a.registry,
		pipeline.WithContext(pc),
		pipeline.WithMetrics(a.metrics),
	)
	return p, d, nil
}

func openStore(ctx context.Context, c *config.Config) (storage.Store, error) {
	switch c.Store.Backend {
	case config.BackendNeo4j:
		store, err := storage.NewNeo4jStore(ctx, storage.Neo4jConfig{
			URI:       c.Neo4j.URI,
			Username:  c.Neo4j.Username,
			Password:  c.Neo4j.Password,
			Database:  c.Neo4j.Database,
			TxTimeout: c.Neo4j.TxTimeout,
		})
		if err != nil {
			return nil, err
		}
		if err := store.InitializeSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		if err := os.MkdirAll(c.Store.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		return storage.NewMVCCStore(c.Store.Path)
	}
}

func walConfig(wc config.WALConfig) wal.Config {
	out := wal.DefaultConfig()
	out.RetentionDays = wc.RetentionDays
	return out
}

// buildEngine registers connectors for every action type. AWS actions go to
// the AWS connector, NOTIFY and ESCALATE to webhooks when configured and to
// the log otherwise. The denier is nil without a deny queue.
func buildEngine(ctx context.Context, c *config.Config, w *wal.WAL, m *telemetry.Metrics) (*executor.Engine, executor.Denier, error) {
	awsCfg, err := executor.LoadAWSConfig(ctx, c.AWS.Region, c.AWS.Profile)
	if err != nil {
		return nil, nil, err
	}

	reg := executor.NewRegistry()
	reg.Register(executor.NewAWSConnector(executor.NewAWSClients(awsCfg), executor.AWSOptions{
		QuarantineSecurityGroup: c.AWS.QuarantineSecurityGroup,
		QuarantinePolicyARN:     c.AWS.QuarantinePolicyARN,
		RateLimit:               c.AWS.RateLimit,
		Burst:                   c.AWS.Burst,
	}), executor.AWSActionTypes...)

	logConn := executor.NewLogConnector()
	reg.Register(logConn)
	if c.Notify.WebhookURL != "" {
		reg.Register(executor.NewWebhookConnector("slack", c.Notify.WebhookURL, c.Notify.Timeout), policy.ActionNotify)
	} else {
		reg.Register(logConn, policy.ActionNotify)
	}
	if c.Notify.EscalationWebhookURL != "" {
		reg.Register(executor.NewWebhookConnector("escalation", c.Notify.EscalationWebhookURL, c.Notify.Timeout), policy.ActionEscalate)
	} else {
		reg.Register(logConn, policy.ActionEscalate)
	}

	opts := []executor.EngineOption{executor.WithMetrics(m)}
	if w != nil {
		opts = append(opts, executor.WithWAL(w))
	}
	engine, err := executor.NewEngine(reg, executor.Options{
		DryRun:             c.Enforcement.DryRun,
		ActionTimeout:      c.Enforcement.ActionTimeout,
		AllowDestructive:   c.Enforcement.AllowDestructive,
		ProtectedResources: c.Enforcement.ProtectedResources,
	}, opts...)
	if err != nil {
		return nil, nil, err
	}

	log.Debug().Strs("connectors", reg.Names()).Bool("dry_run", c.Enforcement.DryRun).Msg("executor ready")

	if c.AWS.DenyQueueURL == "" {
		return engine, nil, nil
	}
	denier := executor.DenierSet{
		"aws": executor.NewSQSDenier(executor.NewSQSClient(awsCfg), c.AWS.DenyQueueURL),
	}
	return engine, denier, nil
}
