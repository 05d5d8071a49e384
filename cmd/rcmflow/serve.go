package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/rcmflow/internal/agents"
	"github.com/pitabwire/rcmflow/internal/automation"
	"github.com/pitabwire/rcmflow/internal/claims"
	"github.com/pitabwire/rcmflow/internal/config"
	"github.com/pitabwire/rcmflow/internal/definition"
	"github.com/pitabwire/rcmflow/internal/idempotency"
	"github.com/pitabwire/rcmflow/internal/notify"
	"github.com/pitabwire/rcmflow/internal/observability"
	"github.com/pitabwire/rcmflow/internal/transport"
	"github.com/pitabwire/rcmflow/internal/workflow"
	"github.com/pitabwire/rcmflow/model"
)

func newServeCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// closers runs cleanup functions in reverse registration order.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	observability.SetupSlog(os.Stdout, cfg.Observability)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var cleanup closers
	defer cleanup.run()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "rcmflow", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(promReg)

	// Templates.
	templates := definition.NewRegistry()
	candidates, err := loadTemplates(cfg.Templates)
	if err != nil {
		return err
	}
	rejected := templates.Load(candidates)
	for _, rerr := range rejected {
		logger.Error("template rejected", zap.Error(rerr))
	}
	metrics.RecordTemplatesRejected(len(rejected))
	metrics.SetTemplatesLoaded(templates.Len())
	logger.Info("templates loaded",
		zap.Int("loaded", templates.Len()),
		zap.Int("rejected", len(rejected)),
		zap.String("checksum", templates.Checksum()),
	)

	// Automation.
	agentRegistry := automation.NewRegistry()
	if err := agents.Build(cfg.Agents, agentRegistry); err != nil {
		return err
	}
	schemas, err := automation.CompileOutputSchemas(cfg.Agents.Endpoints)
	if err != nil {
		return err
	}
	dispatcher := automation.NewDispatcher(agentRegistry, cfg.Automation,
		automation.WithMetrics(metrics),
		automation.WithLogger(logger.Named("automation")),
		automation.WithOutputSchemas(schemas),
	)
	logger.Info("agents registered", zap.Strings("agents", dispatcher.Agents()))

	// Persistence.
	var pool *pgxpool.Pool
	if cfg.Store.Driver == config.DriverPostgres || cfg.Snapshots.Driver == config.DriverPostgres {
		pool, err = openPool(ctx, cfg.Store, logger)
		if err != nil {
			return err
		}
		cleanup.add(pool.Close)
	}

	readiness := observability.ReadinessChecks{
		TemplatesLoaded: func() bool { return templates.Len() > 0 },
	}

	var store workflow.StateStore
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg := workflow.NewPgStateStore(pool)
		readiness.StateStore = pg
		store = pg
	default:
		logger.Warn("using in-memory state store; instances are lost on restart")
		store = workflow.NewMemoryStateStore()
	}

	snapshots, err := buildSnapshots(cfg.Snapshots, pool, logger)
	if err != nil {
		return err
	}
	if pool != nil && cfg.Snapshots.Driver == config.DriverPostgres {
		readiness.SnapshotProvider = observability.CheckFunc(pool.Ping)
	}

	// Events.
	var sinks notify.Fanout
	if cfg.Events.Log {
		sinks = append(sinks, notify.NewLogSink(logger.Named("events")))
	}
	if cfg.Events.Redis.Enabled {
		client, err := openRedis(ctx, cfg.Events.Redis.AddrEnv, cfg.Events.Redis.DB)
		if err != nil {
			return fmt.Errorf("events: %w", err)
		}
		cleanup.add(func() { _ = client.Close() })
		rs := notify.NewRedisSink(client, cfg.Events.Redis.Channel)
		readiness.EventBus = rs
		sinks = append(sinks, rs)
	}
	var hub *notify.Hub
	if cfg.Events.WebSocket.Enabled {
		hub = notify.NewHub(cfg.Events.WebSocket.AllowedOrigins, cfg.Events.WebSocket.SendBuffer, logger.Named("hub"))
		cleanup.add(hub.Close)
		sinks = append(sinks, hub)
	}

	// Idempotency.
	var idem idempotency.Store
	if cfg.Idempotency.Enabled {
		switch cfg.Idempotency.Driver {
		case config.DriverRedis:
			client, err := openRedis(ctx, cfg.Idempotency.AddrEnv, cfg.Idempotency.DB)
			if err != nil {
				return fmt.Errorf("idempotency: %w", err)
			}
			cleanup.add(func() { _ = client.Close() })
			idem = idempotency.NewRedisStore(client)
			readiness.IdempotencyStore = observability.CheckFunc(func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			})
		default:
			idem = idempotency.NewMemoryStore()
		}
	}

	engine := workflow.NewEngine(templates, store, dispatcher,
		workflow.WithSnapshots(snapshots),
		workflow.WithSink(sinks),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithChainLimit(cfg.Automation.ChainLimit),
		workflow.WithDispatchLease(cfg.Automation.DispatchLease),
		workflow.WithEscalation(cfg.Escalation),
		workflow.WithAdminRoles(cfg.AdminRoles...),
	)

	authenticate, err := transport.NewAuthenticator(cfg.Identity)
	if err != nil {
		return err
	}

	deps := transport.Dependencies{
		Config:       cfg,
		Authenticate: authenticate,
		Engine:       engine,
		Templates:    templates,
		Idempotency:  idem,
		Metrics:      metrics,
		Readiness:    readiness,
	}
	if hub != nil {
		deps.Events = hub
	}
	if cfg.Observability.Metrics.Enabled {
		deps.Gatherer = promReg
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      transport.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("identity_mode", cfg.Identity.Mode),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// loadTemplates gathers the builtin templates and every template found in
// the configured directories. Validation happens when they are registered.
func loadTemplates(cfg config.TemplatesConfig) ([]model.WorkflowTemplate, error) {
	loader := definition.NewLoader()
	var files []model.TemplateFile

	if cfg.Builtin {
		builtin, err := loader.LoadFS(definition.Builtin())
		if err != nil {
			return nil, fmt.Errorf("builtin templates: %w", err)
		}
		files = append(files, builtin...)
	}
	if len(cfg.Directories) > 0 {
		extra, err := loader.LoadAll(cfg.Directories)
		if err != nil {
			return nil, fmt.Errorf("template directories: %w", err)
		}
		files = append(files, extra...)
	}
	return definition.Templates(files), nil
}

func openPool(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
	}

	if cfg.AutoMigrate {
		if err := workflow.MigrateUp(dsn); err != nil {
			return nil, err
		}
		logger.Info("database migrations applied")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

func buildSnapshots(cfg config.SnapshotsConfig, pool *pgxpool.Pool, logger *zap.Logger) (model.SnapshotProvider, error) {
	if cfg.Driver == config.DriverPostgres {
		return claims.NewPgProvider(pool), nil
	}

	provider := claims.NewMemoryProvider()
	if cfg.SeedFile != "" {
		n, err := provider.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		logger.Info("claim snapshots seeded", zap.Int("claims", n), zap.String("file", cfg.SeedFile))
	}
	return provider, nil
}

func openRedis(ctx context.Context, addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}
