package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/triage-ai/palisade/services/agent_engine/internal/api"
	"github.com/triage-ai/palisade/services/agent_engine/internal/approval"
	"github.com/triage-ai/palisade/services/agent_engine/internal/auth"
	"github.com/triage-ai/palisade/services/agent_engine/internal/autonomy"
	"github.com/triage-ai/palisade/services/agent_engine/internal/breaker"
	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
	"github.com/triage-ai/palisade/services/agent_engine/internal/confidence"
	"github.com/triage-ai/palisade/services/agent_engine/internal/deferred"
	"github.com/triage-ai/palisade/services/agent_engine/internal/engine"
	"github.com/triage-ai/palisade/services/agent_engine/internal/executor"
	"github.com/triage-ai/palisade/services/agent_engine/internal/idempotency"
	"github.com/triage-ai/palisade/services/agent_engine/internal/learning"
	"github.com/triage-ai/palisade/services/agent_engine/internal/owners"
	"github.com/triage-ai/palisade/services/agent_engine/internal/resilience"
	"github.com/triage-ai/palisade/services/agent_engine/internal/resultcache"
	"github.com/triage-ai/palisade/services/agent_engine/internal/scheduler"
	"github.com/triage-ai/palisade/services/agent_engine/internal/server"
	"github.com/triage-ai/palisade/services/agent_engine/internal/storage"
	"github.com/triage-ai/palisade/services/agent_engine/internal/store"
	"github.com/triage-ai/palisade/services/agent_engine/internal/workflow"
)

func main() {
	issueKey := flag.String("issue-key", "", "issue an API key for the given owner id, print it and exit (needs DATABASE_DSN)")
	flag.Parse()

	// Logger
	logger := mustBuildLogger(envOrDefault("AGENT_ENGINE_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("AGENT_ENGINE_HTTP_PORT", "8080")
	grpcPort := envOrDefault("AGENT_ENGINE_GRPC_PORT", "50060")
	catalogPath := os.Getenv("AGENT_ENGINE_CATALOG")
	policiesPath := os.Getenv("AGENT_ENGINE_POLICIES")
	workflowsPath := os.Getenv("AGENT_ENGINE_WORKFLOWS")
	tasksPath := os.Getenv("AGENT_ENGINE_TASKS")
	ownersPath := os.Getenv("AGENT_ENGINE_OWNERS")
	timezone := envOrDefault("AGENT_ENGINE_TIMEZONE", "Australia/Sydney")
	confidenceThreshold := envOrDefaultFloat("AGENT_ENGINE_CONFIDENCE_THRESHOLD", engine.DefaultConfidenceThreshold)
	graduationThreshold := envOrDefaultInt("AGENT_ENGINE_GRADUATION_THRESHOLD", autonomy.DefaultGraduationThreshold)
	approvalTTL := envOrDefaultInt("AGENT_ENGINE_APPROVAL_TTL_H", 48)
	schedulerWorkers := envOrDefaultInt("AGENT_ENGINE_SCHEDULER_WORKERS", scheduler.DefaultWorkers)
	deferredWorkers := envOrDefaultInt("AGENT_ENGINE_DEFERRED_WORKERS", 2)
	authCacheTTL := envOrDefaultInt("AGENT_ENGINE_AUTH_CACHE_TTL_S", 30)
	toolHost := os.Getenv("AGENT_ENGINE_TOOL_HOST")
	databaseDSN := os.Getenv("DATABASE_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	redisAddr := os.Getenv("REDIS_ADDR")
	rabbitURL := os.Getenv("RABBITMQ_URL")
	deferredKind := envOrDefault("AGENT_ENGINE_DEFERRED_QUEUE", "memory")
	eventsQueue := os.Getenv("AGENT_ENGINE_EVENTS_QUEUE")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SQL store: Postgres or MySQL if DSN provided, otherwise in-memory stores
	var st *store.Store
	if databaseDSN != "" {
		dialect, err := store.ParseDialect(envOrDefault("DATABASE_DRIVER", string(store.DialectPostgres)))
		if err != nil {
			logger.Fatal("invalid DATABASE_DRIVER", zap.Error(err))
		}
		db, err := store.Open(ctx, dialect, databaseDSN)
		if err != nil {
			logger.Fatal("failed to open database", zap.String("driver", string(dialect)), zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		st = store.NewStore(db, dialect)
		if err := st.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate database", zap.Error(err))
		}
		logger.Info("sql store connected", zap.String("driver", string(dialect)))
	} else {
		logger.Info("no DATABASE_DSN set, using in-memory stores")
	}

	if *issueKey != "" {
		if err := issueAPIKey(ctx, st, *issueKey); err != nil {
			logger.Fatal("failed to issue api key", zap.Error(err))
		}
		return
	}

	// Static definitions
	cat, err := loadCatalog(ctx, catalogPath, st)
	if err != nil {
		logger.Fatal("failed to load tool catalog", zap.Error(err))
	}
	known := func(name string) bool {
		_, err := cat.Lookup(name)
		return err == nil
	}

	policies, err := resilience.NewStore()
	if policiesPath != "" {
		policies, err = resilience.Load(policiesPath)
	}
	if err != nil {
		logger.Fatal("failed to load resilience policies", zap.Error(err))
	}
	if err := cat.CheckPolicies(policies.Has); err != nil {
		logger.Fatal("tool catalog references unknown policy", zap.Error(err))
	}

	defs, err := workflow.NewDefinitions()
	if workflowsPath != "" {
		defs, err = workflow.Load(workflowsPath)
	}
	if err != nil {
		logger.Fatal("failed to load workflow definitions", zap.Error(err))
	}
	if err := defs.CheckTools(known); err != nil {
		logger.Fatal("workflow references unknown tool", zap.Error(err))
	}

	tasks, err := scheduler.NewTasks()
	if tasksPath != "" {
		tasks, err = scheduler.Load(tasksPath)
	}
	if err != nil {
		logger.Fatal("failed to load background tasks", zap.Error(err))
	}
	if err := tasks.CheckTools(known); err != nil {
		logger.Fatal("background task references unknown tool", zap.Error(err))
	}

	var seed []*owners.Owner
	if ownersPath != "" {
		seed, err = owners.Load(ownersPath)
		if err != nil {
			logger.Fatal("failed to load owners", zap.Error(err))
		}
	}

	logger.Info("definitions loaded",
		zap.Int("tools", cat.Len()),
		zap.Int("policies", len(policies.Names())),
		zap.Int("workflows", len(defs.Names())),
		zap.Int("tasks", len(tasks.All())),
		zap.Int("owners", len(seed)),
	)

	// Persistence
	var (
		directory   owners.Directory
		stats       learning.Store
		approvals   approval.Store
		checkpoints workflow.Store
	)
	if st != nil {
		sqlOwners := st.Owners()
		for _, o := range seed {
			if err := sqlOwners.Put(ctx, o); err != nil {
				logger.Fatal("failed to seed owner", zap.String("owner_id", o.ID), zap.Error(err))
			}
		}
		directory = sqlOwners
		stats = st.Learning()
		approvals = st.Approvals()
		checkpoints = st.Checkpoints()
	} else {
		directory = owners.NewMemoryDirectory(seed...)
		stats = learning.NewMemoryStore()
	}

	// Audit log: ClickHouse or LogWriter + in-memory reader fallback
	var (
		writer storage.EventWriter
		reader storage.Reader
	)
	if clickhouseDSN != "" {
		conn, err := storage.OpenClickHouse(clickhouseDSN)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
		} else {
			writer = storage.NewClickHouseWriter(conn, logger)
			reader = storage.NewClickHouseReader(conn)
			logger.Info("clickhouse writer connected")
		}
	} else {
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	if writer == nil {
		recent := storage.NewMemoryLog(0)
		writer = storage.Tee{storage.NewLogWriter(logger), recent}
		reader = recent
	}
	defer writer.Close()

	// Idempotency records: Redis if configured, otherwise in-process
	var (
		idem      idempotency.Store
		idemSweep func() int
	)
	if redisAddr != "" {
		rs, err := idempotency.NewRedisStore(idempotency.RedisStoreConfig{
			Address:  redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
			Prefix:   "agent_engine:idem:",
		})
		if err != nil {
			logger.Fatal("failed to connect redis idempotency store", zap.Error(err))
		}
		defer func() { _ = rs.Close() }()
		idem = rs
		logger.Info("redis idempotency store connected")
	} else {
		ms := idempotency.NewMemoryStore(time.Now)
		idem = ms
		idemSweep = ms.Sweep
	}

	// Deferred-retry queue
	queue, err := buildDeferredQueue(deferredKind, redisAddr, rabbitURL, logger)
	if err != nil {
		logger.Fatal("failed to build deferred queue", zap.String("kind", deferredKind), zap.Error(err))
	}
	defer func() { _ = queue.Close() }()

	// Tool handlers
	handlers := executor.NewHandlers()
	if toolHost != "" {
		remote, err := executor.NewRemoteHandlerClient(toolHost, logger)
		if err != nil {
			logger.Fatal("failed to configure tool host", zap.Error(err))
		}
		defer func() { _ = remote.Close() }()
		h := remote.Handler()
		for _, def := range cat.Tools() {
			handlers.Register(def.Name, h)
		}
	} else {
		logger.Warn("no AGENT_ENGINE_TOOL_HOST set, tool calls will fail with no handler")
	}

	// Pipeline
	breakers := breaker.NewRegistry(breaker.RegistryConfig{Logger: logger})
	cache := resultcache.New(0, nil)
	exec := executor.New(executor.Config{
		Catalog:     cat,
		Policies:    policies,
		Handlers:    handlers,
		Breakers:    breakers,
		Idempotency: idem,
		Cache:       cache,
		Deferred:    queue,
		Logger:      logger,
	})
	eng := engine.New(engine.Config{
		Catalog: cat,
		Owners:  directory,
		Gate: autonomy.NewGate(autonomy.GateConfig{
			Stats:               stats,
			GraduationThreshold: graduationThreshold,
			Logger:              logger,
		}),
		Calibrator:          confidence.NewCalibrator(confidence.Config{Signals: stats, Logger: logger}),
		Executor:            exec,
		Approvals:           approvals,
		Learning:            stats,
		Events:              writer,
		Workflows:           defs,
		WorkflowStore:       checkpoints,
		ConfidenceThreshold: confidenceThreshold,
		ApprovalTTL:         time.Duration(approvalTTL) * time.Hour,
		Logger:              logger,
	})

	// Background tasks
	sched := scheduler.New(scheduler.Config{
		Tasks:   tasks,
		Submit:  eng,
		Owners:  directory,
		Workers: schedulerWorkers,
		Logger:  logger,
	})
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		logger.Fatal("invalid AGENT_ENGINE_TIMEZONE", zap.String("timezone", timezone), zap.Error(err))
	}
	cronDriver, err := scheduler.NewCronDriver(sched, loc, logger)
	if err != nil {
		logger.Fatal("failed to schedule cron tasks", zap.Error(err))
	}
	if err := cronDriver.Every("@every 1m", "resume_due_workflows", func(ctx context.Context) error {
		resumed, err := eng.ResumeDue(ctx)
		if len(resumed) > 0 {
			logger.Info("resumed due workflows", zap.Int("count", len(resumed)))
		}
		return err
	}); err != nil {
		logger.Fatal("failed to schedule workflow resumption", zap.Error(err))
	}
	if err := cronDriver.Every("@every 5m", "sweep_caches", func(context.Context) error {
		swept := cache.Sweep()
		if idemSweep != nil {
			swept += idemSweep()
		}
		logger.Debug("swept expired entries", zap.Int("count", swept))
		return nil
	}); err != nil {
		logger.Fatal("failed to schedule cache sweep", zap.Error(err))
	}

	var events *scheduler.EventConsumer
	if rabbitURL != "" && eventsQueue != "" {
		events, err = scheduler.NewEventConsumer(rabbitURL, eventsQueue, logger)
		if err != nil {
			logger.Fatal("failed to connect event consumer", zap.Error(err))
		}
		defer func() { _ = events.Close() }()
		logger.Info("rabbitmq event consumer connected", zap.String("queue", eventsQueue))
	}

	// Authentication: owner API keys in SQL, otherwise static development keys
	var authenticator auth.Authenticator
	if st != nil {
		authenticator = auth.NewSQLAuthenticator(auth.SQLAuthConfig{
			DB:       st.DB(),
			Driver:   string(st.Dialect()),
			CacheTTL: time.Duration(authCacheTTL) * time.Second,
			Logger:   logger,
		})
		logger.Info("sql authenticator connected")
	} else {
		keys, err := auth.ParseStaticKeys(os.Getenv("AGENT_ENGINE_STATIC_KEYS"))
		if err != nil {
			logger.Fatal("invalid AGENT_ENGINE_STATIC_KEYS", zap.Error(err))
		}
		authenticator = auth.NewStaticAuthenticator(keys)
		logger.Info("using static authenticator (no DATABASE_DSN)", zap.Int("keys", len(keys)))
	}

	// HTTP server
	httpServer := &http.Server{
		Addr: ":" + httpPort,
		Handler: api.NewRouter(&api.Dependencies{
			Engine:    eng,
			Auth:      authenticator,
			Breakers:  breakers,
			Scheduler: sched,
			Events:    reader,
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
	server.RegisterAgentEngineServer(grpcServer, server.NewAgentEngineServer(eng, authenticator, logger))

	// Register health service for ECS health checks
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", grpcPort), zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return cronDriver.Run(gctx)
	})
	g.Go(func() error {
		return queue.Consume(gctx, deferredWorkers, eng.HandleDeferred)
	})
	if events != nil {
		g.Go(func() error {
			return events.Run(gctx, func(ctx context.Context, trig scheduler.Trigger) error {
				if _, err := eng.DeliverEvent(ctx, trig.Name, trig.Payload); err != nil {
					return err
				}
				_, err := sched.Fire(ctx, trig)
				return err
			})
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", zap.Error(err))
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("agent engine server failed", zap.Error(err))
	}
}

func loadCatalog(ctx context.Context, path string, st *store.Store) (*catalog.Catalog, error) {
	switch {
	case path != "":
		return catalog.Load(path)
	case st != nil:
		return catalog.LoadFromDB(ctx, st.DB())
	}
	return nil, errors.New("AGENT_ENGINE_CATALOG or DATABASE_DSN is required")
}

func buildDeferredQueue(kind, redisAddr, rabbitURL string, logger *zap.Logger) (deferred.Queue, error) {
	switch kind {
	case "memory":
		return deferred.NewMemoryQueue(1000, logger), nil
	case "redis":
		if redisAddr == "" {
			return nil, errors.New("REDIS_ADDR is required for the redis queue")
		}
		return deferred.NewRedisQueue(deferred.RedisQueueConfig{
			Address:  redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
			Queue:    "agent_engine:deferred",
			Logger:   logger,
		})
	case "rabbitmq":
		if rabbitURL == "" {
			return nil, errors.New("RABBITMQ_URL is required for the rabbitmq queue")
		}
		return deferred.NewRabbitMQQueue(deferred.RabbitMQConfig{
			URL:    rabbitURL,
			Queue:  "agent_engine.deferred",
			Logger: logger,
		})
	}
	return nil, fmt.Errorf("unknown deferred queue %q", kind)
}

// issueAPIKey creates an API key for an existing owner and prints it once.
func issueAPIKey(ctx context.Context, st *store.Store, ownerID string) error {
	if st == nil {
		return errors.New("DATABASE_DSN is required to issue keys")
	}
	dir := st.Owners()
	if _, err := dir.Get(ctx, ownerID); err != nil {
		return fmt.Errorf("owner %s: %w", ownerID, err)
	}
	key, hash, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	if err := dir.AddAPIKey(ctx, ownerID, prefix, hash); err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
