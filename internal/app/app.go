package app

import (
	"context"
	"net/http"
	"time"

	"ci-replicator/internal/circuitbreaker"
	"ci-replicator/internal/common/cache"
	"ci-replicator/internal/common/errors"
	apihttp "ci-replicator/internal/common/http"
	"ci-replicator/internal/common/logging"
	localrate "ci-replicator/internal/common/ratelimit"
	"ci-replicator/internal/concourse"
	"ci-replicator/internal/config"
	"ci-replicator/internal/definition"
	"ci-replicator/internal/dispatch"
	"ci-replicator/internal/github"
	"ci-replicator/internal/handlers"
	"ci-replicator/internal/locks"
	"ci-replicator/internal/notify"
	"ci-replicator/internal/observability"
	"ci-replicator/internal/pipeline/traits"
	"ci-replicator/internal/ratelimit"
	"ci-replicator/internal/redis"
	"ci-replicator/internal/render"
	"ci-replicator/internal/replication"
)

// backendClientTTL bounds how long a logged-in backend client is reused
const backendClientTTL = 30 * time.Minute

// App holds all the application dependencies
type App struct {
	Config         *config.Config
	Store          *config.Store
	Logger         logging.Logger
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	RedisClient    *redis.Client
	Locks          locks.Manager
	Deliveries     cache.Cache
	Breakers       *circuitbreaker.Manager
	Backends       *concourse.ClientCache
	GitHub         *github.Clients
	Renderer       *render.Renderer
	Replicator     *replication.Replicator
	Pool           *dispatch.TaskPool
	Dispatcher     *dispatch.Dispatcher
	WebhookLimiter *ratelimit.Limiter
}

// New creates a new application instance with all dependencies
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "app"}),
	}

	if err := traits.Validate(); err != nil {
		return nil, err
	}

	metrics, handler, err := observability.NewMetrics(ctx)
	if err != nil {
		return nil, errors.InternalError("failed to initialize metrics", err)
	}
	app.Metrics, app.MetricsHandler = metrics, handler

	store, err := config.NewStore(cfg.CIConfigPath, logging.GetGlobalLogger())
	if err != nil {
		return nil, err
	}
	app.Store = store

	if err := app.initializeRedis(ctx); err != nil {
		// Redis is optional, just log the error
		app.Logger.Warn("Redis initialization failed, continuing without Redis",
			logging.Field{Key: "error", Value: err.Error()})
	}

	if err := app.initializeLocks(); err != nil {
		return nil, err
	}
	if err := app.initializeDeliveryCache(); err != nil {
		return nil, err
	}
	if err := app.initializeClients(); err != nil {
		return nil, err
	}
	if err := app.initializeReplication(); err != nil {
		return nil, err
	}
	app.initializeDispatch()

	limiter, err := app.initializeRateLimiter()
	if err != nil {
		return nil, err
	}
	app.WebhookLimiter = limiter

	return app, nil
}

func (app *App) initializeLocks() error {
	if app.RedisClient == nil {
		app.Locks = locks.NewLocalManager()
		return nil
	}
	manager, err := locks.NewRedsyncManager(app.RedisClient.GoRedis(), app.Logger)
	if err != nil {
		return err
	}
	app.Locks = manager
	app.Logger.Info("Distributed Locks: Enabled")
	return nil
}

func (app *App) initializeDeliveryCache() error {
	cfg := cache.DefaultConfig()
	cfg.TTL = handlers.DefaultDeliveryTTL
	if app.RedisClient != nil {
		cfg.Type = cache.TypeRedis
		cfg.RedisClient = app.RedisClient.GoRedis()
	}
	c, err := cache.New(cfg)
	if err != nil {
		return err
	}
	app.Deliveries = c
	return nil
}

func (app *App) initializeClients() error {
	cfg := app.Config
	app.Breakers = circuitbreaker.NewManager(app.Logger)

	backendLimiter, err := localrate.NewLocalLimiter(localrate.Config{
		RequestsPerSecond: cfg.BackendRequestsPerSecond,
		Enabled:           true,
	})
	if err != nil {
		return err
	}
	scmLimiter, err := localrate.NewLocalLimiter(localrate.Config{
		RequestsPerSecond: cfg.SCMRequestsPerSecond,
		Enabled:           true,
	})
	if err != nil {
		return err
	}

	httpClient := apihttp.NewHTTPClient(apihttp.DefaultClientConfig())
	logger := logging.GetGlobalLogger()

	app.Backends = concourse.NewClientCache(concourse.RESTFactory(concourse.ClientOptions{
		Breakers: app.Breakers,
		Limiter:  backendLimiter,
		HTTP:     httpClient,
		Logger:   logger,
	}), backendClientTTL)
	app.Store.OnReload(func(*config.CIConfig) { app.Backends.Invalidate() })

	app.GitHub = github.NewClients(app.Store, func(host config.GitHubHost) github.Client {
		return github.NewRESTClient(host, github.ClientOptions{
			Breakers: app.Breakers,
			Limiter:  scmLimiter,
			HTTP:     httpClient,
			Logger:   logger,
		})
	})
	return nil
}

func (app *App) initializeReplication() error {
	cfg := app.Config
	logger := logging.GetGlobalLogger()

	renderer, err := render.New(render.Options{
		TemplateDir:  cfg.TemplateDir,
		WebhookToken: cfg.ResourceWebhookToken,
		JobImage:     cfg.JobImage,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	app.Renderer = renderer

	keep, err := replication.NewKeepFilter(cfg.KeepPipelinesExpr, cfg.ReplicatorPipelineName)
	if err != nil {
		return errors.ConfigError("invalid KEEP_PIPELINES_EXPR: " + errors.Message(err))
	}

	notifier := notify.NewNotifier(notify.NewSender(cfg, logger), app.GitHub, logger)
	processor := replication.NewResultProcessor(app.Backends, app.Store, replication.ProcessorOptions{
		Keep:        keep,
		Notifier:    notifier,
		CheckPolicy: app.checkPolicy(),
		Metrics:     app.Metrics,
		Logger:      logger,
	})

	app.Replicator = replication.NewReplicator(renderer, replication.NewDeployer(app.Backends, app.Store, logger), processor,
		replication.Options{
			Workers: cfg.ReplicationWorkers,
			Locks:   app.Locks,
			Metrics: app.Metrics,
			Logger:  logger,
		})
	return nil
}

func (app *App) initializeDispatch() {
	cfg := app.Config
	logger := logging.GetGlobalLogger()

	app.Pool = dispatch.NewTaskPool(cfg.DispatchWorkers, cfg.DispatchQueueSize, app.Metrics, logger)

	finder := dispatch.NewResourceFinder(app.Store, app.Backends, logger)
	aborter := dispatch.NewBuildAbortEngine(app.Store, app.GitHub, app.Backends, app.repositoryEnumerator,
		cfg.AbortMaxBuilds, app.Metrics, logger)
	reconciler := dispatch.NewPRResourceReconciler(finder, app.GitHub, app.Store, dispatch.ReconcilePolicy{
		Retries:      cfg.PRReconcileRetries,
		InitialDelay: cfg.PRReconcileInitialDelay,
		Backoff:      cfg.PRReconcileBackoff,
	}, app.checkPolicy(), app.Metrics, logger)

	app.Dispatcher = dispatch.NewDispatcher(app.Store, app.Replicator, app.repositoryEnumerator, finder, aborter,
		reconciler, app.Pool, dispatch.Options{
			CheckPolicy: app.checkPolicy(),
			Metrics:     app.Metrics,
			Logger:      logger,
		})
}

func (app *App) checkPolicy() concourse.CheckRetryPolicy {
	return concourse.CheckRetryPolicy{
		Retries: app.Config.ResourceCheckRetries,
		Delay:   app.Config.ResourceCheckDelay,
	}
}

func (app *App) repositoryEnumerator(host, owner, name string) (definition.Enumerator, error) {
	e, err := definition.NewRepositoryEnumerator(app.Store, app.GitHub, logging.GetGlobalLogger(), host, owner, name)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ReplicateAll replicates every job mapping in the CI config
func (app *App) ReplicateAll(ctx context.Context) (*replication.Report, error) {
	e := definition.NewOrganisationEnumerator(app.Store, app.GitHub, logging.GetGlobalLogger()).
		WithWorkers(app.Config.EnumerationWorkers)
	return app.Replicator.Replicate(ctx, e, replication.FullScope())
}

// QueueReplication runs ReplicateAll on the task pool
func (app *App) QueueReplication() (string, error) {
	return app.Pool.Submit("replicate:all", func(ctx context.Context) error {
		report, err := app.ReplicateAll(ctx)
		if err != nil {
			return err
		}
		if !report.OK() {
			return errors.InternalError("failure notifications could not be delivered", nil)
		}
		return nil
	})
}

// Cleanup releases all resources
func (app *App) Cleanup() {
	if app.Locks != nil {
		app.Locks.Close()
	}
	if app.RedisClient != nil {
		app.RedisClient.Close()
	}
}
