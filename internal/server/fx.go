// Package server builds the surfer's dependencies from configuration and runs
// a session.
package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/curious-surfer/internal/api"
	"github.com/JakeFAU/curious-surfer/internal/chunking"
	"github.com/JakeFAU/curious-surfer/internal/clock/system"
	"github.com/JakeFAU/curious-surfer/internal/config"
	"github.com/JakeFAU/curious-surfer/internal/coordinator"
	"github.com/JakeFAU/curious-surfer/internal/crawler"
	"github.com/JakeFAU/curious-surfer/internal/evaluator"
	"github.com/JakeFAU/curious-surfer/internal/fetcher"
	"github.com/JakeFAU/curious-surfer/internal/fetcher/clutter"
	collyfetcher "github.com/JakeFAU/curious-surfer/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/curious-surfer/internal/fetcher/headless"
	"github.com/JakeFAU/curious-surfer/internal/headless/detector"
	"github.com/JakeFAU/curious-surfer/internal/id/uuid"
	"github.com/JakeFAU/curious-surfer/internal/llm"
	"github.com/JakeFAU/curious-surfer/internal/llm/gemini"
	"github.com/JakeFAU/curious-surfer/internal/llm/openai"
	"github.com/JakeFAU/curious-surfer/internal/logging"
	"github.com/JakeFAU/curious-surfer/internal/memory"
	"github.com/JakeFAU/curious-surfer/internal/metrics"
	"github.com/JakeFAU/curious-surfer/internal/navigator"
	"github.com/JakeFAU/curious-surfer/internal/policy/ratelimit"
	"github.com/JakeFAU/curious-surfer/internal/policy/simple"
	"github.com/JakeFAU/curious-surfer/internal/progress"
	progresssinks "github.com/JakeFAU/curious-surfer/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/curious-surfer/internal/publisher/pubsub"
	"github.com/JakeFAU/curious-surfer/internal/results"
	"github.com/JakeFAU/curious-surfer/internal/scheduler"
	gcsstorage "github.com/JakeFAU/curious-surfer/internal/storage/gcs"
	localstorage "github.com/JakeFAU/curious-surfer/internal/storage/local"
	memorystorage "github.com/JakeFAU/curious-surfer/internal/storage/memory"
	pgstore "github.com/JakeFAU/curious-surfer/internal/storage/postgres"
	"github.com/JakeFAU/curious-surfer/internal/tokens"
	"github.com/JakeFAU/curious-surfer/internal/usage"
)

// ErrMissingAPIKey is returned when the configured key variable is empty.
var ErrMissingAPIKey = errors.New("llm api key not set")

// App contains the session's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	memory      *memory.Store
	usage       *usage.Tracker
	scheduler   *scheduler.Scheduler
	results     *results.Collector
	coordinator *coordinator.Coordinator
	apiServer   *api.Server
	progressHub *progress.Hub

	headless  *headlessfetcher.Fetcher
	jobMirror *pgstore.JobMirror
	storage   *storage.Client
	publisher *gcppublisher.Publisher
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	llmClient  llm.Client
}

// WithLogger skips logger construction from cfg.Logging.
func WithLogger(l *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithRegisterer sets where the progress metrics are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// WithLLMClient replaces the provider client selected by cfg.LLM.Provider.
func WithLLMClient(c llm.Client) Option {
	return func(o *buildOptions) { o.llmClient = c }
}

// Build creates the application's dependencies. Resources acquired before a
// failure are released.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	o := buildOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		if logger, err = logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level}); err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}

	app := &App{cfg: cfg, logger: logger, usage: usage.NewTracker()}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()
	app.logger.Info("building application dependencies",
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("memory_file", cfg.Memory.File),
	)
	metrics.Init()

	if err = setupMemory(ctx, app); err != nil {
		return nil, err
	}

	client := o.llmClient
	if client == nil {
		if client, err = setupLLMClient(ctx, cfg.LLM); err != nil {
			return nil, err
		}
	}
	engine := setupChunking(app, client)

	pages, err := setupFetcher(app)
	if err != nil {
		return nil, err
	}

	app.scheduler = scheduler.New(schedulerConfig(cfg.Scheduler), app.memory,
		scheduler.WithLogger(logger),
		scheduler.WithRand(seededRand(cfg.Scheduler.Seed)),
	)

	nav := navigator.New(engine, pages, app.memory, navigator.Config{
		Model:         cfg.LLM.Models.Fast,
		ContextBudget: cfg.LLM.ContextBudget,
	},
		navigator.WithPrompt(cfg.Prompt(navigator.PromptName, "")),
		navigator.WithLogger(logger),
	)

	eval := evaluator.New(engine, pages, evaluator.Config{
		FastModel:          cfg.LLM.Models.Fast,
		AdvancedModel:      cfg.LLM.Models.Advanced,
		ContextBudget:      cfg.LLM.ContextBudget,
		RelevanceThreshold: cfg.Evaluation.RelevanceThreshold,
		MaxURLDuplicates:   cfg.Evaluation.MaxURLDuplicates,
		FanoutParallelism:  cfg.Evaluation.FanoutParallelism,
		MaxPortalDepth:     cfg.Evaluation.MaxPortalDepth,
	},
		evaluator.WithPrompts(evaluator.ResolvePrompts(cfg.Prompt, cfg.DomainTerms)),
		evaluator.WithQuota(app.scheduler),
		evaluator.WithLogger(logger),
	)

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	app.results = results.NewCollector(blobStore, results.WithLogger(logger))

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	emitter, err := setupProgress(ctx, app, publisher, o.registerer)
	if err != nil {
		return nil, err
	}

	app.coordinator = coordinator.New(app.scheduler, nav, eval, app.memory, app.results,
		coordinator.WithUsage(app.usage),
		coordinator.WithEmitter(emitter),
		coordinator.WithIDGenerator(uuid.New()),
		coordinator.WithClock(system.New()),
		coordinator.WithLogger(logger),
	)

	if cfg.Server.Enabled {
		app.apiServer = api.NewServer(api.Sources{
			Results: app.results,
			Usage:   app.usage,
			Session: app.scheduler,
			Memory:  app.memory,
		}, api.WithLogger(logger))
	}
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Run executes one session over sites and blocks until it finishes or ctx is
// done. The status server, when enabled, is stopped before Run returns.
func (a *App) Run(ctx context.Context, sites []string) (coordinator.Summary, error) {
	srvCtx, stopServer := context.WithCancel(ctx)
	srvDone := make(chan struct{})
	if a.apiServer != nil {
		go func() {
			defer close(srvDone)
			addr := ":" + strconv.Itoa(a.cfg.Server.Port)
			if err := a.apiServer.Run(srvCtx, addr); err != nil {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	} else {
		close(srvDone)
	}

	summary, err := a.coordinator.Run(ctx, sites)
	stopServer()
	<-srvDone
	return summary, err
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.jobMirror != nil {
		a.jobMirror.Close()
	}
	if a.headless != nil {
		a.headless.Close()
	}
}

func setupMemory(ctx context.Context, app *App) error {
	opts := []memory.Option{
		memory.WithSmoothing(app.cfg.Memory.SuccessSmoothing),
		memory.WithLogger(app.logger),
	}
	if app.cfg.DB.DSN != "" {
		var err error
		app.jobMirror, err = pgstore.NewJobMirror(ctx, pgstore.JobMirrorConfig{
			DSN:      app.cfg.DB.DSN,
			Table:    app.cfg.DB.Table,
			MaxConns: app.cfg.DB.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("job mirror init failed: %w", err)
		}
		opts = append(opts, memory.WithMirror(app.jobMirror))
		app.logger.Info("postgres job mirror enabled", zap.String("table", app.cfg.DB.Table))
	}
	store, err := memory.Open(app.cfg.Memory.File, opts...)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}
	app.memory = store
	return nil
}

func setupLLMClient(ctx context.Context, cfg config.LLMConfig) (llm.Client, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingAPIKey, cfg.APIKeyEnv)
	}
	switch cfg.Provider {
	case "gemini":
		c, err := gemini.New(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("gemini client init failed: %w", err)
		}
		return c, nil
	default:
		c, err := openai.New(openai.Options{BaseURL: cfg.BaseURL, APIKey: key})
		if err != nil {
			return nil, fmt.Errorf("openai client init failed: %w", err)
		}
		return c, nil
	}
}

func setupChunking(app *App, client llm.Client) *chunking.Engine {
	cfg := app.cfg
	gateway := llm.NewGateway(client, llm.GatewayConfig{
		Timeout:           cfg.LLM.CallTimeout(),
		ModelTimeouts:     map[string]time.Duration{cfg.LLM.Models.Fast: cfg.LLM.FastCallTimeout()},
		MaxAttempts:       cfg.LLM.MaxAttempts,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		Breaker: llm.BreakerConfig{
			Enabled:      cfg.LLM.Breaker.Enabled,
			FailureRatio: cfg.LLM.Breaker.FailureRatio,
			MinRequests:  cfg.LLM.Breaker.MinRequests,
			OpenTimeout:  time.Duration(cfg.LLM.Breaker.OpenSeconds) * time.Second,
		},
	},
		llm.WithTracker(app.usage),
		llm.WithLogger(app.logger),
	)
	acc := tokens.ForProfile(cfg.LLM.Tokenizer, app.logger)
	app.logger.Info("llm gateway ready",
		zap.String("tokenizer", acc.Profile()),
		zap.Int("context_budget", cfg.LLM.ContextBudget),
		zap.Int("max_attempts", cfg.LLM.MaxAttempts),
	)
	return chunking.New(gateway, acc,
		chunking.WithSafetyBuffer(cfg.Chunking.SafetyBuffer),
		chunking.WithMaxDepth(cfg.Chunking.MaxDepth),
		chunking.WithMaxChunkRetries(cfg.Chunking.MaxChunkRetries),
		chunking.WithLogger(app.logger),
	)
}

func setupFetcher(app *App) (*fetcher.PageFetcher, error) {
	cfg := app.cfg.Fetcher
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.UserAgent,
		RespectRobots: cfg.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		Retry:         crawler.NewExponentialRetryPolicy(crawler.RetryConfig{MaxAttempts: cfg.MaxRetries}),
	}, collyfetcher.WithLogger(app.logger))
	app.logger.Info("using colly fetcher", zap.String("user_agent", cfg.UserAgent), zap.Bool("respect_robots", cfg.RespectRobots))

	opts := []fetcher.Option{
		fetcher.WithRateLimiter(ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RequestsPerSecond,
			DefaultBurst: cfg.Burst,
		})),
		fetcher.WithPolicy(simple.New(simple.Config{
			BlockedDomains:       cfg.BlockedDomains,
			MaxHeadlessPerDomain: cfg.Headless.MaxPerDomain,
		})),
		fetcher.WithClutterChecker(clutter.New(clutter.Config{
			MinWords:       cfg.MinWords,
			MaxLinkDensity: cfg.MaxLinkDensity,
		})),
		fetcher.WithLogger(app.logger),
	}

	if cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			SettleDelay:       time.Duration(cfg.Headless.SettleMillis) * time.Millisecond,
		}, headlessfetcher.WithLogger(app.logger))
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.headless = hf
		opts = append(opts, fetcher.WithHeadless(hf, detector.NewHeuristic(cfg.Headless.PromotionThresh)))
		app.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	}
	return fetcher.New(static, opts...), nil
}

// setupStorage selects where result artifacts go: a bucket wins over a
// directory, and neither keeps them in memory.
func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	cfg := app.cfg.Results
	switch {
	case cfg.GCSBucket != "":
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(app.storage, gcsstorage.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS results backend", zap.String("bucket", cfg.GCSBucket))
		return store, nil
	case cfg.Dir != "":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local results backend", zap.String("dir", cfg.Dir))
		return store, nil
	default:
		app.logger.Info("using in-memory results backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	cfg := app.cfg.PubSub
	if cfg.TopicName == "" || cfg.ProjectID == "" {
		app.logger.Debug("no Pub/Sub topic configured, job notifications disabled")
		return nil, nil
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	var err error
	app.publisher, err = gcppublisher.New(ctx, cfg.ProjectID, cfg.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.TopicName),
	)
	return app.publisher, nil
}

func setupProgress(
	ctx context.Context,
	app *App,
	publisher crawler.Publisher,
	reg prometheus.Registerer,
) (progress.Emitter, error) {
	sinkList := []progress.Sink{progresssinks.NewLogSink(app.logger)}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPublishSink(publisher, app.cfg.PubSub.TopicName, app.logger))
	}
	app.progressHub = progress.NewHub(progress.Config{}, sinkList,
		progress.WithBaseContext(context.WithoutCancel(ctx)),
		progress.WithLogger(app.logger),
	)
	app.logger.Debug("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return app.progressHub, nil
}

// seededRand returns a deterministic source for a non-zero seed.
func seededRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed)) //nolint:gosec // site selection, not security
}

func schedulerConfig(c config.SchedulerConfig) scheduler.Config {
	return scheduler.Config{
		ExplorationRate:       c.ExplorationRate,
		SatisfactionThreshold: c.SatisfactionThreshold,
		MaxVisits:             c.MaxVisits,
		MaxJobsPerSite:        c.MaxJobsPerSite,
		MaxTotalJobsExplored:  c.MaxTotalJobsExplored,
	}
}
