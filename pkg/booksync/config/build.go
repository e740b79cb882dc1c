package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/tendant/chi-demo/middleware"

	"github.com/tendant/booksync/pkg/booksync"
	"github.com/tendant/booksync/pkg/booksync/api"
	"github.com/tendant/booksync/pkg/booksync/cache"
	"github.com/tendant/booksync/pkg/booksync/events"
	"github.com/tendant/booksync/pkg/booksync/kv"
	kvmemory "github.com/tendant/booksync/pkg/booksync/kv/memory"
	"github.com/tendant/booksync/pkg/booksync/kv/rediskv"
	"github.com/tendant/booksync/pkg/booksync/repo/dynamo"
	"github.com/tendant/booksync/pkg/booksync/repo/memory"
	"github.com/tendant/booksync/pkg/booksync/repo/postgres"
	memorystorage "github.com/tendant/booksync/pkg/booksync/storage/memory"
	s3storage "github.com/tendant/booksync/pkg/booksync/storage/s3"
)

// App holds the assembled components.
type App struct {
	Service    booksync.Service
	Reconciler *booksync.Reconciler
	Scheduler  *booksync.Scheduler
	Publisher  *events.Publisher
	Subscriber *events.Subscriber
	Cache      *cache.Service

	config  *Config
	logger  *slog.Logger
	pool    *pgxpool.Pool
	redis   []*redis.Client
	closers []func()
}

// Build connects every backend named by the configuration and wires the service.
// Close releases what Build opened, also after a failed Build.
func (c *Config) Build(ctx context.Context, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{config: c, logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	store, source, err := app.buildKV(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build kv store: %w", err)
	}
	authoritative, audit, err := app.buildAuthoritative(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build authoritative store: %w", err)
	}
	secondary, err := app.buildSecondary(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build secondary store: %w", err)
	}
	reports, err := app.buildReports(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build report store: %w", err)
	}

	app.Cache = cache.New(store,
		cache.WithDefaultTTL(c.Cache.DefaultTTL),
		cache.WithPrefix(c.Cache.Prefix),
		cache.WithLogger(logger.With("component", "cache")),
	)
	app.Publisher = events.NewPublisher(store,
		events.WithQueueSize(c.Events.QueueSize),
		events.WithPublishTimeout(c.Events.PublishTimeout),
		events.WithPublisherLogger(logger.With("component", "publisher")),
	)
	app.Subscriber = events.NewSubscriber(app.Cache, source, logger)

	app.Service, err = booksync.New(
		booksync.WithAuthoritativeStore(authoritative),
		booksync.WithSecondaryStore(secondary),
		booksync.WithAuditLog(audit),
		booksync.WithEventPublisher(app.Publisher),
		booksync.WithCache(app.Cache),
		booksync.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build service: %w", err)
	}

	app.Reconciler, err = booksync.NewReconciler(authoritative, secondary, audit,
		booksync.WithReconcilerEvents(app.Publisher),
		booksync.WithReportStore(reports),
		booksync.WithReconcilerLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build reconciler: %w", err)
	}
	app.Scheduler = booksync.NewScheduler(app.Reconciler, c.Sync.Interval, c.Sync.RunOnStart, logger)

	return app, nil
}

func (a *App) buildKV(ctx context.Context) (kv.Store, kv.Subscriber, error) {
	if a.config.Redis.URL == "memory" {
		m := kvmemory.New()
		return m, m, nil
	}

	// subscribed connections cannot issue commands, so pub/sub gets its own client
	cmd, err := rediskv.Connect(ctx, a.config.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	a.redis = append(a.redis, cmd)
	a.closers = append(a.closers, func() { cmd.Close() })

	sub, err := rediskv.Connect(ctx, a.config.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, func() { sub.Close() })

	return rediskv.New(cmd), rediskv.NewSubscriber(sub), nil
}

func (a *App) buildAuthoritative(ctx context.Context) (booksync.AuthoritativeStore, booksync.AuditLog, error) {
	db := a.config.Database
	if !db.IsPostgres() {
		return memory.NewBookStore(), memory.NewAuditLog(), nil
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		URL:      db.URL,
		Schema:   db.Schema,
		MaxConns: db.MaxConns,
	})
	if err != nil {
		return nil, nil, err
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)

	if db.Migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			return nil, nil, err
		}
	}
	repo := postgres.NewWithPool(pool)
	return repo, repo, nil
}

func (a *App) buildSecondary(ctx context.Context) (booksync.SecondaryStore, error) {
	d := a.config.Dynamo
	if d.Backend != "dynamodb" {
		return memory.NewBookStore(), nil
	}
	return dynamo.Connect(ctx, dynamo.Config{
		Region:          d.Region,
		Table:           d.Table,
		AccessKeyID:     d.AccessKeyID,
		SecretAccessKey: d.SecretAccessKey,
		Endpoint:        d.Endpoint,
		CreateTable:     d.CreateTable,
	}, a.logger)
}

func (a *App) buildReports(ctx context.Context) (booksync.ReportStore, error) {
	target, err := a.config.Reports.Parse()
	if err != nil {
		return nil, err
	}
	switch target.Type {
	case "none":
		return booksync.NoopReportStore{}, nil
	case "s3":
		region := target.Region
		if region == "" {
			region = a.config.Dynamo.Region
		}
		return s3storage.New(ctx, s3storage.Config{
			Region:                 region,
			Bucket:                 target.Bucket,
			Prefix:                 target.Prefix,
			AccessKeyID:            a.config.Dynamo.AccessKeyID,
			SecretAccessKey:        a.config.Dynamo.SecretAccessKey,
			Endpoint:               target.Endpoint,
			UsePathStyle:           target.PathStyle,
			CreateBucketIfNotExist: target.Create,
		})
	}
	return memorystorage.New(), nil
}

// Ready pings the network backends.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	for _, c := range a.redis {
		if err := c.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Router builds the HTTP handler. Admin routes are mounted only when an API key is configured.
func (a *App) Router() (http.Handler, error) {
	cfg := api.RouterConfig{
		Service: a.Service,
		Cache:   a.Cache,
		Ready:   a.Ready,
		Logger:  a.logger,
	}
	if key := a.config.Auth.APIKeySHA256; key != "" {
		auth, err := middleware.ApiKeyMiddleware(middleware.ApiKeyConfig{
			APIKeys: map[string]string{"admin": key},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize API key middleware: %w", err)
		}
		cfg.Syncer = a.Scheduler
		cfg.AdminAuth = auth
	}
	return api.NewRouter(cfg), nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
