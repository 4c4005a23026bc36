// Package app 按配置装配存储、计数器、外发构造器、投递器与路由器，
// 供 receive 与 server 两个进程共用。
package app

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"aliasrelay/backend/internal/auth/jwt"
	"aliasrelay/backend/internal/config"
	"aliasrelay/backend/internal/dispatch"
	"aliasrelay/backend/internal/health"
	"aliasrelay/backend/internal/keyring"
	"aliasrelay/backend/internal/monitoring"
	"aliasrelay/backend/internal/notify"
	"aliasrelay/backend/internal/outbound"
	"aliasrelay/backend/internal/pool"
	"aliasrelay/backend/internal/router"
	"aliasrelay/backend/internal/service"
	"aliasrelay/backend/internal/storage"
	"aliasrelay/backend/internal/storage/memory"
	"aliasrelay/backend/internal/storage/postgres"
	redisstore "aliasrelay/backend/internal/storage/redis"
)

const (
	notifyWorkers   = 2
	notifyQueueSize = 32
)

// App 装配完成的应用组件
type App struct {
	Config     *config.Config
	Log        *zap.Logger
	Store      storage.Store
	Redis      *redisstore.Client // 未启用 Redis 时为 nil
	Metrics    *monitoring.Metrics
	Links      *jwt.Manager
	Aliases    *service.AliasRegistry
	Dispatcher dispatch.Dispatcher
	Notifier   *notify.Service
	Router     *router.Router

	pool   *pool.WorkerPool
	cancel context.CancelFunc
}

// New 并发建立数据库与 Redis 连接后装配全部组件
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}

	store, rdb, err := connect(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Log: log, Store: store, Redis: rdb, Metrics: monitoring.NewMetrics()}
	if err := a.wire(ctx); err != nil {
		a.closeStores()
		return nil, err
	}
	return a, nil
}

// connect 并发打开存储与 Redis，任一失败时关闭已打开的连接
func connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, *redisstore.Client, error) {
	var (
		store storage.Store
		rdb   *redisstore.Client
	)

	group, _ := errgroup.WithContext(ctx)
	group.Go(func() error {
		if cfg.Database.Type == "" {
			log.Info("using memory storage (development mode)")
			store = memory.NewStore()
			return nil
		}
		pg, err := postgres.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
		store = pg
		return nil
	})
	group.Go(func() error {
		if !cfg.Redis.Enabled {
			return nil
		}
		client, err := redisstore.New(cfg.Redis, log)
		if err != nil {
			return err
		}
		rdb = client
		return nil
	})

	if err := group.Wait(); err != nil {
		if store != nil {
			store.Close()
		}
		if rdb != nil {
			rdb.Close()
		}
		return nil, nil, err
	}
	return store, rdb, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config

	links, err := jwt.NewManager(cfg.App.Key, cfg.App.URL, 0)
	if err != nil {
		return fmt.Errorf("init link signer: %w", err)
	}
	a.Links = links

	var counters interface {
		storage.CounterStore
		storage.MarkerStore
	}
	var rawRedis *goredis.Client
	if a.Redis != nil {
		counters = a.Redis
		rawRedis = a.Redis.Client()
	} else {
		a.Log.Warn("redis disabled, rate limits are tracked per process")
		counters = memory.NewCounters()
	}

	d, err := dispatch.New(ctx, cfg.Dispatch, rawRedis, a.Log)
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}
	a.Dispatcher = d

	workerCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.pool = pool.NewWorkerPool(notifyWorkers, notifyQueueSize, a.Log)
	a.pool.Start(workerCtx)
	a.Notifier = notify.NewService(d, a.pool, cfg.Mail, a.Log)

	domains := service.NewDomains(cfg.Mail)
	builderOpts := outbound.Options{
		Mail:         cfg.Mail,
		Domains:      domains,
		Links:        links,
		DKIMSelector: cfg.DKIM.Selector,
		Logger:       a.Log,
	}
	var keyRemover service.KeyRemover
	if cfg.PGP.Enabled {
		keys, err := keyring.Open(cfg.PGP)
		if err != nil {
			return fmt.Errorf("open keyring: %w", err)
		}
		builderOpts.Keys = keys
		keyRemover = keys
	}
	if cfg.DKIM.PrivateKeyFile != "" {
		key, err := outbound.LoadDKIMKey(cfg.DKIM.PrivateKeyFile)
		if err != nil {
			return err
		}
		builderOpts.DKIMKey = key
	}

	a.Aliases = service.NewAliasRegistry(a.Store, a.Store)
	a.Router = router.New(router.Options{
		Mail:       cfg.Mail,
		Users:      a.Store,
		Resolver:   service.NewResolver(a.Store, domains, cfg.Mail.AdminUsername, a.Log),
		Policy:     service.NewPolicyGate(a.Store, a.Store, counters, counters, a.Notifier, cfg.Mail, a.Log),
		Aliases:    a.Aliases,
		Recipients: service.NewRecipientService(a.Store, keyRemover, a.Log),
		Builder:    outbound.NewBuilder(builderOpts),
		Dispatcher: d,
		Notifier:   a.Notifier,
		Metrics:    a.Metrics,
		Logger:     a.Log,
	})

	a.Log.Info("components wired",
		zap.String("dispatch_driver", d.Name()),
		zap.Bool("pgp", cfg.PGP.Enabled),
		zap.Bool("dkim", builderOpts.DKIMKey != nil),
		zap.Bool("redis", a.Redis != nil),
	)
	return nil
}

// Health 返回基于存储与 Redis 的健康检查器
func (a *App) Health() *health.HealthChecker {
	if a.Redis == nil {
		return health.NewHealthChecker(a.Store, nil, a.Log)
	}
	return health.NewHealthChecker(a.Store, a.Redis, a.Log)
}

// Close 等待异步通知发送完毕后释放全部资源
func (a *App) Close() error {
	if a.Notifier != nil {
		a.Notifier.Wait()
	}
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	return a.closeStores()
}

func (a *App) closeStores() error {
	var errs []error
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
