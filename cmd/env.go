package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/jobcost/internal/audit"
	"github.com/sells-group/jobcost/internal/authz"
	"github.com/sells-group/jobcost/internal/estimate"
	"github.com/sells-group/jobcost/internal/ledger"
	"github.com/sells-group/jobcost/internal/notify"
	"github.com/sells-group/jobcost/internal/progress"
	"github.com/sells-group/jobcost/internal/resilience"
	"github.com/sells-group/jobcost/internal/rollup"
	"github.com/sells-group/jobcost/internal/store"
)

// appEnv holds the store and the services built on top of it.
type appEnv struct {
	Store     store.Store
	Audit     *audit.Logger
	Estimates *estimate.Service
	Progress  *progress.Tracker
	Ledger    *ledger.Service
	Rollup    *rollup.Aggregator

	closers []func() error
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}

// initEnv opens and migrates the store, then wires the services for the
// given config mode. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &appEnv{Store: st}

	cache, closeCache := initCache()
	if closeCache != nil {
		env.closers = append(env.closers, closeCache)
	}
	env.Rollup = rollup.NewAggregator(st, rollup.WithCache(cache))

	hook, closeHook := initHook(env.Rollup)
	if closeHook != nil {
		env.closers = append(env.closers, closeHook)
	}

	env.Audit = audit.NewLogger(st, audit.WithStrict(cfg.Audit.Strict))
	retry := resilience.NewRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs)
	env.Estimates = estimate.NewService(st, env.Audit,
		estimate.WithPolicy(authz.FromConfig(cfg.Authz.Policy, cfg.Authz.Admins)),
		estimate.WithHook(hook),
		estimate.WithRetry(retry),
	)
	env.Progress = progress.NewTracker(st, env.Audit, progress.WithHook(hook))
	env.Ledger = ledger.NewService(st, env.Audit, ledger.WithHook(hook))

	return env, nil
}

// initStore opens the configured backend without migrating it.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "jobcost.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns:           cfg.Store.MaxConns,
			MinConns:           cfg.Store.MinConns,
			StatementTimeoutMs: cfg.Store.StatementTimeoutMs,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initCache builds the dashboard snapshot cache. A zero TTL disables the
// in-memory cache.
func initCache() (rollup.StatsCache, func() error) {
	ttl := cfg.Rollup.DashboardTTL()
	switch cfg.Rollup.Cache {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return rollup.NewRedisCache(client, cfg.Redis.Key, ttl), client.Close
	default:
		return rollup.NewMemoryCache(ttl), nil
	}
}

// initHook assembles the change notification fan-out. The dashboard cache
// is dropped on every write when rollup.invalidate_on_write is set.
func initHook(inv notify.Invalidator) (notify.Hook, func() error) {
	var hooks notify.Multi
	var closeFn func() error

	retry := resilience.NewRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs)
	breaker := resilience.NewCircuitBreakerConfig(cfg.Notify.FailureThreshold, cfg.Notify.ResetTimeoutSecs)

	if cfg.Rollup.InvalidateOnWrite {
		hooks = append(hooks, notify.CacheInvalidator{Cache: inv})
	}
	if cfg.Notify.WebhookURL != "" {
		hooks = append(hooks, notify.NewWebhook(notify.WebhookConfig{
			URL:     cfg.Notify.WebhookURL,
			Timeout: time.Duration(cfg.Notify.TimeoutSecs) * time.Second,
			Retry:   retry,
			Breaker: breaker,
		}))
	}
	if cfg.Notify.AMQPURL != "" {
		h := notify.NewAMQP(notify.AMQPConfig{
			URL:     cfg.Notify.AMQPURL,
			Queue:   cfg.Notify.Queue,
			Retry:   retry,
			Breaker: breaker,
		})
		hooks = append(hooks, h)
		closeFn = h.Close
	}

	if len(hooks) == 0 {
		return notify.Nop{}, nil
	}
	return hooks, closeFn
}
