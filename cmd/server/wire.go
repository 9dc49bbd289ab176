package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/events"
	eventsredis "github.com/warp/points-engine/events/redis"
	"github.com/warp/points-engine/expiry"
	"github.com/warp/points-engine/ledger"
	"github.com/warp/points-engine/logging"
	"github.com/warp/points-engine/metrics"
	"github.com/warp/points-engine/policy"
	"github.com/warp/points-engine/store/memory"
	"github.com/warp/points-engine/store/postgres"
	storeredis "github.com/warp/points-engine/store/redis"
	"github.com/warp/points-engine/store/sqlite"
)

// components is everything a command needs, built from one Config.
type components struct {
	cfg       *config.Config
	log       *zap.Logger
	registry  *prometheus.Registry
	bus       *events.Bus
	policies  *policy.Store
	engine    *policy.Engine
	ledger    *ledger.Service
	sweeper   *expiry.Sweeper
	scheduler *expiry.Scheduler

	closers []func() error
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newComponents(ctx context.Context, cfg *config.Config, log *zap.Logger) (*components, error) {
	c := &components{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(c.registry)

	var redisClient goredis.UniversalClient
	if cfg.Store.Driver == "redis" || cfg.Events.RedisChannel != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Store.RedisAddr, err)
		}
		redisClient = client
		c.closers = append(c.closers, client.Close)
	}

	kv, err := c.openStore(ctx, redisClient)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.bus = events.NewBus()
	c.bus.SubscribeAll(func(_ context.Context, e events.Event) error {
		log.Debug("event",
			zap.String("type", string(e.Type)),
			zap.String("user_id", e.UserID),
			zap.String("amount", e.Amount.String()))
		return nil
	})
	publisher := events.Multi{c.bus}
	if cfg.Events.RedisChannel != "" {
		publisher = append(publisher, eventsredis.NewPublisher(redisClient, cfg.Events.RedisChannel))
	}

	c.policies = policy.NewStore(kv, policy.WithPublisher(publisher), policy.WithLogger(log.Named("policy")))
	if cfg.Policy.SeedFile != "" {
		seeds, err := policy.LoadFile(cfg.Policy.SeedFile)
		if err != nil {
			c.Close()
			return nil, err
		}
		if _, err := policy.Import(ctx, c.policies, seeds); err != nil {
			c.Close()
			return nil, fmt.Errorf("import %s: %w", cfg.Policy.SeedFile, err)
		}
	}
	c.engine, err = policy.NewEngine(ctx, c.policies, policy.WithLogger(log.Named("policy")))
	if err != nil {
		c.Close()
		return nil, err
	}
	if _, err := c.engine.Active(ctx); errors.Is(err, ledger.ErrNoActivePolicy) {
		log.Warn("no active policy, earn and spend will be rejected until one is activated")
	}

	ids, err := ledger.NewSnowflakeIDs(cfg.NodeID)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.ledger = ledger.NewService(
		ledger.NewEntryRepository(kv),
		ledger.NewBalanceRepository(kv),
		c.engine,
		ledger.WithIDGenerator(ids),
		ledger.WithPublisher(publisher),
		ledger.WithLogger(log.Named("ledger")),
		ledger.WithMetrics(m),
	)

	c.sweeper = expiry.NewSweeper(c.ledger, c.engine,
		expiry.WithPublisher(publisher),
		expiry.WithLogger(log.Named("expiry")),
		expiry.WithMetrics(m),
		expiry.WithConcurrency(cfg.Scheduler.Concurrency),
	)
	c.scheduler = expiry.NewScheduler(c.sweeper, c.engine, expiry.WithLogger(log.Named("scheduler")))
	c.scheduler.Interval = cfg.Scheduler.Interval
	c.scheduler.HorizonDays = cfg.Scheduler.ForecastHorizonDays
	c.scheduler.Enabled = cfg.Scheduler.Enabled
	return c, nil
}

func (c *components) openStore(ctx context.Context, redisClient goredis.UniversalClient) (ledger.Store, error) {
	cfg := c.cfg.Store
	switch cfg.Driver {
	case "memory":
		c.log.Warn("using the in-memory store, data is lost on exit")
		return memory.New(), nil
	case "sqlite":
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, s.Close)
		return s, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, s.Close)
		return s, nil
	case "redis":
		prefix := cfg.KeyPrefix
		if prefix != "" {
			prefix += ":"
		}
		return storeredis.New(redisClient, prefix), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Close releases connections in reverse order of opening.
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}
