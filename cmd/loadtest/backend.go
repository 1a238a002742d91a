package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/codewandler/sequent/adapters/nats"
	"github.com/codewandler/sequent/adapters/postgres"
	"github.com/codewandler/sequent/adapters/redis"
	"github.com/codewandler/sequent/adapters/sqlite"
	"github.com/codewandler/sequent/core/app"
	"github.com/codewandler/sequent/core/config"
	"github.com/codewandler/sequent/core/es"
)

// backend holds the broker and stores selected by the configuration.
// Connections are opened once and shared by the stores that need them.
type backend struct {
	Broker app.BrokerConfig
	Store  app.StoreConfig

	cfg      config.Config
	log      *slog.Logger
	registry *es.EventRegistry

	natsConnect nats.Connector
	sqlDB       *sql.DB
	pgPool      *pgxpool.Pool
	redisClient *goredis.Client

	closers []func() error
}

func openBackend(ctx context.Context, cfg config.Config, registry *es.EventRegistry, log *slog.Logger) (b *backend, err error) {
	b = &backend{cfg: cfg, log: log, registry: registry}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	if cfg.Broker.Kind == config.BrokerNATS {
		nb, err := nats.NewBroker(nats.BrokerConfig{
			Connect:    b.nats(),
			Log:        log,
			StreamName: cfg.Broker.Stream,
		})
		if err != nil {
			return nil, fmt.Errorf("nats broker: %w", err)
		}
		b.closers = append(b.closers, nb.Close)
		b.Broker = app.BrokerConfig{Producer: nb, Consumer: nb}
	}

	if b.Store.Events, err = b.eventStore(ctx, cfg.Store.Kind); err != nil {
		return nil, fmt.Errorf("event store: %w", err)
	}
	if b.Store.Versions, err = b.versionStore(ctx, cfg.Store.VersionStoreKind()); err != nil {
		return nil, fmt.Errorf("version store: %w", err)
	}
	return b, nil
}

func (b *backend) eventStore(ctx context.Context, kind string) (es.EventStore, error) {
	switch kind {
	case config.StoreSQLite:
		db, err := b.sqlite()
		if err != nil {
			return nil, err
		}
		return sqlite.NewEventStore(db, b.registry, b.log), nil
	case config.StorePostgres:
		pool, err := b.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return postgres.NewEventStore(pool, b.registry, b.log), nil
	case config.StoreRedis:
		client, err := b.redis(ctx)
		if err != nil {
			return nil, err
		}
		return redis.NewEventStore(client, "", b.registry, b.log), nil
	case config.StoreNATS:
		store, err := nats.NewEventStore(nats.EventStoreConfig{
			Connect:  b.nats(),
			Log:      b.log,
			Registry: b.registry,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		return store, nil
	default:
		return es.NewInMemoryEventStore(es.WithLog(b.log)), nil
	}
}

func (b *backend) versionStore(ctx context.Context, kind string) (es.VersionStore, error) {
	switch kind {
	case config.StoreSQLite:
		db, err := b.sqlite()
		if err != nil {
			return nil, err
		}
		return sqlite.NewVersionStore(db), nil
	case config.StorePostgres:
		pool, err := b.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return postgres.NewVersionStore(pool), nil
	case config.StoreRedis:
		client, err := b.redis(ctx)
		if err != nil {
			return nil, err
		}
		return redis.NewVersionStore(client, ""), nil
	case config.StoreNATS:
		versions, kvs, err := nats.NewVersionStore(nats.KvConfig{
			Connect: b.nats(),
			Bucket:  b.cfg.Store.Bucket,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, kvs.Close)
		return versions, nil
	default:
		return es.NewInMemoryVersionStore(), nil
	}
}

func (b *backend) nats() nats.Connector {
	if b.natsConnect == nil {
		b.natsConnect = nats.ReuseConnection(nats.ConnectURL(b.cfg.Broker.URL))
	}
	return b.natsConnect
}

func (b *backend) sqlite() (*sql.DB, error) {
	if b.sqlDB == nil {
		db, err := sqlite.Open(b.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		b.sqlDB = db
		b.closers = append(b.closers, db.Close)
	}
	return b.sqlDB, nil
}

func (b *backend) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if b.pgPool == nil {
		pool, err := postgres.Connect(ctx, b.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		b.pgPool = pool
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
	}
	return b.pgPool, nil
}

func (b *backend) redis(ctx context.Context) (*goredis.Client, error) {
	if b.redisClient == nil {
		client, err := redis.Connect(ctx, redis.Config{Addr: b.cfg.Store.RedisAddr})
		if err != nil {
			return nil, err
		}
		b.redisClient = client
		b.closers = append(b.closers, client.Close)
	}
	return b.redisClient, nil
}

// Close releases everything in reverse order of opening.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
