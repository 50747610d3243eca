package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/booking"
	"github.com/clinic/clinic/internal/platform/db"
)

// backend is the storage selected by STORE_BACKEND plus the optional Redis
// rule cache.
type backend struct {
	rules   booking.ScheduleRepository
	appts   booking.AppointmentRepository
	pool    *pgxpool.Pool // postgres only; enables tenant schemas
	checks  map[string]db.Check
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openFirebase returns nil when nothing in cfg needs Firebase.
func openFirebase(ctx context.Context, cfg *config.Config) (*firebase.App, error) {
	if !cfg.UsesFirebase() {
		return nil, nil
	}
	var opts []option.ClientOption
	if cfg.FirebaseCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.FirebaseCredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.FirebaseProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	return app, nil
}

func openBackend(ctx context.Context, cfg *config.Config, fb *firebase.App, logger zerolog.Logger) (*backend, error) {
	b := &backend{checks: make(map[string]db.Check)}
	var err error
	switch cfg.StoreBackend {
	case config.StorePostgres:
		err = b.openPostgres(ctx, cfg, logger)
	case config.StoreMongo:
		err = b.openMongo(ctx, cfg)
	case config.StoreFirestore:
		err = b.openFirestore(ctx, fb)
	case config.StoreMemory:
		store := booking.NewMemoryStore()
		b.rules, b.appts = store.Schedules(), store.Appointments()
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if err == nil && cfg.RedisURL != "" {
		err = b.openRuleCache(ctx, cfg, logger)
	}
	if err != nil {
		b.Close()
		return nil, err
	}
	logger.Info().Str("store", cfg.StoreBackend).Bool("rule_cache", cfg.RedisURL != "").Msg("storage ready")
	return b, nil
}

func (b *backend) openPostgres(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	pool, err := db.NewPool(ctx, db.PoolOptions{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}, logger)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, pool.Close)
	b.pool = pool
	b.checks["postgres"] = pool.Ping
	b.rules = booking.NewScheduleRepoPG(pool)
	b.appts = booking.NewAppointmentRepoPG(pool)
	return nil
}

func (b *backend) openMongo(ctx context.Context, cfg *config.Config) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	b.closers = append(b.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(ctx)
	})
	b.checks["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }

	database := client.Database(cfg.MongoDatabase)
	b.rules = booking.NewScheduleRepoMongo(database)
	b.appts = booking.NewAppointmentRepoMongo(database)
	for _, repo := range []interface{}{b.rules, b.appts} {
		if ix, ok := repo.(booking.MongoIndexer); ok {
			if err := ix.EnsureIndexes(ctx); err != nil {
				return fmt.Errorf("ensure mongo indexes: %w", err)
			}
		}
	}
	return nil
}

func (b *backend) openFirestore(ctx context.Context, fb *firebase.App) error {
	if fb == nil {
		return fmt.Errorf("firestore backend needs a firebase app")
	}
	client, err := fb.Firestore(ctx)
	if err != nil {
		return fmt.Errorf("open firestore: %w", err)
	}
	b.closers = append(b.closers, func() { _ = client.Close() })
	b.checks["firestore"] = func(ctx context.Context) error { return pingFirestore(ctx, client) }
	b.rules = booking.NewScheduleRepoFirestore(client)
	b.appts = booking.NewAppointmentRepoFirestore(client)
	return nil
}

// pingFirestore lists at most one collection; an empty database still
// proves the connection works.
func pingFirestore(ctx context.Context, client *firestore.Client) error {
	_, err := client.Collections(ctx).Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

func (b *backend) openRuleCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	b.closers = append(b.closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		// The cache falls back to the store, so a cold Redis is not fatal.
		logger.Warn().Err(err).Msg("redis unreachable at startup")
	}
	b.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	b.rules = booking.NewCachedScheduleRepository(b.rules, client, cfg.RuleCacheTTL, logger)
	return nil
}
