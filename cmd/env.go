package main

import (
	"context"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-qa/internal/detect"
	"github.com/sells-group/provider-qa/internal/ledger"
	"github.com/sells-group/provider-qa/internal/store"
	"github.com/sells-group/provider-qa/internal/validation"
	"github.com/sells-group/provider-qa/pkg/npi"
)

// appEnv holds the store, ledger and scoring pipeline shared by the
// validation, review and serve commands.
type appEnv struct {
	Store    store.Store
	Ledger   *ledger.Ledger
	Detector *detect.Detector
	Registry npi.Client // nil unless the mode needs the registry

	redis *goredis.Client
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// Runner builds a validation runner on the environment.
func (e *appEnv) Runner(opts ...validation.Option) *validation.Runner {
	base := []validation.Option{validation.WithConcurrency(cfg.Batch.MaxConcurrentProviders)}
	if e.Registry != nil {
		base = append(base, validation.WithRegistry(e.Registry))
	}
	return validation.NewRunner(e.Store, e.Detector, e.Ledger, append(base, opts...)...)
}

// initEnv validates the config for mode, opens and migrates the store and
// wires the ledger and detector. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	m, err := cfg.Scoring.Model()
	if err != nil {
		return nil, eris.Wrap(err, "build scoring model")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, Detector: detect.New(m)}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	locker, client, err := initLocker(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.redis = client
	env.Ledger = ledger.New(st, ledger.WithLocker(locker))

	if mode == "lookup" || mode == "serve" {
		env.Registry = initRegistry()
	}

	zap.L().Debug("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
		zap.Float64("threshold", m.Threshold),
	)
	return env, nil
}

// initStore opens the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initLocker returns the provider locker. The redis client is returned so
// the caller can close it; it is nil for the local driver.
func initLocker(ctx context.Context) (ledger.Locker, *goredis.Client, error) {
	switch cfg.Lock.Driver {
	case "", "local":
		return ledger.NewKeyedMutex(), nil, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, eris.Wrapf(err, "ping redis at %s", cfg.Lock.RedisAddr)
		}
		return ledger.NewRedisLocker(client, ledger.WithTTL(cfg.Lock.TTL())), client, nil
	default:
		return nil, nil, eris.Errorf("unsupported lock driver: %s", cfg.Lock.Driver)
	}
}

func initRegistry() npi.Client {
	timeout := time.Duration(cfg.NPI.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return npi.NewClient(
		npi.WithBaseURL(cfg.NPI.BaseURL),
		npi.WithRateLimit(cfg.NPI.RateLimit),
		npi.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
}
