package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/roach88/dhtcore/internal/apphost"
	"github.com/roach88/dhtcore/internal/cache"
	"github.com/roach88/dhtcore/internal/chainlock"
	"github.com/roach88/dhtcore/internal/config"
	"github.com/roach88/dhtcore/internal/engine"
	"github.com/roach88/dhtcore/internal/keystore"
	"github.com/roach88/dhtcore/internal/manifest"
	"github.com/roach88/dhtcore/internal/metrics"
	"github.com/roach88/dhtcore/internal/network"
	"github.com/roach88/dhtcore/internal/store"
	"github.com/roach88/dhtcore/internal/workflow"
)

// localNode is a workflow node assembled from config, with everything it
// opened so Close can release it.
type localNode struct {
	*workflow.Node
	cfg    *config.Config
	store  *store.Store
	cache  *cache.Cache
	redis  *redis.Client
	hub    *network.Hub
	signer *keystore.Ed25519Signer
}

// loadConfig reads the --config file and applies the --db override.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}
	return cfg, nil
}

// openStore opens the configured SQLite store without building a node.
func openStore(cfg *config.Config) (*store.Store, error) {
	driver := cfg.Store.Driver
	if driver == "" {
		driver = store.DriverCGO
	}
	st, err := store.OpenWithDriver(driver, cfg.Store.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// signerFor restores the agent from agent.seed. Without a seed a fresh
// key is generated unless requireSeed is set.
func signerFor(cfg *config.Config, requireSeed bool) (*keystore.Ed25519Signer, error) {
	if cfg.Agent.Seed != "" {
		s, err := keystore.FromSeedHex(cfg.Agent.Seed)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid agent.seed", err)
		}
		return s, nil
	}
	if requireSeed {
		return nil, NewExitError(ExitCommandError, "agent.seed is required (generate one with dhtcore keygen)")
	}
	slog.Warn("No agent.seed configured, using an ephemeral agent key")
	return keystore.Generate()
}

// openNode assembles a node from cfg: store, fetch cache, manifest, app
// host, chain lock and a loopback network the node joins alone.
func openNode(ctx context.Context, cfg *config.Config, requireSeed bool, logger *slog.Logger) (*localNode, error) {
	signer, err := signerFor(cfg, requireSeed)
	if err != nil {
		return nil, err
	}
	n := &localNode{cfg: cfg, signer: signer}
	ok := false
	defer func() {
		if !ok {
			n.Close()
		}
	}()

	if n.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	if cfg.Cache.Path != "" {
		if n.cache, err = cache.Open(cfg.Cache.Path); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open fetch cache", err)
		}
	}

	var m *manifest.Manifest
	if cfg.Manifest.Path != "" {
		if m, err = loadManifest(cfg.Manifest.Path); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load manifest", err)
		}
	}
	host, err := apphost.Open(ctx, cfg.AppHost.Kind, m, apphost.Options{Path: cfg.AppHost.File})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open app host", err)
	}

	clock := engine.NewMonotonicClock(engine.SystemClock{})
	var locker chainlock.Locker
	if cfg.Redis.Addr != "" {
		if n.redis, err = chainlock.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to connect to redis", err)
		}
		locker = chainlock.NewRedisLocker(n.redis, clock)
	}

	met, err := metrics.FromGlobal()
	if err != nil {
		return nil, err
	}

	resp := network.StaticResponsibility(cfg.Responsibility())
	n.hub = network.NewHub(publishLimit(cfg.Publish.Rate), max(cfg.Publish.Burst, 1))
	ref := &handlerRef{}
	end := n.hub.Join(signer.Agent(), ref, resp)

	node, err := workflow.New(workflow.Config{
		Signer:         signer,
		Store:          n.store,
		Cache:          n.cache,
		Manifest:       m,
		Host:           host,
		Transport:      end,
		Fetcher:        end,
		Responsibility: resp,
		Locker:         locker,
		Clock:          clock,
		Metrics:        met,
		Logger:         logger,
		Settings:       settingsFrom(cfg),
	})
	if err != nil {
		return nil, err
	}
	ref.Handler = node
	n.Node = node
	ok = true
	return n, nil
}

// handlerRef lets the node join the hub before it is built.
type handlerRef struct {
	network.Handler
}

func loadManifest(path string) (*manifest.Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return manifest.LoadDir(path)
	}
	return manifest.LoadFile(path)
}

// publishLimit maps publish.rate to a limiter rate. Zero is unlimited.
func publishLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

func settingsFrom(cfg *config.Config) workflow.Settings {
	return workflow.Settings{
		SysBatchSize:       cfg.Validation.BatchSize,
		AppBatchSize:       cfg.Validation.BatchSize,
		IntegrateBatchSize: cfg.Validation.BatchSize,
		Concurrency:        cfg.Validation.Concurrency,
		RetryDelay:         cfg.Validation.RetryDelay,
		MinPublishInterval: cfg.Publish.MinPublishInterval,
		RequiredReceipts:   cfg.Publish.RequiredReceipts,
		PublishRate:        publishLimit(cfg.Publish.Rate),
		PublishBurst:       max(cfg.Publish.Burst, 1),
	}
}

// Close stops the node and releases what openNode opened.
func (n *localNode) Close() error {
	if n.Node != nil {
		n.Node.Close()
	}
	var errs []error
	if n.redis != nil {
		errs = append(errs, n.redis.Close())
	}
	if n.cache != nil {
		errs = append(errs, n.cache.Close())
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	return errors.Join(errs...)
}
