package daemon

import (
	"context"
	"errors"
	"io/fs"

	"github.com/nkamdem/palabre/internal/auth"
	"github.com/nkamdem/palabre/internal/bus"
	"github.com/nkamdem/palabre/internal/cache"
	"github.com/nkamdem/palabre/internal/config"
	"github.com/nkamdem/palabre/internal/lock"
	"github.com/nkamdem/palabre/internal/logging"
	"github.com/nkamdem/palabre/internal/notify"
	"github.com/nkamdem/palabre/internal/presence"
	"github.com/nkamdem/palabre/internal/profile"
	"github.com/nkamdem/palabre/internal/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideCache,
			provideClient,
			provideRealtime,
			provideUsers,
			provideMessages,
			provideForum,
			provideCalls,
			provideStorage,
			provideAuthState,
			provideAuthProvider,
			provideNotify,
			providePresence,
			provideRuntime,
			provideCoordinator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("no config file, using defaults", zap.String("path", profile.ConfigPath()))
		return &config.Config{}, nil
	}
	return cfg, err
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCache(p Params, cfg *config.Config, logger *zap.Logger) (*cache.Store, error) {
	maxBytes := cfg.Cache.MaxBytes
	if maxBytes <= 0 {
		maxBytes = cache.DefaultMaxBytes
	}
	path := profile.CacheDBPath(p.ProfileName)
	store, err := cache.Open(path, maxBytes, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("cache opened", zap.String("path", path), zap.Int64("max_bytes", maxBytes))
	return store, nil
}

func provideClient(cfg *config.Config, logger *zap.Logger) *remote.Client {
	return remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.AnonKey, logger)
}

func provideRealtime(cfg *config.Config, logger *zap.Logger) *remote.Realtime {
	return remote.NewRealtime(cfg.Remote.BaseURL, cfg.Remote.AnonKey, logger)
}

func provideUsers(c *remote.Client) *remote.Users {
	return remote.NewUsers(c)
}

func provideMessages(c *remote.Client) *remote.Messages {
	return remote.NewMessages(c)
}

func provideForum(c *remote.Client) *remote.Forum {
	return remote.NewForum(c)
}

func provideCalls(c *remote.Client) *remote.Calls {
	return remote.NewCalls(c)
}

func provideStorage(c *remote.Client, cfg *config.Config) *remote.Storage {
	return remote.NewStorage(c, cfg.Remote.Bucket)
}

func provideAuthState() *auth.State {
	return auth.NewState()
}

func provideAuthProvider(s *auth.State) auth.Provider {
	return s
}

func provideNotify(logger *zap.Logger) notify.Sender {
	return notify.NewNoop(logger)
}

func providePresence(users *remote.Users, logger *zap.Logger) *presence.Tracker {
	return presence.New(users, logger)
}

func provideRuntime(store *cache.Store, rt *remote.Realtime, users *remote.Users,
	messages *remote.Messages, forumSvc *remote.Forum, callsSvc *remote.Calls,
	storage *remote.Storage, tracker *presence.Tracker, push notify.Sender,
	b *bus.Bus, logger *zap.Logger) *Runtime {
	return NewRuntime(store, rt, users, messages, forumSvc, callsSvc, storage, tracker, push, b, logger)
}

func provideCoordinator(provider auth.Provider, tracker *presence.Tracker,
	store *cache.Store, runtime *Runtime, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return NewCoordinator(provider, tracker, store, b, logger, runtime.signIn, runtime.signOut)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, store *cache.Store,
	rt *remote.Realtime, tracker *presence.Tracker, coordinator *Coordinator, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rt.Connect(ctx); err != nil {
				// The daemon still serves cached data; feeds come back with
				// the connection.
				logger.Warn("realtime connect failed, starting offline", zap.Error(err))
			}
			coordinator.Start()
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			coordinator.Close()
			tracker.Close()
			if err := rt.Close(); err != nil {
				logger.Warn("error closing realtime", zap.Error(err))
			}
			if err := store.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
