// Package app composes the chat engine from its parts.
package app

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/chat"
	"github.com/courierchat/courier/internal/config"
	"github.com/courierchat/courier/internal/lock"
	"github.com/courierchat/courier/internal/logging"
	"github.com/courierchat/courier/internal/media"
	"github.com/courierchat/courier/internal/presence"
	"github.com/courierchat/courier/internal/remote"
	"github.com/courierchat/courier/internal/store"
	"github.com/courierchat/courier/internal/stream"
	intsync "github.com/courierchat/courier/internal/sync"
)

// Params identifies the account and supplies the remote collaborators. The
// engine is a logic layer over an existing document/blob abstraction; the
// binary decides which implementation to plug in.
type Params struct {
	Account string
	Remote  remote.Store
	Blobs   remote.Blobs
}

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("app",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideRemote,
			provideBlobs,
			provideResolver,
			provideStream,
			provideTracker,
			provideOutbound,
			provideCache,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := config.ValidateAccount(p.Account); err != nil {
		return nil, err
	}
	if err := config.EnsureDirs(p.Account); err != nil {
		return nil, err
	}
	return logging.New(config.LogPath(p.Account), p.Account)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(config.ConfigPath(p.Account))
	if errors.Is(err, fs.ErrNotExist) {
		cfg = &config.Config{}
	} else if err != nil {
		return nil, err
	}
	cfg.Normalize(config.AccountDir(p.Account))
	logger.Info("config loaded",
		zap.Int("page_size", cfg.PageSize),
		zap.Int("presence_threshold_secs", cfg.PresenceThresholdSecs))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.Acquire(config.AccountDir(p.Account))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := config.CacheDBPath(p.Account)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("ledger initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(p Params) remote.Store {
	return p.Remote
}

func provideBlobs(p Params) remote.Blobs {
	return p.Blobs
}

func provideResolver(p Params, r remote.Store, b *bus.Bus, logger *zap.Logger) *chat.Resolver {
	return chat.NewResolver(r, p.Account, b, logger)
}

func provideStream(p Params, r remote.Store, cfg *config.Config, logger *zap.Logger) *stream.Store {
	return stream.New(r, p.Account, cfg.PageSize, logger)
}

func provideTracker(p Params, r remote.Store, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	threshold := time.Duration(cfg.PresenceThresholdSecs) * time.Second
	return presence.New(r, p.Account, threshold, b, logger)
}

func provideOutbound(s *stream.Store, blobs remote.Blobs, db *store.DB, b *bus.Bus, logger *zap.Logger) *media.Outbound {
	return media.NewOutbound(s, blobs, db, b, logger)
}

func provideCache(p Params, cfg *config.Config, blobs remote.Blobs, db *store.DB, b *bus.Bus, logger *zap.Logger) *media.Cache {
	return media.NewCache(p.Account, cfg.MediaDir, blobs, db, b, logger)
}

func provideEngine(p Params, resolver *chat.Resolver, s *stream.Store, tracker *presence.Tracker, o *media.Outbound, c *media.Cache, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(p.Account, resolver, s, tracker, o, c, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, engine *intsync.Engine, tracker *presence.Tracker, outbound *media.Outbound, cache *media.Cache, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			tracker.Run(context.Background())
			go func() {
				if err := outbound.ResumeUnfinished(context.Background()); err != nil {
					logger.Warn("resume uploads failed", zap.Error(err))
				}
			}()
			logger.Info("engine started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			engine.Close()
			cache.Close()
			tracker.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing ledger", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
