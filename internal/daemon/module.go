// Package daemon composes the courier client: stores, gateways, the
// message pipeline, contact sync, summary derivation and the avatar
// cache, wired through fx with a start/stop lifecycle.
package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/avatar"
	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/config"
	"github.com/courier-chat/courier/internal/contacts"
	"github.com/courier-chat/courier/internal/gateway"
	"github.com/courier-chat/courier/internal/lock"
	"github.com/courier-chat/courier/internal/logging"
	"github.com/courier-chat/courier/internal/message"
	"github.com/courier-chat/courier/internal/session"
	"github.com/courier-chat/courier/internal/store"
	"github.com/courier-chat/courier/internal/summary"
)

// avatarSweepEvery is how often the refresh loop scans for stale entries.
const avatarSweepEvery = time.Minute

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideProfile,
			provideMessageClient,
			provideContactClient,
			provideMediaClient,
			provideRepository,
			provideContactEngine,
			provideAggregator,
			provideAvatarCache,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideProfile(p Params) (*session.Profile, error) {
	return session.LoadProfile(p.SessionName)
}

func provideMessageClient(p Params, logger *zap.Logger) *gateway.MessageClient {
	return gateway.NewMessageClient(p.Config.MessageServiceURL, logger)
}

func provideContactClient(p Params, logger *zap.Logger) *gateway.ContactClient {
	return gateway.NewContactClient(p.Config.ContactServiceURL, logger)
}

func provideMediaClient(p Params, logger *zap.Logger) *gateway.MediaClient {
	return gateway.NewMediaClient(p.Config.MediaServiceURL, logger)
}

func provideRepository(db *store.DB, mc *gateway.MessageClient, media *gateway.MediaClient, profile *session.Profile, b *bus.Bus, logger *zap.Logger) *message.Repository {
	return message.NewRepository(db, mc, media, profile, b, logger)
}

func provideContactEngine(p Params, db *store.DB, cc *gateway.ContactClient, b *bus.Bus, logger *zap.Logger) *contacts.Engine {
	return contacts.NewEngine(db, cc, b, logger, p.Config.ContactBatchSize)
}

func provideAggregator(db *store.DB, b *bus.Bus, profile *session.Profile, logger *zap.Logger) *summary.Aggregator {
	return summary.NewAggregator(db, b, profile, logger)
}

func provideAvatarCache(p Params, db *store.DB, media *gateway.MediaClient, b *bus.Bus, logger *zap.Logger) (*avatar.Cache, error) {
	interval := time.Duration(p.Config.AvatarRefreshHours) * time.Hour
	return avatar.NewCache(db, media, b, logger, session.AvatarDir(p.SessionName), interval)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, mc *gateway.MessageClient, repo *message.Repository, agg *summary.Aggregator, cache *avatar.Cache, profile *session.Profile, logger *zap.Logger) {
	loopCtx, cancelLoops := context.WithCancel(context.Background())
	var listenToken int

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The aggregator's subscription must be live before the
			// first payload can be ingested below.
			agg.Start(loopCtx)
			go cache.Run(loopCtx, avatarSweepEvery)

			token, err := mc.StartListening(loopCtx, profile.CurrentUserID(), func(p gateway.Payload) {
				repo.ProcessPayload(loopCtx, p)
			})
			if err != nil {
				// The client works offline; the live channel comes back
				// on the next daemon start, there is no in-process
				// reconnect.
				logger.Warn("live channel unavailable, starting offline", zap.Error(err))
			} else {
				listenToken = token
				logger.Info("live channel connected", zap.String("user", profile.CurrentUserID()))
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			if listenToken != 0 {
				mc.StopListening(listenToken)
			}
			mc.Close()
			// Resolve every in-flight send to SENT or ERROR before the
			// store goes away.
			repo.Flush()
			cancelLoops()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
