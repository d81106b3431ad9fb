package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/naarscars/chatsync/internal/api"
	"github.com/naarscars/chatsync/internal/bus"
	"github.com/naarscars/chatsync/internal/config"
	"github.com/naarscars/chatsync/internal/logging"
	"github.com/naarscars/chatsync/internal/outbox"
	"github.com/naarscars/chatsync/internal/pager"
	"github.com/naarscars/chatsync/internal/profile"
	"github.com/naarscars/chatsync/internal/realtime"
	"github.com/naarscars/chatsync/internal/remote"
	"github.com/naarscars/chatsync/internal/status"
	"github.com/naarscars/chatsync/internal/store"
	intsync "github.com/naarscars/chatsync/internal/sync"
	"github.com/naarscars/chatsync/internal/view"
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
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideViewTracker,
			provideSyncEngine,
			provideReconciler,
			provideSender,
			providePager,
			provideStream,
			provideChatService,
			provideMessageService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.Load(profile.ConfigPath(p.ProfileName))
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*profile.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := profile.AcquireLock(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.ReplicaDBPath(p.ProfileName)
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
	logger.Info("replica initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(cfg *config.Config) remote.API {
	return remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.Remote.UserID, cfg.Remote.Timeout())
}

func provideViewTracker() *view.Tracker {
	return view.NewTracker()
}

func provideSyncEngine(db *store.DB, client remote.API, b *bus.Bus, views *view.Tracker, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, client, b, views, cfg.Remote.UserID, cfg.Sync.CatchupPageSize, logger)
}

func provideReconciler(db *store.DB, client remote.API, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, client, b, cfg.Remote.UserID,
		cfg.Reconcile.LiveInterval(), cfg.Reconcile.OfflineInterval(), cfg.Reconcile.StaleThreshold(), logger)
}

func provideSender(db *store.DB, client remote.API, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, b, outbox.Options{
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BaseBackoff: cfg.Outbox.BaseBackoff(),
		MaxBackoff:  cfg.Outbox.MaxBackoff(),
	}, logger)
}

func providePager(db *store.DB, client remote.API, cfg *config.Config, logger *zap.Logger) *pager.Coordinator {
	return pager.NewCoordinator(db, client, cfg.Sync.PageSize, logger)
}

func provideStream(cfg *config.Config, machine *status.Machine, b *bus.Bus, engine *intsync.Engine, logger *zap.Logger) *realtime.Stream {
	return realtime.NewStream(realtime.Options{
		URL:   cfg.Remote.StreamURL,
		Token: cfg.Remote.Token,
	}, machine, b, engine.CatchUp, logger)
}

func provideChatService(db *store.DB, client remote.API, b *bus.Bus, views *view.Tracker, rec *intsync.Reconciler, cfg *config.Config, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(db, client, b, views, rec,
		cfg.Cache.ConversationTTL(), cfg.Cache.FetchTimeout(), logger)
}

func provideMessageService(db *store.DB, views *view.Tracker, pages *pager.Coordinator, sender *outbox.Sender, rec *intsync.Reconciler, cfg *config.Config, logger *zap.Logger) *api.MessageService {
	return api.NewMessageService(db, views, pages, sender, rec, cfg.Remote.UserID,
		cfg.Cache.MessagePageTTL(), cfg.Cache.FetchTimeout(), logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *profile.Lock, db *store.DB, stream *realtime.Stream, engine *intsync.Engine, rec *intsync.Reconciler, sender *outbox.Sender, chats *api.ChatService, messages *api.MessageService, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Consumers first, then the stream: events arriving during
			// catch-up must find the engine already subscribed.
			engine.Start(context.Background())
			rec.Start(context.Background())
			sender.Start(context.Background())
			chats.Start(context.Background())
			messages.Start(context.Background(), b)
			stream.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stream.Stop()
			sender.Stop()
			rec.Stop()
			engine.Stop()
			messages.Stop()
			chats.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing replica", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
