package daemon

import (
	"context"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/refresh"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional override for testing; nil = load from disk
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMetrics,
			provideLock,
			provideStore,
			provideCredentials,
			provideRESTClient,
			provideCoordinator,
			provideRegistry,
			provideReconciler,
			provideChannel,
			provideEngine,
			provideChatService,
			provideControl,
			NewMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg, profile.EnvPath()); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
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

// provideStore takes the lock so the cache is only opened by its owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CacheDBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	switch {
	case result.Rebuilt:
		logger.Warn("cache schema was left half-migrated, rebuilt empty",
			zap.String("profile", p.ProfileName), zap.Uint("version", result.Version))
	case result.Changed:
		logger.Info("migrations applied", zap.String("profile", p.ProfileName), zap.Uint("version", result.Version))
	default:
		logger.Info("migrations up to date", zap.String("profile", p.ProfileName), zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCredentials() *credential.Store {
	return credential.NewStore()
}

func provideRESTClient(cfg *config.Config, creds *credential.Store, m *metrics.Metrics, logger *zap.Logger) (*rest.Client, error) {
	return rest.NewClient(rest.Options{
		BaseURL: cfg.APIBase,
		Timeout: cfg.RequestTimeout,
	}, creds, m, logger.Named("rest"))
}

// provideCoordinator also installs the coordinator on the client, which
// both calls it and serves its raw refresh request.
func provideCoordinator(cfg *config.Config, client *rest.Client, creds *credential.Store, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *refresh.Coordinator {
	coord := refresh.NewCoordinator(client, creds, b, m, logger.Named("refresh"), refresh.Options{
		Cooldown:    cfg.Refresh.Cooldown,
		MaxAttempts: cfg.Refresh.MaxAttempts,
		Timeout:     cfg.RequestTimeout,
	})
	client.SetRefresher(coord)
	return coord
}

func provideRegistry(cfg *config.Config, client *rest.Client, m *metrics.Metrics, logger *zap.Logger) *push.Registry {
	return push.NewRegistry(client, cfg.FCM.RateLimit, cfg.FCM.RateWindow, m, logger.Named("push"))
}

func provideReconciler(cfg *config.Config, client *rest.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(client, db, b, logger.Named("sync"), intsync.Options{
		FetchTimeout: cfg.RequestTimeout,
	})
}

func provideChannel(cfg *config.Config, creds *credential.Store, rec *intsync.Reconciler, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *realtime.Channel {
	return realtime.NewChannel(realtime.Options{
		URL:                cfg.RealtimeURL,
		TypingTimeout:      cfg.Realtime.TypingTimeout,
		TypingEmitInterval: cfg.Realtime.TypingEmitInterval,
		WriteTimeout:       cfg.Realtime.WriteTimeout,
	}, creds, rec, b, m, logger.Named("realtime"))
}

func provideEngine(rec *intsync.Reconciler, ch *realtime.Channel, creds *credential.Store, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(rec, ch, creds, b, logger.Named("engine"), intsync.EngineOptions{})
}

func provideChatService(
	client *rest.Client,
	ch *realtime.Channel,
	rec *intsync.Reconciler,
	creds *credential.Store,
	coord *refresh.Coordinator,
	registry *push.Registry,
	db *store.DB,
	b *bus.Bus,
	logger *zap.Logger,
) *chat.Service {
	return chat.NewService(chat.Deps{
		API:         client,
		Channel:     ch,
		Reconciler:  rec,
		Credentials: creds,
		Coordinator: coord,
		Devices:     registry,
		DB:          db,
		Bus:         b,
		Logger:      logger.Named("chat"),
	})
}

func provideControl(p Params, svc *chat.Service, b *bus.Bus, logger *zap.Logger) *api.Control {
	return api.NewControl(p.ProfileName, svc, b, logger.Named("api"))
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	ms *MetricsServer,
	lk *lock.Lock,
	db *store.DB,
	engine *intsync.Engine,
	rec *intsync.Reconciler,
	ch *realtime.Channel,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start sync engine (subscribes to session.* and channel.* bus events).
			engine.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			ms.Start()

			// The credential lives in memory only, so every daemon starts
			// signed out and waits for Login on the control socket.
			logger.Info("daemon started, waiting for login")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			engine.Stop()
			ch.Close()
			rec.Close()
			srv.Stop(ctx)
			ms.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
