// Package daemon composes the session daemon: the socket connection, the
// message log, transfers, presence, the local cache, and the HTTP API, all
// wired through fx.
package daemon

import (
	"context"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/hugodiniz/papo/internal/api"
	"github.com/hugodiniz/papo/internal/bus"
	"github.com/hugodiniz/papo/internal/config"
	"github.com/hugodiniz/papo/internal/conn"
	"github.com/hugodiniz/papo/internal/lock"
	"github.com/hugodiniz/papo/internal/logging"
	"github.com/hugodiniz/papo/internal/msglog"
	"github.com/hugodiniz/papo/internal/presence"
	"github.com/hugodiniz/papo/internal/rest"
	"github.com/hugodiniz/papo/internal/session"
	"github.com/hugodiniz/papo/internal/status"
	"github.com/hugodiniz/papo/internal/store"
	"github.com/hugodiniz/papo/internal/transfer"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCache,
			provideConnManager,
			provideTransferEngine,
			provideMessageLog,
			providePresence,
			provideRestClient,
			provideHandler,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.String("server_url", cfg.ServerURL),
		zap.String("rest_base_url", cfg.RESTBaseURL))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

func provideCache(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideConnManager(cfg *config.Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	dialer := conn.WebsocketDialer(cfg.Conn.HandshakeTimeout.Std())
	return conn.NewManager(cfg.ServerURL, dialer, machine, b, cfg.Conn, logger)
}

func provideTransferEngine(cfg *config.Config, manager *conn.Manager, b *bus.Bus, logger *zap.Logger) *transfer.Engine {
	return transfer.NewEngine(manager, b, cfg.Transfer, logger)
}

func provideMessageLog(cfg *config.Config, manager *conn.Manager, engine *transfer.Engine, b *bus.Bus, logger *zap.Logger) *msglog.Store {
	return msglog.NewStore(cfg.UserID, manager, engine, b, cfg.Message.ReconcileTimeout.Std(), logger)
}

func providePresence(cfg *config.Config, manager *conn.Manager, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(cfg.UserID, manager, b, cfg.Typing, logger)
}

func provideRestClient(cfg *config.Config, logger *zap.Logger) (*rest.Client, error) {
	return rest.New(cfg.RESTBaseURL, cfg.IdentityToken, logger)
}

func provideHandler(cfg *config.Config, machine *status.Machine, manager *conn.Manager, log *msglog.Store, engine *transfer.Engine, tracker *presence.Tracker, restClient *rest.Client, cache *store.DB, b *bus.Bus, logger *zap.Logger) *api.Handler {
	return &api.Handler{
		Machine:   machine,
		Conn:      manager,
		Log:       log,
		Transfers: engine,
		Presence:  tracker,
		Rest:      restClient,
		Cache:     cache,
		Bus:       b,
		Self:      cfg.UserID,
		Logger:    logger,
	}
}

func provideServer(p Params, h *api.Handler, logger *zap.Logger) (*api.Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}
	return api.NewServer(socketPath, h, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *api.Server, lk *lock.Lock, cfg *config.Config, manager *conn.Manager, engine *transfer.Engine, log *msglog.Store, tracker *presence.Tracker, cache *store.DB, logger *zap.Logger) {
	inbound := newInboundRouter(manager, engine, log, tracker, cache, logger)
	downloads := filepath.Join(session.Dir(p.SessionName), "downloads")

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			inbound.register()
			engine.OnReceived(saveReceived(downloads, logger))

			// Start HTTP API server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()

			// Connect when credentials are on file; otherwise wait for
			// a login through the API.
			if cfg.IdentityToken != "" {
				manager.Connect(cfg.IdentityToken)
			} else {
				logger.Info("no identity token configured, waiting for login")
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			inbound.unregister()
			manager.Disconnect()
			tracker.Close()
			log.Close()
			_ = srv.Stop(ctx)
			if err := cache.Close(); err != nil {
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
