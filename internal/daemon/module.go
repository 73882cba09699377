package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/parkdog/msgsync/internal/api"
	"github.com/parkdog/msgsync/internal/auth"
	"github.com/parkdog/msgsync/internal/bridge"
	"github.com/parkdog/msgsync/internal/bus"
	"github.com/parkdog/msgsync/internal/config"
	"github.com/parkdog/msgsync/internal/debug"
	"github.com/parkdog/msgsync/internal/lock"
	"github.com/parkdog/msgsync/internal/logging"
	"github.com/parkdog/msgsync/internal/outbox"
	"github.com/parkdog/msgsync/internal/realtime"
	"github.com/parkdog/msgsync/internal/remote"
	"github.com/parkdog/msgsync/internal/session"
	"github.com/parkdog/msgsync/internal/store"
	intsync "github.com/parkdog/msgsync/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = resolve from config.toml and env
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideTokens,
			provideRemote,
			provideRealtime,
			provideBridge,
			provideSender,
			provideEngine,
			provideService,
			provideDebug,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return session.Config(p.SessionName)
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.NewWithLevel(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
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

// provideStore depends on the lock so the database is never opened by a
// second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Init()
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

func provideTokens(p Params) *auth.FileStore {
	return auth.NewFileStore(session.TokensPath(p.SessionName))
}

func provideRemote(cfg *config.Config, tokens *auth.FileStore) *remote.Client {
	return remote.NewClient(cfg.ServerURL, tokens)
}

func provideRealtime(cfg *config.Config, tokens *auth.FileStore, b *bus.Bus, logger *zap.Logger) *realtime.Client {
	return realtime.New(realtime.DefaultConfig(cfg.WebSocketURL), tokens, b, logger)
}

func provideBridge(rt *realtime.Client, rc *remote.Client, b *bus.Bus, logger *zap.Logger) *bridge.Bridge {
	return bridge.New(rt, rc, b, logger)
}

func provideSender(db *store.DB, br *bridge.Bridge, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, br, b, logger)
}

func provideEngine(cfg *config.Config, db *store.DB, sender *outbox.Sender, rc *remote.Client, br *bridge.Bridge, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	ec := intsync.DefaultConfig()
	ec.UserID = cfg.UserID
	if cfg.SyncInterval.Duration > 0 {
		ec.Interval = cfg.SyncInterval.Duration
	}
	ec.MessageRetention = cfg.MessageRetention.Duration
	e := intsync.NewEngine(ec, db, sender, rc, br, b, logger)
	br.Bind(e)
	return e
}

func provideService(p Params, e *intsync.Engine, br *bridge.Bridge, rt *realtime.Client, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.SessionName, e, br, rt, b, logger)
}

func provideDebug(cfg *config.Config, e *intsync.Engine, logger *zap.Logger) *debug.Server {
	return debug.NewServer(cfg.DebugAddr, e, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, dbg *debug.Server, lk *lock.Lock, db *store.DB, rt *realtime.Client, br *bridge.Bridge, engine *intsync.Engine, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// Routing must be live before the transport can deliver events.
			br.Start(ctx)

			if err := engine.Start(ctx); err != nil {
				return fmt.Errorf("start engine: %w", err)
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if err := dbg.Start(); err != nil {
				logger.Warn("debug server not started", zap.Error(err))
			}

			// Connect in the background; without a credential the engine
			// still syncs over HTTP.
			go br.SetOnline(ctx, true)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			srv.Stop(stopCtx)
			_ = dbg.Stop(stopCtx)
			engine.Stop()
			br.Stop()
			rt.Close()
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
