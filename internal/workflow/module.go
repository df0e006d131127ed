package workflow

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/craftline/conductor/internal/config"
)

// Module wires the engine: store selection by config, transaction locking,
// the notifier, and the watchdog lifecycle.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(NewRegistry),
		fx.Provide(newStore),
		fx.Provide(newLock),
		fx.Provide(newNotifier),
		fx.Provide(newEngine),
		fx.Invoke(registerHooks),
	)
}

func newStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (Store, error) {
	if cfg.Database.DSN == "" {
		logger.Warn("no database dsn configured, using in-memory store; transactions will not survive restarts")
		return NewMemoryStore(), nil
	}
	pg, err := NewPGStore(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return pg.Close()
		},
	})
	return pg, nil
}

func newLock(store Store) Lock {
	if pg, ok := store.(*PGStore); ok {
		return NewPostgresLock(pg.DB())
	}
	return NewMemoryLock()
}

func newNotifier(cfg config.Config) *Notifier {
	return NewNotifier(
		cfg.Notify.AuditURL, cfg.Notify.AuditTimeout,
		cfg.Notify.EventBusURL, cfg.Notify.EventBusTimeout,
	)
}

func newEngine(registry *Registry, store Store, lock Lock, notifier *Notifier, cfg config.Config, logger *zap.Logger) *Engine {
	engine := NewEngine(registry, store, lock, logger,
		WithDefaultRetention(cfg.Engine.DefaultRetentionDuration()),
		WithWatchdogInterval(cfg.Engine.WatchdogIntervalDuration()),
	)
	engine.Subscribe(notifier.Events())
	return engine
}

func registerHooks(lc fx.Lifecycle, engine *Engine, logger *zap.Logger) {
	watchdogCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting suspension watchdog")
			go engine.Watchdog(watchdogCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
}
