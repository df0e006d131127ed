package link

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/craftline/conductor/internal/config"
	"github.com/craftline/conductor/internal/entity"
)

// Module wires the link store (memory or PostgreSQL, matching the database
// config) and the service.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(newStore),
		fx.Provide(func(store Store, entities entity.Repository, logger *zap.Logger) *Service {
			return NewService(store, entities, logger)
		}),
	)
}

func newStore(lc fx.Lifecycle, cfg config.Config) (Store, error) {
	if cfg.Database.DSN == "" {
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
