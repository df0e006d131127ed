package logging

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the service logger. Production JSON encoding, with the
// service name stamped on every entry and an optional HTTP metric sink tee
// when METRIC_SERVICE_BASE_URL is set.
func Module(service string) fx.Option {
	return fx.Options(
		fx.Provide(func() (*zap.Logger, error) {
			return New(service)
		}),
		fx.Invoke(func(lc fx.Lifecycle, logger *zap.Logger) {
			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error {
					_ = logger.Sync()
					return nil
				},
			})
		}),
	)
}

func New(service string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", service))
	return attachMetricSink(logger, service), nil
}
