package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/craftline/conductor/internal/config"
	"github.com/craftline/conductor/internal/entity"
	"github.com/craftline/conductor/internal/link"
	"github.com/craftline/conductor/internal/workflow"
)

type Server struct {
	cfg      config.Config
	logger   *zap.Logger
	engine   *workflow.Engine
	entities entity.Repository
	links    *link.Service
	srv      *http.Server
}

func Module() fx.Option {
	return fx.Options(
		fx.Provide(NewServer),
		fx.Invoke(RegisterHooks),
	)
}

func NewServer(cfg config.Config, logger *zap.Logger, engine *workflow.Engine, entities entity.Repository, links *link.Service) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		engine:   engine,
		entities: entities,
		links:    links,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/workflows", s.handleWorkflows)
	mux.HandleFunc("/v1/workflows/", s.handleWorkflowRoutes)
	mux.HandleFunc("/v1/transactions", s.handleTransactions)
	mux.HandleFunc("/v1/transactions/", s.handleTransactionRoutes)
	mux.HandleFunc("/v1/partners/inventory-orders/", s.handlePartnerOrderRoutes)
	mux.HandleFunc("/v1/designs/", s.handleDesignRoutes)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "conductor.http"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func RegisterHooks(lc fx.Lifecycle, server *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			server.logger.Info("http server starting", zap.String("addr", server.srv.Addr))
			go func() {
				if err := server.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					server.logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			server.logger.Info("http server stopping")
			return server.srv.Shutdown(shutdownCtx)
		},
	})
}
