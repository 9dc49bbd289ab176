package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the expiry scheduler",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Sync()

		app := fx.New(
			fx.Supply(cfg, log),
			fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
				return &fxevent.ZapLogger{Logger: log.Named("fx")}
			}),
			fx.Provide(
				provideComponents,
				provideHandler,
				provideHTTPServer,
			),
			fx.Invoke(
				runScheduler,
				runHTTPServer,
			),
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func provideComponents(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*components, error) {
	c, err := newComponents(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return c.Close() },
	})
	return c, nil
}

func provideHandler(c *components) *api.Handler {
	return api.NewHandler(c.ledger, c.engine, c.policies, c.scheduler, c.log.Named("http"))
}

func provideHTTPServer(cfg *config.Config, c *components, h *api.Handler) *http.Server {
	return &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(h, api.RouterConfig{
			JWTSecret: []byte(cfg.Auth.JWTSecret),
			Gatherer:  c.registry,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
}

func runScheduler(lc fx.Lifecycle, c *components) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			c.scheduler.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			c.scheduler.Stop()
			return nil
		},
	})
}

func runHTTPServer(lc fx.Lifecycle, srv *http.Server, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down http server")
			return srv.Shutdown(ctx)
		},
	})
}
