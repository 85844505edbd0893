package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	httpapi "modhub/internal/http"
	"modhub/internal/module/cache"
	modulehandler "modhub/internal/module/handler"
	"modhub/internal/module/source"
	"modhub/internal/platform/httpserver"
	searchhandler "modhub/internal/search/handler"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default :8000)")
	cmd.Flags().Bool("watch", true, "invalidate the registry when module source changes")
	cmd.Flags().String("refresh-schedule", "", `cron spec for background rebuilds, e.g. "@every 10m"`)
	_ = v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("registry.watch", cmd.Flags().Lookup("watch"))
	_ = v.BindPFlag("registry.refresh_schedule", cmd.Flags().Lookup("refresh-schedule"))
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	a, err := newApp(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	search, err := a.searchService(ctx)
	if err != nil {
		return err
	}

	checks := map[string]httpapi.HealthChecker{}
	if a.redis != nil {
		checks["redis"] = a.redis
	}
	router := httpapi.NewRouter(httpapi.Config{
		Logger:         a.logger,
		Metrics:        a.http,
		Gatherer:       a.registry,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Checks:         checks,
		Features: []httpapi.Registrar{
			modulehandler.New(a.modules, a.logger),
			searchhandler.New(search, a.logger),
		},
	})
	srv := httpserver.New(a.cfg.Server.Addr, router)

	if spec := a.cfg.Registry.RefreshSchedule; spec != "" {
		schedule, err := cache.NewRefreshSchedule(spec, a.cache.Refresh, a.logger)
		if err != nil {
			return err
		}
		schedule.Start()
		defer schedule.Stop(context.WithoutCancel(ctx))
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Registry.Watch {
		w := source.NewWatcher(a.cfg.Registry.SourceDir, a.cfg.Registry.WatchDebounce, a.cache.Invalidate, a.logger)
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				a.logger.WarnContext(gctx, "module watcher stopped; listings rely on max age only", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return httpserver.Run(gctx, srv, a.cfg.Server.ShutdownTimeout, a.logger)
	})
	return g.Wait()
}
