package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"

	"modhub/internal/module/cache"
	modulemetrics "modhub/internal/module/metrics"
	moduleservice "modhub/internal/module/service"
	"modhub/internal/module/source"
	"modhub/internal/module/store"
	"modhub/internal/platform/config"
	"modhub/internal/platform/logger"
	platformmetrics "modhub/internal/platform/metrics"
	redisclient "modhub/internal/platform/redis"
	"modhub/internal/platform/tracing"
	"modhub/internal/search/completer"
	searchmetrics "modhub/internal/search/metrics"
	searchservice "modhub/internal/search/service"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	http     *platformmetrics.Metrics
	search   *searchmetrics.Metrics
	redis    *redisclient.Client
	tracing  *tracing.Provider
	source   *source.DirSource
	cache    *cache.Cache
	modules  *moduleservice.Service
}

func newApp(ctx context.Context, v *viper.Viper) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	moduleMetrics := modulemetrics.NewWithRegisterer(reg)

	a := &app{
		cfg:      cfg,
		logger:   log,
		registry: reg,
		http:     platformmetrics.NewWithRegisterer(reg),
		search:   searchmetrics.NewWithRegisterer(reg),
	}

	a.tracing, err = tracing.Setup(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		Writer:       os.Stderr,
	})
	if err != nil {
		return nil, err
	}

	a.redis, err = redisclient.New(ctx, cfg.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}

	var snapshots cache.SnapshotStore = cache.NewFileSnapshot(osfs.New(cfg.Registry.SnapshotDir), ".")
	if a.redis != nil {
		snapshots = cache.NewRedisSnapshot(a.redis.Client, cfg.Redis.KeyPrefix)
	}

	if _, err := os.Stat(cfg.Registry.SourceDir); err != nil {
		a.Close()
		return nil, fmt.Errorf("module source %s: %w", cfg.Registry.SourceDir, err)
	}
	a.source = source.NewDirSource(osfs.New(cfg.Registry.SourceDir), source.WithExtensions(cfg.Registry.Extensions...))
	a.cache = cache.New(a.source,
		cache.WithLogger(log),
		cache.WithMetrics(moduleMetrics),
		cache.WithSnapshotStore(snapshots),
		cache.WithConcurrency(cfg.Registry.Concurrency),
		cache.WithRebuildTimeout(cfg.Registry.RebuildTimeout),
	)
	st := store.NewFileStore(osfs.New(cfg.Store.Dir), ".", store.WithMetrics(moduleMetrics))
	a.modules = moduleservice.New(a.cache, st, a.source,
		moduleservice.WithLogger(log),
		moduleservice.WithDefaultMaxAge(cfg.Registry.MaxAge),
		moduleservice.WithDefaultURL(cfg.Server.DefaultModuleURL),
	)
	return a, nil
}

// searchService builds the model-backed search service. It is separate from
// newApp so registry commands work without model credentials.
func (a *app) searchService(ctx context.Context) (*searchservice.Service, error) {
	c, err := completer.New(ctx, completer.Config{
		Provider: a.cfg.LLM.Provider,
		APIKey:   a.cfg.LLM.APIKey,
		BaseURL:  a.cfg.LLM.BaseURL,
		Model:    a.cfg.LLM.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("create completer: %w", err)
	}
	return searchservice.New(c, a.source,
		searchservice.WithLogger(a.logger),
		searchservice.WithMetrics(a.search),
		searchservice.WithAnchor(a.cfg.Search.Anchor),
		searchservice.WithThreshold(a.cfg.Search.Threshold),
		searchservice.WithTimeout(a.cfg.LLM.Timeout),
		searchservice.WithFilesRoot(a.cfg.Search.FilesRoot),
		searchservice.WithMaxCandidates(a.cfg.Search.MaxCandidates),
		searchservice.WithFilesCacheTTL(a.cfg.Search.FilesCacheTTL),
	)
}

func (a *app) Close() {
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to flush traces", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", "error", err)
		}
	}
}
