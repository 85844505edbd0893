// Package cache maintains the freshness-bounded listing of all known modules.
//
// The registry slot is rebuilt from a ports.ModuleSource on demand: when the
// cached entry is older than the caller's max age, when the caller forces it,
// or after Invalidate. Rebuilds are deduplicated through singleflight, so
// concurrent callers share one rebuild and never observe a half-written list.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"modhub/internal/module/identity"
	"modhub/internal/module/metrics"
	"modhub/internal/module/models"
	"modhub/internal/module/ports"
	"modhub/pkg/platform/sentinel"
	pstrings "modhub/pkg/platform/strings"
	"modhub/pkg/requestcontext"
)

// SlotModules is the key of the registry listing in the snapshot store.
const SlotModules = "modules"

const (
	defaultConcurrency    = 8
	defaultRebuildTimeout = 2 * time.Minute
)

// ErrRebuildTimeout is returned when a rebuild exceeds its time bound.
// Nothing is written to the cache in that case.
var ErrRebuildTimeout = errors.New("registry rebuild timed out")

// ListOptions controls a single listing.
type ListOptions struct {
	MaxAge      time.Duration
	ForceUpdate bool
	Lite        bool
}

// ItemFailure records a module that was skipped during a rebuild.
type ItemFailure struct {
	Name string
	Err  error
}

// RebuildReport summarizes one rebuild.
type RebuildReport struct {
	Modules   int
	Failures  []ItemFailure
	WrittenAt time.Time
	Duration  time.Duration
}

type rebuildResult struct {
	records []models.ModuleRecord
	report  RebuildReport
}

// Cache is the module registry cache.
type Cache struct {
	source    ports.ModuleSource
	snapshots SnapshotStore
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	concurrency    int
	rebuildTimeout time.Duration

	mu    sync.RWMutex
	entry *Snapshot
	stale bool
	// gen counts invalidations. A rebuild only clears stale when no
	// invalidation arrived after it started listing.
	gen uint64

	warmOnce sync.Once
	group    singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithSnapshotStore enables warm start and write-through persistence.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(c *Cache) {
		c.snapshots = s
	}
}

// WithConcurrency bounds how many modules are derived in parallel.
func WithConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRebuildTimeout bounds the duration of a whole rebuild.
func WithRebuildTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.rebuildTimeout = d
		}
	}
}

// New creates a registry cache over source.
func New(source ports.ModuleSource, opts ...Option) *Cache {
	c := &Cache{
		source:         source,
		logger:         slog.Default(),
		tracer:         otel.Tracer("modhub/internal/module/cache"),
		concurrency:    defaultConcurrency,
		rebuildTimeout: defaultRebuildTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List returns the registry, rebuilding it when the cached entry is stale,
// missing, invalidated or when opts.ForceUpdate is set.
func (c *Cache) List(ctx context.Context, opts ListOptions) ([]models.ModuleRecord, error) {
	c.warm(ctx)

	if !opts.ForceUpdate {
		if records, ok := c.fresh(requestcontext.Now(ctx), opts.MaxAge); ok {
			if c.metrics != nil {
				c.metrics.IncrementCacheHit()
			}
			return models.Project(records, opts.Lite), nil
		}
	}
	if c.metrics != nil {
		c.metrics.IncrementCacheMiss()
	}

	res, err := c.rebuildShared(ctx)
	if err != nil {
		return nil, err
	}
	return models.Project(res.records, opts.Lite), nil
}

// Refresh rebuilds the registry unconditionally and reports per-module outcomes.
func (c *Cache) Refresh(ctx context.Context) (RebuildReport, error) {
	c.warm(ctx)
	res, err := c.rebuildShared(ctx)
	if err != nil {
		return RebuildReport{}, err
	}
	return res.report, nil
}

// Invalidate marks the cached entry stale. The next List rebuilds.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.stale = true
	c.gen++
	c.mu.Unlock()
}

func (c *Cache) fresh(now time.Time, maxAge time.Duration) ([]models.ModuleRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil || c.stale {
		return nil, false
	}
	if !c.entry.Fresh(now, maxAge) {
		return nil, false
	}
	return c.entry.Value, true
}

func (c *Cache) warm(ctx context.Context) {
	if c.snapshots == nil {
		return
	}
	c.warmOnce.Do(func() {
		snap, err := c.snapshots.Load(ctx, SlotModules)
		if err != nil {
			if !errors.Is(err, sentinel.ErrNotFound) {
				c.logger.WarnContext(ctx, "failed to load registry snapshot", "error", err)
			}
			return
		}
		c.mu.Lock()
		if c.entry == nil {
			c.entry = &snap
		}
		c.mu.Unlock()
		c.logger.InfoContext(ctx, "registry snapshot loaded",
			"modules", len(snap.Value),
			"written_at", snap.WrittenAt,
		)
	})
}

// rebuildShared joins an in-flight rebuild or starts one. The rebuild itself
// is detached from the caller's cancellation so one departing caller cannot
// abort work others are waiting on.
func (c *Cache) rebuildShared(ctx context.Context) (rebuildResult, error) {
	ch := c.group.DoChan(SlotModules, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.rebuildTimeout)
		defer cancel()
		return c.rebuild(rctx)
	})
	select {
	case <-ctx.Done():
		return rebuildResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return rebuildResult{}, res.Err
		}
		return res.Val.(rebuildResult), nil
	}
}

func (c *Cache) rebuild(ctx context.Context) (rebuildResult, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "registry.rebuild")
	defer span.End()

	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	res, err := c.derive(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrRebuildTimeout, c.rebuildTimeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "rebuild failed")
		if c.metrics != nil {
			c.metrics.IncrementRebuildFailure()
		}
		c.logger.ErrorContext(ctx, "registry rebuild failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return rebuildResult{}, err
	}

	res.report.Duration = time.Since(start)
	snap := Snapshot{Value: res.records, WrittenAt: res.report.WrittenAt}

	c.mu.Lock()
	c.entry = &snap
	superseded := c.gen != gen
	c.stale = superseded
	c.mu.Unlock()
	if superseded {
		c.logger.InfoContext(ctx, "registry invalidated during rebuild, keeping slot stale")
	}

	if c.snapshots != nil {
		if err := c.snapshots.Save(ctx, SlotModules, snap); err != nil {
			c.logger.WarnContext(ctx, "failed to save registry snapshot", "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("modules", res.report.Modules),
		attribute.Int("skipped", len(res.report.Failures)),
	)
	if c.metrics != nil {
		c.metrics.ObserveRebuild(start, res.report.Modules, len(res.report.Failures))
	}
	for _, f := range res.report.Failures {
		c.logger.WarnContext(ctx, "module skipped during rebuild",
			"module", f.Name,
			"error", f.Err,
		)
	}
	c.logger.InfoContext(ctx, "registry rebuilt",
		"request_id", requestcontext.RequestID(ctx),
		"modules", res.report.Modules,
		"skipped", len(res.report.Failures),
		"duration", res.report.Duration,
	)
	return res, nil
}

// derive lists, sorts and derives every module. Unreadable modules are skipped
// and reported; identity failures abort the whole rebuild.
func (c *Cache) derive(ctx context.Context) (rebuildResult, error) {
	names, err := c.source.ListModuleNames(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return rebuildResult{}, ctxErr
		}
		return rebuildResult{}, fmt.Errorf("list modules: %w", asUnavailable(err))
	}
	SortNames(names)

	writtenAt := requestcontext.Now(ctx)
	slots := make([]*models.ModuleRecord, len(names))
	skipped := make([]error, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, name := range names {
		g.Go(func() error {
			code, err := c.source.ReadCode(gctx, name)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				skipped[i] = err
				return nil
			}
			id, err := identity.Derive(c.source, code)
			if err != nil {
				return fmt.Errorf("module %s: %w", name, err)
			}
			rec := models.NewModuleRecord(name, code, id, writtenAt.Unix())
			slots[i] = &rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rebuildResult{}, err
	}

	records := make([]models.ModuleRecord, 0, len(names))
	var failures []ItemFailure
	for i, name := range names {
		if skipped[i] != nil {
			failures = append(failures, ItemFailure{Name: name, Err: skipped[i]})
			continue
		}
		records = append(records, *slots[i])
	}
	return rebuildResult{
		records: records,
		report: RebuildReport{
			Modules:   len(records),
			Failures:  failures,
			WrittenAt: writtenAt,
		},
	}, nil
}

// SortNames orders module names case-insensitively, breaking ties by byte
// order so the result is total and stable.
func SortNames(names []string) {
	slices.SortFunc(names, pstrings.CompareFold)
}

func asUnavailable(err error) error {
	if errors.Is(err, sentinel.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
}
