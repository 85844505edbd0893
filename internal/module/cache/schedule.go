package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// RefreshSchedule rebuilds the registry on a cron schedule so listings stay
// warm between requests.
type RefreshSchedule struct {
	cron *cron.Cron
}

// NewRefreshSchedule registers refresh under spec (standard five-field cron
// or a descriptor such as "@every 10m"). Runs never overlap; a tick that
// arrives while a refresh is running is skipped.
func NewRefreshSchedule(spec string, refresh func(context.Context) (RebuildReport, error), logger *slog.Logger) (*RefreshSchedule, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		ctx := context.Background()
		report, err := refresh(ctx)
		if err != nil {
			logger.WarnContext(ctx, "scheduled registry refresh failed", "error", err)
			return
		}
		logger.InfoContext(ctx, "scheduled registry refresh",
			"modules", report.Modules,
			"skipped", len(report.Failures),
			"duration_ms", report.Duration.Milliseconds(),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return &RefreshSchedule{cron: c}, nil
}

// Start begins firing in the background.
func (s *RefreshSchedule) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running refresh to finish or ctx
// to end.
func (s *RefreshSchedule) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
