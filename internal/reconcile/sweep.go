package reconcile

import (
	"context"
	"time"

	"github.com/fleetctl/fleetctl/internal/obslog"
	"github.com/fleetctl/fleetctl/internal/obsmetrics"
	"github.com/fleetctl/fleetctl/internal/store"
	"go.uber.org/zap"
)

// StaleSweeper periodically demotes bots whose heartbeat has gone
// silent — spec.md §4.5. It is bounded per run (page size) per the
// Open Question resolution in spec.md §9: "recommend yes (page size +
// throttle) to avoid storms after long outages."
type StaleSweeper struct {
	bots      *store.BotRepo
	interval  time.Duration
	threshold time.Duration
	pageSize  int
	metrics   *obsmetrics.Registry
}

func NewStaleSweeper(bots *store.BotRepo, interval, threshold time.Duration, pageSize int, metrics *obsmetrics.Registry) *StaleSweeper {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &StaleSweeper{bots: bots, interval: interval, threshold: threshold, pageSize: pageSize, metrics: metrics}
}

// Run blocks until ctx is cancelled, ticking at s.interval. It is safe
// to run from one or many worker processes concurrently: the
// transition itself is guarded by "WHERE status = online" in the
// database, not by any in-process coordination.
func (s *StaleSweeper) Run(ctx context.Context) error {
	log := obslog.From(ctx).With(zap.String("component", "stale_sweeper"))
	log.Info("stale sweeper started", zap.Duration("interval", s.interval), zap.Duration("threshold", s.threshold))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("stale sweeper stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(ctx, log); err != nil {
				log.Error("stale sweep tick failed", zap.Error(err))
			}
		}
	}
}

func (s *StaleSweeper) tick(ctx context.Context, log *zap.Logger) error {
	stale, err := s.bots.ListStale(ctx, s.threshold, time.Now(), s.pageSize)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	if len(stale) == s.pageSize {
		log.Warn("stale sweep hit its page size, more stale bots may remain for the next tick",
			zap.Int("page_size", s.pageSize))
	}

	transitioned := 0
	for _, bot := range stale {
		ok, err := s.bots.TransitionOnlineToError(ctx, bot.ID)
		if err != nil {
			log.Error("stale sweep: failed to transition bot", zap.String("bot_id", bot.ID), zap.Error(err))
			continue
		}
		if ok {
			transitioned++
			if s.metrics != nil {
				s.metrics.StaleSweepTransitions.Inc()
			}
		}
	}
	log.Info("stale sweep tick complete", zap.Int("candidates", len(stale)), zap.Int("transitioned", transitioned))
	return nil
}
