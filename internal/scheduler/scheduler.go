package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pricewatch/internal/alerts"
	"pricewatch/internal/history"
	"pricewatch/internal/logger"
	"pricewatch/internal/models"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Fetcher retrieves current snapshots for a set of coin IDs.
type Fetcher interface {
	FetchCurrentPrices(ctx context.Context, coinIDs []string) ([]models.PriceSnapshot, error)
}

// Dispatcher receives each tick's snapshots and triggered rules.
type Dispatcher interface {
	BroadcastSnapshots(ctx context.Context, snaps []models.PriceSnapshot)
	Trigger(ctx context.Context, rule models.AlertRule, snap models.PriceSnapshot)
}

// Options wire a Scheduler. Fetcher, Rules, History and Dispatcher are
// required.
type Options struct {
	Fetcher    Fetcher
	Rules      alerts.RuleStore
	History    history.Store
	Dispatcher Dispatcher

	Coins            []string
	TickInterval     time.Duration
	SampleEveryTicks int
	Retention        time.Duration
	CleanupSchedule  string
}

// Scheduler drives the two recurring loops: the short price tick and the
// daily history cleanup. Every tick body runs inside its own failure
// boundary; an error or panic in one tick never stops the timers.
type Scheduler struct {
	fetcher    Fetcher
	rules      alerts.RuleStore
	history    history.Store
	dispatcher Dispatcher

	coins           []string
	tickInterval    time.Duration
	sampleEvery     int64
	retention       time.Duration
	cleanupSchedule string

	tickCount atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Cron
	running bool
}

func New(opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 10 * time.Second
	}
	if opts.SampleEveryTicks <= 0 {
		opts.SampleEveryTicks = 60
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.CleanupSchedule == "" {
		opts.CleanupSchedule = "0 3 * * *"
	}
	return &Scheduler{
		fetcher:         opts.Fetcher,
		rules:           opts.Rules,
		history:         opts.History,
		dispatcher:      opts.Dispatcher,
		coins:           opts.Coins,
		tickInterval:    opts.TickInterval,
		sampleEvery:     int64(opts.SampleEveryTicks),
		retention:       opts.Retention,
		cleanupSchedule: opts.CleanupSchedule,
	}
}

// Start launches both timers. Idempotent while running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cleanupSchedule, func() {
		s.cleanup(runCtx)
	}); err != nil {
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
		cancel()
		return err
	}
	s.cron.Start()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()

	logger.Log.Info("Price ingestion scheduler started",
		zap.Duration("tick_interval", s.tickInterval),
		zap.Strings("coins", s.coins),
	)
	return nil
}

// Stop cancels the loops and waits for in-flight ticks to finish, bounded
// by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	cronJob := s.cron
	s.running = false
	s.cancel = nil
	s.cron = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cronJob != nil {
		<-cronJob.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.Log.Info("Price ingestion scheduler stopped")
	return nil
}

// tick is one ingestion cycle: fetch, broadcast, evaluate, sample.
// Broadcast always happens before rule evaluation so a bad rule cannot
// suppress the feed.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Ingestion tick panicked", zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, 3*s.tickInterval)
	defer cancel()

	snaps, err := s.fetcher.FetchCurrentPrices(ctx, s.coins)
	if err != nil {
		logger.Log.Error("Price fetch failed, skipping tick", zap.Error(err))
		return
	}
	if len(snaps) == 0 {
		return
	}

	s.dispatcher.BroadcastSnapshots(ctx, snaps)
	s.evaluateRules(ctx, snaps)

	if n := s.tickCount.Add(1); n%s.sampleEvery == 0 {
		if err := s.history.InsertSamples(ctx, snaps); err != nil {
			logger.Log.Error("Failed to persist history sample", zap.Error(err))
		}
	}
}

// evaluateRules checks the active rule set, read once at tick start,
// against this tick's snapshots. A rule edited or deleted between the read
// and the trigger may fire once more; see DESIGN.md.
func (s *Scheduler) evaluateRules(ctx context.Context, snaps []models.PriceSnapshot) {
	rules, err := s.rules.ListActive(ctx)
	if err != nil {
		logger.Log.Error("Failed to list active rules", zap.Error(err))
		return
	}

	bySymbol := make(map[string]models.PriceSnapshot, len(snaps))
	for _, snap := range snaps {
		bySymbol[models.CanonicalSymbol(snap.Symbol)] = snap
	}

	for _, rule := range rules {
		snap, ok := bySymbol[models.CanonicalSymbol(rule.Symbol)]
		if !ok {
			continue
		}
		if alerts.Evaluate(*rule, snap) {
			s.dispatcher.Trigger(ctx, *rule, snap)
		}
	}
}

// cleanup purges history samples past the retention window.
func (s *Scheduler) cleanup(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("History cleanup panicked", zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.retention)
	purged, err := s.history.Purge(ctx, cutoff)
	if err != nil {
		logger.Log.Error("History cleanup failed", zap.Error(err))
		return
	}
	logger.Log.Info("History cleanup completed",
		zap.Int64("purged", purged),
		zap.Time("cutoff", cutoff),
	)
}
