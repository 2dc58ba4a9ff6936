package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/domain/pricefeed"
	"github.com/R3E-Network/sessionpay/internal/app/storage"
	"github.com/R3E-Network/sessionpay/internal/app/system"
	"github.com/R3E-Network/sessionpay/pkg/logger"
	"github.com/robfig/cron/v3"
)

var _ system.Service = (*Refresher)(nil)

// DefaultSchedule polls active feeds once a minute.
const DefaultSchedule = "@every 1m"

// Refresher polls active feeds on a cron schedule and records prices that
// moved past the feed's deviation or whose heartbeat is due.
type Refresher struct {
	service  *Service
	log      *logger.Logger
	schedule string
	fetcher  Fetcher
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewRefresher creates a lifecycle-managed price feed refresher.
func NewRefresher(service *Service, schedule string, log *logger.Logger) *Refresher {
	if log == nil {
		log = logger.NewDefault("pricefeed-runner")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Refresher{
		service:  service,
		log:      log,
		schedule: schedule,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithFetcher assigns the fetcher used to retrieve external prices.
func (r *Refresher) WithFetcher(fetcher Fetcher) {
	r.mu.Lock()
	r.fetcher = fetcher
	r.mu.Unlock()
}

func (r *Refresher) Name() string { return "pricefeed-refresher" }

func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.schedule, func() { r.RefreshNow(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule %q: %w", r.schedule, err)
	}
	c.Start()

	r.cron = c
	r.cancel = cancel
	r.running = true
	r.log.WithField("schedule", r.schedule).Info("price feed refresher started")
	return nil
}

func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c, cancel := r.cron, r.cancel
	r.running = false
	r.cron = nil
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	done := c.Stop()

	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("price feed refresher stopped")
	return nil
}

// RefreshNow runs one polling pass over active feeds.
func (r *Refresher) RefreshNow(ctx context.Context) {
	if r.service == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	feeds, err := r.service.ListFeeds(ctx)
	if err != nil {
		r.log.WithError(err).Warn("price feed refresher tick failed")
		return
	}

	r.mu.Lock()
	fetcher := r.fetcher
	r.mu.Unlock()

	if fetcher == nil {
		return
	}

	for _, feed := range feeds {
		if !feed.Active {
			continue
		}
		price, source, err := fetcher.Fetch(ctx, feed)
		if err != nil {
			r.log.WithError(err).
				WithField("feed_id", feed.ID).
				Warn("price fetch failed")
			continue
		}
		now := r.now()
		if !ShouldRecord(feed, r.latest(ctx, feed), price, now) {
			continue
		}
		if _, err := r.service.RecordSnapshot(ctx, feed.ID, price, source, now); err != nil {
			r.log.WithError(err).
				WithField("feed_id", feed.ID).
				Warn("record price snapshot failed")
		}
	}
}

func (r *Refresher) latest(ctx context.Context, feed pricefeed.Feed) *pricefeed.Snapshot {
	snap, err := r.service.store.LatestPriceSnapshot(ctx, feed.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.log.WithError(err).WithField("feed_id", feed.ID).Warn("load latest snapshot failed")
		}
		return nil
	}
	return &snap
}
