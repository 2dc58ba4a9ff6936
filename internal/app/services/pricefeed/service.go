package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/domain/pricefeed"
	"github.com/R3E-Network/sessionpay/internal/app/storage"
	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
	"github.com/R3E-Network/sessionpay/pkg/logger"
	"github.com/robfig/cron/v3"
)

// Stablecoin pairs that read as 1.0 until a real snapshot exists.
var parPairs = map[string]bool{
	"USDC/USD":  true,
	"MUSDC/USD": true,
	"USDT/USD":  true,
}

// FeedSpec describes a feed to create.
type FeedSpec struct {
	BaseAsset        string
	QuoteAsset       string
	SourceURL        string
	PricePath        string
	Heartbeat        string
	DeviationPercent float64
}

// Service manages price feed definitions and price snapshots.
type Service struct {
	store storage.PriceFeedStore
	log   *logger.Logger
}

// New constructs a price feed service.
func New(store storage.PriceFeedStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("pricefeed")
	}
	return &Service{
		store: store,
		log:   log,
	}
}

// Pair renders the canonical BASE/QUOTE name.
func Pair(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
}

// CreateFeed registers a new price feed definition.
func (s *Service) CreateFeed(ctx context.Context, spec FeedSpec) (pricefeed.Feed, error) {
	base := strings.ToUpper(strings.TrimSpace(spec.BaseAsset))
	quote := strings.ToUpper(strings.TrimSpace(spec.QuoteAsset))
	heartbeat := strings.TrimSpace(spec.Heartbeat)

	if base == "" || quote == "" {
		return pricefeed.Feed{}, svcerrors.Validation("base_asset and quote_asset are required")
	}
	if spec.DeviationPercent <= 0 {
		return pricefeed.Feed{}, svcerrors.Validation("deviation_percent must be positive")
	}
	if heartbeat == "" {
		heartbeat = "@every 10m"
	}
	if _, err := cron.ParseStandard(heartbeat); err != nil {
		return pricefeed.Feed{}, svcerrors.Validation(fmt.Sprintf("invalid heartbeat %q: %v", heartbeat, err))
	}

	feed := pricefeed.Feed{
		BaseAsset:        base,
		QuoteAsset:       quote,
		Pair:             base + "/" + quote,
		SourceURL:        strings.TrimSpace(spec.SourceURL),
		PricePath:        strings.TrimSpace(spec.PricePath),
		Heartbeat:        heartbeat,
		DeviationPercent: spec.DeviationPercent,
		Active:           true,
	}
	feed, err := s.store.CreatePriceFeed(ctx, feed)
	if errors.Is(err, storage.ErrExists) {
		return pricefeed.Feed{}, svcerrors.New(svcerrors.CodeConflict, "price feed for pair "+base+"/"+quote+" already exists", http.StatusConflict)
	}
	if err != nil {
		return pricefeed.Feed{}, err
	}
	s.log.WithField("feed_id", feed.ID).
		WithField("pair", feed.Pair).
		Info("price feed created")
	return feed, nil
}

// EnsureFeed returns the feed for spec's pair, creating it when missing.
func (s *Service) EnsureFeed(ctx context.Context, spec FeedSpec) (pricefeed.Feed, error) {
	feed, err := s.store.GetPriceFeedByPair(ctx, Pair(spec.BaseAsset, spec.QuoteAsset))
	if err == nil {
		return feed, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return pricefeed.Feed{}, err
	}
	return s.CreateFeed(ctx, spec)
}

// UpdateFeed updates mutable fields on a feed.
func (s *Service) UpdateFeed(ctx context.Context, feedID string, heartbeat *string, deviation *float64) (pricefeed.Feed, error) {
	feed, err := s.store.GetPriceFeed(ctx, feedID)
	if err != nil {
		return pricefeed.Feed{}, err
	}

	if heartbeat != nil {
		trimmed := strings.TrimSpace(*heartbeat)
		if trimmed == "" {
			return pricefeed.Feed{}, svcerrors.Validation("heartbeat cannot be empty")
		}
		if _, err := cron.ParseStandard(trimmed); err != nil {
			return pricefeed.Feed{}, svcerrors.Validation(fmt.Sprintf("invalid heartbeat %q: %v", trimmed, err))
		}
		feed.Heartbeat = trimmed
	}
	if deviation != nil {
		if *deviation <= 0 {
			return pricefeed.Feed{}, svcerrors.Validation("deviation_percent must be positive")
		}
		feed.DeviationPercent = *deviation
	}

	feed, err = s.store.UpdatePriceFeed(ctx, feed)
	if err != nil {
		return pricefeed.Feed{}, err
	}
	s.log.WithField("feed_id", feed.ID).Info("price feed updated")
	return feed, nil
}

// SetActive toggles the active flag.
func (s *Service) SetActive(ctx context.Context, feedID string, active bool) (pricefeed.Feed, error) {
	feed, err := s.store.GetPriceFeed(ctx, feedID)
	if err != nil {
		return pricefeed.Feed{}, err
	}
	if feed.Active == active {
		return feed, nil
	}

	feed.Active = active
	feed, err = s.store.UpdatePriceFeed(ctx, feed)
	if err != nil {
		return pricefeed.Feed{}, err
	}

	s.log.WithField("feed_id", feed.ID).
		WithField("active", active).
		Info("price feed state changed")
	return feed, nil
}

// RecordSnapshot stores a price observation.
func (s *Service) RecordSnapshot(ctx context.Context, feedID string, price float64, source string, collectedAt time.Time) (pricefeed.Snapshot, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return pricefeed.Snapshot{}, svcerrors.Validation("price must be positive")
	}
	source = strings.TrimSpace(source)
	if source == "" {
		source = "manual"
	}

	feed, err := s.store.GetPriceFeed(ctx, feedID)
	if err != nil {
		return pricefeed.Snapshot{}, err
	}

	snap := pricefeed.Snapshot{
		FeedID:      feedID,
		Pair:        feed.Pair,
		Price:       price,
		Source:      source,
		CollectedAt: collectedAt.UTC(),
	}
	if collectedAt.IsZero() {
		snap.CollectedAt = time.Now().UTC()
	}
	return s.store.CreatePriceSnapshot(ctx, snap)
}

// ShouldRecord reports whether price is worth storing given the latest
// snapshot: it moved by at least the feed's deviation or the heartbeat is due.
func ShouldRecord(feed pricefeed.Feed, latest *pricefeed.Snapshot, price float64, now time.Time) bool {
	if latest == nil || latest.Price <= 0 {
		return true
	}
	moved := math.Abs(price-latest.Price) / latest.Price * 100
	if moved >= feed.DeviationPercent {
		return true
	}
	sched, err := cron.ParseStandard(feed.Heartbeat)
	if err != nil {
		return true
	}
	return !now.Before(sched.Next(latest.CollectedAt))
}

// ListFeeds returns all feeds ordered by pair.
func (s *Service) ListFeeds(ctx context.Context) ([]pricefeed.Feed, error) {
	return s.store.ListPriceFeeds(ctx)
}

// ListSnapshots returns recorded prices for a feed, newest first.
func (s *Service) ListSnapshots(ctx context.Context, feedID string, limit int) ([]pricefeed.Snapshot, error) {
	return s.store.ListPriceSnapshots(ctx, feedID, limit)
}

// GetFeed retrieves a single feed by identifier.
func (s *Service) GetFeed(ctx context.Context, feedID string) (pricefeed.Feed, error) {
	return s.store.GetPriceFeed(ctx, feedID)
}

// Latest returns the newest snapshot for pair.
func (s *Service) Latest(ctx context.Context, pair string) (pricefeed.Snapshot, error) {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	feed, err := s.store.GetPriceFeedByPair(ctx, pair)
	if err == nil {
		snap, serr := s.store.LatestPriceSnapshot(ctx, feed.ID)
		if serr == nil {
			return snap, nil
		}
		err = serr
	}
	if errors.Is(err, storage.ErrNotFound) {
		if parPairs[pair] {
			return pricefeed.Snapshot{Pair: pair, Price: 1.0, Source: "par"}, nil
		}
		return pricefeed.Snapshot{}, svcerrors.NotFound("price", pair)
	}
	return pricefeed.Snapshot{}, err
}

// Overview is the latest price for a pair with its change over the trailing
// day. Change24h is absent when no snapshot is old enough.
type Overview struct {
	pricefeed.Snapshot
	Change24h *float64 `json:"change_24h,omitempty"`
}

// Overview returns the latest price for pair with its 24h change.
func (s *Service) Overview(ctx context.Context, pair string) (Overview, error) {
	latest, err := s.Latest(ctx, pair)
	if err != nil {
		return Overview{}, err
	}
	out := Overview{Snapshot: latest}
	if latest.FeedID == "" {
		return out, nil
	}
	history, err := s.ListSnapshots(ctx, latest.FeedID, 0)
	if err != nil {
		return Overview{}, err
	}
	cutoff := latest.CollectedAt.Add(-24 * time.Hour)
	var base *pricefeed.Snapshot
	for i := range history {
		snap := &history[i]
		if snap.Price <= 0 || snap.CollectedAt.After(cutoff) {
			continue
		}
		if base == nil || snap.CollectedAt.After(base.CollectedAt) {
			base = snap
		}
	}
	if base != nil {
		change := (latest.Price - base.Price) / base.Price * 100
		out.Change24h = &change
	}
	return out, nil
}

// History returns recorded prices for pair, newest first. Par pairs without a
// feed have an empty history.
func (s *Service) History(ctx context.Context, pair string, limit int) ([]pricefeed.Snapshot, error) {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	feed, err := s.store.GetPriceFeedByPair(ctx, pair)
	if errors.Is(err, storage.ErrNotFound) {
		if parPairs[pair] {
			return []pricefeed.Snapshot{}, nil
		}
		return nil, svcerrors.NotFound("price feed", pair)
	}
	if err != nil {
		return nil, err
	}
	return s.ListSnapshots(ctx, feed.ID, limit)
}

// ToUSD converts amount in smallest units of a token with the given decimals
// into the quote currency of pair.
func (s *Service) ToUSD(ctx context.Context, amount *big.Int, decimals uint8, pair string) (float64, error) {
	if amount == nil {
		return 0, nil
	}
	snap, err := s.Latest(ctx, pair)
	if err != nil {
		return 0, err
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	units := new(big.Float).Quo(new(big.Float).SetInt(amount), scale)
	usd, _ := new(big.Float).Mul(units, big.NewFloat(snap.Price)).Float64()
	return usd, nil
}
