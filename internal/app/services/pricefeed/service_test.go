package pricefeed

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/big"
	"testing"
	"time"

	pricefeedDomain "github.com/R3E-Network/sessionpay/internal/app/domain/pricefeed"
	"github.com/R3E-Network/sessionpay/internal/app/storage/memory"
	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
	"github.com/R3E-Network/sessionpay/pkg/logger"
)

func TestService_FeedLifecycle(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()

	feed, err := svc.CreateFeed(ctx, FeedSpec{BaseAsset: "pol", QuoteAsset: "usd", Heartbeat: "@every 1h", DeviationPercent: 0.5})
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}
	if !feed.Active || feed.Pair != "POL/USD" {
		t.Fatalf("unexpected feed state: %#v", feed)
	}

	if _, err := svc.CreateFeed(ctx, FeedSpec{BaseAsset: "POL", QuoteAsset: "USD", DeviationPercent: 0.5}); svcerrors.CodeOf(err) != svcerrors.CodeConflict {
		t.Fatalf("expected duplicate pair conflict, got %v", err)
	}
	if _, err := svc.CreateFeed(ctx, FeedSpec{BaseAsset: "ETH", QuoteAsset: "USD", Heartbeat: "whenever", DeviationPercent: 1}); err == nil {
		t.Fatalf("expected heartbeat validation error")
	}

	ensured, err := svc.EnsureFeed(ctx, FeedSpec{BaseAsset: "pol", QuoteAsset: "usd", DeviationPercent: 9})
	if err != nil || ensured.ID != feed.ID {
		t.Fatalf("ensure feed returned %#v, %v", ensured, err)
	}

	newHeartbeat := "@every 2h"
	newDeviation := 0.75
	updated, err := svc.UpdateFeed(ctx, feed.ID, &newHeartbeat, &newDeviation)
	if err != nil {
		t.Fatalf("update feed: %v", err)
	}
	if updated.Heartbeat != newHeartbeat || updated.DeviationPercent != newDeviation {
		t.Fatalf("feed update not applied: %#v", updated)
	}

	if _, err := svc.SetActive(ctx, feed.ID, false); err != nil {
		t.Fatalf("disable feed: %v", err)
	}

	if _, err := svc.RecordSnapshot(ctx, feed.ID, 0.25, "oracle", time.Now()); err != nil {
		t.Fatalf("record snapshot: %v", err)
	}
	if _, err := svc.RecordSnapshot(ctx, feed.ID, -1, "oracle", time.Now()); err == nil {
		t.Fatalf("expected negative price to fail")
	}

	snaps, err := svc.ListSnapshots(ctx, feed.ID, 10)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Pair != "POL/USD" {
		t.Fatalf("unexpected snapshots: %#v", snaps)
	}

	latest, err := svc.Latest(ctx, "pol/usd")
	if err != nil || latest.Price != 0.25 {
		t.Fatalf("latest = %#v, %v", latest, err)
	}
}

func TestLatestAndToUSD(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	usd, err := svc.ToUSD(ctx, big.NewInt(10_000_000), 6, "USDC/USD")
	if err != nil || usd != 10 {
		t.Fatalf("expected par conversion, got %v %v", usd, err)
	}

	if _, err := svc.Latest(ctx, "ETH/USD"); svcerrors.CodeOf(err) != svcerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	feed, err := svc.CreateFeed(ctx, FeedSpec{BaseAsset: "USDC", QuoteAsset: "USD", DeviationPercent: 0.1})
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}
	if _, err := svc.RecordSnapshot(ctx, feed.ID, 0.5, "test", time.Time{}); err != nil {
		t.Fatalf("record: %v", err)
	}
	usd, err = svc.ToUSD(ctx, big.NewInt(2_500_000), 6, "USDC/USD")
	if err != nil || usd != 1.25 {
		t.Fatalf("expected 1.25, got %v %v", usd, err)
	}
}

func TestOverviewAndHistory(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	par, err := svc.Overview(ctx, "USDC/USD")
	if err != nil || par.Price != 1 || par.Change24h != nil {
		t.Fatalf("unexpected par overview %+v %v", par, err)
	}
	if hist, err := svc.History(ctx, "USDC/USD", 10); err != nil || len(hist) != 0 {
		t.Fatalf("expected empty par history, got %v %v", hist, err)
	}
	if _, err := svc.History(ctx, "ETH/USD", 10); svcerrors.CodeOf(err) != svcerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	feed, err := svc.CreateFeed(ctx, FeedSpec{BaseAsset: "ETH", QuoteAsset: "USD", DeviationPercent: 0.5})
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, p := range []struct {
		price float64
		at    time.Duration
	}{{2000, 0}, {2100, 12 * time.Hour}, {2200, 25 * time.Hour}} {
		if _, err := svc.RecordSnapshot(ctx, feed.ID, p.price, "test", start.Add(p.at)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	fresh, err := svc.Overview(ctx, "eth/usd")
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if fresh.Price != 2200 || fresh.Change24h == nil || math.Abs(*fresh.Change24h-10) > 1e-9 {
		t.Fatalf("unexpected overview %+v", fresh)
	}

	hist, err := svc.History(ctx, "ETH/USD", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].Price != 2200 || hist[1].Price != 2100 {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestShouldRecord(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	feed := pricefeedDomain.Feed{DeviationPercent: 1, Heartbeat: "@every 10m"}
	latest := &pricefeedDomain.Snapshot{Price: 100, CollectedAt: base}

	cases := []struct {
		name  string
		price float64
		at    time.Time
		want  bool
	}{
		{"no prior snapshot", 100, base, true},
		{"small move before heartbeat", 100.5, base.Add(time.Minute), false},
		{"deviation reached", 101, base.Add(time.Minute), true},
		{"heartbeat due", 100, base.Add(10 * time.Minute), true},
	}
	for _, tc := range cases {
		prev := latest
		if tc.name == "no prior snapshot" {
			prev = nil
		}
		if got := ShouldRecord(feed, prev, tc.price, tc.at); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestRefresherRecordsOnDeviation(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()
	feed, err := svc.CreateFeed(ctx, FeedSpec{BaseAsset: "POL", QuoteAsset: "USD", Heartbeat: "@every 1h", DeviationPercent: 1})
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}
	if _, err := svc.CreateFeed(ctx, FeedSpec{BaseAsset: "OFF", QuoteAsset: "USD", DeviationPercent: 1}); err != nil {
		t.Fatalf("create feed: %v", err)
	}

	prices := StaticFetcher{"POL/USD": 0.20}
	refresher := NewRefresher(svc, "", nil)
	refresher.WithFetcher(prices)

	refresher.RefreshNow(ctx)
	prices["POL/USD"] = 0.2001
	refresher.RefreshNow(ctx)
	prices["POL/USD"] = 0.25
	refresher.RefreshNow(ctx)

	snaps, err := svc.ListSnapshots(ctx, feed.ID, 0)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 2 || snaps[0].Price != 0.25 {
		t.Fatalf("unexpected snapshots: %#v", snaps)
	}
}

func TestRefresherLifecycle(t *testing.T) {
	svc := New(memory.New(), nil)
	feed, err := svc.CreateFeed(context.Background(), FeedSpec{BaseAsset: "POL", QuoteAsset: "USD", DeviationPercent: 0.5})
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}
	refresher := NewRefresher(svc, "@every 1s", nil)
	refresher.WithFetcher(FetcherFunc(func(ctx context.Context, f pricefeedDomain.Feed) (float64, string, error) {
		return 0.23, "test", nil
	}))

	if err := refresher.Start(context.Background()); err != nil {
		t.Fatalf("start refresher: %v", err)
	}
	if err := refresher.Start(context.Background()); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snaps, _ := svc.ListSnapshots(context.Background(), feed.ID, 1)
		if len(snaps) == 1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err := refresher.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	snaps, err := svc.ListSnapshots(context.Background(), feed.ID, 0)
	if err != nil || len(snaps) == 0 {
		t.Fatalf("expected snapshot recorded, got %d (%v)", len(snaps), err)
	}
}

func TestRefresherRejectsBadSchedule(t *testing.T) {
	refresher := NewRefresher(New(memory.New(), nil), "not a schedule", nil)
	if err := refresher.Start(context.Background()); err == nil {
		t.Fatalf("expected schedule error")
	}
	if err := refresher.Stop(context.Background()); err != nil {
		t.Fatalf("stop after failed start: %v", err)
	}
}

func ExampleService_CreateFeed() {
	log := logger.NewDefault("example-pricefeed")
	log.SetOutput(io.Discard)
	svc := New(memory.New(), log)
	feed, _ := svc.CreateFeed(context.Background(), FeedSpec{BaseAsset: "btc", QuoteAsset: "usd", DeviationPercent: 0.5})
	fmt.Println(feed.Pair, feed.Active)
	// Output:
	// BTC/USD true
}
