package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	domain "github.com/R3E-Network/sessionpay/internal/app/domain/pricefeed"
)

func TestHTTPFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("base") != "POL" || r.URL.Query().Get("quote") != "USD" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("expected auth header, got %q", got)
		}
		w.Write([]byte(`{"price": 10.5, "source": "test"}`))
	}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(server.Client(), server.URL, "token", nil)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	price, source, err := fetcher.Fetch(context.Background(), domain.Feed{BaseAsset: "POL", QuoteAsset: "USD"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if price != 10.5 || source != "test" {
		t.Fatalf("unexpected result price=%v source=%s", price, source)
	}
}

func TestHTTPFetcherFeedSourceAndPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"matic-network": {"usd": "0.2314"}}`))
	}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(server.Client(), "", "", nil)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	feed := domain.Feed{
		Pair:      "POL/USD",
		SourceURL: server.URL + "/simple/price?ids=matic-network&vs_currencies=usd",
		PricePath: `$["matic-network"].usd`,
	}
	price, source, err := fetcher.Fetch(context.Background(), feed)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if price != 0.2314 || source == "" {
		t.Fatalf("unexpected result price=%v source=%s", price, source)
	}

	if _, _, err := fetcher.Fetch(context.Background(), domain.Feed{Pair: "X/Y"}); err == nil {
		t.Fatalf("expected error without source or endpoint")
	}
	feed.PricePath = "$.missing"
	if _, _, err := fetcher.Fetch(context.Background(), feed); err == nil {
		t.Fatalf("expected error for missing path")
	}
}
