package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/R3E-Network/sessionpay/internal/app/domain/pricefeed"
	"github.com/R3E-Network/sessionpay/pkg/logger"
)

// DefaultPricePath is used when a feed does not set its own expression.
const DefaultPricePath = "$.price"

// Fetcher retrieves prices for a feed.
type Fetcher interface {
	Fetch(ctx context.Context, feed pricefeed.Feed) (float64, string, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, feed pricefeed.Feed) (float64, string, error)

func (f FetcherFunc) Fetch(ctx context.Context, feed pricefeed.Feed) (float64, string, error) {
	if f == nil {
		return 0, "", nil
	}
	return f(ctx, feed)
}

// HTTPFetcher reads a JSON document and extracts the price with a JSONPath
// expression. A feed's SourceURL overrides the default endpoint; without one
// the endpoint is queried with base and quote parameters.
type HTTPFetcher struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	log      *logger.Logger
}

// NewHTTPFetcher constructs a fetcher. endpoint may be empty when every feed
// carries its own SourceURL.
func NewHTTPFetcher(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPFetcher, error) {
	var parsed *url.URL
	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		var err error
		if parsed, err = url.Parse(endpoint); err != nil {
			return nil, fmt.Errorf("parse price endpoint: %w", err)
		}
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("pricefeed-fetcher")
	}
	return &HTTPFetcher{client: client, endpoint: parsed, apiKey: strings.TrimSpace(apiKey), log: log}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, feed pricefeed.Feed) (float64, string, error) {
	target, err := f.target(feed)
	if err != nil {
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return 0, "", fmt.Errorf("build price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("price request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("price endpoint status %d", resp.StatusCode)
	}

	var doc interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return 0, "", fmt.Errorf("decode price response: %w", err)
	}

	path := feed.PricePath
	if path == "" {
		path = DefaultPricePath
	}
	raw, err := jsonpath.Get(path, doc)
	if err != nil {
		return 0, "", fmt.Errorf("evaluate %s: %w", path, err)
	}
	price, err := toFloat(raw)
	if err != nil {
		return 0, "", fmt.Errorf("evaluate %s: %w", path, err)
	}

	source := target.Host
	if s, err := jsonpath.Get("$.source", doc); err == nil {
		if str, ok := s.(string); ok && str != "" {
			source = str
		}
	}
	return price, source, nil
}

func (f *HTTPFetcher) target(feed pricefeed.Feed) (*url.URL, error) {
	if feed.SourceURL != "" {
		return url.Parse(feed.SourceURL)
	}
	if f.endpoint == nil {
		return nil, fmt.Errorf("feed %s has no source and no default endpoint is configured", feed.Pair)
	}
	u := *f.endpoint
	q := u.Query()
	q.Set("base", feed.BaseAsset)
	q.Set("quote", feed.QuoteAsset)
	u.RawQuery = q.Encode()
	return &u, nil
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case string:
		return strconv.ParseFloat(t, 64)
	case []interface{}:
		if len(t) == 1 {
			return toFloat(t[0])
		}
	}
	return 0, fmt.Errorf("unexpected price value %v", v)
}

// StaticFetcher reports fixed prices keyed by pair.
type StaticFetcher map[string]float64

func (s StaticFetcher) Fetch(_ context.Context, feed pricefeed.Feed) (float64, string, error) {
	p, ok := s[feed.Pair]
	if !ok {
		return 0, "", fmt.Errorf("no static price for %s", feed.Pair)
	}
	return p, "static", nil
}
