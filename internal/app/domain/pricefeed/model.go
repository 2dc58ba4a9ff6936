package pricefeed

import "time"

// Feed is a tracked asset pair and where its price is read from.
type Feed struct {
	ID               string    `json:"id"`
	BaseAsset        string    `json:"base_asset"`
	QuoteAsset       string    `json:"quote_asset"`
	Pair             string    `json:"pair"`
	SourceURL        string    `json:"source_url,omitempty"`
	PricePath        string    `json:"price_path,omitempty"`
	DeviationPercent float64   `json:"deviation_percent"`
	Heartbeat        string    `json:"heartbeat"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Snapshot captures a recorded price for a feed.
type Snapshot struct {
	ID          string    `json:"id"`
	FeedID      string    `json:"feed_id"`
	Pair        string    `json:"pair"`
	Price       float64   `json:"price"`
	Source      string    `json:"source"`
	CollectedAt time.Time `json:"collected_at"`
	CreatedAt   time.Time `json:"created_at"`
}
