package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/R3E-Network/sessionpay/pkg/logger"
	"github.com/tidwall/gjson"
)

// HTTPGenerator calls an OpenAI-compatible chat completions endpoint.
type HTTPGenerator struct {
	client   *http.Client
	endpoint string
	apiKey   string
	system   string
	pricing  Pricing
	log      *logger.Logger
}

var _ Generator = (*HTTPGenerator)(nil)

// NewHTTPGenerator targets baseURL + "/chat/completions".
func NewHTTPGenerator(client *http.Client, baseURL, apiKey string, log *logger.Logger) (*HTTPGenerator, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("inference base url required")
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("inference")
	}
	return &HTTPGenerator{
		client:   client,
		endpoint: baseURL + "/chat/completions",
		apiKey:   strings.TrimSpace(apiKey),
		system:   DefaultSystemPrompt,
		pricing:  DefaultPricing,
		log:      log,
	}, nil
}

// WithPricing overrides the price table used for Result.Cost.
func (g *HTTPGenerator) WithPricing(p Pricing) *HTTPGenerator {
	g.pricing = p
	return g
}

func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(map[string]any{
		"model": req.Model,
		"messages": []map[string]string{
			{"role": "system", "content": g.system},
			{"role": "user", "content": req.Prompt},
		},
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"stream":      false,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode completion request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("completion status %d: %s", resp.StatusCode, gjson.GetBytes(raw, "error.message").String())
	}

	content := gjson.GetBytes(raw, "choices.0.message.content")
	if content.String() == "" {
		return Result{}, fmt.Errorf("invalid completion response: no content generated")
	}
	usage := gjson.GetBytes(raw, "usage")
	if !usage.Exists() {
		return Result{}, fmt.Errorf("invalid completion response: no usage data")
	}

	res := Result{
		Content:          content.String(),
		Model:            gjson.GetBytes(raw, "model").String(),
		PromptTokens:     int(usage.Get("prompt_tokens").Int()),
		CompletionTokens: int(usage.Get("completion_tokens").Int()),
	}
	if res.Model == "" {
		res.Model = req.Model
	}
	res.Cost = g.pricing.Cost(res.PromptTokens, res.CompletionTokens)

	g.log.WithField("model", res.Model).
		WithField("total_tokens", res.TotalTokens()).
		WithField("cost", res.Cost).
		WithField("duration", time.Since(start).String()).
		Info("completion generated")
	return res, nil
}
