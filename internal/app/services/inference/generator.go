// Package inference produces model output for paid sessions. Generation
// itself happens in an external service; this package adapts to it.
package inference

import (
	"context"
	"math"
	"math/big"
	"strings"
)

// DefaultSystemPrompt frames every chat completion request.
const DefaultSystemPrompt = "You are a helpful AI assistant integrated with a pay-per-inference service. Provide accurate, helpful, and well-structured responses."

// Request is one generation call.
type Request struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Result is the generated content with its metered usage.
type Result struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
}

// TotalTokens is prompt plus completion tokens.
func (r Result) TotalTokens() int { return r.PromptTokens + r.CompletionTokens }

// Generator produces output for a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// Pricing is USD per token.
type Pricing struct {
	Input  float64
	Output float64
}

// DefaultPricing is the gpt-4o-mini price table: 0.15 and 0.60 USD per
// million input and output tokens.
var DefaultPricing = Pricing{Input: 0.15 / 1e6, Output: 0.60 / 1e6}

// Cost prices a usage pair, rounded to six decimals.
func (p Pricing) Cost(promptTokens, completionTokens int) float64 {
	c := float64(promptTokens)*p.Input + float64(completionTokens)*p.Output
	return math.Round(c*1e6) / 1e6
}

// Estimate is a pre-flight price quote.
type Estimate struct {
	InputTokens  int      `json:"estimated_input_tokens"`
	OutputTokens int      `json:"estimated_output_tokens"`
	CostUSD      float64  `json:"estimated_cost"`
	USDCAmount   *big.Int `json:"usdc_amount"`
}

// EstimateCost quotes a prompt at roughly four characters per token, charging
// for the full maxTokens budget plus a 20% margin. USDCAmount is in 6-decimal
// units, rounded up.
func EstimateCost(prompt string, maxTokens int, pricing Pricing) Estimate {
	in := int(math.Ceil(float64(len(prompt)) / 4))
	cost := pricing.Cost(in, maxTokens) * 1.2
	return Estimate{
		InputTokens:  in,
		OutputTokens: maxTokens,
		CostUSD:      cost,
		USDCAmount:   big.NewInt(int64(math.Ceil(math.Round(cost*1e9) / 1e3))),
	}
}

// StaticGenerator answers every prompt with a fixed template. It is meant for
// local runs and tests.
type StaticGenerator struct {
	Reply   string
	Pricing Pricing
}

func (g StaticGenerator) Generate(_ context.Context, req Request) (Result, error) {
	reply := g.Reply
	if reply == "" {
		reply = "Echo: " + strings.TrimSpace(req.Prompt)
	}
	pricing := g.Pricing
	if pricing == (Pricing{}) {
		pricing = DefaultPricing
	}
	in := int(math.Ceil(float64(len(req.Prompt)) / 4))
	out := int(math.Ceil(float64(len(reply)) / 4))
	return Result{
		Content:          reply,
		Model:            req.Model,
		PromptTokens:     in,
		CompletionTokens: out,
		Cost:             pricing.Cost(in, out),
	}, nil
}
