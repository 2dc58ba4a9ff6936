// Package settlement models the orchestrator's per-request job record.
package settlement

import (
	"math/big"
	"time"

	"github.com/R3E-Network/sessionpay/internal/chain"
)

// Status is the orchestrator's view of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	// StatusSettled means the escrow was confirmed but the attestation is
	// still outstanding.
	StatusSettled   Status = "settled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Terminal reports whether no further pipeline work is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

// Params are the generation parameters captured at preparation time.
type Params struct {
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// Usage reports token accounting for a generation.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// Job tracks one request through preparation, processing and settlement.
type Job struct {
	RequestID      chain.Hash    `json:"request_id"`
	Status         Status        `json:"status"`
	Payer          chain.Address `json:"payer,omitempty"`
	Provider       chain.Address `json:"provider"`
	Model          string        `json:"model"`
	Amount         *big.Int      `json:"amount"`
	AmountUSD      string        `json:"amount_usd,omitempty"`
	InputHash      chain.Hash    `json:"input_hash"`
	Prompt         string        `json:"prompt,omitempty"`
	Params         Params        `json:"params"`
	Output         string        `json:"output,omitempty"`
	OutputRef      string        `json:"output_ref,omitempty"`
	TxHash         chain.Hash    `json:"tx_hash,omitempty"`
	SettledAt      time.Time     `json:"settled_at,omitempty"`
	AttestationUID chain.Hash    `json:"attestation_uid,omitempty"`
	Usage          Usage         `json:"usage"`
	Progress       string        `json:"progress,omitempty"`
	Error          string        `json:"error,omitempty"`
	Attempts       int           `json:"attempts,omitempty"`
	NextAttemptAt  time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	CompletedAt    time.Time     `json:"completed_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state.
func (j Job) Clone() Job {
	if j.Amount != nil {
		j.Amount = new(big.Int).Set(j.Amount)
	}
	return j
}
