// Package session models escrowed inference sessions, the engine event log
// and the engine's administrative state.
package session

import (
	"math/big"
	"time"

	"github.com/R3E-Network/sessionpay/internal/chain"
)

// Outcome records which terminal path settled a session.
type Outcome string

const (
	OutcomeNone      Outcome = "none"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeRefunded  Outcome = "refunded"
)

// Session is one escrowed payment for one inference request.
type Session struct {
	RequestID chain.Hash    `json:"request_id"`
	Payer     chain.Address `json:"payer"`
	Provider  chain.Address `json:"provider"`
	Token     chain.Address `json:"token"`
	Amount    *big.Int      `json:"amount"`
	CreatedAt time.Time     `json:"created_at"`
	Settled   bool          `json:"settled"`
	Outcome   Outcome       `json:"outcome"`
	Model     string        `json:"model"`
	InputHash chain.Hash    `json:"input_hash"`
	OutputRef string        `json:"output_ref,omitempty"`
	SettledAt time.Time     `json:"settled_at,omitempty"`
}

// Clone returns a deep copy; Amount is not shared.
func (s Session) Clone() Session {
	if s.Amount != nil {
		s.Amount = new(big.Int).Set(s.Amount)
	}
	return s
}

// Exists reports whether the record was ever opened. A non-existent session
// reads back as the zero value with a zero payer.
func (s Session) Exists() bool { return !s.Payer.IsZero() }

// Settlement is the compare-and-set transition applied to an open session.
type Settlement struct {
	RequestID chain.Hash
	Outcome   Outcome
	OutputRef string
	SettledAt time.Time
}

// EngineState is the administrative configuration of an escrow engine.
type EngineState struct {
	Owner       chain.Address `json:"owner"`
	Paused      bool          `json:"paused"`
	RefundDelay time.Duration `json:"refund_delay"`
}

// Filter narrows session listings. Zero fields are ignored.
type Filter struct {
	Payer    chain.Address
	Provider chain.Address
	Settled  *bool
	Limit    int
}

// Matches reports whether s satisfies the filter (ignoring Limit).
func (f Filter) Matches(s Session) bool {
	if !f.Payer.IsZero() && s.Payer != f.Payer {
		return false
	}
	if !f.Provider.IsZero() && s.Provider != f.Provider {
		return false
	}
	if f.Settled != nil && s.Settled != *f.Settled {
		return false
	}
	return true
}
