package session

import (
	"math/big"
	"time"

	"github.com/R3E-Network/sessionpay/internal/chain"
)

// EventType names an entry in the engine's append-only event log.
type EventType string

const (
	EventSessionOpened        EventType = "SessionOpened"
	EventSessionSettled       EventType = "SessionSettled"
	EventSessionRefunded      EventType = "SessionRefunded"
	EventRefundDelayUpdated   EventType = "RefundDelayUpdated"
	EventOwnershipTransferred EventType = "OwnershipTransferred"
	EventPaused               EventType = "Paused"
	EventUnpaused             EventType = "Unpaused"
)

// Event is an immutable log entry. Seq is assigned by the event store.
// Fields not relevant to Type are left zero.
type Event struct {
	Seq       uint64     `json:"seq"`
	Type      EventType  `json:"type"`
	RequestID chain.Hash `json:"request_id,omitempty"`

	Payer     chain.Address `json:"payer,omitempty"`
	Provider  chain.Address `json:"provider,omitempty"`
	Token     chain.Address `json:"token,omitempty"`
	Amount    *big.Int      `json:"amount,omitempty"`
	Model     string        `json:"model,omitempty"`
	InputHash chain.Hash    `json:"input_hash,omitempty"`
	OutputRef string        `json:"output_ref,omitempty"`
	CreatedAt time.Time     `json:"created_at,omitempty"`

	OldDelay time.Duration `json:"old_delay,omitempty"`
	NewDelay time.Duration `json:"new_delay,omitempty"`

	// Account is the caller for Paused/Unpaused and the new owner for
	// OwnershipTransferred.
	Account       chain.Address `json:"account,omitempty"`
	PreviousOwner chain.Address `json:"previous_owner,omitempty"`

	TxHash    chain.Hash `json:"tx_hash"`
	Block     uint64     `json:"block"`
	Timestamp time.Time  `json:"timestamp"`
}

// Clone returns a copy that shares no mutable state.
func (e Event) Clone() Event {
	if e.Amount != nil {
		e.Amount = new(big.Int).Set(e.Amount)
	}
	return e
}

// EventFilter narrows event listings. Zero fields are ignored.
type EventFilter struct {
	RequestID chain.Hash
	Type      EventType
	SinceSeq  uint64
	Limit     int
}

// Matches reports whether e satisfies the filter (ignoring Limit).
func (f EventFilter) Matches(e Event) bool {
	if !f.RequestID.IsZero() && e.RequestID != f.RequestID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return e.Seq > f.SinceSeq
}

// Receipt is the result of a committed engine call.
type Receipt struct {
	chain.Receipt
	Events []Event `json:"events"`
}
