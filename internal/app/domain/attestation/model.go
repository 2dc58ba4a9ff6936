// Package attestation models attestation schemas and issued attestations.
package attestation

import (
	"time"

	"github.com/R3E-Network/sessionpay/internal/chain"
)

// Schema is a registered claim layout.
type Schema struct {
	UID       chain.Hash    `json:"uid"`
	Schema    string        `json:"schema"`
	Resolver  chain.Address `json:"resolver"`
	Revocable bool          `json:"revocable"`
	Registrar chain.Address `json:"registrar"`
	CreatedAt time.Time     `json:"created_at"`
}

// Attestation is an issued claim about a recipient.
type Attestation struct {
	UID            chain.Hash    `json:"uid"`
	SchemaUID      chain.Hash    `json:"schema"`
	Recipient      chain.Address `json:"recipient"`
	Attester       chain.Address `json:"attester"`
	RefUID         chain.Hash    `json:"ref_uid"`
	Revocable      bool          `json:"revocable"`
	ExpirationTime time.Time     `json:"expiration_time,omitempty"`
	RevocationTime time.Time     `json:"revocation_time,omitempty"`
	Data           []byte        `json:"data"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ClaimStatus is the lifecycle code carried inside a paid-inference claim.
type ClaimStatus uint8

const (
	ClaimPending ClaimStatus = iota
	ClaimCompleted
	ClaimFailed
	ClaimRefunded
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimPending:
		return "pending"
	case ClaimCompleted:
		return "completed"
	case ClaimFailed:
		return "failed"
	case ClaimRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// ParseClaimStatus reads the lowercase name produced by String.
func ParseClaimStatus(raw string) (ClaimStatus, bool) {
	for s := ClaimPending; s <= ClaimRefunded; s++ {
		if s.String() == raw {
			return s, true
		}
	}
	return 0, false
}
