package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/domain/attestation"
	"github.com/R3E-Network/sessionpay/internal/app/domain/pricefeed"
	"github.com/R3E-Network/sessionpay/internal/app/domain/session"
	"github.com/R3E-Network/sessionpay/internal/app/domain/settlement"
	"github.com/R3E-Network/sessionpay/internal/chain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrExists is returned when a create collides with an existing key.
	ErrExists = errors.New("storage: already exists")
	// ErrAlreadySettled is returned by SettleSession when the session was
	// settled by a concurrent or earlier call.
	ErrAlreadySettled = errors.New("storage: session already settled")
)

// SessionStore persists escrow sessions and the engine's administrative state.
type SessionStore interface {
	CreateSession(ctx context.Context, s session.Session) (session.Session, error)
	GetSession(ctx context.Context, requestID chain.Hash) (session.Session, error)
	// SettleSession marks an open session settled. It must check and set the
	// settled flag atomically and return ErrAlreadySettled when it was set.
	SettleSession(ctx context.Context, st session.Settlement) (session.Session, error)
	ListSessions(ctx context.Context, filter session.Filter) ([]session.Session, error)

	// DeleteSession removes an unsettled session. It exists so a failed open
	// can be rolled back.
	DeleteSession(ctx context.Context, requestID chain.Hash) error
	// ReopenSession clears the settled flag. It exists so a failed settlement
	// can be rolled back.
	ReopenSession(ctx context.Context, requestID chain.Hash) error

	LoadEngineState(ctx context.Context) (session.EngineState, bool, error)
	SaveEngineState(ctx context.Context, st session.EngineState) error
}

// EventStore is the append-only engine event log.
type EventStore interface {
	// AppendEvents assigns sequence numbers and returns the stored events.
	AppendEvents(ctx context.Context, events []session.Event) ([]session.Event, error)
	ListEvents(ctx context.Context, filter session.EventFilter) ([]session.Event, error)
}

// AttestationStore persists schemas and attestations.
type AttestationStore interface {
	CreateSchema(ctx context.Context, schema attestation.Schema) (attestation.Schema, error)
	GetSchema(ctx context.Context, uid chain.Hash) (attestation.Schema, error)

	CreateAttestation(ctx context.Context, att attestation.Attestation) (attestation.Attestation, error)
	GetAttestation(ctx context.Context, uid chain.Hash) (attestation.Attestation, error)
	ListAttestations(ctx context.Context, recipient chain.Address) ([]attestation.Attestation, error)
}

// JobStore persists settlement jobs. Entries expire after ttl when ttl > 0.
type JobStore interface {
	SaveJob(ctx context.Context, job settlement.Job, ttl time.Duration) error
	GetJob(ctx context.Context, requestID chain.Hash) (settlement.Job, error)
	ListJobs(ctx context.Context, status settlement.Status) ([]settlement.Job, error)
}

// PriceFeedStore persists price feed definitions and snapshots.
type PriceFeedStore interface {
	CreatePriceFeed(ctx context.Context, feed pricefeed.Feed) (pricefeed.Feed, error)
	UpdatePriceFeed(ctx context.Context, feed pricefeed.Feed) (pricefeed.Feed, error)
	GetPriceFeed(ctx context.Context, id string) (pricefeed.Feed, error)
	GetPriceFeedByPair(ctx context.Context, pair string) (pricefeed.Feed, error)
	ListPriceFeeds(ctx context.Context) ([]pricefeed.Feed, error)

	CreatePriceSnapshot(ctx context.Context, snap pricefeed.Snapshot) (pricefeed.Snapshot, error)
	ListPriceSnapshots(ctx context.Context, feedID string, limit int) ([]pricefeed.Snapshot, error)
	LatestPriceSnapshot(ctx context.Context, feedID string) (pricefeed.Snapshot, error)
}
