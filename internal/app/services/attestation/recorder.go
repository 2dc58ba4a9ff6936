// Package attestation records schema-typed claims about settled sessions.
package attestation

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/domain/attestation"
	"github.com/R3E-Network/sessionpay/internal/app/metrics"
	"github.com/R3E-Network/sessionpay/internal/app/storage"
	"github.com/R3E-Network/sessionpay/internal/chain"
	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
	"github.com/R3E-Network/sessionpay/pkg/logger"
)

var (
	ErrSchemaExists   = svcerrors.New(svcerrors.CodeSchemaExists, "schema already registered", http.StatusConflict)
	ErrSchemaNotFound = svcerrors.New(svcerrors.CodeNotFound, "schema not found", http.StatusNotFound)
	ErrNotFound       = svcerrors.New(svcerrors.CodeNotFound, "attestation not found", http.StatusNotFound)
)

// Request describes a claim to record.
type Request struct {
	Schema         chain.Hash
	Recipient      chain.Address
	Data           []byte
	RefUID         chain.Hash
	Revocable      bool
	ExpirationTime time.Time
}

// Recorder accepts claims and returns an opaque identifier for each.
type Recorder interface {
	RegisterSchema(ctx context.Context, schema string, revocable bool) (chain.Hash, error)
	Attest(ctx context.Context, req Request) (chain.Hash, error)
	GetAttestation(ctx context.Context, uid chain.Hash) (attestation.Attestation, error)
	GetSchema(ctx context.Context, uid chain.Hash) (attestation.Schema, error)
	// List returns attestations issued to recipient, oldest first; the zero
	// address lists all.
	List(ctx context.Context, recipient chain.Address) ([]attestation.Attestation, error)
}

// EnsureSchema registers schema and treats an existing registration as success.
func EnsureSchema(ctx context.Context, r Recorder, schema string, revocable bool) (chain.Hash, error) {
	uid, err := r.RegisterSchema(ctx, schema, revocable)
	if err != nil && !errors.Is(err, ErrSchemaExists) {
		return chain.Hash{}, err
	}
	return uid, nil
}

// SchemaUID derives a schema identifier from its definition.
func SchemaUID(schema string, resolver chain.Address, revocable bool) chain.Hash {
	flag := []byte{0}
	if revocable {
		flag[0] = 1
	}
	return chain.Keccak256([]byte(schema), resolver.Bytes(), flag)
}

// MemoryRecorder keeps schemas and attestations in an AttestationStore.
type MemoryRecorder struct {
	store    storage.AttestationStore
	attester chain.Address
	clock    chain.Clock
	nonce    atomic.Uint32
	log      *logger.Logger
}

var _ Recorder = (*MemoryRecorder)(nil)

// NewMemoryRecorder creates a recorder that signs claims as attester.
func NewMemoryRecorder(store storage.AttestationStore, attester chain.Address, clock chain.Clock, log *logger.Logger) *MemoryRecorder {
	if log == nil {
		log = logger.NewDefault("attestation")
	}
	if clock == nil {
		clock = chain.SystemClock{}
	}
	return &MemoryRecorder{store: store, attester: attester, clock: clock, log: log}
}

func (r *MemoryRecorder) RegisterSchema(ctx context.Context, schema string, revocable bool) (chain.Hash, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return chain.Hash{}, svcerrors.Validation("schema definition is required").WithOp("registerSchema")
	}
	uid := SchemaUID(schema, chain.ZeroAddress, revocable)
	_, err := r.store.CreateSchema(ctx, attestation.Schema{
		UID:       uid,
		Schema:    schema,
		Revocable: revocable,
		Registrar: r.attester,
		CreatedAt: chain.BlockTime(r.clock.Now()),
	})
	if errors.Is(err, storage.ErrExists) {
		return uid, ErrSchemaExists.WithOp("registerSchema").WithDetails("uid", uid.Hex())
	}
	if err != nil {
		return chain.Hash{}, fmt.Errorf("register schema: %w", err)
	}
	r.log.WithField("uid", uid.Hex()).Info("schema registered")
	return uid, nil
}

func (r *MemoryRecorder) Attest(ctx context.Context, req Request) (uid chain.Hash, err error) {
	defer func() { metrics.RecordAttestation(err == nil) }()

	schema, err := r.GetSchema(ctx, req.Schema)
	if err != nil {
		return chain.Hash{}, err
	}
	if req.Revocable && !schema.Revocable {
		return chain.Hash{}, svcerrors.Validation("schema is not revocable").WithOp("attest")
	}
	now := chain.BlockTime(r.clock.Now())
	if !req.ExpirationTime.IsZero() && !req.ExpirationTime.After(now) {
		return chain.Hash{}, svcerrors.Validation("expiration time must be in the future").WithOp("attest")
	}
	if !req.RefUID.IsZero() {
		if _, err := r.GetAttestation(ctx, req.RefUID); err != nil {
			return chain.Hash{}, err
		}
	}

	uid = attestationUID(req, r.attester, now, r.nonce.Add(1))
	att, err := r.store.CreateAttestation(ctx, attestation.Attestation{
		UID:            uid,
		SchemaUID:      req.Schema,
		Recipient:      req.Recipient,
		Attester:       r.attester,
		RefUID:         req.RefUID,
		Revocable:      req.Revocable,
		ExpirationTime: req.ExpirationTime,
		Data:           req.Data,
		CreatedAt:      now,
	})
	if err != nil {
		return chain.Hash{}, fmt.Errorf("record attestation: %w", err)
	}
	r.log.WithField("uid", att.UID.Hex()).
		WithField("recipient", att.Recipient.Hex()).
		Info("attestation recorded")
	return att.UID, nil
}

func attestationUID(req Request, attester chain.Address, now time.Time, nonce uint32) chain.Hash {
	var times [20]byte
	binary.BigEndian.PutUint64(times[0:8], uint64(now.Unix()))
	if !req.ExpirationTime.IsZero() {
		binary.BigEndian.PutUint64(times[8:16], uint64(req.ExpirationTime.Unix()))
	}
	binary.BigEndian.PutUint32(times[16:20], nonce)
	revocable := byte(0)
	if req.Revocable {
		revocable = 1
	}
	return chain.Keccak256(
		req.Schema.Bytes(),
		req.Recipient.Bytes(),
		attester.Bytes(),
		times[:],
		[]byte{revocable},
		req.RefUID.Bytes(),
		req.Data,
	)
}

func (r *MemoryRecorder) GetAttestation(ctx context.Context, uid chain.Hash) (attestation.Attestation, error) {
	att, err := r.store.GetAttestation(ctx, uid)
	if errors.Is(err, storage.ErrNotFound) {
		return attestation.Attestation{}, ErrNotFound.WithDetails("uid", uid.Hex())
	}
	return att, err
}

func (r *MemoryRecorder) GetSchema(ctx context.Context, uid chain.Hash) (attestation.Schema, error) {
	schema, err := r.store.GetSchema(ctx, uid)
	if errors.Is(err, storage.ErrNotFound) {
		return attestation.Schema{}, ErrSchemaNotFound.WithDetails("uid", uid.Hex())
	}
	return schema, err
}

func (r *MemoryRecorder) List(ctx context.Context, recipient chain.Address) ([]attestation.Attestation, error) {
	return r.store.ListAttestations(ctx, recipient)
}
