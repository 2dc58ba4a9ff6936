package attestation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/storage/memory"
	"github.com/R3E-Network/sessionpay/internal/chain"
	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
	"github.com/stretchr/testify/require"
)

var (
	attester  = chain.MustParseAddress("0x00000000000000000000000000000000000000f0")
	recipient = chain.MustParseAddress("0x00000000000000000000000000000000000000a1")
)

func newRecorder() (*MemoryRecorder, *chain.ManualClock) {
	clock := chain.NewManualClock(time.Unix(1_700_000_000, 0))
	return NewMemoryRecorder(memory.New(), attester, clock, nil), clock
}

func TestRegisterSchemaDuplicate(t *testing.T) {
	r, _ := newRecorder()
	ctx := context.Background()

	uid, err := r.RegisterSchema(ctx, PaidInferenceSchema, true)
	require.NoError(t, err)
	require.Equal(t, SchemaUID(PaidInferenceSchema, chain.ZeroAddress, true), uid)

	again, err := r.RegisterSchema(ctx, PaidInferenceSchema, true)
	require.True(t, errors.Is(err, ErrSchemaExists))
	require.Equal(t, uid, again)

	ensured, err := EnsureSchema(ctx, r, PaidInferenceSchema, true)
	require.NoError(t, err)
	require.Equal(t, uid, ensured)

	other, err := r.RegisterSchema(ctx, PaidInferenceSchema, false)
	require.NoError(t, err)
	require.NotEqual(t, uid, other)

	_, err = r.RegisterSchema(ctx, "  ", false)
	require.Equal(t, svcerrors.CodeValidation, svcerrors.CodeOf(err))
}

func TestAttestAndLookup(t *testing.T) {
	r, _ := newRecorder()
	ctx := context.Background()
	schemaUID, err := r.RegisterSchema(ctx, PaidInferenceSchema, true)
	require.NoError(t, err)

	data := []byte{1, 2, 3}
	uid, err := r.Attest(ctx, Request{Schema: schemaUID, Recipient: recipient, Data: data, Revocable: true})
	require.NoError(t, err)

	att, err := r.GetAttestation(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, recipient, att.Recipient)
	require.Equal(t, attester, att.Attester)
	require.Equal(t, schemaUID, att.SchemaUID)
	require.Equal(t, data, att.Data)

	second, err := r.Attest(ctx, Request{Schema: schemaUID, Recipient: recipient, Data: data, RefUID: uid})
	require.NoError(t, err)
	require.NotEqual(t, uid, second)

	list, err := r.List(ctx, recipient)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestAttestRejections(t *testing.T) {
	r, clock := newRecorder()
	ctx := context.Background()
	schemaUID, err := r.RegisterSchema(ctx, "uint8 score", false)
	require.NoError(t, err)

	_, err = r.Attest(ctx, Request{Schema: chain.Keccak256String("nope"), Recipient: recipient})
	require.True(t, errors.Is(err, ErrSchemaNotFound))

	_, err = r.Attest(ctx, Request{Schema: schemaUID, Recipient: recipient, Revocable: true})
	require.Equal(t, svcerrors.CodeValidation, svcerrors.CodeOf(err))

	_, err = r.Attest(ctx, Request{Schema: schemaUID, Recipient: recipient, ExpirationTime: clock.Now()})
	require.Equal(t, svcerrors.CodeValidation, svcerrors.CodeOf(err))

	_, err = r.Attest(ctx, Request{Schema: schemaUID, Recipient: recipient, RefUID: chain.Keccak256String("ghost")})
	require.True(t, errors.Is(err, ErrNotFound))

	_, err = r.GetAttestation(ctx, chain.Keccak256String("ghost"))
	require.Equal(t, svcerrors.CodeNotFound, svcerrors.CodeOf(err))
}
