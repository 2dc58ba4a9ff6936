package token

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/R3E-Network/sessionpay/internal/chain"
	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
	"github.com/stretchr/testify/require"
)

var (
	usdc    = chain.MustParseAddress("0x00000000000000000000000000000000000000c3")
	owner   = chain.MustParseAddress("0x00000000000000000000000000000000000000f0")
	alice   = chain.MustParseAddress("0x00000000000000000000000000000000000000a1")
	bob     = chain.MustParseAddress("0x00000000000000000000000000000000000000b2")
	escrow  = chain.MustParseAddress("0x00000000000000000000000000000000000000e5")
	unknown = chain.MustParseAddress("0x00000000000000000000000000000000000000dd")
)

func newFundedLedger(t *testing.T) *Ledger {
	t.Helper()
	l := NewLedger(nil)
	_, err := l.RegisterMockUSDC(usdc, owner)
	require.NoError(t, err)
	require.NoError(t, l.Mint(context.Background(), usdc, owner, alice, big.NewInt(50_000_000)))
	return l
}

func balance(t *testing.T, l *Ledger, holder chain.Address) int64 {
	t.Helper()
	b, err := l.BalanceOf(context.Background(), usdc, holder)
	require.NoError(t, err)
	return b.Int64()
}

func TestRegisterIsIdempotent(t *testing.T) {
	l := newFundedLedger(t)
	meta, err := l.Register(usdc, "Other", "OTH", 18, bob)
	require.NoError(t, err)
	require.Equal(t, MockUSDCSymbol, meta.Symbol)
	require.EqualValues(t, MockUSDCDecimals, meta.Decimals)
	require.Equal(t, "50000000", meta.TotalSupply.String())
	require.Len(t, l.Tokens(), 1)
}

func TestMintRequiresOwner(t *testing.T) {
	l := newFundedLedger(t)
	err := l.Mint(context.Background(), usdc, alice, alice, big.NewInt(1))
	require.True(t, errors.Is(err, ErrNotTokenOwner))
	require.Equal(t, svcerrors.CodeNotTokenOwner, svcerrors.CodeOf(err))
}

func TestTransferFromSpendsAllowance(t *testing.T) {
	l := newFundedLedger(t)
	ctx := context.Background()

	err := l.TransferFrom(ctx, usdc, escrow, alice, escrow, big.NewInt(10_000_000))
	require.True(t, errors.Is(err, ErrInsufficientAllowance))
	require.EqualValues(t, 50_000_000, balance(t, l, alice))

	require.NoError(t, l.Approve(ctx, usdc, alice, escrow, big.NewInt(15_000_000)))
	require.NoError(t, l.TransferFrom(ctx, usdc, escrow, alice, escrow, big.NewInt(10_000_000)))
	require.EqualValues(t, 40_000_000, balance(t, l, alice))
	require.EqualValues(t, 10_000_000, balance(t, l, escrow))

	left, err := l.Allowance(ctx, usdc, alice, escrow)
	require.NoError(t, err)
	require.EqualValues(t, 5_000_000, left.Int64())
}

func TestTransferFromInsufficientBalanceKeepsAllowance(t *testing.T) {
	l := newFundedLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Approve(ctx, usdc, bob, escrow, big.NewInt(100)))

	err := l.TransferFrom(ctx, usdc, escrow, bob, escrow, big.NewInt(100))
	require.True(t, errors.Is(err, ErrInsufficientBalance))

	left, err := l.Allowance(ctx, usdc, bob, escrow)
	require.NoError(t, err)
	require.EqualValues(t, 100, left.Int64())
}

func TestTransferValidation(t *testing.T) {
	l := newFundedLedger(t)
	ctx := context.Background()

	require.True(t, errors.Is(l.Transfer(ctx, usdc, alice, bob, big.NewInt(0)), ErrInvalidAmount))
	require.True(t, errors.Is(l.Transfer(ctx, usdc, alice, bob, nil), ErrInvalidAmount))
	require.True(t, errors.Is(l.Transfer(ctx, unknown, alice, bob, big.NewInt(1)), ErrUnknownToken))
	require.True(t, errors.Is(l.Transfer(ctx, usdc, bob, alice, big.NewInt(1)), ErrInsufficientBalance))

	require.NoError(t, l.Transfer(ctx, usdc, alice, bob, big.NewInt(7)))
	require.EqualValues(t, 7, balance(t, l, bob))
}

func TestBurnReducesSupply(t *testing.T) {
	l := newFundedLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Burn(ctx, usdc, alice, big.NewInt(1_000_000)))

	meta, err := l.Metadata(ctx, usdc)
	require.NoError(t, err)
	require.Equal(t, "49000000", meta.TotalSupply.String())
	require.True(t, errors.Is(l.Burn(ctx, usdc, bob, big.NewInt(1)), ErrInsufficientBalance))
}

func TestFormatAndParseUnits(t *testing.T) {
	cases := []struct {
		raw  int64
		text string
	}{
		{10_000_000, "10"},
		{2_500_000, "2.5"},
		{1, "0.000001"},
		{0, "0"},
		{-1_500_000, "-1.5"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.text, FormatUnits(big.NewInt(tc.raw), 6))
	}

	v, err := ParseUnits("2.5", 6)
	require.NoError(t, err)
	require.EqualValues(t, 2_500_000, v.Int64())

	v, err = ParseUnits(".75", 6)
	require.NoError(t, err)
	require.EqualValues(t, 750_000, v.Int64())

	for _, bad := range []string{"", "1.0000001", "-1", "abc", "1.-5"} {
		_, err := ParseUnits(bad, 6)
		require.Error(t, err, bad)
	}
}
