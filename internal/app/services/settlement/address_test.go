package settlement

import (
	"testing"

	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
)

func TestNormalizeAddress(t *testing.T) {
	want := "0x00000000000000000000000000000000000000b2"
	for _, in := range []string{
		want,
		"00000000000000000000000000000000000000b2",
		"  0x00000000000000000000000000000000000000B2\n",
	} {
		got, err := NormalizeAddress("provider", in)
		if err != nil {
			t.Fatalf("NormalizeAddress(%q): %v", in, err)
		}
		if got.Hex() != want {
			t.Fatalf("NormalizeAddress(%q) = %s", in, got.Hex())
		}
	}

	for _, in := range []string{"", "0x", "0x123", "0xzz000000000000000000000000000000000000b2"} {
		_, err := NormalizeAddress("payer", in)
		if svcerrors.CodeOf(err) != svcerrors.CodeValidation {
			t.Fatalf("expected validation error for %q, got %v", in, err)
		}
	}
}
