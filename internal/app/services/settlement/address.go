package settlement

import (
	"github.com/R3E-Network/sessionpay/internal/chain"
	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
)

// NormalizeAddress trims s, adds a missing 0x prefix and lower-cases it.
// Invalid input is a validation error naming field.
func NormalizeAddress(field, s string) (chain.Address, error) {
	norm, err := chain.NormalizeAddress(s)
	if err != nil {
		return chain.Address{}, svcerrors.Validation("invalid " + field + " address").WithDetails(field, s)
	}
	return chain.MustParseAddress(norm), nil
}
