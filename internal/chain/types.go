// Package chain holds the ledger primitives shared by the escrow engine and
// its collaborators: 20-byte account addresses, 32-byte hashes, keccak
// hashing, block clocks and transaction receipts.
package chain

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/util"
)

// Address identifies an account or contract. The zero value is the zero
// address.
type Address struct {
	v util.Uint160
}

// ZeroAddress is the 20-byte zero address.
var ZeroAddress Address

// ParseAddress accepts 40 hex characters with or without a 0x prefix, in any
// case.
func ParseAddress(s string) (Address, error) {
	raw := trimHex(s)
	if len(raw) != 2*util.Uint160Size {
		return Address{}, fmt.Errorf("address %q: expected %d hex characters", s, 2*util.Uint160Size)
	}
	u, err := util.Uint160DecodeStringBE(raw)
	if err != nil {
		return Address{}, fmt.Errorf("address %q: %w", s, err)
	}
	return Address{v: u}, nil
}

// MustParseAddress panics on malformed input. Intended for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFromBytes builds an address from its 20 big-endian bytes.
func AddressFromBytes(b []byte) (Address, error) {
	u, err := util.Uint160DecodeBytesBE(b)
	if err != nil {
		return Address{}, err
	}
	return Address{v: u}, nil
}

// Bytes returns the 20 big-endian bytes.
func (a Address) Bytes() []byte { return a.v.BytesBE() }

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool { return a.v.Equals(util.Uint160{}) }

// Hex renders the address as lowercase 0x-prefixed hex.
func (a Address) Hex() string { return "0x" + a.v.StringBE() }

func (a Address) String() string { return a.Hex() }

// Uint160 exposes the backing neo-go value.
func (a Address) Uint160() util.Uint160 { return a.v }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.Hex()), nil }

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the address as its hex text.
func (a Address) Value() (driver.Value, error) { return a.Hex(), nil }

func (a *Address) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return a.UnmarshalText([]byte(v))
	case []byte:
		return a.UnmarshalText(v)
	case nil:
		*a = Address{}
		return nil
	default:
		return fmt.Errorf("chain: cannot scan %T into Address", src)
	}
}

// Hash is a 32-byte identifier: request ids, input hashes, attestation and
// schema uids, transaction hashes.
type Hash struct {
	v util.Uint256
}

// ZeroHash is the 32-byte zero value.
var ZeroHash Hash

// ParseHash accepts 64 hex characters with or without a 0x prefix.
func ParseHash(s string) (Hash, error) {
	raw := trimHex(s)
	if len(raw) != 2*util.Uint256Size {
		return Hash{}, fmt.Errorf("hash %q: expected %d hex characters", s, 2*util.Uint256Size)
	}
	u, err := util.Uint256DecodeStringBE(raw)
	if err != nil {
		return Hash{}, fmt.Errorf("hash %q: %w", s, err)
	}
	return Hash{v: u}, nil
}

// MustParseHash panics on malformed input.
func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

// HashFromBytes builds a hash from 32 big-endian bytes.
func HashFromBytes(b []byte) (Hash, error) {
	u, err := util.Uint256DecodeBytesBE(b)
	if err != nil {
		return Hash{}, err
	}
	return Hash{v: u}, nil
}

func (h Hash) Bytes() []byte { return h.v.BytesBE() }

func (h Hash) IsZero() bool { return h.v.Equals(util.Uint256{}) }

func (h Hash) Hex() string { return "0x" + h.v.StringBE() }

func (h Hash) String() string { return h.Hex() }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func (h Hash) Value() (driver.Value, error) { return h.Hex(), nil }

func (h *Hash) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return h.UnmarshalText([]byte(v))
	case []byte:
		return h.UnmarshalText(v)
	case nil:
		*h = Hash{}
		return nil
	default:
		return fmt.Errorf("chain: cannot scan %T into Hash", src)
	}
}

// NormalizeAddress trims whitespace, adds a missing 0x prefix and lower-cases
// the result. It returns an error when the result is not a valid address.
func NormalizeAddress(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	if _, err := hex.DecodeString(s[2:]); err != nil || len(s) != 2+2*util.Uint160Size {
		return "", fmt.Errorf("invalid address %q", s)
	}
	return s, nil
}

func trimHex(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	return strings.ToLower(s)
}
