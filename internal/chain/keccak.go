package chain

import "golang.org/x/crypto/sha3"

// Keccak256 hashes the concatenation of data with legacy (pre-FIPS) Keccak,
// the variant used for request ids and attestation uids.
func Keccak256(data ...[]byte) Hash {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	out, _ := HashFromBytes(h.Sum(nil))
	return out
}

// Keccak256String hashes a UTF-8 string.
func Keccak256String(s string) Hash {
	return Keccak256([]byte(s))
}
