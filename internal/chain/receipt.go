package chain

import (
	"encoding/binary"
	"time"
)

// Receipt describes a committed state change.
type Receipt struct {
	TxHash    Hash      `json:"tx_hash"`
	Block     uint64    `json:"block"`
	Timestamp time.Time `json:"timestamp"`
}

// TxHashFor derives a deterministic transaction hash from the submitting
// account, the block sequence and the call payload.
func TxHashFor(sender Address, block uint64, payload ...[]byte) Hash {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], block)
	parts := make([][]byte, 0, len(payload)+2)
	parts = append(parts, sender.Bytes(), seq[:])
	parts = append(parts, payload...)
	return Keccak256(parts...)
}
