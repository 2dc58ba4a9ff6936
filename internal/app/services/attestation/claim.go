package attestation

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/domain/attestation"
	"github.com/R3E-Network/sessionpay/internal/chain"
)

// PaidInferenceSchema is the claim layout recorded after a confirmed session.
const PaidInferenceSchema = "address payer,address provider,bytes32 requestId,string model,uint256 priceUSDC,bytes32 inputHash,string outputRef,uint8 status,uint64 chainId,bytes32 txHash,uint64 timestamp"

const (
	wordSize    = 32
	claimFields = 11
	claimHead   = claimFields * wordSize
)

// Claim is the decoded form of a paid-inference attestation payload.
type Claim struct {
	Payer     chain.Address
	Provider  chain.Address
	RequestID chain.Hash
	Model     string
	PriceUSDC *big.Int
	InputHash chain.Hash
	OutputRef string
	Status    attestation.ClaimStatus
	ChainID   uint64
	TxHash    chain.Hash
	Timestamp time.Time
}

// ClaimView is the JSON rendering of a Claim.
type ClaimView struct {
	Payer     string `json:"payer"`
	Provider  string `json:"provider"`
	RequestID string `json:"request_id"`
	Model     string `json:"model"`
	PriceUSDC string `json:"price_usdc"`
	InputHash string `json:"input_hash"`
	OutputRef string `json:"output_ref"`
	Status    string `json:"status"`
	ChainID   uint64 `json:"chain_id"`
	TxHash    string `json:"tx_hash"`
	Timestamp int64  `json:"timestamp"`
}

// View renders c for API responses.
func (c Claim) View() ClaimView {
	price := "0"
	if c.PriceUSDC != nil {
		price = c.PriceUSDC.String()
	}
	return ClaimView{
		Payer:     c.Payer.Hex(),
		Provider:  c.Provider.Hex(),
		RequestID: c.RequestID.Hex(),
		Model:     c.Model,
		PriceUSDC: price,
		InputHash: c.InputHash.Hex(),
		OutputRef: c.OutputRef,
		Status:    c.Status.String(),
		ChainID:   c.ChainID,
		TxHash:    c.TxHash.Hex(),
		Timestamp: c.Timestamp.Unix(),
	}
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// EncodeClaim packs c with the standard contract ABI head/tail layout.
func EncodeClaim(c Claim) ([]byte, error) {
	price := c.PriceUSDC
	if price == nil {
		price = new(big.Int)
	}
	if price.Sign() < 0 || price.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("price %s does not fit uint256", price)
	}
	if c.Timestamp.Unix() < 0 {
		return nil, fmt.Errorf("timestamp before epoch")
	}

	head := make([]byte, claimHead)
	var tail []byte
	putDynamic := func(slot int, s string) {
		putUint(head, slot, uint64(claimHead+len(tail)))
		tail = append(tail, encodeString(s)...)
	}

	putAddress(head, 0, c.Payer)
	putAddress(head, 1, c.Provider)
	copy(word(head, 2), c.RequestID.Bytes())
	putDynamic(3, c.Model)
	price.FillBytes(word(head, 4))
	copy(word(head, 5), c.InputHash.Bytes())
	putDynamic(6, c.OutputRef)
	putUint(head, 7, uint64(c.Status))
	putUint(head, 8, c.ChainID)
	copy(word(head, 9), c.TxHash.Bytes())
	putUint(head, 10, uint64(c.Timestamp.Unix()))

	return append(head, tail...), nil
}

// DecodeClaim reverses EncodeClaim.
func DecodeClaim(data []byte) (Claim, error) {
	if len(data) < claimHead {
		return Claim{}, fmt.Errorf("claim too short: %d bytes", len(data))
	}
	var (
		c   Claim
		err error
	)
	if c.Payer, err = readAddress(data, 0); err != nil {
		return Claim{}, fmt.Errorf("payer: %w", err)
	}
	if c.Provider, err = readAddress(data, 1); err != nil {
		return Claim{}, fmt.Errorf("provider: %w", err)
	}
	c.RequestID = hashAt(data, 2)
	if c.Model, err = readString(data, 3); err != nil {
		return Claim{}, fmt.Errorf("model: %w", err)
	}
	c.PriceUSDC = new(big.Int).SetBytes(word(data, 4))
	c.InputHash = hashAt(data, 5)
	if c.OutputRef, err = readString(data, 6); err != nil {
		return Claim{}, fmt.Errorf("outputRef: %w", err)
	}
	status, err := readUint(data, 7)
	if err != nil || status > 0xff {
		return Claim{}, fmt.Errorf("status out of range")
	}
	c.Status = attestation.ClaimStatus(status)
	if c.ChainID, err = readUint(data, 8); err != nil {
		return Claim{}, fmt.Errorf("chainId: %w", err)
	}
	c.TxHash = hashAt(data, 9)
	ts, err := readUint(data, 10)
	if err != nil {
		return Claim{}, fmt.Errorf("timestamp: %w", err)
	}
	c.Timestamp = time.Unix(int64(ts), 0).UTC()
	return c, nil
}

func word(buf []byte, slot int) []byte {
	return buf[slot*wordSize : (slot+1)*wordSize]
}

func hashAt(buf []byte, slot int) chain.Hash {
	h, _ := chain.HashFromBytes(word(buf, slot))
	return h
}

func putUint(buf []byte, slot int, v uint64) {
	binary.BigEndian.PutUint64(word(buf, slot)[wordSize-8:], v)
}

func putAddress(buf []byte, slot int, a chain.Address) {
	copy(word(buf, slot)[wordSize-20:], a.Bytes())
}

func encodeString(s string) []byte {
	padded := (len(s) + wordSize - 1) / wordSize * wordSize
	out := make([]byte, wordSize+padded)
	binary.BigEndian.PutUint64(out[wordSize-8:wordSize], uint64(len(s)))
	copy(out[wordSize:], s)
	return out
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func readUint(buf []byte, slot int) (uint64, error) {
	w := word(buf, slot)
	if !allZero(w[:wordSize-8]) {
		return 0, fmt.Errorf("value exceeds uint64")
	}
	return binary.BigEndian.Uint64(w[wordSize-8:]), nil
}

func readAddress(buf []byte, slot int) (chain.Address, error) {
	w := word(buf, slot)
	if !allZero(w[:wordSize-20]) {
		return chain.Address{}, fmt.Errorf("dirty address padding")
	}
	return chain.AddressFromBytes(w[wordSize-20:])
}

func readString(buf []byte, slot int) (string, error) {
	off, err := readUint(buf, slot)
	if err != nil {
		return "", err
	}
	if off%wordSize != 0 || off+wordSize > uint64(len(buf)) {
		return "", fmt.Errorf("offset %d out of range", off)
	}
	n := binary.BigEndian.Uint64(buf[off+wordSize-8 : off+wordSize])
	if !allZero(buf[off : off+wordSize-8]) {
		return "", fmt.Errorf("length exceeds uint64")
	}
	start := off + wordSize
	if n > uint64(len(buf))-start {
		return "", fmt.Errorf("length %d out of range", n)
	}
	return string(buf[start : start+n]), nil
}
