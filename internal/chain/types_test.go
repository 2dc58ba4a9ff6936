package chain

import (
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0x00000000000000000000000000000000000000aB", want: "0x00000000000000000000000000000000000000ab"},
		{in: "  1234567890ABCDEF1234567890abcdef12345678 ", want: "0x1234567890abcdef1234567890abcdef12345678"},
		{in: "0X1234567890abcdef1234567890abcdef12345678", want: "0x1234567890abcdef1234567890abcdef12345678"},
		{in: "0x1234", wantErr: true},
		{in: "0xzz34567890abcdef1234567890abcdef12345678", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseAddress(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseAddress(%q): expected error", tc.in)
			}
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got.Hex())
	}
}

func TestAddressBytesAreBigEndian(t *testing.T) {
	a := MustParseAddress("0x0102030405060708090a0b0c0d0e0f1011121314")
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f1011121314", hex.EncodeToString(a.Bytes()))

	back, err := AddressFromBytes(a.Bytes())
	require.NoError(t, err)
	assert.Equal(t, a, back)
}

func TestZeroValues(t *testing.T) {
	assert.True(t, ZeroAddress.IsZero())
	assert.True(t, Address{}.IsZero())
	assert.False(t, MustParseAddress("0x0000000000000000000000000000000000000001").IsZero())
	assert.Equal(t, "0x0000000000000000000000000000000000000000", ZeroAddress.Hex())
	assert.True(t, ZeroHash.IsZero())
}

func TestAddressJSON(t *testing.T) {
	type wrapper struct {
		Payer Address `json:"payer"`
	}
	in := wrapper{Payer: MustParseAddress("0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD")}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"payer":"0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"}`, string(data))

	var out wrapper
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	assert.Error(t, json.Unmarshal([]byte(`{"payer":"0x12"}`), &out))
}

func TestScanValue(t *testing.T) {
	h := Keccak256String("scan")
	v, err := h.Value()
	require.NoError(t, err)

	var back Hash
	require.NoError(t, back.Scan(v))
	assert.Equal(t, h, back)

	require.NoError(t, back.Scan([]byte(h.Hex())))
	assert.Equal(t, h, back)

	assert.Error(t, back.Scan(42))

	var a Address
	require.NoError(t, a.Scan(nil))
	assert.True(t, a.IsZero())
}

func TestKeccak256KnownVectors(t *testing.T) {
	assert.Equal(t,
		"0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		Keccak256().Hex())
	assert.Equal(t,
		"0x1c8aff950685c2ed4bc3174f3472287b56d9517b9c948127319a09a7a36deac8",
		Keccak256String("hello").Hex())
	assert.Equal(t, Keccak256String("hello"), Keccak256([]byte("he"), []byte("llo")))
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("  ABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD")
	require.NoError(t, err)
	assert.Equal(t, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", got)

	_, err = NormalizeAddress("0xnothex")
	assert.Error(t, err)
	_, err = NormalizeAddress("")
	assert.Error(t, err)
}

func TestManualClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 500, time.UTC)
	c := NewManualClock(start)
	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())
	assert.Equal(t, time.Date(2024, 1, 1, 0, 1, 30, 0, time.UTC), BlockTime(c.Now()))
}

func TestTxHashForIsDeterministic(t *testing.T) {
	sender := MustParseAddress("0x0000000000000000000000000000000000000001")
	a := TxHashFor(sender, 7, []byte("open"))
	b := TxHashFor(sender, 7, []byte("open"))
	c := TxHashFor(sender, 8, []byte("open"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
