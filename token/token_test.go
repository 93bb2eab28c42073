package token

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestCodec(t *testing.T, now time.Time) *Codec {
	t.Helper()
	c, err := NewCodec(testSecret, func(o *Options) {
		o.Now = func() time.Time { return now }
	})
	require.NoError(t, err)
	return c
}

func flipMACBit(t *testing.T, tok string, byteIdx int) string {
	t.Helper()
	b64, macPart, _ := strings.Cut(tok, ".")
	mac, err := encoding.DecodeString(macPart)
	require.NoError(t, err)
	mac[byteIdx] ^= 0x01
	return b64 + "." + encoding.EncodeToString(mac)
}

func TestNewCodec_RejectsWeakSecret(t *testing.T) {
	_, err := NewCodec([]byte("short"))
	require.Error(t, err)
	testutil.AssertErrorCode(t, err, core.CodeWeakSecret)
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)

	assert.Len(t, a, MinSecretBytes)
	assert.False(t, bytes.Equal(a, b))

	_, err = NewCodec(a)
	assert.NoError(t, err)
}

func TestRoundTrip(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	c := newTestCodec(t, now)

	payload := map[string]any{
		"actionName": "charge",
		"params":     map[string]any{"currency": "EUR", "tags": []any{"a", "b"}, "urgent": true},
		"runId":      "run-1",
	}
	tok, err := c.Encode(payload)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 2)
	assert.NotContains(t, tok, "=")

	got, ok := c.Decode(tok)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestRoundTrip_Struct(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	c := newTestCodec(t, now)

	type capsule struct {
		ActionName string         `json:"actionName"`
		Params     map[string]any `json:"params"`
		ExpiresAt  int64          `json:"expiresAt"`
	}
	in := capsule{ActionName: "charge", Params: map[string]any{"amount": 42.5}, ExpiresAt: now.Add(time.Minute).UnixMilli()}

	tok, err := c.Encode(in)
	require.NoError(t, err)

	var out capsule
	require.True(t, c.DecodeInto(tok, &out))
	assert.Equal(t, in, out)
}

func TestEncode_IsCanonical(t *testing.T) {
	c := newTestCodec(t, time.Now())

	type ordered struct {
		Zeta  int `json:"zeta"`
		Alpha int `json:"alpha"`
	}
	a, err := c.Encode(ordered{Zeta: 1, Alpha: 2})
	require.NoError(t, err)
	b, err := c.Encode(map[string]any{"alpha": 2, "zeta": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	body, err := encoding.DecodeString(strings.Split(a, ".")[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"alpha":2,"zeta":1}`, string(body))
	assert.Equal(t, `{"alpha":2,"zeta":1}`, string(body))
}

func TestEncode_RejectsNonObject(t *testing.T) {
	c := newTestCodec(t, time.Now())

	_, err := c.Encode([]int{1, 2})
	assert.Error(t, err)

	_, err = c.Encode(nil)
	assert.Error(t, err)
}

func TestDecode_Rejects(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	c := newTestCodec(t, now)

	valid, err := c.Encode(map[string]any{"actionName": "charge", "expiresAt": now.Add(time.Minute).UnixMilli()})
	require.NoError(t, err)
	expired, err := c.Encode(map[string]any{"actionName": "charge", "expiresAt": now.UnixMilli()})
	require.NoError(t, err)
	badExpiry, err := c.Encode(map[string]any{"expiresAt": "tomorrow"})
	require.NoError(t, err)

	other, err := NewCodec([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)
	foreign, err := other.Encode(map[string]any{"actionName": "charge"})
	require.NoError(t, err)

	b64, macPart, _ := strings.Cut(valid, ".")
	tampered, err := c.Encode(map[string]any{"actionName": "refund", "expiresAt": now.Add(time.Minute).UnixMilli()})
	require.NoError(t, err)
	tamperedBody, _, _ := strings.Cut(tampered, ".")

	tests := []struct {
		name string
		tok  string
	}{
		{"empty", ""},
		{"no separator", strings.ReplaceAll(valid, ".", "")},
		{"three parts", valid + ".x"},
		{"flipped first mac bit", flipMACBit(t, valid, 0)},
		{"flipped last mac bit", flipMACBit(t, valid, 31)},
		{"truncated mac", b64 + "." + macPart[:10]},
		{"mac not base64", b64 + ".!!!"},
		{"swapped payload", tamperedBody + "." + macPart},
		{"foreign secret", foreign},
		{"expired", expired},
		{"non-numeric expiry", badExpiry},
		{"garbage", "not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.Decode(tt.tok)
			assert.False(t, ok)
			assert.Nil(t, got)

			var v map[string]any
			assert.False(t, c.DecodeInto(tt.tok, &v))
		})
	}

	_, ok := c.Decode(valid)
	assert.True(t, ok)
}

func TestDecode_ExpiryFollowsClock(t *testing.T) {
	issued := time.UnixMilli(1_700_000_000_000)
	c := newTestCodec(t, issued)

	tok, err := c.Encode(map[string]any{"expiresAt": issued.Add(15 * time.Minute).UnixMilli()})
	require.NoError(t, err)

	_, ok := newTestCodec(t, issued.Add(15*time.Minute-time.Millisecond)).Decode(tok)
	assert.True(t, ok)
	_, ok = newTestCodec(t, issued.Add(15*time.Minute)).Decode(tok)
	assert.False(t, ok)
}

func TestDecode_ComparisonPathIndependentOfMismatchPosition(t *testing.T) {
	c := newTestCodec(t, time.Now())
	tok, err := c.Encode(map[string]any{"actionName": "charge"})
	require.NoError(t, err)

	var calls []int
	orig := equalMAC
	equalMAC = func(a, b []byte) bool {
		calls = append(calls, len(a))
		return orig(a, b)
	}
	t.Cleanup(func() { equalMAC = orig })

	for _, idx := range []int{0, 15, 31} {
		calls = nil
		_, ok := c.Decode(flipMACBit(t, tok, idx))
		assert.False(t, ok)
		assert.Equal(t, []int{32}, calls, "mismatch at byte %d", idx)
	}

	calls = nil
	b64, macPart, _ := strings.Cut(tok, ".")
	_, ok := c.Decode(b64 + "." + macPart[:20])
	assert.False(t, ok)
	assert.Empty(t, calls, "length mismatch must be rejected before comparing")
}

func TestDecode_PreservesLargeIntegers(t *testing.T) {
	c := newTestCodec(t, time.Now())
	tok, err := c.Encode(map[string]any{"amount": int64(9007199254740993)})
	require.NoError(t, err)

	got, ok := c.Decode(tok)
	require.True(t, ok)
	assert.Equal(t, json.Number("9007199254740993"), got["amount"])
}

func TestDecodeInto_PreservesLargeIntegers(t *testing.T) {
	c := newTestCodec(t, time.Now())
	tok, err := c.Encode(map[string]any{"params": map[string]any{"amount": int64(9007199254740993)}})
	require.NoError(t, err)

	var v struct {
		Params map[string]any `json:"params"`
	}
	require.True(t, c.DecodeInto(tok, &v))
	assert.Equal(t, json.Number("9007199254740993"), v.Params["amount"])
}

// sloppySpelling rewrites the last character of s so that it differs only in
// the unused low bits, which a lenient decoder ignores.
func sloppySpelling(t *testing.T, s string) string {
	t.Helper()
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	last := strings.IndexByte(alphabet, s[len(s)-1])
	require.GreaterOrEqual(t, last, 0)
	return s[:len(s)-1] + string(alphabet[last^1])
}

func TestDecode_RejectsNonCanonicalSpellings(t *testing.T) {
	c := newTestCodec(t, time.Now())
	tok, err := c.Encode(map[string]any{"actionName": "charge"})
	require.NoError(t, err)
	b64, macPart, _ := strings.Cut(tok, ".")

	// 32 MAC bytes leave two unused bits in the last character.
	sloppyMAC := sloppySpelling(t, macPart)
	lenient, err := base64.RawURLEncoding.DecodeString(sloppyMAC)
	require.NoError(t, err)
	strict, err := encoding.DecodeString(macPart)
	require.NoError(t, err)
	require.Equal(t, strict, lenient)

	tests := []struct {
		name         string
		tok          string
		macMalformed bool
	}{
		{"trailing newline", tok + "\n", true},
		{"trailing crlf", tok + "\r\n", true},
		{"newline in payload", b64[:4] + "\n" + b64[4:] + "." + macPart, false},
		{"carriage return in mac", b64 + "." + macPart[:4] + "\r" + macPart[4:], true},
		{"unused bits set in mac", b64 + "." + sloppyMAC, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := c.Decode(tt.tok)
			assert.False(t, ok)

			_, ok = Signature(tt.tok)
			assert.Equal(t, !tt.macMalformed, ok)
		})
	}
}

func TestSignature(t *testing.T) {
	c := newTestCodec(t, time.Now())
	tok, err := c.Encode(map[string]any{"actionName": "charge"})
	require.NoError(t, err)

	mac, ok := Signature(tok)
	require.True(t, ok)
	assert.Len(t, mac, 32)

	_, ok = Signature("not-a-token")
	assert.False(t, ok)
}
