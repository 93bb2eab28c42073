package token

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/hupe1980/actionmesh/core"
	"github.com/samber/oops"
)

const (
	// MinSecretBytes is the smallest accepted HMAC key.
	MinSecretBytes = 32

	// ExpiresAtField is the payload field holding the expiry in Unix
	// milliseconds.
	ExpiresAtField = "expiresAt"

	separator = "."
)

// encoding rejects non-zero padding bits. verify additionally rejects the
// CR and LF characters the decoder skips, so each payload has exactly one
// accepted spelling.
var encoding = base64.RawURLEncoding.Strict()

// equalMAC compares two MACs of equal length in constant time.
var equalMAC = hmac.Equal

// Options configures a Codec.
type Options struct {
	// Now is the clock used for expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// Codec signs and verifies tokens. It holds no mutable state and is safe
// for concurrent use.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec returns a Codec keyed with secret, which must be at least
// MinSecretBytes long.
func NewCodec(secret []byte, optFns ...func(o *Options)) (*Codec, error) {
	if len(secret) < MinSecretBytes {
		return nil, oops.In("token").
			Code(core.CodeWeakSecret).
			With("secret_bytes", len(secret)).
			With("min_bytes", MinSecretBytes).
			Errorf("token secret must be at least %d bytes", MinSecretBytes)
	}

	opts := Options{Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Codec{
		secret: bytes.Clone(secret),
		now:    opts.Now,
	}, nil
}

// GenerateSecret returns MinSecretBytes of crypto-random key material.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, MinSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, oops.In("token").
			Code("SECRET_GENERATE_FAILED").
			With("requested_bytes", MinSecretBytes).
			Wrap(err)
	}
	return secret, nil
}

// Encode signs payload. Any value that marshals to a JSON object is
// accepted; keys are emitted in sorted order so equal payloads produce equal
// tokens.
func (c *Codec) Encode(payload any) (string, error) {
	body, err := canonicalize(payload)
	if err != nil {
		return "", oops.In("token").Code("TOKEN_ENCODE_FAILED").Wrap(err)
	}

	b64 := encoding.EncodeToString(body)
	return b64 + separator + encoding.EncodeToString(c.sign(b64)), nil
}

// Decode verifies tok and returns its payload. Any failure, whether format,
// signature or expiry, yields (nil, false).
func (c *Codec) Decode(tok string) (map[string]any, bool) {
	var payload map[string]any
	if !c.decode(tok, &payload) {
		return nil, false
	}
	return payload, true
}

// DecodeInto verifies tok and unmarshals its payload into v.
func (c *Codec) DecodeInto(tok string, v any) bool {
	return c.decode(tok, v)
}

func (c *Codec) decode(tok string, v any) bool {
	body, ok := c.verify(tok)
	if !ok {
		return false
	}

	var payload map[string]any
	if err := unmarshal(body, &payload); err != nil || payload == nil {
		return false
	}
	if !c.live(payload) {
		return false
	}

	if m, ok := v.(*map[string]any); ok {
		*m = payload
		return true
	}
	return unmarshal(body, v) == nil
}

// Signature returns the decoded MAC of a canonically encoded token. It does
// not verify the signature.
func Signature(tok string) ([]byte, bool) {
	_, macPart, found := strings.Cut(tok, separator)
	if !found {
		return nil, false
	}
	mac, ok := decodeCanonical(macPart)
	if !ok || len(mac) != sha256.Size {
		return nil, false
	}
	return mac, true
}

// verify checks the signature and returns the decoded JSON body.
func (c *Codec) verify(tok string) ([]byte, bool) {
	b64, macPart, found := strings.Cut(tok, separator)
	if !found || b64 == "" || strings.Contains(macPart, separator) {
		return nil, false
	}

	mac, ok := decodeCanonical(macPart)
	if !ok || len(mac) != sha256.Size {
		return nil, false
	}
	if !equalMAC(mac, c.sign(b64)) {
		return nil, false
	}

	return decodeCanonical(b64)
}

func decodeCanonical(s string) ([]byte, bool) {
	b, err := encoding.DecodeString(s)
	if err != nil || encoding.EncodeToString(b) != s {
		return nil, false
	}
	return b, true
}

// live reports whether the payload's expiry, when present, lies in the
// future.
func (c *Codec) live(payload map[string]any) bool {
	raw, ok := payload[ExpiresAtField]
	if !ok {
		return true
	}
	n, ok := raw.(json.Number)
	if !ok {
		return false
	}
	expiresAt, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return false
		}
		expiresAt = int64(f)
	}
	return expiresAt > c.now().UnixMilli()
}

func (c *Codec) sign(b64 string) []byte {
	h := hmac.New(sha256.New, c.secret)
	h.Write([]byte(b64))
	return h.Sum(nil)
}

// canonicalize marshals v and re-marshals it through a generic map so that
// object keys come out sorted and numbers keep their original text.
func canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic map[string]any
	if err := unmarshal(raw, &generic); err != nil {
		return nil, oops.Wrapf(err, "token payload must be a JSON object")
	}
	if generic == nil {
		return nil, oops.Errorf("token payload must be a JSON object")
	}
	return json.Marshal(generic)
}

func unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
