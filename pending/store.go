package pending

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/token"
	"github.com/samber/oops"
)

// DefaultTTL is how long an approval stays valid.
const DefaultTTL = 15 * time.Minute

var (
	// ErrInvalidToken is returned for malformed, forged and expired tokens
	// alike.
	ErrInvalidToken = errors.New("invalid or expired approval token")

	// ErrTokenReplayed is returned when a ReplayGuard has already seen the
	// token.
	ErrTokenReplayed = errors.New("approval token already used")
)

// PendingAction is an action suspended until a human approves it. Token is
// its identity; the other fields are recovered from the token on resume.
type PendingAction struct {
	Token      string         `json:"token"`
	ActionName string         `json:"actionName"`
	Params     map[string]any `json:"params"`
	RunID      string         `json:"runId"`
	CreatedAt  int64          `json:"createdAt"`
	ExpiresAt  int64          `json:"expiresAt"`
}

// Expires returns ExpiresAt as a time.
func (p PendingAction) Expires() time.Time { return time.UnixMilli(p.ExpiresAt) }

// Created returns CreatedAt as a time.
func (p PendingAction) Created() time.Time { return time.UnixMilli(p.CreatedAt) }

// capsule is the signed payload. The nonce keeps two identical requests
// issued in the same millisecond apart for replay guards.
type capsule struct {
	ActionName string         `json:"actionName"`
	Params     map[string]any `json:"params"`
	RunID      string         `json:"runId"`
	CreatedAt  int64          `json:"createdAt"`
	ExpiresAt  int64          `json:"expiresAt"`
	Nonce      string         `json:"nonce"`
}

// ReplayGuard records consumed tokens. Consume reports whether digest is
// seen for the first time. Entries may be forgotten once expiresAt passes
// because the token is rejected by its signature check from then on.
type ReplayGuard interface {
	Consume(ctx context.Context, digest string, expiresAt time.Time) (bool, error)
}

// Options configures a Store.
type Options struct {
	// TTL is the lifetime of new tokens. Defaults to DefaultTTL.
	TTL time.Duration
	// Now defaults to time.Now. It should match the codec's clock.
	Now func() time.Time
	// Guard makes tokens single-use. Nil keeps Verify side-effect free.
	Guard ReplayGuard
}

// Store creates and verifies pending actions.
type Store struct {
	codec *token.Codec
	opts  Options
}

// NewStore returns a Store signing with codec.
func NewStore(codec *token.Codec, optFns ...func(o *Options)) *Store {
	opts := Options{TTL: DefaultTTL, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{codec: codec, opts: opts}
}

// TTL returns the lifetime of new tokens.
func (s *Store) TTL() time.Duration { return s.opts.TTL }

// Create parks actionName with params and returns the signed PendingAction.
func (s *Store) Create(actionName string, params map[string]any, runID string) (PendingAction, error) {
	if actionName == "" {
		return PendingAction{}, oops.In("pending").Code(core.CodeInvalidParams).Errorf("action name is required")
	}

	now := s.opts.Now()
	c := capsule{
		ActionName: actionName,
		Params:     core.CloneState(params),
		RunID:      runID,
		CreatedAt:  now.UnixMilli(),
		ExpiresAt:  now.Add(s.opts.TTL).UnixMilli(),
		Nonce:      core.NewID(),
	}
	if c.Params == nil {
		c.Params = map[string]any{}
	}

	tok, err := s.codec.Encode(c)
	if err != nil {
		return PendingAction{}, oops.In("pending").With("action", actionName).Wrapf(err, "encode pending action")
	}

	return PendingAction{
		Token:      tok,
		ActionName: c.ActionName,
		Params:     core.CloneState(c.Params),
		RunID:      c.RunID,
		CreatedAt:  c.CreatedAt,
		ExpiresAt:  c.ExpiresAt,
	}, nil
}

// Inspect verifies tok without consuming it.
func (s *Store) Inspect(tok string) (PendingAction, error) {
	var c capsule
	if !s.codec.DecodeInto(tok, &c) || c.ActionName == "" {
		return PendingAction{}, oops.In("pending").Code(core.CodeInvalidToken).Wrap(ErrInvalidToken)
	}
	if c.Params == nil {
		c.Params = map[string]any{}
	}
	restoreNumbers(c.Params)
	return PendingAction{
		Token:      tok,
		ActionName: c.ActionName,
		Params:     c.Params,
		RunID:      c.RunID,
		CreatedAt:  c.CreatedAt,
		ExpiresAt:  c.ExpiresAt,
	}, nil
}

// Verify checks tok and, when a ReplayGuard is configured, consumes it.
func (s *Store) Verify(ctx context.Context, tok string) (PendingAction, error) {
	p, err := s.Inspect(tok)
	if err != nil {
		return PendingAction{}, err
	}
	if s.opts.Guard == nil {
		return p, nil
	}

	first, err := s.opts.Guard.Consume(ctx, Digest(tok), p.Expires())
	if err != nil {
		return PendingAction{}, oops.In("pending").With("action", p.ActionName).Wrapf(err, "consume approval token")
	}
	if !first {
		return PendingAction{}, oops.In("pending").
			Code(core.CodeTokenReplayed).
			With("action", p.ActionName).
			Wrap(ErrTokenReplayed)
	}
	return p, nil
}

// Digest returns the hex SHA-256 of the token's decoded signature, or of tok
// itself when it carries none. Guards store digests, never tokens.
func Digest(tok string) string {
	key := []byte(tok)
	if mac, ok := token.Signature(tok); ok {
		key = mac
	}
	h := sha256.Sum256(key)
	return hex.EncodeToString(h[:])
}

// restoreNumbers replaces the json.Number values of a decoded params bag in
// place: float64 when that is lossless, int64 for larger integers. Numbers
// fitting neither stay json.Number.
func restoreNumbers(m map[string]any) {
	for k, v := range m {
		m[k] = restoreNumber(v)
	}
}

func restoreNumber(v any) any {
	switch t := v.(type) {
	case map[string]any:
		restoreNumbers(t)
		return t
	case []any:
		for i, e := range t {
			t[i] = restoreNumber(e)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			if i >= -maxExactFloat && i <= maxExactFloat {
				return float64(i)
			}
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t
	default:
		return v
	}
}

// maxExactFloat is the largest integer float64 holds without rounding.
const maxExactFloat = 1 << 53
