package pending_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/internal/testutil"
	"github.com/hupe1980/actionmesh/pending"
	"github.com/hupe1980/actionmesh/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T, clk *clock, guard pending.ReplayGuard) *pending.Store {
	t.Helper()
	codec, err := token.NewCodec([]byte("0123456789abcdef0123456789abcdef"), func(o *token.Options) {
		o.Now = clk.Now
	})
	require.NoError(t, err)
	return pending.NewStore(codec, func(o *pending.Options) {
		o.Now = clk.Now
		o.Guard = guard
	})
}

func TestStore_CreateAndVerify(t *testing.T) {
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	store := newStore(t, clk, nil)

	params := map[string]any{"amount": 100.0, "currency": "EUR"}
	p, err := store.Create("charge", params, "run-1")
	require.NoError(t, err)

	assert.NotEmpty(t, p.Token)
	assert.Equal(t, "charge", p.ActionName)
	assert.Equal(t, params, p.Params)
	assert.Equal(t, "run-1", p.RunID)
	assert.Equal(t, clk.Now().UnixMilli(), p.CreatedAt)
	assert.Equal(t, clk.Now().Add(pending.DefaultTTL).UnixMilli(), p.ExpiresAt)

	params["amount"] = 1.0
	assert.Equal(t, 100.0, p.Params["amount"])

	got, err := store.Verify(context.Background(), p.Token)
	require.NoError(t, err)
	assert.Equal(t, "charge", got.ActionName)
	assert.Equal(t, map[string]any{"amount": 100.0, "currency": "EUR"}, got.Params)
	assert.Equal(t, p.ExpiresAt, got.ExpiresAt)
	assert.Equal(t, p.Token, got.Token)
}

func TestStore_CreateRequiresAction(t *testing.T) {
	store := newStore(t, &clock{now: time.Now()}, nil)

	_, err := store.Create("", nil, "run-1")
	testutil.AssertErrorCode(t, err, core.CodeInvalidParams)
}

func TestStore_DistinctTokensForIdenticalRequests(t *testing.T) {
	store := newStore(t, &clock{now: time.Now()}, nil)

	a, err := store.Create("charge", map[string]any{"amount": 1.0}, "run-1")
	require.NoError(t, err)
	b, err := store.Create("charge", map[string]any{"amount": 1.0}, "run-1")
	require.NoError(t, err)

	assert.NotEqual(t, a.Token, b.Token)
}

func TestStore_VerifyWithoutGuardIsIdempotent(t *testing.T) {
	store := newStore(t, &clock{now: time.Now()}, nil)
	p, err := store.Create("charge", nil, "run-1")
	require.NoError(t, err)

	for range 3 {
		got, err := store.Verify(context.Background(), p.Token)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{}, got.Params)
	}
}

func TestStore_VerifyRejectsExpired(t *testing.T) {
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	store := newStore(t, clk, nil)
	p, err := store.Create("charge", nil, "run-1")
	require.NoError(t, err)

	clk.Advance(pending.DefaultTTL)

	_, err = store.Verify(context.Background(), p.Token)
	require.Error(t, err)
	assert.ErrorIs(t, err, pending.ErrInvalidToken)
	testutil.AssertErrorCode(t, err, core.CodeInvalidToken)
}

func TestStore_VerifyRejectsTampering(t *testing.T) {
	store := newStore(t, &clock{now: time.Now()}, nil)
	p, err := store.Create("charge", map[string]any{"amount": 100.0}, "run-1")
	require.NoError(t, err)

	other, err := token.NewCodec([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	forged, err := other.Encode(map[string]any{"actionName": "charge", "params": map[string]any{"amount": 1}})
	require.NoError(t, err)

	for _, tok := range []string{"", "garbage", p.Token + "x", forged} {
		_, err := store.Verify(context.Background(), tok)
		assert.ErrorIs(t, err, pending.ErrInvalidToken, tok)
	}
}

func TestStore_CustomTTL(t *testing.T) {
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	codec, err := token.NewCodec([]byte("0123456789abcdef0123456789abcdef"), func(o *token.Options) { o.Now = clk.Now })
	require.NoError(t, err)
	store := pending.NewStore(codec, func(o *pending.Options) {
		o.TTL = time.Minute
		o.Now = clk.Now
	})

	p, err := store.Create("charge", nil, "")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, p.Expires().Sub(p.Created()))

	clk.Advance(59 * time.Second)
	_, err = store.Verify(context.Background(), p.Token)
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, err = store.Verify(context.Background(), p.Token)
	assert.ErrorIs(t, err, pending.ErrInvalidToken)
}

func TestStore_GuardRejectsReplay(t *testing.T) {
	clk := &clock{now: time.Now()}
	guard := pending.NewMemoryGuard(clk.Now)
	store := newStore(t, clk, guard)

	p, err := store.Create("charge", nil, "run-1")
	require.NoError(t, err)

	_, err = store.Verify(context.Background(), p.Token)
	require.NoError(t, err)

	_, err = store.Verify(context.Background(), p.Token)
	require.Error(t, err)
	assert.ErrorIs(t, err, pending.ErrTokenReplayed)
	testutil.AssertErrorCode(t, err, core.CodeTokenReplayed)

	_, err = store.Inspect(p.Token)
	assert.NoError(t, err)
}

func TestStore_GuardRejectsRespelledReplay(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := newStore(t, clk, pending.NewMemoryGuard(clk.Now))

	p, err := store.Create("charge", map[string]any{"amount": 5.0}, "run-1")
	require.NoError(t, err)
	_, err = store.Verify(context.Background(), p.Token)
	require.NoError(t, err)

	b64, macPart, _ := strings.Cut(p.Token, ".")
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	last := strings.IndexByte(alphabet, macPart[len(macPart)-1])
	lowBitsFlipped := b64 + "." + macPart[:len(macPart)-1] + string(alphabet[last^1])

	for _, variant := range []string{p.Token + "\n", p.Token + "\r\n", lowBitsFlipped} {
		_, err := store.Verify(context.Background(), variant)
		require.Error(t, err, "%q", variant)
		assert.NotEqual(t, pending.Digest(p.Token), pending.Digest(variant))
	}

	_, err = store.Verify(context.Background(), p.Token)
	assert.ErrorIs(t, err, pending.ErrTokenReplayed)
}

func TestStore_VerifyPreservesLargeIntegers(t *testing.T) {
	store := newStore(t, &clock{now: time.Now()}, nil)

	params := map[string]any{
		"amount": int64(9007199254740993),
		"fee":    2.5,
		"count":  3,
		"items":  []any{map[string]any{"qty": int64(-9007199254740995)}},
	}
	p, err := store.Create("charge", params, "run-1")
	require.NoError(t, err)

	got, err := store.Verify(context.Background(), p.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), got.Params["amount"])
	assert.Equal(t, 2.5, got.Params["fee"])
	assert.Equal(t, 3.0, got.Params["count"])
	assert.Equal(t, []any{map[string]any{"qty": int64(-9007199254740995)}}, got.Params["items"])
}

func TestStore_GuardConcurrentVerifyAdmitsOne(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := newStore(t, clk, pending.NewMemoryGuard(clk.Now))
	p, err := store.Create("charge", nil, "run-1")
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Verify(context.Background(), p.Token); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
}

type failingGuard struct{}

func (failingGuard) Consume(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("guard offline")
}

func TestStore_GuardErrorPropagates(t *testing.T) {
	store := newStore(t, &clock{now: time.Now()}, failingGuard{})
	p, err := store.Create("charge", nil, "run-1")
	require.NoError(t, err)

	_, err = store.Verify(context.Background(), p.Token)
	require.Error(t, err)
	assert.NotErrorIs(t, err, pending.ErrTokenReplayed)
	assert.Contains(t, err.Error(), "guard offline")
}

func TestMemoryGuard_PrunesExpired(t *testing.T) {
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	g := pending.NewMemoryGuard(clk.Now)
	ctx := context.Background()

	first, err := g.Consume(ctx, "a", clk.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, first)
	first, err = g.Consume(ctx, "b", clk.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, first)

	clk.Advance(2 * time.Minute)
	first, err = g.Consume(ctx, "b", clk.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, 1, g.Len())
}

func TestDigest(t *testing.T) {
	assert.Len(t, pending.Digest("tok"), 64)
	assert.Equal(t, pending.Digest("tok"), pending.Digest("tok"))
	assert.NotEqual(t, pending.Digest("tok"), pending.Digest("tok2"))

	store := newStore(t, &clock{now: time.Now()}, nil)
	a, err := store.Create("charge", nil, "run-1")
	require.NoError(t, err)
	b, err := store.Create("charge", nil, "run-1")
	require.NoError(t, err)

	mac, ok := token.Signature(a.Token)
	require.True(t, ok)
	sum := sha256.Sum256(mac)
	assert.Equal(t, hex.EncodeToString(sum[:]), pending.Digest(a.Token))
	assert.NotEqual(t, pending.Digest(a.Token), pending.Digest(b.Token))
}
