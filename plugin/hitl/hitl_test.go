package hitl_test

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/actionmesh/action"
	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/engine"
	"github.com/hupe1980/actionmesh/internal/testutil"
	"github.com/hupe1980/actionmesh/pending"
	"github.com/hupe1980/actionmesh/plugin/hitl"
	"github.com/hupe1980/actionmesh/token"
)

type harness struct {
	engine  *engine.Engine
	store   *pending.Store
	charges []map[string]any
	now     time.Time
}

func newHarness(t *testing.T, withGuard bool, patterns ...string) *harness {
	t.Helper()
	h := &harness{now: time.UnixMilli(1_700_000_000_000)}
	clock := func() time.Time { return h.now }

	var guard pending.ReplayGuard
	if withGuard {
		guard = pending.NewMemoryGuard(clock)
	}

	codec, err := token.NewCodec([]byte("0123456789abcdef0123456789abcdef"), func(o *token.Options) { o.Now = clock })
	require.NoError(t, err)
	h.store = pending.NewStore(codec, func(o *pending.Options) {
		o.Now = clock
		o.Guard = guard
	})

	gate, err := hitl.New(func(o *hitl.Options) {
		o.Require = patterns
		o.Store = h.store
	})
	require.NoError(t, err)

	h.engine = engine.New()
	h.engine.Use(gate.Plugin())
	h.engine.MustRegister(
		action.New("charge", "Charge the customer", nil, func(rc *core.RunContext, params map[string]any) (*core.NextAction, error) {
			h.charges = append(h.charges, params)
			resumedFrom, _ := rc.GetState(hitl.ResumedFromKey)
			return nil, rc.Emit(core.NewEvent("charged", map[string]any{
				"amount":      params["amount"],
				"resumedFrom": resumedFrom,
			}))
		}),
		action.New("lookup", "Read-only lookup", nil, func(rc *core.RunContext, _ map[string]any) (*core.NextAction, error) {
			return core.Next("charge", map[string]any{"amount": 10.0}), rc.Emit(core.NewEvent("looked-up", nil))
		}),
	)
	return h
}

func (h *harness) approve(tok string, tamperedParams map[string]any) []core.Event {
	data := map[string]any{"token": tok}
	if tamperedParams != nil {
		data["params"] = tamperedParams
	}
	return testutil.Collect(h.engine.Handle(context.Background(), core.Request{
		RunID: "run-2",
		Event: core.NewEvent(core.TypeActionApproved, data),
	}))
}

func suspendCharge(t *testing.T, h *harness) core.Event {
	t.Helper()
	events := testutil.Collect(h.engine.Run(context.Background(),
		core.NextAction{Action: "charge", Params: map[string]any{"amount": 100.0, "currency": "EUR"}},
		engine.WithRunID("run-1"),
	))
	require.Len(t, events, 1)
	require.Equal(t, core.TypeHITLRequired, events[0].Type)
	return events[0]
}

func TestGate_SuspendAndResumeWithOriginalParams(t *testing.T) {
	h := newHarness(t, false, "charge")

	required := suspendCharge(t, h)
	assert.Empty(t, h.charges)
	assert.Equal(t, "run-1", required.Meta.RunID)
	assert.Equal(t, "charge", required.Data["action"])
	assert.Equal(t, "run-1", required.Data["runId"])
	assert.Equal(t, map[string]any{"amount": 100.0, "currency": "EUR"}, required.Data["params"])
	assert.Equal(t, h.now.Add(pending.DefaultTTL).UnixMilli(), required.Data["expiresAt"])

	tok, ok := required.Data["token"].(string)
	require.True(t, ok)
	require.NotEmpty(t, tok)

	events := h.approve(tok, map[string]any{"amount": 1_000_000.0, "currency": "BTC"})

	require.Equal(t, []string{"charged"}, testutil.Types(events))
	assert.Equal(t, 100.0, events[0].Data["amount"])
	assert.Equal(t, "run-1", events[0].Data["resumedFrom"])
	assert.Equal(t, "run-2", events[0].Meta.RunID)
	require.Len(t, h.charges, 1)
	assert.Equal(t, map[string]any{"amount": 100.0, "currency": "EUR"}, h.charges[0])
}

func TestGate_ApprovalCardCarriesToken(t *testing.T) {
	h := newHarness(t, false, "charge")
	required := suspendCharge(t, h)
	tok := required.Data["token"].(string)

	card, ok := required.UI.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "card", card["type"])

	children := card["children"].([]any)
	require.Len(t, children, 2)

	var clicks []string
	for _, c := range children {
		props := c.(map[string]any)["props"].(map[string]any)
		click := props["onClick"].(map[string]any)
		clicks = append(clicks, click["type"].(string))
		assert.Equal(t, tok, click["data"].(map[string]any)["token"])
	}
	assert.Equal(t, []string{core.TypeActionApproved, core.TypeActionRejected}, clicks)
}

func TestGate_TamperedTokenDoesNotResume(t *testing.T) {
	h := newHarness(t, false, "charge")
	tok := suspendCharge(t, h).Data["token"].(string)

	body, macPart, _ := strings.Cut(tok, ".")
	mac, err := base64.RawURLEncoding.DecodeString(macPart)
	require.NoError(t, err)
	mac[0] ^= 0xff
	forged := body + "." + base64.RawURLEncoding.EncodeToString(mac)

	for _, bad := range []string{forged, "", "not-a-token"} {
		events := h.approve(bad, nil)
		ev := testutil.RequireErrorEvent(t, events, core.CodeApprovalRejected)
		assert.Equal(t, core.CodeInvalidToken, ev.Data["reason"])
	}
	assert.Empty(t, h.charges)
}

func TestGate_ExpiredTokenDoesNotResume(t *testing.T) {
	h := newHarness(t, false, "charge")
	tok := suspendCharge(t, h).Data["token"].(string)

	h.now = h.now.Add(pending.DefaultTTL + time.Second)

	testutil.RequireErrorEvent(t, h.approve(tok, nil), core.CodeApprovalRejected)
	assert.Empty(t, h.charges)
}

func TestGate_ReplayRejectedWithGuard(t *testing.T) {
	h := newHarness(t, true, "charge")
	tok := suspendCharge(t, h).Data["token"].(string)

	assert.Equal(t, []string{"charged"}, testutil.Types(h.approve(tok, nil)))

	ev := testutil.RequireErrorEvent(t, h.approve(tok, nil), core.CodeApprovalRejected)
	assert.Equal(t, core.CodeTokenReplayed, ev.Data["reason"])
	assert.Len(t, h.charges, 1)
}

func TestGate_ReplayAllowedWithoutGuard(t *testing.T) {
	h := newHarness(t, false, "charge")
	tok := suspendCharge(t, h).Data["token"].(string)

	h.approve(tok, nil)
	h.approve(tok, nil)

	assert.Len(t, h.charges, 2)
}

func TestGate_Reject(t *testing.T) {
	h := newHarness(t, false, "charge")
	tok := suspendCharge(t, h).Data["token"].(string)

	events := testutil.Collect(h.engine.Handle(context.Background(), core.Request{
		Event: core.NewEvent(core.TypeActionRejected, map[string]any{"token": tok}),
	}))

	require.Equal(t, []string{core.TypeActionRejected}, testutil.Types(events))
	assert.Equal(t, "charge", events[0].Data["action"])
	assert.Equal(t, "run-1", events[0].Data["runId"])
	assert.Empty(t, h.charges)
}

func TestGate_RejectWithInvalidToken(t *testing.T) {
	h := newHarness(t, false, "charge")

	events := testutil.Collect(h.engine.Handle(context.Background(), core.Request{
		Event: core.NewEvent(core.TypeActionRejected, map[string]any{"token": "bogus"}),
	}))

	testutil.RequireErrorEvent(t, events, core.CodeApprovalRejected)
}

func TestGate_GrantIsOneShot(t *testing.T) {
	h := newHarness(t, false, "charge")
	h.engine.MustRegister(action.New("charge", "Charge twice", nil, func(rc *core.RunContext, params map[string]any) (*core.NextAction, error) {
		h.charges = append(h.charges, params)
		return core.Next("charge", params), nil
	}))

	tok := suspendCharge(t, h).Data["token"].(string)
	events := h.approve(tok, nil)

	assert.Len(t, h.charges, 1)
	require.Equal(t, []string{core.TypeHITLRequired}, testutil.Types(events))
	assert.NotEqual(t, tok, events[0].Data["token"])
}

func TestGate_MidChainApproval(t *testing.T) {
	h := newHarness(t, false, "charge")

	events := testutil.Collect(h.engine.Run(context.Background(), core.NextAction{Action: "lookup"}))

	assert.Equal(t, []string{"looked-up", core.TypeHITLRequired}, testutil.Types(events))
	assert.Equal(t, map[string]any{"amount": 10.0}, events[1].Data["params"])
	assert.Empty(t, h.charges)
}

func TestGate_UnmatchedActionRunsFreely(t *testing.T) {
	h := newHarness(t, false, "payments.*")

	events := testutil.Collect(h.engine.Run(context.Background(), core.NextAction{Action: "charge", Params: map[string]any{"amount": 1.0}}))

	assert.Equal(t, []string{"charged"}, testutil.Types(events))
}

func TestGate_Requires(t *testing.T) {
	codec, err := token.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	gate, err := hitl.New(func(o *hitl.Options) {
		o.Require = []string{"payments.*", "admin.**", "delete_*"}
		o.Store = pending.NewStore(codec)
	})
	require.NoError(t, err)

	tests := []struct {
		action string
		want   bool
	}{
		{"payments.charge", true},
		{"payments.refund.full", false},
		{"admin.users.delete", true},
		{"delete_user", true},
		{"lookup", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, gate.Requires(tt.action), tt.action)
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := hitl.New(func(o *hitl.Options) { o.Require = []string{"x"} })
	assert.Error(t, err)

	codec, err := token.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	store := pending.NewStore(codec)

	_, err = hitl.New(func(o *hitl.Options) {
		o.Store = store
		o.Require = []string{"[unclosed"}
	})
	assert.Error(t, err)

	_, err = hitl.New(func(o *hitl.Options) {
		o.Store = store
		o.Require = []string{""}
	})
	assert.Error(t, err)
}

func TestGate_CustomMessage(t *testing.T) {
	codec, err := token.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	gate, err := hitl.New(func(o *hitl.Options) {
		o.Require = []string{"charge"}
		o.Store = pending.NewStore(codec)
		o.Message = func(action string, params map[string]any) string {
			return "Charge " + params["currency"].(string) + "?"
		}
	})
	require.NoError(t, err)

	eng := engine.New()
	eng.Use(gate.Plugin())
	eng.MustRegister(action.New("charge", "", nil, func(*core.RunContext, map[string]any) (*core.NextAction, error) {
		return nil, nil
	}))

	events := testutil.Collect(eng.Run(context.Background(), core.NextAction{Action: "charge", Params: map[string]any{"currency": "EUR"}}))

	require.Len(t, events, 1)
	assert.Equal(t, "Charge EUR?", events[0].Data["message"])
}

func TestGate_SuspensionCarriesStateSnapshot(t *testing.T) {
	h := newHarness(t, false, "charge")

	events := testutil.Collect(h.engine.Run(context.Background(),
		core.NextAction{Action: "charge", Params: map[string]any{"amount": 5.0}},
		engine.WithState(map[string]any{"cart": []any{"book"}}),
	))

	require.Len(t, events, 1)
	assert.Equal(t, map[string]any{"cart": []any{"book"}}, events[0].Meta.State)

	bare := suspendCharge(t, h)
	assert.Nil(t, bare.Meta.State)
}

func TestGate_ResumeKeepsLargeIntegers(t *testing.T) {
	h := newHarness(t, true, "charge")
	original := map[string]any{"amount": int64(9007199254740993), "currency": "EUR"}

	events := testutil.Collect(h.engine.Run(context.Background(),
		core.NextAction{Action: "charge", Params: original},
		engine.WithRunID("run-1"),
	))
	require.Equal(t, []string{core.TypeHITLRequired}, testutil.Types(events))
	tok := events[0].Data["token"].(string)

	resumed := h.approve(tok, nil)

	require.Equal(t, []string{"charged"}, testutil.Types(resumed))
	require.Len(t, h.charges, 1)
	assert.Equal(t, original, h.charges[0])
	assert.Equal(t, int64(9007199254740993), resumed[0].Data["amount"])
}
