package actionmesh_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/actionmesh"
	"github.com/hupe1980/actionmesh/action"
	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/engine"
	"github.com/hupe1980/actionmesh/internal/testutil"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func newMesh(t *testing.T, optFns ...func(o *actionmesh.Options)) *actionmesh.Mesh {
	t.Helper()
	m, err := actionmesh.New(secret, append([]func(o *actionmesh.Options){func(o *actionmesh.Options) {
		o.Require = []string{"payments.*"}
		o.EngineConfig.Routes = map[string]string{"refund": "payments.refund"}
	}}, optFns...)...)
	require.NoError(t, err)
	require.NoError(t, m.Register(action.New("payments.refund", "Refund an order", nil, func(rc *core.RunContext, params map[string]any) (*core.NextAction, error) {
		return nil, rc.Emit(core.NewEvent("refunded", params))
	})))
	return m
}

func TestMesh_ApprovalRoundTrip(t *testing.T) {
	m := newMesh(t)
	assert.True(t, m.RequiresApproval("payments.refund"))
	assert.False(t, m.RequiresApproval("echo"))

	suspended := testutil.Collect(m.Run(context.Background(),
		core.NextAction{Action: "payments.refund", Params: map[string]any{"order": "o-1"}},
		engine.WithRunID("run-1"),
	))
	require.Equal(t, []string{core.TypeHITLRequired}, testutil.Types(suspended))
	tok := suspended[0].Data["token"].(string)

	approve := core.Request{Event: core.NewEvent(core.TypeActionApproved, map[string]any{"token": tok})}
	approved := testutil.Collect(m.Handle(context.Background(), approve))
	require.Equal(t, []string{"refunded"}, testutil.Types(approved))
	assert.Equal(t, "o-1", approved[0].Data["order"])

	replayed := testutil.Collect(m.Handle(context.Background(), approve))
	ev := testutil.RequireErrorEvent(t, replayed, core.CodeApprovalRejected)
	assert.Equal(t, core.CodeTokenReplayed, ev.Data["reason"])
}

func TestMesh_WithoutReplayGuard(t *testing.T) {
	m := newMesh(t, func(o *actionmesh.Options) { o.DisableReplayGuard = true })

	suspended := testutil.Collect(m.Run(context.Background(), core.NextAction{Action: "payments.refund"}))
	require.Len(t, suspended, 1)

	approve := core.Request{Event: core.NewEvent(core.TypeActionApproved, map[string]any{"token": suspended[0].Data["token"]})}
	for range 2 {
		assert.Equal(t, []string{"refunded"}, testutil.Types(testutil.Collect(m.Handle(context.Background(), approve))))
	}
}

func TestMesh_Handler(t *testing.T) {
	m := newMesh(t)
	ts := httptest.NewServer(m.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL, "application/json", strings.NewReader(`{"event":{"type":"refund","data":{"order":"o-2"}}}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}

func TestNew_Errors(t *testing.T) {
	_, err := actionmesh.New([]byte("short"))
	assert.Error(t, err)

	_, err = actionmesh.New(secret, func(o *actionmesh.Options) { o.Require = []string{""} })
	assert.Error(t, err)
}
