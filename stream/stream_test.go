package stream_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hupe1980/actionmesh/action"
	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/engine"
	"github.com/hupe1980/actionmesh/stream"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t, goldie.WithFixtureDir("testdata/golden"))
}

func TestEncoder_Frames(t *testing.T) {
	var buf bytes.Buffer
	enc := stream.NewEncoder(&buf)

	delta := core.NewTextDelta("Hello")
	delta.ID = "01J0000000000000000000000A"
	delta.Meta.RunID = "run-1"
	delta.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	hitl := core.NewEvent(core.TypeHITLRequired, map[string]any{"action": "charge", "token": "abc.def"})
	hitl.ID = "02"
	hitl.UI = map[string]any{"type": "card"}

	fault := core.NewErrorEvent(core.CodeActionFailed, "boom", map[string]any{"action": "charge"})
	fault.ID = "03"

	for _, ev := range []core.Event{delta, hitl, fault} {
		require.NoError(t, enc.Encode(ev))
	}
	require.NoError(t, enc.Done())

	newGoldie(t).Assert(t, "frames", buf.Bytes())
}

type fakeRunner struct{}

func (fakeRunner) Handle(_ context.Context, req core.Request) iter.Seq[core.Event] {
	return func(yield func(core.Event) bool) {
		ev := core.NewEvent(core.TypeStatus, map[string]any{"received": req.Event.Type, "runId": req.RunID})
		ev.ID = "01"
		yield(ev)
	}
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(body)))
	return rec
}

func TestHandler_Streams(t *testing.T) {
	rec := post(stream.Handler(fakeRunner{}), `{"event":{"type":"ping"},"runId":"run-9"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, rec.Flushed)
	newGoldie(t).Assert(t, "handler", rec.Body.Bytes())
}

func TestHandler_RejectsBadRequests(t *testing.T) {
	h := stream.Handler(fakeRunner{}, func(o *stream.Options) { o.MaxBodyBytes = 64 })

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"invalid json", `{"event":`, http.StatusBadRequest, "INVALID_JSON"},
		{"missing type", `{"event":{"data":{}}}`, http.StatusBadRequest, core.CodeInvalidEvent},
		{"too large", `{"event":{"type":"` + strings.Repeat("x", 128) + `"}}`, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(h, tt.body)
			assert.Equal(t, tt.status, rec.Code)

			var body struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	stream.Handler(fakeRunner{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func frames(body string) []string {
	var out []string
	for _, frame := range strings.Split(strings.TrimSpace(body), "\n\n") {
		if frame != "" {
			out = append(out, frame)
		}
	}
	return out
}

func TestHandler_WithEngine(t *testing.T) {
	eng := engine.New(func(o *engine.Options) {
		o.Config.Routes = map[string]string{"user-message": "echo"}
	})
	eng.MustRegister(action.New("echo", "", nil, func(rc *core.RunContext, params map[string]any) (*core.NextAction, error) {
		text, _ := params["text"].(string)
		return nil, rc.Emit(core.NewTextDelta(text))
	}))

	rec := post(stream.Handler(eng), `{"event":{"type":"user-message","data":{"text":"hi"}},"runId":"r1"}`)

	got := frames(rec.Body.String())
	require.Len(t, got, 2)

	var ev core.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(got[0], "data: ")), &ev))
	assert.Equal(t, core.TypeTextDelta, ev.Type)
	assert.Equal(t, "hi", ev.Text())
	assert.Equal(t, "r1", ev.Meta.RunID)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "event: done\ndata: {}", got[1])
}

func TestHandler_ErrorEventFrame(t *testing.T) {
	rec := post(stream.Handler(engine.New()), `{"event":{"type":"nowhere"}}`)

	got := frames(rec.Body.String())
	require.Len(t, got, 2)
	assert.True(t, strings.HasPrefix(got[0], "event: error\ndata: "), got[0])
	assert.Contains(t, got[0], core.CodeNoRoute)
}

// failingWriter accepts n writes and fails afterwards.
type failingWriter struct {
	header http.Header
	n      int
}

func (w *failingWriter) Header() http.Header { return w.header }
func (w *failingWriter) WriteHeader(int)     {}
func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n == 0 {
		return 0, errors.New("connection reset")
	}
	w.n--
	return len(p), nil
}

func tickerEngine(stopped chan<- error) *engine.Engine {
	eng := engine.New()
	eng.MustRegister(action.New("ticker", "", nil, func(rc *core.RunContext, _ map[string]any) (*core.NextAction, error) {
		for {
			if err := rc.Emit(core.NewTextDelta("tick")); err != nil {
				stopped <- err
				return nil, err
			}
			select {
			case <-rc.Done():
			case <-time.After(time.Millisecond):
			}
		}
	}))
	return eng
}

func TestServe_WriteFailureStopsRun(t *testing.T) {
	stopped := make(chan error, 1)
	eng := tickerEngine(stopped)
	w := &failingWriter{header: http.Header{}, n: 2}

	err := stream.Serve(context.Background(), w, eng.Run(context.Background(), core.NextAction{Action: "ticker"}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.ErrorIs(t, <-stopped, core.ErrStreamClosed)
}

func TestServe_ContextCancelledSkipsDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New()
	eng.MustRegister(action.New("once", "", nil, func(rc *core.RunContext, _ map[string]any) (*core.NextAction, error) {
		if err := rc.Emit(core.NewTextDelta("first")); err != nil {
			return nil, err
		}
		cancel()
		return nil, rc.Emit(core.NewTextDelta("second"))
	}))

	rec := httptest.NewRecorder()
	err := stream.Serve(ctx, rec, eng.Run(ctx, core.NextAction{Action: "once"}))

	assert.ErrorIs(t, err, context.Canceled)
	got := frames(rec.Body.String())
	require.Len(t, got, 1)
	assert.Contains(t, got[0], `"first"`)
}

func TestHandler_ClientDisconnectStopsAction(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	stopped := make(chan error, 1)
	eng := tickerEngine(stopped)
	eng.Use(core.Plugin{Name: "route", OnBeforeRun: func(*core.RunContext, core.BeforeRunInput) core.Outcome {
		return core.Redirect(core.NextAction{Action: "ticker"})
	}})

	srv := httptest.NewServer(stream.Handler(eng))
	defer srv.Close()

	transport := &http.Transport{}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, strings.NewReader(`{"event":{"type":"go"}}`))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)

	reader := bufio.NewReader(resp.Body)
	seen := 0
	for seen < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			seen++
		}
	}

	cancel()
	_ = resp.Body.Close()

	select {
	case err := <-stopped:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("action kept running after the client disconnected")
	}
}
