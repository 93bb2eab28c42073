package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/actionmesh/action"
	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/internal/util"
	"github.com/hupe1980/actionmesh/model"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// CodeModelFailed is the error code of model failures.
const CodeModelFailed = "MODEL_FAILED"

// Options configures a brain.
type Options struct {
	// Description is shown to other brains listing this one as a tool.
	Description string

	// Instructions is the system prompt. text/template markers are expanded
	// against the run state.
	Instructions string

	// Tools names the actions offered to the model. Empty offers every
	// registered action except the brain itself.
	Tools []string

	// Stream requests partial responses, emitted as text-delta events.
	// Defaults to true.
	Stream bool

	// MaxRetries bounds retries of retryable model errors raised before any
	// output. Defaults to 2.
	MaxRetries uint64

	// RetryBase is the first retry delay; later delays grow exponentially.
	// Defaults to 200ms.
	RetryBase time.Duration

	// MaxHistory caps the stored conversation. Older turns are dropped from
	// the front. Zero keeps everything.
	MaxHistory int
}

// Call identifies the tool call a brain is waiting on.
type Call struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type input struct {
	Message    string `json:"message"`
	Text       string `json:"text"`
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	ToolResult any    `json:"toolResult"`
	ToolError  string `json:"toolError"`
}

// Brain is an action driving a language model. Each execution performs one
// model turn: it appends the inbound message or tool result to the history,
// streams the reply and either ends the chain or hands over to the tool the
// model picked.
type Brain struct {
	name         string
	model        model.Model
	opts         Options
	instructions *util.Template
	instrErr     error
}

// New creates a Brain named name.
func New(name string, m model.Model, optFns ...func(o *Options)) *Brain {
	opts := Options{
		Stream:     true,
		MaxRetries: 2,
		RetryBase:  200 * time.Millisecond,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Description == "" {
		opts.Description = fmt.Sprintf("Conversational assistant backed by %s", m.Info().Name)
	}
	b := &Brain{name: name, model: m, opts: opts}
	b.instructions, b.instrErr = util.ParseTemplate(name, opts.Instructions)
	return b
}

// Name implements core.Action.
func (b *Brain) Name() string { return b.name }

// Description implements core.Action.
func (b *Brain) Description() string { return b.opts.Description }

// ParamsSchema implements core.Action.
func (b *Brain) ParamsSchema() map[string]any { return paramsSchema }

// Execute implements core.Action.
func (b *Brain) Execute(rc *core.RunContext, params map[string]any) (*core.NextAction, error) {
	in, err := action.Decode[input](params)
	if err != nil {
		return nil, oops.Code(core.CodeInvalidParams).With("action", b.name).Wrap(err)
	}

	history, err := History(rc, b.name)
	if err != nil {
		return nil, oops.Code(core.CodeInvalidParams).With("action", b.name).Wrapf(err, "decoding history")
	}

	switch {
	case in.ToolCallID != "":
		history = append(history, model.Content{Role: model.RoleTool, Parts: []model.Part{
			model.FunctionResponsePart{FunctionResponse: model.FunctionResponse{
				ID:       in.ToolCallID,
				Name:     in.ToolName,
				Response: in.ToolResult,
				Error:    in.ToolError,
			}},
		}})
		rc.DeleteState(callKey(b.name))
	case in.Message != "":
		history = append(history, model.UserText(in.Message))
	case in.Text != "":
		history = append(history, model.UserText(in.Text))
	default:
		return nil, oops.Code(core.CodeInvalidParams).With("action", b.name).Errorf("message or toolCallId is required")
	}

	if b.instrErr != nil {
		return nil, oops.With("action", b.name).Wrap(b.instrErr)
	}
	instructions, err := b.instructions.Render(rc.State)
	if err != nil {
		return nil, oops.With("action", b.name).Wrapf(err, "rendering instructions")
	}

	req := model.Request{
		Instructions: instructions,
		Contents:     history,
		Tools:        b.tools(rc),
		Stream:       b.opts.Stream,
	}

	reply, err := b.generate(rc, req)
	if err != nil {
		return nil, err
	}

	history = append(history, reply)
	if err := b.saveHistory(rc, history); err != nil {
		return nil, err
	}

	if text := reply.Text(); text != "" {
		ev := core.NewEvent(core.TypeMessage, map[string]any{"text": text, "brain": b.name})
		ev.Meta = &core.Meta{Role: core.RoleAssistant}
		if err := rc.Emit(ev); err != nil {
			return nil, err
		}
	}

	calls := reply.FunctionCalls()
	if len(calls) == 0 {
		return nil, nil
	}
	return b.dispatch(rc, calls[0])
}

// dispatch hands control to the requested tool. Calls to unknown tools or
// with malformed arguments go straight back to the model as tool errors.
func (b *Brain) dispatch(rc *core.RunContext, call model.FunctionCall) (*core.NextAction, error) {
	args := map[string]any{}
	var problem string
	if _, ok := rc.Lookup(call.Name); !ok || call.Name == b.name {
		problem = fmt.Sprintf("unknown tool %q", call.Name)
	} else if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			problem = fmt.Sprintf("invalid arguments for %q: %v", call.Name, err)
		}
	}

	if problem != "" {
		rc.LogWarn("tool call rejected", "brain", b.name, "tool", call.Name, "reason", problem)
		return &core.NextAction{Action: b.name, Params: map[string]any{
			"toolCallId": call.ID,
			"toolName":   call.Name,
			"toolError":  problem,
		}}, nil
	}

	if err := rc.Emit(core.NewEvent(core.TypeToolCall, map[string]any{
		"brain":     b.name,
		"id":        call.ID,
		"name":      call.Name,
		"arguments": args,
	})); err != nil {
		return nil, err
	}
	rc.SetState(callKey(b.name), map[string]any{"id": call.ID, "name": call.Name})
	return &core.NextAction{Action: call.Name, Params: args}, nil
}

// generate calls the model. Retryable errors are retried until the first
// response arrives; after that the turn is committed and failures end it.
func (b *Brain) generate(rc *core.RunContext, req model.Request) (model.Content, error) {
	ctx, cancel := context.WithCancel(rc.Context())
	defer cancel()

	var (
		respCh <-chan model.Response
		errCh  <-chan error
		first  model.Response
		got    bool
	)
	backoff := retry.WithMaxRetries(b.opts.MaxRetries, retry.NewExponential(b.opts.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		respCh, errCh = b.model.Generate(ctx, req)
		select {
		case r, ok := <-respCh:
			if ok {
				first, got = r, true
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := <-errCh; err != nil {
			if model.IsRetryable(err) {
				rc.LogWarn("model call failed, retrying", "brain", b.name, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return model.Content{}, b.modelError(err)
	}
	if !got {
		return model.Content{}, b.modelError(fmt.Errorf("model returned no response"))
	}

	defer func() {
		cancel()
		for range respCh {
		}
	}()

	var final *model.Content
	r, ok := first, true
	for ok {
		if r.Partial {
			if delta := r.Content.Text(); delta != "" {
				ev := core.NewTextDelta(delta)
				ev.Data["brain"] = b.name
				if err := rc.Emit(ev); err != nil {
					return model.Content{}, err
				}
			}
		} else {
			c := r.Content
			final = &c
		}
		select {
		case r, ok = <-respCh:
		case <-rc.Done():
			return model.Content{}, rc.Err()
		}
	}
	if err := <-errCh; err != nil {
		return model.Content{}, b.modelError(err)
	}
	if final == nil {
		return model.Content{}, b.modelError(fmt.Errorf("model stream ended without a final response"))
	}
	final.Role = model.RoleAssistant
	return *final, nil
}

func (b *Brain) modelError(err error) error {
	info := b.model.Info()
	return oops.Code(CodeModelFailed).
		With("action", b.name).
		With("provider", info.Provider).
		With("model", info.Name).
		Wrap(err)
}

// tools lists the actions offered to the model.
func (b *Brain) tools(rc *core.RunContext) []model.Tool {
	names := b.opts.Tools
	if len(names) == 0 {
		names = rc.ActionNames()
	}
	var tools []model.Tool
	for _, name := range names {
		if name == b.name {
			continue
		}
		a, ok := rc.Lookup(name)
		if !ok {
			continue
		}
		schema := a.ParamsSchema()
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		tools = append(tools, model.Tool{Name: name, Description: a.Description(), Parameters: schema})
	}
	return tools
}

func (b *Brain) saveHistory(rc *core.RunContext, history []model.Content) error {
	if limit := b.opts.MaxHistory; limit > 0 && len(history) > limit {
		history = trim(history, limit)
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return oops.With("action", b.name).Wrapf(err, "encoding history")
	}
	var stored []any
	if err := json.Unmarshal(raw, &stored); err != nil {
		return oops.With("action", b.name).Wrapf(err, "encoding history")
	}
	rc.SetState(HistoryKey(b.name), stored)
	return nil
}

// trim keeps at most limit contents and starts the result at a user turn,
// so tool results never lose the call they answer.
func trim(history []model.Content, limit int) []model.Content {
	start := len(history) - limit
	for start < len(history) && history[start].Role != model.RoleUser {
		start++
	}
	return history[start:]
}

// HistoryKey returns the state key holding the conversation of brain.
func HistoryKey(brain string) string { return "brain." + brain + ".history" }

func callKey(brain string) string { return "brain." + brain + ".call" }

// History decodes the conversation of brain from the run state.
func History(rc *core.RunContext, brain string) ([]model.Content, error) {
	v, ok := rc.GetState(HistoryKey(brain))
	if !ok || v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var history []model.Content
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// CurrentCall returns the tool call brain is waiting on.
func CurrentCall(rc *core.RunContext, brain string) (Call, bool) {
	v, ok := rc.GetState(callKey(brain))
	if !ok {
		return Call{}, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Call{}, false
	}
	id, _ := m["id"].(string)
	name, _ := m["name"].(string)
	return Call{ID: id, Name: name}, id != ""
}

// Reply returns the continuation handing result back to brain.
//
// Example:
//
//	lookup := action.New("lookup", "Look up a price", schema, func(rc *core.RunContext, p map[string]any) (*core.NextAction, error) {
//	    call, ok := brain.CurrentCall(rc, "chat")
//	    if !ok {
//	        return nil, nil
//	    }
//	    return brain.Reply("chat", call.ID, call.Name, map[string]any{"price": 5}), nil
//	})
func Reply(brain, callID, tool string, result any) *core.NextAction {
	return &core.NextAction{Action: brain, Params: map[string]any{
		"toolCallId": callID,
		"toolName":   tool,
		"toolResult": result,
	}}
}

var paramsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"message":    map[string]any{"type": "string"},
		"text":       map[string]any{"type": "string"},
		"toolCallId": map[string]any{"type": "string"},
		"toolName":   map[string]any{"type": "string"},
		"toolError":  map[string]any{"type": "string"},
	},
}

var _ core.Action = (*Brain)(nil)
