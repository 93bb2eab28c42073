// Package anthropic implements model.Model on the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/hupe1980/actionmesh/model"
)

// Options configures the adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	// APIKey overrides ANTHROPIC_API_KEY.
	APIKey string
}

// Model adapts an Anthropic client.
type Model struct {
	client *anthropic.Client
	opts   Options
}

func defaultOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// NewModel creates a Model with its own client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions(optFns)
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a Model from an existing client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	return &Model{client: client, opts: defaultOptions(optFns)}
}

// Generate implements model.Model.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		params := anthropic.MessageNewParams{
			Model:       m.opts.Model,
			Messages:    messages(req.Contents),
			MaxTokens:   m.opts.MaxTokens,
			Temperature: anthropic.Float(m.opts.Temperature),
			Tools:       tools(req.Tools),
		}
		if req.Instructions != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
		}
		var err error
		if req.Stream {
			err = m.stream(ctx, params, out)
		} else {
			err = m.complete(ctx, params, out)
		}
		if err != nil {
			errCh <- err
		}
	}()
	return out, errCh
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: string(m.opts.Model), Provider: "anthropic", SupportsTools: true}
}

func (m *Model) complete(ctx context.Context, params anthropic.MessageNewParams, out chan<- model.Response) error {
	msg, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return classify(err)
	}
	send(ctx, out, final(msg))
	return nil
}

func (m *Model) stream(ctx context.Context, params anthropic.MessageNewParams, out chan<- model.Response) error {
	stream := m.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	for stream.Next() {
		ev := stream.Current()
		if err := msg.Accumulate(ev); err != nil {
			return fmt.Errorf("anthropic: %w", err)
		}
		delta, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
			partial := model.Response{
				Partial: true,
				Content: model.Content{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: text.Text}}},
			}
			if !send(ctx, out, partial) {
				return ctx.Err()
			}
		}
	}
	if err := stream.Err(); err != nil {
		return classify(err)
	}
	send(ctx, out, final(&msg))
	return nil
}

func final(msg *anthropic.Message) model.Response {
	var parts []model.Part
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if text := block.AsText().Text; text != "" {
				parts = append(parts, model.TextPart{Text: text})
			}
		case "tool_use":
			use := block.AsToolUse()
			args := "{}"
			if raw, err := json.Marshal(use.Input); err == nil && string(raw) != "null" {
				args = string(raw)
			}
			parts = append(parts, model.FunctionCallPart{FunctionCall: model.FunctionCall{ID: use.ID, Name: use.Name, Arguments: args}})
		}
	}
	finish := "stop"
	if msg.StopReason != "" {
		finish = string(msg.StopReason)
	}
	return model.Response{
		ID:           msg.ID,
		Content:      model.Content{Role: model.RoleAssistant, Parts: parts},
		FinishReason: finish,
		Usage: &model.TokenUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}

// messages converts contents. Tool results travel in user turns.
func messages(contents []model.Content) []anthropic.MessageParam {
	var msgs []anthropic.MessageParam
	for _, c := range contents {
		var blocks []anthropic.ContentBlockParamUnion
		for _, p := range c.Parts {
			switch part := p.(type) {
			case model.TextPart:
				if part.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(part.Text))
				}
			case model.FunctionCallPart:
				var input any = map[string]any{}
				if part.FunctionCall.Arguments != "" {
					if err := json.Unmarshal([]byte(part.FunctionCall.Arguments), &input); err != nil {
						input = part.FunctionCall.Arguments
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(part.FunctionCall.ID, input, part.FunctionCall.Name))
			case model.FunctionResponsePart:
				fr := part.FunctionResponse
				blocks = append(blocks, anthropic.NewToolResultBlock(fr.ID, toolResult(fr), fr.Error != ""))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if c.Role == model.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(blocks...))
		}
	}
	return msgs
}

func toolResult(fr model.FunctionResponse) string {
	if fr.Error != "" {
		return fr.Error
	}
	if s, ok := fr.Response.(string); ok {
		return s
	}
	raw, err := json.Marshal(fr.Response)
	if err != nil {
		return fmt.Sprint(fr.Response)
	}
	return string(raw)
}

func tools(defs []model.Tool) []anthropic.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, len(defs))
	for i, def := range defs {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := def.Parameters["properties"]; ok {
			schema.Properties = props
		}
		switch req := def.Parameters["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool != nil && def.Description != "" {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		out[i] = tool
	}
	return out
}

// classify marks rate limits and overloaded or failing upstreams as
// retryable.
func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError) {
		return model.Retryable(fmt.Errorf("anthropic: %w", err))
	}
	return fmt.Errorf("anthropic: %w", err)
}

func send(ctx context.Context, out chan<- model.Response, r model.Response) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- r:
		return true
	}
}

var _ model.Model = (*Model)(nil)
