// Package openai implements model.Model on the OpenAI Chat Completions API,
// streaming text deltas and aggregating tool call fragments into the final
// response.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/hupe1980/actionmesh/model"
	"github.com/openai/openai-go"
)

// Options configures the adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Model adapts an OpenAI client.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a Model with a client configured from the environment
// (OPENAI_API_KEY).
func NewModel(optFns ...func(o *Options)) *Model {
	client := openai.NewClient()
	return NewModelFromClient(&client, optFns...)
}

// NewModelFromClient creates a Model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Generate implements model.Model.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		params := m.params(req)
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
	return model.Info{Name: m.opts.Model, Provider: "openai", SupportsTools: true}
}

func (m *Model) params(req model.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            messages(req),
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  t.Parameters,
			},
		})
	}
	return params
}

// messages converts the request into chat messages. Tool results follow the
// assistant turn that requested them.
func messages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.Instructions != "" {
		msgs = append(msgs, openai.SystemMessage(req.Instructions))
	}
	for _, c := range req.Contents {
		switch c.Role {
		case model.RoleAssistant:
			calls := c.FunctionCalls()
			if len(calls) == 0 {
				msgs = append(msgs, openai.AssistantMessage(c.Text()))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(calls))
			for i, fc := range calls {
				toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   fc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      fc.Name,
						Arguments: fc.Arguments,
					},
				}
			}
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				},
			})
		case model.RoleTool:
			for _, p := range c.Parts {
				if fr, ok := p.(model.FunctionResponsePart); ok {
					msgs = append(msgs, openai.ToolMessage(toolResult(fr.FunctionResponse), fr.FunctionResponse.ID))
				}
			}
		default:
			if text := c.Text(); text != "" {
				msgs = append(msgs, openai.UserMessage(text))
			}
		}
	}
	return msgs
}

func toolResult(fr model.FunctionResponse) string {
	if fr.Error != "" {
		return "error: " + fr.Error
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

type partialCall struct{ id, name, args string }

func (m *Model) stream(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- model.Response) error {
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	calls := map[int64]*partialCall{}
	for stream.Next() {
		for _, ch := range stream.Current().Choices {
			if d := ch.Delta.Content; d != "" {
				text.WriteString(d)
				if !send(ctx, out, model.Response{Partial: true, Content: assistant(model.TextPart{Text: d})}) {
					return ctx.Err()
				}
			}
			for _, tc := range ch.Delta.ToolCalls {
				pc, ok := calls[tc.Index]
				if !ok {
					pc = &partialCall{}
					calls[tc.Index] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args += tc.Function.Arguments
			}
			if ch.FinishReason == "" {
				continue
			}
			var parts []model.Part
			if text.Len() > 0 {
				parts = append(parts, model.TextPart{Text: text.String()})
			}
			indexes := make([]int64, 0, len(calls))
			for i := range calls {
				indexes = append(indexes, i)
			}
			sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })
			for _, i := range indexes {
				pc := calls[i]
				parts = append(parts, model.FunctionCallPart{FunctionCall: model.FunctionCall{ID: pc.id, Name: pc.name, Arguments: pc.args}})
			}
			if !send(ctx, out, model.Response{Content: assistant(parts...), FinishReason: ch.FinishReason}) {
				return ctx.Err()
			}
		}
	}
	return classify(stream.Err())
}

func (m *Model) complete(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- model.Response) error {
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return classify(err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("openai: no choices returned")
	}
	choice := resp.Choices[0]
	var parts []model.Part
	if choice.Message.Content != "" {
		parts = append(parts, model.TextPart{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		parts = append(parts, model.FunctionCallPart{FunctionCall: model.FunctionCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}})
	}
	send(ctx, out, model.Response{
		ID:           resp.ID,
		Content:      assistant(parts...),
		FinishReason: choice.FinishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	})
	return nil
}

// classify marks rate limits and server errors as retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError) {
		return model.Retryable(fmt.Errorf("openai: %w", err))
	}
	return fmt.Errorf("openai: %w", err)
}

func assistant(parts ...model.Part) model.Content {
	return model.Content{Role: model.RoleAssistant, Parts: parts}
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
