package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Tool exposes a callable function to the model. Parameters is a JSON
// Schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the provider-neutral model input.
type Request struct {
	Instructions string    `json:"instructions"`
	Contents     []Content `json:"contents"`
	Tools        []Tool    `json:"tools,omitempty"`
	Stream       bool      `json:"stream,omitempty"`
}

// TokenUsage reports token consumption of a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a partial or final chunk. Partial chunks carry text deltas;
// the final chunk carries the complete assistant content.
type Response struct {
	ID           string      `json:"id"`
	Partial      bool        `json:"partial"`
	Content      Content     `json:"content"`
	FinishReason string      `json:"finish_reason"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info describes a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Model drives generation. Generate streams responses until the response
// channel closes; a failure is then available on the error channel.
// Implementations must stop sending once ctx is done.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)
	Info() Info
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient, e.g. a rate limit or an unavailable
// upstream.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// MockModel is an in-memory Model for tests and demos. Scripted replies are
// returned in order; without a script it answers from AddResponse or echoes
// the last user text.
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	script    []Content
	failures  []error
	requests  []Request
}

// NewMockModel creates a MockModel.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: "mock", SupportsTools: true},
		responses: make(map[string]string),
	}
}

// AddResponse registers a canned reply for a prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Script queues assistant replies consumed by successive Generate calls.
func (m *MockModel) Script(replies ...Content) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, replies...)
}

// FailNext makes the next n Generate calls fail with err before any output.
func (m *MockModel) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for range n {
		m.failures = append(m.failures, err)
	}
}

// Requests returns the requests received so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Generate implements Model. When streaming, text is sent word by word
// before the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	reply, failure := m.next(req)

	go func() {
		defer close(respCh)
		defer close(errCh)
		if failure != nil {
			errCh <- failure
			return
		}
		send := func(r Response) bool {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return false
			case respCh <- r:
				return true
			}
		}
		if req.Stream {
			for _, word := range strings.SplitAfter(reply.Text(), " ") {
				if word == "" {
					continue
				}
				if !send(Response{Partial: true, Content: Content{Role: RoleAssistant, Parts: []Part{TextPart{Text: word}}}}) {
					return
				}
			}
		}
		finish := "stop"
		if len(reply.FunctionCalls()) > 0 {
			finish = "tool_calls"
		}
		send(Response{Content: reply, FinishReason: finish})
	}()
	return respCh, errCh
}

func (m *MockModel) next(req Request) (Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return Content{}, err
	}
	if len(m.script) > 0 {
		reply := m.script[0]
		m.script = m.script[1:]
		if reply.Role == "" {
			reply.Role = RoleAssistant
		}
		return reply, nil
	}
	if len(req.Contents) == 0 {
		return Content{}, errors.New("model: no contents provided")
	}
	input := req.Contents[len(req.Contents)-1].Text()
	text, ok := m.responses[input]
	if !ok {
		text = fmt.Sprintf("Mock response to: %s", input)
	}
	return Content{Role: RoleAssistant, Parts: []Part{TextPart{Text: text}}}, nil
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }

var _ Model = (*MockModel)(nil)
