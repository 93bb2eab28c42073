package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Roles used in Content.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Part is one segment of a Content. The set of parts is closed.
type Part interface{ isPart() }

// TextPart is plain text.
type TextPart struct {
	Text string
}

func (TextPart) isPart() {}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"` // JSON object
}

// FunctionCallPart wraps a FunctionCall.
type FunctionCallPart struct {
	FunctionCall FunctionCall
}

func (FunctionCallPart) isPart() {}

// FunctionResponse is the outcome of a FunctionCall.
type FunctionResponse struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Response any    `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// FunctionResponsePart wraps a FunctionResponse.
type FunctionResponsePart struct {
	FunctionResponse FunctionResponse
}

func (FunctionResponsePart) isPart() {}

// Content is a role-tagged message made of parts.
type Content struct {
	Role  string
	Parts []Part
}

// UserText returns a user Content holding text.
func UserText(text string) Content {
	return Content{Role: RoleUser, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates the content's text parts.
func (c Content) Text() string {
	var b strings.Builder
	for _, p := range c.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// FunctionCalls returns the content's function calls in order.
func (c Content) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, p := range c.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}

// Part kinds on the wire.
const (
	kindText             = "text"
	kindFunctionCall     = "function_call"
	kindFunctionResponse = "function_response"
)

type wirePart struct {
	Kind             string            `json:"kind"`
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role"`
	Parts []wirePart `json:"parts"`
}

// MarshalJSON encodes the content with a kind tag per part.
func (c Content) MarshalJSON() ([]byte, error) {
	w := wireContent{Role: c.Role, Parts: make([]wirePart, 0, len(c.Parts))}
	for _, p := range c.Parts {
		switch v := p.(type) {
		case TextPart:
			w.Parts = append(w.Parts, wirePart{Kind: kindText, Text: v.Text})
		case FunctionCallPart:
			fc := v.FunctionCall
			w.Parts = append(w.Parts, wirePart{Kind: kindFunctionCall, FunctionCall: &fc})
		case FunctionResponsePart:
			fr := v.FunctionResponse
			w.Parts = append(w.Parts, wirePart{Kind: kindFunctionResponse, FunctionResponse: &fr})
		default:
			return nil, fmt.Errorf("model: unsupported part %T", p)
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes content written by MarshalJSON.
func (c *Content) UnmarshalJSON(data []byte) error {
	var w wireContent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parts := make([]Part, 0, len(w.Parts))
	for i, wp := range w.Parts {
		switch {
		case wp.Kind == kindText:
			parts = append(parts, TextPart{Text: wp.Text})
		case wp.Kind == kindFunctionCall && wp.FunctionCall != nil:
			parts = append(parts, FunctionCallPart{FunctionCall: *wp.FunctionCall})
		case wp.Kind == kindFunctionResponse && wp.FunctionResponse != nil:
			parts = append(parts, FunctionResponsePart{FunctionResponse: *wp.FunctionResponse})
		default:
			return fmt.Errorf("model: part %d: unknown kind %q", i, wp.Kind)
		}
	}
	c.Role = w.Role
	c.Parts = parts
	return nil
}
