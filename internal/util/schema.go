package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError reports params that do not satisfy an action schema.
type ValidationError struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid params for %q: %s", e.Action, e.Message)
}

// CreateSchema reflects a JSON schema from a Go struct. Nested types are
// inlined so the result is self-contained.
func CreateSchema(v any) map[string]any {
	r := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	schema.ID = ""

	raw, err := json.Marshal(schema)
	if err != nil {
		return objectSchema()
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return objectSchema()
	}
	return out
}

func objectSchema() map[string]any {
	return map[string]any{"type": "object"}
}

// Validator checks params against a compiled schema.
type Validator struct {
	action string
	schema *jschema.Schema
}

// CompileSchema compiles a schema map for the named action. A nil or empty
// schema yields a nil Validator, which accepts everything.
func CompileSchema(action string, schema map[string]any) (*Validator, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	doc, err := toJSONValue(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize schema: %w", err)
	}

	url := "mem://actions/" + action + ".json"
	c := jschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Validator{action: action, schema: sch}, nil
}

// Validate checks params. Nil params are validated as an empty object.
func (v *Validator) Validate(params map[string]any) error {
	if v == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	doc, err := toJSONValue(params)
	if err != nil {
		return &ValidationError{Action: v.action, Message: err.Error()}
	}
	if err := v.schema.Validate(doc); err != nil {
		return &ValidationError{Action: v.action, Message: formatSchemaError(err)}
	}
	return nil
}

// toJSONValue round-trips v through JSON so numbers and nested containers
// have the shapes the schema validator expects.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jschema.UnmarshalJSON(bytes.NewReader(raw))
}

func formatSchemaError(err error) string {
	msg := strings.TrimSpace(err.Error())
	if i := strings.Index(msg, "\n"); i > 0 {
		rest := strings.TrimSpace(msg[i+1:])
		if rest != "" {
			return strings.ReplaceAll(rest, "\n", "; ")
		}
	}
	return msg
}
