package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validate checks the request against the canonical-model invariants. It
// returns a KindValidation error naming the first violation. Validation runs
// after dialect decoding and before any provider work.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return NewError(KindValidation, "model is required")
	}
	if len(r.Messages) == 0 {
		return NewError(KindValidation, "messages must not be empty")
	}
	for i, m := range r.Messages {
		if m == nil {
			return Errorf(KindValidation, "messages[%d] is null", i)
		}
		if !ValidRole(m.Role) {
			return Errorf(KindValidation, "messages[%d]: unknown role %q", i, m.Role)
		}
		if m.Role == RoleTool && m.ToolCallID == "" {
			return Errorf(KindValidation, "messages[%d]: tool message requires tool_call_id", i)
		}
		for j, tc := range m.ToolCalls {
			if tc.ID == "" || tc.Name == "" {
				return Errorf(KindValidation, "messages[%d].tool_calls[%d]: id and name are required", i, j)
			}
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return Errorf(KindValidation, "temperature %v out of range [0, 2]", *r.Temperature)
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return Errorf(KindValidation, "top_p %v out of range [0, 1]", *r.TopP)
	}
	if r.MaxTokens < 0 {
		return Errorf(KindValidation, "max_tokens must be positive, got %d", r.MaxTokens)
	}
	for i, t := range r.Tools {
		if t.Name == "" {
			return Errorf(KindValidation, "tools[%d]: name is required", i)
		}
		if err := compileToolSchema(t.Schema); err != nil {
			return Errorf(KindValidation, "tools[%d] %q: invalid parameter schema: %v", i, t.Name, err)
		}
	}
	if r.ToolChoice != nil {
		switch r.ToolChoice.Mode {
		case ToolChoiceAuto, ToolChoiceNone, ToolChoiceRequired:
		case ToolChoiceNamed:
			if r.ToolChoice.Name == "" {
				return NewError(KindValidation, "tool_choice: named choice requires a tool name")
			}
		default:
			return Errorf(KindValidation, "tool_choice: unknown mode %q", r.ToolChoice.Mode)
		}
	}
	for _, id := range r.FileIDs {
		if !strings.HasPrefix(id, "file-") {
			return Errorf(KindValidation, "file id %q must start with \"file-\"", id)
		}
	}
	return nil
}

// compileToolSchema verifies that raw is a well-formed JSON Schema. An empty
// schema is allowed and means "any arguments".
func compileToolSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.json", doc); err != nil {
		return err
	}
	if _, err := c.Compile("tool.json"); err != nil {
		return err
	}
	return nil
}
