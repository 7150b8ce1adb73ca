package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() *Request {
	return &Request{
		Model:    "gpt-4o-mini",
		Messages: []*Message{Text(RoleUser, "Hello!")},
	}
}

func TestValidateOK(t *testing.T) {
	req := validRequest()
	req.Tools = []*ToolDef{{
		Name:   "get_weather",
		Schema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
	}}
	req.ToolChoice = &ToolChoice{Mode: ToolChoiceNamed, Name: "get_weather"}
	req.FileIDs = []string{"file-0123abcd"}
	require.NoError(t, req.Validate())
}

func TestValidateRejects(t *testing.T) {
	temp := 3.5
	topP := -0.1
	cases := []struct {
		name   string
		mutate func(*Request)
		want   string
	}{
		{"empty model", func(r *Request) { r.Model = " " }, "model is required"},
		{"no messages", func(r *Request) { r.Messages = nil }, "messages must not be empty"},
		{"bad role", func(r *Request) { r.Messages[0].Role = "narrator" }, "unknown role"},
		{
			"tool message without call id",
			func(r *Request) { r.Messages = append(r.Messages, Text(RoleTool, "result")) },
			"tool_call_id",
		},
		{
			"tool call without id",
			func(r *Request) { r.Messages[0].ToolCalls = []*ToolCall{{Name: "search"}} },
			"id and name are required",
		},
		{"temperature range", func(r *Request) { r.Temperature = &temp }, "temperature"},
		{"top_p range", func(r *Request) { r.TopP = &topP }, "top_p"},
		{"negative max_tokens", func(r *Request) { r.MaxTokens = -1 }, "max_tokens"},
		{"tool without name", func(r *Request) { r.Tools = []*ToolDef{{}} }, "name is required"},
		{
			"broken tool schema",
			func(r *Request) {
				r.Tools = []*ToolDef{{Name: "t", Schema: json.RawMessage(`{"type":"objetc"`)}}
			},
			"invalid parameter schema",
		},
		{
			"named tool choice without name",
			func(r *Request) { r.ToolChoice = &ToolChoice{Mode: ToolChoiceNamed} },
			"requires a tool name",
		},
		{
			"unknown tool choice mode",
			func(r *Request) { r.ToolChoice = &ToolChoice{Mode: "sometimes"} },
			"unknown mode",
		},
		{"bad file id prefix", func(r *Request) { r.FileIDs = []string{"upload-123"} }, "must start with"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(req)
			err := req.Validate()
			require.Error(t, err)
			e, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, KindValidation, e.Kind)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateSchemaRejectsNonSchema(t *testing.T) {
	req := validRequest()
	req.Tools = []*ToolDef{{
		Name:   "t",
		Schema: json.RawMessage(`{"type":"definitely-not-a-type"}`),
	}}
	assert.Error(t, req.Validate())
}
