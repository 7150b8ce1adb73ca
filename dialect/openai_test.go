package dialect

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/aigw/chat"
)

func TestDecodeOpenAIRequest(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": [
				{"type": "text", "text": "what is in this image"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,aGVsbG8="}}
			]},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":\"go\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "42"}
		],
		"temperature": 0.25,
		"max_tokens": 300,
		"stop": "END",
		"stream": true,
		"tools": [{"type": "function", "function": {"name": "lookup", "description": "find things", "parameters": {"type": "object"}}}],
		"tool_choice": {"type": "function", "function": {"name": "lookup"}},
		"file_ids": ["file-abc123"],
		"knowledge_base_id": "kb-1",
		"citation_format": "openai"
	}`
	req, err := DecodeOpenAIRequest([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, 300, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.25, *req.Temperature)
	assert.Equal(t, []string{"END"}, req.StopSequences)
	assert.True(t, req.Stream)
	assert.Equal(t, []string{"file-abc123"}, req.FileIDs)
	assert.Equal(t, "kb-1", req.KnowledgeBaseID)

	require.Len(t, req.Messages, 4)
	assert.Equal(t, chat.RoleSystem, req.Messages[0].Role)

	user := req.Messages[1]
	assert.True(t, user.Blocks)
	require.Len(t, user.Parts, 2)
	img, ok := user.Parts[1].(chat.ImagePart)
	require.True(t, ok)
	assert.Equal(t, "image/png", img.MediaType)
	assert.Equal(t, "aGVsbG8=", img.Data)

	asst := req.Messages[2]
	assert.Empty(t, asst.Parts)
	require.Len(t, asst.ToolCalls, 1)
	assert.Equal(t, "call_1", asst.ToolCalls[0].ID)
	assert.Equal(t, `{"q":"go"}`, asst.ToolCalls[0].Arguments)

	toolMsg := req.Messages[3]
	assert.Equal(t, chat.RoleTool, toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "lookup", req.Tools[0].Name)
	require.NotNil(t, req.ToolChoice)
	assert.Equal(t, chat.ToolChoiceNamed, req.ToolChoice.Mode)
	assert.Equal(t, "lookup", req.ToolChoice.Name)

	require.NoError(t, req.Validate())
}

func TestDecodeOpenAIRequestRejectsGarbage(t *testing.T) {
	_, err := DecodeOpenAIRequest([]byte(`{"model": 12}`))
	require.Error(t, err)
	assert.Equal(t, chat.KindValidation, chat.KindOf(err))
}

func TestEncodeOpenAIResponse(t *testing.T) {
	resp := &chat.Response{
		ID:      "chatcmpl-123",
		Created: 1700000000,
		Model:   "gpt-4o-mini",
		Choices: []*chat.Choice{{
			Index:        0,
			Message:      chat.Text(chat.RoleAssistant, "Hello there!"),
			FinishReason: chat.FinishStop,
		}},
		Usage: &chat.Usage{PromptTokens: 9, CompletionTokens: 3, TotalTokens: 12},
	}
	body, err := EncodeOpenAIResponse(resp)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "chat.completion", doc["object"])
	assert.Equal(t, "chatcmpl-123", doc["id"])
	choices := doc["choices"].([]any)
	require.Len(t, choices, 1)
	first := choices[0].(map[string]any)
	assert.Equal(t, "stop", first["finish_reason"])
	msg := first["message"].(map[string]any)
	assert.Equal(t, "assistant", msg["role"])
	assert.Equal(t, "Hello there!", msg["content"])
	usage := doc["usage"].(map[string]any)
	assert.EqualValues(t, 12, usage["total_tokens"])
}

func TestEncodeOpenAIResponseToolCalls(t *testing.T) {
	resp := &chat.Response{
		ID:      "chatcmpl-tc",
		Created: 1700000000,
		Model:   "gpt-4o",
		Choices: []*chat.Choice{{
			Message: &chat.Message{
				Role:      chat.RoleAssistant,
				ToolCalls: []*chat.ToolCall{{ID: "call_9", Name: "search", Arguments: `{"q":"weather"}`}},
			},
			FinishReason: chat.FinishToolCalls,
		}},
	}
	body, err := EncodeOpenAIResponse(resp)
	require.NoError(t, err)

	back, err := DecodeOpenAIResponse(body)
	require.NoError(t, err)
	require.Len(t, back.Choices, 1)
	assert.Equal(t, chat.FinishToolCalls, back.Choices[0].FinishReason)
	require.Len(t, back.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "search", back.Choices[0].Message.ToolCalls[0].Name)
}

func TestOpenAIChunkEncoding(t *testing.T) {
	first := &chat.Chunk{
		ID: "chatcmpl-s", Created: 1700000000, Model: "gpt-4o",
		Choices: []*chat.ChunkChoice{{Delta: &chat.Delta{Role: chat.RoleAssistant, Content: "Hel"}}},
	}
	frame, err := EncodeOpenAIChunk(first)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(frame, &doc))
	assert.Equal(t, "chat.completion.chunk", doc["object"])
	delta := doc["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	assert.Equal(t, "assistant", delta["role"])
	assert.Equal(t, "Hel", delta["content"])
	assert.Nil(t, doc["choices"].([]any)[0].(map[string]any)["finish_reason"])

	final := &chat.Chunk{
		ID: "chatcmpl-s", Created: 1700000000, Model: "gpt-4o",
		Choices: []*chat.ChunkChoice{{FinishReason: chat.FinishStop}},
	}
	frame, err = EncodeOpenAIChunk(final)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(frame, &doc))
	choice := doc["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "stop", choice["finish_reason"])

	back, err := DecodeOpenAIChunk(frame)
	require.NoError(t, err)
	assert.Equal(t, chat.FinishStop, back.Choices[0].FinishReason)
	assert.Nil(t, back.Choices[0].Delta)
}

func TestOpenAIChunkToolCallFragments(t *testing.T) {
	ch := &chat.Chunk{
		ID: "chatcmpl-t", Model: "gpt-4o",
		Choices: []*chat.ChunkChoice{{
			Delta: &chat.Delta{ToolCalls: []*chat.ToolCallDelta{{
				Index: 0, ID: "call_3", Name: "search", Arguments: `{"q":`,
			}}},
		}},
	}
	frame, err := EncodeOpenAIChunk(ch)
	require.NoError(t, err)
	back, err := DecodeOpenAIChunk(frame)
	require.NoError(t, err)
	require.Len(t, back.Choices[0].Delta.ToolCalls, 1)
	tc := back.Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, "call_3", tc.ID)
	assert.Equal(t, "search", tc.Name)
	assert.Equal(t, `{"q":`, tc.Arguments)
}
