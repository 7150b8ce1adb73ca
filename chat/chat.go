// Package chat defines the dialect-neutral representation of a chat
// completion exchange: request, response and streaming chunk. Every inbound
// payload (OpenAI, Bedrock Anthropic, Bedrock Titan) is converted into these
// types once on ingress and back out once on egress, so adapters, routing,
// file injection and retrieval all operate on a single shape. The package is
// pure values, no I/O.
package chat

import (
	"encoding/json"
	"strings"
)

type (
	// Request captures the normalized parameters of a chat completion call.
	// Adapters populate it from provider dialects and strategies shape it back
	// into provider bodies. Optional tuning parameters use pointers so that
	// "absent" survives a round trip through any dialect.
	Request struct {
		// Model identifies the target model (e.g. "gpt-4o",
		// "anthropic.claude-3-sonnet-20240229-v1:0", "amazon.titan-text-express-v1").
		// Routing is a pure function of this field.
		Model string

		// Messages is the ordered conversation history. Must be non-empty.
		Messages []*Message

		// Temperature controls sampling randomness. Nil means provider default.
		Temperature *float64

		// TopP controls nucleus sampling. Nil means provider default.
		TopP *float64

		// MaxTokens caps completion length. Zero means provider default.
		MaxTokens int

		// StopSequences lists strings that terminate generation when emitted.
		StopSequences []string

		// Stream requests incremental delivery of the completion.
		Stream bool

		// Tools describes the tool schemas exposed to the model.
		Tools []*ToolDef

		// ToolChoice constrains how the model may use Tools. Nil means auto.
		ToolChoice *ToolChoice

		// FileIDs references uploaded artifacts whose extracted content is
		// injected as a context preamble before routing.
		FileIDs []string

		// KnowledgeBaseID selects a knowledge base explicitly. When set,
		// retrieval is unconditional.
		KnowledgeBaseID string

		// AutoKB enables knowledge-base intent detection on the last user
		// message.
		AutoKB bool

		// Retrieval tunes retrieval behavior. Nil uses defaults.
		Retrieval *RetrievalConfig

		// CitationFormat selects how retrieve-and-generate citations are
		// rendered into the response ("openai" appends a sources block).
		CitationFormat string
	}

	// Message is one turn of the conversation. Content is an ordered list of
	// parts; most messages carry a single TextPart. Blocks records whether the
	// inbound dialect supplied content as a block list rather than a plain
	// string so the adapters can reproduce the original shape.
	Message struct {
		// Role is one of RoleSystem, RoleUser, RoleAssistant, RoleTool.
		Role Role

		// Parts holds the message content in order.
		Parts []Part

		// Blocks is true when the source dialect expressed content as a list
		// of typed blocks instead of a scalar string.
		Blocks bool

		// Name optionally labels the author (OpenAI "name", tool result names).
		Name string

		// ToolCalls lists tool invocations requested by an assistant message.
		ToolCalls []*ToolCall

		// ToolCallID ties a tool-role message to the assistant tool call it
		// answers. Required when Role is RoleTool.
		ToolCallID string
	}

	// Part is one element of message content. Implementations are TextPart,
	// ImagePart, ToolUsePart and ToolResultPart.
	Part interface{ part() }

	// TextPart is plain text content.
	TextPart struct {
		Text string
	}

	// ImagePart is image content, either inline base64 data with a media type
	// or a URL reference.
	ImagePart struct {
		MediaType string
		Data      string
		URL       string
	}

	// ToolUsePart is a tool invocation embedded in assistant content
	// (Anthropic dialect). Input is the raw JSON arguments object.
	ToolUsePart struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// ToolResultPart is a tool result embedded in user content (Anthropic
	// dialect), referencing the tool_use block it answers.
	ToolResultPart struct {
		ToolUseID string
		Content   string
	}

	// ToolDef describes a tool schema passed to the model. Schema is the raw
	// JSON Schema object for the tool arguments; it must compile as a schema
	// (see Request.Validate).
	ToolDef struct {
		Name        string
		Description string
		Schema      json.RawMessage
	}

	// ToolCall is a tool invocation requested by the model. Arguments is the
	// raw JSON-encoded argument object as produced by the provider; it may
	// arrive in fragments during streaming.
	ToolCall struct {
		ID        string
		Name      string
		Arguments string
	}

	// ToolChoice constrains tool use. Mode selects the policy; Name is set
	// only for ToolChoiceNamed.
	ToolChoice struct {
		Mode ToolChoiceMode
		Name string
	}

	// RetrievalConfig tunes knowledge-base retrieval.
	RetrievalConfig struct {
		// MaxResults bounds the number of retrieved snippets. Zero means the
		// service default.
		MaxResults int
	}

	// Response is the completed, non-streaming result of a request.
	Response struct {
		// ID identifies the completion. Stable across all chunks of one
		// streamed response.
		ID string

		// Created is the completion creation time in Unix seconds.
		Created int64

		// Model echoes the model that produced the completion.
		Model string

		// Choices holds the generated alternatives. Always at least one.
		Choices []*Choice

		// Usage reports token consumption when the provider supplies it.
		Usage *Usage

		// Metadata carries optional provider extras (e.g. retrieval session
		// identifiers). Encoders may surface selected keys.
		Metadata map[string]any
	}

	// Choice is one generated alternative.
	Choice struct {
		Index int

		// Message is the generated assistant message.
		Message *Message

		// FinishReason is always populated on non-streaming responses.
		FinishReason FinishReason
	}

	// Usage reports token counts for a completion.
	Usage struct {
		PromptTokens     int
		CompletionTokens int
		TotalTokens      int
	}

	// Chunk is one streaming increment. The final chunk for a choice carries
	// FinishReason and an empty delta.
	Chunk struct {
		// ID is stable across every chunk of one response.
		ID string

		// Created is the completion creation time in Unix seconds.
		Created int64

		// Model echoes the model producing the stream.
		Model string

		// Choices holds per-choice deltas. Usually a single entry.
		Choices []*ChunkChoice

		// Usage optionally reports final token counts on the last chunk.
		Usage *Usage
	}

	// ChunkChoice is the streamed delta for one choice index.
	ChunkChoice struct {
		Index int

		// Delta carries the increment. Nil on the final chunk.
		Delta *Delta

		// FinishReason is set exactly once per choice, on its final chunk.
		FinishReason FinishReason
	}

	// Delta is the incremental payload of a streaming chunk. The first delta
	// of a choice carries Role; later deltas carry content text or tool-call
	// argument fragments.
	Delta struct {
		Role      Role
		Content   string
		ToolCalls []*ToolCallDelta
	}

	// ToolCallDelta is a fragment of a streamed tool call. The first fragment
	// for an Index carries ID and Name; later fragments append to Arguments.
	ToolCallDelta struct {
		Index     int
		ID        string
		Name      string
		Arguments string
	}
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolChoiceMode is the tool-use policy of a request.
type ToolChoiceMode string

const (
	// ToolChoiceAuto lets the model decide whether to call tools.
	ToolChoiceAuto ToolChoiceMode = "auto"
	// ToolChoiceNone forbids tool calls.
	ToolChoiceNone ToolChoiceMode = "none"
	// ToolChoiceRequired forces at least one tool call.
	ToolChoiceRequired ToolChoiceMode = "required"
	// ToolChoiceNamed forces a call to the named tool.
	ToolChoiceNamed ToolChoiceMode = "named"
)

// FinishReason explains why generation stopped.
type FinishReason string

const (
	// FinishStop is a natural end of turn or stop-sequence hit.
	FinishStop FinishReason = "stop"
	// FinishLength means the max_tokens cap was reached.
	FinishLength FinishReason = "length"
	// FinishToolCalls means the model requested tool invocations.
	FinishToolCalls FinishReason = "tool_calls"
	// FinishContentFilter means content moderation intervened.
	FinishContentFilter FinishReason = "content_filter"
	// FinishError marks an abnormal provider termination.
	FinishError FinishReason = "error"
)

func (TextPart) part()       {}
func (ImagePart) part()      {}
func (ToolUsePart) part()    {}
func (ToolResultPart) part() {}

// ValidRole reports whether r is one of the four canonical roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Text returns the concatenated text content of the message. Non-text parts
// contribute nothing.
func (m *Message) Text() string {
	if len(m.Parts) == 1 {
		if t, ok := m.Parts[0].(TextPart); ok {
			return t.Text
		}
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// SetText replaces the message content with a single text part, preserving
// the Blocks flag so dialect encoders keep the original content shape.
func (m *Message) SetText(text string) {
	m.Parts = []Part{TextPart{Text: text}}
}

// PrependText inserts text in front of the existing content. When the message
// already carries text the two are joined with a newline, matching the
// context-preamble contract used by file and retrieval injection.
func (m *Message) PrependText(text string) {
	orig := m.Text()
	if orig == "" {
		m.SetText(text)
		return
	}
	m.SetText(text + "\n" + orig)
}

// Text builds a message holding a single text part.
func Text(role Role, text string) *Message {
	return &Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// FirstUser returns the first message with role user, or nil.
func (r *Request) FirstUser() *Message {
	for _, m := range r.Messages {
		if m.Role == RoleUser {
			return m
		}
	}
	return nil
}

// LastUserText returns the text of the last user message, or "".
func (r *Request) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Text()
		}
	}
	return ""
}

// Clone returns a deep copy of the request. Injectors mutate the copy so the
// caller's request survives unchanged when enhancement falls back.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = make([]*Message, len(r.Messages))
	for i, m := range r.Messages {
		cm := *m
		cm.Parts = append([]Part(nil), m.Parts...)
		if m.ToolCalls != nil {
			cm.ToolCalls = make([]*ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				ctc := *tc
				cm.ToolCalls[j] = &ctc
			}
		}
		out.Messages[i] = &cm
	}
	if r.Temperature != nil {
		t := *r.Temperature
		out.Temperature = &t
	}
	if r.TopP != nil {
		p := *r.TopP
		out.TopP = &p
	}
	out.StopSequences = append([]string(nil), r.StopSequences...)
	out.Tools = append([]*ToolDef(nil), r.Tools...)
	out.FileIDs = append([]string(nil), r.FileIDs...)
	if r.ToolChoice != nil {
		tc := *r.ToolChoice
		out.ToolChoice = &tc
	}
	if r.Retrieval != nil {
		rc := *r.Retrieval
		out.Retrieval = &rc
	}
	return &out
}
