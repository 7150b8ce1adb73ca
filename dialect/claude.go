package dialect

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"goa.design/aigw/chat"
)

// AnthropicVersion is the version tag Bedrock requires on Anthropic message
// bodies. Its presence is also the dialect detection key.
const AnthropicVersion = "bedrock-2023-05-31"

// DefaultClaudeMaxTokens is applied when a canonical request bound for the
// Anthropic shape omits max_tokens. The field is required on the wire, so it
// is defaulted rather than omitted.
const DefaultClaudeMaxTokens = 1024

// Bedrock Anthropic wire shapes.
type (
	claudeRequest struct {
		AnthropicVersion string            `json:"anthropic_version"`
		Model            string            `json:"model,omitempty"`
		MaxTokens        int               `json:"max_tokens"`
		System           *claudeSystem     `json:"system,omitempty"`
		Messages         []claudeMessage   `json:"messages"`
		Temperature      *float64          `json:"temperature,omitempty"`
		TopP             *float64          `json:"top_p,omitempty"`
		StopSequences    []string          `json:"stop_sequences,omitempty"`
		Stream           bool              `json:"stream,omitempty"`
		Tools            []claudeTool      `json:"tools,omitempty"`
		ToolChoice       *claudeToolChoice `json:"tool_choice,omitempty"`
	}

	claudeMessage struct {
		Role    string        `json:"role"`
		Content claudeContent `json:"content"`
	}

	// claudeContent is a string or an ordered list of typed blocks.
	claudeContent struct {
		Text   string
		Blocks []claudeBlock
		List   bool
	}

	claudeBlock struct {
		Type string `json:"type"`

		// Text blocks.
		Text string `json:"text,omitempty"`

		// Image blocks.
		Source *claudeImageSource `json:"source,omitempty"`

		// Tool use blocks.
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`

		// Tool result blocks. Content is a string or a list of text blocks.
		ToolUseID string          `json:"tool_use_id,omitempty"`
		Content   json.RawMessage `json:"content,omitempty"`
	}

	claudeImageSource struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type,omitempty"`
		Data      string `json:"data,omitempty"`
		URL       string `json:"url,omitempty"`
	}

	// claudeSystem is a string or a list of text blocks.
	claudeSystem struct {
		Text string
		List bool
	}

	claudeTool struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
	}

	claudeToolChoice struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
	}

	claudeResponse struct {
		ID           string        `json:"id"`
		Type         string        `json:"type"`
		Role         string        `json:"role"`
		Content      []claudeBlock `json:"content"`
		Model        string        `json:"model"`
		StopReason   string        `json:"stop_reason"`
		StopSequence *string       `json:"stop_sequence"`
		Usage        claudeUsage   `json:"usage"`
	}

	claudeUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}
)

func (c *claudeContent) UnmarshalJSON(data []byte) error {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		c.List = true
		return json.Unmarshal(data, &c.Blocks)
	}
	return json.Unmarshal(data, &c.Text)
}

func (c claudeContent) MarshalJSON() ([]byte, error) {
	if c.List {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (s *claudeSystem) UnmarshalJSON(data []byte) error {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		s.List = true
		var blocks []claudeBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		texts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			texts = append(texts, b.Text)
		}
		s.Text = strings.Join(texts, "\n\n")
		return nil
	}
	return json.Unmarshal(data, &s.Text)
}

func (s claudeSystem) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Text)
}

// DecodeClaudeRequest converts a Bedrock Anthropic payload to canonical
// form. The top-level system field becomes a leading system message, tool_use
// blocks become assistant tool calls and tool_result blocks split out into
// tool-role messages.
func DecodeClaudeRequest(body []byte) (*chat.Request, error) {
	var wire claudeRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, chat.Errorf(chat.KindValidation, "malformed Anthropic request: %v", err)
	}
	req := &chat.Request{
		Model:         wire.Model,
		MaxTokens:     wire.MaxTokens,
		Temperature:   wire.Temperature,
		TopP:          wire.TopP,
		StopSequences: wire.StopSequences,
		Stream:        wire.Stream,
	}
	if wire.System != nil {
		req.Messages = append(req.Messages, chat.Text(chat.RoleSystem, wire.System.Text))
	}
	for i, m := range wire.Messages {
		msgs, err := decodeClaudeMessage(m)
		if err != nil {
			return nil, chat.Errorf(chat.KindValidation, "messages[%d]: %v", i, err)
		}
		req.Messages = append(req.Messages, msgs...)
	}
	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, &chat.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.InputSchema,
		})
	}
	if tc := wire.ToolChoice; tc != nil {
		switch tc.Type {
		case "auto":
			req.ToolChoice = &chat.ToolChoice{Mode: chat.ToolChoiceAuto}
		case "any":
			req.ToolChoice = &chat.ToolChoice{Mode: chat.ToolChoiceRequired}
		case "tool":
			req.ToolChoice = &chat.ToolChoice{Mode: chat.ToolChoiceNamed, Name: tc.Name}
		case "none":
			req.ToolChoice = &chat.ToolChoice{Mode: chat.ToolChoiceNone}
		default:
			return nil, chat.Errorf(chat.KindValidation, "tool_choice: unknown type %q", tc.Type)
		}
	}
	return req, nil
}

// decodeClaudeMessage converts one wire message. A message mixing text and
// tool_result blocks expands into several canonical messages because tool
// results are their own role in canonical form; block order is preserved.
func decodeClaudeMessage(m claudeMessage) ([]*chat.Message, error) {
	if !m.Content.List {
		msg := chat.Text(chat.Role(m.Role), m.Content.Text)
		return []*chat.Message{msg}, nil
	}
	var (
		out  []*chat.Message
		cur  *chat.Message
		role = chat.Role(m.Role)
	)
	ensure := func() *chat.Message {
		if cur == nil {
			cur = &chat.Message{Role: role, Blocks: true}
		}
		return cur
	}
	flush := func() {
		if cur != nil {
			out = append(out, cur)
			cur = nil
		}
	}
	for _, b := range m.Content.Blocks {
		switch b.Type {
		case "text":
			msg := ensure()
			msg.Parts = append(msg.Parts, chat.TextPart{Text: b.Text})
		case "image":
			if b.Source == nil {
				return nil, fmt.Errorf("image block without source")
			}
			msg := ensure()
			msg.Parts = append(msg.Parts, chat.ImagePart{
				MediaType: b.Source.MediaType,
				Data:      b.Source.Data,
				URL:       b.Source.URL,
			})
		case "tool_use":
			msg := ensure()
			msg.ToolCalls = append(msg.ToolCalls, &chat.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		case "tool_result":
			flush()
			out = append(out, &chat.Message{
				Role:       chat.RoleTool,
				Parts:      []chat.Part{chat.TextPart{Text: toolResultText(b.Content)}},
				ToolCallID: b.ToolUseID,
			})
		default:
			return nil, fmt.Errorf("unsupported content block type %q", b.Type)
		}
	}
	flush()
	if len(out) == 0 {
		out = append(out, &chat.Message{Role: role, Blocks: true})
	}
	return out, nil
}

// toolResultText flattens a tool_result content member, which the wire allows
// as a plain string or a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		texts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			texts = append(texts, b.Text)
		}
		return strings.Join(texts, "\n")
	}
	return string(raw)
}

// EncodeClaudeRequest converts a canonical request to the gateway-facing
// Anthropic dialect body, which carries model and stream alongside the
// standard Bedrock fields.
func EncodeClaudeRequest(req *chat.Request) ([]byte, error) {
	wire, err := claudeWire(req)
	if err != nil {
		return nil, err
	}
	wire.Model = req.Model
	wire.Stream = req.Stream
	return json.Marshal(wire)
}

// EncodeClaudeInvokeBody converts a canonical request to the body of a
// Bedrock InvokeModel call. Model and streaming travel out of band (URL path
// and RPC choice), so neither appears in the body.
func EncodeClaudeInvokeBody(req *chat.Request) ([]byte, error) {
	wire, err := claudeWire(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

func claudeWire(req *chat.Request) (*claudeRequest, error) {
	wire := &claudeRequest{
		AnthropicVersion: AnthropicVersion,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		StopSequences:    req.StopSequences,
	}
	if wire.MaxTokens == 0 {
		wire.MaxTokens = DefaultClaudeMaxTokens
	}

	// Every system message is hoisted into the top-level system field; the
	// messages list holds the user/assistant/tool turns only.
	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case chat.RoleSystem:
			system = append(system, m.Text())
		case chat.RoleTool:
			wire.Messages = append(wire.Messages, claudeMessage{
				Role: "user",
				Content: claudeContent{List: true, Blocks: []claudeBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   mustJSON(m.Text()),
				}}},
			})
		default:
			cm, err := encodeClaudeMessage(m)
			if err != nil {
				return nil, err
			}
			wire.Messages = append(wire.Messages, cm)
		}
	}
	if len(system) > 0 {
		wire.System = &claudeSystem{Text: strings.Join(system, "\n\n")}
	}

	// Tools are dropped entirely when tool use is disabled; the Anthropic
	// shape has no standalone "none" that keeps schemas visible.
	if req.ToolChoice == nil || req.ToolChoice.Mode != chat.ToolChoiceNone {
		for _, t := range req.Tools {
			schema := t.Schema
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			wire.Tools = append(wire.Tools, claudeTool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			})
		}
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case chat.ToolChoiceAuto:
			wire.ToolChoice = &claudeToolChoice{Type: "auto"}
		case chat.ToolChoiceRequired:
			wire.ToolChoice = &claudeToolChoice{Type: "any"}
		case chat.ToolChoiceNamed:
			wire.ToolChoice = &claudeToolChoice{Type: "tool", Name: tc.Name}
		case chat.ToolChoiceNone:
		}
	}
	return wire, nil
}

func encodeClaudeMessage(m *chat.Message) (claudeMessage, error) {
	out := claudeMessage{Role: string(m.Role)}
	if !m.Blocks && len(m.ToolCalls) == 0 && !hasNonText(m.Parts) {
		out.Content.Text = m.Text()
		return out, nil
	}
	out.Content.List = true
	for _, p := range m.Parts {
		switch p := p.(type) {
		case chat.TextPart:
			out.Content.Blocks = append(out.Content.Blocks, claudeBlock{Type: "text", Text: p.Text})
		case chat.ImagePart:
			src := &claudeImageSource{Type: "base64", MediaType: p.MediaType, Data: p.Data}
			if p.URL != "" {
				src = &claudeImageSource{Type: "url", URL: p.URL}
			}
			out.Content.Blocks = append(out.Content.Blocks, claudeBlock{Type: "image", Source: src})
		case chat.ToolUsePart:
			out.Content.Blocks = append(out.Content.Blocks, claudeBlock{
				Type:  "tool_use",
				ID:    p.ID,
				Name:  p.Name,
				Input: toolInput(string(p.Input)),
			})
		case chat.ToolResultPart:
			out.Content.Blocks = append(out.Content.Blocks, claudeBlock{
				Type:      "tool_result",
				ToolUseID: p.ToolUseID,
				Content:   mustJSON(p.Content),
			})
		}
	}
	for _, tc := range m.ToolCalls {
		out.Content.Blocks = append(out.Content.Blocks, claudeBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: toolInput(tc.Arguments),
		})
	}
	return out, nil
}

// toolInput turns a tool-call argument string into the JSON object the
// Anthropic shape requires. Providers occasionally emit truncated or
// otherwise broken JSON for arguments; those are repaired before giving up
// and sending an empty object.
func toolInput(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	if fixed, err := jsonrepair.JSONRepair(args); err == nil && json.Valid([]byte(fixed)) {
		return json.RawMessage(fixed)
	}
	return json.RawMessage("{}")
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// claudeStopToFinish is the normative stop_reason mapping. Unknown values
// map to the error reason, which keeps the reverse direction symmetric.
func claudeStopToFinish(s string) chat.FinishReason {
	switch s {
	case "end_turn":
		return chat.FinishStop
	case "max_tokens":
		return chat.FinishLength
	case "tool_use":
		return chat.FinishToolCalls
	case "stop_sequence":
		return chat.FinishStop
	case "content_filtered":
		return chat.FinishContentFilter
	case "":
		return ""
	}
	return chat.FinishError
}

func finishToClaudeStop(f chat.FinishReason) string {
	switch f {
	case chat.FinishStop:
		return "end_turn"
	case chat.FinishLength:
		return "max_tokens"
	case chat.FinishToolCalls:
		return "tool_use"
	case chat.FinishContentFilter:
		return "content_filtered"
	case "":
		return ""
	}
	return "error"
}

// EncodeClaudeResponse converts a canonical response to the Anthropic
// message body. The shape holds a single answer, so only the first choice is
// rendered.
func EncodeClaudeResponse(resp *chat.Response) ([]byte, error) {
	if len(resp.Choices) == 0 {
		return nil, chat.NewError(chat.KindInternal, "response has no choices")
	}
	choice := resp.Choices[0]
	wire := claudeResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		StopReason: finishToClaudeStop(choice.FinishReason),
		Usage:      claudeUsage{},
	}
	if resp.Usage != nil {
		wire.Usage = claudeUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	if msg := choice.Message; msg != nil {
		for _, p := range msg.Parts {
			if t, ok := p.(chat.TextPart); ok {
				wire.Content = append(wire.Content, claudeBlock{Type: "text", Text: t.Text})
			}
		}
		for _, tc := range msg.ToolCalls {
			wire.Content = append(wire.Content, claudeBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: toolInput(tc.Arguments),
			})
		}
	}
	if wire.Content == nil {
		wire.Content = []claudeBlock{}
	}
	return json.Marshal(wire)
}

// DecodeClaudeResponse converts an Anthropic message body to canonical form.
// The model parameter supplies the canonical model when the body omits one.
func DecodeClaudeResponse(body []byte, model string) (*chat.Response, error) {
	var wire claudeResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, chat.Errorf(chat.KindUpstream, "malformed Anthropic response: %v", err)
	}
	if wire.Model == "" {
		wire.Model = model
	}
	msg := &chat.Message{Role: chat.RoleAssistant}
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			msg.Parts = append(msg.Parts, chat.TextPart{Text: b.Text})
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, &chat.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	resp := &chat.Response{
		ID:      wire.ID,
		Created: time.Now().Unix(),
		Model:   wire.Model,
		Choices: []*chat.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: claudeStopToFinish(wire.StopReason),
		}},
		Usage: &chat.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
	}
	if resp.ID == "" {
		resp.ID = "msg_" + uuid.NewString()
	}
	return resp, nil
}
