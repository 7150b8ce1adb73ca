package dialect

import (
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/aigw/chat"
)

// OpenAI wire shapes. Fields that accept more than one JSON form (content,
// stop, tool_choice) get dedicated types with custom codecs so decoding
// never probes attributes at runtime.
type (
	oaiRequest struct {
		Model           string         `json:"model"`
		Messages        []oaiMessage   `json:"messages"`
		Temperature     *float64       `json:"temperature,omitempty"`
		TopP            *float64       `json:"top_p,omitempty"`
		MaxTokens       int            `json:"max_tokens,omitempty"`
		Stop            *oaiStop       `json:"stop,omitempty"`
		Stream          bool           `json:"stream,omitempty"`
		Tools           []oaiTool      `json:"tools,omitempty"`
		ToolChoice      *oaiToolChoice `json:"tool_choice,omitempty"`
		FileIDs         []string       `json:"file_ids,omitempty"`
		KnowledgeBaseID string         `json:"knowledge_base_id,omitempty"`
		AutoKB          bool           `json:"auto_kb,omitempty"`
		Retrieval       *oaiRetrieval  `json:"retrieval_config,omitempty"`
		CitationFormat  string         `json:"citation_format,omitempty"`
	}

	oaiMessage struct {
		Role       string        `json:"role"`
		Content    oaiContent    `json:"content"`
		Name       string        `json:"name,omitempty"`
		ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
		ToolCallID string        `json:"tool_call_id,omitempty"`
	}

	// oaiContent is a string or an ordered list of typed parts.
	oaiContent struct {
		Text  string
		Parts []oaiContentPart
		// List records which JSON form the content used.
		List bool
		// Null is true when content was absent or JSON null.
		Null bool
	}

	oaiContentPart struct {
		Type     string       `json:"type"`
		Text     string       `json:"text,omitempty"`
		ImageURL *oaiImageURL `json:"image_url,omitempty"`
	}

	oaiImageURL struct {
		URL string `json:"url"`
	}

	// oaiStop is a string or a list of strings.
	oaiStop struct {
		Sequences []string
		Scalar    bool
	}

	oaiTool struct {
		Type     string      `json:"type"`
		Function oaiFunction `json:"function"`
	}

	oaiFunction struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	// oaiToolChoice is "auto" | "none" | "required" or a named function.
	oaiToolChoice struct {
		Mode string
		Name string
	}

	oaiToolCall struct {
		ID       string         `json:"id"`
		Type     string         `json:"type"`
		Function oaiCallDetails `json:"function"`
	}

	oaiCallDetails struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	oaiRetrieval struct {
		MaxResults int `json:"max_results,omitempty"`
	}

	oaiResponse struct {
		ID         string         `json:"id"`
		Object     string         `json:"object"`
		Created    int64          `json:"created"`
		Model      string         `json:"model"`
		Choices    []oaiChoice    `json:"choices"`
		Usage      *oaiUsage      `json:"usage,omitempty"`
		KBMetadata map[string]any `json:"kb_metadata,omitempty"`
	}

	oaiChoice struct {
		Index        int         `json:"index"`
		Message      *oaiMessage `json:"message,omitempty"`
		FinishReason string      `json:"finish_reason"`
	}

	oaiUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	oaiChunk struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []oaiChunkChoice `json:"choices"`
		Usage   *oaiUsage        `json:"usage,omitempty"`
	}

	oaiChunkChoice struct {
		Index        int      `json:"index"`
		Delta        oaiDelta `json:"delta"`
		FinishReason *string  `json:"finish_reason"`
	}

	oaiDelta struct {
		Role      string             `json:"role,omitempty"`
		Content   string             `json:"content,omitempty"`
		ToolCalls []oaiToolCallDelta `json:"tool_calls,omitempty"`
	}

	oaiToolCallDelta struct {
		Index    int                 `json:"index"`
		ID       string              `json:"id,omitempty"`
		Type     string              `json:"type,omitempty"`
		Function *oaiCallDeltaDetail `json:"function,omitempty"`
	}

	oaiCallDeltaDetail struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments"`
	}
)

func (c *oaiContent) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		c.Null = true
		return nil
	}
	if strings.HasPrefix(s, "[") {
		c.List = true
		return json.Unmarshal(data, &c.Parts)
	}
	return json.Unmarshal(data, &c.Text)
}

func (c oaiContent) MarshalJSON() ([]byte, error) {
	if c.Null {
		return []byte("null"), nil
	}
	if c.List {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (s *oaiStop) UnmarshalJSON(data []byte) error {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		return json.Unmarshal(data, &s.Sequences)
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	s.Scalar = true
	s.Sequences = []string{one}
	return nil
}

func (s oaiStop) MarshalJSON() ([]byte, error) {
	if s.Scalar && len(s.Sequences) == 1 {
		return json.Marshal(s.Sequences[0])
	}
	return json.Marshal(s.Sequences)
}

func (t *oaiToolChoice) UnmarshalJSON(data []byte) error {
	var mode string
	if err := json.Unmarshal(data, &mode); err == nil {
		t.Mode = mode
		return nil
	}
	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &named); err != nil {
		return fmt.Errorf("tool_choice must be a string or a named function object")
	}
	t.Mode = "named"
	t.Name = named.Function.Name
	return nil
}

func (t oaiToolChoice) MarshalJSON() ([]byte, error) {
	if t.Mode != "named" {
		return json.Marshal(t.Mode)
	}
	return json.Marshal(map[string]any{
		"type":     "function",
		"function": map[string]string{"name": t.Name},
	})
}

// DecodeOpenAIRequest converts an OpenAI chat-completions payload to
// canonical form.
func DecodeOpenAIRequest(body []byte) (*chat.Request, error) {
	var wire oaiRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, chat.Errorf(chat.KindValidation, "malformed OpenAI request: %v", err)
	}
	req := &chat.Request{
		Model:           wire.Model,
		MaxTokens:       wire.MaxTokens,
		Temperature:     wire.Temperature,
		TopP:            wire.TopP,
		Stream:          wire.Stream,
		FileIDs:         wire.FileIDs,
		KnowledgeBaseID: wire.KnowledgeBaseID,
		AutoKB:          wire.AutoKB,
		CitationFormat:  wire.CitationFormat,
	}
	if wire.Stop != nil {
		req.StopSequences = wire.Stop.Sequences
	}
	if wire.Retrieval != nil {
		req.Retrieval = &chat.RetrievalConfig{MaxResults: wire.Retrieval.MaxResults}
	}
	for i, m := range wire.Messages {
		msg, err := decodeOpenAIMessage(m)
		if err != nil {
			return nil, chat.Errorf(chat.KindValidation, "messages[%d]: %v", i, err)
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, &chat.ToolDef{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Schema:      t.Function.Parameters,
		})
	}
	if wire.ToolChoice != nil {
		switch wire.ToolChoice.Mode {
		case "auto":
			req.ToolChoice = &chat.ToolChoice{Mode: chat.ToolChoiceAuto}
		case "none":
			req.ToolChoice = &chat.ToolChoice{Mode: chat.ToolChoiceNone}
		case "required":
			req.ToolChoice = &chat.ToolChoice{Mode: chat.ToolChoiceRequired}
		case "named":
			req.ToolChoice = &chat.ToolChoice{Mode: chat.ToolChoiceNamed, Name: wire.ToolChoice.Name}
		default:
			return nil, chat.Errorf(chat.KindValidation, "tool_choice: unknown value %q", wire.ToolChoice.Mode)
		}
	}
	return req, nil
}

func decodeOpenAIMessage(m oaiMessage) (*chat.Message, error) {
	msg := &chat.Message{
		Role:       chat.Role(m.Role),
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
		Blocks:     m.Content.List,
	}
	switch {
	case m.Content.Null:
		// Assistant tool-call messages legitimately carry no content.
	case m.Content.List:
		for _, p := range m.Content.Parts {
			switch p.Type {
			case "text":
				msg.Parts = append(msg.Parts, chat.TextPart{Text: p.Text})
			case "image_url":
				if p.ImageURL == nil {
					return nil, fmt.Errorf("image_url part without url")
				}
				msg.Parts = append(msg.Parts, decodeImageURL(p.ImageURL.URL))
			default:
				return nil, fmt.Errorf("unsupported content part type %q", p.Type)
			}
		}
	default:
		msg.Parts = []chat.Part{chat.TextPart{Text: m.Content.Text}}
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, &chat.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return msg, nil
}

// decodeImageURL splits data URLs into media type and payload; other URLs
// pass through as references.
func decodeImageURL(u string) chat.ImagePart {
	if rest, ok := strings.CutPrefix(u, "data:"); ok {
		if media, data, found := strings.Cut(rest, ";base64,"); found {
			return chat.ImagePart{MediaType: media, Data: data}
		}
	}
	return chat.ImagePart{URL: u}
}

func encodeImageURL(p chat.ImagePart) string {
	if p.URL != "" {
		return p.URL
	}
	return "data:" + p.MediaType + ";base64," + p.Data
}

// EncodeOpenAIRequest converts a canonical request to the OpenAI wire body.
func EncodeOpenAIRequest(req *chat.Request) ([]byte, error) {
	wire := oaiRequest{
		Model:           req.Model,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxTokens:       req.MaxTokens,
		Stream:          req.Stream,
		FileIDs:         req.FileIDs,
		KnowledgeBaseID: req.KnowledgeBaseID,
		AutoKB:          req.AutoKB,
		CitationFormat:  req.CitationFormat,
	}
	if len(req.StopSequences) > 0 {
		wire.Stop = &oaiStop{Sequences: req.StopSequences}
	}
	if req.Retrieval != nil {
		wire.Retrieval = &oaiRetrieval{MaxResults: req.Retrieval.MaxResults}
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, encodeOpenAIMessage(m))
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case chat.ToolChoiceNamed:
			wire.ToolChoice = &oaiToolChoice{Mode: "named", Name: tc.Name}
		default:
			wire.ToolChoice = &oaiToolChoice{Mode: string(tc.Mode)}
		}
	}
	return json.Marshal(wire)
}

func encodeOpenAIMessage(m *chat.Message) oaiMessage {
	out := oaiMessage{
		Role:       string(m.Role),
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	if m.Blocks || hasNonText(m.Parts) {
		out.Content.List = true
		for _, p := range m.Parts {
			switch p := p.(type) {
			case chat.TextPart:
				out.Content.Parts = append(out.Content.Parts, oaiContentPart{Type: "text", Text: p.Text})
			case chat.ImagePart:
				out.Content.Parts = append(out.Content.Parts, oaiContentPart{
					Type:     "image_url",
					ImageURL: &oaiImageURL{URL: encodeImageURL(p)},
				})
			case chat.ToolUsePart:
				// Tool use has no OpenAI content form; surface it as a call.
				out.ToolCalls = append(out.ToolCalls, oaiToolCall{
					ID:       p.ID,
					Type:     "function",
					Function: oaiCallDetails{Name: p.Name, Arguments: string(p.Input)},
				})
			case chat.ToolResultPart:
				out.Content.Parts = append(out.Content.Parts, oaiContentPart{Type: "text", Text: p.Content})
			}
		}
	} else if len(m.Parts) == 0 && len(m.ToolCalls) > 0 {
		out.Content.Null = true
	} else {
		out.Content.Text = m.Text()
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, oaiToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: oaiCallDetails{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return out
}

func hasNonText(parts []chat.Part) bool {
	for _, p := range parts {
		if _, ok := p.(chat.TextPart); !ok {
			return true
		}
	}
	return false
}

// EncodeOpenAIResponse converts a canonical response to the OpenAI
// chat.completion body.
func EncodeOpenAIResponse(resp *chat.Response) ([]byte, error) {
	wire := oaiResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
	}
	for _, c := range resp.Choices {
		msg := encodeOpenAIMessage(c.Message)
		wire.Choices = append(wire.Choices, oaiChoice{
			Index:        c.Index,
			Message:      &msg,
			FinishReason: string(c.FinishReason),
		})
	}
	if resp.Usage != nil {
		wire.Usage = &oaiUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	if md, ok := resp.Metadata["kb_metadata"].(map[string]any); ok {
		wire.KBMetadata = md
	}
	return json.Marshal(wire)
}

// DecodeOpenAIResponse converts an OpenAI chat.completion body to canonical
// form.
func DecodeOpenAIResponse(body []byte) (*chat.Response, error) {
	var wire oaiResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, chat.Errorf(chat.KindUpstream, "malformed OpenAI response: %v", err)
	}
	resp := &chat.Response{
		ID:      wire.ID,
		Created: wire.Created,
		Model:   wire.Model,
	}
	for _, c := range wire.Choices {
		choice := &chat.Choice{Index: c.Index, FinishReason: chat.FinishReason(c.FinishReason)}
		if c.Message != nil {
			msg, err := decodeOpenAIMessage(*c.Message)
			if err != nil {
				return nil, chat.Errorf(chat.KindUpstream, "choice %d: %v", c.Index, err)
			}
			choice.Message = msg
		}
		resp.Choices = append(resp.Choices, choice)
	}
	if wire.Usage != nil {
		resp.Usage = &chat.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	return resp, nil
}

// EncodeOpenAIChunk converts a canonical chunk to the chat.completion.chunk
// wire frame.
func EncodeOpenAIChunk(ch *chat.Chunk) ([]byte, error) {
	wire := oaiChunk{
		ID:      ch.ID,
		Object:  "chat.completion.chunk",
		Created: ch.Created,
		Model:   ch.Model,
	}
	for _, c := range ch.Choices {
		wc := oaiChunkChoice{Index: c.Index}
		if c.FinishReason != "" {
			fr := string(c.FinishReason)
			wc.FinishReason = &fr
		}
		if d := c.Delta; d != nil {
			wc.Delta.Role = string(d.Role)
			wc.Delta.Content = d.Content
			for _, tc := range d.ToolCalls {
				wtc := oaiToolCallDelta{Index: tc.Index, ID: tc.ID}
				if tc.ID != "" {
					wtc.Type = "function"
				}
				wtc.Function = &oaiCallDeltaDetail{Name: tc.Name, Arguments: tc.Arguments}
				wc.Delta.ToolCalls = append(wc.Delta.ToolCalls, wtc)
			}
		}
		wire.Choices = append(wire.Choices, wc)
	}
	if ch.Usage != nil {
		wire.Usage = &oaiUsage{
			PromptTokens:     ch.Usage.PromptTokens,
			CompletionTokens: ch.Usage.CompletionTokens,
			TotalTokens:      ch.Usage.TotalTokens,
		}
	}
	return json.Marshal(wire)
}

// DecodeOpenAIChunk converts a chat.completion.chunk frame to canonical form.
func DecodeOpenAIChunk(frame []byte) (*chat.Chunk, error) {
	var wire oaiChunk
	if err := json.Unmarshal(frame, &wire); err != nil {
		return nil, chat.Errorf(chat.KindUpstream, "malformed OpenAI chunk: %v", err)
	}
	ch := &chat.Chunk{ID: wire.ID, Created: wire.Created, Model: wire.Model}
	for _, c := range wire.Choices {
		cc := &chat.ChunkChoice{Index: c.Index}
		if c.FinishReason != nil {
			cc.FinishReason = chat.FinishReason(*c.FinishReason)
		}
		if c.Delta.Role != "" || c.Delta.Content != "" || len(c.Delta.ToolCalls) > 0 {
			d := &chat.Delta{Role: chat.Role(c.Delta.Role), Content: c.Delta.Content}
			for _, tc := range c.Delta.ToolCalls {
				dtc := &chat.ToolCallDelta{Index: tc.Index, ID: tc.ID}
				if tc.Function != nil {
					dtc.Name = tc.Function.Name
					dtc.Arguments = tc.Function.Arguments
				}
				d.ToolCalls = append(d.ToolCalls, dtc)
			}
			cc.Delta = d
		}
		ch.Choices = append(ch.Choices, cc)
	}
	if wire.Usage != nil {
		ch.Usage = &chat.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	return ch, nil
}

// openAIStreamEncoder emits one wire frame per canonical chunk.
type openAIStreamEncoder struct{}

func (openAIStreamEncoder) Encode(ch *chat.Chunk) ([][]byte, error) {
	frame, err := EncodeOpenAIChunk(ch)
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}
