package dialect

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/aigw/chat"
)

// Titan has no message roles. Outbound conversion flattens the conversation
// into a single prompt using these segment prefixes; inbound conversion
// recovers the turns from them. A prompt carrying none of the prefixes is a
// native Titan request and decodes as a single user turn.
const (
	titanSystemPrefix = "System: "
	titanUserPrefix   = "User: "
	titanBotPrefix    = "Bot: "
	titanToolPrefix   = "User (Tool Response - "
	titanBotCue       = "\n\nBot:"
)

// Bedrock Titan wire shapes.
type (
	titanRequest struct {
		Model     string       `json:"model,omitempty"`
		ModelID   string       `json:"modelId,omitempty"`
		InputText string       `json:"inputText"`
		Config    *titanConfig `json:"textGenerationConfig,omitempty"`
		Stream    bool         `json:"stream,omitempty"`
	}

	titanConfig struct {
		MaxTokenCount int      `json:"maxTokenCount,omitempty"`
		Temperature   *float64 `json:"temperature,omitempty"`
		TopP          *float64 `json:"topP,omitempty"`
		StopSequences []string `json:"stopSequences,omitempty"`
	}

	titanResponse struct {
		InputTextTokenCount int           `json:"inputTextTokenCount"`
		Results             []titanResult `json:"results"`
	}

	titanResult struct {
		TokenCount       int    `json:"tokenCount"`
		OutputText       string `json:"outputText"`
		CompletionReason string `json:"completionReason"`
	}

	titanStreamChunk struct {
		OutputText          string `json:"outputText"`
		Index               int    `json:"index"`
		CompletionReason    string `json:"completionReason,omitempty"`
		InputTextTokenCount *int   `json:"inputTextTokenCount,omitempty"`
		TotalOutputTokens   *int   `json:"totalOutputTextTokenCount,omitempty"`
	}
)

// DecodeTitanRequest converts a Titan payload to canonical form, recovering
// the conversation structure from the flattened prompt.
func DecodeTitanRequest(body []byte) (*chat.Request, error) {
	var wire titanRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, chat.Errorf(chat.KindValidation, "malformed Titan request: %v", err)
	}
	model := wire.Model
	if model == "" {
		model = wire.ModelID
	}
	req := &chat.Request{
		Model:    model,
		Messages: unflattenTitan(wire.InputText),
		Stream:   wire.Stream,
	}
	if c := wire.Config; c != nil {
		req.MaxTokens = c.MaxTokenCount
		req.Temperature = c.Temperature
		req.TopP = c.TopP
		req.StopSequences = c.StopSequences
	}
	return req, nil
}

// EncodeTitanRequest converts a canonical request to the gateway-facing
// Titan dialect body, which carries model and stream alongside the standard
// Bedrock fields. Tool definitions cannot be expressed in the Titan shape.
func EncodeTitanRequest(req *chat.Request) ([]byte, error) {
	wire, err := titanWire(req)
	if err != nil {
		return nil, err
	}
	wire.Model = req.Model
	wire.Stream = req.Stream
	return json.Marshal(wire)
}

// EncodeTitanInvokeBody converts a canonical request to the body of a
// Bedrock InvokeModel call for Titan models.
func EncodeTitanInvokeBody(req *chat.Request) ([]byte, error) {
	wire, err := titanWire(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

func titanWire(req *chat.Request) (*titanRequest, error) {
	if len(req.Tools) > 0 {
		return nil, chat.NewError(chat.KindValidation, "Titan models do not support tools")
	}
	wire := &titanRequest{InputText: flattenTitan(req.Messages)}
	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil || len(req.StopSequences) > 0 {
		wire.Config = &titanConfig{
			MaxTokenCount: req.MaxTokens,
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			StopSequences: req.StopSequences,
		}
	}
	return wire, nil
}

// flattenTitan serializes the conversation into a single prompt. System
// turns become the preamble, user and assistant turns get their prefixes,
// tool results are folded into labeled user turns and a trailing cue invites
// the model to answer unless the conversation already ends on a Bot segment.
func flattenTitan(msgs []*chat.Message) string {
	segs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		text := m.Text()
		switch m.Role {
		case chat.RoleSystem:
			segs = append(segs, titanSystemPrefix+text)
		case chat.RoleUser:
			segs = append(segs, titanUserPrefix+text)
		case chat.RoleAssistant:
			segs = append(segs, titanBotPrefix+text)
		case chat.RoleTool:
			name := m.Name
			if name == "" {
				name = m.ToolCallID
			}
			segs = append(segs, titanToolPrefix+name+"): "+text)
		}
	}
	prompt := strings.Join(segs, "\n\n")
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != chat.RoleAssistant {
		prompt += titanBotCue
	}
	return prompt
}

// unflattenTitan recovers canonical messages from a flattened prompt.
// Segments without a role prefix continue the previous turn, which restores
// message text containing blank lines. Input without any prefix decodes as
// one user turn.
func unflattenTitan(input string) []*chat.Message {
	body := strings.TrimSuffix(input, titanBotCue)
	var msgs []*chat.Message
	for _, seg := range strings.Split(body, "\n\n") {
		if msg, ok := titanSegment(seg); ok {
			msgs = append(msgs, msg)
			continue
		}
		if n := len(msgs); n > 0 {
			last := msgs[n-1]
			last.SetText(last.Text() + "\n\n" + seg)
			continue
		}
		msgs = append(msgs, chat.Text(chat.RoleUser, seg))
	}
	if len(msgs) == 0 {
		msgs = append(msgs, chat.Text(chat.RoleUser, ""))
	}
	return msgs
}

func titanSegment(seg string) (*chat.Message, bool) {
	switch {
	case strings.HasPrefix(seg, titanToolPrefix):
		rest := strings.TrimPrefix(seg, titanToolPrefix)
		name, text, ok := strings.Cut(rest, "): ")
		if !ok {
			return nil, false
		}
		return &chat.Message{
			Role:       chat.RoleTool,
			Parts:      []chat.Part{chat.TextPart{Text: text}},
			Name:       name,
			ToolCallID: name,
		}, true
	case strings.HasPrefix(seg, titanSystemPrefix):
		return chat.Text(chat.RoleSystem, strings.TrimPrefix(seg, titanSystemPrefix)), true
	case strings.HasPrefix(seg, titanUserPrefix):
		return chat.Text(chat.RoleUser, strings.TrimPrefix(seg, titanUserPrefix)), true
	case strings.HasPrefix(seg, titanBotPrefix):
		return chat.Text(chat.RoleAssistant, strings.TrimPrefix(seg, titanBotPrefix)), true
	}
	return nil, false
}

func titanCompletionToFinish(s string) chat.FinishReason {
	switch s {
	case "FINISH":
		return chat.FinishStop
	case "LENGTH":
		return chat.FinishLength
	case "CONTENT_FILTERED":
		return chat.FinishContentFilter
	}
	return chat.FinishError
}

func finishToTitanCompletion(f chat.FinishReason) string {
	switch f {
	case chat.FinishLength:
		return "LENGTH"
	case chat.FinishContentFilter:
		return "CONTENT_FILTERED"
	case chat.FinishError:
		return "ERROR"
	}
	return "FINISH"
}

// EncodeTitanResponse converts a canonical response to the Titan result
// body.
func EncodeTitanResponse(resp *chat.Response) ([]byte, error) {
	if len(resp.Choices) == 0 {
		return nil, chat.NewError(chat.KindInternal, "response has no choices")
	}
	wire := titanResponse{Results: make([]titanResult, 0, len(resp.Choices))}
	if resp.Usage != nil {
		wire.InputTextTokenCount = resp.Usage.PromptTokens
	}
	for _, c := range resp.Choices {
		r := titanResult{CompletionReason: finishToTitanCompletion(c.FinishReason)}
		if c.Message != nil {
			r.OutputText = c.Message.Text()
		}
		if resp.Usage != nil {
			r.TokenCount = resp.Usage.CompletionTokens
		}
		wire.Results = append(wire.Results, r)
	}
	return json.Marshal(wire)
}

// DecodeTitanResponse converts a Titan result body to canonical form. Titan
// responses carry neither id nor model, so the id is generated and the model
// comes from the request.
func DecodeTitanResponse(body []byte, model string) (*chat.Response, error) {
	var wire titanResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, chat.Errorf(chat.KindUpstream, "malformed Titan response: %v", err)
	}
	if len(wire.Results) == 0 {
		return nil, chat.NewError(chat.KindUpstream, "Titan response has no results")
	}
	resp := &chat.Response{
		ID:      titanResponseID(),
		Created: time.Now().Unix(),
		Model:   model,
	}
	completion := 0
	for i, r := range wire.Results {
		resp.Choices = append(resp.Choices, &chat.Choice{
			Index:        i,
			Message:      chat.Text(chat.RoleAssistant, r.OutputText),
			FinishReason: titanCompletionToFinish(r.CompletionReason),
		})
		completion += r.TokenCount
	}
	resp.Usage = &chat.Usage{
		PromptTokens:     wire.InputTextTokenCount,
		CompletionTokens: completion,
		TotalTokens:      wire.InputTextTokenCount + completion,
	}
	return resp, nil
}

func titanResponseID() string {
	return "bedrock-titan-" + uuid.NewString()
}

// TitanStreamDecoder turns Titan stream chunk payloads into canonical
// chunks. The first event yields the assistant-role chunk; a chunk carrying
// completionReason yields the terminal chunk after its text.
type TitanStreamDecoder struct {
	id      string
	model   string
	created int64

	started     bool
	finished    bool
	inputTokens int
}

// NewTitanStreamDecoder builds a decoder for one response stream.
func NewTitanStreamDecoder(model string) *TitanStreamDecoder {
	return &TitanStreamDecoder{
		id:      titanResponseID(),
		model:   model,
		created: time.Now().Unix(),
	}
}

// Decode converts one Titan stream payload into zero or more canonical
// chunks.
func (d *TitanStreamDecoder) Decode(event []byte) ([]*chat.Chunk, error) {
	var wire titanStreamChunk
	if err := json.Unmarshal(event, &wire); err != nil {
		return nil, chat.Errorf(chat.KindUpstream, "malformed Titan stream chunk: %v", err)
	}
	var chunks []*chat.Chunk
	if !d.started {
		d.started = true
		chunks = append(chunks, d.chunk(wire.Index, &chat.Delta{Role: chat.RoleAssistant}, ""))
	}
	if wire.InputTextTokenCount != nil {
		d.inputTokens = *wire.InputTextTokenCount
	}
	if wire.OutputText != "" {
		chunks = append(chunks, d.chunk(wire.Index, &chat.Delta{Content: wire.OutputText}, ""))
	}
	if wire.CompletionReason != "" && !d.finished {
		d.finished = true
		final := d.chunk(wire.Index, nil, titanCompletionToFinish(wire.CompletionReason))
		if wire.TotalOutputTokens != nil {
			final.Usage = &chat.Usage{
				PromptTokens:     d.inputTokens,
				CompletionTokens: *wire.TotalOutputTokens,
				TotalTokens:      d.inputTokens + *wire.TotalOutputTokens,
			}
		}
		chunks = append(chunks, final)
	}
	return chunks, nil
}

// Finished reports whether the terminal chunk was emitted.
func (d *TitanStreamDecoder) Finished() bool { return d.finished }

func (d *TitanStreamDecoder) chunk(index int, delta *chat.Delta, finish chat.FinishReason) *chat.Chunk {
	return &chat.Chunk{
		ID:      d.id,
		Created: d.created,
		Model:   d.model,
		Choices: []*chat.ChunkChoice{{Index: index, Delta: delta, FinishReason: finish}},
	}
}

// titanStreamEncoder renders canonical chunks as Titan stream frames. Frames
// with neither text nor a completion reason are suppressed.
type titanStreamEncoder struct{}

func (titanStreamEncoder) Encode(ch *chat.Chunk) ([][]byte, error) {
	var frames [][]byte
	for _, c := range ch.Choices {
		wire := titanStreamChunk{Index: c.Index}
		if c.Delta != nil {
			wire.OutputText = c.Delta.Content
		}
		if c.FinishReason != "" {
			wire.CompletionReason = finishToTitanCompletion(c.FinishReason)
			if ch.Usage != nil {
				total := ch.Usage.CompletionTokens
				wire.TotalOutputTokens = &total
			}
		}
		if wire.OutputText == "" && wire.CompletionReason == "" {
			continue
		}
		frame, err := json.Marshal(wire)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
