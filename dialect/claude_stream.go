package dialect

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"goa.design/aigw/chat"
)

// Anthropic stream event wire shapes. Decoding and encoding share them.
type (
	claudeStreamEvent struct {
		Type string `json:"type"`

		Message *claudeResponse `json:"message,omitempty"`

		Index        *int                 `json:"index,omitempty"`
		ContentBlock *claudeBlock         `json:"content_block,omitempty"`
		Delta        *claudeEventDelta    `json:"delta,omitempty"`
		Usage        *claudeUsage         `json:"usage,omitempty"`
		Error        *claudeStreamFailure `json:"error,omitempty"`
	}

	claudeEventDelta struct {
		Type        string  `json:"type,omitempty"`
		Text        string  `json:"text,omitempty"`
		PartialJSON string  `json:"partial_json,omitempty"`
		StopReason  string  `json:"stop_reason,omitempty"`
		StopSeq     *string `json:"stop_sequence,omitempty"`
	}

	claudeStreamFailure struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
)

// ClaudeStreamDecoder turns Anthropic stream events into canonical chunks.
// It tracks the block layout so mixed text and tool_use blocks land on the
// right canonical tool-call indexes, and guarantees the streaming contract:
// the first chunk carries the assistant role, exactly one final chunk carries
// the finish reason, and the chunk id is stable.
type ClaudeStreamDecoder struct {
	id      string
	model   string
	created int64

	inputTokens int
	toolIndex   map[int]int
	nextTool    int
	finished    bool
}

// NewClaudeStreamDecoder builds a decoder for one response stream. model is
// the request's model id, echoed on every chunk.
func NewClaudeStreamDecoder(model string) *ClaudeStreamDecoder {
	return &ClaudeStreamDecoder{
		model:     model,
		created:   time.Now().Unix(),
		toolIndex: make(map[int]int),
	}
}

// Decode converts one event payload into zero or more canonical chunks.
// Unknown event types are skipped. Error events return a typed error.
func (d *ClaudeStreamDecoder) Decode(event []byte) ([]*chat.Chunk, error) {
	var ev claudeStreamEvent
	if err := json.Unmarshal(event, &ev); err != nil {
		return nil, chat.Errorf(chat.KindUpstream, "malformed stream event: %v", err)
	}
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			if ev.Message.ID != "" {
				d.id = ev.Message.ID
			}
			if ev.Message.Model != "" && d.model == "" {
				d.model = ev.Message.Model
			}
			d.inputTokens = ev.Message.Usage.InputTokens
		}
		return []*chat.Chunk{d.chunk(&chat.ChunkChoice{
			Index: 0,
			Delta: &chat.Delta{Role: chat.RoleAssistant},
		})}, nil

	case "content_block_start":
		if ev.ContentBlock == nil || ev.ContentBlock.Type != "tool_use" || ev.Index == nil {
			return nil, nil
		}
		idx := d.nextTool
		d.toolIndex[*ev.Index] = idx
		d.nextTool++
		return []*chat.Chunk{d.chunk(&chat.ChunkChoice{
			Index: 0,
			Delta: &chat.Delta{ToolCalls: []*chat.ToolCallDelta{{
				Index: idx,
				ID:    ev.ContentBlock.ID,
				Name:  ev.ContentBlock.Name,
			}}},
		})}, nil

	case "content_block_delta":
		if ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text == "" {
				return nil, nil
			}
			return []*chat.Chunk{d.chunk(&chat.ChunkChoice{
				Index: 0,
				Delta: &chat.Delta{Content: ev.Delta.Text},
			})}, nil
		case "input_json_delta":
			idx := 0
			if ev.Index != nil {
				if mapped, ok := d.toolIndex[*ev.Index]; ok {
					idx = mapped
				}
			}
			return []*chat.Chunk{d.chunk(&chat.ChunkChoice{
				Index: 0,
				Delta: &chat.Delta{ToolCalls: []*chat.ToolCallDelta{{
					Index:     idx,
					Arguments: ev.Delta.PartialJSON,
				}}},
			})}, nil
		}
		return nil, nil

	case "message_delta":
		if d.finished || ev.Delta == nil {
			return nil, nil
		}
		d.finished = true
		final := d.chunk(&chat.ChunkChoice{
			Index:        0,
			FinishReason: claudeStopToFinish(ev.Delta.StopReason),
		})
		if final.Choices[0].FinishReason == "" {
			final.Choices[0].FinishReason = chat.FinishStop
		}
		out := ev.Usage
		if out != nil {
			final.Usage = &chat.Usage{
				PromptTokens:     d.inputTokens,
				CompletionTokens: out.OutputTokens,
				TotalTokens:      d.inputTokens + out.OutputTokens,
			}
		}
		return []*chat.Chunk{final}, nil

	case "message_stop":
		if d.finished {
			return nil, nil
		}
		d.finished = true
		return []*chat.Chunk{d.chunk(&chat.ChunkChoice{
			Index:        0,
			FinishReason: chat.FinishStop,
		})}, nil

	case "error":
		msg := "provider stream error"
		kind := chat.KindUpstream
		if ev.Error != nil {
			msg = ev.Error.Message
			switch ev.Error.Type {
			case "overloaded_error":
				kind = chat.KindUnavailable
			case "rate_limit_error":
				kind = chat.KindRateLimited
			}
		}
		return nil, chat.NewError(kind, msg)
	}
	// ping and future event types.
	return nil, nil
}

// Finished reports whether the terminal chunk was emitted.
func (d *ClaudeStreamDecoder) Finished() bool { return d.finished }

func (d *ClaudeStreamDecoder) chunk(choice *chat.ChunkChoice) *chat.Chunk {
	if d.id == "" {
		d.id = "msg_" + uuid.NewString()
	}
	return &chat.Chunk{
		ID:      d.id,
		Created: d.created,
		Model:   d.model,
		Choices: []*chat.ChunkChoice{choice},
	}
}

// claudeStreamEncoder renders canonical chunks as Anthropic stream events.
// One canonical chunk may open or close content blocks around its payload,
// so a single Encode call can yield several frames.
type claudeStreamEncoder struct {
	started    bool
	blockOpen  bool
	blockIndex int
	outputTok  int
	done       bool
}

func (e *claudeStreamEncoder) Encode(ch *chat.Chunk) ([][]byte, error) {
	if e.done || len(ch.Choices) == 0 {
		return nil, nil
	}
	// The Anthropic shape carries a single answer; extra choices are not
	// representable and index 0 wins.
	choice := ch.Choices[0]
	if choice.Index != 0 {
		return nil, nil
	}

	var frames [][]byte
	push := func(ev claudeStreamEvent) error {
		frame, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		frames = append(frames, frame)
		return nil
	}

	if !e.started {
		e.started = true
		start := claudeStreamEvent{
			Type: "message_start",
			Message: &claudeResponse{
				ID:      ch.ID,
				Type:    "message",
				Role:    "assistant",
				Content: []claudeBlock{},
				Model:   ch.Model,
			},
		}
		if err := push(start); err != nil {
			return nil, err
		}
	}

	if d := choice.Delta; d != nil {
		if d.Content != "" {
			if !e.blockOpen {
				if err := push(e.blockStart(&claudeBlock{Type: "text", Text: ""})); err != nil {
					return nil, err
				}
			}
			idx := e.blockIndex
			if err := push(claudeStreamEvent{
				Type:  "content_block_delta",
				Index: &idx,
				Delta: &claudeEventDelta{Type: "text_delta", Text: d.Content},
			}); err != nil {
				return nil, err
			}
		}
		for _, tc := range d.ToolCalls {
			if tc.ID != "" || tc.Name != "" {
				if e.blockOpen {
					if err := push(e.blockStop()); err != nil {
						return nil, err
					}
				}
				if err := push(e.blockStart(&claudeBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: json.RawMessage("{}"),
				})); err != nil {
					return nil, err
				}
			}
			if tc.Arguments != "" {
				idx := e.blockIndex
				if err := push(claudeStreamEvent{
					Type:  "content_block_delta",
					Index: &idx,
					Delta: &claudeEventDelta{Type: "input_json_delta", PartialJSON: tc.Arguments},
				}); err != nil {
					return nil, err
				}
			}
		}
	}

	if ch.Usage != nil {
		e.outputTok = ch.Usage.CompletionTokens
	}

	if choice.FinishReason != "" {
		e.done = true
		if e.blockOpen {
			if err := push(e.blockStop()); err != nil {
				return nil, err
			}
		}
		if err := push(claudeStreamEvent{
			Type:  "message_delta",
			Delta: &claudeEventDelta{StopReason: finishToClaudeStop(choice.FinishReason)},
			Usage: &claudeUsage{OutputTokens: e.outputTok},
		}); err != nil {
			return nil, err
		}
		if err := push(claudeStreamEvent{Type: "message_stop"}); err != nil {
			return nil, err
		}
	}
	return frames, nil
}

func (e *claudeStreamEncoder) blockStart(block *claudeBlock) claudeStreamEvent {
	if e.blockOpen {
		e.blockIndex++
	}
	e.blockOpen = true
	idx := e.blockIndex
	return claudeStreamEvent{Type: "content_block_start", Index: &idx, ContentBlock: block}
}

func (e *claudeStreamEncoder) blockStop() claudeStreamEvent {
	e.blockOpen = false
	idx := e.blockIndex
	e.blockIndex++
	return claudeStreamEvent{Type: "content_block_stop", Index: &idx}
}
