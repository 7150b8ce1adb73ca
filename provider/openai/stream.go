package openai

import (
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/aigw/chat"
)

// streamer adapts a go-openai completion stream to provider.Streamer. The
// upstream SSE framing already satisfies the canonical chunk contract: the
// first chunk of each choice carries the assistant role and exactly one later
// chunk carries the finish reason.
type streamer struct {
	stream ChatStream
	model  string
}

func (s *streamer) Recv() (*chat.Chunk, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, classify(err)
	}
	return translateChunk(resp), nil
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any {
	return map[string]any{"provider": "openai", "model": s.model}
}

func translateChunk(resp openai.ChatCompletionStreamResponse) *chat.Chunk {
	out := &chat.Chunk{
		ID:      resp.ID,
		Created: resp.Created,
		Model:   resp.Model,
	}
	for _, c := range resp.Choices {
		cc := &chat.ChunkChoice{
			Index:        c.Index,
			FinishReason: finishReason(string(c.FinishReason)),
		}
		if d := c.Delta; d.Role != "" || d.Content != "" || len(d.ToolCalls) > 0 {
			delta := &chat.Delta{Role: chat.Role(d.Role), Content: d.Content}
			for _, tc := range d.ToolCalls {
				frag := &chat.ToolCallDelta{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}
				if tc.Index != nil {
					frag.Index = *tc.Index
				}
				delta.ToolCalls = append(delta.ToolCalls, frag)
			}
			cc.Delta = delta
		}
		out.Choices = append(out.Choices, cc)
	}
	if resp.Usage != nil {
		out.Usage = &chat.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out
}
