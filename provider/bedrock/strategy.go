package bedrock

import (
	"goa.design/aigw/chat"
	"goa.design/aigw/dialect"
	"goa.design/aigw/route"
)

const (
	// defaultClaudeMaxTokens caps Anthropic completions when neither the
	// request nor the configuration specifies max_tokens. Anthropic models
	// reject requests without the field.
	defaultClaudeMaxTokens = 2048

	// defaultTitanMaxTokens caps Titan completions when unset.
	defaultTitanMaxTokens = 512
)

type (
	// Strategy shapes canonical requests into a model family's invoke body
	// and parses the family's responses back. One strategy per family;
	// adding a Bedrock family means implementing Strategy and registering
	// it under its route.Family.
	Strategy interface {
		// ShapeRequest renders the canonical request as the family's
		// InvokeModel JSON body. The body never carries the model id or a
		// stream flag; both travel in the SDK input.
		ShapeRequest(req *chat.Request) ([]byte, error)

		// ParseResponse translates an InvokeModel response body into a
		// canonical response. model is echoed into the result.
		ParseResponse(body []byte, model string) (*chat.Response, error)

		// NewStreamDecoder returns a fresh stateful decoder translating the
		// family's stream event payloads into canonical chunks. One decoder
		// per response; decoders are not safe for concurrent use.
		NewStreamDecoder(model string) StreamDecoder
	}

	// StreamDecoder consumes one provider stream event payload at a time and
	// yields zero or more canonical chunks. Finished reports whether the
	// decoder has emitted its finish chunk, which lets the streamer detect
	// truncated provider streams.
	StreamDecoder interface {
		Decode(event []byte) ([]*chat.Chunk, error)
		Finished() bool
	}

	claudeStrategy struct {
		maxTokens int
	}

	titanStrategy struct {
		maxTokens int
	}
)

// strategies builds the family registry from the configured defaults.
func strategies(claudeMax, titanMax int) map[route.Family]Strategy {
	if claudeMax <= 0 {
		claudeMax = defaultClaudeMaxTokens
	}
	if titanMax <= 0 {
		titanMax = defaultTitanMaxTokens
	}
	return map[route.Family]Strategy{
		route.FamilyClaude: claudeStrategy{maxTokens: claudeMax},
		route.FamilyTitan:  titanStrategy{maxTokens: titanMax},
	}
}

// withMaxTokens returns req with MaxTokens defaulted to limit when unset.
// The copy is shallow; encoders do not retain the request.
func withMaxTokens(req *chat.Request, limit int) *chat.Request {
	if req.MaxTokens > 0 {
		return req
	}
	shaped := *req
	shaped.MaxTokens = limit
	return &shaped
}

func (s claudeStrategy) ShapeRequest(req *chat.Request) ([]byte, error) {
	return dialect.EncodeClaudeInvokeBody(withMaxTokens(req, s.maxTokens))
}

func (s claudeStrategy) ParseResponse(body []byte, model string) (*chat.Response, error) {
	return dialect.DecodeClaudeResponse(body, model)
}

func (s claudeStrategy) NewStreamDecoder(model string) StreamDecoder {
	return dialect.NewClaudeStreamDecoder(model)
}

func (s titanStrategy) ShapeRequest(req *chat.Request) ([]byte, error) {
	return dialect.EncodeTitanInvokeBody(withMaxTokens(req, s.maxTokens))
}

func (s titanStrategy) ParseResponse(body []byte, model string) (*chat.Response, error) {
	return dialect.DecodeTitanResponse(body, model)
}

func (s titanStrategy) NewStreamDecoder(model string) StreamDecoder {
	return dialect.NewTitanStreamDecoder(model)
}
