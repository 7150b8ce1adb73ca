// Package dialect detects the wire dialect of inbound chat-completion
// payloads and converts each dialect to and from the canonical model, for
// whole requests and responses as well as streaming chunks. Three dialects
// are recognized: OpenAI chat completions, Bedrock Anthropic messages and
// Bedrock Titan text generation.
package dialect

import (
	"encoding/json"

	"goa.design/aigw/chat"
)

// Dialect names a recognized wire shape. The value doubles as the
// target_format query parameter vocabulary.
type Dialect string

const (
	// OpenAI is the chat-completions shape: {"model", "messages": [...]}.
	OpenAI Dialect = "openai"
	// Claude is the Bedrock Anthropic messages shape, marked by the
	// anthropic_version key.
	Claude Dialect = "bedrock_claude"
	// Titan is the Bedrock Titan text shape, marked by the inputText key.
	Titan Dialect = "bedrock_titan"
	// Unknown means no rule matched.
	Unknown Dialect = ""
)

// Detect classifies a decoded JSON document. Rules run in priority order and
// the first match wins: anthropic_version, then inputText, then
// model+messages list. Detection examines keys only; it never validates
// schemas, so the result is stable under any insertion order of doc.
func Detect(doc map[string]any) Dialect {
	if _, ok := doc["anthropic_version"]; ok {
		return Claude
	}
	if _, ok := doc["inputText"]; ok {
		return Titan
	}
	if _, ok := doc["model"]; ok {
		if _, ok := doc["messages"].([]any); ok {
			return OpenAI
		}
	}
	return Unknown
}

// ParseTarget resolves the target_format parameter. Empty selects the OpenAI
// default; anything outside the three dialect names is a validation error
// raised before any provider work.
func ParseTarget(s string) (Dialect, error) {
	switch Dialect(s) {
	case "":
		return OpenAI, nil
	case OpenAI, Claude, Titan:
		return Dialect(s), nil
	}
	return Unknown, chat.Errorf(chat.KindValidation,
		"invalid target_format %q: must be one of openai, bedrock_claude, bedrock_titan", s)
}

// DecodeRequest detects the dialect of body and converts it to canonical
// form. The returned dialect is the detected one so callers can default the
// response dialect to the request's.
func DecodeRequest(body []byte) (*chat.Request, Dialect, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, Unknown, chat.Errorf(chat.KindValidation, "request body is not a JSON object: %v", err)
	}
	d := Detect(doc)
	req, err := Decode(d, body)
	if err != nil {
		return nil, d, err
	}
	return req, d, nil
}

// Decode converts a payload known to be in dialect d to canonical form.
func Decode(d Dialect, body []byte) (*chat.Request, error) {
	switch d {
	case OpenAI:
		return DecodeOpenAIRequest(body)
	case Claude:
		return DecodeClaudeRequest(body)
	case Titan:
		return DecodeTitanRequest(body)
	}
	return nil, chat.NewError(chat.KindValidation,
		"unrecognized request dialect: not OpenAI, Bedrock Anthropic or Bedrock Titan")
}

// EncodeRequest converts a canonical request to the wire body of dialect d.
func EncodeRequest(d Dialect, req *chat.Request) ([]byte, error) {
	switch d {
	case OpenAI:
		return EncodeOpenAIRequest(req)
	case Claude:
		return EncodeClaudeRequest(req)
	case Titan:
		return EncodeTitanRequest(req)
	}
	return nil, chat.Errorf(chat.KindValidation, "cannot encode request in dialect %q", d)
}

// EncodeResponse converts a canonical response to the wire body of dialect d.
func EncodeResponse(d Dialect, resp *chat.Response) ([]byte, error) {
	switch d {
	case OpenAI:
		return EncodeOpenAIResponse(resp)
	case Claude:
		return EncodeClaudeResponse(resp)
	case Titan:
		return EncodeTitanResponse(resp)
	}
	return nil, chat.Errorf(chat.KindValidation, "cannot encode response in dialect %q", d)
}

// StreamEncoder turns a canonical chunk sequence into dialect wire frames.
// A single canonical chunk may expand to several frames (the Anthropic shape
// brackets content with block and message events) or to none (Titan
// suppresses empty frames). Frames are emitted in order; the encoder carries
// the per-response state needed to open and close the surrounding events.
type StreamEncoder interface {
	// Encode returns the wire frames for one canonical chunk.
	Encode(ch *chat.Chunk) ([][]byte, error)
}

// NewStreamEncoder builds the chunk encoder for dialect d.
func NewStreamEncoder(d Dialect) (StreamEncoder, error) {
	switch d {
	case OpenAI:
		return &openAIStreamEncoder{}, nil
	case Claude:
		return &claudeStreamEncoder{}, nil
	case Titan:
		return &titanStreamEncoder{}, nil
	}
	return nil, chat.Errorf(chat.KindValidation, "cannot stream in dialect %q", d)
}
