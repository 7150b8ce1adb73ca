// Package openai implements provider.Client over the OpenAI Chat Completions
// API. It translates canonical requests into ChatCompletion calls using
// github.com/sashabaranov/go-openai, maps responses and stream events back to
// canonical structures, and classifies SDK failures into the gateway error
// taxonomy.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/aigw/chat"
	"goa.design/aigw/provider"
	"goa.design/aigw/route"
)

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
			openai.ChatCompletionResponse, error)
		CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (
			ChatStream, error)
		ListModels(ctx context.Context) (openai.ModelsList, error)
	}

	// ChatStream captures the subset of the go-openai stream used by the
	// adapter.
	ChatStream interface {
		Recv() (openai.ChatCompletionStreamResponse, error)
		Close() error
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Client is the transport. Required.
		Client ChatClient

		// MaxTokens caps completions that do not set a limit. Zero leaves
		// the provider default in place.
		MaxTokens int
	}

	// Client implements provider.Client via the OpenAI Chat Completions API.
	Client struct {
		chat      ChatClient
		maxTokens int
	}

	// sdkClient adapts *openai.Client to ChatClient. The indirection exists
	// because CreateChatCompletionStream returns a concrete struct.
	sdkClient struct {
		c *openai.Client
	}
)

// New builds an OpenAI-backed provider client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	return &Client{chat: opts.Client, maxTokens: opts.MaxTokens}, nil
}

// NewFromAPIKey builds a client over the default go-openai transport.
// baseURL overrides the API endpoint when non-empty and maxTokens caps
// completions that do not set a limit.
func NewFromAPIKey(apiKey, baseURL string, maxTokens int) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return New(Options{Client: sdkClient{c: openai.NewClientWithConfig(cfg)}, MaxTokens: maxTokens})
}

func (s sdkClient) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
	openai.ChatCompletionResponse, error) {
	return s.c.CreateChatCompletion(ctx, request)
}

func (s sdkClient) CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (
	ChatStream, error) {
	return s.c.CreateChatCompletionStream(ctx, request)
}

func (s sdkClient) ListModels(ctx context.Context) (openai.ModelsList, error) {
	return s.c.ListModels(ctx)
}

// withMaxTokens returns req with MaxTokens defaulted to the configured cap
// when unset. The original request is never mutated.
func (c *Client) withMaxTokens(req *chat.Request) *chat.Request {
	if c.maxTokens <= 0 || req.MaxTokens > 0 {
		return req
	}
	shaped := *req
	shaped.MaxTokens = c.maxTokens
	return &shaped
}

// Complete performs a blocking chat completion call.
func (c *Client) Complete(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	request, err := encodeRequest(c.withMaxTokens(req), false)
	if err != nil {
		return nil, err
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, classify(err)
	}
	return translateResponse(response), nil
}

// Stream opens a chat completion stream and adapts it to canonical chunks.
// Usage accounting is requested so the final frame carries token counts.
func (c *Client) Stream(ctx context.Context, req *chat.Request) (provider.Streamer, error) {
	request, err := encodeRequest(c.withMaxTokens(req), true)
	if err != nil {
		return nil, err
	}
	stream, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, classify(err)
	}
	return &streamer{stream: stream, model: req.Model}, nil
}

// Models returns the live model listing for GET /v1/models.
func (c *Client) Models(ctx context.Context) ([]route.ModelInfo, error) {
	list, err := c.chat.ListModels(ctx)
	if err != nil {
		return nil, classify(err)
	}
	infos := make([]route.ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		infos = append(infos, route.ModelInfo{
			ID:      m.ID,
			OwnedBy: m.OwnedBy,
			Created: m.CreatedAt,
		})
	}
	return infos, nil
}

func encodeRequest(req *chat.Request, stream bool) (openai.ChatCompletionRequest, error) {
	out := openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stop:      req.StopSequences,
		Stream:    stream,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		out.Messages = append(out.Messages, encodeMessage(m))
	}
	for _, def := range req.Tools {
		if def == nil {
			continue
		}
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Schema,
			},
		})
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case chat.ToolChoiceAuto:
			// Provider default; omitted.
		case chat.ToolChoiceNone:
			out.ToolChoice = "none"
		case chat.ToolChoiceRequired:
			out.ToolChoice = "required"
		case chat.ToolChoiceNamed:
			if tc.Name == "" {
				return out, chat.ValidationError("named tool choice requires a tool name")
			}
			out.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: tc.Name},
			}
		default:
			return out, chat.ValidationError("unsupported tool choice mode %q", tc.Mode)
		}
	}
	return out, nil
}

func encodeMessage(m *chat.Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:       string(m.Role),
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	switch {
	case m.Role == chat.RoleTool:
		// Tool results travel as plain string content keyed by ToolCallID.
		out.Content = contentText(m.Parts)
	case m.Blocks || hasNonText(m.Parts):
		for _, p := range m.Parts {
			switch p := p.(type) {
			case chat.TextPart:
				out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			case chat.ImagePart:
				out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: imageURL(p)},
				})
			case chat.ToolUsePart:
				// Tool use has no content form; surface it as a call.
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:       p.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: p.Name, Arguments: string(p.Input)},
				})
			case chat.ToolResultPart:
				out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Content,
				})
			}
		}
	default:
		out.Content = m.Text()
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:       tc.ID,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
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

func contentText(parts []chat.Part) string {
	var b strings.Builder
	for _, p := range parts {
		switch p := p.(type) {
		case chat.TextPart:
			b.WriteString(p.Text)
		case chat.ToolResultPart:
			b.WriteString(p.Content)
		}
	}
	return b.String()
}

func imageURL(p chat.ImagePart) string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf("data:%s;base64,%s", p.MediaType, p.Data)
}

func translateResponse(resp openai.ChatCompletionResponse) *chat.Response {
	out := &chat.Response{
		ID:      resp.ID,
		Created: resp.Created,
		Model:   resp.Model,
	}
	for _, c := range resp.Choices {
		msg := &chat.Message{Role: chat.Role(c.Message.Role)}
		if c.Message.Content != "" {
			msg.Parts = append(msg.Parts, chat.TextPart{Text: c.Message.Content})
		}
		for _, call := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, &chat.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
		out.Choices = append(out.Choices, &chat.Choice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: finishReason(string(c.FinishReason)),
		})
	}
	if u := resp.Usage; u.PromptTokens != 0 || u.CompletionTokens != 0 || u.TotalTokens != 0 {
		out.Usage = &chat.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out
}

func finishReason(reason string) chat.FinishReason {
	switch reason {
	case "", "null":
		return ""
	case string(openai.FinishReasonStop):
		return chat.FinishStop
	case string(openai.FinishReasonLength):
		return chat.FinishLength
	case string(openai.FinishReasonToolCalls), string(openai.FinishReasonFunctionCall):
		return chat.FinishToolCalls
	case string(openai.FinishReasonContentFilter):
		return chat.FinishContentFilter
	default:
		return chat.FinishError
	}
}

// classify maps SDK failures into the gateway error taxonomy. Structured API
// errors keep their provider message; transport failures become unavailable
// so the retry policy treats them as transient.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, reqErr.Error(), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return chat.NewError(chat.KindTimeout, "openai request timed out").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return chat.NewError(chat.KindCancelled, "request cancelled").WithCause(err)
	}
	return chat.NewError(chat.KindUnavailable, "openai request failed").WithCause(err)
}

func classifyStatus(status int, msg string, cause error) error {
	switch {
	// A provider 401 means the gateway's upstream key is bad, not the
	// caller's, so both auth statuses surface as authorization failures.
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return chat.NewError(chat.KindAuthorization, msg).WithCause(cause)
	case status == http.StatusNotFound:
		return chat.NewError(chat.KindUnsupportedModel, msg).WithCause(cause)
	case status == http.StatusTooManyRequests:
		return chat.NewError(chat.KindRateLimited, msg).WithCause(cause)
	case status == http.StatusRequestTimeout:
		return chat.NewError(chat.KindTimeout, msg).WithCause(cause)
	case status >= 500:
		return chat.NewError(chat.KindUnavailable, msg).WithCause(cause)
	default:
		return chat.NewError(chat.KindUpstream, msg).WithStatus(status).WithCause(cause)
	}
}
