// Package bedrock implements provider.Client over the AWS Bedrock runtime
// InvokeModel APIs. Each Bedrock model family (Anthropic Claude, Amazon
// Titan) has a request strategy that shapes canonical requests into the
// family's JSON body and parses responses and stream events back. SDK
// failures are classified once here, via smithy error codes and HTTP
// statuses, into the gateway error taxonomy.
package bedrock

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/aigw/chat"
	"goa.design/aigw/provider"
	"goa.design/aigw/route"
)

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. It matches *bedrockruntime.Client so callers
	// can pass either the real client or a mock in tests.
	RuntimeClient interface {
		InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput,
			optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
		InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput,
			optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient

		// Router resolves model ids to families. Defaults to the built-in
		// routing table.
		Router *route.Router

		// ClaudeMaxTokens is the completion cap applied to Anthropic requests
		// that do not specify MaxTokens. Defaults to 2048.
		ClaudeMaxTokens int

		// TitanMaxTokens is the completion cap applied to Titan requests that
		// do not specify MaxTokens. Defaults to 512.
		TitanMaxTokens int
	}

	// Client implements provider.Client on top of the Bedrock InvokeModel
	// and InvokeModelWithResponseStream operations.
	Client struct {
		runtime RuntimeClient
		router  *route.Router
		byFam   map[route.Family]Strategy
	}
)

// New builds a Bedrock-backed provider client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	router := opts.Router
	if router == nil {
		router = route.NewRouter()
	}
	return &Client{
		runtime: opts.Runtime,
		router:  router,
		byFam:   strategies(opts.ClaudeMaxTokens, opts.TitanMaxTokens),
	}, nil
}

// Complete shapes the request for its model family, invokes the model and
// parses the response body back into canonical form.
func (c *Client) Complete(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	st, target, err := c.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	body, err := st.ShapeRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(target.ModelID),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("*/*"),
	})
	if err != nil {
		return nil, classify(err)
	}
	resp, err := st.ParseResponse(out.Body, req.Model)
	if err != nil {
		return nil, chat.NewError(chat.KindUpstream, "bedrock returned an unreadable response body").
			WithStatus(http.StatusBadGateway).WithCause(err)
	}
	// Echo the id the caller asked for, not the name the model reports.
	resp.Model = req.Model
	return resp, nil
}

// Stream invokes the model with a response stream and adapts the event
// stream into canonical chunks through the family's stream decoder.
func (c *Client) Stream(ctx context.Context, req *chat.Request) (provider.Streamer, error) {
	st, target, err := c.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	body, err := st.ShapeRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(target.ModelID),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("*/*"),
	})
	if err != nil {
		return nil, classify(err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, chat.NewError(chat.KindUnavailable, "bedrock stream output missing event stream")
	}
	meta := map[string]any{"provider": string(route.ProviderBedrock), "model": req.Model}
	return newStreamer(ctx, stream, st.NewStreamDecoder(req.Model), meta), nil
}

// resolve routes the model id to its family strategy. Models that route to
// another provider or to a family without a strategy fail as unsupported.
func (c *Client) resolve(model string) (Strategy, route.Target, error) {
	target, err := c.router.Route(model)
	if err != nil {
		return nil, route.Target{}, err
	}
	if target.Provider != route.ProviderBedrock {
		return nil, route.Target{}, chat.Errorf(chat.KindUnsupportedModel,
			"model %q routes to provider %q, not bedrock", model, target.Provider)
	}
	st, ok := c.byFam[target.Family]
	if !ok {
		return nil, route.Target{}, chat.Errorf(chat.KindUnsupportedModel,
			"model %q: no request strategy for family %q", model, target.Family)
	}
	return st, target, nil
}

// classify maps SDK failures into the gateway error taxonomy. Bedrock
// surfaces structured faults as smithy API errors whose codes are stable
// across operations; transport-level failures carry only an HTTP status.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return chat.NewError(chat.KindTimeout, "bedrock request timed out").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return chat.NewError(chat.KindCancelled, "request cancelled").WithCause(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.ErrorMessage()
		if msg == "" {
			msg = apiErr.ErrorCode()
		}
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
			return chat.NewError(chat.KindAuthorization, msg).WithCause(err)
		case "ResourceNotFoundException":
			return chat.NewError(chat.KindUnsupportedModel, msg).WithCause(err)
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return chat.NewError(chat.KindRateLimited, msg).WithCause(err)
		case "ValidationException":
			return chat.NewError(chat.KindValidation, msg).WithCause(err)
		case "ModelTimeoutException":
			return chat.NewError(chat.KindTimeout, msg).WithCause(err)
		case "ModelNotReadyException", "ServiceUnavailableException", "InternalServerException",
			"ModelStreamErrorException", "ModelErrorException":
			return chat.NewError(chat.KindUnavailable, msg).WithCause(err)
		}
		return classifyStatus(responseStatus(err), msg, err)
	}
	return classifyStatus(responseStatus(err), "bedrock request failed", err)
}

func classifyStatus(status int, msg string, cause error) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return chat.NewError(chat.KindAuthorization, msg).WithCause(cause)
	case status == http.StatusNotFound:
		return chat.NewError(chat.KindUnsupportedModel, msg).WithCause(cause)
	case status == http.StatusTooManyRequests:
		return chat.NewError(chat.KindRateLimited, msg).WithCause(cause)
	case status == http.StatusBadRequest:
		return chat.NewError(chat.KindValidation, msg).WithCause(cause)
	case status == http.StatusRequestTimeout:
		return chat.NewError(chat.KindTimeout, msg).WithCause(cause)
	case status >= 500, status == 0:
		return chat.NewError(chat.KindUnavailable, msg).WithCause(cause)
	default:
		return chat.NewError(chat.KindUpstream, msg).WithStatus(status).WithCause(cause)
	}
}

func responseStatus(err error) int {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}
