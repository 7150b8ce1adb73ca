// Package provider defines the uniform client contract the gateway uses to
// invoke upstream model providers, together with the client middlewares that
// wrap every provider: bounded retry and adaptive rate limiting. Concrete
// transports live in the provider/openai and provider/bedrock subpackages.
package provider

import (
	"context"

	"goa.design/aigw/chat"
)

type (
	// Client is the contract the orchestrator uses to invoke a provider.
	// Implementations wrap provider SDKs and translate canonical requests to
	// provider wire formats. Clients must be safe for concurrent use and are
	// constructed once at process start.
	Client interface {
		// Complete sends a chat completion request and returns the full
		// response. Errors crossing this boundary are classified *chat.Error
		// values so callers can map them to HTTP statuses and retry classes.
		Complete(ctx context.Context, req *chat.Request) (*chat.Response, error)

		// Stream sends a chat completion request and returns a Streamer
		// yielding incremental chunks. The returned Streamer must be closed
		// by the caller. Providers without streaming support return
		// chat.ErrStreamingUnsupported.
		Stream(ctx context.Context, req *chat.Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls
	// return chunks until io.EOF. Implementations are safe for a single
	// consuming goroutine and release underlying transport resources on
	// Close.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (*chat.Chunk, error)
		// Close closes the stream.
		Close() error
		// Metadata returns provider-specific details for the stream such as
		// "provider" and "model". Contents are optional and provider-defined.
		Metadata() map[string]any
	}

	// Middleware wraps a Client with additional behavior.
	Middleware func(Client) Client
)

// Chain applies middlewares to c so the first middleware is the outermost.
func Chain(c Client, mw ...Middleware) Client {
	for i := len(mw) - 1; i >= 0; i-- {
		c = mw[i](c)
	}
	return c
}
