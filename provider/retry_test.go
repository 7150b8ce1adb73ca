package provider

import (
	"context"
	"net/http"
	"testing"
	"time"

	"goa.design/aigw/chat"
)

type scriptClient struct {
	completeErrs []error
	streamErrs   []error
	stream       Streamer

	completeCalls int
	streamCalls   int
}

func (c *scriptClient) Complete(_ context.Context, _ *chat.Request) (*chat.Response, error) {
	i := c.completeCalls
	c.completeCalls++
	if i < len(c.completeErrs) && c.completeErrs[i] != nil {
		return nil, c.completeErrs[i]
	}
	return &chat.Response{ID: "resp-1"}, nil
}

func (c *scriptClient) Stream(_ context.Context, _ *chat.Request) (Streamer, error) {
	i := c.streamCalls
	c.streamCalls++
	if i < len(c.streamErrs) && c.streamErrs[i] != nil {
		return nil, c.streamErrs[i]
	}
	return c.stream, nil
}

type errStreamer struct {
	err    error
	closed bool
}

func (s *errStreamer) Recv() (*chat.Chunk, error) { return nil, s.err }
func (s *errStreamer) Close() error               { s.closed = true; return nil }
func (s *errStreamer) Metadata() map[string]any   { return nil }

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		WaitMin:     time.Millisecond,
		WaitMax:     5 * time.Millisecond,
	}
}

func TestRetry_EventuallySucceeds(t *testing.T) {
	client := &scriptClient{
		completeErrs: []error{
			chat.NewError(chat.KindRateLimited, "throttled"),
			chat.NewError(chat.KindUnavailable, "upstream down"),
		},
	}
	wrapped := Retry(fastRetry(3))(client)

	resp, err := wrapped.Complete(context.Background(), &chat.Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil || resp.ID != "resp-1" {
		t.Fatalf("expected scripted response, got %+v", resp)
	}
	if client.completeCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", client.completeCalls)
	}
}

func TestRetry_ZeroRetriesOnTerminal(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"validation", chat.NewError(chat.KindValidation, "bad request")},
		{"authentication", chat.NewError(chat.KindAuthentication, "bad key")},
		{"authorization", chat.NewError(chat.KindAuthorization, "denied")},
		{"unsupported model", chat.NewError(chat.KindUnsupportedModel, "no such model")},
		{"file not found", chat.NewError(chat.KindFileNotFound, "missing artifact")},
		{"internal", chat.NewError(chat.KindInternal, "bug")},
		{"upstream 4xx", chat.NewError(chat.KindUpstream, "content policy").WithStatus(http.StatusBadRequest)},
		{"untyped", context.Canceled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &scriptClient{completeErrs: []error{tc.err, tc.err, tc.err}}
			wrapped := Retry(RetryConfig{})(client)

			_, err := wrapped.Complete(context.Background(), &chat.Request{Model: "gpt-4o"})
			if err == nil {
				t.Fatal("expected error")
			}
			if client.completeCalls != 1 {
				t.Fatalf("expected a single attempt, got %d", client.completeCalls)
			}
			if got, want := chat.KindOf(err), chat.KindOf(tc.err); got != want {
				t.Fatalf("error kind changed across retry: got %s want %s", got, want)
			}
		})
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	rl := chat.NewError(chat.KindRateLimited, "throttled")
	client := &scriptClient{completeErrs: []error{rl, rl, rl, rl}}
	wrapped := Retry(fastRetry(3))(client)

	_, err := wrapped.Complete(context.Background(), &chat.Request{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if chat.KindOf(err) != chat.KindRateLimited {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if client.completeCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", client.completeCalls)
	}
}

func TestRetry_UpstreamServerErrorsAreRetried(t *testing.T) {
	client := &scriptClient{
		completeErrs: []error{
			chat.NewError(chat.KindUpstream, "bad gateway").WithStatus(http.StatusBadGateway),
		},
	}
	wrapped := Retry(fastRetry(3))(client)

	if _, err := wrapped.Complete(context.Background(), &chat.Request{Model: "gpt-4o"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.completeCalls != 2 {
		t.Fatalf("expected 2 attempts, got %d", client.completeCalls)
	}
}

func TestRetry_StreamRetriesEstablishmentOnly(t *testing.T) {
	midStream := chat.NewError(chat.KindUnavailable, "stream broke")
	client := &scriptClient{
		streamErrs: []error{chat.NewError(chat.KindUnavailable, "connect failed")},
		stream:     &errStreamer{err: midStream},
	}
	wrapped := Retry(fastRetry(3))(client)

	stream, err := wrapped.Stream(context.Background(), &chat.Request{Model: "gpt-4o", Stream: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.streamCalls != 2 {
		t.Fatalf("expected 2 establishment attempts, got %d", client.streamCalls)
	}

	// Mid-stream failures surface as-is; the wrapper never re-establishes.
	if _, err := stream.Recv(); chat.KindOf(err) != chat.KindUnavailable {
		t.Fatalf("expected mid-stream error to surface, got %v", err)
	}
	if client.streamCalls != 2 {
		t.Fatalf("expected no re-establishment after Recv error, got %d calls", client.streamCalls)
	}
}

func TestRetry_StreamTerminalEstablishmentFails(t *testing.T) {
	client := &scriptClient{
		streamErrs: []error{chat.ErrStreamingUnsupported},
	}
	wrapped := Retry(fastRetry(3))(client)

	_, err := wrapped.Stream(context.Background(), &chat.Request{Model: "amazon.titan-text-express-v1", Stream: true})
	if err == nil {
		t.Fatal("expected error")
	}
	if client.streamCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", client.streamCalls)
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Client) Client {
			return &taggedClient{name: name, order: &order, next: next}
		}
	}
	client := &scriptClient{}
	wrapped := Chain(client, tag("outer"), tag("inner"))

	if _, err := wrapped.Complete(context.Background(), &chat.Request{Model: "gpt-4o"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("expected outer before inner, got %v", order)
	}
}

type taggedClient struct {
	name  string
	order *[]string
	next  Client
}

func (c *taggedClient) Complete(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	*c.order = append(*c.order, c.name)
	return c.next.Complete(ctx, req)
}

func (c *taggedClient) Stream(ctx context.Context, req *chat.Request) (Streamer, error) {
	*c.order = append(*c.order, c.name)
	return c.next.Stream(ctx, req)
}
