package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"goa.design/aigw/chat"
)

type (
	// RetryConfig bounds the retry middleware. Zero fields take the defaults
	// documented on each field.
	RetryConfig struct {
		// MaxAttempts is the total number of tries including the first.
		// Defaults to 3.
		MaxAttempts int

		// WaitMin is the base backoff interval. Defaults to 1s.
		WaitMin time.Duration

		// WaitMax caps the backoff interval growth. Defaults to 10s.
		WaitMax time.Duration
	}

	retryClient struct {
		next Client
		cfg  RetryConfig
	}
)

// Retry returns a middleware that retries transient failures with bounded
// exponential backoff and full jitter. Terminal failures (validation,
// authentication, authorization, unknown model) are returned immediately
// without a single retry. Stream calls retry establishment only; once a
// Streamer is returned, mid-stream failures surface to the caller.
func Retry(cfg RetryConfig) Middleware {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WaitMin <= 0 {
		cfg.WaitMin = time.Second
	}
	if cfg.WaitMax <= 0 {
		cfg.WaitMax = 10 * time.Second
	}
	return func(next Client) Client {
		if next == nil {
			return nil
		}
		return &retryClient{next: next, cfg: cfg}
	}
}

func (c *retryClient) Complete(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	var resp *chat.Response
	op := func() error {
		var err error
		resp, err = c.next.Complete(ctx, req)
		return retryClass(err)
	}
	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *retryClient) Stream(ctx context.Context, req *chat.Request) (Streamer, error) {
	var stream Streamer
	op := func() error {
		var err error
		stream, err = c.next.Stream(ctx, req)
		return retryClass(err)
	}
	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *retryClient) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.WaitMin
	b.MaxInterval = c.cfg.WaitMax
	b.Multiplier = 2
	// Full jitter: each wait is drawn uniformly around the current interval.
	b.RandomizationFactor = 1
	// The attempt budget bounds the loop; elapsed time does not.
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)
}

// retryClass marks terminal errors permanent so the backoff loop stops
// without sleeping. backoff.Retry unwraps permanent errors on return, so
// callers always see the original error.
func retryClass(err error) error {
	if err == nil {
		return nil
	}
	if chat.Retryable(err) {
		return err
	}
	return backoff.Permanent(err)
}
