// Package usage defines the accounting journal the gateway writes after every
// completed or failed request. Entries attribute latency and token spend to
// the input dialect, the requested model and the provider that served it.
// Recording is fire-and-forget: the gateway logs journal failures and never
// surfaces them to callers.
package usage

import (
	"context"
	"time"

	"goa.design/clue/health"

	"goa.design/aigw/chat"
)

type (
	// Entry is one accounting record.
	Entry struct {
		// ID is the gateway request identifier.
		ID string
		// Dialect is the wire dialect the request arrived in.
		Dialect string
		// Model is the model identifier the caller requested.
		Model string
		// Provider is the provider the request routed to.
		Provider string
		// Status is StatusCompleted or StatusFailedPrefix plus the error kind.
		Status string
		// Streamed reports whether the response was served over SSE.
		Streamed bool
		// LatencyMS is the wall-clock time from decode to final byte.
		LatencyMS int64
		// Usage holds token counts when the provider reported them.
		Usage *chat.Usage
		// CreatedAt is when the entry was recorded.
		CreatedAt time.Time
	}

	// Journal persists accounting entries. Implementations must be safe for
	// concurrent use.
	Journal interface {
		health.Pinger

		// Record appends an entry to the journal.
		Record(ctx context.Context, e *Entry) error
		// Tail returns the most recent entries, newest first, up to limit.
		Tail(ctx context.Context, limit int) ([]*Entry, error)
	}
)

const (
	// StatusCompleted marks requests that produced a response.
	StatusCompleted = "completed"
	// StatusFailedPrefix prefixes the error kind of failed requests.
	StatusFailedPrefix = "failed:"
)
