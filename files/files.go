// Package files implements the artifact side of the gateway: an object
// store abstraction with OpenAI-style file records, text extraction per
// media type, and the injector that folds extracted content into a chat
// request as a framed context preamble.
package files

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"goa.design/clue/health"
)

type (
	// Record describes a stored artifact.
	Record struct {
		// ID is the artifact identifier, "file-" followed by hex.
		ID string
		// Filename is the name the artifact was uploaded under.
		Filename string
		// MediaType is the declared MIME type of the content.
		MediaType string
		// Size is the content length in bytes.
		Size int64
		// Purpose is the caller-declared intent, e.g. "assistants".
		Purpose string
		// Status tracks the artifact lifecycle.
		Status Status
		// CreatedAt is the upload time.
		CreatedAt time.Time
	}

	// Status is the lifecycle state of an artifact.
	Status string

	// Store abstracts the object store backing the file API.
	// Implementations map artifact ids to object keys internally and
	// report missing ids with ErrNotFound.
	Store interface {
		health.Pinger

		// Put stores content under the record's id.
		Put(ctx context.Context, rec *Record, content []byte) error
		// Head returns the record for id.
		Head(ctx context.Context, id string) (*Record, error)
		// Get returns the record and content for id.
		Get(ctx context.Context, id string) (*Record, []byte, error)
		// List returns up to limit records, newest first.
		List(ctx context.Context, limit int) ([]*Record, error)
		// Delete removes the artifact and reports whether id existed.
		Delete(ctx context.Context, id string) (bool, error)
	}
)

const (
	StatusUploaded  Status = "uploaded"
	StatusProcessed Status = "processed"
	StatusError     Status = "error"
)

// ErrNotFound is returned by stores for ids with no stored artifact.
var ErrNotFound = errors.New("file not found")

// NewID mints an artifact identifier: the literal prefix "file-" followed
// by 32 hex characters.
func NewID() string {
	u := uuid.New()
	return "file-" + hex.EncodeToString(u[:])
}
