package files

import (
	"context"
	"errors"
	"time"

	"goa.design/aigw/chat"
)

// List bounds shared with the HTTP surface.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Service layers artifact operations on a Store: identifier minting,
// upload validation, purpose filtering and the error taxonomy expected by
// the gateway.
type Service struct {
	store Store
}

// NewService builds a Service over the given store.
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("file store is required")
	}
	return &Service{store: store}, nil
}

// Name implements health.Pinger by delegating to the store.
func (s *Service) Name() string { return s.store.Name() }

// Ping implements health.Pinger by delegating to the store.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// Upload stores content and returns the new artifact record.
func (s *Service) Upload(ctx context.Context, filename, purpose, mediaType string, content []byte) (*Record, error) {
	if filename == "" {
		return nil, chat.ValidationError("file must have a filename")
	}
	if purpose == "" {
		return nil, chat.ValidationError("missing required field: purpose")
	}
	if len(content) == 0 {
		return nil, chat.ValidationError("file is empty")
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	rec := &Record{
		ID:        NewID(),
		Filename:  filename,
		MediaType: mediaType,
		Size:      int64(len(content)),
		Purpose:   purpose,
		Status:    StatusUploaded,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Put(ctx, rec, content); err != nil {
		return nil, storeError("store file", err)
	}
	return rec, nil
}

// List returns up to limit records, newest first. A non-empty purpose
// filters the listed window, mirroring the OpenAI files API. A zero limit
// selects the default.
func (s *Service) List(ctx context.Context, purpose string, limit int) ([]*Record, error) {
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit < 1 || limit > MaxListLimit {
		return nil, chat.ValidationError("limit must be between 1 and %d", MaxListLimit)
	}
	recs, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, storeError("list files", err)
	}
	if purpose == "" {
		return recs, nil
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec.Purpose == purpose {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Metadata returns the record for id.
func (s *Service) Metadata(ctx context.Context, id string) (*Record, error) {
	rec, err := s.store.Head(ctx, id)
	if err != nil {
		return nil, lookupError(id, err)
	}
	return rec, nil
}

// Content returns the record and stored bytes for id.
func (s *Service) Content(ctx context.Context, id string) (*Record, []byte, error) {
	rec, content, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, lookupError(id, err)
	}
	return rec, content, nil
}

// Delete removes id from the store. Deleting an unknown id is an error.
func (s *Service) Delete(ctx context.Context, id string) error {
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return storeError("delete file", err)
	}
	if !ok {
		return notFoundError(id)
	}
	return nil
}

func lookupError(id string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return notFoundError(id)
	}
	return storeError("read file", err)
}

func notFoundError(id string) error {
	return chat.Errorf(chat.KindFileNotFound, "file %s not found", id)
}

// storeError passes classified errors through and wraps raw store faults
// as service_unavailable so callers see the storage backend, not the
// gateway, as the failing party.
func storeError(op string, err error) error {
	if cerr, ok := chat.AsError(err); ok {
		return cerr
	}
	return chat.Errorf(chat.KindUnavailable, "%s: %v", op, err).WithCause(err)
}
