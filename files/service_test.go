package files_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/aigw/chat"
	"goa.design/aigw/files"
)

type memStore struct {
	mu     sync.Mutex
	recs   map[string]*files.Record
	data   map[string][]byte
	order  []string
	putErr error
}

func newMemStore() *memStore {
	return &memStore{
		recs: make(map[string]*files.Record),
		data: make(map[string][]byte),
	}
}

func (m *memStore) Name() string { return "files-mem" }

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) Put(_ context.Context, rec *files.Record, content []byte) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recs[rec.ID] = &cp
	m.data[rec.ID] = append([]byte(nil), content...)
	m.order = append(m.order, rec.ID)
	return nil
}

func (m *memStore) Head(_ context.Context, id string) (*files.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, files.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) Get(ctx context.Context, id string) (*files.Record, []byte, error) {
	rec, err := m.Head(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return rec, append([]byte(nil), m.data[id]...), nil
}

func (m *memStore) List(_ context.Context, limit int) ([]*files.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*files.Record
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.recs[m.order[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return false, nil
	}
	delete(m.recs, id)
	delete(m.data, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func TestServiceUpload(t *testing.T) {
	svc, err := files.NewService(newMemStore())
	require.NoError(t, err)

	rec, err := svc.Upload(context.Background(), "notes.txt", "assistants", "", []byte("hello"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.ID, "file-"))
	assert.Len(t, rec.ID, len("file-")+32)
	assert.Equal(t, "notes.txt", rec.Filename)
	assert.Equal(t, "application/octet-stream", rec.MediaType, "missing media type defaults")
	assert.Equal(t, int64(5), rec.Size)
	assert.Equal(t, files.StatusUploaded, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())

	got, content, err := svc.Content(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, []byte("hello"), content)
}

func TestServiceUploadValidation(t *testing.T) {
	svc, err := files.NewService(newMemStore())
	require.NoError(t, err)

	cases := []struct {
		name     string
		filename string
		purpose  string
		content  []byte
	}{
		{"missing filename", "", "assistants", []byte("x")},
		{"missing purpose", "a.txt", "", []byte("x")},
		{"empty content", "a.txt", "assistants", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Upload(context.Background(), tc.filename, tc.purpose, "text/plain", tc.content)
			require.Error(t, err)
			assert.Equal(t, chat.KindValidation, chat.KindOf(err))
		})
	}
}

func TestServiceList(t *testing.T) {
	store := newMemStore()
	svc, err := files.NewService(store)
	require.NoError(t, err)

	first, err := svc.Upload(context.Background(), "a.txt", "assistants", "text/plain", []byte("a"))
	require.NoError(t, err)
	second, err := svc.Upload(context.Background(), "b.jsonl", "fine-tune", "application/json", []byte("b"))
	require.NoError(t, err)
	third, err := svc.Upload(context.Background(), "c.txt", "assistants", "text/plain", []byte("c"))
	require.NoError(t, err)

	t.Run("newest first with default limit", func(t *testing.T) {
		recs, err := svc.List(context.Background(), "", 0)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, third.ID, recs[0].ID)
		assert.Equal(t, second.ID, recs[1].ID)
		assert.Equal(t, first.ID, recs[2].ID)
	})
	t.Run("purpose filter", func(t *testing.T) {
		recs, err := svc.List(context.Background(), "fine-tune", 0)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, second.ID, recs[0].ID)
	})
	t.Run("limit window", func(t *testing.T) {
		recs, err := svc.List(context.Background(), "", 2)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, third.ID, recs[0].ID)
	})
	t.Run("limit out of range", func(t *testing.T) {
		_, err := svc.List(context.Background(), "", files.MaxListLimit+1)
		require.Error(t, err)
		assert.Equal(t, chat.KindValidation, chat.KindOf(err))

		_, err = svc.List(context.Background(), "", -1)
		require.Error(t, err)
		assert.Equal(t, chat.KindValidation, chat.KindOf(err))
	})
}

func TestServiceLookupErrors(t *testing.T) {
	svc, err := files.NewService(newMemStore())
	require.NoError(t, err)

	_, err = svc.Metadata(context.Background(), "file-missing")
	require.Error(t, err)
	assert.Equal(t, chat.KindFileNotFound, chat.KindOf(err))

	_, _, err = svc.Content(context.Background(), "file-missing")
	require.Error(t, err)
	assert.Equal(t, chat.KindFileNotFound, chat.KindOf(err))

	err = svc.Delete(context.Background(), "file-missing")
	require.Error(t, err)
	assert.Equal(t, chat.KindFileNotFound, chat.KindOf(err))
}

func TestServiceDelete(t *testing.T) {
	svc, err := files.NewService(newMemStore())
	require.NoError(t, err)

	rec, err := svc.Upload(context.Background(), "a.txt", "assistants", "text/plain", []byte("a"))
	require.NoError(t, err)
	require.NoError(t, svc.Delete(context.Background(), rec.ID))

	_, err = svc.Metadata(context.Background(), rec.ID)
	require.Error(t, err)
	assert.Equal(t, chat.KindFileNotFound, chat.KindOf(err))
}

func TestServiceStoreFault(t *testing.T) {
	store := newMemStore()
	store.putErr = assert.AnError
	svc, err := files.NewService(store)
	require.NoError(t, err)

	_, err = svc.Upload(context.Background(), "a.txt", "assistants", "text/plain", []byte("a"))
	require.Error(t, err)
	assert.Equal(t, chat.KindUnavailable, chat.KindOf(err))
}

func TestNewServiceRequiresStore(t *testing.T) {
	_, err := files.NewService(nil)
	require.Error(t, err)
}
