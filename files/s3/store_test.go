package s3

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/aigw/files"
)

type mockObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

type mockS3 struct {
	objects map[string]mockObject
	puts    []*s3.PutObjectInput
	pinged  bool
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string]mockObject)}
}

func (m *mockS3) add(key, contentType string, body []byte, metadata map[string]string, modified time.Time) {
	m.objects[key] = mockObject{body: body, contentType: contentType, metadata: metadata, modified: modified}
}

func (m *mockS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.puts = append(m.puts, params)
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.add(aws.ToString(params.Key), aws.ToString(params.ContentType), body, params.Metadata, time.Now())
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	obj, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "no such key"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.body))}, nil
}

func (m *mockS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	obj, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
	}
	return &s3.HeadObjectOutput{
		ContentType:   aws.String(obj.contentType),
		ContentLength: aws.Int64(int64(len(obj.body))),
		Metadata:      obj.metadata,
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (m *mockS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	max := int(aws.ToInt32(params.MaxKeys))
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if max > 0 && len(keys) > max {
		keys = keys[:max]
	}
	out := &s3.ListObjectsV2Output{}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			LastModified: aws.Time(m.objects[key].modified),
		})
	}
	return out, nil
}

func (m *mockS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.pinged = true
	return &s3.HeadBucketOutput{}, nil
}

func testStore(t *testing.T, mock *mockS3) *Store {
	t.Helper()
	store, err := New(Options{Client: mock, Bucket: "gw-files"})
	require.NoError(t, err)
	return store
}

func TestStorePutBuildsCanonicalKey(t *testing.T) {
	mock := newMockS3()
	store := testStore(t, mock)

	rec := &files.Record{
		ID:        "file-abc123",
		Filename:  "my report (final).csv",
		MediaType: "text/csv",
		Purpose:   "assistants",
	}
	require.NoError(t, store.Put(context.Background(), rec, []byte("a,b\n1,2")))

	require.Len(t, mock.puts, 1)
	put := mock.puts[0]
	assert.Equal(t, "gw-files", aws.ToString(put.Bucket))
	assert.Equal(t, "files/file-abc123-my_report__final_.csv", aws.ToString(put.Key))
	assert.Equal(t, "text/csv", aws.ToString(put.ContentType))
	assert.Equal(t, "file-abc123", put.Metadata["file_id"])
	assert.Equal(t, "my report (final).csv", put.Metadata["original_filename"])
	assert.Equal(t, "assistants", put.Metadata["purpose"])
	assert.Equal(t, "aigw", put.Metadata["uploaded_by"])
}

func TestStoreRoundTrip(t *testing.T) {
	mock := newMockS3()
	store := testStore(t, mock)

	rec := &files.Record{
		ID:        "file-abc123",
		Filename:  "notes.txt",
		MediaType: "text/plain",
		Purpose:   "assistants",
	}
	require.NoError(t, store.Put(context.Background(), rec, []byte("hello")))

	head, err := store.Head(context.Background(), "file-abc123")
	require.NoError(t, err)
	assert.Equal(t, "file-abc123", head.ID)
	assert.Equal(t, "notes.txt", head.Filename)
	assert.Equal(t, "text/plain", head.MediaType)
	assert.Equal(t, int64(5), head.Size)
	assert.Equal(t, "assistants", head.Purpose)
	assert.Equal(t, files.StatusUploaded, head.Status)
	assert.False(t, head.CreatedAt.IsZero())

	got, content, err := store.Get(context.Background(), "file-abc123")
	require.NoError(t, err)
	assert.Equal(t, "file-abc123", got.ID)
	assert.Equal(t, []byte("hello"), content)
}

func TestStoreFilenameFallsBackToKey(t *testing.T) {
	mock := newMockS3()
	mock.add("files/file-beef-report.csv", "text/csv", []byte("a"), nil, time.Now())
	store := testStore(t, mock)

	head, err := store.Head(context.Background(), "file-beef")
	require.NoError(t, err)
	assert.Equal(t, "report.csv", head.Filename)
	assert.Equal(t, "unknown", head.Purpose)
}

func TestStoreHeadMissing(t *testing.T) {
	store := testStore(t, newMockS3())

	_, err := store.Head(context.Background(), "file-missing")
	assert.ErrorIs(t, err, files.ErrNotFound)

	_, _, err = store.Get(context.Background(), "file-missing")
	assert.ErrorIs(t, err, files.ErrNotFound)
}

func TestStoreList(t *testing.T) {
	mock := newMockS3()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	meta := func(name, purpose string) map[string]string {
		return map[string]string{"original_filename": name, "purpose": purpose}
	}
	mock.add("files/file-a1-old.txt", "text/plain", []byte("1"), meta("old.txt", "assistants"), base)
	mock.add("files/file-b2-new.txt", "text/plain", []byte("22"), meta("new.txt", "fine-tune"), base.Add(time.Hour))
	mock.add("files/readme.txt", "text/plain", []byte("skip"), nil, base)
	store := testStore(t, mock)

	recs, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2, "non-canonical keys are skipped")
	assert.Equal(t, "file-b2", recs[0].ID, "newest first")
	assert.Equal(t, "new.txt", recs[0].Filename)
	assert.Equal(t, "fine-tune", recs[0].Purpose)
	assert.Equal(t, "file-a1", recs[1].ID)
}

func TestStoreDelete(t *testing.T) {
	mock := newMockS3()
	mock.add("files/file-a1-a.txt", "text/plain", []byte("1"), nil, time.Now())
	store := testStore(t, mock)

	ok, err := store.Delete(context.Background(), "file-a1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, mock.objects)

	ok, err = store.Delete(context.Background(), "file-a1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorePing(t *testing.T) {
	mock := newMockS3()
	store := testStore(t, mock)

	assert.Equal(t, "files-s3", store.Name())
	require.NoError(t, store.Ping(context.Background()))
	assert.True(t, mock.pinged)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Bucket: "b"})
	require.Error(t, err)

	_, err = New(Options{Client: newMockS3()})
	require.Error(t, err)
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain.txt", "plain.txt"},
		{"with space.csv", "with_space.csv"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"résumé.pdf", "r_sum_.pdf"},
		{"", "upload"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, sanitizeFilename(tc.in), tc.in)
	}
}

func TestParseKey(t *testing.T) {
	id, name, ok := parseKey("files/file-abc123-report.csv")
	require.True(t, ok)
	assert.Equal(t, "file-abc123", id)
	assert.Equal(t, "report.csv", name)

	id, name, ok = parseKey("files/file-abc123-my-dashed-name.txt")
	require.True(t, ok)
	assert.Equal(t, "file-abc123", id)
	assert.Equal(t, "my-dashed-name.txt", name)

	for _, key := range []string{"files/readme.txt", "other/file-a-b.txt", "files/file-noname", "files/file--x"} {
		_, _, ok := parseKey(key)
		assert.False(t, ok, key)
	}
}
