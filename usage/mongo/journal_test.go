package mongo

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/aigw/chat"
	"goa.design/aigw/usage"
)

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Database: "aigw"})
	require.ErrorContains(t, err, "mongo client is required")

	_, err = New(Options{Client: &mongodriver.Client{}})
	require.ErrorContains(t, err, "database name is required")
}

func TestRecordMapsEntry(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{}
	j := &journal{coll: coll}

	err := j.Record(context.Background(), &usage.Entry{
		ID:        "req-1",
		Dialect:   "openai",
		Model:     "gpt-4o-mini",
		Provider:  "openai",
		Status:    usage.StatusCompleted,
		Streamed:  true,
		LatencyMS: 420,
		Usage: &chat.Usage{
			PromptTokens:     12,
			CompletionTokens: 34,
			TotalTokens:      46,
		},
		CreatedAt: time.Unix(1700000000, 0),
	})
	require.NoError(t, err)
	require.Len(t, coll.inserted, 1)

	doc := coll.inserted[0]
	assert.Equal(t, "req-1", doc.RequestID)
	assert.Equal(t, "openai", doc.Dialect)
	assert.Equal(t, "gpt-4o-mini", doc.Model)
	assert.Equal(t, "openai", doc.Provider)
	assert.Equal(t, "completed", doc.Status)
	assert.True(t, doc.Streamed)
	assert.Equal(t, int64(420), doc.LatencyMS)
	assert.Equal(t, 12, doc.PromptTokens)
	assert.Equal(t, 34, doc.CompletionTokens)
	assert.Equal(t, 46, doc.TotalTokens)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), doc.CreatedAt)
}

func TestRecordDefaultsCreatedAt(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{}
	j := &journal{coll: coll}

	err := j.Record(context.Background(), &usage.Entry{
		ID:     "req-2",
		Status: usage.StatusFailedPrefix + "rate_limited",
	})
	require.NoError(t, err)
	require.Len(t, coll.inserted, 1)
	assert.False(t, coll.inserted[0].CreatedAt.IsZero())
	assert.Zero(t, coll.inserted[0].TotalTokens)
}

func TestRecordValidates(t *testing.T) {
	t.Parallel()

	j := &journal{coll: &fakeCollection{}}

	err := j.Record(context.Background(), nil)
	require.ErrorContains(t, err, "entry is required")

	err = j.Record(context.Background(), &usage.Entry{Status: "completed"})
	require.ErrorContains(t, err, "request id is required")

	err = j.Record(context.Background(), &usage.Entry{ID: "req-3"})
	require.ErrorContains(t, err, "status is required")
}

func TestTailReturnsNewestFirst(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{findDocs: fakeEntryDocuments(4)}
	j := &journal{coll: coll}

	entries, err := j.Tail(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "req-4", entries[0].ID)
	assert.Equal(t, "req-2", entries[2].ID)
	require.NotNil(t, entries[0].Usage)
	assert.Equal(t, 4, entries[0].Usage.TotalTokens)

	_, err = j.Tail(context.Background(), 0)
	require.ErrorContains(t, err, "limit must be > 0")
}

func fakeEntryDocuments(n int) []entryDocument {
	docs := make([]entryDocument, 0, n)
	for i := 1; i <= n; i++ {
		docs = append(docs, entryDocument{
			ID:          primitive.ObjectID{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, byte(i)},
			RequestID:   "req-" + strconv.Itoa(i),
			Model:       "gpt-4o-mini",
			Provider:    "openai",
			Status:      "completed",
			TotalTokens: i,
			CreatedAt:   time.Unix(int64(i), 0).UTC(),
		})
	}
	return docs
}

type fakeCollection struct {
	inserted []entryDocument
	findDocs []entryDocument
}

func (c *fakeCollection) InsertOne(_ context.Context, document any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	doc, ok := document.(entryDocument)
	if ok {
		c.inserted = append(c.inserted, doc)
	}
	return &mongodriver.InsertOneResult{InsertedID: primitive.NewObjectID()}, nil
}

func (c *fakeCollection) Find(_ context.Context, _ any, opts ...*options.FindOptions) (cursor, error) {
	docs := make([]entryDocument, len(c.findDocs))
	copy(docs, c.findDocs)
	// Newest first, mirroring the descending _id sort.
	for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
		docs[i], docs[j] = docs[j], docs[i]
	}
	var limit int64
	if len(opts) > 0 && opts[0] != nil && opts[0].Limit != nil {
		limit = *opts[0].Limit
	}
	if limit > 0 && int64(len(docs)) > limit {
		docs = docs[:limit]
	}
	return &fakeCursor{docs: docs}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{}
}

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...*options.CreateIndexesOptions) (string, error) {
	return "", nil
}

type fakeCursor struct {
	docs []entryDocument
	pos  int
	err  error
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.err != nil {
		return false
	}
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	if c.err != nil {
		return c.err
	}
	if c.pos == 0 || c.pos > len(c.docs) {
		return nil
	}
	p, ok := val.(*entryDocument)
	if !ok {
		return nil
	}
	*p = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error {
	return c.err
}

func (c *fakeCursor) Close(context.Context) error {
	return nil
}
